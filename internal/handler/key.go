package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/handler/dto"
	"github.com/makkenzo/keytier-api/internal/handler/middleware"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/makkenzo/keytier-api/internal/service"
	"go.uber.org/zap"
)

const defaultUsageDays = 30

type KeyHandler struct {
	vault  *service.KeyVault
	logger *zap.Logger
}

func NewKeyHandler(vault *service.KeyVault, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{
		vault:  vault,
		logger: logger.Named("KeyHandler"),
	}
}

func (h *KeyHandler) Generate(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}

	var req dto.GenerateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Failed to bind generate api key request", zap.Error(err))
		_ = c.Error(fmt.Errorf("%w: %w", ierr.ErrValidation, err))
		return
	}

	genReq := service.GenerateRequest{
		OwnerID:          ownerID,
		TierID:           req.TierID,
		Environment:      credential.Environment(req.Environment),
		Scopes:           req.Scopes,
		Description:      req.Description,
		NotBefore:        req.NotBefore,
		ExpiresAt:        req.ExpiresAt,
		RotationInterval: time.Duration(req.RotationIntervalHours) * time.Hour,
	}
	if req.RateLimits != nil {
		genReq.RateLimits = &credential.RateLimits{
			PerHour:  req.RateLimits.PerHour,
			PerDay:   req.RateLimits.PerDay,
			PerMonth: req.RateLimits.PerMonth,
		}
	}

	secret, cred, err := h.vault.Generate(c.Request.Context(), genReq)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("API key created via handler", zap.String("id", cred.ID.String()))
	c.JSON(http.StatusCreated, dto.IssuedKeyResponse{KeyResponse: h.keyResponse(cred), Secret: secret})
}

func (h *KeyHandler) List(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}

	creds, err := h.vault.List(c.Request.Context(), ownerID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	keys := make([]dto.KeyResponse, len(creds))
	for i, cred := range creds {
		keys[i] = h.keyResponse(cred)
	}
	h.logger.Debug("API keys listed successfully via handler", zap.Int("count", len(keys)))
	c.JSON(http.StatusOK, keys)
}

func (h *KeyHandler) Get(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	cred, err := h.vault.Get(c.Request.Context(), ownerID, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.keyResponse(cred))
}

func (h *KeyHandler) Rotate(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req dto.ReasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		_ = c.Error(fmt.Errorf("%w: %w", ierr.ErrValidation, err))
		return
	}

	secret, cred, err := h.vault.Rotate(c.Request.Context(), id, ownerID, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("API key rotated via handler", zap.String("old_id", id.String()), zap.String("new_id", cred.ID.String()))
	c.JSON(http.StatusCreated, dto.IssuedKeyResponse{KeyResponse: h.keyResponse(cred), Secret: secret})
}

func (h *KeyHandler) Revoke(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req dto.ReasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		_ = c.Error(fmt.Errorf("%w: %w", ierr.ErrValidation, err))
		return
	}

	if err := h.vault.Revoke(c.Request.Context(), id, ownerID, req.Reason); err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("API key revoked successfully via handler", zap.String("id", id.String()))
	c.Status(http.StatusNoContent)
}

// MigrateTier moves the key's lineage onto the latest version of its tier.
func (h *KeyHandler) MigrateTier(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	cred, err := h.vault.MigrateTier(c.Request.Context(), id, ownerID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("API key tier migrated via handler", zap.String("id", id.String()), zap.Int("tier_version", cred.TierVersion))
	c.JSON(http.StatusOK, h.keyResponse(cred))
}

func (h *KeyHandler) Usage(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	days := defaultUsageDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			_ = c.Error(fmt.Errorf("%w: days must be an integer", ierr.ErrValidation))
			return
		}
		days = n
	}

	// ownership is checked before any usage is read
	if _, err := h.vault.Get(c.Request.Context(), ownerID, id); err != nil {
		_ = c.Error(err)
		return
	}
	series, err := h.vault.UsageStats(c.Request.Context(), id, days)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.UsageStatsResponse{KeyID: id, Days: days, Series: series})
}

// Validate lets a collaborator check a secret without metering it.
func (h *KeyHandler) Validate(c *gin.Context) {
	var req dto.ValidateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(fmt.Errorf("%w: %w", ierr.ErrValidation, err))
		return
	}

	cred, err := h.vault.Validate(c.Request.Context(), req.Secret)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.ValidateKeyResponse{Valid: true, Key: h.keyResponse(cred)})
}

func (h *KeyHandler) keyResponse(cred *credential.Credential) dto.KeyResponse {
	resp := dto.NewKeyResponse(cred)
	resp.RotationDue = h.vault.RotationDue(cred)
	return resp
}

func ownerFrom(c *gin.Context) (uuid.UUID, bool) {
	ownerID, ok := middleware.GetOwnerID(c)
	if !ok {
		_ = c.Error(fmt.Errorf("%w: owner not resolved", ierr.ErrUnauthorized))
		return uuid.Nil, false
	}
	return ownerID, true
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	raw := c.Param(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		_ = c.Error(fmt.Errorf("%w: invalid %s format", ierr.ErrValidation, name))
		return uuid.Nil, false
	}
	return id, true
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, obj any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(obj)
}
