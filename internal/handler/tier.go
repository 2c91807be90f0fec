package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/makkenzo/keytier-api/internal/handler/dto"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/makkenzo/keytier-api/internal/service"
	"go.uber.org/zap"
)

type TierHandler struct {
	catalog   *service.TierCatalog
	simulator *service.ImpactSimulator
	logger    *zap.Logger
}

func NewTierHandler(catalog *service.TierCatalog, simulator *service.ImpactSimulator, logger *zap.Logger) *TierHandler {
	return &TierHandler{
		catalog:   catalog,
		simulator: simulator,
		logger:    logger.Named("TierHandler"),
	}
}

func (h *TierHandler) Create(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}

	var req dto.TierDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Failed to bind create tier request", zap.Error(err))
		_ = c.Error(fmt.Errorf("%w: %w", ierr.ErrValidation, err))
		return
	}

	t, err := h.catalog.Create(c.Request.Context(), ownerID, req.Definition())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *TierHandler) List(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}

	var status *tier.Status
	switch s := tier.Status(c.Query("status")); s {
	case "":
	case tier.StatusActive, tier.StatusArchived:
		status = &s
	default:
		_ = c.Error(fmt.Errorf("%w: status must be active or archived", ierr.ErrValidation))
		return
	}

	tiers, err := h.catalog.List(c.Request.Context(), ownerID, status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.TierListResponse{Tiers: tiers})
}

// Get returns the latest version, or the one named by ?version=.
func (h *TierHandler) Get(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var (
		t   *tier.Tier
		err error
	)
	if raw := c.Query("version"); raw != "" {
		version, convErr := strconv.Atoi(raw)
		if convErr != nil || version < 1 {
			_ = c.Error(fmt.Errorf("%w: version must be a positive integer", ierr.ErrValidation))
			return
		}
		t, err = h.catalog.GetVersion(c.Request.Context(), ownerID, id, version)
	} else {
		t, err = h.catalog.Get(c.Request.Context(), ownerID, id)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TierHandler) Update(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req dto.TierPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(fmt.Errorf("%w: %w", ierr.ErrValidation, err))
		return
	}

	t, err := h.catalog.Update(c.Request.Context(), ownerID, id, req.Patch())
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Info("Tier updated via handler", zap.String("tier_id", id.String()), zap.Int("version", t.Version))
	c.JSON(http.StatusOK, t)
}

func (h *TierHandler) Clone(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req dto.TierPatchRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		_ = c.Error(fmt.Errorf("%w: %w", ierr.ErrValidation, err))
		return
	}

	t, err := h.catalog.Clone(c.Request.Context(), ownerID, id, req.Patch())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *TierHandler) Archive(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	t, err := h.catalog.Archive(c.Request.Context(), ownerID, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TierHandler) Subscribe(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req dto.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(fmt.Errorf("%w: %w", ierr.ErrValidation, err))
		return
	}

	sub, err := h.catalog.Subscribe(c.Request.Context(), ownerID, id, req.SubjectID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *TierHandler) PreviewImpact(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}

	var req dto.PreviewImpactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(fmt.Errorf("%w: %w", ierr.ErrValidation, err))
		return
	}

	report, err := h.simulator.PreviewImpact(c.Request.Context(), ownerID, service.ImpactRequest{
		Candidate:      req.Candidate.Definition(),
		ReplacesTierID: req.ReplacesTierID,
		Subscribers:    req.Subscribers,
		Period:         time.Duration(req.PeriodDays) * 24 * time.Hour,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}
