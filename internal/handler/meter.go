package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/keytier-api/internal/handler/dto"
	"github.com/makkenzo/keytier-api/internal/handler/middleware"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/makkenzo/keytier-api/internal/service"
	"go.uber.org/zap"
)

const idempotencyKeyHeader = "Idempotency-Key"

type MeterHandler struct {
	meter  *service.Meter
	logger *zap.Logger
}

func NewMeterHandler(meter *service.Meter, logger *zap.Logger) *MeterHandler {
	return &MeterHandler{
		meter:  meter,
		logger: logger.Named("MeterHandler"),
	}
}

// Consume expects APIKeyAuthMiddleware in front of it.
func (h *MeterHandler) Consume(c *gin.Context) {
	cred := middleware.GetCredential(c)
	if cred == nil {
		_ = c.Error(fmt.Errorf("%w: api key required", ierr.ErrUnauthorized))
		return
	}

	var req dto.MeterRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		_ = c.Error(fmt.Errorf("%w: %w", ierr.ErrValidation, err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(idempotencyKeyHeader)
	}

	consume := service.ConsumeRequest{
		Metric:         req.Metric,
		Quantity:       req.Quantity,
		Feature:        req.Feature,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Timestamp != nil {
		consume.Timestamp = *req.Timestamp
	}

	res, err := h.meter.ConsumeAs(c.Request.Context(), cred, consume)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if res.Rate.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Rate.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Rate.Remaining, 10))
	}
	if !res.Rate.Allowed {
		_ = c.Error(res.Rate.Err())
		return
	}

	resp := dto.MeterResponse{
		KeyID:     cred.ID,
		Rate:      res.Rate,
		Event:     res.Usage.Event,
		Duplicate: res.Usage.Duplicate,
		Allowance: res.Allowance,
		Feature:   res.Feature,
	}
	status := http.StatusCreated
	if res.Usage.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}
