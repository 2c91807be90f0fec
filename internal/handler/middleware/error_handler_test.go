package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/keytier-api/internal/handler/dto"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serveError(t *testing.T, err error) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop()))
	router.GET("/", func(c *gin.Context) {
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func TestErrorHandlerMiddleware(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", fmt.Errorf("%w: bad days", ierr.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"malformed tier", fmt.Errorf("%w: no name", ierr.ErrMalformedTier), http.StatusUnprocessableEntity, "MALFORMED_TIER"},
		{"invalid metric", ierr.ErrInvalidMetric, http.StatusUnprocessableEntity, "INVALID_METRIC"},
		{"expired", ierr.ErrExpired, http.StatusUnauthorized, "KEY_EXPIRED"},
		{"revoked", ierr.ErrRevoked, http.StatusUnauthorized, "KEY_REVOKED"},
		{"invalid key", ierr.ErrInvalidCredential, http.StatusUnauthorized, "INVALID_KEY"},
		{"unauthorized", fmt.Errorf("%w: token missing", ierr.ErrUnauthorized), http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"bad token", ierr.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"forbidden", ierr.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{"not found", fmt.Errorf("tier: %w", ierr.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"rotating", ierr.ErrAlreadyRotating, http.StatusConflict, "ROTATION_IN_PROGRESS"},
		{"write conflict", ierr.ErrWriteConflict, http.StatusConflict, "IDEMPOTENCY_CONFLICT"},
		{"conflict", ierr.ErrConflict, http.StatusConflict, "CONFLICT"},
		{"unavailable", fmt.Errorf("%w: redis", ierr.ErrUnavailable), http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := serveError(t, tc.err)

			assert.Equal(t, tc.wantStatus, w.Code)
			var resp dto.APIErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantCode, resp.Code)
		})
	}
}

func TestErrorHandlerMiddleware_InternalErrorHidesCause(t *testing.T) {
	w := serveError(t, errors.New("pq: password authentication failed"))

	assert.NotContains(t, w.Body.String(), "password")
}

func TestErrorHandlerMiddleware_RateLimited(t *testing.T) {
	resetAt := time.Now().Add(90 * time.Second)
	w := serveError(t, &ierr.RateLimitError{Window: "hour", ResetAt: resetAt})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retryAfter := w.Header().Get("Retry-After")
	assert.Contains(t, []string{"89", "90", "91"}, retryAfter)

	var resp dto.APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "RATE_LIMITED", resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hour", details["window"])
}

func TestErrorHandlerMiddleware_NoError(t *testing.T) {
	w := serveError(t, nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}
