package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/makkenzo/keytier-api/internal/handler/dto"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"go.uber.org/zap"
)

func ErrorHandlerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("ErrorHandler")
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		status := http.StatusInternalServerError
		errResponse := dto.APIErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "An unexpected error occurred.",
		}

		var ve validator.ValidationErrors
		var rle *ierr.RateLimitError

		switch {
		case errors.As(err, &ve):
			status = http.StatusBadRequest
			errResponse.Code = "VALIDATION_ERROR"
			errResponse.Message = "Input validation failed."
			errResponse.Details = buildValidationErrors(ve)
		case errors.As(err, &rle):
			status = http.StatusTooManyRequests
			errResponse.Code = "RATE_LIMITED"
			errResponse.Message = rle.Error()
			errResponse.Details = gin.H{"window": rle.Window, "reset_at": rle.ResetAt}
			c.Header("Retry-After", strconv.FormatInt(rle.RetryAfter(time.Now()), 10))
		case errors.Is(err, ierr.ErrValidation):
			status = http.StatusBadRequest
			errResponse.Code = "VALIDATION_ERROR"
			errResponse.Message = err.Error()
		case errors.Is(err, ierr.ErrMalformedTier):
			status = http.StatusUnprocessableEntity
			errResponse.Code = "MALFORMED_TIER"
			errResponse.Message = err.Error()
		case errors.Is(err, ierr.ErrInvalidMetric):
			status = http.StatusUnprocessableEntity
			errResponse.Code = "INVALID_METRIC"
			errResponse.Message = err.Error()
		case errors.Is(err, ierr.ErrExpired):
			status = http.StatusUnauthorized
			errResponse.Code = "KEY_EXPIRED"
			errResponse.Message = "The API key has expired."
		case errors.Is(err, ierr.ErrRevoked):
			status = http.StatusUnauthorized
			errResponse.Code = "KEY_REVOKED"
			errResponse.Message = "The API key has been revoked."
		case errors.Is(err, ierr.ErrInvalidCredential):
			status = http.StatusUnauthorized
			errResponse.Code = "INVALID_KEY"
			errResponse.Message = "The API key is not valid."
		case errors.Is(err, ierr.ErrUnauthorized), errors.Is(err, ierr.ErrInvalidToken),
			errors.Is(err, ierr.ErrTokenParsingFailed), errors.Is(err, ierr.ErrTokenInvalidClaims):
			status = http.StatusUnauthorized
			errResponse.Code = "UNAUTHENTICATED"
			errResponse.Message = "Authentication required or failed."
		case errors.Is(err, ierr.ErrForbidden):
			status = http.StatusForbidden
			errResponse.Code = "FORBIDDEN"
			errResponse.Message = "Access denied."
		case errors.Is(err, ierr.ErrNotFound):
			status = http.StatusNotFound
			errResponse.Code = "NOT_FOUND"
			errResponse.Message = "The requested resource was not found."
		case errors.Is(err, ierr.ErrAlreadyRotating):
			status = http.StatusConflict
			errResponse.Code = "ROTATION_IN_PROGRESS"
			errResponse.Message = err.Error()
		case errors.Is(err, ierr.ErrWriteConflict):
			status = http.StatusConflict
			errResponse.Code = "IDEMPOTENCY_CONFLICT"
			errResponse.Message = err.Error()
		case errors.Is(err, ierr.ErrConflict):
			status = http.StatusConflict
			errResponse.Code = "CONFLICT"
			errResponse.Message = err.Error()
		case errors.Is(err, ierr.ErrUnavailable):
			status = http.StatusServiceUnavailable
			errResponse.Code = "UNAVAILABLE"
			errResponse.Message = "A backing service is temporarily unavailable."
		}

		if status >= http.StatusInternalServerError {
			log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		} else {
			log.Info("Request rejected", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
		}

		c.AbortWithStatusJSON(status, errResponse)
	}
}

func buildValidationErrors(ve validator.ValidationErrors) []dto.FieldError {
	details := make([]dto.FieldError, len(ve))
	for i, fe := range ve {
		details[i] = dto.FieldError{
			Field:   fe.Field(),
			Message: getValidationErrorMsg(fe),
		}
	}
	return details
}

func getValidationErrorMsg(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("Field '%s' must be one of [%s]", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("Field '%s' must be greater than or equal to %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("Field '%s' must be less than or equal to %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("Field '%s' must be at most %s characters", fe.Field(), fe.Param())
	case "ne":
		return fmt.Sprintf("Field '%s' must not be %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("Field '%s' failed validation on the '%s' tag", fe.Field(), fe.Tag())
	}
}
