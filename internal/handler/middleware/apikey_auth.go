package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/makkenzo/keytier-api/internal/service"
	"go.uber.org/zap"
)

const (
	APIKeyHeader         = "X-API-Key"
	RotationDueHeader    = "X-Key-Rotation-Due"
	credentialContextKey = "credential"
)

// APIKeyAuthMiddleware resolves the X-API-Key header to a live credential.
// The raw secret is never logged.
func APIKeyAuthMiddleware(vault *service.KeyVault, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("APIKeyAuthMiddleware")
	return func(c *gin.Context) {
		apiKeyFromHeader := c.GetHeader(APIKeyHeader)
		if apiKeyFromHeader == "" {
			log.Debug("API Key header is missing", zap.String("header", APIKeyHeader))
			_ = c.Error(fmt.Errorf("%w: api key required", ierr.ErrUnauthorized))
			c.Abort()
			return
		}

		cred, err := vault.Validate(c.Request.Context(), apiKeyFromHeader)
		if err != nil {
			log.Info("API key rejected", zap.Error(err))
			_ = c.Error(err)
			c.Abort()
			return
		}

		log.Debug("API key validated successfully", zap.String("key_id", cred.ID.String()), zap.String("hint", cred.Hint))
		if vault.RotationDue(cred) {
			c.Header(RotationDueHeader, "true")
		}
		c.Set(credentialContextKey, cred)
		c.Next()
	}
}

func GetCredential(c *gin.Context) *credential.Credential {
	value, exists := c.Get(credentialContextKey)
	if !exists {
		return nil
	}
	cred, ok := value.(*credential.Credential)
	if !ok {
		return nil
	}
	return cred
}
