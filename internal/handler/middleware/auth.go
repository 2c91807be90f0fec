package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/makkenzo/keytier-api/internal/service"
	"go.uber.org/zap"
)

const (
	authorizationHeader      = "Authorization"
	bearerPrefix             = "Bearer "
	operatorClaimsContextKey = "operatorClaims"
	ownerIDContextKey        = "ownerID"
)

func AuthMiddleware(authService *service.AuthService, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("AuthMiddleware")
	return func(c *gin.Context) {
		authHeader := c.GetHeader(authorizationHeader)
		if authHeader == "" {
			log.Debug("Authorization header is missing")
			_ = c.Error(fmt.Errorf("%w: authorization header required", ierr.ErrUnauthorized))
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, bearerPrefix) {
			log.Debug("Authorization header format is invalid")
			_ = c.Error(fmt.Errorf("%w: invalid authorization header format", ierr.ErrUnauthorized))
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)
		if tokenString == "" {
			log.Debug("Token is missing after Bearer prefix")
			_ = c.Error(fmt.Errorf("%w: token missing", ierr.ErrUnauthorized))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(c.Request.Context(), tokenString)
		if err != nil {
			log.Warn("Token validation failed", zap.Error(err))
			_ = c.Error(err)
			c.Abort()
			return
		}
		ownerID, err := claims.OwnerID()
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		log.Debug("Operator token validated, setting owner in context", zap.String("owner_id", ownerID.String()))
		c.Set(operatorClaimsContextKey, claims)
		c.Set(ownerIDContextKey, ownerID)

		c.Next()
	}
}

// SetOwnerID stores the authenticated owner. AuthMiddleware calls it; tests
// may use it to skip token handling.
func SetOwnerID(c *gin.Context, ownerID uuid.UUID) {
	c.Set(ownerIDContextKey, ownerID)
}

func GetOwnerID(c *gin.Context) (uuid.UUID, bool) {
	value, exists := c.Get(ownerIDContextKey)
	if !exists {
		return uuid.Nil, false
	}
	id, ok := value.(uuid.UUID)
	return id, ok
}

func GetOperatorClaims(c *gin.Context) *service.OperatorClaims {
	value, exists := c.Get(operatorClaimsContextKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*service.OperatorClaims)
	if !ok {
		return nil
	}
	return claims
}
