package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/config"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"go.uber.org/zap"
)

// OperatorClaims identify the account that owns keys and tiers. The subject is
// the owner id.
type OperatorClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

func (c *OperatorClaims) OwnerID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not an owner id", ierr.ErrTokenInvalidClaims)
	}
	return id, nil
}

type AuthService struct {
	secret []byte
	issuer string
	logger *zap.Logger
	now    func() time.Time
}

func NewAuthService(cfg *config.AuthConfig, logger *zap.Logger, opts ...Option) (*AuthService, error) {
	log := logger.Named("AuthService")
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("auth jwtSecret must be at least 32 bytes")
	}
	o := buildOptions(opts)
	log.Info("Operator token verification configured", zap.String("issuer", cfg.Issuer))
	return &AuthService{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		logger: log,
		now:    o.now,
	}, nil
}

// IssueToken signs an HS256 operator token for ownerID.
func (s *AuthService) IssueToken(ownerID uuid.UUID, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing operator token: %w", err)
	}
	return signed, nil
}

func (s *AuthService) ValidateToken(ctx context.Context, rawToken string) (*OperatorClaims, error) {
	s.logger.Debug("Attempting to validate operator token")

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}

	var claims OperatorClaims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, parserOpts...)
	if err != nil {
		s.logger.Warn("Failed to verify operator token", zap.Error(err))
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ierr.ErrTokenParsingFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ierr.ErrInvalidToken, err)
	}
	if _, err := claims.OwnerID(); err != nil {
		s.logger.Warn("Operator token has invalid subject", zap.String("subject", claims.Subject))
		return nil, err
	}

	s.logger.Debug("Operator token validated", zap.String("subject", claims.Subject))
	return &claims, nil
}
