package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/config"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/handler/dto"
	"github.com/makkenzo/keytier-api/internal/handler/middleware"
	"github.com/makkenzo/keytier-api/internal/ratelimit"
	"github.com/makkenzo/keytier-api/internal/service"
	"github.com/makkenzo/keytier-api/internal/storage/memstorage"
	"github.com/makkenzo/keytier-api/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// vaultClock drives key lifecycle time; rate limiting and metering keep the
// wall clock.
type vaultClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *vaultClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *vaultClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

type testServer struct {
	router *gin.Engine
	auth   *service.AuthService
	clock  *vaultClock
	vault  *service.KeyVault
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	creds := memstorage.NewCredentialRepository()
	tiers := memstorage.NewTierRepository()
	subs := memstorage.NewSubscriptionRepository()
	hasher, err := util.NewHasher("handler-test")
	require.NoError(t, err)

	ledger := service.NewUsageLedger(memstorage.NewUsageRepository(), service.NewTierMetricPolicy(creds, tiers), 24*time.Hour, logger)
	clock := &vaultClock{}
	vault := service.NewKeyVault(creds, tiers, ledger, hasher, service.VaultSettings{
		GracePeriod:       time.Hour,
		DefaultRateLimits: credential.RateLimits{PerHour: 2},
	}, logger, service.WithClock(clock.Now))
	catalog := service.NewTierCatalog(tiers, subs, logger)
	simulator := service.NewImpactSimulator(ledger, tiers, subs, 2, logger)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(time.Hour), logger)
	meter := service.NewMeter(vault, limiter, ledger, tiers, logger)

	auth, err := service.NewAuthService(&config.AuthConfig{JWTSecret: "handler-test-secret-0123456789abcdef", Issuer: "keytier"}, logger)
	require.NoError(t, err)

	router := NewRouter(RouterDeps{
		Keys:         NewKeyHandler(vault, logger),
		Tiers:        NewTierHandler(catalog, simulator, logger),
		Meter:        NewMeterHandler(meter, logger),
		Health:       NewHealthHandler(map[string]Pinger{"database": nil}, logger),
		OperatorAuth: middleware.AuthMiddleware(auth, logger),
		APIKeyAuth:   middleware.APIKeyAuthMiddleware(vault, logger),
		Gatherer:     prometheus.NewRegistry(),
		Logger:       logger,
	})
	return &testServer{router: router, auth: auth, clock: clock, vault: vault}
}

func (s *testServer) token(t *testing.T, owner uuid.UUID) string {
	t.Helper()
	tok, err := s.auth.IssueToken(owner, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestKeysRequireOperatorToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/keys", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHENTICATED", decode[dto.APIErrorResponse](t, w).Code)

	w = s.do(t, http.MethodGet, "/api/v1/keys", "not.a.token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestKeyLifecycle(t *testing.T) {
	s := newTestServer(t)
	owner := uuid.New()
	tok := s.token(t, owner)

	w := s.do(t, http.MethodPost, "/api/v1/keys", tok, gin.H{"environment": "live", "scopes": []string{"read"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := decode[dto.IssuedKeyResponse](t, w)
	assert.NotEmpty(t, issued.Secret)
	assert.Equal(t, "sk_live", issued.Prefix)
	assert.NotContains(t, w.Body.String(), "secret_hash")

	w = s.do(t, http.MethodGet, "/api/v1/keys/"+issued.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), issued.Secret)

	w = s.do(t, http.MethodGet, "/api/v1/keys/"+issued.ID.String(), s.token(t, uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/keys/validate", "", gin.H{"secret": issued.Secret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[dto.ValidateKeyResponse](t, w).Valid)

	w = s.do(t, http.MethodPost, "/api/v1/keys/"+issued.ID.String()+"/rotate", tok, gin.H{"reason": "scheduled"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rotated := decode[dto.IssuedKeyResponse](t, w)
	assert.NotEqual(t, issued.Secret, rotated.Secret)

	w = s.do(t, http.MethodPost, "/api/v1/keys/"+issued.ID.String()+"/rotate", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ROTATION_IN_PROGRESS", decode[dto.APIErrorResponse](t, w).Code)

	w = s.do(t, http.MethodGet, "/api/v1/keys", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]dto.KeyResponse](t, w), 2)

	w = s.do(t, http.MethodDelete, "/api/v1/keys/"+rotated.ID.String(), tok, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/keys/validate", "", gin.H{"secret": issued.Secret})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "KEY_REVOKED", decode[dto.APIErrorResponse](t, w).Code)
}

func TestGenerateKeyValidation(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, uuid.New())

	w := s.do(t, http.MethodPost, "/api/v1/keys", tok, gin.H{"environment": "staging"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[dto.APIErrorResponse](t, w)
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
	assert.NotNil(t, resp.Details)

	w = s.do(t, http.MethodGet, "/api/v1/keys/not-a-uuid", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKeyUsage(t *testing.T) {
	s := newTestServer(t)
	owner := uuid.New()
	tok := s.token(t, owner)

	w := s.do(t, http.MethodPost, "/api/v1/keys", tok, gin.H{"environment": "test"})
	require.Equal(t, http.StatusCreated, w.Code)
	issued := decode[dto.IssuedKeyResponse](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/meter", "", gin.H{"quantity": 3}, middleware.APIKeyHeader, issued.Secret)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/keys/"+issued.ID.String()+"/usage?days=7", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Days   int `json:"days"`
		Series map[string]struct {
			Points []struct {
				Total int64 `json:"total"`
			} `json:"points"`
		} `json:"series"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 7, body.Days)
	points := body.Series["api_call"].Points
	require.Len(t, points, 7)
	assert.Equal(t, int64(3), points[6].Total)

	w = s.do(t, http.MethodGet, "/api/v1/keys/"+issued.ID.String()+"/usage?days=500", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/keys/"+issued.ID.String()+"/usage", s.token(t, uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMeterEndpoint(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, uuid.New())

	w := s.do(t, http.MethodPost, "/api/v1/meter", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/meter", "", nil, middleware.APIKeyHeader, "tk_test_unknown")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_KEY", decode[dto.APIErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/api/v1/keys", tok, gin.H{"environment": "test"})
	require.Equal(t, http.StatusCreated, w.Code)
	secret := decode[dto.IssuedKeyResponse](t, w).Secret

	w = s.do(t, http.MethodPost, "/api/v1/meter", "", nil, middleware.APIKeyHeader, secret, idempotencyKeyHeader, "req-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	w = s.do(t, http.MethodPost, "/api/v1/meter", "", nil, middleware.APIKeyHeader, secret, idempotencyKeyHeader, "req-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[dto.MeterResponse](t, w).Duplicate)

	w = s.do(t, http.MethodPost, "/api/v1/meter", "", gin.H{"quantity": 9, "idempotency_key": "req-1"}, middleware.APIKeyHeader, secret)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decode[dto.APIErrorResponse](t, w).Code)
}

func TestRotationDueIsReported(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, uuid.New())

	w := s.do(t, http.MethodPost, "/api/v1/keys", tok, gin.H{"environment": "test", "rotation_interval_hours": 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := decode[dto.IssuedKeyResponse](t, w)
	assert.False(t, issued.RotationDue)
	require.NotNil(t, issued.RotatesAt)

	w = s.do(t, http.MethodPost, "/api/v1/meter", "", nil, middleware.APIKeyHeader, issued.Secret)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get(middleware.RotationDueHeader))

	s.clock.Advance(2 * time.Hour)

	w = s.do(t, http.MethodGet, "/api/v1/keys/"+issued.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[dto.KeyResponse](t, w).RotationDue)

	w = s.do(t, http.MethodPost, "/api/v1/keys/validate", "", gin.H{"secret": issued.Secret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[dto.ValidateKeyResponse](t, w).Key.RotationDue)

	w = s.do(t, http.MethodPost, "/api/v1/meter", "", nil, middleware.APIKeyHeader, issued.Secret)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "true", w.Header().Get(middleware.RotationDueHeader))
}

func TestMigrateKeyTier(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, uuid.New())

	w := s.do(t, http.MethodPost, "/api/v1/tiers", tok, proTierBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tierID := decode[struct {
		ID uuid.UUID `json:"id"`
	}](t, w).ID

	w = s.do(t, http.MethodPost, "/api/v1/keys", tok, gin.H{"environment": "test", "tier_id": tierID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := decode[dto.IssuedKeyResponse](t, w)
	assert.Equal(t, 1, issued.TierVersion)

	w = s.do(t, http.MethodPatch, "/api/v1/tiers/"+tierID.String(), tok, gin.H{"included_usage": gin.H{"api_call": 10}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/keys/"+issued.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.KeyResponse](t, w).TierVersion)

	w = s.do(t, http.MethodPost, "/api/v1/keys/"+issued.ID.String()+"/migrate-tier", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[dto.KeyResponse](t, w).TierVersion)

	w = s.do(t, http.MethodPost, "/api/v1/keys", tok, gin.H{"environment": "test", "tier_id": uuid.New()})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMeterIdempotencyConflict(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, uuid.New())

	w := s.do(t, http.MethodPost, "/api/v1/keys", tok, gin.H{"environment": "test", "rate_limits": gin.H{"per_hour": 0}})
	require.Equal(t, http.StatusCreated, w.Code)
	secret := decode[dto.IssuedKeyResponse](t, w).Secret

	w = s.do(t, http.MethodPost, "/api/v1/meter", "", gin.H{"quantity": 1, "idempotency_key": "k"}, middleware.APIKeyHeader, secret)
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/meter", "", gin.H{"quantity": 2, "idempotency_key": "k"}, middleware.APIKeyHeader, secret)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", decode[dto.APIErrorResponse](t, w).Code)
}

func proTierBody() gin.H {
	return gin.H{
		"name":           "Pro",
		"currency":       "USD",
		"price":          "49.00",
		"included_usage": gin.H{"api_call": 1000},
		"overage_rate":   gin.H{"api_call": "0.01"},
		"entitlements":   []string{"sso"},
	}
}

func TestTierEndpoints(t *testing.T) {
	s := newTestServer(t)
	owner := uuid.New()
	tok := s.token(t, owner)

	w := s.do(t, http.MethodPost, "/api/v1/tiers", tok, proTierBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID      uuid.UUID `json:"id"`
		Version int       `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, 1, created.Version)
	base := "/api/v1/tiers/" + created.ID.String()

	w = s.do(t, http.MethodPatch, base, tok, gin.H{"price": "59.00"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"version":2`)

	w = s.do(t, http.MethodGet, base+"?version=1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"price":"49`)

	w = s.do(t, http.MethodGet, base+"?version=zero", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, base+"/clone", tok, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"parent_tier_id":"`+created.ID.String()+`"`)

	w = s.do(t, http.MethodPost, base+"/subscriptions", tok, gin.H{"subject_id": uuid.NewString()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"tier_version":2`)

	w = s.do(t, http.MethodGet, "/api/v1/tiers?status=active", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dto.TierListResponse](t, w).Tiers, 2)

	w = s.do(t, http.MethodGet, "/api/v1/tiers?status=deleted", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, base, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"archived"`)

	w = s.do(t, http.MethodPost, base+"/subscriptions", tok, gin.H{"subject_id": uuid.NewString()})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, base, s.token(t, uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateMalformedTier(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, uuid.New())

	body := proTierBody()
	body["overage_rate"] = gin.H{}
	w := s.do(t, http.MethodPost, "/api/v1/tiers", tok, body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "MALFORMED_TIER", decode[dto.APIErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/api/v1/tiers", tok, gin.H{"price": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreviewImpactEndpoint(t *testing.T) {
	s := newTestServer(t)
	owner := uuid.New()
	tok := s.token(t, owner)

	w := s.do(t, http.MethodPost, "/api/v1/tiers", tok, proTierBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	for range 2 {
		w = s.do(t, http.MethodPost, "/api/v1/tiers/"+created.ID.String()+"/subscriptions", tok, gin.H{"subject_id": uuid.NewString()})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	candidate := proTierBody()
	candidate["price"] = "39.00"
	w = s.do(t, http.MethodPost, "/api/v1/tiers/preview-impact", tok, gin.H{
		"candidate":        candidate,
		"replaces_tier_id": created.ID,
		"period_days":      14,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report service.ImpactReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Len(t, report.Subscribers, 2)
	assert.Equal(t, 2, report.Summary.Decreased)
	assert.Equal(t, 14*24*time.Hour, report.To.Sub(report.From))

	w = s.do(t, http.MethodPost, "/api/v1/tiers/preview-impact", tok, gin.H{"candidate": gin.H{"name": ""}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
