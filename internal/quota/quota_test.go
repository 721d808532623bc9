package quota

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"matchgate/internal/auth"
	"matchgate/internal/config"
	"matchgate/internal/db"
	"matchgate/internal/ledger"
	"matchgate/internal/logger"
	"matchgate/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenLedger simulates an unreachable usage ledger.
type brokenLedger struct{}

func (brokenLedger) Count(context.Context, string, time.Time) (int64, error) {
	return 0, errors.New("ledger unreachable")
}
func (brokenLedger) Append(context.Context, string, string, time.Time) error {
	return errors.New("ledger unreachable")
}
func (brokenLedger) Prune(context.Context, time.Time) (int64, error) {
	return 0, errors.New("ledger unreachable")
}

func setupGateway(t *testing.T, usageLedger Ledger) (*gin.Engine, db.Service) {
	gin.SetMode(gin.TestMode)

	dbService, err := db.NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"})
	require.NoError(t, err)

	if usageLedger == nil {
		usageLedger = ledger.NewDatabase(dbService)
	}

	log := logger.New(false)
	router := gin.New()
	apiGroup := router.Group("/api")
	apiGroup.Use(auth.Middleware(dbService, log))
	apiGroup.Use(Middleware(usageLedger, log))
	apiGroup.GET("/*path", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router, dbService
}

func apiRequest(router *gin.Engine, key, path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-API-Key", key)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestMiddleware_AdmitsUnderLimit(t *testing.T) {
	router, dbService := setupGateway(t, nil)
	require.NoError(t, dbService.CreateAPIKey(&model.APIKey{
		Key: "sk_q", ClientID: "c1", Name: "n", IsActive: true, RateLimit: 2,
	}))

	assert.Equal(t, http.StatusOK, apiRequest(router, "sk_q", "/api/match").Code)
	assert.Equal(t, http.StatusOK, apiRequest(router, "sk_q", "/api/match").Code)
}

func TestMiddleware_RejectsAtLimit(t *testing.T) {
	router, dbService := setupGateway(t, nil)
	require.NoError(t, dbService.CreateAPIKey(&model.APIKey{
		Key: "sk_q", ClientID: "c1", Name: "n", IsActive: true, RateLimit: 2,
	}))

	apiRequest(router, "sk_q", "/api/match")
	apiRequest(router, "sk_q", "/api/match")

	rr := apiRequest(router, "sk_q", "/api/match")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "3600", rr.Header().Get("Retry-After"))

	var body struct {
		Success    bool   `json:"success"`
		Code       string `json:"code"`
		Limit      int    `json:"limit"`
		RetryAfter int    `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, auth.CodeRateLimitExceeded, body.Code)
	assert.Equal(t, 2, body.Limit)
	assert.Equal(t, RetryAfterSeconds, body.RetryAfter)
}

func TestMiddleware_RejectionIsNotRecorded(t *testing.T) {
	router, dbService := setupGateway(t, nil)
	require.NoError(t, dbService.CreateAPIKey(&model.APIKey{
		Key: "sk_q", ClientID: "c1", Name: "n", IsActive: true, RateLimit: 1,
	}))

	apiRequest(router, "sk_q", "/api/match")
	apiRequest(router, "sk_q", "/api/match")
	apiRequest(router, "sk_q", "/api/match")

	// Only the single admitted request left an event behind.
	count, err := dbService.CountUsageEvents(context.Background(), "c1", time.Now().Add(-Window))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMiddleware_WindowSlides(t *testing.T) {
	router, dbService := setupGateway(t, nil)
	require.NoError(t, dbService.CreateAPIKey(&model.APIKey{
		Key: "sk_q", ClientID: "c1", Name: "n", IsActive: true, RateLimit: 2,
	}))

	// Two events already sit in the ledger, one of them aged past the window.
	ctx := context.Background()
	require.NoError(t, dbService.AppendUsageEvent(ctx, &model.UsageEvent{
		ClientID: "c1", Endpoint: "/api/match", Timestamp: time.Now().Add(-61 * time.Minute),
	}))
	require.NoError(t, dbService.AppendUsageEvent(ctx, &model.UsageEvent{
		ClientID: "c1", Endpoint: "/api/match", Timestamp: time.Now().Add(-5 * time.Minute),
	}))

	// The expired event no longer counts, so there is room for one more.
	assert.Equal(t, http.StatusOK, apiRequest(router, "sk_q", "/api/match").Code)
	assert.Equal(t, http.StatusTooManyRequests, apiRequest(router, "sk_q", "/api/match").Code)
}

func TestMiddleware_EventCarriesRequestPath(t *testing.T) {
	router, dbService := setupGateway(t, nil)
	require.NoError(t, dbService.CreateAPIKey(&model.APIKey{
		Key: "sk_q", ClientID: "c1", Name: "n", IsActive: true, RateLimit: 5,
	}))

	apiRequest(router, "sk_q", "/api/match/profiles")

	var event model.UsageEvent
	require.NoError(t, dbService.GetDB().First(&event, "client_id = ?", "c1").Error)
	assert.Equal(t, "/api/match/profiles", event.Endpoint)
}

func TestMiddleware_FailOpenOnLedgerError(t *testing.T) {
	router, dbService := setupGateway(t, brokenLedger{})
	require.NoError(t, dbService.CreateAPIKey(&model.APIKey{
		Key: "sk_q", ClientID: "c1", Name: "n", IsActive: true, RateLimit: 1,
	}))

	// With the ledger down every request is admitted, even past the limit.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, apiRequest(router, "sk_q", "/api/match").Code)
	}
}

func TestMiddleware_RequiresIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// A chain without the auth middleware must never admit.
	router := gin.New()
	router.Use(Middleware(brokenLedger{}, logger.New(false)))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
