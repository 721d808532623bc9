package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"matchgate/internal/auth"
	"matchgate/internal/config"
	"matchgate/internal/db"
	"matchgate/internal/logger"
	"matchgate/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeNotifierRecorder is a custom ResponseRecorder that implements http.CloseNotifier
type closeNotifierRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifierRecorder() *closeNotifierRecorder {
	return &closeNotifierRecorder{
		ResponseRecorder: httptest.NewRecorder(),
		closed:           make(chan bool, 1),
	}
}

func (r *closeNotifierRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func setupProxyRouter(t *testing.T, target string) *gin.Engine {
	gin.SetMode(gin.TestMode)

	dbService, err := db.NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	require.NoError(t, dbService.CreateAPIKey(&model.APIKey{
		Key: "sk_proxy", ClientID: "acme_1", Name: "Acme", IsActive: true, RateLimit: 42,
	}))

	log := logger.New(false)
	matcherProxy, err := newMatcherProxyWithURL(target, log)
	require.NoError(t, err)

	router := gin.New()
	apiGroup := router.Group("/api")
	apiGroup.Use(auth.Middleware(dbService, log))
	apiGroup.Any("/*path", matcherProxy.Handler())
	return router
}

func TestHandler_ForwardsIdentityAndStripsSecret(t *testing.T) {
	var gotHeaders http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"matches":[]}`))
	}))
	defer backend.Close()

	router := setupProxyRouter(t, backend.URL)

	req, _ := http.NewRequest(http.MethodGet, "/api/match/profiles", nil)
	req.Header.Set("X-API-Key", "sk_proxy")
	req.Header.Set("Authorization", "Bearer sk_proxy")
	rr := newCloseNotifierRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"matches":[]}`, rr.Body.String())

	// The downstream sees the resolved identity and nothing of the secret.
	assert.Equal(t, "acme_1", gotHeaders.Get("X-Client-Id"))
	assert.Equal(t, "Acme", gotHeaders.Get("X-Client-Name"))
	assert.Equal(t, "42", gotHeaders.Get("X-Client-Rate-Limit"))
	assert.Empty(t, gotHeaders.Get("X-API-Key"))
	assert.Empty(t, gotHeaders.Get("Authorization"))
}

func TestHandler_BadGatewayOnUpstreamFailure(t *testing.T) {
	// A backend that is already gone.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close()

	router := setupProxyRouter(t, backend.URL)

	req, _ := http.NewRequest(http.MethodGet, "/api/match", nil)
	req.Header.Set("X-API-Key", "sk_proxy")
	rr := newCloseNotifierRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestHandler_RejectsWithoutIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	matcherProxy, err := newMatcherProxyWithURL("http://127.0.0.1:1", logger.New(false))
	require.NoError(t, err)

	// No auth middleware in front: the proxy refuses to forward.
	router := gin.New()
	router.GET("/", matcherProxy.Handler())

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestNewMatcherProxy_InvalidURL(t *testing.T) {
	_, err := newMatcherProxyWithURL("://bad-url", logger.New(false))
	assert.Error(t, err)
}
