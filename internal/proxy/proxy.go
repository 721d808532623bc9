package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"matchgate/internal/auth"
	"matchgate/internal/config"

	"github.com/gin-gonic/gin"
)

// MatcherProxy forwards admitted requests to the downstream profile-matching
// service. The downstream sees the resolved identity and nothing else: the
// client's secret is stripped before the request leaves the gateway.
type MatcherProxy struct {
	reverseProxy *httputil.ReverseProxy
	targetURL    *url.URL
	logger       *slog.Logger
}

// newMatcherProxyWithURL is the internal constructor that allows custom
// target URLs, making it testable.
func newMatcherProxyWithURL(target string, logger *slog.Logger) (*MatcherProxy, error) {
	targetURL, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	p := &MatcherProxy{
		targetURL: targetURL,
		logger:    logger.With("component", "proxy"),
	}

	p.reverseProxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = p.targetURL.Scheme
			req.URL.Host = p.targetURL.Host
			req.Host = p.targetURL.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrAbortHandler) {
				p.logger.Warn("Client disconnected", "error", err)
				return
			}
			p.logger.Error("Matcher proxy error", "error", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}

	return p, nil
}

// NewMatcherProxy creates a proxy for the configured matcher base URL.
func NewMatcherProxy(cfg *config.Config, logger *slog.Logger) (*MatcherProxy, error) {
	return newMatcherProxyWithURL(cfg.Matcher.BaseURL, logger)
}

// Handler adapts the proxy into the gin chain. It must run behind the auth
// and quota middleware so an identity is present.
func (p *MatcherProxy) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFrom(c)
		if !ok {
			auth.Fail(c, http.StatusInternalServerError, auth.CodeAuthError, "Authentication failed")
			return
		}

		// Never leak the caller's secret upstream.
		c.Request.Header.Del("X-API-Key")
		c.Request.Header.Del("Authorization")

		c.Request.Header.Set("X-Client-Id", identity.ClientID)
		c.Request.Header.Set("X-Client-Name", identity.Name)
		c.Request.Header.Set("X-Client-Rate-Limit", strconv.Itoa(identity.RateLimit))

		p.reverseProxy.ServeHTTP(c.Writer, c.Request)
	}
}
