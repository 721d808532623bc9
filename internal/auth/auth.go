package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"matchgate/internal/db"

	"github.com/gin-gonic/gin"
)

// Failure codes returned to callers. Each maps 1:1 to one standing check.
const (
	CodeMissingKey        = "MISSING_API_KEY"
	CodeInvalidKey        = "INVALID_API_KEY"
	CodeDisabledKey       = "DISABLED_API_KEY"
	CodeExpiredKey        = "EXPIRED_API_KEY"
	CodeIPNotAllowed      = "IP_NOT_ALLOWED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeAuthError         = "AUTH_ERROR"
)

// Identity is what downstream handlers learn about an authenticated client.
// The secret itself never travels past this package.
type Identity struct {
	ClientID  string `json:"client_id"`
	Name      string `json:"name"`
	RateLimit int    `json:"rate_limit"`
}

const identityContextKey = "matchgate.identity"

// IdentityFrom returns the identity attached by the auth middleware, if any.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// Extractor pulls a candidate secret out of a request, returning "" when its
// carrier is absent.
type Extractor func(r *http.Request) string

// FromHeader extracts the dedicated X-API-Key header.
func FromHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// FromBearer extracts a bearer-style Authorization header.
func FromBearer(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// defaultExtractors are tried in order; first match wins. The dedicated
// header takes precedence over the bearer carrier.
var defaultExtractors = []Extractor{FromHeader, FromBearer}

// ExtractSecret runs the ordered extractor chain.
func ExtractSecret(r *http.Request) string {
	for _, extract := range defaultExtractors {
		if secret := extract(r); secret != "" {
			return secret
		}
	}
	return ""
}

// Fail writes the fixed failure body and aborts the request.
func Fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

// Middleware resolves the presented secret to a client identity and enforces
// the standing checks, in order: presence, resolution, active, expiry, IP.
// The check order decides which failure is reported when several hold at once.
//
// The credential store is fail-closed: if it cannot be reached, no identity
// is assumed and the request is rejected with a generic server error.
func Middleware(dbService db.Service, logger *slog.Logger) gin.HandlerFunc {
	log := logger.With("component", "auth")
	return func(c *gin.Context) {
		secret := ExtractSecret(c.Request)
		if secret == "" {
			Fail(c, http.StatusUnauthorized, CodeMissingKey, "API key is required")
			return
		}

		record, err := dbService.LookupAPIKey(c.Request.Context(), secret)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				// Identical response for malformed, unknown and deleted
				// keys so callers cannot enumerate the keyspace.
				Fail(c, http.StatusUnauthorized, CodeInvalidKey, "Invalid API key")
				return
			}
			log.Error("Credential store lookup failed", "error", err)
			Fail(c, http.StatusInternalServerError, CodeAuthError, "Authentication failed")
			return
		}

		if !record.IsActive {
			Fail(c, http.StatusForbidden, CodeDisabledKey, "API key is disabled")
			return
		}

		if record.IsExpired(time.Now()) {
			Fail(c, http.StatusForbidden, CodeExpiredKey, "API key has expired")
			return
		}

		if !record.AllowsIP(c.ClientIP()) {
			Fail(c, http.StatusForbidden, CodeIPNotAllowed, "Requests from this IP address are not allowed")
			return
		}

		// Advisory telemetry only. The authentication decision stands even
		// if this write is lost.
		if err := dbService.TouchAPIKey(c.Request.Context(), secret); err != nil {
			log.Warn("Failed to record api key usage", "client_id", record.ClientID, "error", err)
		}

		c.Set(identityContextKey, Identity{
			ClientID:  record.ClientID,
			Name:      record.Name,
			RateLimit: record.RateLimit,
		})
		c.Next()
	}
}

// AdminAuthMiddleware guards the administrative surface with basic auth.
func AdminAuthMiddleware(adminPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, password, hasAuth := c.Request.BasicAuth()
		if !hasAuth || user != "admin" || password != adminPassword {
			c.Header("WWW-Authenticate", `Basic realm="Restricted"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
