package quota

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"matchgate/internal/auth"

	"github.com/gin-gonic/gin"
)

// Window is the trailing interval counted for admission. It ends at the
// current instant, not at a calendar boundary.
const Window = time.Hour

// RetryAfterSeconds is the constant advertised on rejection. It is a
// conservative bound, not computed from the oldest event's exact expiry.
const RetryAfterSeconds = 3600

// Ledger is the append-only usage log consulted for admission. Events older
// than the window must never be counted, whether or not they have been
// physically pruned yet.
type Ledger interface {
	Count(ctx context.Context, clientID string, since time.Time) (int64, error)
	Append(ctx context.Context, clientID, endpoint string, at time.Time) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Middleware admits or rejects requests against the client's rolling hourly
// limit. It must run after auth.Middleware.
//
// The count and the append are deliberately two separate steps: concurrent
// requests can both observe room in the window and both be admitted, letting
// the limit overshoot by a small bounded burst. Throughput wins over a strict
// ceiling here.
//
// The ledger is fail-open, the opposite of the credential store: if it is
// unreachable the request is admitted and simply goes unrecorded.
func Middleware(ledger Ledger, logger *slog.Logger) gin.HandlerFunc {
	log := logger.With("component", "quota")
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFrom(c)
		if !ok {
			// Misconfigured chain; never admit an unidentified request.
			auth.Fail(c, http.StatusInternalServerError, auth.CodeAuthError, "Authentication failed")
			return
		}

		now := time.Now()
		count, err := ledger.Count(c.Request.Context(), identity.ClientID, now.Add(-Window))
		if err != nil {
			log.Warn("Usage ledger unreachable, admitting request unrecorded",
				"client_id", identity.ClientID, "error", err)
			c.Next()
			return
		}

		if count >= int64(identity.RateLimit) {
			c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error":      "Rate limit exceeded",
				"code":       auth.CodeRateLimitExceeded,
				"limit":      identity.RateLimit,
				"retryAfter": RetryAfterSeconds,
			})
			return
		}

		if err := ledger.Append(c.Request.Context(), identity.ClientID, c.Request.URL.Path, now); err != nil {
			// The admission decision is already made; losing the event only
			// costs accounting accuracy.
			log.Warn("Failed to record usage event", "client_id", identity.ClientID, "error", err)
		}

		c.Next()
	}
}
