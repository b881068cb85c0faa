package portal

import (
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// Limiter paces portal calls; the client takes one slot before every request.
type Limiter = ratelimit.Limiter

// limiters holds one shared rate limiter per portal so every client talking
// to the same portal shares one pacing budget.
var limiters = xsync.NewMapOf[string, Limiter]()

// defaultPortalRPS caps how hard we hit a single portal across all workers.
const defaultPortalRPS = 8

// LimiterFor returns the shared limiter for a portal, creating it on first use.
func LimiterFor(portalID string) Limiter {
	l, _ := limiters.LoadOrCompute(portalID, func() Limiter {
		return ratelimit.New(defaultPortalRPS)
	})
	return l
}
