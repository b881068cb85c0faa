// Package scheduler picks which MAC should serve a playback request. Scoring
// prefers idle MACs with free slots and penalizes subscriptions close to
// expiry; the dispatcher walks the returned order until one MAC yields a
// link.
package scheduler

import (
	"sort"
	"time"

	"macbridge/work/config"
	"macbridge/work/logger"
)

// SlotCounter reports how many live sessions a MAC is already carrying. The
// session table satisfies this; a nil counter skips busy filtering, which is
// what catalog refresh wants when it only needs a listing credential.
type SlotCounter interface {
	Active(portalID, mac string) int
}

// Weights tune the three scoring terms.
type Weights struct {
	Idle   float64 // reward for a long watchdog timeout
	Slots  float64 // reward for free playback slots
	Expiry float64 // penalty for imminent subscription expiry
}

// DefaultWeights returns the standard tuning.
func DefaultWeights() Weights {
	return Weights{Idle: 1.0, Slots: 0.6, Expiry: 0.4}
}

// WeightsFrom builds Weights from settings, falling back to defaults.
func WeightsFrom(s *config.Settings) Weights {
	w := DefaultWeights()
	if s == nil {
		return w
	}
	if s.IdleWeight > 0 {
		w.Idle = s.IdleWeight
	}
	if s.SlotWeight > 0 {
		w.Slots = s.SlotWeight
	}
	if s.ExpiryWeight > 0 {
		w.Expiry = s.ExpiryWeight
	}
	return w
}

// expiryHorizon is the window over which imminent expiry ramps the penalty:
// a MAC expiring right now scores the full penalty, one with this much or
// more runway scores none.
const expiryHorizon = 30 * 24 * time.Hour

// candidate carries the intermediate scoring state for one MAC.
type candidate struct {
	mac       string
	score     float64
	freeSlots int
	expiry    time.Time
	hasExpiry bool
}

// Rank orders a portal's MACs for a playback attempt, best first.
//
// The selection domain is available ∩ portal.MACs with expired MACs dropped;
// a nil available slice means every portal MAC is in play. When a counter is
// supplied, MACs already at their stream limit are filtered out as busy. Ties
// break by more free slots, then later expiry, then lexicographic MAC, so
// the order is fully deterministic for a given state.
func Rank(portalID string, p *config.Portal, available []string, counter SlotCounter, w Weights, now time.Time) []string {
	var allow map[string]bool
	if available != nil {
		allow = make(map[string]bool, len(available))
		for _, mac := range available {
			allow[mac] = true
		}
	}

	var cands []candidate
	for addr, m := range p.MACsSnapshot() {
		if allow != nil && !allow[addr] {
			continue
		}
		if m.Expired(now) {
			logger.Debug("{scheduler/scheduler - Rank} Skipping expired MAC %s on %s", addr, portalID)
			continue
		}

		limit := p.StreamLimit(addr)
		free := limit
		if counter != nil {
			free = limit - counter.Active(portalID, addr)
			if free <= 0 {
				logger.Debug("{scheduler/scheduler - Rank} Skipping busy MAC %s on %s", addr, portalID)
				continue
			}
		}

		c := candidate{
			mac:       addr,
			freeSlots: free,
		}
		c.expiry, c.hasExpiry = m.ExpiryTime()

		score := w.Idle * idleFactor(m.WatchdogTimeout)
		score += w.Slots * float64(free) / float64(limit)
		score -= w.Expiry * expiryCloseness(c.expiry, c.hasExpiry, now)
		c.score = score

		cands = append(cands, c)
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.freeSlots != b.freeSlots {
			return a.freeSlots > b.freeSlots
		}
		if a.hasExpiry != b.hasExpiry {
			// no expiry sorts as the latest possible expiry
			return !a.hasExpiry
		}
		if a.hasExpiry && !a.expiry.Equal(b.expiry) {
			return a.expiry.After(b.expiry)
		}
		return a.mac < b.mac
	})

	order := make([]string, len(cands))
	for i, c := range cands {
		order[i] = c.mac
	}
	return order
}

// idleFactor maps the watchdog timeout onto the idleness reward: a MAC the
// portal saw moments ago is a bad pick, one idle for half an hour is ideal.
func idleFactor(watchdog int) float64 {
	switch {
	case watchdog < 60:
		return 0
	case watchdog < 300:
		return 0.3
	case watchdog < 1800:
		return 0.7
	default:
		return 1.0
	}
}

// expiryCloseness ramps from 0 (30+ days of runway, or no known expiry) to 1
// (expiring now).
func expiryCloseness(expiry time.Time, hasExpiry bool, now time.Time) float64 {
	if !hasExpiry {
		return 0
	}
	left := expiry.Sub(now)
	if left <= 0 {
		return 1
	}
	if left >= expiryHorizon {
		return 0
	}
	return 1 - float64(left)/float64(expiryHorizon)
}
