// Package cache holds the short-lived snapshots that keep hot read paths off
// the database: rendered playlists keyed by requesting host, and the
// active-channel filter sets keyed by portal. Group toggles and catalog
// refreshes invalidate; everything also ages out on its own TTL.
package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// playlistTTL bounds how stale a rendered playlist may get when nothing
// invalidates it explicitly.
const playlistTTL = 5 * time.Minute

// filterTTL matches the original behavior: group visibility answers may lag
// by up to two minutes under concurrent toggling.
const filterTTL = 120 * time.Second

// Snapshots is the process-wide snapshot cache.
type Snapshots struct {
	playlists *otter.Cache[string, string]
	filters   *otter.Cache[string, []string]
}

// New builds the snapshot cache with its fixed TTL policy.
func New() *Snapshots {
	return &Snapshots{
		playlists: otter.Must(&otter.Options[string, string]{
			MaximumSize:      64,
			ExpiryCalculator: otter.ExpiryWriting[string, string](playlistTTL),
		}),
		filters: otter.Must(&otter.Options[string, []string]{
			MaximumSize:      256,
			ExpiryCalculator: otter.ExpiryWriting[string, []string](filterTTL),
		}),
	}
}

// Playlist returns the cached rendered playlist for a host, if fresh.
func (s *Snapshots) Playlist(host string) (string, bool) {
	return s.playlists.GetIfPresent(host)
}

// SetPlaylist stores a rendered playlist for a host.
func (s *Snapshots) SetPlaylist(host, body string) {
	s.playlists.Set(host, body)
}

// InvalidatePlaylists drops every rendered playlist. Called when the catalog
// or group visibility changes.
func (s *Snapshots) InvalidatePlaylists() {
	s.playlists.InvalidateAll()
}

// ActiveChannels returns the cached active channel id set for a portal.
func (s *Snapshots) ActiveChannels(portalID string) ([]string, bool) {
	return s.filters.GetIfPresent(portalID)
}

// SetActiveChannels stores the active channel id set for a portal.
func (s *Snapshots) SetActiveChannels(portalID string, ids []string) {
	s.filters.Set(portalID, ids)
}

// InvalidateFilters drops the per-portal filter sets.
func (s *Snapshots) InvalidateFilters() {
	s.filters.InvalidateAll()
}

// InvalidateAll drops everything, used after a refresh commits.
func (s *Snapshots) InvalidateAll() {
	s.playlists.InvalidateAll()
	s.filters.InvalidateAll()
}
