package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// PortalStats summarises one portal's catalog, recomputed inside every
// refresh transaction.
type PortalStats struct {
	PortalID        string `json:"portal_id"`
	TotalChannels   int    `json:"total_channels"`
	EnabledChannels int    `json:"enabled_channels"`
	GroupCount      int    `json:"group_count"`
	LastRefresh     int64  `json:"last_refresh"`
}

// RecomputePortalStats rebuilds the portal_stats row from the current
// channels and groups tables.
func RecomputePortalStats(q Queryer, portalID string, now int64) (*PortalStats, error) {
	stats := &PortalStats{PortalID: portalID, LastRefresh: now}

	err := q.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN enabled = 1 AND missing_since IS NULL THEN 1 ELSE 0 END), 0)
		FROM channels WHERE portal_id = ?`, portalID).
		Scan(&stats.TotalChannels, &stats.EnabledChannels)
	if err != nil {
		return nil, fmt.Errorf("failed to count channels: %w", err)
	}

	err = q.QueryRow(`SELECT COUNT(*) FROM groups WHERE portal_id = ?`, portalID).Scan(&stats.GroupCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}

	_, err = q.Exec(`
		INSERT INTO portal_stats (portal_id, total_channels, enabled_channels, group_count, last_refresh)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(portal_id) DO UPDATE SET
			total_channels = excluded.total_channels,
			enabled_channels = excluded.enabled_channels,
			group_count = excluded.group_count,
			last_refresh = excluded.last_refresh`,
		portalID, stats.TotalChannels, stats.EnabledChannels, stats.GroupCount, now)
	if err != nil {
		return nil, fmt.Errorf("failed to write portal stats: %w", err)
	}
	return stats, nil
}

// GetPortalStats loads the stored stats row for a portal. Returns a zero row
// when the portal was never refreshed.
func GetPortalStats(q Queryer, portalID string) (*PortalStats, error) {
	stats := &PortalStats{PortalID: portalID}
	err := q.QueryRow(`
		SELECT total_channels, enabled_channels, group_count, last_refresh
		FROM portal_stats WHERE portal_id = ?`, portalID).
		Scan(&stats.TotalChannels, &stats.EnabledChannels, &stats.GroupCount, &stats.LastRefresh)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load portal stats: %w", err)
	}
	return stats, nil
}

// RecomputeGroupStats rebuilds per-group channel counts for a portal in one
// statement, replacing whatever was there.
func RecomputeGroupStats(q Queryer, portalID string) error {
	if _, err := q.Exec(`DELETE FROM group_stats WHERE portal_id = ?`, portalID); err != nil {
		return fmt.Errorf("failed to clear group stats: %w", err)
	}
	_, err := q.Exec(`
		INSERT INTO group_stats (portal_id, genre_id, total_count, enabled_count)
		SELECT portal_id,
		       CASE WHEN genre_id = '' THEN ? ELSE genre_id END,
		       COUNT(*),
		       SUM(CASE WHEN enabled = 1 AND missing_since IS NULL THEN 1 ELSE 0 END)
		FROM channels WHERE portal_id = ?
		GROUP BY CASE WHEN genre_id = '' THEN ? ELSE genre_id END`,
		UngroupedGenreID, portalID, UngroupedGenreID)
	if err != nil {
		return fmt.Errorf("failed to rebuild group stats: %w", err)
	}
	return nil
}
