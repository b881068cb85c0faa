package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// EPGSourceRow is the bookkeeping record for one EPG source. The programme
// data itself lives in a separate per-source database file.
type EPGSourceRow struct {
	SourceID      string `json:"source_id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	SourceType    string `json:"source_type"` // "portal" or "custom"
	Enabled       bool   `json:"enabled"`
	IntervalHours int    `json:"interval_hours"`
	LastFetch     int64  `json:"last_fetch"`
	LastRefresh   int64  `json:"last_refresh"`
}

// UpsertEPGSource creates or updates a source record, preserving the fetch
// timestamps of an existing row.
func UpsertEPGSource(q Queryer, s *EPGSourceRow) error {
	_, err := q.Exec(`
		INSERT INTO epg_sources (source_id, name, url, source_type, enabled, interval_hours, last_fetch, last_refresh)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT(source_id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			source_type = excluded.source_type,
			enabled = excluded.enabled,
			interval_hours = excluded.interval_hours`,
		s.SourceID, s.Name, s.URL, s.SourceType, s.Enabled, s.IntervalHours)
	if err != nil {
		return fmt.Errorf("failed to upsert epg source %s: %w", s.SourceID, err)
	}
	return nil
}

// GetEPGSource loads one source record. Returns nil when absent.
func GetEPGSource(q Queryer, sourceID string) (*EPGSourceRow, error) {
	var s EPGSourceRow
	err := q.QueryRow(`
		SELECT source_id, name, url, source_type, enabled, interval_hours, last_fetch, last_refresh
		FROM epg_sources WHERE source_id = ?`, sourceID).
		Scan(&s.SourceID, &s.Name, &s.URL, &s.SourceType, &s.Enabled, &s.IntervalHours, &s.LastFetch, &s.LastRefresh)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load epg source: %w", err)
	}
	return &s, nil
}

// ListEPGSources returns all source records ordered by id.
func ListEPGSources(q Queryer) ([]*EPGSourceRow, error) {
	rows, err := q.Query(`
		SELECT source_id, name, url, source_type, enabled, interval_hours, last_fetch, last_refresh
		FROM epg_sources ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list epg sources: %w", err)
	}
	defer rows.Close()

	var sources []*EPGSourceRow
	for rows.Next() {
		var s EPGSourceRow
		if err := rows.Scan(&s.SourceID, &s.Name, &s.URL, &s.SourceType, &s.Enabled,
			&s.IntervalHours, &s.LastFetch, &s.LastRefresh); err != nil {
			return nil, err
		}
		sources = append(sources, &s)
	}
	return sources, rows.Err()
}

// TouchEPGSource records a fetch attempt and, when the refresh committed
// data, the successful refresh time as well.
func TouchEPGSource(q Queryer, sourceID string, fetchedAt int64, refreshed bool) error {
	var err error
	if refreshed {
		_, err = q.Exec(`UPDATE epg_sources SET last_fetch = ?, last_refresh = ? WHERE source_id = ?`,
			fetchedAt, fetchedAt, sourceID)
	} else {
		_, err = q.Exec(`UPDATE epg_sources SET last_fetch = ? WHERE source_id = ?`, fetchedAt, sourceID)
	}
	if err != nil {
		return fmt.Errorf("failed to touch epg source: %w", err)
	}
	return nil
}

// DeleteEPGSource removes a source record and its channel aliases. The
// per-source programme database file is the caller's problem.
func DeleteEPGSource(q Queryer, sourceID string) error {
	for _, stmt := range []string{
		`DELETE FROM epg_channel_names WHERE source_id = ?`,
		`DELETE FROM epg_channels WHERE source_id = ?`,
		`DELETE FROM epg_sources WHERE source_id = ?`,
	} {
		if _, err := q.Exec(stmt, sourceID); err != nil {
			return fmt.Errorf("failed to delete epg source: %w", err)
		}
	}
	return nil
}

// EPGChannelRow is one channel definition inside a source's XMLTV document.
type EPGChannelRow struct {
	SourceID    string
	ChannelID   string
	DisplayName string
	Icon        string
	LCN         string
}

// UpsertEPGChannel writes one channel definition for a source.
func UpsertEPGChannel(q Queryer, c *EPGChannelRow, now int64) error {
	_, err := q.Exec(`
		INSERT INTO epg_channels (source_id, channel_id, display_name, icon, lcn, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, channel_id) DO UPDATE SET
			display_name = excluded.display_name,
			icon = excluded.icon,
			lcn = excluded.lcn,
			updated_at = excluded.updated_at`,
		c.SourceID, c.ChannelID, c.DisplayName, c.Icon, c.LCN, now)
	if err != nil {
		return fmt.Errorf("failed to upsert epg channel: %w", err)
	}
	return nil
}

// GetEPGChannel loads one source channel definition. Nil when absent.
func GetEPGChannel(q Queryer, sourceID, channelID string) (*EPGChannelRow, error) {
	var c EPGChannelRow
	err := q.QueryRow(`
		SELECT source_id, channel_id, display_name, icon, lcn
		FROM epg_channels WHERE source_id = ? AND channel_id = ?`, sourceID, channelID).
		Scan(&c.SourceID, &c.ChannelID, &c.DisplayName, &c.Icon, &c.LCN)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load epg channel: %w", err)
	}
	return &c, nil
}

// AddEPGChannelName records one display-name alias for a source channel.
// Names are stored case-folded for the alias lookup path.
func AddEPGChannelName(q Queryer, sourceID, channelID, name string) error {
	_, err := q.Exec(`
		INSERT OR IGNORE INTO epg_channel_names (source_id, channel_id, name)
		VALUES (?, ?, ?)`,
		sourceID, channelID, strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return fmt.Errorf("failed to add epg channel name: %w", err)
	}
	return nil
}

// ClearEPGChannels drops a source's channel definitions and aliases ahead of
// a full re-ingest.
func ClearEPGChannels(q Queryer, sourceID string) error {
	if _, err := q.Exec(`DELETE FROM epg_channel_names WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("failed to clear epg channel names: %w", err)
	}
	if _, err := q.Exec(`DELETE FROM epg_channels WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("failed to clear epg channels: %w", err)
	}
	return nil
}

// ResolveEPGChannel finds which channel id inside a source serves a guide id:
// a verbatim id match first, then a case-folded display-name alias. Empty
// when the source has nothing for this id.
func ResolveEPGChannel(q Queryer, sourceID, epgID string) (string, error) {
	var chID string
	err := q.QueryRow(`SELECT channel_id FROM epg_channels WHERE source_id = ? AND channel_id = ?`,
		sourceID, epgID).Scan(&chID)
	if err == nil {
		return chID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to resolve epg channel: %w", err)
	}

	err = q.QueryRow(`SELECT channel_id FROM epg_channel_names WHERE source_id = ? AND name = ? LIMIT 1`,
		sourceID, strings.ToLower(strings.TrimSpace(epgID))).Scan(&chID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve epg alias: %w", err)
	}
	return chID, nil
}
