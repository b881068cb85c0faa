package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Queryer is satisfied by both *sql.Tx and the DB itself, so channel helpers
// can run standalone or inside a refresh transaction.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// ChannelRow is one catalog channel as stored. Raw fields mirror the portal
// listing; derived fields come from the normalizer and matcher; custom fields
// are user overrides and survive refreshes untouched.
type ChannelRow struct {
	PortalID  string
	ChannelID string

	// raw portal fields
	Name    string
	Number  string
	Genre   string
	GenreID string
	Logo    string
	Cmd     string

	// user overrides
	CustomName   string
	CustomNumber string
	CustomGenre  string
	CustomEPGID  string
	Enabled      bool
	PriorEnabled bool

	// derived by the normalizer
	AutoName    string
	DisplayName string
	Resolution  string
	VideoCodec  string
	Country     string
	EventTags   string
	MiscTags    string
	IsHeader    bool
	IsEvent     bool
	IsRaw       bool

	// derived by the matcher
	MatchedName      string
	MatchedSource    string
	MatchedStationID string
	MatchedCallSign  string
	MatchedLogo      string
	MatchedScore     float64

	AvailableMACs []string
	AlternateIDs  []string
	ChannelHash   string
	MissingSince  int64 // unix seconds, 0 = present in last refresh
	UpdatedAt     int64
}

// EffectiveDisplayName resolves the name shown downstream: user override
// first, then matched directory name, then the normalizer output, then the
// raw portal name.
func (c *ChannelRow) EffectiveDisplayName() string {
	if c.CustomName != "" {
		return c.CustomName
	}
	if c.MatchedName != "" {
		return c.MatchedName
	}
	if c.AutoName != "" {
		return c.AutoName
	}
	return c.Name
}

// EffectiveEPGID resolves the guide identifier: user override first, then the
// matched station id, then a derived per-channel fallback.
func (c *ChannelRow) EffectiveEPGID() string {
	if c.CustomEPGID != "" {
		return c.CustomEPGID
	}
	if c.MatchedStationID != "" {
		return c.MatchedStationID
	}
	return fmt.Sprintf("%s.%s", c.PortalID, c.ChannelID)
}

// EffectiveNumber returns the user-overridden channel number when set.
func (c *ChannelRow) EffectiveNumber() string {
	if c.CustomNumber != "" {
		return c.CustomNumber
	}
	return c.Number
}

// EffectiveGroup returns the user-overridden genre when set.
func (c *ChannelRow) EffectiveGroup() string {
	if c.CustomGenre != "" {
		return c.CustomGenre
	}
	return c.Genre
}

const channelColumns = `portal_id, channel_id, name, number, genre, genre_id, logo, cmd,
	custom_name, custom_number, custom_genre, custom_epg_id, enabled, prior_enabled,
	auto_name, display_name, resolution, video_codec, country, event_tags, misc_tags,
	matched_name, matched_source, matched_station_id, matched_call_sign, matched_logo, matched_score,
	is_header, is_event, is_raw, available_macs, alternate_ids, channel_hash,
	COALESCE(missing_since, 0), updated_at`

// scanChannel reads one channel row in channelColumns order.
func scanChannel(scan func(dest ...interface{}) error) (*ChannelRow, error) {
	var c ChannelRow
	var macsJSON, altJSON string
	err := scan(
		&c.PortalID, &c.ChannelID, &c.Name, &c.Number, &c.Genre, &c.GenreID, &c.Logo, &c.Cmd,
		&c.CustomName, &c.CustomNumber, &c.CustomGenre, &c.CustomEPGID, &c.Enabled, &c.PriorEnabled,
		&c.AutoName, &c.DisplayName, &c.Resolution, &c.VideoCodec, &c.Country, &c.EventTags, &c.MiscTags,
		&c.MatchedName, &c.MatchedSource, &c.MatchedStationID, &c.MatchedCallSign, &c.MatchedLogo, &c.MatchedScore,
		&c.IsHeader, &c.IsEvent, &c.IsRaw, &macsJSON, &altJSON, &c.ChannelHash,
		&c.MissingSince, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(macsJSON), &c.AvailableMACs)
	json.Unmarshal([]byte(altJSON), &c.AlternateIDs)
	return &c, nil
}

// marshalList encodes a string slice as its JSON column representation.
func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// GetChannel loads one channel by identity. Returns nil when absent.
func GetChannel(q Queryer, portalID, channelID string) (*ChannelRow, error) {
	row := q.QueryRow(fmt.Sprintf(`SELECT %s FROM channels WHERE portal_id = ? AND channel_id = ?`, channelColumns),
		portalID, channelID)
	c, err := scanChannel(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// LoadChannelsByPortal returns every channel of a portal keyed by channel id,
// soft-deleted rows included.
func LoadChannelsByPortal(q Queryer, portalID string) (map[string]*ChannelRow, error) {
	rows, err := q.Query(fmt.Sprintf(`SELECT %s FROM channels WHERE portal_id = ?`, channelColumns), portalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	channels := make(map[string]*ChannelRow)
	for rows.Next() {
		c, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, err
		}
		channels[c.ChannelID] = c
	}
	return channels, rows.Err()
}

// UpsertChannel writes the refresh-owned fields of a channel: raw portal
// data, derived data, availability and hash. Custom fields and the enabled
// flag of an existing row are left alone; a row returning from soft-delete
// gets its prior enabled state back.
func UpsertChannel(q Queryer, c *ChannelRow) error {
	_, err := q.Exec(`
		INSERT INTO channels (
			portal_id, channel_id, name, number, genre, genre_id, logo, cmd,
			enabled, prior_enabled, auto_name, display_name,
			resolution, video_codec, country, event_tags, misc_tags,
			matched_name, matched_source, matched_station_id, matched_call_sign, matched_logo, matched_score,
			is_header, is_event, is_raw, available_macs, alternate_ids, channel_hash,
			missing_since, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(portal_id, channel_id) DO UPDATE SET
			name = excluded.name,
			number = excluded.number,
			genre = excluded.genre,
			genre_id = excluded.genre_id,
			logo = excluded.logo,
			cmd = excluded.cmd,
			enabled = CASE WHEN channels.missing_since IS NOT NULL THEN channels.prior_enabled ELSE channels.enabled END,
			auto_name = excluded.auto_name,
			display_name = excluded.display_name,
			resolution = excluded.resolution,
			video_codec = excluded.video_codec,
			country = excluded.country,
			event_tags = excluded.event_tags,
			misc_tags = excluded.misc_tags,
			matched_name = excluded.matched_name,
			matched_source = excluded.matched_source,
			matched_station_id = excluded.matched_station_id,
			matched_call_sign = excluded.matched_call_sign,
			matched_logo = excluded.matched_logo,
			matched_score = excluded.matched_score,
			is_header = excluded.is_header,
			is_event = excluded.is_event,
			is_raw = excluded.is_raw,
			available_macs = excluded.available_macs,
			alternate_ids = excluded.alternate_ids,
			channel_hash = excluded.channel_hash,
			missing_since = NULL,
			updated_at = excluded.updated_at`,
		c.PortalID, c.ChannelID, c.Name, c.Number, c.Genre, c.GenreID, c.Logo, c.Cmd,
		c.Enabled, c.Enabled, c.AutoName, c.DisplayName,
		c.Resolution, c.VideoCodec, c.Country, c.EventTags, c.MiscTags,
		c.MatchedName, c.MatchedSource, c.MatchedStationID, c.MatchedCallSign, c.MatchedLogo, c.MatchedScore,
		c.IsHeader, c.IsEvent, c.IsRaw, marshalList(c.AvailableMACs), marshalList(c.AlternateIDs), c.ChannelHash,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert channel %s/%s: %w", c.PortalID, c.ChannelID, err)
	}
	return nil
}

// MarkChannelsMissing soft-deletes the given channels: the enabled flag is
// stashed in prior_enabled and zeroed, and missing_since records when the
// channel vanished. Rows already missing keep their original timestamp.
func MarkChannelsMissing(q Queryer, portalID string, channelIDs []string, now int64) error {
	for _, chunk := range chunkStrings(channelIDs, 500) {
		args := make([]interface{}, 0, len(chunk)+2)
		args = append(args, now, portalID)
		for _, id := range chunk {
			args = append(args, id)
		}
		_, err := q.Exec(fmt.Sprintf(`
			UPDATE channels
			SET prior_enabled = enabled, enabled = 0, missing_since = ?
			WHERE portal_id = ? AND missing_since IS NULL AND channel_id IN (%s)`,
			placeholders(len(chunk))), args...)
		if err != nil {
			return fmt.Errorf("failed to soft-delete channels: %w", err)
		}
	}
	return nil
}

// DeleteChannels removes the given channels outright, in chunks to stay under
// the bound-parameter cap.
func DeleteChannels(q Queryer, portalID string, channelIDs []string) error {
	for _, chunk := range chunkStrings(channelIDs, 500) {
		args := make([]interface{}, 0, len(chunk)+1)
		args = append(args, portalID)
		for _, id := range chunk {
			args = append(args, id)
		}
		_, err := q.Exec(fmt.Sprintf(`DELETE FROM channels WHERE portal_id = ? AND channel_id IN (%s)`,
			placeholders(len(chunk))), args...)
		if err != nil {
			return fmt.Errorf("failed to delete channels: %w", err)
		}
	}
	return nil
}

// PurgeExpiredChannels hard-deletes soft-deleted rows whose retention window
// has passed. Returns the number of rows removed.
func PurgeExpiredChannels(q Queryer, portalID string, cutoff int64) (int64, error) {
	res, err := q.Exec(`DELETE FROM channels WHERE portal_id = ? AND missing_since IS NOT NULL AND missing_since < ?`,
		portalID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired channels: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeletePortalRows removes every catalog row belonging to a portal, used when
// the portal itself is deleted.
func DeletePortalRows(q Queryer, portalID string) error {
	for _, stmt := range []string{
		`DELETE FROM channels WHERE portal_id = ?`,
		`DELETE FROM groups WHERE portal_id = ?`,
		`DELETE FROM portal_stats WHERE portal_id = ?`,
		`DELETE FROM group_stats WHERE portal_id = ?`,
	} {
		if _, err := q.Exec(stmt, portalID); err != nil {
			return fmt.Errorf("failed to delete portal rows: %w", err)
		}
	}
	return nil
}

// activeGroupCondition lists a channel when its group is active, when it is
// ungrouped and the synthetic UNGROUPED group is active, or when the portal
// has no active groups at all.
const activeGroupCondition = `(
	EXISTS (SELECT 1 FROM groups g WHERE g.portal_id = c.portal_id AND g.genre_id = c.genre_id AND g.active = 1)
	OR (c.genre_id = ''
		AND EXISTS (SELECT 1 FROM groups g WHERE g.portal_id = c.portal_id AND g.genre_id = 'UNGROUPED' AND g.active = 1))
	OR NOT EXISTS (SELECT 1 FROM groups g WHERE g.portal_id = c.portal_id AND g.active = 1)
)`

// ListActiveChannels returns the channels that belong in downstream output:
// enabled, not soft-deleted, not headers, and in an active group. Sorted by
// effective display name with a stable (portal_id, channel_id) tie-break.
func ListActiveChannels(q Queryer, portalIDs []string) ([]*ChannelRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM channels c
		WHERE c.enabled = 1 AND c.missing_since IS NULL AND c.is_header = 0 AND %s`,
		channelColumns, activeGroupCondition)

	var args []interface{}
	if len(portalIDs) > 0 {
		query += fmt.Sprintf(" AND c.portal_id IN (%s)", placeholders(len(portalIDs)))
		for _, id := range portalIDs {
			args = append(args, id)
		}
	}

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active channels: %w", err)
	}
	defer rows.Close()

	var channels []*ChannelRow
	for rows.Next() {
		c, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(channels, func(i, j int) bool {
		a, b := channels[i], channels[j]
		an, bn := a.EffectiveDisplayName(), b.EffectiveDisplayName()
		if an != bn {
			return an < bn
		}
		if a.PortalID != b.PortalID {
			return a.PortalID < b.PortalID
		}
		return a.ChannelID < b.ChannelID
	})
	return channels, nil
}

// SetCustomFields stores user overrides for one channel.
func SetCustomFields(q Queryer, portalID, channelID, name, number, genre, epgID string, enabled bool) error {
	_, err := q.Exec(`
		UPDATE channels SET custom_name = ?, custom_number = ?, custom_genre = ?, custom_epg_id = ?, enabled = ?
		WHERE portal_id = ? AND channel_id = ?`,
		name, number, genre, epgID, enabled, portalID, channelID)
	if err != nil {
		return fmt.Errorf("failed to set custom fields: %w", err)
	}
	return nil
}

// SetMatch stores a manual station match for one channel.
func SetMatch(q Queryer, portalID, channelID, name, source, stationID, callSign, logo string, score float64) error {
	_, err := q.Exec(`
		UPDATE channels SET matched_name = ?, matched_source = ?, matched_station_id = ?,
			matched_call_sign = ?, matched_logo = ?, matched_score = ?
		WHERE portal_id = ? AND channel_id = ?`,
		name, source, stationID, callSign, logo, score, portalID, channelID)
	if err != nil {
		return fmt.Errorf("failed to set match: %w", err)
	}
	return nil
}

// ResetMatch clears the station match for one channel.
func ResetMatch(q Queryer, portalID, channelID string) error {
	return SetMatch(q, portalID, channelID, "", "", "", "", "", 0)
}

// placeholders returns "?, ?, ..." with n slots.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// chunkStrings splits ids into slices of at most size entries.
func chunkStrings(ids []string, size int) [][]string {
	var chunks [][]string
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}
