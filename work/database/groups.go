package database

import (
	"fmt"
)

// UngroupedGenreID is the synthetic genre id holding channels the portal
// listed without a group.
const UngroupedGenreID = "UNGROUPED"

// GroupRow is one portal-native channel category.
type GroupRow struct {
	PortalID     string `json:"portal_id"`
	GenreID      string `json:"genre_id"`
	Name         string `json:"name"`
	ChannelCount int    `json:"channel_count"`
	Active       bool   `json:"active"`
}

// UpsertGroup writes a group's name and count while preserving the active
// flag of an existing row; the newActive value only applies on insert.
func UpsertGroup(q Queryer, g *GroupRow) error {
	_, err := q.Exec(`
		INSERT INTO groups (portal_id, genre_id, name, channel_count, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(portal_id, genre_id) DO UPDATE SET
			name = excluded.name,
			channel_count = excluded.channel_count`,
		g.PortalID, g.GenreID, g.Name, g.ChannelCount, g.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert group %s/%s: %w", g.PortalID, g.GenreID, err)
	}
	return nil
}

// LoadGroups returns every group of a portal keyed by genre id.
func LoadGroups(q Queryer, portalID string) (map[string]*GroupRow, error) {
	rows, err := q.Query(`
		SELECT portal_id, genre_id, name, channel_count, active
		FROM groups WHERE portal_id = ?`, portalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]*GroupRow)
	for rows.Next() {
		var g GroupRow
		if err := rows.Scan(&g.PortalID, &g.GenreID, &g.Name, &g.ChannelCount, &g.Active); err != nil {
			return nil, err
		}
		groups[g.GenreID] = &g
	}
	return groups, rows.Err()
}

// SetActiveGroups marks exactly the given genre ids active for a portal and
// deactivates the rest. Channels are untouched; only playlist and guide
// visibility changes.
func SetActiveGroups(q Queryer, portalID string, genreIDs []string) error {
	if _, err := q.Exec(`UPDATE groups SET active = 0 WHERE portal_id = ?`, portalID); err != nil {
		return fmt.Errorf("failed to deactivate groups: %w", err)
	}
	for _, chunk := range chunkStrings(genreIDs, 500) {
		args := make([]interface{}, 0, len(chunk)+1)
		args = append(args, portalID)
		for _, id := range chunk {
			args = append(args, id)
		}
		_, err := q.Exec(fmt.Sprintf(`UPDATE groups SET active = 1 WHERE portal_id = ? AND genre_id IN (%s)`,
			placeholders(len(chunk))), args...)
		if err != nil {
			return fmt.Errorf("failed to activate groups: %w", err)
		}
	}
	return nil
}

// DeleteGroupsExcept removes groups of a portal that are no longer present in
// the fresh genre listing. The UNGROUPED row is always kept.
func DeleteGroupsExcept(q Queryer, portalID string, keepGenreIDs []string) error {
	keep := append([]string{UngroupedGenreID}, keepGenreIDs...)
	args := make([]interface{}, 0, len(keep)+1)
	args = append(args, portalID)
	for _, id := range keep {
		args = append(args, id)
	}
	_, err := q.Exec(fmt.Sprintf(`DELETE FROM groups WHERE portal_id = ? AND genre_id NOT IN (%s)`,
		placeholders(len(keep))), args...)
	if err != nil {
		return fmt.Errorf("failed to prune groups: %w", err)
	}
	return nil
}

// CountGroups returns (active, total) group counts for a portal.
func CountGroups(q Queryer, portalID string) (int, int, error) {
	var active, total int
	err := q.QueryRow(`
		SELECT COALESCE(SUM(active), 0), COUNT(*) FROM groups WHERE portal_id = ?`, portalID).
		Scan(&active, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count groups: %w", err)
	}
	return active, total, nil
}
