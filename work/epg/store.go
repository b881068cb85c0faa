// Package epg ingests guide data from XMLTV feeds and portal EPG endpoints
// and emits one merged XMLTV document for the active catalog. Each source
// keeps its programmes in its own database file so a huge feed can be
// re-ingested or thrown away without touching the others.
package epg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Programme is one guide entry.
type Programme struct {
	ChannelID     string
	Start         int64 // unix seconds
	Stop          int64 // unix seconds
	Title         string
	SubTitle      string
	Description   string
	Categories    []string
	EpisodeNum    string
	EpisodeSystem string
	Rating        string
	RatingSystem  string
	Icon          string
	Extra         string // JSON object of child elements without a column
}

// Store is the programme database of one source.
type Store struct {
	db       *sql.DB
	sourceID string
	path     string
}

// storeSchemaVersion gates the programme table layout. Stores are caches
// rebuilt wholesale on every refresh, so a version bump drops and recreates
// instead of migrating in place.
const storeSchemaVersion = 2

const programmeColumns = `channel_id, start, stop, title, sub_title, description,
	categories, episode_num, episode_system, rating, rating_system, icon, extra`

const storeSchema = `
CREATE TABLE IF NOT EXISTS programmes (
    channel_id     TEXT NOT NULL,
    start          INTEGER NOT NULL,
    stop           INTEGER NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    sub_title      TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    categories     TEXT NOT NULL DEFAULT '',
    episode_num    TEXT NOT NULL DEFAULT '',
    episode_system TEXT NOT NULL DEFAULT '',
    rating         TEXT NOT NULL DEFAULT '',
    rating_system  TEXT NOT NULL DEFAULT '',
    icon           TEXT NOT NULL DEFAULT '',
    extra          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_programmes_channel ON programmes(channel_id, start);
CREATE INDEX IF NOT EXISTS idx_programmes_stop ON programmes(stop);
CREATE TABLE IF NOT EXISTS programmes_staging (
    channel_id     TEXT NOT NULL,
    start          INTEGER NOT NULL,
    stop           INTEGER NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    sub_title      TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    categories     TEXT NOT NULL DEFAULT '',
    episode_num    TEXT NOT NULL DEFAULT '',
    episode_system TEXT NOT NULL DEFAULT '',
    rating         TEXT NOT NULL DEFAULT '',
    rating_system  TEXT NOT NULL DEFAULT '',
    icon           TEXT NOT NULL DEFAULT '',
    extra          TEXT NOT NULL DEFAULT ''
);`

// OpenStore opens (creating if needed) the programme database for a source.
func OpenStore(dir, sourceID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create epg source directory: %w", err)
	}
	path := filepath.Join(dir, sourceID+".db")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open epg store %s: %w", sourceID, err)
	}
	db.SetMaxOpenConns(4)

	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read epg schema version for %s: %w", sourceID, err)
	}
	if version != storeSchemaVersion {
		if _, err := db.Exec(`DROP TABLE IF EXISTS programmes; DROP TABLE IF EXISTS programmes_staging;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to rebuild epg schema for %s: %w", sourceID, err)
		}
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create epg schema for %s: %w", sourceID, err)
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, storeSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to stamp epg schema version for %s: %w", sourceID, err)
	}
	return &Store{db: db, sourceID: sourceID, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Remove closes the store and deletes its files from disk.
func (s *Store) Remove() error {
	s.db.Close()
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(s.path + suffix)
	}
	return nil
}

// batchSize bounds how many programme rows one transaction carries. Large
// feeds run to millions of rows; committing in slabs keeps WAL growth and
// memory flat.
const batchSize = 5000

// Writer ingests programmes in batched transactions. Rows accumulate in the
// staging table and swap into the live one only when Commit runs, so a feed
// that dies mid-download leaves the previous programme set untouched.
type Writer struct {
	store   *Store
	tx      *sql.Tx
	stmt    *sql.Stmt
	pending int
	total   int64
}

// NewWriter starts an ingest.
func (s *Store) NewWriter() (*Writer, error) {
	w := &Writer{store: s}
	if err := w.begin(true); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) begin(clear bool) error {
	tx, err := w.store.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin programme batch: %w", err)
	}
	if clear {
		// leftovers of an ingest that crashed between batches
		if _, err := tx.Exec(`DELETE FROM programmes_staging`); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to clear programme staging: %w", err)
		}
	}
	stmt, err := tx.Prepare(`INSERT INTO programmes_staging (` + programmeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare programme insert: %w", err)
	}
	w.tx = tx
	w.stmt = stmt
	w.pending = 0
	return nil
}

// Add writes one programme, committing the running batch when it fills up.
func (w *Writer) Add(p Programme) error {
	_, err := w.stmt.Exec(p.ChannelID, p.Start, p.Stop, p.Title, p.SubTitle, p.Description,
		marshalList(p.Categories), p.EpisodeNum, p.EpisodeSystem, p.Rating, p.RatingSystem, p.Icon, p.Extra)
	if err != nil {
		return fmt.Errorf("failed to insert programme: %w", err)
	}
	w.pending++
	w.total++
	if w.pending >= batchSize {
		if err := w.flush(); err != nil {
			return err
		}
		return w.begin(false)
	}
	return nil
}

func (w *Writer) flush() error {
	w.stmt.Close()
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit programme batch: %w", err)
	}
	return nil
}

// Commit finishes the ingest: the last batch lands in staging and one final
// transaction swaps the staged rows into the live table. Readers either see
// the previous programme set or the new one, never a partial mix.
func (w *Writer) Commit() (int64, error) {
	if err := w.flush(); err != nil {
		return w.total, err
	}
	w.tx = nil

	tx, err := w.store.db.Begin()
	if err != nil {
		return w.total, fmt.Errorf("failed to begin programme swap: %w", err)
	}
	for _, stmt := range []string{
		`DELETE FROM programmes`,
		`INSERT INTO programmes (` + programmeColumns + `) SELECT ` + programmeColumns + ` FROM programmes_staging`,
		`DELETE FROM programmes_staging`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return w.total, fmt.Errorf("failed to swap staged programmes: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return w.total, fmt.Errorf("failed to commit programme swap: %w", err)
	}
	return w.total, nil
}

// Abort rolls back the in-flight batch and drops the staged rows. The live
// programme set stays exactly as it was.
func (w *Writer) Abort() {
	if w.tx != nil {
		w.stmt.Close()
		w.tx.Rollback()
		w.tx = nil
	}
	w.store.db.Exec(`DELETE FROM programmes_staging`)
}

// Prune deletes programmes that ended before the cutoff.
func (s *Store) Prune(before int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM programmes WHERE stop < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune programmes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the stored programme count.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM programmes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count programmes: %w", err)
	}
	return n, nil
}

// ProgrammesFor returns a channel's programmes overlapping [from, to),
// ordered by start time.
func (s *Store) ProgrammesFor(channelID string, from, to int64) ([]Programme, error) {
	rows, err := s.db.Query(`
		SELECT `+programmeColumns+`
		FROM programmes
		WHERE channel_id = ? AND stop > ? AND start < ?
		ORDER BY start`, channelID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query programmes: %w", err)
	}
	defer rows.Close()

	var out []Programme
	for rows.Next() {
		var p Programme
		var cats string
		if err := rows.Scan(&p.ChannelID, &p.Start, &p.Stop, &p.Title, &p.SubTitle, &p.Description,
			&cats, &p.EpisodeNum, &p.EpisodeSystem, &p.Rating, &p.RatingSystem, &p.Icon, &p.Extra); err != nil {
			return nil, err
		}
		p.Categories = unmarshalList(cats)
		out = append(out, p)
	}
	return out, rows.Err()
}

// marshalList stores a string slice as a JSON array, empty string for none.
func marshalList(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
