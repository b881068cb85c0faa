package epg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/puzpuzpuz/xsync/v3"

	"macbridge/work/client"
	"macbridge/work/config"
	"macbridge/work/database"
	"macbridge/work/logger"
	"macbridge/work/metrics"
	"macbridge/work/portal"
	"macbridge/work/scheduler"
)

// portalSourcePrefix keys the sources that pull guide data from a portal's
// own EPG endpoint rather than an XMLTV URL.
const portalSourcePrefix = "portal-"

// PortalEPG is the slice of the portal client the EPG manager consumes.
type PortalEPG interface {
	GetEPG(ctx context.Context, hours int) (map[string][]portal.EPGProgramme, error)
}

// PortalEPGFactory builds a portal EPG client for one MAC.
type PortalEPGFactory func(portalID string, p *config.Portal, mac string) (PortalEPG, error)

// NewPortalEPGFactory returns the production factory.
func NewPortalEPGFactory(settings *config.Settings) PortalEPGFactory {
	return func(portalID string, p *config.Portal, mac string) (PortalEPG, error) {
		return portal.NewClient(p.URL, mac, portal.Options{
			Proxy:   p.Proxy,
			Timeout: time.Duration(settings.PortalTimeout) * time.Second,
			Limiter: portal.LimiterFor(portalID),
		})
	}
}

// Status is the reportable state of one source.
type Status struct {
	SourceID    string `json:"source_id"`
	Name        string `json:"name"`
	SourceType  string `json:"source_type"`
	Enabled     bool   `json:"enabled"`
	State       string `json:"state"` // idle, running, completed, error
	Error       string `json:"error,omitempty"`
	Programmes  int64  `json:"programmes"`
	LastFetch   int64  `json:"last_fetch"`
	LastRefresh int64  `json:"last_refresh"`
}

type sourceState struct {
	state      string
	errMsg     string
	programmes int64
}

// Manager owns the EPG sources: their records, their programme stores and
// their refresh lifecycle. One refresh per source runs at a time; a full
// refresh of all sources additionally serializes behind a single lock so two
// timers cannot stampede the portals.
type Manager struct {
	db            *database.DB
	dir           string
	httpClient    *http.Client
	portalFactory PortalEPGFactory

	refreshMu sync.Mutex
	inflight  *xsync.MapOf[string, bool]
	states    *xsync.MapOf[string, *sourceState]

	storesMu sync.Mutex
	stores   map[string]*Store

	now func() time.Time
}

// NewManager wires an EPG manager storing per-source databases under dir.
func NewManager(db *database.DB, dir string, portalFactory PortalEPGFactory) *Manager {
	return &Manager{
		db:            db,
		dir:           dir,
		httpClient:    client.New(),
		portalFactory: portalFactory,
		inflight:      xsync.NewMapOf[string, bool](),
		states:        xsync.NewMapOf[string, *sourceState](),
		stores:        make(map[string]*Store),
		now:           time.Now,
	}
}

// store returns the lazily opened programme store of a source.
func (m *Manager) store(sourceID string) (*Store, error) {
	m.storesMu.Lock()
	defer m.storesMu.Unlock()
	if s, ok := m.stores[sourceID]; ok {
		return s, nil
	}
	s, err := OpenStore(m.dir, sourceID)
	if err != nil {
		return nil, err
	}
	m.stores[sourceID] = s
	return s, nil
}

// Close closes every open programme store.
func (m *Manager) Close() {
	m.storesMu.Lock()
	defer m.storesMu.Unlock()
	for _, s := range m.stores {
		s.Close()
	}
	m.stores = make(map[string]*Store)
}

// AddSource registers (or updates) a custom XMLTV source.
func (m *Manager) AddSource(sourceID, name, url string, intervalHours int) error {
	if intervalHours <= 0 {
		intervalHours = 12
	}
	return database.UpsertEPGSource(m.db, &database.EPGSourceRow{
		SourceID:      sourceID,
		Name:          name,
		URL:           url,
		SourceType:    "custom",
		Enabled:       true,
		IntervalHours: intervalHours,
	})
}

// DeleteSource drops a source record, its aliases and its programme store.
func (m *Manager) DeleteSource(sourceID string) error {
	if err := database.DeleteEPGSource(m.db, sourceID); err != nil {
		return err
	}
	m.states.Delete(sourceID)

	m.storesMu.Lock()
	defer m.storesMu.Unlock()
	s, ok := m.stores[sourceID]
	if !ok {
		var err error
		s, err = OpenStore(m.dir, sourceID)
		if err != nil {
			return nil
		}
	}
	delete(m.stores, sourceID)
	return s.Remove()
}

// RemoveOrphanStores deletes programme databases whose source record no
// longer exists, leftovers of a crash between source delete and file delete.
func (m *Manager) RemoveOrphanStores() (int, error) {
	sources, err := database.ListEPGSources(m.db)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(sources))
	for _, s := range sources {
		known[s.SourceID] = true
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	m.storesMu.Lock()
	defer m.storesMu.Unlock()

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		sourceID := strings.TrimSuffix(name, ".db")
		if known[sourceID] {
			continue
		}
		if s, open := m.stores[sourceID]; open {
			delete(m.stores, sourceID)
			if err := s.Remove(); err != nil {
				logger.Warn("{epg/manager - RemoveOrphanStores} Failed to remove %s: %v", name, err)
				continue
			}
		} else {
			path := filepath.Join(m.dir, name)
			if err := os.Remove(path); err != nil {
				logger.Warn("{epg/manager - RemoveOrphanStores} Failed to remove %s: %v", name, err)
				continue
			}
			os.Remove(path + "-wal")
			os.Remove(path + "-shm")
		}
		logger.Info("{epg/manager - RemoveOrphanStores} Removed orphaned programme store %s", name)
		removed++
	}
	return removed, nil
}

// SyncPortalSources makes sure every enabled portal with EPG fetching turned
// on has a source record, and disables records for portals that lost it.
func (m *Manager) SyncPortalSources() error {
	cfg := config.Get()
	for _, id := range cfg.PortalIDs() {
		p := cfg.Portals[id]
		if err := database.UpsertEPGSource(m.db, &database.EPGSourceRow{
			SourceID:      portalSourcePrefix + id,
			Name:          p.Name,
			URL:           p.URL,
			SourceType:    "portal",
			Enabled:       p.Enabled && p.FetchEPG,
			IntervalHours: 12,
		}); err != nil {
			return err
		}
	}
	return nil
}

// RefreshAll refreshes every enabled source in sequence. Only one full
// refresh runs at a time; a second caller gets an error instead of queueing.
func (m *Manager) RefreshAll(ctx context.Context) error {
	if !m.refreshMu.TryLock() {
		return fmt.Errorf("epg refresh already running")
	}
	defer m.refreshMu.Unlock()

	if err := m.SyncPortalSources(); err != nil {
		return err
	}
	sources, err := database.ListEPGSources(m.db)
	if err != nil {
		return err
	}

	var firstErr error
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.RefreshSource(ctx, src.SourceID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RefreshSource re-ingests one source. A refresh already in flight for the
// same source makes this a no-op error; callers poll status instead.
func (m *Manager) RefreshSource(ctx context.Context, sourceID string) error {
	if _, loaded := m.inflight.LoadOrStore(sourceID, true); loaded {
		return fmt.Errorf("refresh of %s already running", sourceID)
	}
	defer m.inflight.Delete(sourceID)

	src, err := database.GetEPGSource(m.db, sourceID)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("unknown epg source %q", sourceID)
	}

	m.states.Store(sourceID, &sourceState{state: "running"})
	started := m.now()

	var count int64
	if src.SourceType == "portal" {
		count, err = m.refreshPortalSource(ctx, src)
	} else {
		count, err = m.refreshXMLTVSource(ctx, src)
	}

	now := m.now().Unix()
	if err != nil {
		m.states.Store(sourceID, &sourceState{state: "error", errMsg: err.Error()})
		database.TouchEPGSource(m.db, sourceID, now, false)
		logger.Warn("{epg/manager - RefreshSource} Source %s failed: %v", sourceID, err)
		return err
	}

	if retention := config.Get().Settings.EPGRetentionHours; retention > 0 {
		if store, serr := m.store(sourceID); serr == nil {
			store.Prune(now - int64(retention)*3600)
		}
	}

	m.states.Store(sourceID, &sourceState{state: "completed", programmes: count})
	metrics.EPGIngestRows.WithLabelValues(sourceID).Add(float64(count))
	database.TouchEPGSource(m.db, sourceID, now, true)
	logger.Info("{epg/manager - RefreshSource} Source %s ingested %d programmes in %s",
		sourceID, count, m.now().Sub(started).Round(time.Millisecond))
	return nil
}

// refreshXMLTVSource downloads and ingests one XMLTV feed.
func (m *Manager) refreshXMLTVSource(ctx context.Context, src *database.EPGSourceRow) (int64, error) {
	timeout := time.Duration(config.Get().Settings.EPGTimeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// feed URLs routinely embed account tokens, keep them out of the log
	logger.Debug("{epg/manager - refreshXMLTVSource} Downloading %s from %s",
		src.SourceID, config.ObfuscateURL(src.URL))
	body, err := m.download(dctx, src.URL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	store, err := m.store(src.SourceID)
	if err != nil {
		return 0, err
	}
	writer, err := store.NewWriter()
	if err != nil {
		return 0, err
	}

	if err := database.ClearEPGChannels(m.db, src.SourceID); err != nil {
		writer.Abort()
		return 0, err
	}

	now := m.now().Unix()
	err = Parse(body,
		func(ch Channel) error {
			name := ""
			if len(ch.DisplayNames) > 0 {
				name = ch.DisplayNames[0]
			}
			if err := database.UpsertEPGChannel(m.db, &database.EPGChannelRow{
				SourceID:    src.SourceID,
				ChannelID:   ch.ID,
				DisplayName: name,
				Icon:        ch.Icon,
				LCN:         ch.LCN,
			}, now); err != nil {
				return err
			}
			for _, alias := range ch.DisplayNames {
				if err := database.AddEPGChannelName(m.db, src.SourceID, ch.ID, alias); err != nil {
					return err
				}
			}
			return nil
		},
		func(p Programme) error {
			return writer.Add(p)
		})
	if err != nil {
		writer.Abort()
		return 0, err
	}
	return writer.Commit()
}

// refreshPortalSource pulls guide data from the portal's own EPG endpoint via
// the best available MAC. Programme channel ids are stored in the same
// portal.channel form the catalog falls back to as guide id.
func (m *Manager) refreshPortalSource(ctx context.Context, src *database.EPGSourceRow) (int64, error) {
	portalID := strings.TrimPrefix(src.SourceID, portalSourcePrefix)
	cfg := config.Get()
	p, ok := cfg.Portals[portalID]
	if !ok {
		return 0, fmt.Errorf("portal %q no longer configured", portalID)
	}

	macs := scheduler.Rank(portalID, p, nil, nil, scheduler.WeightsFrom(cfg.Settings), m.now())
	if len(macs) == 0 {
		return 0, fmt.Errorf("portal %q has no usable MACs", portalID)
	}
	client, err := m.portalFactory(portalID, p, macs[0])
	if err != nil {
		return 0, err
	}

	hours := src.IntervalHours * 2
	if hours < 24 {
		hours = 24
	}
	guide, err := client.GetEPG(ctx, hours)
	if err != nil {
		return 0, err
	}

	store, err := m.store(src.SourceID)
	if err != nil {
		return 0, err
	}
	writer, err := store.NewWriter()
	if err != nil {
		return 0, err
	}
	if err := database.ClearEPGChannels(m.db, src.SourceID); err != nil {
		writer.Abort()
		return 0, err
	}

	now := m.now().Unix()
	for chID, progs := range guide {
		guideID := portalID + "." + chID
		if err := database.UpsertEPGChannel(m.db, &database.EPGChannelRow{
			SourceID:  src.SourceID,
			ChannelID: guideID,
		}, now); err != nil {
			writer.Abort()
			return 0, err
		}
		for _, pr := range progs {
			p := Programme{
				ChannelID:   guideID,
				Start:       pr.Start,
				Stop:        pr.Stop,
				Title:       pr.Title,
				Description: pr.Description,
			}
			if pr.Category != "" {
				p.Categories = []string{pr.Category}
			}
			if err := writer.Add(p); err != nil {
				writer.Abort()
				return 0, err
			}
		}
	}
	return writer.Commit()
}

// download fetches a feed URL, transparently unwrapping gzip whether the
// server says so or the payload just starts with the gzip magic.
func (m *Manager) download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid epg url: %w", err)
	}
	req.Header.Set("User-Agent", "macbridge/1.0")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("epg download failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("epg download failed: HTTP %d", resp.StatusCode)
	}

	br := bufio.NewReaderSize(resp.Body, 32*1024)
	magic, _ := br.Peek(2)
	gzipped := resp.Header.Get("Content-Encoding") == "gzip" ||
		strings.Contains(resp.Header.Get("Content-Type"), "gzip") ||
		(len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b)
	if !gzipped {
		return readCloser{br, resp.Body}, nil
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("corrupt gzip payload: %w", err)
	}
	return readCloser{gz, resp.Body}, nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (rc readCloser) Close() error {
	return rc.closer.Close()
}

// SourceStatuses merges the stored source records with live refresh state.
func (m *Manager) SourceStatuses() ([]Status, error) {
	sources, err := database.ListEPGSources(m.db)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(sources))
	for _, src := range sources {
		st := Status{
			SourceID:    src.SourceID,
			Name:        src.Name,
			SourceType:  src.SourceType,
			Enabled:     src.Enabled,
			State:       "idle",
			LastFetch:   src.LastFetch,
			LastRefresh: src.LastRefresh,
		}
		if s, ok := m.states.Load(src.SourceID); ok {
			st.State = s.state
			st.Error = s.errMsg
			st.Programmes = s.programmes
		}
		out = append(out, st)
	}
	return out, nil
}

// WriteGuide streams the merged XMLTV document for the active catalog. Each
// distinct guide id appears once, with programmes pulled from the first
// enabled source that knows the id and the owning portal's offset applied.
func (m *Manager) WriteGuide(w io.Writer) error {
	cfg := config.Get()
	channels, err := database.ListActiveChannels(m.db, nil)
	if err != nil {
		return err
	}
	sources, err := database.ListEPGSources(m.db)
	if err != nil {
		return err
	}

	type guideEntry struct {
		channel  *database.ChannelRow
		offset   int
		sourceID string
		sourceCh string
		lcn      string
	}
	var order []string
	entries := make(map[string]*guideEntry, len(channels))
	for _, ch := range channels {
		id := ch.EffectiveEPGID()
		if _, ok := entries[id]; ok {
			continue
		}
		offset := 0
		if p, ok := cfg.Portals[ch.PortalID]; ok {
			offset = p.EPGOffset
		}
		entries[id] = &guideEntry{channel: ch, offset: offset}
		order = append(order, id)
	}

	// bind each guide id to the first enabled source that knows it, so the
	// channel element can carry the source's LCN and the programme pass
	// reuses the match
	for _, id := range order {
		e := entries[id]
		for _, src := range sources {
			if !src.Enabled {
				continue
			}
			srcChID, err := database.ResolveEPGChannel(m.db, src.SourceID, id)
			if err != nil {
				return err
			}
			if srcChID == "" {
				// fall back to the display name: feeds rarely know our
				// derived guide ids but usually list the channel by name
				srcChID, err = database.ResolveEPGChannel(m.db, src.SourceID, e.channel.EffectiveDisplayName())
				if err != nil {
					return err
				}
			}
			if srcChID == "" {
				continue
			}
			e.sourceID = src.SourceID
			e.sourceCh = srcChID
			if row, err := database.GetEPGChannel(m.db, src.SourceID, srcChID); err == nil && row != nil {
				e.lcn = row.LCN
			}
			break
		}
	}

	gw := NewGuideWriter(w)
	for _, id := range order {
		e := entries[id]
		icon := e.channel.MatchedLogo
		if icon == "" {
			icon = e.channel.Logo
		}
		gw.WriteChannel(id, e.channel.EffectiveDisplayName(), icon, e.lcn)
	}

	for _, id := range order {
		e := entries[id]
		if e.sourceID == "" {
			continue
		}
		store, err := m.store(e.sourceID)
		if err != nil {
			continue
		}
		progs, err := store.ProgrammesFor(e.sourceCh, 0, 1<<62)
		if err != nil {
			return err
		}
		for _, p := range progs {
			gw.WriteProgramme(id, p, e.offset)
		}
	}
	return gw.Close()
}
