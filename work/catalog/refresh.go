// Package catalog keeps the channel database in sync with what the portals
// actually offer. A refresh lists channels over every usable MAC, merges the
// results, normalizes and matches what is new or changed, soft-deletes what
// vanished, and rebuilds group and portal statistics, all inside a single
// transaction per portal.
package catalog

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"macbridge/work/cache"
	"macbridge/work/config"
	"macbridge/work/database"
	"macbridge/work/logger"
	"macbridge/work/match"
	"macbridge/work/normalize"
	"macbridge/work/portal"
	"macbridge/work/scheduler"
)

// PortalAPI is the slice of the portal client the refresher consumes.
type PortalAPI interface {
	MAC() string
	GetProfile(ctx context.Context) (*portal.Profile, error)
	GetExpiry(ctx context.Context) (string, error)
	GetAllChannels(ctx context.Context) ([]portal.RawChannel, error)
	GetGenres(ctx context.Context) ([]portal.Genre, error)
}

// ClientFactory builds a portal client for one MAC. Tests substitute fakes.
type ClientFactory func(portalID string, p *config.Portal, mac string) (PortalAPI, error)

// NewClientFactory returns the production factory: real HTTP clients with the
// portal's proxy, the configured timeout and the shared per-portal limiter.
func NewClientFactory(settings *config.Settings) ClientFactory {
	return func(portalID string, p *config.Portal, mac string) (PortalAPI, error) {
		return portal.NewClient(p.URL, mac, portal.Options{
			Proxy:   p.Proxy,
			Timeout: time.Duration(settings.PortalTimeout) * time.Second,
			Limiter: portal.LimiterFor(portalID),
		})
	}
}

// Stats is the outcome of one portal refresh.
type Stats struct {
	Portal    *database.PortalStats `json:"portal"`
	New       int                   `json:"new"`
	Changed   int                   `json:"changed"`
	Unchanged int                   `json:"unchanged"`
	Missing   int                   `json:"missing"`
	Purged    int                   `json:"purged"`
	MACsUsed  int                   `json:"macs_used"`
	Duration  string                `json:"duration"`
}

// Refresher drives catalog refreshes. Safe for concurrent use; refreshes of
// the same portal serialize on a per-portal mutex, different portals proceed
// independently.
type Refresher struct {
	db         *database.DB
	snapshots  *cache.Snapshots
	factory    ClientFactory
	pool       *ants.Pool
	directory  *match.Directory
	configPath string
	locks      *xsync.MapOf[string, *sync.Mutex]

	// swappable for tests
	now     func() time.Time
	extract func(string, []normalize.Rule) normalize.Result
}

// NewRefresher wires a refresher. pool may be nil, in which case per-MAC
// listings run sequentially. directory may be nil to disable auto matching.
func NewRefresher(db *database.DB, snapshots *cache.Snapshots, factory ClientFactory, pool *ants.Pool, directory *match.Directory, configPath string) *Refresher {
	return &Refresher{
		db:         db,
		snapshots:  snapshots,
		factory:    factory,
		pool:       pool,
		directory:  directory,
		configPath: configPath,
		locks:      xsync.NewMapOf[string, *sync.Mutex](),
		now:        time.Now,
		extract:    normalize.Extract,
	}
}

// merged is one channel after cross-MAC and duplicate-name merging.
type merged struct {
	ch   portal.RawChannel
	macs []string
	alts []string
}

// macListing is the outcome of listing channels via one MAC.
type macListing struct {
	mac      string
	client   PortalAPI
	channels []portal.RawChannel
	err      error
}

// RefreshPortal re-imports one portal's catalog. The whole import commits as
// one transaction: readers either see the previous catalog or the new one,
// never a half-applied mix.
func (r *Refresher) RefreshPortal(ctx context.Context, portalID string) (*Stats, error) {
	lock, _ := r.locks.LoadOrCompute(portalID, func() *sync.Mutex { return &sync.Mutex{} })
	lock.Lock()
	defer lock.Unlock()

	started := r.now()
	cfg := config.Get()
	p, ok := cfg.Portals[portalID]
	if !ok {
		return nil, fmt.Errorf("unknown portal %q", portalID)
	}
	if !p.Enabled {
		return nil, fmt.Errorf("portal %q is disabled", portalID)
	}

	macs := scheduler.Rank(portalID, p, nil, nil, scheduler.WeightsFrom(cfg.Settings), started)
	if len(macs) == 0 {
		return nil, fmt.Errorf("portal %q has no usable MACs", portalID)
	}

	listings := r.listAll(ctx, portalID, p, macs, cfg.Settings)
	var good []macListing
	for _, l := range listings {
		if l.err != nil {
			// a MAC that cannot produce a complete listing contributes
			// nothing; partial listings would poison the missing-channel set
			logger.Warn("{catalog/refresh - RefreshPortal} Skipping MAC %s on %s: %v", l.mac, portalID, l.err)
			continue
		}
		good = append(good, l)
	}
	if len(good) == 0 {
		return nil, fmt.Errorf("no MAC produced a channel listing for portal %q", portalID)
	}

	genres, err := r.fetchGenres(ctx, portalID, good)
	if err != nil {
		logger.Warn("{catalog/refresh - RefreshPortal} Genre listing failed for %s: %v", portalID, err)
		genres = nil
	}
	genreNames := make(map[string]string, len(genres))
	for _, g := range genres {
		genreNames[g.ID] = g.Name
	}

	channels := mergeListings(good)

	rules := compileRules(cfg.Settings.TagRules)

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin refresh transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := database.LoadChannelsByPortal(tx, portalID)
	if err != nil {
		return nil, err
	}

	now := r.now().Unix()
	stats := &Stats{MACsUsed: len(good)}
	seen := make(map[string]bool, len(channels))
	genreChannelCount := make(map[string]int)
	ungroupedCount := 0

	for _, m := range channels {
		seen[m.ch.ID] = true
		if m.ch.GenreID == "" {
			ungroupedCount++
		} else {
			genreChannelCount[m.ch.GenreID]++
		}

		hash := channelHash(m, genreNames[m.ch.GenreID])
		prev := existing[m.ch.ID]
		if prev != nil && prev.ChannelHash == hash && prev.MissingSince == 0 {
			stats.Unchanged++
			continue
		}

		row := r.buildRow(portalID, p, m, prev, genreNames, rules, hash, now)
		if err := database.UpsertChannel(tx, row); err != nil {
			return nil, err
		}
		if prev == nil {
			stats.New++
		} else {
			stats.Changed++
		}
	}

	// soft-delete what the portal stopped listing
	var gone []string
	for id, prev := range existing {
		if !seen[id] && prev.MissingSince == 0 {
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		sort.Strings(gone)
		if err := database.MarkChannelsMissing(tx, portalID, gone, now); err != nil {
			return nil, err
		}
		stats.Missing = len(gone)
	}

	if ttl := cfg.Settings.SoftDeleteTTLHours; ttl > 0 {
		cutoff := now - int64(ttl)*3600
		purged, err := database.PurgeExpiredChannels(tx, portalID, cutoff)
		if err != nil {
			return nil, err
		}
		stats.Purged = int(purged)
	}

	if err := r.syncGroups(tx, portalID, p, genres, genreChannelCount, ungroupedCount); err != nil {
		return nil, err
	}

	portalStats, err := database.RecomputePortalStats(tx, portalID, now)
	if err != nil {
		return nil, err
	}
	if err := database.RecomputeGroupStats(tx, portalID); err != nil {
		return nil, err
	}
	stats.Portal = portalStats

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit refresh: %w", err)
	}

	if r.snapshots != nil {
		r.snapshots.InvalidateAll()
	}

	stats.Duration = r.now().Sub(started).Round(time.Millisecond).String()
	logger.Info("{catalog/refresh - RefreshPortal} Portal %s refreshed: %d new, %d changed, %d unchanged, %d missing, %d purged via %d MACs in %s",
		portalID, stats.New, stats.Changed, stats.Unchanged, stats.Missing, stats.Purged, stats.MACsUsed, stats.Duration)
	return stats, nil
}

// listAll fans the channel listing out across the usable MACs, concurrently
// when a worker pool is wired.
func (r *Refresher) listAll(ctx context.Context, portalID string, p *config.Portal, macs []string, settings *config.Settings) []macListing {
	timeout := time.Duration(settings.ListingTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	listings := make([]macListing, len(macs))
	run := func(i int, mac string) {
		listings[i].mac = mac
		client, err := r.factory(portalID, p, mac)
		if err != nil {
			listings[i].err = err
			return
		}
		listings[i].client = client

		lctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		listings[i].channels, listings[i].err = client.GetAllChannels(lctx)
	}

	if r.pool == nil {
		for i, mac := range macs {
			run(i, mac)
		}
		return listings
	}

	var wg sync.WaitGroup
	for i, mac := range macs {
		i, mac := i, mac
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			run(i, mac)
		}); err != nil {
			// pool saturated or closed, fall back to inline
			run(i, mac)
			wg.Done()
		}
	}
	wg.Wait()
	return listings
}

// fetchGenres asks the already-authenticated listing clients for the genre
// table, first answer wins.
func (r *Refresher) fetchGenres(ctx context.Context, portalID string, listings []macListing) ([]portal.Genre, error) {
	var lastErr error
	for _, l := range listings {
		genres, err := l.client.GetGenres(ctx)
		if err == nil {
			return genres, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// mergeListings unions the per-MAC listings by channel id, then folds
// duplicate names into one channel: the lowest numeric id becomes primary and
// the rest live on as alternate ids with their MAC availability merged in.
func mergeListings(listings []macListing) []merged {
	byID := make(map[string]*merged)
	for _, l := range listings {
		for _, ch := range l.channels {
			m, ok := byID[ch.ID]
			if !ok {
				m = &merged{ch: ch}
				byID[ch.ID] = m
			}
			m.macs = appendUnique(m.macs, l.mac)
		}
	}

	byName := make(map[string][]*merged)
	for _, m := range byID {
		key := strings.ToLower(strings.TrimSpace(m.ch.Name))
		byName[key] = append(byName[key], m)
	}

	var out []merged
	for _, group := range byName {
		if len(group) == 1 {
			out = append(out, *group[0])
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return idLess(group[i].ch.ID, group[j].ch.ID)
		})
		primary := *group[0]
		for _, dup := range group[1:] {
			primary.alts = appendUnique(primary.alts, dup.ch.ID)
			for _, mac := range dup.macs {
				primary.macs = appendUnique(primary.macs, mac)
			}
		}
		out = append(out, primary)
	}

	for i := range out {
		sort.Strings(out[i].macs)
		sort.Strings(out[i].alts)
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ch.ID, out[j].ch.ID) })
	return out
}

// idLess orders channel ids numerically when both parse, numeric before
// non-numeric, lexicographic otherwise.
func idLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// channelHash fingerprints everything refresh-owned about a channel. A stable
// hash means normalization and matching can be skipped entirely. The genre
// name participates alongside its id so a portal renaming a genre still moves
// the hash and the stored group name follows.
func channelHash(m merged, genreName string) string {
	h := sha1.New()
	for _, part := range []string{m.ch.ID, m.ch.Name, m.ch.Number, m.ch.GenreID, genreName, m.ch.Logo, m.ch.Cmd} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	for _, mac := range m.macs {
		h.Write([]byte(mac))
		h.Write([]byte{0})
	}
	for _, alt := range m.alts {
		h.Write([]byte(alt))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// buildRow assembles the channel row for an insert or update, running the
// normalizer and matcher only when the content hash actually moved.
func (r *Refresher) buildRow(portalID string, p *config.Portal, m merged, prev *database.ChannelRow, genreNames map[string]string, rules []normalize.Rule, hash string, now int64) *database.ChannelRow {
	row := &database.ChannelRow{
		PortalID:      portalID,
		ChannelID:     m.ch.ID,
		Name:          m.ch.Name,
		Number:        m.ch.Number,
		Genre:         genreNames[m.ch.GenreID],
		GenreID:       m.ch.GenreID,
		Logo:          m.ch.Logo,
		Cmd:           m.ch.Cmd,
		Enabled:       true,
		AvailableMACs: m.macs,
		AlternateIDs:  m.alts,
		ChannelHash:   hash,
		UpdatedAt:     now,
	}

	if prev != nil && prev.ChannelHash == hash {
		// returning from soft-delete with identical content: keep the derived
		// fields as they were
		row.AutoName = prev.AutoName
		row.Resolution = prev.Resolution
		row.VideoCodec = prev.VideoCodec
		row.Country = prev.Country
		row.EventTags = prev.EventTags
		row.MiscTags = prev.MiscTags
		row.IsHeader = prev.IsHeader
		row.IsEvent = prev.IsEvent
		row.IsRaw = prev.IsRaw
		row.MatchedName = prev.MatchedName
		row.MatchedSource = prev.MatchedSource
		row.MatchedStationID = prev.MatchedStationID
		row.MatchedCallSign = prev.MatchedCallSign
		row.MatchedLogo = prev.MatchedLogo
		row.MatchedScore = prev.MatchedScore
		row.DisplayName = prev.DisplayName
		return row
	}

	if p.AutoNormalize {
		res := r.extract(m.ch.Name, rules)
		row.AutoName = res.AutoName
		row.Resolution = res.Tag("resolution")
		row.VideoCodec = res.Tag("video_codec")
		row.Country = res.Tag("country")
		row.EventTags = res.Tag("event")
		row.MiscTags = res.Tag("misc")
		row.IsHeader = res.IsHeader
		row.IsEvent = res.IsEvent
		row.IsRaw = res.IsRaw
	}

	if prev != nil {
		// carried only so the effective-name computation below sees overrides;
		// the upsert never writes custom columns
		row.CustomName = prev.CustomName
		row.CustomNumber = prev.CustomNumber
		row.CustomGenre = prev.CustomGenre
		row.CustomEPGID = prev.CustomEPGID
	}

	if p.AutoMatch && r.directory != nil && !row.IsHeader && row.CustomEPGID == "" {
		name := row.AutoName
		if name == "" {
			name = row.Name
		}
		if res := r.matchStation(name, row.Country); res != nil {
			row.MatchedName = res.Station.Name
			row.MatchedSource = "directory"
			row.MatchedStationID = res.Station.StationID
			row.MatchedCallSign = res.Station.CallSign
			row.MatchedLogo = res.Station.Logo
			row.MatchedScore = res.Score
		}
	}

	row.DisplayName = row.EffectiveDisplayName()
	return row
}

func (r *Refresher) matchStation(name, country string) *match.Result {
	return r.directory.Match(name, country)
}

// syncGroups rebuilds the group table from the fresh genre listing, adds the
// synthetic UNGROUPED row, prunes vanished genres, and re-applies the
// portal's genre selection when one is configured.
func (r *Refresher) syncGroups(tx database.Queryer, portalID string, p *config.Portal, genres []portal.Genre, counts map[string]int, ungrouped int) error {
	var genreIDs []string
	for _, g := range genres {
		genreIDs = append(genreIDs, g.ID)
		if err := database.UpsertGroup(tx, &database.GroupRow{
			PortalID:     portalID,
			GenreID:      g.ID,
			Name:         g.Name,
			ChannelCount: counts[g.ID],
			Active:       true,
		}); err != nil {
			return err
		}
	}
	if err := database.UpsertGroup(tx, &database.GroupRow{
		PortalID:     portalID,
		GenreID:      database.UngroupedGenreID,
		Name:         "Ungrouped",
		ChannelCount: ungrouped,
		Active:       true,
	}); err != nil {
		return err
	}
	if len(genres) > 0 {
		if err := database.DeleteGroupsExcept(tx, portalID, genreIDs); err != nil {
			return err
		}
	}
	if len(p.SelectedGenres) > 0 {
		if err := database.SetActiveGroups(tx, portalID, p.SelectedGenres); err != nil {
			return err
		}
	}
	return nil
}

// compileRules turns the configured tag rules into compiled form, skipping
// the ones that fail to compile.
func compileRules(tagRules []config.TagRule) []normalize.Rule {
	rules := make([]normalize.Rule, 0, len(tagRules))
	for _, tr := range tagRules {
		rule, err := normalize.CompileRule(tr.Group, tr.Pattern, tr.Capture)
		if err != nil {
			logger.Warn("{catalog/refresh - compileRules} Bad tag rule %q: %v", tr.Pattern, err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

// MACStatus is the probe outcome for one MAC during a credential refresh.
type MACStatus struct {
	MAC             string `json:"mac"`
	Expiry          string `json:"expiry,omitempty"`
	WatchdogTimeout int    `json:"watchdog_timeout"`
	PlaybackLimit   int    `json:"playback_limit"`
	Error           string `json:"error,omitempty"`
}

// RefreshMACs probes every MAC of a portal for its profile and subscription
// expiry and writes the results back into the configuration. Probing runs in
// parallel when the settings ask for it and a pool is available.
func (r *Refresher) RefreshMACs(ctx context.Context, portalID string) ([]MACStatus, error) {
	cfg := config.Get()
	p, ok := cfg.Portals[portalID]
	if !ok {
		return nil, fmt.Errorf("unknown portal %q", portalID)
	}
	macs := p.MACsSnapshot()
	if len(macs) == 0 {
		return nil, fmt.Errorf("portal %q has no MACs", portalID)
	}

	addrs := make([]string, 0, len(macs))
	for addr := range macs {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	statuses := make([]MACStatus, len(addrs))
	probe := func(i int, addr string) {
		statuses[i] = r.probeMAC(ctx, portalID, p, addr)
	}

	if cfg.Settings.ParallelProbing && r.pool != nil {
		var wg sync.WaitGroup
		for i, addr := range addrs {
			i, addr := i, addr
			wg.Add(1)
			if err := r.pool.Submit(func() {
				defer wg.Done()
				probe(i, addr)
			}); err != nil {
				probe(i, addr)
				wg.Done()
			}
		}
		wg.Wait()
	} else {
		for i, addr := range addrs {
			probe(i, addr)
		}
	}

	now := r.now().Format("2006-01-02 15:04:05")
	config.Mutate(func(*config.Config) {
		for _, st := range statuses {
			m, ok := p.MACs[st.MAC]
			if !ok || st.Error != "" {
				continue
			}
			m.WatchdogTimeout = st.WatchdogTimeout
			if st.PlaybackLimit > 0 {
				m.PlaybackLimit = st.PlaybackLimit
			}
			if st.Expiry != "" {
				m.Expiry = st.Expiry
			}
			m.LastProfileFetch = now
		}
	})
	if err := config.Save(r.configPath); err != nil {
		return statuses, fmt.Errorf("failed to persist MAC profiles: %w", err)
	}
	return statuses, nil
}

// probeMAC fetches profile and expiry for one MAC.
func (r *Refresher) probeMAC(ctx context.Context, portalID string, p *config.Portal, addr string) MACStatus {
	st := MACStatus{MAC: addr}

	client, err := r.factory(portalID, p, addr)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	profile, err := client.GetProfile(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.WatchdogTimeout = profile.WatchdogTimeout
	st.PlaybackLimit = profile.PlaybackLimit

	if expiry, err := client.GetExpiry(ctx); err == nil {
		st.Expiry = expiry
	}
	return st
}
