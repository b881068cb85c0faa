package epg

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macbridge/work/config"
	"macbridge/work/database"
	"macbridge/work/logger"
	"macbridge/work/metrics"
	"macbridge/work/portal"
)

const sampleXMLTV = `<?xml version="1.0" encoding="UTF-8"?>
<tv generator-info-name="test">
  <channel id="bbc1.uk">
    <display-name>BBC One</display-name>
    <display-name>BBC 1</display-name>
    <icon src="http://img.example/bbc1.png"/>
    <lcn>101</lcn>
  </channel>
  <channel id="itv.uk">
    <display-name>ITV</display-name>
  </channel>
  <programme start="20260825180000 +0000" stop="20260825190000 +0000" channel="bbc1.uk">
    <title>The Six O'Clock News</title>
    <sub-title>Evening Edition</sub-title>
    <desc>Headlines and analysis.</desc>
    <category>News</category>
    <category>Current Affairs</category>
    <episode-num system="xmltv_ns">1.4.</episode-num>
    <rating system="UK"><value>PG</value></rating>
    <icon src="http://img.example/news.png"/>
    <date>20260825</date>
  </programme>
  <programme start="20260825190000 +0000" stop="20260825200000 +0000" channel="bbc1.uk">
    <title>Panorama</title>
  </programme>
  <programme start="bogus" stop="20260825200000 +0000" channel="itv.uk">
    <title>Dropped</title>
  </programme>
</tv>`

func TestParseStreamsChannelsAndProgrammes(t *testing.T) {
	var channels []Channel
	var programmes []Programme
	err := Parse(strings.NewReader(sampleXMLTV),
		func(ch Channel) error { channels = append(channels, ch); return nil },
		func(p Programme) error { programmes = append(programmes, p); return nil })
	require.NoError(t, err)

	require.Len(t, channels, 2)
	assert.Equal(t, "bbc1.uk", channels[0].ID)
	assert.Equal(t, []string{"BBC One", "BBC 1"}, channels[0].DisplayNames)
	assert.Equal(t, "http://img.example/bbc1.png", channels[0].Icon)
	assert.Equal(t, "101", channels[0].LCN)
	assert.Empty(t, channels[1].LCN)

	// the programme with an unparseable start is dropped, not fatal
	require.Len(t, programmes, 2)
	p := programmes[0]
	assert.Equal(t, "The Six O'Clock News", p.Title)
	assert.Equal(t, "Evening Edition", p.SubTitle)
	assert.Equal(t, time.Date(2026, 8, 25, 18, 0, 0, 0, time.UTC).Unix(), p.Start)
	assert.Equal(t, []string{"News", "Current Affairs"}, p.Categories)
	assert.Equal(t, "1.4.", p.EpisodeNum)
	assert.Equal(t, "xmltv_ns", p.EpisodeSystem)
	assert.Equal(t, "PG", p.Rating)
	assert.Equal(t, "UK", p.RatingSystem)
	assert.Equal(t, "http://img.example/news.png", p.Icon)
	assert.JSONEq(t, `{"date":"20260825"}`, p.Extra)
}

func TestParseRejectsMalformedDocument(t *testing.T) {
	err := Parse(strings.NewReader("<tv><channel id='x'><display-name>Broken"), nil, nil)
	assert.Error(t, err)
}

func TestParseSkipsMalformedElements(t *testing.T) {
	const doc = `<tv>
  <channel id="good.one"><display-name>Good One</display-name></channel>
  <channel id="bad"><display-name>Broken</wrong></channel>
  <programme start="20260825180000 +0000" stop="20260825190000 +0000" channel="good.one">
    <title>First</title>
  </programme>
  <programme start="20260825190000 +0000" stop="20260825200000 +0000" channel="good.one">
    <title>Mangled</desc>
  </programme>
  <programme start="20260825200000 +0000" stop="20260825210000 +0000" channel="good.one">
    <title>Last</title>
  </programme>
</tv>`

	var channels []Channel
	var titles []string
	err := Parse(strings.NewReader(doc),
		func(ch Channel) error { channels = append(channels, ch); return nil },
		func(p Programme) error { titles = append(titles, p.Title); return nil })
	require.NoError(t, err)

	require.Len(t, channels, 1)
	assert.Equal(t, "good.one", channels[0].ID)
	assert.Equal(t, []string{"First", "Last"}, titles,
		"elements around a malformed one must still be delivered")
}

func TestParseTimeWithoutOffset(t *testing.T) {
	ts, err := parseXMLTVTime("20260825180000")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 18, 0, 0, 0, time.UTC).Unix(), ts)
}

func TestStoreWriterBatchesAndPrunes(t *testing.T) {
	store, err := OpenStore(t.TempDir(), "src1")
	require.NoError(t, err)
	defer store.Close()

	w, err := store.NewWriter()
	require.NoError(t, err)
	base := time.Now().Unix()
	for i := 0; i < batchSize+100; i++ {
		require.NoError(t, w.Add(Programme{
			ChannelID: "ch1",
			Start:     base + int64(i)*60,
			Stop:      base + int64(i+1)*60,
			Title:     "p",
		}))
	}
	n, err := w.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(batchSize+100), n)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(batchSize+100), count)

	// a second ingest fully replaces the first
	w, err = store.NewWriter()
	require.NoError(t, err)
	require.NoError(t, w.Add(Programme{ChannelID: "ch1", Start: base - 7200, Stop: base - 3600, Title: "old"}))
	require.NoError(t, w.Add(Programme{ChannelID: "ch1", Start: base, Stop: base + 3600, Title: "new"}))
	_, err = w.Commit()
	require.NoError(t, err)

	pruned, err := store.Prune(base - 1800)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	progs, err := store.ProgrammesFor("ch1", 0, 1<<62)
	require.NoError(t, err)
	require.Len(t, progs, 1)
	assert.Equal(t, "new", progs[0].Title)
}

func TestStoreAbortedIngestKeepsPreviousProgrammes(t *testing.T) {
	store, err := OpenStore(t.TempDir(), "src1")
	require.NoError(t, err)
	defer store.Close()

	w, err := store.NewWriter()
	require.NoError(t, err)
	base := time.Now().Unix()
	require.NoError(t, w.Add(Programme{ChannelID: "ch1", Start: base, Stop: base + 3600, Title: "keeper"}))
	require.NoError(t, w.Add(Programme{ChannelID: "ch1", Start: base + 3600, Stop: base + 7200, Title: "keeper2"}))
	_, err = w.Commit()
	require.NoError(t, err)

	// the replacement ingest flushes several batches before dying
	w, err = store.NewWriter()
	require.NoError(t, err)
	for i := 0; i < batchSize+100; i++ {
		require.NoError(t, w.Add(Programme{
			ChannelID: "ch1",
			Start:     base + int64(i)*60,
			Stop:      base + int64(i+1)*60,
			Title:     "replacement",
		}))
	}
	w.Abort()

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "an ingest that dies mid-way must leave the previous set intact")

	var staged int64
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM programmes_staging`).Scan(&staged))
	assert.Zero(t, staged)

	progs, err := store.ProgrammesFor("ch1", 0, 1<<62)
	require.NoError(t, err)
	require.Len(t, progs, 2)
	assert.Equal(t, "keeper", progs[0].Title)
}

type epgFixture struct {
	db      *database.DB
	manager *Manager
}

func newEPGFixture(t *testing.T) *epgFixture {
	t.Helper()

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "channels.db"), logger.New("ERROR"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	config.ClearCache()
	t.Cleanup(config.ClearCache)
	cfg, err := config.Load(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	// keep fixture programmes clear of the retention pruning window
	cfg.Settings.EPGRetentionHours = 24 * 365 * 10

	m := NewManager(db, filepath.Join(dir, "epg_sources"), nil)
	t.Cleanup(m.Close)
	return &epgFixture{db: db, manager: m}
}

func TestRefreshXMLTVSource(t *testing.T) {
	f := newEPGFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleXMLTV))
	}))
	defer srv.Close()

	require.NoError(t, f.manager.AddSource("guide", "Test Guide", srv.URL, 12))
	require.NoError(t, f.manager.RefreshSource(context.Background(), "guide"))

	statuses, err := f.manager.SourceStatuses()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "completed", statuses[0].State)
	assert.Equal(t, int64(2), statuses[0].Programmes)
	assert.NotZero(t, statuses[0].LastRefresh)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.EPGIngestRows.WithLabelValues("guide")), 2.0)

	// verbatim id and folded alias both resolve
	chID, err := database.ResolveEPGChannel(f.db, "guide", "bbc1.uk")
	require.NoError(t, err)
	assert.Equal(t, "bbc1.uk", chID)
	chID, err = database.ResolveEPGChannel(f.db, "guide", "BBC ONE")
	require.NoError(t, err)
	assert.Equal(t, "bbc1.uk", chID)
}

func TestRefreshHandlesGzippedFeed(t *testing.T) {
	f := newEPGFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// gzip payload without any gzip headers: only the magic gives it away
		gz := gzip.NewWriter(w)
		gz.Write([]byte(sampleXMLTV))
		gz.Close()
	}))
	defer srv.Close()

	require.NoError(t, f.manager.AddSource("gz", "Gzipped", srv.URL, 12))
	require.NoError(t, f.manager.RefreshSource(context.Background(), "gz"))

	store, err := f.manager.store("gz")
	require.NoError(t, err)
	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRefreshFailureKeepsPreviousProgrammes(t *testing.T) {
	f := newEPGFixture(t)
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(sampleXMLTV))
	}))
	defer srv.Close()

	require.NoError(t, f.manager.AddSource("flaky", "Flaky", srv.URL, 12))
	require.NoError(t, f.manager.RefreshSource(context.Background(), "flaky"))

	healthy = false
	err := f.manager.RefreshSource(context.Background(), "flaky")
	require.Error(t, err)

	statuses, _ := f.manager.SourceStatuses()
	assert.Equal(t, "error", statuses[0].State)
	assert.NotEmpty(t, statuses[0].Error)

	store, err := f.manager.store("flaky")
	require.NoError(t, err)
	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "failed refresh must not wipe existing data")
}

func TestRefreshSingleFlight(t *testing.T) {
	f := newEPGFixture(t)
	require.NoError(t, f.manager.AddSource("s", "S", "http://127.0.0.1:9/none", 12))

	f.manager.inflight.Store("s", true)
	err := f.manager.RefreshSource(context.Background(), "s")
	assert.ErrorContains(t, err, "already running")
}

type fakePortalEPG struct {
	guide map[string][]portal.EPGProgramme
}

func (f *fakePortalEPG) GetEPG(ctx context.Context, hours int) (map[string][]portal.EPGProgramme, error) {
	return f.guide, nil
}

func TestPortalSourceRefresh(t *testing.T) {
	f := newEPGFixture(t)
	cfg := config.Get()
	cfg.Portals["p1"] = &config.Portal{
		Name:     "Portal One",
		URL:      "http://portal.example/c/",
		Enabled:  true,
		FetchEPG: true,
		MACs:     map[string]*config.MAC{"AA": {WatchdogTimeout: 900}},
	}

	base := time.Now().Unix()
	f.manager.portalFactory = func(portalID string, p *config.Portal, mac string) (PortalEPG, error) {
		return &fakePortalEPG{guide: map[string][]portal.EPGProgramme{
			"7": {{Title: "Kickoff", Start: base, Stop: base + 3600}},
		}}, nil
	}

	require.NoError(t, f.manager.SyncPortalSources())
	require.NoError(t, f.manager.RefreshSource(context.Background(), "portal-p1"))

	chID, err := database.ResolveEPGChannel(f.db, "portal-p1", "p1.7")
	require.NoError(t, err)
	assert.Equal(t, "p1.7", chID)
}

func TestWriteGuideRoundTrip(t *testing.T) {
	f := newEPGFixture(t)
	cfg := config.Get()
	cfg.Portals["p1"] = &config.Portal{Name: "P1", URL: "http://portal.example/c/", Enabled: true, EPGOffset: 60}

	// catalog: one matched channel, one on the fallback guide id
	require.NoError(t, database.UpsertChannel(f.db, &database.ChannelRow{
		PortalID: "p1", ChannelID: "1", Name: "BBC One", Enabled: true,
		MatchedName: "BBC One", MatchedStationID: "bbc1.uk", ChannelHash: "h1",
	}))
	require.NoError(t, database.UpsertChannel(f.db, &database.ChannelRow{
		PortalID: "p1", ChannelID: "2", Name: "Obscure TV", Enabled: true, ChannelHash: "h2",
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleXMLTV))
	}))
	defer srv.Close()
	require.NoError(t, f.manager.AddSource("guide", "Guide", srv.URL, 12))
	require.NoError(t, f.manager.RefreshSource(context.Background(), "guide"))

	var buf bytes.Buffer
	require.NoError(t, f.manager.WriteGuide(&buf))

	var channels []Channel
	progsByChannel := make(map[string][]Programme)
	require.NoError(t, Parse(bytes.NewReader(buf.Bytes()),
		func(ch Channel) error { channels = append(channels, ch); return nil },
		func(p Programme) error {
			progsByChannel[p.ChannelID] = append(progsByChannel[p.ChannelID], p)
			return nil
		}))

	require.Len(t, channels, 2)
	byID := make(map[string]Channel)
	for _, ch := range channels {
		byID[ch.ID] = ch
	}
	require.Contains(t, byID, "bbc1.uk")
	require.Contains(t, byID, "p1.2")

	// the matched channel carries the feed's logical channel number
	assert.Equal(t, "101", byID["bbc1.uk"].LCN)
	assert.Empty(t, byID["p1.2"].LCN)

	// the matched channel carries the feed's programmes, shifted by the
	// portal's 60 minute offset
	progs := progsByChannel["bbc1.uk"]
	require.Len(t, progs, 2)
	want := time.Date(2026, 8, 25, 18, 0, 0, 0, time.UTC).Add(time.Hour).Unix()
	assert.Equal(t, want, progs[0].Start)
	assert.Equal(t, "The Six O'Clock News", progs[0].Title)
	assert.Equal(t, "Evening Edition", progs[0].SubTitle)
	assert.Equal(t, []string{"News", "Current Affairs"}, progs[0].Categories)
	assert.Equal(t, "1.4.", progs[0].EpisodeNum)
	assert.Equal(t, "PG", progs[0].Rating)
	assert.Equal(t, "http://img.example/news.png", progs[0].Icon)

	// the unmatched channel has no guide data anywhere
	assert.Empty(t, progsByChannel["p1.2"])
}
