package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macbridge/work/cache"
	"macbridge/work/config"
	"macbridge/work/database"
	"macbridge/work/logger"
	"macbridge/work/sessions"
)

func TestBuildArgs(t *testing.T) {
	args := buildArgs("-re -http_proxy <proxy> -timeout <timeout> -i <url> -f mpegts pipe:",
		"http://host/stream", "http://proxy:3128", 10_000_000)
	assert.Equal(t, []string{
		"-re", "-http_proxy", "http://proxy:3128", "-timeout", "10000000",
		"-i", "http://host/stream", "-f", "mpegts", "pipe:",
	}, args)
}

func TestBuildArgsDropsProxyFlagWhenUnset(t *testing.T) {
	args := buildArgs("-re -http_proxy <proxy> -i <url> pipe:", "http://host/s", "", 0)
	assert.Equal(t, []string{"-re", "-i", "http://host/s", "pipe:"}, args)
}

func TestStderrRingKeepsTail(t *testing.T) {
	r := &stderrRing{}
	for i := 0; i < stderrRingSize+20; i++ {
		r.add(fmt.Sprintf("line %d", i))
	}
	tail := r.Tail()
	require.Len(t, tail, stderrRingSize)
	assert.Equal(t, "line 20", tail[0])
	assert.Equal(t, fmt.Sprintf("line %d", stderrRingSize+19), tail[len(tail)-1])
}

func TestProcessRelaysStdout(t *testing.T) {
	proc, err := StartProcess(context.Background(), "echo", "ts-data-from-<url>", "http://h/s", "", 0)
	require.NoError(t, err)
	defer proc.Stop(time.Second)

	buf := make([]byte, 1024)
	n, _ := proc.Stdout().Read(buf)
	assert.Contains(t, string(buf[:n]), "ts-data-from-http://h/s")

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestProcessStopKillsLingerers(t *testing.T) {
	proc, err := StartProcess(context.Background(), "sleep", "30", "", "", 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		proc.Stop(500 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not terminate the process")
	}
}

func TestLooksLikeHLS(t *testing.T) {
	assert.True(t, looksLikeHLS("http://h/live/stream.m3u8?token=x"))
	assert.True(t, looksLikeHLS("http://h/get.php?type=m3u8"))
	assert.False(t, looksLikeHLS("http://h/live/12345.ts"))
	assert.False(t, looksLikeHLS("http://h/stream"))
}

func TestResolveVariantPicksHighestBandwidth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=1280x720\n"+
			"mid/index.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\n"+
			"high/index.m3u8\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resolved := ResolveVariant(context.Background(), srv.Client(), srv.URL+"/master.m3u8")
	assert.Equal(t, srv.URL+"/high/index.m3u8", resolved)
}

func TestResolveVariantLeavesMediaPlaylistAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg0.ts\n")
	}))
	defer srv.Close()

	url := srv.URL + "/media.m3u8"
	assert.Equal(t, url, ResolveVariant(context.Background(), srv.Client(), url))
}

func TestResolveVariantPassesThroughRawStreams(t *testing.T) {
	// must not even attempt a fetch
	url := "http://127.0.0.1:1/live/9.ts"
	assert.Equal(t, url, ResolveVariant(context.Background(), &http.Client{}, url))
}

type fakeResolver struct {
	url string
	err error
}

func (f *fakeResolver) GetLink(ctx context.Context, cmd string) (string, error) {
	return f.url, f.err
}

type dispatchFixture struct {
	db         *database.DB
	dispatcher *Dispatcher
	resolvers  map[string]*fakeResolver
}

func newDispatchFixture(t *testing.T, macs map[string]*config.MAC) *dispatchFixture {
	t.Helper()

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "channels.db"), logger.New("ERROR"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	config.ClearCache()
	t.Cleanup(config.ClearCache)
	cfg, err := config.Load(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	cfg.Settings.FFmpegCommand = "relay-<url>"
	cfg.Settings.StartupGrace = 1
	cfg.Settings.KillGrace = 1
	cfg.Portals["p1"] = &config.Portal{
		Name:          "Portal One",
		URL:           "http://portal.example/c/",
		Enabled:       true,
		StreamsPerMAC: 1,
		MACs:          macs,
	}

	f := &dispatchFixture{db: db, resolvers: make(map[string]*fakeResolver)}
	factory := func(portalID string, p *config.Portal, mac string) (LinkResolver, error) {
		res, ok := f.resolvers[mac]
		if !ok {
			return nil, errors.New("no resolver for " + mac)
		}
		return res, nil
	}
	// echo stands in for ffmpeg: it emits its arguments and exits
	f.dispatcher = NewDispatcher(db, sessions.NewTable(), cache.New(), factory, "echo")
	return f
}

func (f *dispatchFixture) seedChannel(t *testing.T, cmd string) {
	t.Helper()
	require.NoError(t, database.UpsertChannel(f.db, &database.ChannelRow{
		PortalID: "p1", ChannelID: "1", Name: "Test Channel", Cmd: cmd,
		Enabled: true, ChannelHash: "h",
	}))
}

func serve(f *dispatchFixture) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/play/p1/1", nil)
	f.dispatcher.ServeChannel(w, r, "p1", "1")
	return w
}

func TestServeChannelRelaysStream(t *testing.T) {
	f := newDispatchFixture(t, map[string]*config.MAC{"AA": {WatchdogTimeout: 900}})
	f.seedChannel(t, "ffmpeg http://localhost/ch/1")
	f.resolvers["AA"] = &fakeResolver{url: "http://upstream/live/1.ts"}

	w := serve(f)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "relay-http://upstream/live/1.ts")
}

func TestServeChannelDirectCmdSkipsCreateLink(t *testing.T) {
	f := newDispatchFixture(t, map[string]*config.MAC{"AA": {WatchdogTimeout: 900}})
	f.seedChannel(t, "ffmpeg http://upstream/direct/1.ts")
	// no resolver registered: create_link must never be called

	w := serve(f)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relay-http://upstream/direct/1.ts")
}

func TestServeChannelFailsOverToNextMAC(t *testing.T) {
	f := newDispatchFixture(t, map[string]*config.MAC{
		// CC outranks AA on free slots tie-break? both free; lexicographic AA first
		"AA": {WatchdogTimeout: 900},
		"CC": {WatchdogTimeout: 900},
	})
	f.seedChannel(t, "ffmpeg http://localhost/ch/1")
	f.resolvers["AA"] = &fakeResolver{err: errors.New("no link for you")}
	f.resolvers["CC"] = &fakeResolver{url: "http://upstream/live/backup.ts"}

	w := serve(f)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "backup.ts")
}

func TestServeChannelEndsWhenStreamDiesAfterOutput(t *testing.T) {
	f := newDispatchFixture(t, map[string]*config.MAC{
		"AA": {WatchdogTimeout: 900},
		"CC": {WatchdogTimeout: 900},
	})
	f.seedChannel(t, "ffmpeg http://localhost/ch/1")
	// AA ranks first; its relay produces output and then exits
	f.resolvers["AA"] = &fakeResolver{url: "http://upstream/live/first.ts"}
	f.resolvers["CC"] = &fakeResolver{url: "http://upstream/live/second.ts"}

	w := serve(f)
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "first.ts")
	assert.NotContains(t, body, "second.ts",
		"another MAC's stream must not be spliced into a response that already carries data")
}

func TestServeChannelAllMACsFail(t *testing.T) {
	f := newDispatchFixture(t, map[string]*config.MAC{"AA": {WatchdogTimeout: 900}})
	f.seedChannel(t, "ffmpeg http://localhost/ch/1")
	f.resolvers["AA"] = &fakeResolver{err: errors.New("dead portal")}

	w := serve(f)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestServeChannelUnknownChannel(t *testing.T) {
	f := newDispatchFixture(t, map[string]*config.MAC{"AA": {WatchdogTimeout: 900}})
	w := serve(f)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeChannelHiddenChannel(t *testing.T) {
	f := newDispatchFixture(t, map[string]*config.MAC{"AA": {WatchdogTimeout: 900}})
	require.NoError(t, database.UpsertChannel(f.db, &database.ChannelRow{
		PortalID: "p1", ChannelID: "1", Name: "Hidden", Cmd: "c", Enabled: true, IsHeader: true, ChannelHash: "h",
	}))
	w := serve(f)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeChannelGroupHiddenChannel(t *testing.T) {
	f := newDispatchFixture(t, map[string]*config.MAC{"AA": {WatchdogTimeout: 900}})
	require.NoError(t, database.UpsertChannel(f.db, &database.ChannelRow{
		PortalID: "p1", ChannelID: "1", Name: "Sports HD", Cmd: "c",
		Enabled: true, GenreID: "g1", ChannelHash: "h",
	}))
	require.NoError(t, database.UpsertGroup(f.db, &database.GroupRow{
		PortalID: "p1", GenreID: "g1", Name: "Sports", Active: true,
	}))
	require.NoError(t, database.UpsertGroup(f.db, &database.GroupRow{
		PortalID: "p1", GenreID: "g2", Name: "News", Active: true,
	}))
	require.NoError(t, database.SetActiveGroups(f.db, "p1", []string{"g2"}))

	// the channel row itself is enabled; only its group is toggled off
	w := serve(f)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeChannelAllMACsBusy(t *testing.T) {
	f := newDispatchFixture(t, map[string]*config.MAC{"AA": {WatchdogTimeout: 900}})
	f.seedChannel(t, "ffmpeg http://localhost/ch/1")

	// occupy the single slot
	s := f.dispatcher.Sessions().Reserve("p1", "Portal One", "9", "Other", "AA", "ip", 1)
	require.NotNil(t, s)

	w := serve(f)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServeChannelStartupGraceExpires(t *testing.T) {
	f := newDispatchFixture(t, map[string]*config.MAC{"AA": {WatchdogTimeout: 900}})
	f.seedChannel(t, "ffmpeg http://upstream/direct/1.ts")
	// sleep produces no output inside the 1s grace
	f.dispatcher.ffmpegBin = "sleep"
	config.Get().Settings.FFmpegCommand = "5"

	start := time.Now()
	w := serve(f)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Less(t, time.Since(start), 4*time.Second)
}
