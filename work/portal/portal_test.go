package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMAC = "00:1A:79:AA:BB:CC"

// fakePortal builds an httptest server answering the load.php actions from
// the supplied handler map.
func fakePortal(t *testing.T, actions map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/server/load.php", func(w http.ResponseWriter, r *http.Request) {
		action := r.URL.Query().Get("action")
		h, ok := actions[action]
		if !ok {
			t.Errorf("unexpected portal action %q", action)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetTokenSetsAuthHeaderOnLaterCalls(t *testing.T) {
	var profileAuth string
	srv := fakePortal(t, map[string]http.HandlerFunc{
		"handshake": func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.Header.Get("Cookie"), "mac="+testMAC)
			assert.Contains(t, r.Header.Get("User-Agent"), "QtEmbedded")
			fmt.Fprint(w, `{"js":{"token":"tok123"}}`)
		},
		"get_profile": func(w http.ResponseWriter, r *http.Request) {
			profileAuth = r.Header.Get("Authorization")
			fmt.Fprint(w, `{"js":{"watchdog_timeout":"900","playback_limit":2,"status":1}}`)
		},
	})

	c, err := NewClient(srv.URL, testMAC, Options{})
	require.NoError(t, err)

	token, err := c.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok123", token)

	profile, err := c.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", profileAuth)
	assert.Equal(t, 900, profile.WatchdogTimeout)
	assert.Equal(t, 2, profile.PlaybackLimit)
}

func TestGetTokenMissingTokenIsAuthFailed(t *testing.T) {
	srv := fakePortal(t, map[string]http.HandlerFunc{
		"handshake": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"js":{}}`)
		},
	})

	c, err := NewClient(srv.URL, testMAC, Options{})
	require.NoError(t, err)

	_, err = c.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuthFailed))
}

func TestThrottledIsRetriedThenSurfaced(t *testing.T) {
	calls := 0
	srv := fakePortal(t, map[string]http.HandlerFunc{
		"handshake": func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})

	c, err := NewClient(srv.URL, testMAC, Options{})
	require.NoError(t, err)

	_, err = c.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindThrottled))
	assert.Equal(t, maxAttempts, calls)
}

func TestAuthFailedIsNotRetried(t *testing.T) {
	calls := 0
	srv := fakePortal(t, map[string]http.HandlerFunc{
		"handshake": func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusForbidden)
		},
	})

	c, err := NewClient(srv.URL, testMAC, Options{})
	require.NoError(t, err)

	_, err = c.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuthFailed))
	assert.Equal(t, 1, calls)
}

func TestGetAllChannelsDeduplicatesAndStops(t *testing.T) {
	pages := 0
	srv := fakePortal(t, map[string]http.HandlerFunc{
		"handshake": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"js":{"token":"t"}}`)
		},
		"get_all_channels": func(w http.ResponseWriter, r *http.Request) {
			pages++
			// every page returns the same inventory with a duplicate entry;
			// the client must dedupe and stop after the barren second page
			fmt.Fprint(w, `{"js":{"data":[
				{"id":1,"name":"One","number":"1","tv_genre_id":"5","cmd":"ffmpeg http://e/1"},
				{"id":"1","name":"One dup","cmd":"ffmpeg http://e/1"},
				{"id":"2","name":"Two","number":2,"tv_genre_id":5,"cmd":"http://localhost/ch/2"}
			]}}`)
		},
	})

	c, err := NewClient(srv.URL, testMAC, Options{})
	require.NoError(t, err)

	channels, err := c.GetAllChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "One", channels[0].Name)
	assert.Equal(t, "1", channels[0].Number)
	assert.Equal(t, "5", channels[0].GenreID)
	assert.Equal(t, "2", channels[1].Number)
	assert.Equal(t, 2, pages)
}

func TestGetLink(t *testing.T) {
	srv := fakePortal(t, map[string]http.HandlerFunc{
		"handshake": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"js":{"token":"t"}}`)
		},
		"create_link": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "http://localhost/ch/42", r.URL.Query().Get("cmd"))
			fmt.Fprint(w, `{"js":{"cmd":"ffmpeg http://origin.example/live/42.m3u8"}}`)
		},
	})

	c, err := NewClient(srv.URL, testMAC, Options{})
	require.NoError(t, err)

	link, err := c.GetLink(context.Background(), "http://localhost/ch/42")
	require.NoError(t, err)
	assert.Equal(t, "http://origin.example/live/42.m3u8", link)
}

func TestGetLinkSentinelIsNoLink(t *testing.T) {
	srv := fakePortal(t, map[string]http.HandlerFunc{
		"handshake": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"js":{"token":"t"}}`)
		},
		"create_link": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"js":{"cmd":""}}`)
		},
	})

	c, err := NewClient(srv.URL, testMAC, Options{})
	require.NoError(t, err)

	_, err = c.GetLink(context.Background(), "http://localhost/ch/1")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNoLink))
}

func TestDirectURL(t *testing.T) {
	assert.Equal(t, "http://e/s.m3u8", DirectURL("ffmpeg http://e/s.m3u8"))
	assert.Equal(t, "https://e/s", DirectURL("https://e/s"))
	assert.True(t, NeedsLink("ffmpeg http://localhost/ch/1"))
	assert.False(t, NeedsLink("ffmpeg http://origin/ch/1"))
}

func TestGetEPGNormalizesMilliseconds(t *testing.T) {
	srv := fakePortal(t, map[string]http.HandlerFunc{
		"handshake": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"js":{"token":"t"}}`)
		},
		"get_epg_info": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"js":{"data":{"7":[
				{"name":"News","start_timestamp":1700000000000,"stop_timestamp":1700003600000},
				{"name":"Film","start_timestamp":"1700003600","stop_timestamp":"1700010800"}
			]}}}`)
		},
	})

	c, err := NewClient(srv.URL, testMAC, Options{})
	require.NoError(t, err)

	epg, err := c.GetEPG(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, epg["7"], 2)
	assert.Equal(t, int64(1700000000), epg["7"][0].Start)
	assert.Equal(t, int64(1700003600), epg["7"][1].Start)
}
