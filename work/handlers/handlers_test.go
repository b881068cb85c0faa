package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macbridge/work/cache"
	"macbridge/work/database"
	"macbridge/work/logger"
	"macbridge/work/sessions"
)

func newCatalog(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "channels.db"), logger.New("ERROR"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.UpsertChannel(db, &database.ChannelRow{
		PortalID: "p1", ChannelID: "1", Name: "BBC One", Cmd: "c",
		Enabled: true, ChannelHash: "h",
	}))
	return db
}

func TestBaseURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil)
	r.Host = "proxy.lan:8001"

	assert.Equal(t, "http://proxy.lan:8001", baseURL("", r))
	assert.Equal(t, "http://tv.example.com", baseURL("tv.example.com", r))
}

func TestHandlePlaylistCachesPerHost(t *testing.T) {
	db := newCatalog(t)
	snapshots := cache.New()
	handler := HandlePlaylist(db, snapshots, "")

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/x-mpegurl", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "#EXTM3U")
	assert.Contains(t, w.Body.String(), "BBC One")

	// second render must come out of the snapshot cache byte-identical
	cached, ok := snapshots.Playlist("http://" + httptest.NewRequest(http.MethodGet, "/", nil).Host)
	require.True(t, ok)
	assert.Equal(t, w.Body.String(), cached)
}

func TestHandleStreamingReportsSessions(t *testing.T) {
	table := sessions.NewTable()
	s := table.Reserve("p1", "Portal One", "1", "BBC One", "AA:BB", "10.0.0.5", 2)
	require.NotNil(t, s)
	s.AddBytes(4096)

	w := httptest.NewRecorder()
	HandleStreaming(table)(w, httptest.NewRequest(http.MethodGet, "/streaming", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string][]sessions.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body["p1"], 1)
	assert.Equal(t, "BBC One", body["p1"][0].ChannelName)
	assert.Equal(t, "AA:BB", body["p1"][0].MAC)
	assert.Equal(t, int64(4096), body["p1"][0].Bytes)
}

func TestHandleDiscover(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/discover.json", nil)
	r.Host = "proxy.lan:8001"
	HandleDiscover("")(w, r)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "http://proxy.lan:8001/lineup.json", doc["LineupURL"])
}

func TestHandleLineup(t *testing.T) {
	db := newCatalog(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/lineup.json", nil)
	r.Host = "proxy.lan:8001"
	HandleLineup(db, "")(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var lineup []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lineup))
	require.Len(t, lineup, 1)
	assert.Equal(t, "BBC One", lineup[0]["GuideName"])
	assert.Equal(t, "http://proxy.lan:8001/play/p1/1", lineup[0]["URL"])
}
