// Package handlers wires the public HTTP surface: the M3U playlist, the
// XMLTV guide, stream playback, the live streaming status, and the HDHomeRun
// discovery endpoints some PVRs use instead of a playlist URL.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"macbridge/work/cache"
	"macbridge/work/database"
	"macbridge/work/dispatch"
	"macbridge/work/epg"
	"macbridge/work/logger"
	"macbridge/work/playlist"
	"macbridge/work/sessions"
)

// baseURL resolves the externally visible base URL for playlist and lineup
// entries. publicHost wins when set; otherwise the requesting Host header is
// trusted, which keeps links working behind reverse proxies without config.
func baseURL(publicHost string, r *http.Request) string {
	host := publicHost
	if host == "" {
		host = r.Host
	}
	return "http://" + host
}

// HandlePlaylist serves the rendered M3U playlist. Renders are cached per
// host; a catalog refresh or group toggle invalidates the cache.
func HandlePlaylist(db *database.DB, snapshots *cache.Snapshots, publicHost string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		base := baseURL(publicHost, r)

		w.Header().Set("Content-Type", "audio/x-mpegurl")
		if body, ok := snapshots.Playlist(base); ok {
			fmt.Fprint(w, body)
			return
		}

		body, err := playlist.Build(db, base)
		if err != nil {
			logger.Error("{handlers/handlers - HandlePlaylist} Failed to build playlist: %v", err)
			http.Error(w, "failed to build playlist", http.StatusInternalServerError)
			return
		}
		snapshots.SetPlaylist(base, body)
		fmt.Fprint(w, body)
	}
}

// HandleXMLTV streams the merged XMLTV guide. The document is generated on
// the fly from the per-source programme stores; gzip happens in middleware.
func HandleXMLTV(manager *epg.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		if err := manager.WriteGuide(w); err != nil {
			// headers are long gone, all we can do is log and cut the body
			logger.Error("{handlers/handlers - HandleXMLTV} Guide generation failed: %v", err)
		}
	}
}

// HandlePlay relays one channel as MPEG-TS. All the heavy lifting lives in
// the dispatcher; this just peels the path parameters off.
func HandlePlay(d *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		d.ServeChannel(w, r, vars["portal_id"], vars["channel_id"])
	}
}

// HandleStreaming reports the live sessions as a map of portal id to session
// list. The table's snapshot already carries the JSON shape.
func HandleStreaming(table *sessions.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, table.Snapshot())
	}
}

// HandleDiscover serves the HDHomeRun discovery document.
func HandleDiscover(publicHost string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, playlist.NewDiscover(baseURL(publicHost, r)))
	}
}

// HandleLineupStatus serves the static HDHomeRun lineup status document.
func HandleLineupStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, playlist.NewLineupStatus())
	}
}

// HandleLineup serves the HDHomeRun channel lineup built from the active
// catalog.
func HandleLineup(db *database.DB, publicHost string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineup, err := playlist.Lineup(db, baseURL(publicHost, r))
		if err != nil {
			logger.Error("{handlers/handlers - HandleLineup} Failed to build lineup: %v", err)
			http.Error(w, "failed to build lineup", http.StatusInternalServerError)
			return
		}
		writeJSON(w, lineup)
	}
}

// writeJSON marshals v with the content type set. Encoding errors after the
// header is out are logged, not reported.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers - writeJSON} Failed to encode response: %v", err)
	}
}
