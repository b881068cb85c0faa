package main

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"macbridge/work/config"
	"macbridge/work/database"
	"macbridge/work/epg"
	"macbridge/work/logger"
	"macbridge/work/scheduler"
	"macbridge/work/utils"
)

// restartChan signals a graceful restart requested through the admin API.
var restartChan = make(chan bool, 1)

// DashboardResponse is the admin landing-page snapshot: catalog totals,
// live session counts and process health in one call.
type DashboardResponse struct {
	Portals        []PortalSummary        `json:"portals"`
	ActiveSessions int                    `json:"active_sessions"`
	Uptime         string                 `json:"uptime"`
	MemoryUsage    string                 `json:"memory_usage"`
	Goroutines     int                    `json:"goroutines"`
	Database       map[string]interface{} `json:"database"`
	EPGSources     []epg.Status           `json:"epg_sources"`
}

// PortalSummary is one portal's row on the dashboard.
type PortalSummary struct {
	PortalID        string `json:"portal_id"`
	Name            string `json:"name"`
	Enabled         bool   `json:"enabled"`
	MACCount        int    `json:"mac_count"`
	TotalChannels   int    `json:"total_channels"`
	EnabledChannels int    `json:"enabled_channels"`
	GroupCount      int    `json:"group_count"`
	LastRefresh     int64  `json:"last_refresh"`
	RefreshStatus   string `json:"refresh_status,omitempty"`
	ActiveSessions  int    `json:"active_sessions"`
}

// channelView is the editor's representation of one catalog channel.
type channelView struct {
	ChannelID    string   `json:"channel_id"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Number       string   `json:"number"`
	Group        string   `json:"group"`
	Logo         string   `json:"logo"`
	EPGID        string   `json:"epg_id"`
	Enabled      bool     `json:"enabled"`
	Missing      bool     `json:"missing"`
	IsHeader     bool     `json:"is_header"`
	IsEvent      bool     `json:"is_event"`
	CustomName   string   `json:"custom_name,omitempty"`
	CustomNumber string   `json:"custom_number,omitempty"`
	CustomGenre  string   `json:"custom_genre,omitempty"`
	CustomEPGID  string   `json:"custom_epg_id,omitempty"`
	MatchedName  string   `json:"matched_name,omitempty"`
	MatchedID    string   `json:"matched_station_id,omitempty"`
	MatchedLogo  string   `json:"matched_logo,omitempty"`
	MatchedScore float64  `json:"matched_score,omitempty"`
	MACs         []string `json:"macs,omitempty"`
	AlternateIDs []string `json:"alternate_ids,omitempty"`
}

// setupAdminRoutes registers every /api endpoint on the router.
func setupAdminRoutes(router *mux.Router, app *App) {
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/dashboard", app.handleDashboard).Methods("GET")
	api.HandleFunc("/restart", app.handleRestart).Methods("POST")
	api.HandleFunc("/db/cleanup", app.handleDBCleanup).Methods("POST")

	api.HandleFunc("/portals", app.handlePortalList).Methods("GET")
	api.HandleFunc("/portal", app.handlePortalSave).Methods("POST")
	api.HandleFunc("/portal/delete", app.handlePortalDelete).Methods("POST")
	api.HandleFunc("/portal/refresh", app.handlePortalRefresh).Methods("POST")
	api.HandleFunc("/portal/refresh/status", app.handleRefreshStatus).Methods("POST")
	api.HandleFunc("/portal/mac/add", app.handleMACAdd).Methods("POST")
	api.HandleFunc("/portal/mac/delete", app.handleMACDelete).Methods("POST")
	api.HandleFunc("/portal/mac/test", app.handleMACTest).Methods("POST")
	api.HandleFunc("/portal/macs/refresh", app.handleMACsRefresh).Methods("POST")
	api.HandleFunc("/portal/groups", app.handleGroupList).Methods("POST")
	api.HandleFunc("/portal/genres/list", app.handleGenreList).Methods("POST")
	api.HandleFunc("/portal/genres", app.handleGenreSelect).Methods("POST")

	api.HandleFunc("/channels", app.handleChannelList).Methods("GET")
	api.HandleFunc("/channel", app.handleChannelUpdate).Methods("POST")
	api.HandleFunc("/channel/match", app.handleChannelMatch).Methods("POST")
	api.HandleFunc("/channel/match/reset", app.handleChannelMatchReset).Methods("POST")
	api.HandleFunc("/channel/suggestions", app.handleChannelSuggestions).Methods("GET")

	api.HandleFunc("/epg/sources", app.handleEPGSourceList).Methods("GET")
	api.HandleFunc("/epg/source", app.handleEPGSourceSave).Methods("POST")
	api.HandleFunc("/epg/source/delete", app.handleEPGSourceDelete).Methods("POST")
	api.HandleFunc("/epg/refresh", app.handleEPGRefresh).Methods("POST")
	api.HandleFunc("/epg/status", app.handleEPGStatus).Methods("GET")
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{admin_handlers - respondJSON} Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// portalFromRequest resolves the portal named in a query or decoded body.
func portalFromRequest(w http.ResponseWriter, portalID string) *config.Portal {
	if portalID == "" {
		respondError(w, http.StatusBadRequest, "portal_id is required")
		return nil
	}
	p, ok := config.Get().Portals[portalID]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown portal "+portalID)
		return nil
	}
	return p
}

func (app *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	cfg := config.Get()
	sessions := app.dispatcher.Sessions().Snapshot()

	var portals []PortalSummary
	for _, id := range cfg.PortalIDs() {
		p := cfg.Portals[id]
		summary := PortalSummary{
			PortalID:       id,
			Name:           p.Name,
			Enabled:        p.Enabled,
			MACCount:       len(p.MACsSnapshot()),
			ActiveSessions: len(sessions[id]),
		}
		if stats, err := database.GetPortalStats(app.db, id); err == nil && stats != nil {
			summary.TotalChannels = stats.TotalChannels
			summary.EnabledChannels = stats.EnabledChannels
			summary.GroupCount = stats.GroupCount
			summary.LastRefresh = stats.LastRefresh
		}
		if st := app.jobs.PortalStatus(id); st != nil {
			summary.RefreshStatus = st.Status
		}
		portals = append(portals, summary)
	}

	dbStats, err := app.db.GetStats()
	if err != nil {
		logger.Warn("{admin_handlers - handleDashboard} Database stats unavailable: %v", err)
	}

	epgStatuses, err := app.epg.SourceStatuses()
	if err != nil {
		logger.Warn("{admin_handlers - handleDashboard} EPG statuses unavailable: %v", err)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	respondJSON(w, http.StatusOK, DashboardResponse{
		Portals:        portals,
		ActiveSessions: app.dispatcher.Sessions().Total(),
		Uptime:         utils.FormatDuration(time.Since(app.started)),
		MemoryUsage:    utils.FormatBytes(int64(mem.Alloc)),
		Goroutines:     runtime.NumGoroutine(),
		Database:       dbStats,
		EPGSources:     epgStatuses,
	})
}

func (app *App) handleRestart(w http.ResponseWriter, r *http.Request) {
	select {
	case restartChan <- true:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
	default:
		respondError(w, http.StatusConflict, "restart already pending")
	}
}

func (app *App) handleDBCleanup(w http.ResponseWriter, r *http.Request) {
	if err := app.db.Maintain(); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	orphans, err := app.epg.RemoveOrphanStores()
	if err != nil {
		logger.Warn("{admin_handlers - handleDBCleanup} Orphan store sweep failed: %v", err)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"orphans_removed": orphans,
	})
}

// portalPayload is the create/update body for a portal. A pointer field left
// null keeps the existing value, so partial updates are safe.
type portalPayload struct {
	PortalID      string  `json:"portal_id"`
	Name          *string `json:"name"`
	URL           *string `json:"url"`
	Enabled       *bool   `json:"enabled"`
	Proxy         *string `json:"proxy"`
	StreamsPerMAC *int    `json:"streams_per_mac"`
	EPGOffset     *int    `json:"epg_offset"`
	FetchEPG      *bool   `json:"fetch_epg"`
	AutoNormalize *bool   `json:"auto_normalize"`
	AutoMatch     *bool   `json:"auto_match"`
}

func (app *App) handlePortalList(w http.ResponseWriter, r *http.Request) {
	cfg := config.Get()
	out := make([]map[string]interface{}, 0, len(cfg.Portals))
	for _, id := range cfg.PortalIDs() {
		p := cfg.Portals[id]
		snap := p.MACsSnapshot()
		macs := make([]map[string]interface{}, 0, len(snap))
		addrs := make([]string, 0, len(snap))
		for addr := range snap {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		for _, addr := range addrs {
			m := snap[addr]
			macs = append(macs, map[string]interface{}{
				"mac":                addr,
				"expiry":             m.Expiry,
				"watchdog_timeout":   m.WatchdogTimeout,
				"playback_limit":     m.PlaybackLimit,
				"last_profile_fetch": m.LastProfileFetch,
			})
		}
		out = append(out, map[string]interface{}{
			"portal_id":       id,
			"name":            p.Name,
			"url":             p.URL,
			"enabled":         p.Enabled,
			"proxy":           p.Proxy,
			"streams_per_mac": p.StreamsPerMAC,
			"epg_offset":      p.EPGOffset,
			"fetch_epg":       p.FetchEPG,
			"auto_normalize":  p.AutoNormalize,
			"auto_match":      p.AutoMatch,
			"selected_genres": p.SelectedGenres,
			"macs":            macs,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (app *App) handlePortalSave(w http.ResponseWriter, r *http.Request) {
	var body portalPayload
	if !decodeBody(w, r, &body) {
		return
	}
	if body.PortalID == "" {
		respondError(w, http.StatusBadRequest, "portal_id is required")
		return
	}

	badRequest := ""
	config.Mutate(func(cfg *config.Config) {
		p, exists := cfg.Portals[body.PortalID]
		if !exists {
			if body.URL == nil || *body.URL == "" {
				badRequest = "url is required for a new portal"
				return
			}
			p = &config.Portal{Name: body.PortalID, StreamsPerMAC: 1, MACs: make(map[string]*config.MAC)}
			cfg.Portals[body.PortalID] = p
		}

		if body.Name != nil {
			p.Name = *body.Name
		}
		if body.URL != nil {
			p.URL = *body.URL
		}
		if body.Enabled != nil {
			p.Enabled = *body.Enabled
		}
		if body.Proxy != nil {
			p.Proxy = *body.Proxy
		}
		if body.StreamsPerMAC != nil && *body.StreamsPerMAC > 0 {
			p.StreamsPerMAC = *body.StreamsPerMAC
		}
		if body.EPGOffset != nil {
			p.EPGOffset = *body.EPGOffset
		}
		if body.FetchEPG != nil {
			p.FetchEPG = *body.FetchEPG
		}
		if body.AutoNormalize != nil {
			p.AutoNormalize = *body.AutoNormalize
		}
		if body.AutoMatch != nil {
			p.AutoMatch = *body.AutoMatch
		}
	})
	if badRequest != "" {
		respondError(w, http.StatusBadRequest, badRequest)
		return
	}

	if err := config.Save(app.env.ConfigPath); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := app.epg.SyncPortalSources(); err != nil {
		logger.Warn("{admin_handlers - handlePortalSave} EPG source sync failed: %v", err)
	}
	app.snapshots.InvalidateAll()
	respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (app *App) handlePortalDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string `json:"portal_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	found := false
	config.Mutate(func(cfg *config.Config) {
		if _, ok := cfg.Portals[body.PortalID]; ok {
			delete(cfg.Portals, body.PortalID)
			found = true
		}
	})
	if !found {
		respondError(w, http.StatusNotFound, "unknown portal "+body.PortalID)
		return
	}
	if err := config.Save(app.env.ConfigPath); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := database.DeletePortalRows(app.db, body.PortalID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := app.epg.DeleteSource("portal-" + body.PortalID); err != nil {
		logger.Warn("{admin_handlers - handlePortalDelete} EPG source cleanup failed: %v", err)
	}
	app.snapshots.InvalidateAll()
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (app *App) handlePortalRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string `json:"portal_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if portalFromRequest(w, body.PortalID) == nil {
		return
	}
	if !app.jobs.QueuePortalRefresh(body.PortalID) {
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (app *App) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string `json:"portal_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if portalFromRequest(w, body.PortalID) == nil {
		return
	}
	st := app.jobs.PortalStatus(body.PortalID)
	if st == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "never"})
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (app *App) handleMACAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string `json:"portal_id"`
		MAC      string `json:"mac"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p := portalFromRequest(w, body.PortalID)
	if p == nil {
		return
	}
	addr, err := utils.NormalizeMAC(body.MAC)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	conflict := false
	config.Mutate(func(*config.Config) {
		if _, exists := p.MACs[addr]; exists {
			conflict = true
			return
		}
		p.MACs[addr] = &config.MAC{}
	})
	if conflict {
		respondError(w, http.StatusConflict, "MAC already configured")
		return
	}
	if err := config.Save(app.env.ConfigPath); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "added", "mac": addr})
}

func (app *App) handleMACDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string `json:"portal_id"`
		MAC      string `json:"mac"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p := portalFromRequest(w, body.PortalID)
	if p == nil {
		return
	}
	addr, err := utils.NormalizeMAC(body.MAC)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	missing := false
	config.Mutate(func(*config.Config) {
		if _, exists := p.MACs[addr]; !exists {
			missing = true
			return
		}
		delete(p.MACs, addr)
	})
	if missing {
		respondError(w, http.StatusNotFound, "MAC not configured")
		return
	}
	if err := config.Save(app.env.ConfigPath); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleMACTest probes one MAC against its portal without touching config.
func (app *App) handleMACTest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string `json:"portal_id"`
		MAC      string `json:"mac"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p := portalFromRequest(w, body.PortalID)
	if p == nil {
		return
	}
	addr, err := utils.NormalizeMAC(body.MAC)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	client, err := app.clients(body.PortalID, p, addr)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	timeout := time.Duration(config.Get().Settings.PortalTimeout) * time.Second
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	profile, err := client.GetProfile(ctx)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"mac": addr, "ok": false, "error": err.Error()})
		return
	}
	expiry, err := client.GetExpiry(ctx)
	if err != nil {
		logger.Debug("{admin_handlers - handleMACTest} Expiry lookup failed for %s: %v", addr, err)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"mac":              addr,
		"ok":               true,
		"expiry":           expiry,
		"watchdog_timeout": profile.WatchdogTimeout,
		"playback_limit":   profile.PlaybackLimit,
	})
}

func (app *App) handleMACsRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string `json:"portal_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if portalFromRequest(w, body.PortalID) == nil {
		return
	}
	statuses, err := app.refresher.RefreshMACs(r.Context(), body.PortalID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, statuses)
}

func (app *App) handleGroupList(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string `json:"portal_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if portalFromRequest(w, body.PortalID) == nil {
		return
	}
	groups, err := database.LoadGroups(app.db, body.PortalID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*database.GroupRow, 0, len(groups))
	active := 0
	for _, g := range groups {
		if g.Active {
			active++
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"active": active,
		"total":  len(out),
		"groups": out,
	})
}

// handleGenreList asks the portal itself for its genre catalog, for the
// selection UI before any channels were imported.
func (app *App) handleGenreList(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string `json:"portal_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p := portalFromRequest(w, body.PortalID)
	if p == nil {
		return
	}

	cfg := config.Get()
	macs := scheduler.Rank(body.PortalID, p, nil, nil, scheduler.WeightsFrom(cfg.Settings), time.Now())
	if len(macs) == 0 {
		respondError(w, http.StatusServiceUnavailable, "no usable MAC for this portal")
		return
	}

	client, err := app.clients(body.PortalID, p, macs[0])
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(cfg.Settings.PortalTimeout)*time.Second)
	defer cancel()

	genres, err := client.GetGenres(ctx)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, genres)
}

// handleGenreSelect updates group visibility. This only flips flags and
// invalidates caches; the catalog itself is untouched until the next refresh.
func (app *App) handleGenreSelect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string   `json:"portal_id"`
		GenreIDs []string `json:"genre_ids"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p := portalFromRequest(w, body.PortalID)
	if p == nil {
		return
	}

	if err := database.SetActiveGroups(app.db, body.PortalID, body.GenreIDs); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	config.Mutate(func(*config.Config) {
		p.SelectedGenres = body.GenreIDs
	})
	if err := config.Save(app.env.ConfigPath); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	app.snapshots.InvalidateAll()
	respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (app *App) handleChannelList(w http.ResponseWriter, r *http.Request) {
	portalID := r.URL.Query().Get("portal_id")
	if portalFromRequest(w, portalID) == nil {
		return
	}
	channels, err := database.LoadChannelsByPortal(app.db, portalID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelView{
			ChannelID:    ch.ChannelID,
			Name:         ch.Name,
			DisplayName:  ch.EffectiveDisplayName(),
			Number:       ch.EffectiveNumber(),
			Group:        ch.EffectiveGroup(),
			Logo:         ch.Logo,
			EPGID:        ch.EffectiveEPGID(),
			Enabled:      ch.Enabled,
			Missing:      ch.MissingSince != 0,
			IsHeader:     ch.IsHeader,
			IsEvent:      ch.IsEvent,
			CustomName:   ch.CustomName,
			CustomNumber: ch.CustomNumber,
			CustomGenre:  ch.CustomGenre,
			CustomEPGID:  ch.CustomEPGID,
			MatchedName:  ch.MatchedName,
			MatchedID:    ch.MatchedStationID,
			MatchedLogo:  ch.MatchedLogo,
			MatchedScore: ch.MatchedScore,
			MACs:         ch.AvailableMACs,
			AlternateIDs: ch.AlternateIDs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	respondJSON(w, http.StatusOK, out)
}

func (app *App) handleChannelUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID     string `json:"portal_id"`
		ChannelID    string `json:"channel_id"`
		CustomName   string `json:"custom_name"`
		CustomNumber string `json:"custom_number"`
		CustomGenre  string `json:"custom_genre"`
		CustomEPGID  string `json:"custom_epg_id"`
		Enabled      bool   `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if portalFromRequest(w, body.PortalID) == nil {
		return
	}
	err := database.SetCustomFields(app.db, body.PortalID, body.ChannelID,
		body.CustomName, body.CustomNumber, body.CustomGenre, body.CustomEPGID, body.Enabled)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	app.snapshots.InvalidateAll()
	respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (app *App) handleChannelMatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID  string  `json:"portal_id"`
		ChannelID string  `json:"channel_id"`
		Name      string  `json:"name"`
		Source    string  `json:"source"`
		StationID string  `json:"station_id"`
		CallSign  string  `json:"call_sign"`
		Logo      string  `json:"logo"`
		Score     float64 `json:"score"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if portalFromRequest(w, body.PortalID) == nil {
		return
	}
	if body.StationID == "" {
		respondError(w, http.StatusBadRequest, "station_id is required")
		return
	}
	err := database.SetMatch(app.db, body.PortalID, body.ChannelID,
		body.Name, body.Source, body.StationID, body.CallSign, body.Logo, body.Score)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	app.snapshots.InvalidatePlaylists()
	respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (app *App) handleChannelMatchReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID  string `json:"portal_id"`
		ChannelID string `json:"channel_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if portalFromRequest(w, body.PortalID) == nil {
		return
	}
	if err := database.ResetMatch(app.db, body.PortalID, body.ChannelID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	app.snapshots.InvalidatePlaylists()
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (app *App) handleChannelSuggestions(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if app.directory == nil || app.directory.Len() == 0 {
		respondJSON(w, http.StatusOK, []interface{}{})
		return
	}
	results := app.directory.Suggestions(name, r.URL.Query().Get("country"), 10)
	out := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]interface{}{
			"name":       res.Station.Name,
			"station_id": res.Station.StationID,
			"call_sign":  res.Station.CallSign,
			"logo":       res.Station.Logo,
			"country":    res.Station.Country,
			"score":      res.Score,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (app *App) handleEPGSourceList(w http.ResponseWriter, r *http.Request) {
	sources, err := database.ListEPGSources(app.db)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sources)
}

func (app *App) handleEPGSourceSave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceID      string `json:"source_id"`
		Name          string `json:"name"`
		URL           string `json:"url"`
		IntervalHours int    `json:"interval_hours"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SourceID == "" || body.URL == "" {
		respondError(w, http.StatusBadRequest, "source_id and url are required")
		return
	}
	if err := app.epg.AddSource(body.SourceID, body.Name, body.URL, body.IntervalHours); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (app *App) handleEPGSourceDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceID string `json:"source_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SourceID == "" {
		respondError(w, http.StatusBadRequest, "source_id is required")
		return
	}
	if err := app.epg.DeleteSource(body.SourceID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (app *App) handleEPGRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EPGIDs []string `json:"epg_ids"`
	}
	// body is optional: no ids means refresh everything
	if r.Body != nil && r.ContentLength != 0 {
		if !decodeBody(w, r, &body) {
			return
		}
	}

	if len(body.EPGIDs) > 0 {
		app.jobs.QueueEPGSourceRefresh(body.EPGIDs)
		respondJSON(w, http.StatusAccepted, map[string]interface{}{"status": "queued", "epg_ids": body.EPGIDs})
		return
	}
	if !app.jobs.QueueEPGRefresh() {
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (app *App) handleEPGStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := app.epg.SourceStatuses()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var lastRefresh int64
	for _, st := range statuses {
		if st.LastRefresh > lastRefresh {
			lastRefresh = st.LastRefresh
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"is_refreshing": app.jobs.EPGRunning(),
		"last_refresh":  lastRefresh,
		"sources":       statuses,
	})
}
