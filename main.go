package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"macbridge/work/cache"
	"macbridge/work/catalog"
	"macbridge/work/config"
	"macbridge/work/database"
	"macbridge/work/dispatch"
	"macbridge/work/epg"
	"macbridge/work/handlers"
	"macbridge/work/jobs"
	"macbridge/work/logger"
	"macbridge/work/match"
	"macbridge/work/middleware"
	"macbridge/work/sessions"
)

var (
	Version = "v0.1.0" // default version
)

// App bundles the long-lived components for the admin handlers.
type App struct {
	env        *config.Env
	db         *database.DB
	snapshots  *cache.Snapshots
	refresher  *catalog.Refresher
	epg        *epg.Manager
	jobs       *jobs.Manager
	dispatcher *dispatch.Dispatcher
	directory  *match.Directory
	clients    catalog.ClientFactory
	started    time.Time
}

// our main app worker
func main() {

	env := config.LoadEnv()

	cfg, err := config.Load(env.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.SetLogLevel(cfg.Settings.LogLevel)
	if err := logger.AttachLogDir(env.LogDir); err != nil {
		logger.Warn("{main - main} File logging unavailable: %v", err)
	}
	defer logger.CloseLogFile()

	log := logger.New(cfg.Settings.LogLevel)
	db, err := database.Open(env.DBPath, log)
	if err != nil {
		logger.Error("{main - main} Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	workerPool, err := ants.NewPool(runtime.NumCPU()*4, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main - main} Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	snapshots := cache.New()

	directory, err := match.LoadDirectory(filepath.Join(env.DataDir, "stations.json"), cfg.Settings.MatchFloor)
	if err != nil {
		logger.Warn("{main - main} Station directory unavailable, matching disabled: %v", err)
		directory = match.NewDirectory(nil, cfg.Settings.MatchFloor)
	}

	clientFactory := catalog.NewClientFactory(cfg.Settings)
	refresher := catalog.NewRefresher(db, snapshots, clientFactory, workerPool, directory, env.ConfigPath)

	epgManager := epg.NewManager(db, env.EPGSourceDir(), epg.NewPortalEPGFactory(cfg.Settings))
	defer epgManager.Close()
	if err := epgManager.SyncPortalSources(); err != nil {
		logger.Warn("{main - main} EPG source sync failed: %v", err)
	}

	dispatcher := dispatch.NewDispatcher(db, sessions.NewTable(), snapshots, dispatch.NewLinkFactory(cfg.Settings), env.FFmpeg)

	jobManager := jobs.NewManager(refresher, epgManager, db, workerPool, func() []string {
		return config.Get().EnabledPortalIDs()
	})
	defer jobManager.Stop()
	jobManager.StartLoops(
		time.Duration(env.ChannelRefreshHours)*time.Hour,
		time.Duration(env.EPGRefreshHours)*time.Hour,
	)

	app := &App{
		env:        env,
		db:         db,
		snapshots:  snapshots,
		refresher:  refresher,
		epg:        epgManager,
		jobs:       jobManager,
		dispatcher: dispatcher,
		directory:  directory,
		clients:    clientFactory,
		started:    time.Now(),
	}

	// Setup HTTP routes
	router := mux.NewRouter()

	router.HandleFunc("/playlist.m3u", handlers.HandlePlaylist(db, snapshots, env.PublicHost)).Methods("GET")
	router.HandleFunc("/xmltv", handlers.HandleXMLTV(epgManager)).Methods("GET")
	router.HandleFunc("/play/{portal_id}/{channel_id}", handlers.HandlePlay(dispatcher)).Methods("GET")
	router.HandleFunc("/streaming", handlers.HandleStreaming(dispatcher.Sessions())).Methods("GET")

	// HDHomeRun emulation for PVRs that discover tuners instead of playlists
	router.HandleFunc("/discover.json", handlers.HandleDiscover(env.PublicHost)).Methods("GET")
	router.HandleFunc("/lineup.json", handlers.HandleLineup(db, env.PublicHost)).Methods("GET")
	router.HandleFunc("/lineup_status.json", handlers.HandleLineupStatus()).Methods("GET")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, app)

	addr := fmt.Sprintf("%s:%d", env.BindHost, env.Port)

	// show info
	logger.Info("Starting MACBridge %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", addr)
	logger.Info("  - Data Directory: %s", env.DataDir)
	logger.Info("  - Configured Portals: %d (%d enabled)", len(cfg.Portals), len(cfg.EnabledPortalIDs()))
	logger.Info("  - Station Directory: %d entries", directory.Len())
	logger.Info("  - FFmpeg: %s", env.FFmpeg)
	logger.Info("  - Catalog Refresh: every %dh", env.ChannelRefreshHours)
	logger.Info("  - EPG Refresh: every %dh", env.EPGRefreshHours)
	logger.Info("  - Log Level: %s", cfg.Settings.LogLevel)

	server := &http.Server{
		Addr:              addr,
		Handler:           middleware.Gzip(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gracefully reload settings when the admin API requests it
	go func() {
		for range restartChan {
			logger.Info("{main - main} Graceful reload requested")
			config.ClearCache()
			newCfg, err := config.Load(env.ConfigPath)
			if err != nil {
				logger.Error("{main - main} Reload failed, keeping previous config: %v", err)
				continue
			}
			logger.SetLogLevel(newCfg.Settings.LogLevel)
			snapshots.InvalidateAll()
			if err := epgManager.SyncPortalSources(); err != nil {
				logger.Warn("{main - main} EPG source sync failed after reload: %v", err)
			}
			logger.Info("{main - main} Graceful reload completed, %d portals loaded", len(newCfg.Portals))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("{main - main} Server failed: %v", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	logger.Info("{main - main} Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - main} Forced shutdown: %v", err)
	}
}
