package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Env carries the process-level environment settings resolved once at
// startup. Paths default relative to DATA_DIR so a single volume mount is
// enough to run the whole thing.
type Env struct {
	BindHost   string // BIND_HOST, interface to listen on
	Port       int    // PORT
	PublicHost string // PUBLIC_HOST, host:port advertised in playlist URLs; empty = use request Host
	ConfigPath string // CONFIG, path to config.json
	DBPath     string // DB_PATH, path to the main catalog database
	DataDir    string // DATA_DIR, root for config, databases and EPG stores
	LogDir     string // LOG_DIR
	Timezone   string // TZ, sent to portals and used for log timestamps
	FFmpeg     string // FFMPEG, binary path
	FFprobe    string // FFPROBE, binary path

	EPGRefreshHours     int // EPG_REFRESH_INTERVAL, hours between EPG refresh cycles
	ChannelRefreshHours int // CHANNEL_REFRESH_INTERVAL, hours between catalog refreshes, 0 disables
}

// LoadEnv resolves the environment into an Env with defaults applied.
func LoadEnv() *Env {
	dataDir := envString("DATA_DIR", "./data")

	e := &Env{
		BindHost:            envString("BIND_HOST", "0.0.0.0"),
		Port:                envInt("PORT", 8001),
		PublicHost:          os.Getenv("PUBLIC_HOST"),
		ConfigPath:          envString("CONFIG", filepath.Join(dataDir, "config.json")),
		DBPath:              envString("DB_PATH", filepath.Join(dataDir, "channels.db")),
		DataDir:             dataDir,
		LogDir:              envString("LOG_DIR", "./logs"),
		Timezone:            envString("TZ", "Europe/London"),
		FFmpeg:              envString("FFMPEG", "ffmpeg"),
		FFprobe:             envString("FFPROBE", "ffprobe"),
		EPGRefreshHours:     envInt("EPG_REFRESH_INTERVAL", 12),
		ChannelRefreshHours: envInt("CHANNEL_REFRESH_INTERVAL", 24),
	}
	return e
}

// EPGSourceDir returns the directory holding per-source programme databases.
func (e *Env) EPGSourceDir() string {
	return filepath.Join(e.DataDir, "epg_sources")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
