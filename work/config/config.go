package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config is the full on-disk configuration: global settings plus the portal
// map. Unknown keys at the top level, inside settings, and inside each portal
// are preserved across read-modify-write cycles so external collaborators can
// stash their own data in the same file.
type Config struct {
	Settings *Settings          `json:"settings"`
	Portals  map[string]*Portal `json:"portals"`

	// unknown top-level keys, kept verbatim
	extra map[string]json.RawMessage
}

// Settings holds the global tunables shared by every portal.
type Settings struct {
	LogLevel           string    `json:"log level"`            // DEBUG, INFO, WARN, ERROR
	FFmpegCommand      string    `json:"ffmpeg command"`       // command template, <url> <proxy> <timeout> placeholders
	PortalTimeout      int       `json:"portal timeout"`       // seconds, per portal API call
	EPGTimeout         int       `json:"epg download timeout"` // seconds, per EPG source download
	ListingTimeout     int       `json:"mac listing timeout"`  // seconds, per-MAC channel listing during refresh
	StartupGrace       int       `json:"stream startup grace"` // seconds before first ffmpeg output is considered overdue
	KillGrace          int       `json:"stream kill grace"`    // seconds between SIGTERM and SIGKILL
	ParallelProbing    bool      `json:"parallel mac probing"` // probe candidate MACs concurrently
	SoftDeleteTTLHours int       `json:"soft delete ttl"`      // hours a vanished channel is retained before hard delete
	EPGRetentionHours  int       `json:"epg retention"`        // hours of past programmes kept per source
	MatchFloor         float64   `json:"match floor"`          // minimum similarity score for an automatic match
	IdleWeight         float64   `json:"mac idle weight"`      // scheduler weight for watchdog idleness
	SlotWeight         float64   `json:"mac slot weight"`      // scheduler weight for free slots
	ExpiryWeight       float64   `json:"mac expiry weight"`    // scheduler weight penalizing imminent expiry
	TagRules           []TagRule `json:"tag rules"`            // normalizer rule set, applied in order

	extra map[string]json.RawMessage
}

// TagRule is one normalizer rule: a tag group, a pattern applied to the raw
// channel name, and the capture group index whose text becomes the tag value.
type TagRule struct {
	Group   string `json:"group"`   // resolution, video_codec, country, audio, event, misc, header
	Pattern string `json:"pattern"` // regular expression, case-insensitive
	Capture int    `json:"capture"` // capture group index holding the tag text, 0 = whole match
}

// Portal is one Stalker portal with its credential MACs and feature flags.
type Portal struct {
	Name           string          `json:"name"`
	URL            string          `json:"url"`
	Enabled        bool            `json:"enabled"`
	Proxy          string          `json:"proxy"`
	StreamsPerMAC  int             `json:"streams per mac"`
	EPGOffset      int             `json:"epg offset"` // minutes added to programme times at emission
	FetchEPG       bool            `json:"fetch epg"`
	AutoNormalize  bool            `json:"auto normalize names"`
	AutoMatch      bool            `json:"auto match"`
	MACs           map[string]*MAC `json:"macs"`
	SelectedGenres []string        `json:"selected_genres"`

	extra map[string]json.RawMessage
}

// MAC is one MAC-address credential belonging to a portal.
type MAC struct {
	Expiry           string `json:"expiry"`           // as the portal reports it, empty when unknown
	WatchdogTimeout  int    `json:"watchdog_timeout"` // seconds since portal last saw activity, 0 = unknown
	PlaybackLimit    int    `json:"playback_limit"`   // portal-enforced concurrent stream cap, 0 = unknown
	LastProfileFetch string `json:"last_profile_fetch,omitempty"`
}

// expiryLayouts covers the date shapes portals hand back for subscriptions.
var expiryLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"January 2, 2006, 3:04 pm",
	"January 2, 2006",
	"02.01.2006",
	"02/01/2006",
}

// ExpiryTime parses the expiry date. ok is false when the portal never
// reported one or the format is unrecognized; such MACs are treated as
// non-expiring.
func (m *MAC) ExpiryTime() (time.Time, bool) {
	s := strings.TrimSpace(m.Expiry)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Expired reports whether the MAC's subscription has lapsed as of now.
func (m *MAC) Expired(now time.Time) bool {
	t, ok := m.ExpiryTime()
	if !ok {
		return false
	}
	// expiry dates are inclusive: a MAC expiring today still works today
	return t.AddDate(0, 0, 1).Before(now)
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configPath  string       // Path the cache was loaded from
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// Load loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Falls back to a default config if the file is missing.
//   - Runs validation to ensure safe defaults.
func Load(path string) (*Config, error) {
	configMutex.RLock()
	if configCache != nil && configPath == path {
		defer configMutex.RUnlock()
		return configCache, nil
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil && configPath == path {
		return configCache, nil
	}

	cfg, err := loadFromFile(path)
	if os.IsNotExist(err) {
		cfg = defaultConfig()
		err = nil
	}
	if err != nil {
		return nil, err
	}

	validateAndSetDefaults(cfg)

	configCache = cfg
	configPath = path
	return cfg, nil
}

// Get returns the cached configuration. Panics if Load was never called;
// startup wires this before anything else runs.
func Get() *Config {
	configMutex.RLock()
	defer configMutex.RUnlock()
	if configCache == nil {
		panic("config.Get called before config.Load")
	}
	return configCache
}

// Mutate runs fn while holding the configuration write lock. Every in-place
// change to the cached config after Load goes through here, so goroutines
// iterating portals or MACs via MACsSnapshot or StreamLimit never observe a
// map mid-write. fn must not call Load, Get, Save or the locked read helpers;
// the lock is not reentrant.
func Mutate(fn func(*Config)) {
	configMutex.Lock()
	defer configMutex.Unlock()
	if configCache == nil {
		panic("config.Mutate called before config.Load")
	}
	fn(configCache)
}

// ClearCache resets the cached config, forcing a reload on the next Load.
func ClearCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
	configPath = ""
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg := &Config{
		Settings: &Settings{},
		Portals:  make(map[string]*Portal),
		extra:    make(map[string]json.RawMessage),
	}

	for key, msg := range raw {
		switch key {
		case "settings":
			s, err := parseSettings(msg)
			if err != nil {
				return nil, fmt.Errorf("invalid settings: %w", err)
			}
			cfg.Settings = s
		case "portals":
			var portalRaw map[string]json.RawMessage
			if err := json.Unmarshal(msg, &portalRaw); err != nil {
				return nil, fmt.Errorf("invalid portals: %w", err)
			}
			for id, pmsg := range portalRaw {
				p, err := parsePortal(pmsg)
				if err != nil {
					return nil, fmt.Errorf("invalid portal %s: %w", id, err)
				}
				cfg.Portals[id] = p
			}
		default:
			cfg.extra[key] = msg
		}
	}

	return cfg, nil
}

// parseSettings decodes the settings block and retains unknown keys.
func parseSettings(msg json.RawMessage) (*Settings, error) {
	var s Settings
	if err := json.Unmarshal(msg, &s); err != nil {
		return nil, err
	}
	s.extra = unknownKeys(msg, settingsKnownKeys)
	return &s, nil
}

// parsePortal decodes one portal block and retains unknown keys.
func parsePortal(msg json.RawMessage) (*Portal, error) {
	var p Portal
	if err := json.Unmarshal(msg, &p); err != nil {
		return nil, err
	}
	if p.MACs == nil {
		p.MACs = make(map[string]*MAC)
	}
	p.extra = unknownKeys(msg, portalKnownKeys)
	return &p, nil
}

var settingsKnownKeys = map[string]bool{
	"log level": true, "ffmpeg command": true, "portal timeout": true,
	"epg download timeout": true, "mac listing timeout": true,
	"stream startup grace": true, "stream kill grace": true,
	"parallel mac probing": true, "soft delete ttl": true,
	"epg retention": true, "match floor": true, "mac idle weight": true,
	"mac slot weight": true, "mac expiry weight": true, "tag rules": true,
}

var portalKnownKeys = map[string]bool{
	"name": true, "url": true, "enabled": true, "proxy": true,
	"streams per mac": true, "epg offset": true, "fetch epg": true,
	"auto normalize names": true, "auto match": true, "macs": true,
	"selected_genres": true,
}

// unknownKeys returns the raw messages for keys not in the known set.
func unknownKeys(msg json.RawMessage, known map[string]bool) map[string]json.RawMessage {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// mergeExtra marshals v to a JSON object and merges the preserved unknown
// keys back in, returning the combined raw message.
func mergeExtra(v interface{}, extra map[string]json.RawMessage) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := m[k]; !ok {
			m[k] = raw
		}
	}
	return json.Marshal(m)
}

// Save writes the configuration back to disk atomically: the document is
// written to a temp file in the same directory and renamed into place, so a
// crash mid-write never leaves a truncated config behind.
func Save(path string) error {
	configMutex.Lock()
	defer configMutex.Unlock()
	if configCache == nil {
		return fmt.Errorf("no configuration loaded")
	}
	return writeFile(configCache, path)
}

// writeFile serializes cfg and atomically replaces the file at path.
func writeFile(cfg *Config, path string) error {
	doc := make(map[string]json.RawMessage)
	for k, v := range cfg.extra {
		doc[k] = v
	}

	settingsMsg, err := mergeExtra(cfg.Settings, cfg.Settings.extra)
	if err != nil {
		return fmt.Errorf("failed to serialize settings: %w", err)
	}
	doc["settings"] = settingsMsg

	portals := make(map[string]json.RawMessage, len(cfg.Portals))
	for id, p := range cfg.Portals {
		msg, err := mergeExtra(p, p.extra)
		if err != nil {
			return fmt.Errorf("failed to serialize portal %s: %w", id, err)
		}
		portals[id] = msg
	}
	portalsMsg, err := json.Marshal(portals)
	if err != nil {
		return err
	}
	doc["portals"] = portalsMsg

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// defaultConfig returns a baseline configuration with no portals.
func defaultConfig() *Config {
	return &Config{
		Settings: &Settings{},
		Portals:  make(map[string]*Portal),
		extra:    make(map[string]json.RawMessage),
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(cfg *Config) {
	s := cfg.Settings
	if s == nil {
		s = &Settings{}
		cfg.Settings = s
	}
	if s.LogLevel == "" {
		s.LogLevel = "INFO"
	}
	if s.FFmpegCommand == "" {
		s.FFmpegCommand = "-re -http_proxy <proxy> -timeout <timeout> -i <url> -map 0 -codec copy -f mpegts pipe:"
	}
	if s.PortalTimeout <= 0 {
		s.PortalTimeout = 10
	}
	if s.EPGTimeout <= 0 {
		s.EPGTimeout = 120
	}
	if s.ListingTimeout <= 0 {
		s.ListingTimeout = 60
	}
	if s.StartupGrace <= 0 {
		s.StartupGrace = 3
	}
	if s.KillGrace <= 0 {
		s.KillGrace = 5
	}
	if s.SoftDeleteTTLHours <= 0 {
		s.SoftDeleteTTLHours = 72
	}
	if s.EPGRetentionHours <= 0 {
		s.EPGRetentionHours = 24
	}
	if s.MatchFloor <= 0 {
		s.MatchFloor = 0.65
	}
	if s.IdleWeight == 0 {
		s.IdleWeight = 1.0
	}
	if s.SlotWeight == 0 {
		s.SlotWeight = 0.6
	}
	if s.ExpiryWeight == 0 {
		s.ExpiryWeight = 0.4
	}

	if cfg.Portals == nil {
		cfg.Portals = make(map[string]*Portal)
	}
	for id, p := range cfg.Portals {
		if p.Name == "" {
			p.Name = id
		}
		if p.StreamsPerMAC <= 0 {
			p.StreamsPerMAC = 1
		}
		if p.MACs == nil {
			p.MACs = make(map[string]*MAC)
		}
		for addr, m := range p.MACs {
			if m == nil {
				p.MACs[addr] = &MAC{}
			}
		}
	}
}

// PortalIDs returns the portal ids in stable sorted order.
func (c *Config) PortalIDs() []string {
	ids := make([]string, 0, len(c.Portals))
	for id := range c.Portals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnabledPortalIDs returns the ids of enabled portals in sorted order.
func (c *Config) EnabledPortalIDs() []string {
	var ids []string
	for id, p := range c.Portals {
		if p.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// MACsSnapshot returns a point-in-time copy of the portal's MAC map, safe to
// iterate while other goroutines change credentials through Mutate.
func (p *Portal) MACsSnapshot() map[string]MAC {
	configMutex.RLock()
	defer configMutex.RUnlock()
	out := make(map[string]MAC, len(p.MACs))
	for addr, m := range p.MACs {
		if m != nil {
			out[addr] = *m
		}
	}
	return out
}

// StreamLimit resolves the concurrent-stream cap for one MAC: the lesser of
// the portal's configured streams-per-mac and the portal-reported playback
// limit, with 0 meaning unknown on either side. Never returns less than 1.
func (p *Portal) StreamLimit(addr string) int {
	configMutex.RLock()
	defer configMutex.RUnlock()
	limit := p.StreamsPerMAC
	if m, ok := p.MACs[addr]; ok && m.PlaybackLimit > 0 {
		if limit <= 0 || m.PlaybackLimit < limit {
			limit = m.PlaybackLimit
		}
	}
	if limit <= 0 {
		limit = 1
	}
	return limit
}

// ObfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/c/portal.php?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
