package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"macbridge/work/logger"
)

// stbUserAgent is the firmware User-Agent string portals expect from a MAG box.
const stbUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"

// xUserAgent identifies the box model in the secondary header portals check.
const xUserAgent = "Model: MAG250; Link: WiFi"

// localhostSentinel marks a cmd that requires create_link before playback.
const localhostSentinel = "http://localhost/"

// maxAttempts and the backoff schedule govern the retry policy for transient
// failures. Backoff is jittered ±20%.
const maxAttempts = 3

var backoffSchedule = []time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}

// Client speaks the Stalker portal JSON protocol for exactly one
// (portal_url, mac) pair. Clients are cheap: construct one per call site,
// the heavy parts (transport, limiter) are shared.
type Client struct {
	baseURL    string
	endpoint   string
	mac        string
	timezone   string
	token      string
	httpClient *http.Client
	limiter    Limiter
}

// Options tunes a Client beyond the portal URL and MAC.
type Options struct {
	Proxy    string        // optional HTTP(S) proxy URL, empty = direct
	Timeout  time.Duration // per-call timeout, 0 = 10s
	Timezone string        // sent in the mac cookie, empty = Europe/London
	Limiter  Limiter       // per-portal call pacing, nil = unlimited
}

// Profile is the per-MAC account state reported by get_profile.
type Profile struct {
	WatchdogTimeout int // seconds since the portal last saw this MAC active
	PlaybackLimit   int // portal-enforced concurrent stream cap, 0 = unknown
	Status          int
	BlockMsg        string
}

// RawChannel is one channel exactly as listed by the portal.
type RawChannel struct {
	ID      string
	Name    string
	Number  string
	GenreID string
	Logo    string
	Cmd     string
}

// Genre is one portal-native channel category.
type Genre struct {
	ID   string
	Name string
}

// EPGProgramme is one programme entry from the portal's own EPG.
type EPGProgramme struct {
	Title       string
	Description string
	Start       int64 // unix seconds
	Stop        int64 // unix seconds
	Category    string
}

// NewClient builds a client for one (portal_url, mac) pair. The endpoint is
// derived from the URL shape: portals hosted under /stalker_portal keep that
// prefix, everything else talks to /server/load.php at the base.
func NewClient(portalURL, mac string, opts Options) (*Client, error) {
	base := strings.TrimRight(portalURL, "/")
	base = strings.TrimSuffix(base, "/c")

	endpoint := base + "/server/load.php"
	if strings.Contains(base, "stalker_portal") {
		endpoint = base + "/server/load.php"
	} else if strings.HasSuffix(base, ".php") {
		// some portals are configured with the load.php URL directly
		endpoint = base
		base = endpoint[:strings.LastIndex(endpoint, "/")]
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tz := opts.Timezone
	if tz == "" {
		tz = "Europe/London"
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid portal proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		baseURL:  base,
		endpoint: endpoint,
		mac:      mac,
		timezone: tz,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		limiter: opts.Limiter,
	}, nil
}

// MAC returns the credential this client authenticates as.
func (c *Client) MAC() string {
	return c.mac
}

// setHeaders applies the standard STB header set. The Authorization header is
// only sent once a token has been acquired.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", stbUserAgent)
	req.Header.Set("X-User-Agent", xUserAgent)
	req.Header.Set("Referer", c.baseURL+"/c/")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Cookie", fmt.Sprintf("mac=%s; stb_lang=en; timezone=%s", c.mac, c.timezone))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// call performs one portal action with the retry policy applied: up to three
// attempts, exponential backoff jittered ±20%, retrying only transient
// failures. The decoded js payload is returned raw for the caller to parse.
func (c *Client) call(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := jitter(backoffSchedule[attempt-1])
			logger.Debug("{portal/portal - call} Retrying %s in %s (attempt %d)", action, delay, attempt+1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, newError(KindUnreachable, action, ctx.Err())
			}
		}

		payload, err := c.callOnce(ctx, action, params)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// callOnce performs a single request without retries.
func (c *Client) callOnce(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	if c.limiter != nil {
		c.limiter.Take()
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("action", action)
	q.Set("JsHttpRequest", "1-xml")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, newError(KindAuthFailed, action, err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(KindUnreachable, action, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, newError(KindThrottled, action, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, newError(KindAuthFailed, action, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, newError(KindAuthFailed, action, fmt.Errorf("malformed response: %w", err))
	}
	if len(env.Js) == 0 {
		return nil, newError(KindAuthFailed, action, fmt.Errorf("empty js payload"))
	}
	return env.Js, nil
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

// GetToken authenticates via the handshake action and remembers the token for
// subsequent calls. Tokens are never persisted.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	params := url.Values{
		"type":  {"stb"},
		"token": {""},
	}
	payload, err := c.call(ctx, "handshake", params)
	if err != nil {
		return "", err
	}

	var hs handshakePayload
	if err := json.Unmarshal(payload, &hs); err != nil {
		return "", newError(KindAuthFailed, "handshake", err)
	}
	if hs.Token == "" {
		return "", newError(KindAuthFailed, "handshake", fmt.Errorf("no token in response"))
	}
	c.token = string(hs.Token)
	logger.Debug("{portal/portal - GetToken} Token acquired for %s", c.mac)
	return c.token, nil
}

// ensureToken authenticates if no token has been acquired yet.
func (c *Client) ensureToken(ctx context.Context) error {
	if c.token != "" {
		return nil
	}
	_, err := c.GetToken(ctx)
	return err
}

// GetProfile fetches the MAC's account profile: watchdog timeout, playback
// limit and account status. Invoked opportunistically after token acquisition
// so the MAC record stays current.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	params := url.Values{
		"type":             {"stb"},
		"hd":               {"1"},
		"auth_second_step": {"1"},
	}
	payload, err := c.call(ctx, "get_profile", params)
	if err != nil {
		return nil, err
	}

	var pp profilePayload
	if err := json.Unmarshal(payload, &pp); err != nil {
		return nil, newError(KindAuthFailed, "get_profile", err)
	}
	return &Profile{
		WatchdogTimeout: int(pp.WatchdogTimeout),
		PlaybackLimit:   int(pp.PlaybackLimit),
		Status:          int(pp.Status),
		BlockMsg:        string(pp.BlockMsg),
	}, nil
}

// GetExpiry returns the subscription end date as the portal reports it, or ""
// when the portal does not expose one. Best effort: a parse failure is not an
// error, just an empty result.
func (c *Client) GetExpiry(ctx context.Context) (string, error) {
	if err := c.ensureToken(ctx); err != nil {
		return "", err
	}
	payload, err := c.call(ctx, "get_main_info", url.Values{"type": {"account_info"}})
	if err != nil {
		return "", err
	}

	var mi mainInfoPayload
	if err := json.Unmarshal(payload, &mi); err != nil {
		return "", nil
	}
	if mi.EndDate != "" {
		return string(mi.EndDate), nil
	}
	return string(mi.Phone), nil
}

// GetAllChannels lists the portal's full channel inventory, paging until the
// server stops returning new ids. Duplicate ids within the response are
// dropped, first occurrence wins.
func (c *Client) GetAllChannels(ctx context.Context) ([]RawChannel, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var channels []RawChannel

	for page := 1; ; page++ {
		params := url.Values{"type": {"itv"}}
		if page > 1 {
			params.Set("p", fmt.Sprintf("%d", page))
		}
		payload, err := c.call(ctx, "get_all_channels", params)
		if err != nil {
			return nil, err
		}

		var list channelListPayload
		if err := json.Unmarshal(payload, &list); err != nil {
			return nil, newError(KindAuthFailed, "get_all_channels", err)
		}

		added := 0
		for _, raw := range list.items() {
			id := string(raw.ID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			added++
			channels = append(channels, RawChannel{
				ID:      id,
				Name:    string(raw.Name),
				Number:  string(raw.Number),
				GenreID: string(raw.GenreID),
				Logo:    string(raw.Logo),
				Cmd:     string(raw.Cmd),
			})
		}
		// most portals return everything on the first page; stop as soon as
		// a page contributes nothing new
		if added == 0 {
			break
		}
		if int(list.TotalItems) > 0 && len(channels) >= int(list.TotalItems) {
			break
		}
	}

	logger.Debug("{portal/portal - GetAllChannels} Listed %d channels via %s", len(channels), c.mac)
	return channels, nil
}

// GetGenres lists the portal's channel categories.
func (c *Client) GetGenres(ctx context.Context) ([]Genre, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	payload, err := c.call(ctx, "get_genres", url.Values{"type": {"itv"}})
	if err != nil {
		return nil, err
	}

	var raw []genrePayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, newError(KindAuthFailed, "get_genres", err)
	}
	genres := make([]Genre, 0, len(raw))
	for _, g := range raw {
		if g.ID == "" {
			continue
		}
		genres = append(genres, Genre{ID: string(g.ID), Name: string(g.Title)})
	}
	return genres, nil
}

// NeedsLink reports whether a channel cmd requires create_link before it can
// be played: the portal substitutes a localhost sentinel for the real URL.
func NeedsLink(cmd string) bool {
	return strings.Contains(cmd, localhostSentinel)
}

// DirectURL extracts the playable URL from a cmd that does not need
// create_link. Cmds usually look like "ffmpeg http://host/...".
func DirectURL(cmd string) string {
	fields := strings.Fields(cmd)
	for i := len(fields) - 1; i >= 0; i-- {
		if strings.HasPrefix(fields[i], "http://") || strings.HasPrefix(fields[i], "https://") {
			return fields[i]
		}
	}
	return strings.TrimSpace(cmd)
}

// GetLink resolves a channel cmd into a playable stream URL via create_link.
// A sentinel or empty result is KindNoLink: the MAC answered but will not
// serve this channel right now.
func (c *Client) GetLink(ctx context.Context, cmd string) (string, error) {
	if err := c.ensureToken(ctx); err != nil {
		return "", err
	}
	params := url.Values{
		"type":           {"itv"},
		"cmd":            {cmd},
		"forced_storage": {"undefined"},
		"disable_ad":     {"0"},
	}
	payload, err := c.call(ctx, "create_link", params)
	if err != nil {
		return "", err
	}

	var link linkPayload
	if err := json.Unmarshal(payload, &link); err != nil {
		return "", newError(KindAuthFailed, "create_link", err)
	}

	streamURL := DirectURL(string(link.Cmd))
	if streamURL == "" || NeedsLink(streamURL) || !strings.HasPrefix(streamURL, "http") {
		return "", newError(KindNoLink, "create_link", fmt.Errorf("portal returned no usable link"))
	}
	return streamURL, nil
}

// GetEPG fetches the portal's own EPG for the coming period (hours), keyed by
// portal channel id.
func (c *Client) GetEPG(ctx context.Context, hours int) (map[string][]EPGProgramme, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	if hours <= 0 {
		hours = 24
	}
	params := url.Values{
		"type":   {"itv"},
		"period": {fmt.Sprintf("%d", hours)},
	}
	payload, err := c.call(ctx, "get_epg_info", params)
	if err != nil {
		return nil, err
	}

	var ep epgPayload
	if err := json.Unmarshal(payload, &ep); err != nil {
		return nil, newError(KindAuthFailed, "get_epg_info", err)
	}

	out := make(map[string][]EPGProgramme, len(ep.Data))
	for chID, progs := range ep.Data {
		list := make([]EPGProgramme, 0, len(progs))
		for _, p := range progs {
			start := normalizeEpoch(int64(p.StartTime))
			stop := normalizeEpoch(int64(p.StopTime))
			if start == 0 || stop == 0 {
				continue
			}
			list = append(list, EPGProgramme{
				Title:       string(p.Name),
				Description: string(p.Descr),
				Start:       start,
				Stop:        stop,
				Category:    string(p.Category),
			})
		}
		if len(list) > 0 {
			out[chID] = list
		}
	}
	return out, nil
}

// normalizeEpoch folds millisecond timestamps down to seconds. Some portals
// send one, some the other.
func normalizeEpoch(ts int64) int64 {
	if ts > 100_000_000_000 {
		return ts / 1000
	}
	return ts
}
