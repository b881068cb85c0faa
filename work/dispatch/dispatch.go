// Package dispatch turns a playback request into a running relay: pick a
// MAC, ask the portal for a link, launch ffmpeg, and pipe MPEG-TS to the
// client. When a MAC refuses to produce a stream the dispatcher fails over
// to the next candidate; once output has reached the client the session is
// pinned to its MAC and a dying source ends the response.
package dispatch

import (
	"context"
	"net"
	"net/http"
	"time"

	"macbridge/work/cache"
	"macbridge/work/client"
	"macbridge/work/config"
	"macbridge/work/database"
	"macbridge/work/logger"
	"macbridge/work/metrics"
	"macbridge/work/portal"
	"macbridge/work/scheduler"
	"macbridge/work/sessions"
)

// LinkResolver is the slice of the portal client playback needs.
type LinkResolver interface {
	GetLink(ctx context.Context, cmd string) (string, error)
}

// LinkFactory builds a portal client for one MAC. Tests substitute fakes.
type LinkFactory func(portalID string, p *config.Portal, mac string) (LinkResolver, error)

// NewLinkFactory returns the production factory.
func NewLinkFactory(settings *config.Settings) LinkFactory {
	return func(portalID string, p *config.Portal, mac string) (LinkResolver, error) {
		return portal.NewClient(p.URL, mac, portal.Options{
			Proxy:   p.Proxy,
			Timeout: time.Duration(settings.PortalTimeout) * time.Second,
			Limiter: portal.LimiterFor(portalID),
		})
	}
}

// tryResult is the outcome of one MAC attempt.
type tryResult int

const (
	// trySuccess: the stream ran and ended because the client went away.
	trySuccess tryResult = iota
	// tryRetryWithNext: this MAC cannot serve right now, move down the list.
	tryRetryWithNext
	// tryFatal: stop entirely. The client is gone, we are shutting down, or
	// stream bytes already reached the client and splicing another MAC's
	// stream into the same response would corrupt it; the client reconnects
	// and gets a fresh attempt.
	tryFatal
)

// Dispatcher owns playback. One instance serves the whole process.
type Dispatcher struct {
	db         *database.DB
	table      *sessions.Table
	snapshots  *cache.Snapshots
	factory    LinkFactory
	httpClient *http.Client
	ffmpegBin  string

	now func() time.Time
}

// NewDispatcher wires a dispatcher. ffmpegBin is the relay binary path.
func NewDispatcher(db *database.DB, table *sessions.Table, snapshots *cache.Snapshots, factory LinkFactory, ffmpegBin string) *Dispatcher {
	return &Dispatcher{
		db:         db,
		table:      table,
		snapshots:  snapshots,
		factory:    factory,
		httpClient: client.New(),
		ffmpegBin:  ffmpegBin,
		now:        time.Now,
	}
}

// Sessions exposes the live session table.
func (d *Dispatcher) Sessions() *sessions.Table {
	return d.table
}

// ServeChannel handles one playback request end to end. The response is
// either a continuous MPEG-TS body, a 404 for unknown or hidden channels, a
// 503 when every MAC is busy, or a 502 when no MAC could produce a stream.
func (d *Dispatcher) ServeChannel(w http.ResponseWriter, r *http.Request, portalID, channelID string) {
	cfg := config.Get()
	p, ok := cfg.Portals[portalID]
	if !ok || !p.Enabled {
		http.NotFound(w, r)
		return
	}

	ch, err := database.GetChannel(d.db, portalID, channelID)
	if err != nil {
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}
	if ch == nil || !ch.Enabled || ch.MissingSince != 0 || ch.IsHeader {
		http.NotFound(w, r)
		return
	}
	if !d.channelVisible(portalID, channelID) {
		// the channel exists but its group is toggled off
		http.NotFound(w, r)
		return
	}

	available := ch.AvailableMACs
	if len(available) == 0 {
		available = nil // fall back to every configured MAC
	}
	candidates := scheduler.Rank(portalID, p, available, d.table, scheduler.WeightsFrom(cfg.Settings), d.now())
	if len(candidates) == 0 {
		http.Error(w, "all MACs busy or expired", http.StatusServiceUnavailable)
		return
	}

	client := clientAddr(r)
	name := ch.EffectiveDisplayName()
	logger.Info("{dispatch/dispatch - ServeChannel} %s requested %s/%s (%s), %d candidate MACs",
		client, portalID, channelID, name, len(candidates))

	headerSent := false
	for i, mac := range candidates {
		if i > 0 {
			metrics.Failovers.WithLabelValues(portalID).Inc()
			logger.Warn("{dispatch/dispatch - ServeChannel} Failing over %s/%s to MAC %s", portalID, channelID, mac)
		}
		switch d.tryMAC(w, r, cfg.Settings, p, ch, portalID, mac, client, name, &headerSent) {
		case trySuccess, tryFatal:
			return
		case tryRetryWithNext:
			continue
		}
	}

	if !headerSent {
		logger.Warn("{dispatch/dispatch - ServeChannel} No MAC produced a stream for %s/%s", portalID, channelID)
		http.Error(w, "upstream produced no stream", http.StatusBadGateway)
	}
}

// channelVisible answers the group-visibility check from the portal's cached
// active channel id set, loading it on a miss. Group toggles and catalog
// refreshes invalidate the set; it also ages out on its own TTL. Fails open:
// a catalog read error never blocks playback of an otherwise valid channel.
func (d *Dispatcher) channelVisible(portalID, channelID string) bool {
	if d.snapshots == nil {
		return true
	}
	ids, ok := d.snapshots.ActiveChannels(portalID)
	if !ok {
		rows, err := database.ListActiveChannels(d.db, []string{portalID})
		if err != nil {
			logger.Warn("{dispatch/dispatch - channelVisible} Active channel lookup failed for %s: %v", portalID, err)
			return true
		}
		ids = make([]string, 0, len(rows))
		for _, ch := range rows {
			ids = append(ids, ch.ChannelID)
		}
		d.snapshots.SetActiveChannels(portalID, ids)
	}
	for _, id := range ids {
		if id == channelID {
			return true
		}
	}
	return false
}

// tryMAC runs one full attempt on one MAC: slot reservation, link
// resolution, ffmpeg startup, piping.
func (d *Dispatcher) tryMAC(w http.ResponseWriter, r *http.Request, settings *config.Settings, p *config.Portal, ch *database.ChannelRow, portalID, mac, client, name string, headerSent *bool) tryResult {
	ctx := r.Context()
	if ctx.Err() != nil {
		return tryFatal
	}

	sess := d.table.Reserve(portalID, p.Name, ch.ChannelID, name, mac, client, p.StreamLimit(mac))
	if sess == nil {
		return tryRetryWithNext
	}
	metrics.ActiveStreams.WithLabelValues(portalID).Inc()
	defer func() {
		d.table.Release(sess.ID)
		metrics.ActiveStreams.WithLabelValues(portalID).Dec()
	}()

	streamURL, res := d.resolveURL(ctx, p, ch, portalID, mac)
	if res != trySuccess {
		return res
	}
	streamURL = ResolveVariant(ctx, d.httpClient, streamURL)

	timeout := time.Duration(settings.PortalTimeout) * time.Second
	proc, err := StartProcess(ctx, d.ffmpegBin, settings.FFmpegCommand, streamURL, p.Proxy, timeout)
	if err != nil {
		logger.Warn("{dispatch/dispatch - tryMAC} Relay start failed via %s: %v", mac, err)
		return tryRetryWithNext
	}
	killGrace := time.Duration(settings.KillGrace) * time.Second
	defer proc.Stop(killGrace)

	return d.pipe(ctx, w, proc, sess, settings, portalID, mac, headerSent)
}

// resolveURL turns the channel cmd into a playable URL, via create_link when
// the portal demands it.
func (d *Dispatcher) resolveURL(ctx context.Context, p *config.Portal, ch *database.ChannelRow, portalID, mac string) (string, tryResult) {
	if !portal.NeedsLink(ch.Cmd) {
		u := portal.DirectURL(ch.Cmd)
		if u == "" {
			return "", tryRetryWithNext
		}
		return u, trySuccess
	}

	resolver, err := d.factory(portalID, p, mac)
	if err != nil {
		return "", tryRetryWithNext
	}

	// refresh the MAC record from the profile while we hold a token anyway
	if prober, ok := resolver.(interface {
		GetProfile(ctx context.Context) (*portal.Profile, error)
	}); ok {
		if prof, err := prober.GetProfile(ctx); err == nil {
			config.Mutate(func(*config.Config) {
				if m, known := p.MACs[mac]; known && m != nil {
					m.WatchdogTimeout = prof.WatchdogTimeout
					if prof.PlaybackLimit > 0 {
						m.PlaybackLimit = prof.PlaybackLimit
					}
				}
			})
		}
	}

	u, err := resolver.GetLink(ctx, ch.Cmd)
	if err != nil {
		if ctx.Err() != nil {
			return "", tryFatal
		}
		metrics.PortalErrors.WithLabelValues(portalID, portal.KindOf(err).String()).Inc()
		logger.Warn("{dispatch/dispatch - resolveURL} create_link via %s failed: %v", mac, err)
		return "", tryRetryWithNext
	}
	return u, trySuccess
}

type readChunk struct {
	n   int
	err error
}

// pipe copies ffmpeg stdout to the client. The first chunk must arrive
// within the startup grace or the attempt counts as failed and the next MAC
// gets a try. Once output has reached the client the attempt is committed:
// the relay runs until the source dies or the client leaves, and either way
// the response ends.
func (d *Dispatcher) pipe(ctx context.Context, w http.ResponseWriter, proc *Process, sess *sessions.Session, settings *config.Settings, portalID, mac string, headerSent *bool) tryResult {
	grace := time.Duration(settings.StartupGrace) * time.Second
	if grace <= 0 {
		grace = 3 * time.Second
	}

	stdout := proc.Stdout()
	buf := make([]byte, 32*1024)

	first := make(chan readChunk, 1)
	go func() {
		n, err := stdout.Read(buf)
		first <- readChunk{n, err}
	}()

	var chunk readChunk
	select {
	case chunk = <-first:
	case <-time.After(grace):
		logger.Warn("{dispatch/dispatch - pipe} No output within %s via %s, stderr: %s",
			grace, mac, lastLine(proc.StderrTail()))
		return tryRetryWithNext
	case <-ctx.Done():
		return tryFatal
	}
	if chunk.n == 0 {
		logger.Warn("{dispatch/dispatch - pipe} Relay exited before producing output via %s, stderr: %s",
			mac, lastLine(proc.StderrTail()))
		return tryRetryWithNext
	}

	if !*headerSent {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		*headerSent = true
	}
	flusher, _ := w.(http.Flusher)

	write := func(n int) bool {
		if n <= 0 {
			return true
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		sess.AddBytes(int64(n))
		metrics.BytesRelayed.WithLabelValues(portalID).Add(float64(n))
		return true
	}

	if !write(chunk.n) {
		return trySuccess
	}
	if chunk.err != nil {
		logger.Warn("{dispatch/dispatch - pipe} Stream ended via %s after %d bytes, stderr: %s",
			mac, sess.Bytes(), lastLine(proc.StderrTail()))
		return tryFatal
	}

	for {
		if ctx.Err() != nil {
			return trySuccess
		}
		n, err := stdout.Read(buf)
		if !write(n) {
			return trySuccess
		}
		if err != nil {
			// the source died while the client is still connected; the
			// response already carries this stream's bytes, so it ends here
			logger.Warn("{dispatch/dispatch - pipe} Stream ended via %s after %d bytes, stderr: %s",
				mac, sess.Bytes(), lastLine(proc.StderrTail()))
			return tryFatal
		}
	}
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return "(none)"
	}
	return lines[len(lines)-1]
}

// clientAddr strips the port from the request's remote address.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
