package dispatch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"macbridge/work/logger"
)

// stbUserAgent mirrors what the portals expect; some CDNs validate it on the
// stream URL as well.
const stbUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"

// looksLikeHLS guesses from the URL whether a playlist fetch is worth it.
// Raw MPEG-TS URLs must not be probed: reading them consumes the stream slot.
func looksLikeHLS(streamURL string) bool {
	u, err := url.Parse(streamURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	return strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".m3u") ||
		strings.Contains(strings.ToLower(u.RawQuery), "m3u8")
}

// ResolveVariant follows an HLS master playlist down to its best variant so
// ffmpeg gets handed a media playlist directly. Non-HLS URLs, media playlists
// and anything that fails to parse come back unchanged; variant selection is
// an optimization, never a gate.
func ResolveVariant(ctx context.Context, client *http.Client, streamURL string) string {
	if !looksLikeHLS(streamURL) {
		return streamURL
	}

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return streamURL
	}
	req.Header.Set("User-Agent", stbUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		logger.Debug("{dispatch/hls - ResolveVariant} Playlist fetch failed: %v", err)
		return streamURL
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return streamURL
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, false)
	if err != nil {
		logger.Debug("{dispatch/hls - ResolveVariant} Playlist parse failed: %v", err)
		return streamURL
	}
	if listType != m3u8.MASTER {
		return streamURL
	}

	master := playlist.(*m3u8.MasterPlaylist)
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return streamURL
	}

	// relative variant URIs resolve against the playlist's final URL so
	// redirects are honored
	base := resp.Request.URL
	ref, err := url.Parse(best.URI)
	if err != nil {
		return streamURL
	}
	resolved := base.ResolveReference(ref).String()
	logger.Debug("{dispatch/hls - ResolveVariant} Selected variant %d bps", best.Bandwidth)
	return resolved
}
