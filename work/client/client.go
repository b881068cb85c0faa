// Package client builds the shared outbound HTTP client used for everything
// that is not a portal API call: EPG downloads, HLS master playlist probes.
// Portal calls carry their own client with STB headers and rate limiting.
package client

import (
	"net/http"
	"time"
)

// New returns a tuned outbound client. No overall timeout: EPG feeds can be
// hundreds of megabytes and stream probes are bounded by context instead.
// ResponseHeaderTimeout keeps a dead upstream from hanging a request forever.
func New() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}
