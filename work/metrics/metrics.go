package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveStreams tracks the live relay sessions per portal.
// A gauge: it rises when a playback starts and falls when the client leaves.
var ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "macbridge_active_streams",
	Help: "Number of live stream sessions",
}, []string{"portal"})

// BytesRelayed counts the MPEG-TS bytes piped from ffmpeg to clients per
// portal. Counter, only increases.
var BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "macbridge_bytes_relayed_total",
	Help: "Total bytes relayed to clients",
}, []string{"portal"})

// PortalErrors counts upstream portal failures by error kind (unreachable,
// auth_failed, throttled, no_link).
var PortalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "macbridge_portal_errors_total",
	Help: "Number of portal API failures by kind",
}, []string{"portal", "kind"})

// Failovers counts mid-stream MAC failovers per portal.
var Failovers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "macbridge_failovers_total",
	Help: "Number of playback attempts that moved to another MAC",
}, []string{"portal"})

// RefreshDuration observes how long catalog refreshes take per portal.
var RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "macbridge_refresh_duration_seconds",
	Help:    "Catalog refresh duration",
	Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
}, []string{"portal"})

// EPGIngestRows counts programme rows ingested per EPG source.
var EPGIngestRows = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "macbridge_epg_ingested_rows_total",
	Help: "Number of EPG programme rows ingested",
}, []string{"source"})
