// Package metrics exposes Prometheus collectors for the tracker service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	channelsCrawledTotal       *prometheus.CounterVec
	featuredExpansionsTotal    *prometheus.CounterVec
	domainsLinkedTotal         *prometheus.CounterVec
	commentsScannedTotal       prometheus.Counter
	commentsRetainedTotal      prometheus.Counter
	botsFlaggedTotal           prometheus.Counter
	gateRejectionsTotal        *prometheus.CounterVec
	upstreamCallSeconds        *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeCrawls               prometheus.Gauge
	graphEventsTotal           *prometheus.CounterVec
	graphEventsDroppedTotal    prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		channelsCrawledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botnet_channels_crawled_total",
				Help: "Channel pipeline runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		featuredExpansionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botnet_featured_expansions_total",
				Help: "Featured-channel references seen, labeled by what happened to them.",
			},
			[]string{"result"},
		)

		domainsLinkedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botnet_domains_linked_total",
				Help: "Channel-to-domain links written, labeled by how the domain was found.",
			},
			[]string{"source"},
		)

		commentsScannedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botnet_comments_scanned_total",
				Help: "Comments read from the platform.",
			},
		)

		commentsRetainedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botnet_comments_retained_total",
				Help: "Comments by watched authors that were stored.",
			},
		)

		botsFlaggedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botnet_bots_flagged_total",
				Help: "Comment authors promoted into the graph as bots.",
			},
		)

		gateRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botnet_gate_rejections_total",
				Help: "Comments rejected by the bot heuristic, labeled by gate.",
			},
			[]string{"gate"},
		)

		upstreamCallSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botnet_upstream_call_seconds",
				Help:    "Latency of calls to external collaborators, labeled by call and status.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"call", "status"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botnet_rate_limit_delay_seconds",
				Help:    "Time spent waiting on a client-side rate limiter, labeled by upstream.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"upstream"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "botnet_active_crawls",
				Help: "Channel pipelines currently in flight.",
			},
		)

		graphEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botnet_graph_events_total",
				Help: "Graph events delivered to sinks, labeled by type.",
			},
			[]string{"type"},
		)

		graphEventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botnet_graph_events_dropped_total",
				Help: "Graph events dropped because the event buffer was full.",
			},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveChannelCrawl counts one channel pipeline run.
func ObserveChannelCrawl(outcome string) {
	Init()
	channelsCrawledTotal.WithLabelValues(outcome).Inc()
}

// ObserveFeatured counts featured references by result
// (expanded, visited, truncated, failed).
func ObserveFeatured(result string, n int) {
	if n <= 0 {
		return
	}
	Init()
	featuredExpansionsTotal.WithLabelValues(result).Add(float64(n))
}

// ObserveDomainLinked counts a channel-to-domain link.
func ObserveDomainLinked(source string) {
	Init()
	domainsLinkedTotal.WithLabelValues(source).Inc()
}

// ObserveCommentPage counts the comments read and retained from one page.
func ObserveCommentPage(scanned, retained int) {
	Init()
	commentsScannedTotal.Add(float64(scanned))
	commentsRetainedTotal.Add(float64(retained))
}

// ObserveBotFlagged counts a promoted bot.
func ObserveBotFlagged() {
	Init()
	botsFlaggedTotal.Inc()
}

// ObserveGateRejection counts a heuristic rejection at the named gate.
func ObserveGateRejection(gate string) {
	Init()
	gateRejectionsTotal.WithLabelValues(gate).Inc()
}

// ObserveUpstreamCall records the latency of an external call.
func ObserveUpstreamCall(call string, err error, duration time.Duration) {
	Init()
	status := "ok"
	if err != nil {
		status = "error"
	}
	upstreamCallSeconds.WithLabelValues(call, status).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records how long a call waited for a rate-limit token.
func ObserveRateLimitDelay(upstream string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(upstream).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveCrawls increments the in-flight pipeline gauge.
func IncActiveCrawls() {
	Init()
	activeCrawls.Inc()
}

// DecActiveCrawls decrements the in-flight pipeline gauge.
func DecActiveCrawls() {
	Init()
	activeCrawls.Dec()
}

// ObserveGraphEvent counts a delivered graph event.
func ObserveGraphEvent(eventType string) {
	Init()
	graphEventsTotal.WithLabelValues(eventType).Inc()
}

// ObserveEventsDropped counts graph events lost to backpressure.
func ObserveEventsDropped(n int) {
	Init()
	graphEventsDroppedTotal.Add(float64(n))
}
