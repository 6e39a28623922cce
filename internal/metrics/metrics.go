// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts settled trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bluechip_trades_total",
		Help: "Total number of trades settled",
	}, []string{"side"})

	// TradeLatency tracks settlement latency, retries included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bluechip_trade_latency_seconds",
		Help:    "Trade settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades that settled nothing, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bluechip_trade_rejections_total",
		Help: "Trades rejected by settlement",
	}, []string{"side", "reason"})

	// SettlementConflictRetries counts units of work rerun after losing a
	// race with a concurrent trade.
	SettlementConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bluechip_settlement_conflict_retries_total",
		Help: "Settlement attempts retried after a concurrency conflict",
	})

	// ShareVolume tracks cumulative shares traded.
	ShareVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bluechip_share_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"side"})

	// SupplyAfterTrade is the distribution of a post's shares_sold right
	// after each settled trade. Labelled by side only, so series stay
	// bounded however many posts are listed.
	SupplyAfterTrade = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bluechip_post_supply_after_trade",
		Help:    "Shares outstanding on the traded post after settlement",
		Buckets: prometheus.LinearBuckets(10, 10, 10),
	}, []string{"side"})

	// PostsCreated counts listed posts.
	PostsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bluechip_posts_created_total",
		Help: "Number of posts listed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bluechip_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventPublishFailures counts settled trades that could not be published.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bluechip_event_publish_failures_total",
		Help: "Trade events that failed to publish",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bluechip_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bluechip_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route (e.g. /posts/{postID}) so IDs
// do not become label values. Unrouted requests share one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through to the wrapped writer so WebSocket upgrades work
// behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
