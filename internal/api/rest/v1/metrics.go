package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks handled requests and response bytes per route.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

// NewMetrics creates the metric set on a private registry so the
// daemon only exposes its own series.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rookpkg_repod_requests_total",
			Help: "HTTP requests handled, by route and status code.",
		}, []string{"route", "status"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rookpkg_repod_bytes_served_total",
			Help: "Response body bytes served, by route.",
		}, []string{"route"}),
	}
}

// Middleware records each request after the handler chain completes.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, strconv.Itoa(ctx.Writer.Status())).Inc()
		if size := ctx.Writer.Size(); size > 0 {
			m.bytes.WithLabelValues(route).Add(float64(size))
		}
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
