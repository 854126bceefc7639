// Package metrics exposes Prometheus collectors for the HTTP surface and the
// post-commit event queue.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinic/clinic/internal/platform/apperr"
)

type Metrics struct {
	registry        *prometheus.Registry
	Operations      *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	EventsDropped   prometheus.Counter
	EventDeliveries *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, so tests can build as
// many as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_operations_total",
			Help: "Business operations by route and outcome kind.",
		}, []string{"operation", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinic_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_events_dropped_total",
			Help: "Post-commit events dropped because the queue was full.",
		}),
		EventDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_event_deliveries_total",
			Help: "Post-commit deliveries by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}
	m.registry.MustRegister(
		m.Operations, m.RequestDuration, m.EventsDropped, m.EventDeliveries,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records latency and the outcome kind of every routed request.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			outcome := "ok"
			if err != nil {
				outcome = string(apperr.KindOf(err))
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
					outcome = "http_" + strconv.Itoa(he.Code)
				}
			}
			m.RequestDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
			m.Operations.WithLabelValues(c.Request().Method+" "+route, outcome).Inc()
			return err
		}
	}
}

func (m *Metrics) Delivery(sink string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EventDeliveries.WithLabelValues(sink, outcome).Inc()
}
