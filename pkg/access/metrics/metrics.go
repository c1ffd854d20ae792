// Package metrics holds the Prometheus collectors of the access server.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors, registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Domain metrics.
	InvitationTransitionsTotal *prometheus.CounterVec
	PermissionDenialsTotal     *prometheus.CounterVec
	CatalogLookupsTotal        *prometheus.CounterVec
	ExpirySweepsTotal          *prometheus.CounterVec
}

// New creates and registers all metrics
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "access_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		InvitationTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_invitation_transitions_total",
			Help: "Invitation lifecycle events by outcome.",
		}, []string{"outcome"}),

		PermissionDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_permission_denials_total",
			Help: "Denied permission checks by rule.",
		}, []string{"rule"}),

		CatalogLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_catalog_lookups_total",
			Help: "Manage catalog lookups by result.",
		}, []string{"result"}),

		ExpirySweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_expiry_sweeps_total",
			Help: "Runs of the eager invitation expiry sweep by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InvitationTransitionsTotal,
		m.PermissionDenialsTotal,
		m.CatalogLookupsTotal,
		m.ExpirySweepsTotal,
	)

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and durations by route pattern
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// IncTransition counts an invitation event such as ACCEPTED or EMAIL_CONFLICT
func (m *Metrics) IncTransition(outcome string) {
	if m == nil {
		return
	}
	m.InvitationTransitionsTotal.WithLabelValues(outcome).Inc()
}

// AddTransitions counts n invitation events at once
func (m *Metrics) AddTransitions(outcome string, n int64) {
	if m == nil {
		return
	}
	m.InvitationTransitionsTotal.WithLabelValues(outcome).Add(float64(n))
}

// IncDenial counts a denied permission check
func (m *Metrics) IncDenial(rule string) {
	if m == nil {
		return
	}
	m.PermissionDenialsTotal.WithLabelValues(rule).Inc()
}

// IncSweep counts an expiry sweep run
func (m *Metrics) IncSweep(status string) {
	if m == nil {
		return
	}
	m.ExpirySweepsTotal.WithLabelValues(status).Inc()
}
