// Package prom exports tunnel metrics to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/svnoak/yats/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// TunnelObserver exports tunnel metrics to Prometheus.
type TunnelObserver struct {
	sessionGauge    prometheus.Gauge
	pendingGauge    prometheus.Gauge
	attachTotal     *prometheus.CounterVec
	closeTotal      *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency prometheus.Histogram
}

// NewTunnelObserver registers tunnel metrics on the registry.
func NewTunnelObserver(reg *prometheus.Registry) *TunnelObserver {
	o := &TunnelObserver{
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yats_sessions",
			Help: "Current number of registered client tunnel sessions.",
		}),
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yats_pending_requests",
			Help: "Current number of in-flight requests awaiting a response.",
		}),
		attachTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yats_attach_total",
			Help: "Handshake attempts by result and reason.",
		}, []string{"result", "reason"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yats_session_close_total",
			Help: "Tunnel session close reasons.",
		}, []string{"reason"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yats_dispatch_total",
			Help: "Forwarded public request outcomes.",
		}, []string{"result"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "yats_dispatch_latency_seconds",
			Help:    "Latency from dispatch to response (or timeout) for a forwarded request.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		o.sessionGauge,
		o.pendingGauge,
		o.attachTotal,
		o.closeTotal,
		o.dispatchTotal,
		o.dispatchLatency,
	)
	return o
}

func (o *TunnelObserver) SessionCount(n int) {
	o.sessionGauge.Set(float64(n))
}

func (o *TunnelObserver) PendingCount(n int) {
	o.pendingGauge.Set(float64(n))
}

func (o *TunnelObserver) Attach(result observability.AttachResult, reason observability.AttachReason) {
	o.attachTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *TunnelObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *TunnelObserver) Dispatch(result observability.DispatchResult) {
	o.dispatchTotal.WithLabelValues(string(result)).Inc()
}

func (o *TunnelObserver) DispatchLatency(d time.Duration) {
	o.dispatchLatency.Observe(d.Seconds())
}
