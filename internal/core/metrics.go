package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives operation outcomes, stream lifetimes and archive
// failures.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, code Code, duration time.Duration)
	StreamOpened(stream string)
	StreamClosed(stream string)
	ArchiveFailed()
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, Code, time.Duration) {}
func (noopMetrics) StreamOpened(string)                                 {}
func (noopMetrics) StreamClosed(string)                                 {}
func (noopMetrics) ArchiveFailed()                                      {}

// PrometheusRecorder exports the recorder as Prometheus collectors.
type PrometheusRecorder struct {
	operations      *prometheus.CounterVec
	durations       *prometheus.HistogramVec
	streams         *prometheus.GaugeVec
	archiveFailures prometheus.Counter
}

// NewPrometheusRecorder registers the collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "register_operations_total",
			Help: "Service operations by outcome.",
		}, []string{"operation", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "register_operation_duration_seconds",
			Help:    "Service operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "register_active_streams",
			Help: "Open Search and Watch streams.",
		}, []string{"stream"}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "register_signature_archive_failures_total",
			Help: "Signatures committed to the store but not archived.",
		}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.durations, r.streams, r.archiveFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) Observe(_ context.Context, operation string, code Code, duration time.Duration) {
	if operation == "" {
		return
	}
	r.operations.WithLabelValues(operation, string(code)).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) StreamOpened(stream string) { r.streams.WithLabelValues(stream).Inc() }
func (r *PrometheusRecorder) StreamClosed(stream string) { r.streams.WithLabelValues(stream).Dec() }
func (r *PrometheusRecorder) ArchiveFailed()             { r.archiveFailures.Inc() }
