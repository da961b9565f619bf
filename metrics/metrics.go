// Package metrics records capture run statistics in a Prometheus registry
// that can be written out for the node exporter textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the metrics of one run.
type Recorder struct {
	registry *prometheus.Registry

	captures        *prometheus.CounterVec
	captureDuration *prometheus.HistogramVec
	sessions        *prometheus.CounterVec
	jobReports      *prometheus.CounterVec
	lastRun         prometheus.Gauge
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		captures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capium",
				Subsystem: "capture",
				Name:      "pages_total",
				Help:      "Pages processed, by target and result",
			},
			[]string{"target", "result"},
		),
		captureDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "capium",
				Subsystem: "capture",
				Name:      "duration_seconds",
				Help:      "Time spent capturing one page",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
			},
			[]string{"target"},
		),
		sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capium",
				Subsystem: "session",
				Name:      "total",
				Help:      "Browser sessions, by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		jobReports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capium",
				Subsystem: "report",
				Name:      "jobs_total",
				Help:      "Cloud job status updates, by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "capium",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveCapture records one page result.
func (r *Recorder) ObserveCapture(target, result string, d time.Duration) {
	r.captures.WithLabelValues(target, result).Inc()
	r.captureDuration.WithLabelValues(target).Observe(d.Seconds())
}

// ObserveSession records a session build outcome.
func (r *Recorder) ObserveSession(provider, outcome string) {
	r.sessions.WithLabelValues(provider, outcome).Inc()
}

// ObserveJobReport records a cloud job update outcome.
func (r *Recorder) ObserveJobReport(provider, outcome string) {
	r.jobReports.WithLabelValues(provider, outcome).Inc()
}

// WriteTextfile stamps the run completion time and writes every metric to path.
func (r *Recorder) WriteTextfile(path string) error {
	r.lastRun.SetToCurrentTime()
	return prometheus.WriteToTextfile(path, r.registry)
}
