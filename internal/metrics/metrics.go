// Package metrics defines the Prometheus collectors for the pipeline.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "videoqr"

type Metrics struct {
	registry prometheus.Gatherer

	uploadsAccepted prometheus.Counter
	uploadsRejected *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	jobsSkipped     prometheus.Counter
	framesDecoded   prometheus.Counter
	framesFailed    prometheus.Counter
	detections      prometheus.Counter
	jobDuration     prometheus.Histogram
	projected       *prometheus.CounterVec
	subscribers     prometheus.Gauge
}

// New registers the collectors on reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		uploadsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploads_accepted_total",
			Help: "Uploads accepted and queued for analysis.",
		}),
		uploadsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploads_rejected_total",
			Help: "Uploads rejected by validation, by rule.",
		}, []string{"rule"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_finished_total",
			Help: "Analysis jobs that reached a terminal status.",
		}, []string{"status"}),
		jobsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_skipped_total",
			Help: "Deliveries skipped because another worker held the video lease.",
		}),
		framesDecoded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_decoded_total",
			Help: "Sampled frames that were decoded successfully.",
		}),
		framesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_failed_total",
			Help: "Sampled frames skipped because decoding failed.",
		}),
		detections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "detections_total",
			Help: "Raw per-frame detections produced by workers.",
		}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Wall time from delivery to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		projected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "projected_messages_total",
			Help: "Messages applied to the job store by the projector, by kind.",
		}, []string{"kind"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fanout_subscribers",
			Help: "Connected push-channel subscribers that have joined a video.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) UploadAccepted() {
	if m != nil {
		m.uploadsAccepted.Inc()
	}
}

func (m *Metrics) UploadRejected(rule string) {
	if m != nil {
		m.uploadsRejected.WithLabelValues(rule).Inc()
	}
}

func (m *Metrics) JobFinished(status string, elapsed time.Duration) {
	if m != nil {
		m.jobsFinished.WithLabelValues(status).Inc()
		m.jobDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) JobSkipped() {
	if m != nil {
		m.jobsSkipped.Inc()
	}
}

func (m *Metrics) FrameDecoded(detections int) {
	if m != nil {
		m.framesDecoded.Inc()
		m.detections.Add(float64(detections))
	}
}

func (m *Metrics) FrameFailed() {
	if m != nil {
		m.framesFailed.Inc()
	}
}

func (m *Metrics) Projected(kind string) {
	if m != nil {
		m.projected.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}
