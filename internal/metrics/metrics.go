// Package metrics exposes Prometheus instrumentation for the frame pipeline
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Spatial-NVR/SafeDrive/internal/risk"
	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

const namespace = "safedrive"

// Metrics owns a registry and the SafeDrive collectors registered on it
type Metrics struct {
	registry *prometheus.Registry

	framesProcessed prometheus.Counter
	detections      prometheus.Counter
	activeTracks    prometheus.Gauge
	tracksByState   *prometheus.GaugeVec
	trackEvents     *prometheus.CounterVec
	recoveries      prometheus.Counter
	processSeconds  prometheus.Histogram
	ingestErrors    *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, along with the Go runtime
// and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Frames run through the tracking pipeline",
		}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detections accepted into the pipeline",
		}),
		activeTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tracks",
			Help:      "Tracks currently held by the lifecycle manager",
		}),
		tracksByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracks_by_state",
			Help:      "Tracks per risk state in the latest snapshot",
		}, []string{"state"}),
		trackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_events_total",
			Help:      "Track events emitted, by kind",
		}, []string{"kind"}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_recoveries_total",
			Help:      "Provisional ids replaced by a remembered stable id",
		}),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_process_seconds",
			Help:      "Time spent reconciling and tracking one frame",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ingestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Frame messages rejected by the ingestor, by reason",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesProcessed,
		m.detections,
		m.activeTracks,
		m.tracksByState,
		m.trackEvents,
		m.recoveries,
		m.processSeconds,
		m.ingestErrors,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFrame records one processed frame and the snapshot it produced
func (m *Metrics) ObserveFrame(detections, recovered int, snapshot []tracking.View, elapsed time.Duration) {
	m.framesProcessed.Inc()
	m.detections.Add(float64(detections))
	m.recoveries.Add(float64(recovered))
	m.processSeconds.Observe(elapsed.Seconds())
	m.activeTracks.Set(float64(len(snapshot)))

	counts := map[risk.State]int{risk.Safe: 0, risk.Warning: 0, risk.Danger: 0}
	for _, v := range snapshot {
		counts[v.State]++
	}
	for state, n := range counts {
		m.tracksByState.WithLabelValues(state.String()).Set(float64(n))
	}
}

// IngestError counts a rejected frame message
func (m *Metrics) IngestError(reason string) {
	m.ingestErrors.WithLabelValues(reason).Inc()
}

// OnTrackEvent implements tracking.Observer
func (m *Metrics) OnTrackEvent(ev tracking.Event) error {
	m.trackEvents.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}
