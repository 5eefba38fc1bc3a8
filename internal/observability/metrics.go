package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the call agent, plus a
// sliding sample window behind the perf endpoint.
type Metrics struct {
	ActiveCalls      prometheus.Gauge
	CallEvents       *prometheus.CounterVec
	SignalingFrames  *prometheus.CounterVec
	ValidationErrors *prometheus.CounterVec
	ConnectLatency   prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		stages: newStageWindow(256),
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of realtime calls currently connecting or connected.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		SignalingFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_frames_total",
			Help:      "Signaling frames by direction and type.",
		}, []string{"direction", "type"}),
		ValidationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Backend validation rejections by scope.",
		}, []string{"scope"}),
		ConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Latency from call start to connected in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000},
		}),
	}
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	m.ConnectLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("start_to_connected", float64(d.Milliseconds()))
}

// ObserveSetupStage records one call-setup stage duration in the perf window.
func (m *Metrics) ObserveSetupStage(stage string, d time.Duration) {
	if d < 0 {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// ObserveSetupIndicator counts a noteworthy setup event (rejections,
// disconnects) in the perf window.
func (m *Metrics) ObserveSetupIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

// SnapshotSetupStages reports recent stage latencies for the perf endpoint.
func (m *Metrics) SnapshotSetupStages() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
