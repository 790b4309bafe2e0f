package chainsync

import (
	"github.com/MarcoPoloResearchLab/cupid/internal/checkpoint"
	"github.com/MarcoPoloResearchLab/cupid/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the synchronizer's prometheus collectors.
type Metrics struct {
	events           *prometheus.CounterVec
	checkpointHeight *prometheus.GaugeVec
	windows          *prometheus.CounterVec
	restarts         prometheus.Counter
	state            prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with registry.
// A nil registry yields working but unregistered collectors.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cupid_sync_events_total",
			Help: "Events handled by the chain synchronizer, by outcome",
		}, []string{"emitter", "event_kind", "outcome"}),
		checkpointHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cupid_sync_checkpoint_height",
			Help: "Last checkpointed block height per emitter and event kind",
		}, []string{"emitter", "event_kind"}),
		windows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cupid_sync_catchup_windows_total",
			Help: "Catch-up query windows completed",
		}, []string{"emitter", "event_kind"}),
		restarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "cupid_sync_restarts_total",
			Help: "Synchronizer cycles that ended and were restarted",
		}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cupid_sync_state",
			Help: "Current synchronizer state (0 uninitialized, 1 bootstrapping, 2 catching up, 3 live, 4 closing)",
		}),
	}
}

func (m *Metrics) observeBatch(key checkpoint.Key, result events.BatchResult) {
	m.events.WithLabelValues(key.Emitter, key.Kind, "applied").Add(float64(result.Applied))
	m.events.WithLabelValues(key.Emitter, key.Kind, "skipped").Add(float64(result.Skipped))
	m.events.WithLabelValues(key.Emitter, key.Kind, "failed").Add(float64(result.Failed))
}

func (m *Metrics) observeCheckpoint(key checkpoint.Key, height uint64) {
	m.checkpointHeight.WithLabelValues(key.Emitter, key.Kind).Set(float64(height))
}
