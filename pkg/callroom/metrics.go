package callroom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics метрики слоя оркестрации
type Metrics struct {
	callsActive       prometheus.Gauge
	callsTotal        *prometheus.CounterVec
	roomsActive       prometheus.Gauge
	reconciliations   *prometheus.CounterVec
	staleReplacements prometheus.Counter
	mediaFailures     *prometheus.CounterVec
	listenerPanics    *prometheus.CounterVec
	dndRejections     prometheus.Counter
	stateTransitions  *prometheus.CounterVec
}

// NewMetrics создает метрики и регистрирует их в reg.
// При reg == nil метрики создаются без регистрации.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const namespace, subsystem = "roomphone", "callroom"

	return &Metrics{
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calls_active",
			Help:      "Number of calls in the call registry",
		}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calls_total",
			Help:      "Total number of registered calls",
		}, []string{"direction"}),
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rooms_active",
			Help:      "Number of rooms in the room registry",
		}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconciliations_total",
			Help:      "Room reconciliations by resulting mode",
		}, []string{"mode"}),
		staleReplacements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_replacements_total",
			Help:      "Outgoing track replacements dropped because a newer reconciliation started",
		}),
		mediaFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "media_failures_total",
			Help:      "Failed media operations by operation",
		}, []string{"operation"}),
		listenerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "listener_panics_total",
			Help:      "Recovered listener panics by event kind",
		}, []string{"event"}),
		dndRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dnd_rejections_total",
			Help:      "Incoming calls rejected in do-not-disturb mode",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Call lifecycle transitions",
		}, []string{"from", "to"}),
	}
}

// Режимы реконсиляции
const (
	modeDeleted    = "deleted"
	modeHeld       = "held"
	modeActive     = "active"
	modeConference = "conference"
)

func (m *Metrics) observeRegistry(calls, rooms int) {
	m.callsActive.Set(float64(calls))
	m.roomsActive.Set(float64(rooms))
}
