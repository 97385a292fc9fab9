package loopbridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by bridges, post queues and
// registries. All methods are safe to call on a nil receiver.
type Metrics struct {
	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	lockSessions  *prometheus.CounterVec
	lockHold      *prometheus.HistogramVec
	spuriousWakes *prometheus.CounterVec
	violations    *prometheus.CounterVec

	eventsPosted    prometheus.Counter
	eventsDelivered prometheus.Counter
	liveEnvelopes   prometheus.Gauge

	liveTasks  *prometheus.GaugeVec
	tasksFired *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loopbridge_calls_total",
				Help: "Total number of synchronous bridge calls",
			},
			[]string{"bridge"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loopbridge_call_duration_seconds",
				Help:    "Round trip duration of synchronous bridge calls",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"bridge"},
		),
		lockSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loopbridge_lock_sessions_total",
				Help: "Total number of lock sessions",
			},
			[]string{"bridge"},
		),
		lockHold: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loopbridge_lock_hold_seconds",
				Help:    "Duration the worker was parked in a lock session",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"bridge"},
		),
		spuriousWakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loopbridge_spurious_wakes_total",
				Help: "Wake-ups with no signal pending",
			},
			[]string{"bridge"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loopbridge_protocol_violations_total",
				Help: "Protocol violations detected",
			},
			[]string{"bridge", "op"},
		),
		eventsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopbridge_events_posted_total",
			Help: "Events posted to the UI loop",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopbridge_events_delivered_total",
			Help: "Posted events invoked on the UI loop",
		}),
		liveEnvelopes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loopbridge_live_envelopes",
			Help: "Posted events not yet released",
		}),
		liveTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loopbridge_live_tasks",
				Help: "Scheduled tasks not yet fired or cancelled",
			},
			[]string{"registry"},
		),
		tasksFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loopbridge_tasks_fired_total",
				Help: "Task invocations",
			},
			[]string{"registry"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.calls,
		m.callDuration,
		m.lockSessions,
		m.lockHold,
		m.spuriousWakes,
		m.violations,
		m.eventsPosted,
		m.eventsDelivered,
		m.liveEnvelopes,
		m.liveTasks,
		m.tasksFired,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) recordCall(bridge string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(bridge).Inc()
	m.callDuration.WithLabelValues(bridge).Observe(d.Seconds())
}

func (m *Metrics) recordLockSession(bridge string, held time.Duration) {
	if m == nil {
		return
	}
	m.lockSessions.WithLabelValues(bridge).Inc()
	m.lockHold.WithLabelValues(bridge).Observe(held.Seconds())
}

func (m *Metrics) recordSpuriousWake(bridge string) {
	if m == nil {
		return
	}
	m.spuriousWakes.WithLabelValues(bridge).Inc()
}

func (m *Metrics) recordViolation(bridge, op string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(bridge, op).Inc()
}

func (m *Metrics) recordPosted() {
	if m == nil {
		return
	}
	m.eventsPosted.Inc()
	m.liveEnvelopes.Inc()
}

func (m *Metrics) recordReleased(delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.eventsDelivered.Inc()
	}
	m.liveEnvelopes.Dec()
}

func (m *Metrics) setLiveTasks(registry string, n int) {
	if m == nil {
		return
	}
	m.liveTasks.WithLabelValues(registry).Set(float64(n))
}

func (m *Metrics) recordTaskFired(registry string) {
	if m == nil {
		return
	}
	m.tasksFired.WithLabelValues(registry).Inc()
}
