package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tabtime"

// Metrics groups the collectors shared by the daemon components. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	EventsReceived    *prometheus.CounterVec
	EventsScheduled   *prometheus.CounterVec
	EventsSuperseded  *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	EventsRetried     *prometheus.CounterVec
	EventsDispatched  *prometheus.CounterVec
	PendingEvents     prometheus.Gauge
	Transitions       *prometheus.CounterVec
	RecordWrites      *prometheus.CounterVec
	CreditedSeconds   prometheus.Counter
	SleepGaps         prometheus.Counter
	SleepGapSeconds   prometheus.Histogram
	SyncBatches       *prometheus.CounterVec
	SyncedRecords     prometheus.Counter
	Notifications     *prometheus.CounterVec
	MaintenanceErrors prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "received_total",
			Help: "Host events accepted by the normalizer.",
		}, []string{"kind"}),
		EventsScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "scheduled_total",
			Help: "Events scheduled for debounced dispatch.",
		}, []string{"kind"}),
		EventsSuperseded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "superseded_total",
			Help: "Pending events cancelled by a newer schedule.",
		}, []string{"kind"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Events dropped after validation or retry exhaustion.",
		}, []string{"kind", "reason"}),
		EventsRetried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "retried_total",
			Help: "Event processing attempts rescheduled after a transient failure.",
		}, []string{"kind"}),
		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dispatched_total",
			Help: "Events handed to the session tracker.",
		}, []string{"kind"}),
		PendingEvents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "pending",
			Help: "Events waiting for their debounce or retry timer.",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "transitions_total",
			Help: "Session state machine transitions.",
		}, []string{"from", "to"}),
		RecordWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "writes_total",
			Help: "Session record writes by mode and outcome.",
		}, []string{"mode", "outcome"}),
		CreditedSeconds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "credited_seconds_total",
			Help: "Seconds credited to session records.",
		}),
		SleepGaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sleep", Name: "gaps_total",
			Help: "Heartbeat gaps above the sleep threshold.",
		}),
		SleepGapSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sleep", Name: "gap_seconds",
			Help:    "Length of detected sleep gaps.",
			Buckets: []float64{300, 600, 1800, 3600, 4 * 3600, 12 * 3600},
		}),
		SyncBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "batches_total",
			Help: "Sync batches by outcome.",
		}, []string{"outcome"}),
		SyncedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "records_total",
			Help: "Completed records acknowledged by the sync consumer.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "published_total",
			Help: "Notifications by delivery result.",
		}, []string{"result"}),
		MaintenanceErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "maintenance", Name: "errors_total",
			Help: "Failed maintenance steps.",
		}),
	}
}

func (m *Metrics) Received(kind string) {
	if m != nil {
		m.EventsReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Scheduled(kind string) {
	if m != nil {
		m.EventsScheduled.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Superseded(kind string) {
	if m != nil {
		m.EventsSuperseded.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dropped(kind, reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(kind, reason).Inc()
	}
}

func (m *Metrics) Retried(kind string) {
	if m != nil {
		m.EventsRetried.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dispatched(kind string) {
	if m != nil {
		m.EventsDispatched.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingEvents.Set(float64(n))
	}
}

func (m *Metrics) Transition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) RecordWrite(mode, outcome string, credited int64) {
	if m == nil {
		return
	}
	m.RecordWrites.WithLabelValues(mode, outcome).Inc()
	if credited > 0 {
		m.CreditedSeconds.Add(float64(credited))
	}
}

func (m *Metrics) SleepGap(seconds float64) {
	if m == nil {
		return
	}
	m.SleepGaps.Inc()
	m.SleepGapSeconds.Observe(seconds)
}

func (m *Metrics) SyncBatch(outcome string, records int) {
	if m == nil {
		return
	}
	m.SyncBatches.WithLabelValues(outcome).Inc()
	if records > 0 {
		m.SyncedRecords.Add(float64(records))
	}
}

func (m *Metrics) Notified(result string) {
	if m != nil {
		m.Notifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) MaintenanceFailed() {
	if m != nil {
		m.MaintenanceErrors.Inc()
	}
}
