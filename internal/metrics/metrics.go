package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the ingestion pipeline
type Metrics struct {
	SamplesAccepted    *prometheus.CounterVec
	SamplesRejected    *prometheus.CounterVec
	ValidationWarnings *prometheus.CounterVec
	SequenceGaps       prometheus.Counter
	SequenceDuplicates prometheus.Counter
	AlertsCreated      *prometheus.CounterVec
	AlertsDeduplicated prometheus.Counter
	AlertsDiscarded    prometheus.Counter
	EventsFailed       prometheus.Counter
	QueueDepth         prometheus.Gauge
	DevicesByStatus    *prometheus.GaugeVec
}

// New creates the collectors and registers them with the given registerer
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "samples_accepted_total",
			Help:      "Telemetry samples accepted by the ingestion pipeline.",
		}, []string{"kind"}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "samples_rejected_total",
			Help:      "Telemetry samples rejected at the request boundary.",
		}, []string{"reason"}),
		ValidationWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "validation_warnings_total",
			Help:      "Non-blocking validation warnings attached to accepted samples.",
		}, []string{"warning"}),
		SequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "sequence_gaps_total",
			Help:      "Sequence gaps detected across all devices.",
		}),
		SequenceDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "sequence_duplicates_total",
			Help:      "Duplicate sequence numbers detected across all devices.",
		}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "alerts_created_total",
			Help:      "Alerts persisted by the event processor.",
		}, []string{"type", "severity"}),
		AlertsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "alerts_deduplicated_total",
			Help:      "Alert candidates suppressed by idempotency checks.",
		}),
		AlertsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "alerts_discarded_total",
			Help:      "Alert candidates discarded below the confidence floor.",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "events_failed_total",
			Help:      "Queue events routed to the failure sink after exhausted retries.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetry",
			Name:      "processor_queue_depth",
			Help:      "Events currently in flight in the processor worker pool.",
		}),
		DevicesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "telemetry",
			Name:      "devices_by_connectivity",
			Help:      "Tracked devices per connectivity status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.SamplesAccepted,
		m.SamplesRejected,
		m.ValidationWarnings,
		m.SequenceGaps,
		m.SequenceDuplicates,
		m.AlertsCreated,
		m.AlertsDeduplicated,
		m.AlertsDiscarded,
		m.EventsFailed,
		m.QueueDepth,
		m.DevicesByStatus,
	)

	return m
}

// NewNop creates unregistered collectors for tests
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
