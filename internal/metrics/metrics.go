package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lighthook_events_published_total",
			Help: "Total number of events published.",
		},
		[]string{"event_type"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lighthook_deliveries_total",
			Help: "Total number of completed delivery attempts by status.",
		},
		[]string{"status"}, // succeeded, failed, abandoned
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lighthook_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lighthook_dropped_total",
			Help: "Total number of deliveries dropped before creation.",
		},
		[]string{"reason"}, // e.g. rate_limited
	)

	DeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lighthook_dead_lettered_total",
			Help: "Total number of abandoned deliveries published to the DLQ.",
		},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lighthook_delivery_duration_seconds",
			Help:    "Wall time of outbound delivery attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal, DeliveriesTotal, RetriesTotal,
		DroppedTotal, DeadLetteredTotal, DeliveryDuration,
	)
}

func RecordEventPublished(eventType string) {
	EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func RecordDelivery(status string) {
	DeliveriesTotal.WithLabelValues(status).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDrop(reason string) {
	DroppedTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLettered() {
	DeadLetteredTotal.Inc()
}
