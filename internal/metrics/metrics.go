package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Producer metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urbanfoodride_events_published_total",
			Help: "Events handed to the broker by topic and result",
		},
		[]string{"topic", "result"},
	)

	// Consumer metrics
	MessagesHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urbanfoodride_messages_handled_total",
			Help: "Consumed messages by group, topic and result",
		},
		[]string{"group", "topic", "result"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urbanfoodride_handler_duration_seconds",
			Help:    "Time spent in a single handler invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"group", "topic"},
	)

	DeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urbanfoodride_messages_dead_lettered_total",
			Help: "Messages routed to a dead-letter topic",
		},
		[]string{"group", "topic"},
	)

	// Outbox metrics
	OutboxRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urbanfoodride_outbox_relayed_total",
			Help: "Outbox rows relayed to the broker by result",
		},
		[]string{"result"},
	)

	// Correlation metrics
	DiscountsComputed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urbanfoodride_ride_discounts_total",
			Help: "Ride discounts applied by tier percent",
		},
		[]string{"percent"},
	)

	Ready = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "urbanfoodride_ready",
			Help: "Whether the pipeline finished its startup sequence (1 = ready)",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(MessagesHandled)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(DeadLettered)
	prometheus.MustRegister(OutboxRelayed)
	prometheus.MustRegister(DiscountsComputed)
	prometheus.MustRegister(Ready)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
