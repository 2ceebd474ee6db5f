package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Subscription metrics
	SubscriptionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txrelay_subscriptions_created_total",
			Help: "Total number of webhook subscriptions created",
		},
	)

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txrelay_handshakes_total",
			Help: "Total number of handshake attempts by outcome",
		},
		[]string{"outcome"},
	)

	SubscriptionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txrelay_subscription_transitions_total",
			Help: "Total number of subscription status transitions by target status",
		},
		[]string{"status"},
	)

	// Notification metrics
	NotificationsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txrelay_notifications_created_total",
			Help: "Total number of notifications created",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txrelay_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	WebhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txrelay_webhook_request_duration_seconds",
			Help:    "Webhook request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Transaction metrics
	TransactionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "txrelay_transactions_tracked",
			Help: "Number of submitted transactions that have not reached a terminal status",
		},
	)

	TransactionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txrelay_transaction_events_total",
			Help: "Total number of transaction status-change events by status",
		},
		[]string{"status"},
	)

	// Broker metrics
	BrokerMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txrelay_broker_messages_sent_total",
			Help: "Total number of messages sent to the broker by topic",
		},
		[]string{"topic"},
	)

	BrokerMessagesSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txrelay_broker_messages_settled_total",
			Help: "Total number of inbound broker messages by queue and disposition",
		},
		[]string{"queue", "disposition"},
	)

	BrokerSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txrelay_broker_send_duration_seconds",
			Help:    "Broker send duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(SubscriptionsCreated)
	prometheus.MustRegister(HandshakesTotal)
	prometheus.MustRegister(SubscriptionTransitions)
	prometheus.MustRegister(NotificationsCreated)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(WebhookDuration)
	prometheus.MustRegister(TransactionsTracked)
	prometheus.MustRegister(TransactionEvents)
	prometheus.MustRegister(BrokerMessagesSent)
	prometheus.MustRegister(BrokerMessagesSettled)
	prometheus.MustRegister(BrokerSendDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a histogram vec
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
