/*
Package metrics provides Prometheus metrics and health reporting for txrelay.

All collectors are package-level variables registered with the default
registry in init and exposed through Handler on /metrics.

# Metrics

	txrelay_subscriptions_created_total
	txrelay_handshakes_total{outcome}                 activated|retry|rejected|skipped_expired
	txrelay_subscription_transitions_total{status}
	txrelay_notifications_created_total
	txrelay_deliveries_total{outcome}                 acknowledged|retry|failed|timed_out|orphaned
	txrelay_webhook_request_duration_seconds{kind}    handshake|delivery
	txrelay_transactions_tracked
	txrelay_transaction_events_total{status}
	txrelay_broker_messages_sent_total{topic}
	txrelay_broker_messages_settled_total{queue, disposition}
	txrelay_broker_send_duration_seconds

Timer wraps time.Since for histogram observations:

	timer := metrics.NewTimer()
	resp, err := client.Do(req)
	timer.ObserveDurationVec(metrics.WebhookDuration, "delivery")

# Health

Components report their state with RegisterComponent/UpdateComponent.
GetHealth is unhealthy while any component is unhealthy. GetReadiness stays
not_ready until every critical component is registered and healthy: storage,
scheduler and api unless SetCriticalComponents says otherwise. The broker is
reported but optional.
*/
package metrics
