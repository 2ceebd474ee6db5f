/*
Package broker connects txrelay to an AMQP 1.0 message broker.

The Gateway holds one connection and one session shared by every link. Both
the connection and the per-topic senders are created lazily; concurrent first
callers share a single creation through a singleflight group, so two
simultaneous SendMessage calls for a new topic open exactly one sender.

# Messages

Every message body is a JSON envelope:

	{"body": <payload>}

SendMessage stamps each message with a fresh uuid MessageID and returns it in
the Receipt. Sends are bounded by the configured send timeout.

# Listeners

Listen attaches a receiver with a credit window of one and settles every
message explicitly, exactly once:

	decode + validate fails ─► reject "validation error" (handler not called)
	handler returns error   ─► reject "processing error" + error text
	handler panics          ─► reject "processing error"
	handler returns nil     ─► accept

Payload structs are validated with govalidator `valid` tags:

	type SubmitRequest struct {
		Tags       []string `json:"tags" valid:"required"`
		WebhookURL string   `json:"webhookUrl" valid:"url,required"`
	}

Receive errors are logged and retried after a short pause. A message that
arrives without a delivery handle cannot be settled; the listener stops with
types.ErrNoDelivery.

# Shutdown

Shutdown stops receiving, waits for in-flight handlers (bounded by its
context), closes all receivers and senders concurrently, logging each failure,
and finally closes the connection. It runs once; later calls return nil.

	gw, err := broker.New(cfg.Broker)
	if errors.Is(err, types.ErrBrokerNotConfigured) {
		// run without a broker
	}
	defer gw.Shutdown(ctx)

	receipt, err := gw.SendMessage(ctx, broker.TopicTransactionsSubmit, req)
*/
package broker
