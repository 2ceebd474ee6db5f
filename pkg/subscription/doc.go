/*
Package subscription manages webhook subscriptions and their activation
handshake.

A subscription starts inactive. The manager proves the webhook is willing to
receive events by POSTing an empty request carrying a fresh secret in the
X-Txrelay-Handshake header. Only a 200 response echoing the same secret
activates the subscription; anything else consumes one try and reschedules
the handshake after the retry interval. When tries run out the subscription
is rejected.

	inactive ──handshake ok──► active ──BatchMarkAsDone──► done
	    │
	    └──tries exhausted──► rejected

Expired subscriptions are never contacted: their handshake is skipped and
Publish ignores them.

# Nonces

Each subscription carries the next nonce to hand out. Publish reserves one
nonce per matching subscription under the manager lock, so nonces are unique
and strictly increasing per subscription even under concurrent publishes.
AdvanceNonce lets a caller reserve leading nonces for notifications it
delivers itself.

# Usage

	mgr := subscription.NewManager(store, dispatcher, client, sched, subscription.Config{
		MaxTries:      5,
		RetryInterval: 5 * time.Second,
		TTL:           24 * time.Hour,
	})

	id, err := mgr.Create(ctx, subscription.CreateRequest{
		EventType:  types.EventTransactionStatus,
		EventScope: "42",
		WebhookURL: "https://example.com/hooks/tx",
	})
*/
package subscription
