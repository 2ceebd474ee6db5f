/*
Package notification delivers stored events to subscription webhooks.

Every delivery lineage is one Notification row. The nonce is fixed when the
row is created (the subscription manager reserves it) and is repeated on every
retry, so receivers can order deliveries and drop duplicates.

# Delivery

	CreateNotifications ─► row{active, triesLeft=maxTries} ─► schedule(0)
	                                                              │
	        ┌─────────────────────────────────────────────────────┘
	        ▼
	  subscription expired? ── yes ─► orphaned (no HTTP call)
	        │ no
	        ▼
	  POST {type, scope, subscriptionId, nonce, payload}
	  X-Txrelay-Signature: sha256=<hmac of payload>
	        │
	  200 ──┴─► acknowledged
	  else ───► triesLeft-1 ── 0 ─► failed | timed_out
	                    └──── >0 ─► schedule(retryInterval), status stays active

The retry interval is fixed. Attempts never exceed the configured maximum and
triesLeft reaches exactly zero before a failure status is written.
*/
package notification
