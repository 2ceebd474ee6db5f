/*
Package storage persists txrelay events, subscriptions and notifications.

Two implementations satisfy the Store interface:

  - BoltStore keeps everything in a single bbolt file (<dataDir>/txrelay.db),
    one bucket per record kind, JSON values keyed by the big-endian bucket
    sequence. Ids therefore survive restarts and iterate in creation order.
  - MemoryStore is a mutex-guarded arena of id → record maps used by tests
    and by `txrelay serve --in-memory`.

	┌────────────── txrelay.db ──────────────┐
	│ events         (seq → Event JSON)      │
	│ subscriptions  (seq → Subscription)    │
	│ notifications  (seq → Notification)    │
	└────────────────────────────────────────┘

Components depend on the narrow interfaces. The transaction tracker only sees
EventStore, the subscription manager writes SubscriptionStore, and the
notification dispatcher writes NotificationStore. Read-modify-write sequences
are serialized by the owning component, not by the store.

Unknown ids yield an error wrapping types.ErrNotFound from Get and Update.
*/
package storage
