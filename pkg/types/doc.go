/*
Package types defines the data model shared by every txrelay component.

The package has no dependencies on other txrelay packages. It holds the
records persisted by the storage layer, the status enumerations that drive the
subscription and notification state machines, and the sentinel errors callers
match with errors.Is.

# Records

	Event         {ID, Type, Scope, Payload, CreatedAt}          immutable
	Subscription  {ID, EventType, EventScope, WebhookURL, Status,
	               TTL, CreatedAt, TriesLeft, NextNonce, LegitimacySecret}
	Notification  {ID, SubscriptionID, EventID, Status, TriesLeft,
	               Nonce, CreatedAt}

Ids are auto-incremented by the store and exposed as decimal strings through
FormatID and ParseID.

# State Machines

Subscriptions:

	inactive ──handshake ok──────────► active ──terminal tx / batch──► done
	    │
	    └──handshake tries exhausted──► rejected

An active subscription whose TTL elapsed keeps its status; expiry is evaluated
lazily with IsExpired when something is about to be sent.

Notifications:

	active ──HTTP 200──────────► acknowledged
	   │
	   ├──subscription expired──► orphaned
	   └──tries exhausted───────► failed | timed_out

Only Status and TriesLeft may change after creation. SubscriptionPatch and
NotificationPatch encode that whitelist.

# Transaction Status

TransactionStatus mirrors the states reported by the blockchain SDK. The
predicates IsTerminal, IsSigned, IsIncluded and HasError decide which fields a
status-change payload carries.
*/
package types
