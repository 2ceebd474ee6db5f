package storage

import (
	"github.com/cuemby/txrelay/pkg/types"
)

// EventStore persists immutable events. Create assigns event.ID.
type EventStore interface {
	CreateEvent(event *types.Event) error
	GetEvent(id uint64) (*types.Event, error)
}

// SubscriptionStore persists webhook subscriptions. Create assigns sub.ID.
type SubscriptionStore interface {
	CreateSubscription(sub *types.Subscription) error
	GetSubscription(id uint64) (*types.Subscription, error)
	ListSubscriptions() ([]*types.Subscription, error)
	UpdateSubscription(sub *types.Subscription) error
}

// NotificationStore persists notification delivery state. Create assigns n.ID.
type NotificationStore interface {
	CreateNotification(n *types.Notification) error
	GetNotification(id uint64) (*types.Notification, error)
	ListNotificationsBySubscription(subscriptionID uint64) ([]*types.Notification, error)
	ListNotificationsByStatus(status types.NotificationStatus) ([]*types.Notification, error)
	UpdateNotification(n *types.Notification) error
}

// TransactionStore records status events and hands out transaction ids that
// stay unique across restarts
type TransactionStore interface {
	EventStore
	NextTransactionID() (uint64, error)
}

// Store is the complete persistence surface. Get methods return
// types.ErrNotFound (wrapped) for unknown ids, and so do Update methods.
type Store interface {
	TransactionStore
	SubscriptionStore
	NotificationStore

	// Utility
	Close() error
}
