package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/txrelay/pkg/types"
)

// MemoryStore implements Store with mutex-guarded maps. Records are copied on
// the way in and out so callers never share memory with the table.
type MemoryStore struct {
	mu            sync.RWMutex
	seq           map[string]uint64
	events        map[uint64]types.Event
	subscriptions map[uint64]types.Subscription
	notifications map[uint64]types.Notification
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seq:           make(map[string]uint64),
		events:        make(map[uint64]types.Event),
		subscriptions: make(map[uint64]types.Subscription),
		notifications: make(map[uint64]types.Notification),
	}
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) next(kind string) uint64 {
	m.seq[kind]++
	return m.seq[kind]
}

func (m *MemoryStore) CreateEvent(event *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event.ID = m.next("event")
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	stored := *event
	stored.Payload = append([]byte(nil), event.Payload...)
	m.events[event.ID] = stored
	return nil
}

func (m *MemoryStore) GetEvent(id uint64) (*types.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	event, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", id, types.ErrNotFound)
	}
	return &event, nil
}

func (m *MemoryStore) NextTransactionID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next("transaction"), nil
}

func (m *MemoryStore) CreateSubscription(sub *types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub.ID = m.next("subscription")
	m.subscriptions[sub.ID] = *sub
	return nil
}

func (m *MemoryStore) GetSubscription(id uint64) (*types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %d: %w", id, types.ErrNotFound)
	}
	return &sub, nil
}

func (m *MemoryStore) ListSubscriptions() ([]*types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]*types.Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		sub := sub
		subs = append(subs, &sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

func (m *MemoryStore) UpdateSubscription(sub *types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscriptions[sub.ID]; !ok {
		return fmt.Errorf("subscription %d: %w", sub.ID, types.ErrNotFound)
	}
	m.subscriptions[sub.ID] = *sub
	return nil
}

func (m *MemoryStore) CreateNotification(n *types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n.ID = m.next("notification")
	m.notifications[n.ID] = *n
	return nil
}

func (m *MemoryStore) GetNotification(id uint64) (*types.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %d: %w", id, types.ErrNotFound)
	}
	return &n, nil
}

func (m *MemoryStore) ListNotificationsBySubscription(subscriptionID uint64) ([]*types.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var notifications []*types.Notification
	for _, n := range m.notifications {
		if n.SubscriptionID == subscriptionID {
			n := n
			notifications = append(notifications, &n)
		}
	}
	sortByNonce(notifications)
	return notifications, nil
}

func (m *MemoryStore) ListNotificationsByStatus(status types.NotificationStatus) ([]*types.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var notifications []*types.Notification
	for _, n := range m.notifications {
		if n.Status == status {
			n := n
			notifications = append(notifications, &n)
		}
	}
	sort.Slice(notifications, func(i, j int) bool { return notifications[i].ID < notifications[j].ID })
	return notifications, nil
}

func (m *MemoryStore) UpdateNotification(n *types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notifications[n.ID]; !ok {
		return fmt.Errorf("notification %d: %w", n.ID, types.ErrNotFound)
	}
	m.notifications[n.ID] = *n
	return nil
}
