package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/txrelay/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEvents        = []byte("events")
	bucketSubscriptions = []byte("subscriptions")
	bucketNotifications = []byte("notifications")
	bucketTransactions  = []byte("transactions")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "txrelay.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketSubscriptions,
			bucketNotifications,
			bucketTransactions,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// create stores v under the bucket's next sequence number and hands the id
// to assign before marshalling, so the stored document carries its own id.
func (s *BoltStore) create(bucket []byte, assign func(uint64), v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		assign(id)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

func (s *BoltStore) get(bucket []byte, kind string, id uint64, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(itob(id))
		if data == nil {
			return fmt.Errorf("%s %d: %w", kind, id, types.ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) update(bucket []byte, kind string, id uint64, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("%s %d: %w", kind, id, types.ErrNotFound)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

// Event operations
func (s *BoltStore) CreateEvent(event *types.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	return s.create(bucketEvents, func(id uint64) { event.ID = id }, event)
}

func (s *BoltStore) GetEvent(id uint64) (*types.Event, error) {
	var event types.Event
	if err := s.get(bucketEvents, "event", id, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// NextTransactionID advances the persisted transaction sequence
func (s *BoltStore) NextTransactionID() (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = tx.Bucket(bucketTransactions).NextSequence()
		return err
	})
	return id, err
}

// Subscription operations
func (s *BoltStore) CreateSubscription(sub *types.Subscription) error {
	return s.create(bucketSubscriptions, func(id uint64) { sub.ID = id }, sub)
}

func (s *BoltStore) GetSubscription(id uint64) (*types.Subscription, error) {
	var sub types.Subscription
	if err := s.get(bucketSubscriptions, "subscription", id, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *BoltStore) ListSubscriptions() ([]*types.Subscription, error) {
	var subs []*types.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.ForEach(func(k, v []byte) error {
			var sub types.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			subs = append(subs, &sub)
			return nil
		})
	})
	return subs, err
}

func (s *BoltStore) UpdateSubscription(sub *types.Subscription) error {
	return s.update(bucketSubscriptions, "subscription", sub.ID, sub)
}

// Notification operations
func (s *BoltStore) CreateNotification(n *types.Notification) error {
	return s.create(bucketNotifications, func(id uint64) { n.ID = id }, n)
}

func (s *BoltStore) GetNotification(id uint64) (*types.Notification, error) {
	var n types.Notification
	if err := s.get(bucketNotifications, "notification", id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNotificationsBySubscription(subscriptionID uint64) ([]*types.Notification, error) {
	var notifications []*types.Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		return b.ForEach(func(k, v []byte) error {
			var n types.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.SubscriptionID == subscriptionID {
				notifications = append(notifications, &n)
			}
			return nil
		})
	})
	sortByNonce(notifications)
	return notifications, err
}

// ListNotificationsByStatus returns notifications in the given status ordered
// by id
func (s *BoltStore) ListNotificationsByStatus(status types.NotificationStatus) ([]*types.Notification, error) {
	var notifications []*types.Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotifications).ForEach(func(k, v []byte) error {
			var n types.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.Status == status {
				notifications = append(notifications, &n)
			}
			return nil
		})
	})
	return notifications, err
}

func (s *BoltStore) UpdateNotification(n *types.Notification) error {
	return s.update(bucketNotifications, "notification", n.ID, n)
}

func sortByNonce(notifications []*types.Notification) {
	sort.SliceStable(notifications, func(i, j int) bool {
		return notifications[i].Nonce < notifications[j].Nonce
	})
}
