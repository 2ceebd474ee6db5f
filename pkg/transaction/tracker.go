package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/txrelay/pkg/broker"
	"github.com/cuemby/txrelay/pkg/log"
	"github.com/cuemby/txrelay/pkg/metrics"
	"github.com/cuemby/txrelay/pkg/storage"
	"github.com/cuemby/txrelay/pkg/subscription"
	"github.com/cuemby/txrelay/pkg/types"
	"github.com/rs/zerolog"
)

// Transaction is a prepared transaction handle owned by the blockchain SDK.
// Its identity is fixed; its status changes in place and every change is
// announced to the OnStatusChange listeners.
type Transaction interface {
	Tags() []string
	Batch() bool
	Status() types.TransactionStatus
	Receipt() Receipt
	OnStatusChange(listener func()) (unsubscribe func())
	Run(ctx context.Context) error
}

// Subscriptions is the part of the subscription manager the tracker drives
type Subscriptions interface {
	Create(ctx context.Context, req subscription.CreateRequest) (uint64, error)
	AdvanceNonce(ctx context.Context, id uint64, n uint64) error
	Publish(ctx context.Context, event *types.Event) ([]uint64, error)
	FindAll(ctx context.Context, filter subscription.Filter) ([]*types.Subscription, error)
	BatchMarkAsDone(ctx context.Context, ids []uint64) error
}

// EventSink receives a copy of every status event. The broker gateway is the
// production sink.
type EventSink interface {
	SendMessage(ctx context.Context, topic broker.Topic, body any) (broker.Receipt, error)
}

type entry struct {
	mu          sync.Mutex
	tx          Transaction
	unsubscribe func()
	detach      sync.Once
}

// Tracker submits transactions and turns their status changes into events
type Tracker struct {
	mu            sync.Mutex
	tracked       map[uint64]*entry
	subscriptions Subscriptions
	events        storage.TransactionStore
	sink          EventSink
	ctx           context.Context
	cancel        context.CancelFunc
	logger        zerolog.Logger
}

// NewTracker creates a new transaction tracker. Transaction ids, and with them
// subscription scopes, come from the store's persisted sequence.
func NewTracker(subscriptions Subscriptions, events storage.TransactionStore) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		tracked:       make(map[uint64]*entry),
		subscriptions: subscriptions,
		events:        events,
		ctx:           ctx,
		cancel:        cancel,
		logger:        log.WithComponent("tracker"),
	}
}

// WithEventSink forwards every status event to sink on the
// transactions.events topic
func (t *Tracker) WithEventSink(sink EventSink) *Tracker {
	t.sink = sink
	return t
}

// Stop cancels the context handed to running transactions
func (t *Tracker) Stop() {
	t.cancel()
}

// Tracked returns the number of transactions that have not reached a
// terminal status
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// SubmitAndSubscribe registers webhookURL for the status events of tx, starts
// the transaction and returns its current status as a nonce-0 notification
func (t *Tracker) SubmitAndSubscribe(ctx context.Context, tx Transaction, webhookURL string) (NotificationPayload, error) {
	id, err := t.events.NextTransactionID()
	if err != nil {
		return NotificationPayload{}, fmt.Errorf("failed to allocate transaction id: %w", err)
	}

	scope := types.FormatID(id)
	logger := log.WithTransactionID(t.logger, id)

	subID, err := t.subscriptions.Create(ctx, subscription.CreateRequest{
		EventType:  types.EventTransactionStatus,
		EventScope: scope,
		WebhookURL: webhookURL,
	})
	if err != nil {
		return NotificationPayload{}, fmt.Errorf("failed to subscribe to transaction %d: %w", id, err)
	}
	// nonce 0 belongs to the synchronous response
	if err := t.subscriptions.AdvanceNonce(ctx, subID, 1); err != nil {
		return NotificationPayload{}, fmt.Errorf("failed to reserve nonce for transaction %d: %w", id, err)
	}

	e := &entry{tx: tx}
	e.unsubscribe = tx.OnStatusChange(func() { t.handleStatusChange(id) })

	t.mu.Lock()
	t.tracked[id] = e
	metrics.TransactionsTracked.Set(float64(len(t.tracked)))
	t.mu.Unlock()

	payload := NotificationPayload{
		Type:           types.EventTransactionStatus,
		Scope:          scope,
		SubscriptionID: types.FormatID(subID),
		Nonce:          0,
		Payload:        buildStatusPayload(tx, tx.Status()),
	}

	go func() {
		if err := tx.Run(t.ctx); err != nil {
			logger.Error().Err(err).Msg("transaction run failed")
		}
	}()

	logger.Info().
		Uint64("subscription_id", subID).
		Str("status", string(payload.Payload.Status)).
		Msg("transaction submitted")
	return payload, nil
}

// handleStatusChange records one status snapshot of transaction id. It never
// propagates errors or panics back into the SDK's listener chain.
func (t *Tracker) handleStatusChange(id uint64) {
	logger := log.WithTransactionID(t.logger, id)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("status change handler panicked")
		}
	}()

	t.mu.Lock()
	e, ok := t.tracked[id]
	t.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	status := e.tx.Status()
	metrics.TransactionEvents.WithLabelValues(string(status)).Inc()

	if err := t.publish(id, e.tx, status); err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("failed to publish status change")
	}

	if status.IsTerminal() {
		t.finish(logger, id, e)
	}
}

func (t *Tracker) publish(id uint64, tx Transaction, status types.TransactionStatus) error {
	raw, err := json.Marshal(buildStatusPayload(tx, status))
	if err != nil {
		return fmt.Errorf("failed to encode status payload: %w", err)
	}

	event := &types.Event{
		Type:    types.EventTransactionStatus,
		Scope:   types.FormatID(id),
		Payload: raw,
	}
	if err := t.events.CreateEvent(event); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	if t.sink != nil {
		if _, err := t.sink.SendMessage(t.ctx, broker.TopicTransactionEvents, event); err != nil {
			logger := log.WithTransactionID(t.logger, id)
			logger.Warn().Err(err).Msg("failed to forward event to broker")
		}
	}

	if _, err := t.subscriptions.Publish(t.ctx, event); err != nil {
		return fmt.Errorf("failed to publish event %d: %w", event.ID, err)
	}
	return nil
}

// finish detaches from a transaction that reached a terminal status and
// closes every live subscription watching it
func (t *Tracker) finish(logger zerolog.Logger, id uint64, e *entry) {
	e.detach.Do(func() {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
	})

	t.mu.Lock()
	delete(t.tracked, id)
	metrics.TransactionsTracked.Set(float64(len(t.tracked)))
	t.mu.Unlock()

	subs, err := t.subscriptions.FindAll(t.ctx, subscription.Filter{
		Status:         types.SubscriptionStatusActive,
		EventScope:     types.FormatID(id),
		ExcludeExpired: true,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to find subscriptions to close")
		return
	}
	if len(subs) == 0 {
		return
	}

	ids := make([]uint64, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.ID)
	}
	if err := t.subscriptions.BatchMarkAsDone(t.ctx, ids); err != nil {
		logger.Error().Err(err).Msg("failed to mark subscriptions done")
		return
	}
	logger.Debug().Int("subscriptions", len(ids)).Msg("transaction finished, subscriptions closed")
}
