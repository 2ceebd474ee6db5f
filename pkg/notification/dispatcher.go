package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/txrelay/pkg/log"
	"github.com/cuemby/txrelay/pkg/metrics"
	"github.com/cuemby/txrelay/pkg/storage"
	"github.com/cuemby/txrelay/pkg/types"
	"github.com/cuemby/txrelay/pkg/webhook"
	"github.com/rs/zerolog"
)

// Scheduler runs retry callbacks after a delay, keyed by id
type Scheduler interface {
	Schedule(id string, delay time.Duration, fn func())
	Cancel(id string)
}

// SubscriptionReader loads the subscription a notification targets
type SubscriptionReader interface {
	GetSubscription(id uint64) (*types.Subscription, error)
}

// EventReader loads the event a notification carries
type EventReader interface {
	GetEvent(id uint64) (*types.Event, error)
}

// Config controls delivery retries
type Config struct {
	MaxTries      int
	RetryInterval time.Duration
}

// Request asks for one event to be delivered to one subscription with the
// nonce the subscription reserved for it
type Request struct {
	EventID        uint64
	SubscriptionID uint64
	Nonce          uint64
}

// Dispatcher delivers events to subscription webhooks with bounded retry.
// It is the only writer of notification rows.
type Dispatcher struct {
	mu            sync.Mutex
	notifications storage.NotificationStore
	subscriptions SubscriptionReader
	events        EventReader
	poster        webhook.Poster
	signer        webhook.Signer
	scheduler     Scheduler
	config        Config
	now           func() time.Time
	ctx           context.Context
	cancel        context.CancelFunc
	logger        zerolog.Logger
}

// NewDispatcher creates a new notification dispatcher
func NewDispatcher(
	notifications storage.NotificationStore,
	subscriptions SubscriptionReader,
	events EventReader,
	poster webhook.Poster,
	signer webhook.Signer,
	scheduler Scheduler,
	config Config,
) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		notifications: notifications,
		subscriptions: subscriptions,
		events:        events,
		poster:        poster,
		signer:        signer,
		scheduler:     scheduler,
		config:        config,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		logger:        log.WithComponent("dispatcher"),
	}
}

// WithClock replaces the clock used for expiry checks
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Stop aborts in-flight webhook requests. Pending retries are owned by the
// scheduler and stop with it.
func (d *Dispatcher) Stop() {
	d.cancel()
}

func timerID(id uint64) string {
	return fmt.Sprintf("notification:%d", id)
}

// CreateNotifications stores one active notification per request and
// schedules its first delivery immediately
func (d *Dispatcher) CreateNotifications(ctx context.Context, requests []Request) ([]uint64, error) {
	ids := make([]uint64, 0, len(requests))
	for _, req := range requests {
		n := &types.Notification{
			SubscriptionID: req.SubscriptionID,
			EventID:        req.EventID,
			Status:         types.NotificationStatusActive,
			TriesLeft:      d.config.MaxTries,
			Nonce:          req.Nonce,
			CreatedAt:      d.now(),
		}
		if err := d.notifications.CreateNotification(n); err != nil {
			return ids, fmt.Errorf("failed to create notification for subscription %d: %w", req.SubscriptionID, err)
		}
		metrics.NotificationsCreated.Inc()
		ids = append(ids, n.ID)

		id := n.ID
		d.scheduler.Schedule(timerID(id), 0, func() { d.deliver(id) })
	}
	return ids, nil
}

// Resume schedules an immediate delivery attempt for every notification left
// active by a previous run. Retry timers live in memory only, so serve calls
// it once at startup. It returns the number of notifications rescheduled.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	pending, err := d.notifications.ListNotificationsByStatus(types.NotificationStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active notifications: %w", err)
	}
	for _, n := range pending {
		id := n.ID
		d.scheduler.Schedule(timerID(id), 0, func() { d.deliver(id) })
	}
	if len(pending) > 0 {
		d.logger.Info().Int("notifications", len(pending)).Msg("resumed pending deliveries")
	}
	return len(pending), nil
}

// FindOne returns the notification with the given id
func (d *Dispatcher) FindOne(ctx context.Context, id uint64) (*types.Notification, error) {
	return d.notifications.GetNotification(id)
}

// FindBySubscription returns every notification aimed at a subscription,
// ordered by nonce
func (d *Dispatcher) FindBySubscription(ctx context.Context, subscriptionID uint64) ([]*types.Notification, error) {
	return d.notifications.ListNotificationsBySubscription(subscriptionID)
}

// Update applies the whitelisted fields of patch to a notification
func (d *Dispatcher) Update(ctx context.Context, id uint64, patch types.NotificationPatch) (*types.Notification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.notifications.GetNotification(id)
	if err != nil {
		return nil, err
	}
	patch.Apply(n)
	if err := d.notifications.UpdateNotification(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (d *Dispatcher) setStatus(id uint64, status types.NotificationStatus, triesLeft *int) error {
	_, err := d.Update(d.ctx, id, types.NotificationPatch{Status: &status, TriesLeft: triesLeft})
	return err
}

// deliver performs one delivery attempt for notification id
func (d *Dispatcher) deliver(id uint64) {
	logger := log.WithNotificationID(d.logger, id)

	n, err := d.notifications.GetNotification(id)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load notification")
		return
	}
	if n.Status.IsTerminal() {
		return
	}

	sub, err := d.subscriptions.GetSubscription(n.SubscriptionID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			d.orphan(logger, n)
			return
		}
		logger.Error().Err(err).Msg("failed to load subscription")
		return
	}
	logger = log.WithSubscriptionID(logger, sub.ID)

	if sub.IsExpired(d.now()) {
		d.orphan(logger, n)
		return
	}

	event, err := d.events.GetEvent(n.EventID)
	if err != nil {
		logger.Error().Err(err).Uint64("event_id", n.EventID).Msg("failed to load event")
		if errors.Is(err, types.ErrNotFound) {
			zero := 0
			if err := d.setStatus(id, types.NotificationStatusFailed, &zero); err != nil {
				logger.Error().Err(err).Msg("failed to mark notification failed")
				return
			}
			metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		}
		return
	}

	body, err := json.Marshal(types.WebhookBody{
		Type:           event.Type,
		Scope:          event.Scope,
		SubscriptionID: types.FormatID(sub.ID),
		Nonce:          n.Nonce,
		Payload:        event.Payload,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode webhook body")
		return
	}

	headers := map[string]string{
		webhook.HeaderSignature: d.signer.Sign(event.Payload),
	}

	timer := metrics.NewTimer()
	resp, err := d.poster.Post(d.ctx, sub.WebhookURL, headers, body)
	timer.ObserveDurationVec(metrics.WebhookDuration, "delivery")

	if err == nil && resp.StatusCode == http.StatusOK {
		if err := d.setStatus(id, types.NotificationStatusAcknowledged, nil); err != nil {
			logger.Error().Err(err).Msg("failed to mark notification acknowledged")
			return
		}
		metrics.DeliveriesTotal.WithLabelValues("acknowledged").Inc()
		logger.Debug().Uint64("nonce", n.Nonce).Msg("notification acknowledged")
		return
	}

	warn := logger.Warn().Int("tries_left", n.TriesLeft-1)
	if err != nil {
		warn = warn.Err(err)
	} else {
		warn = warn.Int("status_code", resp.StatusCode)
	}
	warn.Msg("webhook delivery failed")

	d.retry(logger, n, webhook.IsTimeout(err))
}

// retry consumes one try and either schedules the next attempt or moves the
// notification to its terminal failure status
func (d *Dispatcher) retry(logger zerolog.Logger, n *types.Notification, timedOut bool) {
	triesLeft := n.TriesLeft - 1
	if triesLeft <= 0 {
		triesLeft = 0
		status := types.NotificationStatusFailed
		outcome := "failed"
		if timedOut {
			status = types.NotificationStatusTimedOut
			outcome = "timed_out"
		}
		if err := d.setStatus(n.ID, status, &triesLeft); err != nil {
			logger.Error().Err(err).Msg("failed to mark notification failed")
			return
		}
		metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
		logger.Error().Str("status", string(status)).Msg("notification delivery exhausted")
		return
	}

	if _, err := d.Update(d.ctx, n.ID, types.NotificationPatch{TriesLeft: &triesLeft}); err != nil {
		logger.Error().Err(err).Msg("failed to persist notification tries")
		return
	}
	metrics.DeliveriesTotal.WithLabelValues("retry").Inc()

	id := n.ID
	d.scheduler.Schedule(timerID(id), d.config.RetryInterval, func() { d.deliver(id) })
}

func (d *Dispatcher) orphan(logger zerolog.Logger, n *types.Notification) {
	if err := d.setStatus(n.ID, types.NotificationStatusOrphaned, nil); err != nil {
		logger.Error().Err(err).Msg("failed to mark notification orphaned")
		return
	}
	metrics.DeliveriesTotal.WithLabelValues("orphaned").Inc()
	logger.Info().Msg("subscription expired, notification orphaned")
}
