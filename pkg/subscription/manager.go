package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cuemby/txrelay/pkg/log"
	"github.com/cuemby/txrelay/pkg/metrics"
	"github.com/cuemby/txrelay/pkg/notification"
	"github.com/cuemby/txrelay/pkg/storage"
	"github.com/cuemby/txrelay/pkg/types"
	"github.com/cuemby/txrelay/pkg/webhook"
	"github.com/rs/zerolog"
)

// Scheduler runs handshake callbacks after a delay, keyed by id
type Scheduler interface {
	Schedule(id string, delay time.Duration, fn func())
	Cancel(id string)
}

// Notifier creates notifications for published events
type Notifier interface {
	CreateNotifications(ctx context.Context, requests []notification.Request) ([]uint64, error)
}

// Config controls subscription lifetime and handshake retries
type Config struct {
	MaxTries      int
	RetryInterval time.Duration
	TTL           time.Duration
}

// CreateRequest describes a new subscription
type CreateRequest struct {
	EventType  types.EventType
	EventScope string
	WebhookURL string
}

// Filter selects subscriptions. Zero-valued fields match everything; set
// fields are ANDed.
type Filter struct {
	Status         types.SubscriptionStatus
	EventScope     string
	EventType      types.EventType
	ExcludeExpired bool
}

// Manager owns the subscription lifecycle. It is the only writer of
// subscription rows.
type Manager struct {
	mu        sync.Mutex
	store     storage.SubscriptionStore
	notifier  Notifier
	poster    webhook.Poster
	scheduler Scheduler
	config    Config
	now       func() time.Time
	newSecret func() string
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger
}

// NewManager creates a new subscription manager
func NewManager(
	store storage.SubscriptionStore,
	notifier Notifier,
	poster webhook.Poster,
	scheduler Scheduler,
	config Config,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		notifier:  notifier,
		poster:    poster,
		scheduler: scheduler,
		config:    config,
		now:       time.Now,
		newSecret: webhook.NewHandshakeSecret,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.WithComponent("subscriptions"),
	}
}

// WithClock replaces the clock used for creation times and expiry checks
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithSecretGenerator replaces the handshake secret generator
func (m *Manager) WithSecretGenerator(gen func() string) *Manager {
	m.newSecret = gen
	return m
}

// Stop aborts in-flight handshakes
func (m *Manager) Stop() {
	m.cancel()
}

func timerID(id uint64) string {
	return fmt.Sprintf("handshake:%d", id)
}

// Create stores an inactive subscription and schedules its handshake
// immediately
func (m *Manager) Create(ctx context.Context, req CreateRequest) (uint64, error) {
	if req.EventScope == "" {
		return 0, errors.New("event scope is required")
	}
	u, err := url.Parse(req.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, fmt.Errorf("invalid webhook url %q", req.WebhookURL)
	}

	sub := &types.Subscription{
		EventType:  req.EventType,
		EventScope: req.EventScope,
		WebhookURL: req.WebhookURL,
		Status:     types.SubscriptionStatusInactive,
		TTL:        m.config.TTL,
		CreatedAt:  m.now(),
		TriesLeft:  m.config.MaxTries,
		NextNonce:  0,
	}

	m.mu.Lock()
	err = m.store.CreateSubscription(sub)
	m.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to create subscription: %w", err)
	}
	metrics.SubscriptionsCreated.Inc()

	id := sub.ID
	m.scheduler.Schedule(timerID(id), 0, func() { m.handshake(id) })

	logger := log.WithSubscriptionID(m.logger, id)
	logger.Debug().
		Str("scope", sub.EventScope).
		Str("webhook_url", sub.WebhookURL).
		Msg("subscription created")
	return id, nil
}

// Resume schedules a handshake for every unexpired subscription still
// inactive from a previous run and returns how many were rescheduled
func (m *Manager) Resume(ctx context.Context) (int, error) {
	pending, err := m.FindAll(ctx, Filter{
		Status:         types.SubscriptionStatusInactive,
		ExcludeExpired: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list inactive subscriptions: %w", err)
	}
	for _, sub := range pending {
		id := sub.ID
		m.scheduler.Schedule(timerID(id), 0, func() { m.handshake(id) })
	}
	if len(pending) > 0 {
		m.logger.Info().Int("subscriptions", len(pending)).Msg("resumed pending handshakes")
	}
	return len(pending), nil
}

// FindOne returns the subscription with the given id
func (m *Manager) FindOne(ctx context.Context, id uint64) (*types.Subscription, error) {
	return m.store.GetSubscription(id)
}

// FindAll returns subscriptions matching every set field of filter
func (m *Manager) FindAll(ctx context.Context, filter Filter) ([]*types.Subscription, error) {
	subs, err := m.store.ListSubscriptions()
	if err != nil {
		return nil, err
	}
	return m.filter(subs, filter), nil
}

func (m *Manager) filter(subs []*types.Subscription, filter Filter) []*types.Subscription {
	now := m.now()
	matched := make([]*types.Subscription, 0, len(subs))
	for _, sub := range subs {
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		if filter.EventScope != "" && sub.EventScope != filter.EventScope {
			continue
		}
		if filter.EventType != "" && sub.EventType != filter.EventType {
			continue
		}
		if filter.ExcludeExpired && sub.IsExpired(now) {
			continue
		}
		matched = append(matched, sub)
	}
	return matched
}

// Update applies the whitelisted fields of patch to a subscription. Moving a
// subscription to a terminal status cancels its pending handshake.
func (m *Manager) Update(ctx context.Context, id uint64, patch types.SubscriptionPatch) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(id, patch)
}

// update requires m.mu
func (m *Manager) update(id uint64, patch types.SubscriptionPatch) (*types.Subscription, error) {
	sub, err := m.store.GetSubscription(id)
	if err != nil {
		return nil, err
	}
	previous := sub.Status
	patch.Apply(sub)
	if err := m.store.UpdateSubscription(sub); err != nil {
		return nil, err
	}
	if sub.Status != previous {
		metrics.SubscriptionTransitions.WithLabelValues(string(sub.Status)).Inc()
		if sub.Status.IsTerminal() {
			m.scheduler.Cancel(timerID(id))
		}
	}
	return sub, nil
}

// BatchMarkAsDone moves every listed subscription to done. Rows stay in the
// store so their history remains queryable.
func (m *Manager) BatchMarkAsDone(ctx context.Context, ids []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	done := types.SubscriptionStatusDone
	var errs []error
	for _, id := range ids {
		if _, err := m.update(id, types.SubscriptionPatch{Status: &done}); err != nil {
			errs = append(errs, fmt.Errorf("subscription %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// AdvanceNonce raises the next nonce of a subscription to at least n
func (m *Manager) AdvanceNonce(ctx context.Context, id uint64, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.store.GetSubscription(id)
	if err != nil {
		return err
	}
	if sub.NextNonce >= n {
		return nil
	}
	sub.NextNonce = n
	return m.store.UpdateSubscription(sub)
}

// Publish hands event to the dispatcher for every active, unexpired
// subscription watching its type and scope, reserving one nonce per
// subscription. It returns the created notification ids.
func (m *Manager) Publish(ctx context.Context, event *types.Event) ([]uint64, error) {
	m.mu.Lock()
	subs, err := m.store.ListSubscriptions()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	targets := m.filter(subs, Filter{
		Status:         types.SubscriptionStatusActive,
		EventScope:     event.Scope,
		EventType:      event.Type,
		ExcludeExpired: true,
	})

	requests := make([]notification.Request, 0, len(targets))
	for _, sub := range targets {
		nonce := sub.NextNonce
		sub.NextNonce++
		if err := m.store.UpdateSubscription(sub); err != nil {
			m.logger.Error().Err(err).Uint64("subscription_id", sub.ID).Msg("failed to reserve nonce")
			continue
		}
		requests = append(requests, notification.Request{
			EventID:        event.ID,
			SubscriptionID: sub.ID,
			Nonce:          nonce,
		})
	}
	m.mu.Unlock()

	if len(requests) == 0 {
		return nil, nil
	}
	return m.notifier.CreateNotifications(ctx, requests)
}

// handshake performs one activation attempt for subscription id
func (m *Manager) handshake(id uint64) {
	logger := log.WithSubscriptionID(m.logger, id)

	sub, err := m.store.GetSubscription(id)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load subscription for handshake")
		return
	}
	if sub.Status != types.SubscriptionStatusInactive {
		return
	}
	if sub.IsExpired(m.now()) {
		metrics.HandshakesTotal.WithLabelValues("skipped_expired").Inc()
		logger.Info().Msg("subscription expired before activation, handshake skipped")
		return
	}

	secret := m.newSecret()
	if err := m.storeSecret(id, secret); err != nil {
		logger.Error().Err(err).Msg("failed to store handshake secret")
		return
	}

	timer := metrics.NewTimer()
	resp, err := m.poster.Post(m.ctx, sub.WebhookURL, map[string]string{
		webhook.HeaderHandshake: secret,
	}, nil)
	timer.ObserveDurationVec(metrics.WebhookDuration, "handshake")

	if err == nil && resp.StatusCode == http.StatusOK && resp.Header.Get(webhook.HeaderHandshake) == secret {
		m.activate(logger, id)
		return
	}

	warn := logger.Warn()
	switch {
	case err != nil:
		warn = warn.Err(err)
	case resp.StatusCode != http.StatusOK:
		warn = warn.Int("status_code", resp.StatusCode)
	default:
		warn = warn.Bool("secret_echoed", resp.Header.Get(webhook.HeaderHandshake) != "")
	}
	warn.Msg("handshake failed")

	m.handshakeFailed(logger, id)
}

func (m *Manager) storeSecret(id uint64, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.store.GetSubscription(id)
	if err != nil {
		return err
	}
	sub.LegitimacySecret = secret
	return m.store.UpdateSubscription(sub)
}

func (m *Manager) activate(logger zerolog.Logger, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.store.GetSubscription(id)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load subscription for activation")
		return
	}
	if sub.Status != types.SubscriptionStatusInactive {
		return
	}

	active := types.SubscriptionStatusActive
	if _, err := m.update(id, types.SubscriptionPatch{Status: &active}); err != nil {
		logger.Error().Err(err).Msg("failed to activate subscription")
		return
	}
	metrics.HandshakesTotal.WithLabelValues("activated").Inc()
	logger.Info().Msg("subscription activated")
}

func (m *Manager) handshakeFailed(logger zerolog.Logger, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.store.GetSubscription(id)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load subscription after handshake")
		return
	}
	// marked done or rejected while the request was in flight
	if sub.Status != types.SubscriptionStatusInactive {
		return
	}

	triesLeft := sub.TriesLeft - 1
	if triesLeft <= 0 {
		triesLeft = 0
		rejected := types.SubscriptionStatusRejected
		if _, err := m.update(id, types.SubscriptionPatch{Status: &rejected, TriesLeft: &triesLeft}); err != nil {
			logger.Error().Err(err).Msg("failed to reject subscription")
			return
		}
		metrics.HandshakesTotal.WithLabelValues("rejected").Inc()
		logger.Warn().Msg("handshake tries exhausted, subscription rejected")
		return
	}

	if _, err := m.update(id, types.SubscriptionPatch{TriesLeft: &triesLeft}); err != nil {
		logger.Error().Err(err).Msg("failed to persist handshake tries")
		return
	}
	metrics.HandshakesTotal.WithLabelValues("retry").Inc()
	m.scheduler.Schedule(timerID(id), m.config.RetryInterval, func() { m.handshake(id) })
}
