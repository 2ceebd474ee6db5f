package subscription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/txrelay/pkg/notification"
	"github.com/cuemby/txrelay/pkg/storage"
	"github.com/cuemby/txrelay/pkg/types"
	"github.com/cuemby/txrelay/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scheduled struct {
	id    string
	delay time.Duration
	fn    func()
}

// manualScheduler records timers and runs them only when asked to
type manualScheduler struct {
	mu      sync.Mutex
	pending map[string]scheduled
	history []scheduled
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{pending: make(map[string]scheduled)}
}

func (s *manualScheduler) Schedule(id string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := scheduled{id: id, delay: delay, fn: fn}
	s.pending[id] = entry
	s.history = append(s.history, entry)
}

func (s *manualScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *manualScheduler) run(id string) bool {
	s.mu.Lock()
	entry, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		entry.fn()
	}
	return ok
}

func (s *manualScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.history))
	for _, e := range s.history {
		out = append(out, e.delay)
	}
	return out
}

// recordingNotifier captures publish requests instead of delivering them
type recordingNotifier struct {
	mu       sync.Mutex
	requests []notification.Request
}

func (n *recordingNotifier) CreateNotifications(ctx context.Context, requests []notification.Request) ([]uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]uint64, 0, len(requests))
	for _, r := range requests {
		n.requests = append(n.requests, r)
		ids = append(ids, uint64(len(n.requests)))
	}
	return ids, nil
}

// handshakeServer answers handshakes with the scripted behaviors in order,
// repeating the last one
type handshakeServer struct {
	*httptest.Server
	mu       sync.Mutex
	calls    int
	bodies   []int64
	behavior []func(w http.ResponseWriter, secret string)
}

func newHandshakeServer(t *testing.T, behavior ...func(w http.ResponseWriter, secret string)) *handshakeServer {
	t.Helper()
	hs := &handshakeServer{behavior: behavior}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.mu.Lock()
		i := hs.calls
		hs.calls++
		hs.bodies = append(hs.bodies, r.ContentLength)
		hs.mu.Unlock()
		if i >= len(hs.behavior) {
			i = len(hs.behavior) - 1
		}
		hs.behavior[i](w, r.Header.Get(webhook.HeaderHandshake))
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *handshakeServer) count() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.calls
}

func echo(w http.ResponseWriter, secret string) {
	w.Header().Set(webhook.HeaderHandshake, secret)
	w.WriteHeader(http.StatusOK)
}

func fail(code int) func(w http.ResponseWriter, secret string) {
	return func(w http.ResponseWriter, secret string) {
		w.WriteHeader(code)
	}
}

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *storage.MemoryStore
	scheduler *manualScheduler
	notifier  *recordingNotifier
	manager   *Manager
	now       time.Time
}

func newFixture(t *testing.T, maxTries int) *fixture {
	t.Helper()
	f := &fixture{
		store:     storage.NewMemoryStore(),
		scheduler: newManualScheduler(),
		notifier:  &recordingNotifier{},
		now:       epoch,
	}
	f.manager = NewManager(f.store, f.notifier, webhook.NewClient(time.Second), f.scheduler, Config{
		MaxTries:      maxTries,
		RetryInterval: 5000 * time.Millisecond,
		TTL:           time.Hour,
	}).WithClock(func() time.Time { return f.now })
	t.Cleanup(f.manager.Stop)
	return f
}

func (f *fixture) create(t *testing.T, url, scope string) uint64 {
	t.Helper()
	id, err := f.manager.Create(context.Background(), CreateRequest{
		EventType:  types.EventTransactionStatus,
		EventScope: scope,
		WebhookURL: url,
	})
	require.NoError(t, err)
	return id
}

func TestCreate(t *testing.T) {
	f := newFixture(t, 5)
	id := f.create(t, "http://hooks.example/tx", "7")

	sub, err := f.manager.FindOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusInactive, sub.Status)
	assert.Equal(t, 5, sub.TriesLeft)
	assert.Equal(t, uint64(0), sub.NextNonce)
	assert.Equal(t, time.Hour, sub.TTL)
	assert.Equal(t, epoch, sub.CreatedAt)
	assert.Equal(t, []time.Duration{0}, f.scheduler.delays())
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, 5)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing scope", CreateRequest{EventType: types.EventTransactionStatus, WebhookURL: "http://a.example"}},
		{"relative url", CreateRequest{EventType: types.EventTransactionStatus, EventScope: "1", WebhookURL: "/hooks"}},
		{"unsupported scheme", CreateRequest{EventType: types.EventTransactionStatus, EventScope: "1", WebhookURL: "ftp://a.example"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Create(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, f.scheduler.delays())
}

func TestHandshakeRetriesThenActivates(t *testing.T) {
	server := newHandshakeServer(t,
		fail(http.StatusInternalServerError),
		fail(http.StatusInternalServerError),
		echo,
	)
	f := newFixture(t, 5)
	id := f.create(t, server.URL, "1")

	for i := 0; i < 3; i++ {
		require.True(t, f.scheduler.run(timerID(id)), "handshake %d was not scheduled", i+1)
	}

	sub, err := f.manager.FindOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 3, sub.TriesLeft)
	assert.NotEmpty(t, sub.LegitimacySecret)

	assert.Equal(t, 3, server.count())
	assert.Equal(t, []time.Duration{0, 5 * time.Second, 5 * time.Second}, f.scheduler.delays())
	assert.False(t, f.scheduler.run(timerID(id)), "no handshake may follow activation")

	for _, length := range server.bodies {
		assert.Equal(t, int64(0), length, "handshake requests carry no body")
	}
}

func TestHandshakeRequiresMatchingEcho(t *testing.T) {
	tests := []struct {
		name     string
		behavior func(w http.ResponseWriter, secret string)
	}{
		{"no echo", fail(http.StatusOK)},
		{"wrong echo", func(w http.ResponseWriter, secret string) {
			w.Header().Set(webhook.HeaderHandshake, "not-"+secret)
			w.WriteHeader(http.StatusOK)
		}},
		{"echo with non-200", func(w http.ResponseWriter, secret string) {
			w.Header().Set(webhook.HeaderHandshake, secret)
			w.WriteHeader(http.StatusAccepted)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newHandshakeServer(t, tt.behavior)
			f := newFixture(t, 2)
			id := f.create(t, server.URL, "1")

			require.True(t, f.scheduler.run(timerID(id)))
			sub, err := f.manager.FindOne(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, types.SubscriptionStatusInactive, sub.Status)
			assert.Equal(t, 1, sub.TriesLeft)

			require.True(t, f.scheduler.run(timerID(id)))
			sub, err = f.manager.FindOne(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, types.SubscriptionStatusRejected, sub.Status)
			assert.Equal(t, 0, sub.TriesLeft)
			assert.False(t, f.scheduler.run(timerID(id)))
		})
	}
}

func TestHandshakeUsesFreshSecretPerAttempt(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	server := newHandshakeServer(t, func(w http.ResponseWriter, secret string) {
		mu.Lock()
		seen = append(seen, secret)
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	f := newFixture(t, 3)
	id := f.create(t, server.URL, "1")

	for f.scheduler.run(timerID(id)) {
	}

	require.Len(t, seen, 3)
	assert.NotEqual(t, seen[0], seen[1])
	assert.NotEqual(t, seen[1], seen[2])

	sub, err := f.manager.FindOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, seen[2], sub.LegitimacySecret)
}

func TestHandshakeSkippedWhenExpired(t *testing.T) {
	server := newHandshakeServer(t, echo)
	f := newFixture(t, 5)
	id := f.create(t, server.URL, "1")

	f.now = epoch.Add(2 * time.Hour)
	require.True(t, f.scheduler.run(timerID(id)))

	assert.Equal(t, 0, server.count(), "expired subscriptions are never contacted")
	sub, err := f.manager.FindOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusInactive, sub.Status)
	assert.Equal(t, 5, sub.TriesLeft)
}

func TestUpdateToTerminalCancelsHandshake(t *testing.T) {
	f := newFixture(t, 5)
	id := f.create(t, "http://hooks.example/tx", "1")

	rejected := types.SubscriptionStatusRejected
	sub, err := f.manager.Update(context.Background(), id, types.SubscriptionPatch{Status: &rejected})
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusRejected, sub.Status)
	assert.False(t, f.scheduler.run(timerID(id)))

	_, err = f.manager.Update(context.Background(), 999, types.SubscriptionPatch{Status: &rejected})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestFindAllFilters(t *testing.T) {
	f := newFixture(t, 5)
	a := f.create(t, "http://hooks.example/a", "1")
	b := f.create(t, "http://hooks.example/b", "1")
	c := f.create(t, "http://hooks.example/c", "2")

	active := types.SubscriptionStatusActive
	for _, id := range []uint64{a, c} {
		_, err := f.manager.Update(context.Background(), id, types.SubscriptionPatch{Status: &active})
		require.NoError(t, err)
	}

	ids := func(subs []*types.Subscription) []uint64 {
		out := make([]uint64, 0, len(subs))
		for _, s := range subs {
			out = append(out, s.ID)
		}
		return out
	}

	all, err := f.manager.FindAll(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{a, b, c}, ids(all))

	scoped, err := f.manager.FindAll(context.Background(), Filter{EventScope: "1"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{a, b}, ids(scoped))

	both, err := f.manager.FindAll(context.Background(), Filter{Status: active, EventScope: "1"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{a}, ids(both))

	f.now = epoch.Add(2 * time.Hour)
	live, err := f.manager.FindAll(context.Background(), Filter{ExcludeExpired: true})
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestBatchMarkAsDone(t *testing.T) {
	f := newFixture(t, 5)
	a := f.create(t, "http://hooks.example/a", "1")
	b := f.create(t, "http://hooks.example/b", "1")

	err := f.manager.BatchMarkAsDone(context.Background(), []uint64{a, b, 999})
	assert.ErrorIs(t, err, types.ErrNotFound)

	for _, id := range []uint64{a, b} {
		sub, err := f.manager.FindOne(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.SubscriptionStatusDone, sub.Status)
		assert.False(t, f.scheduler.run(timerID(id)))
	}
}

func TestAdvanceNonce(t *testing.T) {
	f := newFixture(t, 5)
	id := f.create(t, "http://hooks.example/tx", "1")

	require.NoError(t, f.manager.AdvanceNonce(context.Background(), id, 3))
	require.NoError(t, f.manager.AdvanceNonce(context.Background(), id, 1))

	sub, err := f.manager.FindOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sub.NextNonce, "nonces never move backwards")
}

func TestPublishReservesNonces(t *testing.T) {
	f := newFixture(t, 5)
	active := types.SubscriptionStatusActive

	target := f.create(t, "http://hooks.example/a", "1")
	_, err := f.manager.Update(context.Background(), target, types.SubscriptionPatch{Status: &active})
	require.NoError(t, err)
	require.NoError(t, f.manager.AdvanceNonce(context.Background(), target, 1))

	f.create(t, "http://hooks.example/inactive", "1")
	other := f.create(t, "http://hooks.example/other", "2")
	_, err = f.manager.Update(context.Background(), other, types.SubscriptionPatch{Status: &active})
	require.NoError(t, err)

	event := &types.Event{ID: 10, Type: types.EventTransactionStatus, Scope: "1"}
	for i := 0; i < 3; i++ {
		ids, err := f.manager.Publish(context.Background(), event)
		require.NoError(t, err)
		assert.Len(t, ids, 1)
	}

	require.Len(t, f.notifier.requests, 3)
	for i, req := range f.notifier.requests {
		assert.Equal(t, target, req.SubscriptionID)
		assert.Equal(t, uint64(10), req.EventID)
		assert.Equal(t, uint64(i+1), req.Nonce)
	}

	sub, err := f.manager.FindOne(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), sub.NextNonce)
}

func TestPublishSkipsExpired(t *testing.T) {
	f := newFixture(t, 5)
	id := f.create(t, "http://hooks.example/a", "1")
	active := types.SubscriptionStatusActive
	_, err := f.manager.Update(context.Background(), id, types.SubscriptionPatch{Status: &active})
	require.NoError(t, err)

	f.now = epoch.Add(2 * time.Hour)
	ids, err := f.manager.Publish(context.Background(), &types.Event{ID: 1, Type: types.EventTransactionStatus, Scope: "1"})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, f.notifier.requests)
}

func TestConcurrentPublishNoncesAreUnique(t *testing.T) {
	f := newFixture(t, 5)
	id := f.create(t, "http://hooks.example/a", "1")
	active := types.SubscriptionStatusActive
	_, err := f.manager.Update(context.Background(), id, types.SubscriptionPatch{Status: &active})
	require.NoError(t, err)

	event := &types.Event{ID: 1, Type: types.EventTransactionStatus, Scope: "1"}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.manager.Publish(context.Background(), event)
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, req := range f.notifier.requests {
		assert.False(t, seen[req.Nonce], "nonce %d reserved twice", req.Nonce)
		seen[req.Nonce] = true
	}
	assert.Len(t, seen, 20)
}

func TestResumeAfterRestart(t *testing.T) {
	dir := t.TempDir()
	hooks := newHandshakeServer(t, echo)
	config := Config{MaxTries: 3, RetryInterval: 5 * time.Second, TTL: time.Hour}
	clock := func() time.Time { return epoch }

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	before := NewManager(store, &recordingNotifier{}, webhook.NewClient(time.Second), newManualScheduler(), config).WithClock(clock)
	pending, err := before.Create(context.Background(), CreateRequest{EventType: types.EventTransactionStatus, EventScope: "1", WebhookURL: hooks.URL})
	require.NoError(t, err)
	rejected, err := before.Create(context.Background(), CreateRequest{EventType: types.EventTransactionStatus, EventScope: "2", WebhookURL: hooks.URL})
	require.NoError(t, err)
	status := types.SubscriptionStatusRejected
	_, err = before.Update(context.Background(), rejected, types.SubscriptionPatch{Status: &status})
	require.NoError(t, err)
	before.Stop()
	require.NoError(t, store.Close())

	reopened, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	sched := newManualScheduler()
	m := NewManager(reopened, &recordingNotifier{}, webhook.NewClient(time.Second), sched, config).WithClock(clock)
	defer m.Stop()

	resumed, err := m.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.False(t, sched.run(timerID(rejected)))
	require.True(t, sched.run(timerID(pending)))
	assert.Equal(t, 1, hooks.count())

	sub, err := m.FindOne(context.Background(), pending)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
}

func TestResumeSkipsExpired(t *testing.T) {
	f := newFixture(t, 3)
	f.create(t, "http://hooks.example/tx", "1")
	f.now = epoch.Add(2 * time.Hour)

	resumed, err := f.manager.Resume(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resumed)
}
