package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/txrelay/pkg/broker"
	"github.com/cuemby/txrelay/pkg/notification"
	"github.com/cuemby/txrelay/pkg/scheduler"
	"github.com/cuemby/txrelay/pkg/storage"
	"github.com/cuemby/txrelay/pkg/subscription"
	"github.com/cuemby/txrelay/pkg/types"
	"github.com/cuemby/txrelay/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx is an SDK transaction whose status the test drives by hand.
// Listeners run synchronously inside set.
type fakeTx struct {
	mu           sync.Mutex
	tags         []string
	batch        bool
	status       types.TransactionStatus
	receipt      Receipt
	listeners    map[int]func()
	nextListener int
	unsubscribed int
	runErr       error
}

func newFakeTx(batch bool, tags ...string) *fakeTx {
	return &fakeTx{
		tags:      tags,
		batch:     batch,
		status:    types.TransactionStatusUnapproved,
		listeners: make(map[int]func()),
	}
}

func (f *fakeTx) Tags() []string { return f.tags }
func (f *fakeTx) Batch() bool    { return f.batch }

func (f *fakeTx) Status() types.TransactionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTx) Receipt() Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipt
}

func (f *fakeTx) OnStatusChange(listener func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.nextListener
	f.nextListener++
	f.listeners[key] = listener
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed++
		delete(f.listeners, key)
	}
}

func (f *fakeTx) Run(ctx context.Context) error {
	return f.runErr
}

func (f *fakeTx) set(status types.TransactionStatus, receipt Receipt) {
	f.mu.Lock()
	f.status = status
	f.receipt = receipt
	listeners := make([]func(), 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

func (f *fakeTx) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

// fakeSubscriptions stands in for the subscription manager
type fakeSubscriptions struct {
	mu        sync.Mutex
	createErr error
	panicking bool
	created   []subscription.CreateRequest
	nonces    map[uint64]uint64
	published []*types.Event
	active    []*types.Subscription
	done      []uint64
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{nonces: make(map[uint64]uint64)}
}

func (f *fakeSubscriptions) Create(ctx context.Context, req subscription.CreateRequest) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.created = append(f.created, req)
	id := uint64(len(f.created))
	f.active = append(f.active, &types.Subscription{ID: id, EventScope: req.EventScope, Status: types.SubscriptionStatusActive})
	return id, nil
}

func (f *fakeSubscriptions) AdvanceNonce(ctx context.Context, id uint64, n uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[id] = n
	return nil
}

func (f *fakeSubscriptions) Publish(ctx context.Context, event *types.Event) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicking {
		panic("publish exploded")
	}
	f.published = append(f.published, event)
	return nil, nil
}

func (f *fakeSubscriptions) FindAll(ctx context.Context, filter subscription.Filter) ([]*types.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Subscription
	for _, s := range f.active {
		if s.EventScope == filter.EventScope {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubscriptions) BatchMarkAsDone(ctx context.Context, ids []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, ids...)
	return nil
}

type sentMessage struct {
	topic broker.Topic
	body  any
}

type fakeSink struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *fakeSink) SendMessage(ctx context.Context, topic broker.Topic, body any) (broker.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{topic: topic, body: body})
	return broker.Receipt{ID: "m-1", Topic: topic}, nil
}

func TestSubmitSingleTransactionEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var deliveries []types.WebhookBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret := r.Header.Get(webhook.HeaderHandshake); secret != "" {
			w.Header().Set(webhook.HeaderHandshake, secret)
			w.WriteHeader(http.StatusOK)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var body types.WebhookBody
		if err := json.Unmarshal(raw, &body); err == nil {
			mu.Lock()
			deliveries = append(deliveries, body)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := storage.NewMemoryStore()
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	client := webhook.NewClient(time.Second)

	dispatcher := notification.NewDispatcher(store, store, store, client, webhook.NewHMACSigner("legit"), sched, notification.Config{
		MaxTries:      3,
		RetryInterval: 10 * time.Millisecond,
	})
	defer dispatcher.Stop()
	manager := subscription.NewManager(store, dispatcher, client, sched, subscription.Config{
		MaxTries:      3,
		RetryInterval: 10 * time.Millisecond,
		TTL:           time.Hour,
	})
	defer manager.Stop()
	tracker := NewTracker(manager, store)
	defer tracker.Stop()

	tx := newFakeTx(false, "tag-1")
	payload, err := tracker.SubmitAndSubscribe(context.Background(), tx, server.URL)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), payload.Nonce)
	assert.Equal(t, types.EventTransactionStatus, payload.Type)
	assert.Equal(t, "1", payload.Scope)
	assert.Equal(t, KindSingle, payload.Payload.Type)
	assert.Equal(t, "tag-1", payload.Payload.TransactionTag)
	assert.Equal(t, types.TransactionStatusUnapproved, payload.Payload.Status)
	assert.Empty(t, payload.Payload.TransactionHash)
	assert.Equal(t, 1, tracker.Tracked())

	subID, err := types.ParseID(payload.SubscriptionID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sub, err := manager.FindOne(context.Background(), subID)
		return err == nil && sub.Status == types.SubscriptionStatusActive
	}, 2*time.Second, 10*time.Millisecond)

	tx.set(types.TransactionStatusSucceeded, Receipt{TxHash: "0xabc", BlockHash: "0xdef", BlockNumber: 42})

	sub, err := manager.FindOne(context.Background(), subID)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusDone, sub.Status)
	assert.Equal(t, 1, tx.unsubscribeCount())
	assert.Equal(t, 0, tracker.Tracked())

	event, err := store.GetEvent(1)
	require.NoError(t, err)
	assert.Equal(t, "1", event.Scope)
	assert.JSONEq(t, `{
		"type": "Single",
		"transactionTag": "tag-1",
		"status": "Succeeded",
		"transactionHash": "0xabc",
		"blockHash": "0xdef",
		"blockNumber": 42,
		"result": "success"
	}`, string(event.Payload))

	// the notification for the terminal event was created before the
	// subscription closed and is still delivered, with the first nonce after
	// the synchronous response
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, uint64(1), deliveries[0].Nonce)
	assert.Equal(t, payload.SubscriptionID, deliveries[0].SubscriptionID)
	mu.Unlock()

	tx.set(types.TransactionStatusSucceeded, Receipt{})
	assert.Equal(t, 1, tx.unsubscribeCount(), "listener is detached exactly once")
}

func TestSubmitReservesNonceZero(t *testing.T) {
	subs := newFakeSubscriptions()
	tracker := NewTracker(subs, storage.NewMemoryStore())
	defer tracker.Stop()

	_, err := tracker.SubmitAndSubscribe(context.Background(), newFakeTx(false, "a"), "http://hooks.example")
	require.NoError(t, err)

	require.Len(t, subs.created, 1)
	assert.Equal(t, "1", subs.created[0].EventScope)
	assert.Equal(t, types.EventTransactionStatus, subs.created[0].EventType)
	assert.Equal(t, uint64(1), subs.nonces[1])
}

func TestSubmitAssignsSequentialScopes(t *testing.T) {
	subs := newFakeSubscriptions()
	tracker := NewTracker(subs, storage.NewMemoryStore())
	defer tracker.Stop()

	for i := 0; i < 3; i++ {
		_, err := tracker.SubmitAndSubscribe(context.Background(), newFakeTx(false, "a"), "http://hooks.example")
		require.NoError(t, err)
	}

	scopes := make([]string, 0, 3)
	for _, c := range subs.created {
		scopes = append(scopes, c.EventScope)
	}
	assert.Equal(t, []string{"1", "2", "3"}, scopes)
	assert.Equal(t, 3, tracker.Tracked())
}

func TestSubmitFailsWhenSubscriptionFails(t *testing.T) {
	subs := newFakeSubscriptions()
	subs.createErr = errors.New("invalid webhook url")
	tracker := NewTracker(subs, storage.NewMemoryStore())
	defer tracker.Stop()

	tx := newFakeTx(false, "a")
	_, err := tracker.SubmitAndSubscribe(context.Background(), tx, "nope")
	require.Error(t, err)

	assert.Equal(t, 0, tracker.Tracked())
	assert.Empty(t, tx.listeners, "no listener is left behind")
}

func TestRunErrorIsNotPropagated(t *testing.T) {
	tracker := NewTracker(newFakeSubscriptions(), storage.NewMemoryStore())
	defer tracker.Stop()

	tx := newFakeTx(false, "a")
	tx.runErr = errors.New("node unreachable")

	_, err := tracker.SubmitAndSubscribe(context.Background(), tx, "http://hooks.example")
	assert.NoError(t, err)
}

func TestStatusChangesArePublished(t *testing.T) {
	subs := newFakeSubscriptions()
	store := storage.NewMemoryStore()
	sink := &fakeSink{}
	tracker := NewTracker(subs, store).WithEventSink(sink)
	defer tracker.Stop()

	tx := newFakeTx(true, "a", "b")
	_, err := tracker.SubmitAndSubscribe(context.Background(), tx, "http://hooks.example")
	require.NoError(t, err)

	tx.set(types.TransactionStatusRunning, Receipt{TxHash: "0x1"})
	tx.set(types.TransactionStatusAborted, Receipt{TxHash: "0x1", Err: errors.New("dropped from mempool")})

	require.Len(t, subs.published, 2)
	assert.Equal(t, "1", subs.published[0].Scope)

	var running, aborted StatusPayload
	require.NoError(t, json.Unmarshal(subs.published[0].Payload, &running))
	require.NoError(t, json.Unmarshal(subs.published[1].Payload, &aborted))

	assert.Equal(t, KindBatch, running.Type)
	assert.Equal(t, []string{"a", "b"}, running.TransactionTags)
	assert.Equal(t, "0x1", running.TransactionHash)
	assert.Empty(t, running.Error)

	assert.Equal(t, types.TransactionStatusAborted, aborted.Status)
	assert.Equal(t, "dropped from mempool", aborted.Error)
	assert.Nil(t, aborted.BlockNumber)

	assert.Equal(t, []uint64{1}, subs.done)
	assert.Equal(t, 1, tx.unsubscribeCount())
	assert.Equal(t, 0, tracker.Tracked())

	require.Len(t, sink.sent, 2)
	for _, msg := range sink.sent {
		assert.Equal(t, broker.TopicTransactionEvents, msg.topic)
	}
}

func TestStatusChangePanicIsRecovered(t *testing.T) {
	subs := newFakeSubscriptions()
	tracker := NewTracker(subs, storage.NewMemoryStore())
	defer tracker.Stop()

	tx := newFakeTx(false, "a")
	_, err := tracker.SubmitAndSubscribe(context.Background(), tx, "http://hooks.example")
	require.NoError(t, err)

	subs.mu.Lock()
	subs.panicking = true
	subs.mu.Unlock()

	assert.NotPanics(t, func() {
		tx.set(types.TransactionStatusRunning, Receipt{TxHash: "0x1"})
	})
	assert.Equal(t, 1, tracker.Tracked())
}

func TestBuildStatusPayload(t *testing.T) {
	receipt := Receipt{TxHash: "0xh", BlockHash: "0xb", BlockNumber: 7, Err: errors.New("reverted")}
	seven := uint64(7)

	tests := []struct {
		status types.TransactionStatus
		want   StatusPayload
	}{
		{types.TransactionStatusUnapproved, StatusPayload{}},
		{types.TransactionStatusIdle, StatusPayload{}},
		{types.TransactionStatusRunning, StatusPayload{TransactionHash: "0xh"}},
		{types.TransactionStatusSucceeded, StatusPayload{TransactionHash: "0xh", BlockHash: "0xb", BlockNumber: &seven, Result: ResultSuccess}},
		{types.TransactionStatusFailed, StatusPayload{TransactionHash: "0xh", BlockHash: "0xb", BlockNumber: &seven, Error: "reverted"}},
		{types.TransactionStatusAborted, StatusPayload{TransactionHash: "0xh", Error: "reverted"}},
		{types.TransactionStatusRejected, StatusPayload{Error: "reverted"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			tx := newFakeTx(false, "tag")
			tx.receipt = receipt

			want := tt.want
			want.Type = KindSingle
			want.TransactionTag = "tag"
			want.Status = tt.status

			assert.Equal(t, want, buildStatusPayload(tx, tt.status))
		})
	}
}

type fakeBuilder struct {
	tx  Transaction
	err error
}

func (b fakeBuilder) Build(ctx context.Context, req SubmitRequest) (Transaction, error) {
	return b.tx, b.err
}

func TestSubmitHandler(t *testing.T) {
	subs := newFakeSubscriptions()
	tracker := NewTracker(subs, storage.NewMemoryStore())
	defer tracker.Stop()

	handler := tracker.SubmitHandler(fakeBuilder{tx: newFakeTx(false, "q")})
	err := handler(context.Background(), SubmitRequest{Tags: []string{"q"}, WebhookURL: "https://hooks.example.com/tx"})
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.Tracked())
	assert.Equal(t, "https://hooks.example.com/tx", subs.created[0].WebhookURL)

	failing := tracker.SubmitHandler(fakeBuilder{err: errors.New("unknown contract")})
	err = failing(context.Background(), SubmitRequest{Tags: []string{"q"}, WebhookURL: "https://hooks.example.com/tx"})
	assert.ErrorContains(t, err, "unknown contract")
	assert.Equal(t, 1, tracker.Tracked())
}

// hookServer echoes handshakes and counts deliveries
type hookServer struct {
	*httptest.Server
	mu         sync.Mutex
	deliveries []types.WebhookBody
}

func newHookServer(t *testing.T) *hookServer {
	t.Helper()
	h := &hookServer{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret := r.Header.Get(webhook.HeaderHandshake); secret != "" {
			w.Header().Set(webhook.HeaderHandshake, secret)
			w.WriteHeader(http.StatusOK)
			return
		}
		var body types.WebhookBody
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			h.mu.Lock()
			h.deliveries = append(h.deliveries, body)
			h.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hookServer) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deliveries)
}

type stack struct {
	manager *subscription.Manager
	tracker *Tracker
	stop    func()
}

func newStack(store storage.Store) *stack {
	sched := scheduler.NewScheduler()
	client := webhook.NewClient(time.Second)
	dispatcher := notification.NewDispatcher(store, store, store, client, webhook.NewHMACSigner("legit"), sched, notification.Config{
		MaxTries:      3,
		RetryInterval: 10 * time.Millisecond,
	})
	manager := subscription.NewManager(store, dispatcher, client, sched, subscription.Config{
		MaxTries:      3,
		RetryInterval: 10 * time.Millisecond,
		TTL:           time.Hour,
	})
	tracker := NewTracker(manager, store)
	return &stack{
		manager: manager,
		tracker: tracker,
		stop: func() {
			tracker.Stop()
			manager.Stop()
			dispatcher.Stop()
			sched.Stop()
		},
	}
}

func waitActive(t *testing.T, m *subscription.Manager, id string) uint64 {
	t.Helper()
	subID, err := types.ParseID(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		sub, err := m.FindOne(context.Background(), subID)
		return err == nil && sub.Status == types.SubscriptionStatusActive
	}, 2*time.Second, 10*time.Millisecond)
	return subID
}

func TestScopesStayUniqueAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	hookA := newHookServer(t)
	hookB := newHookServer(t)

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	first := newStack(store)
	firstPayload, err := first.tracker.SubmitAndSubscribe(context.Background(), newFakeTx(false, "tx-1"), hookA.URL)
	require.NoError(t, err)
	firstSub := waitActive(t, first.manager, firstPayload.SubscriptionID)
	first.stop()
	require.NoError(t, store.Close())

	reopened, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()
	second := newStack(reopened)
	defer second.stop()

	tx := newFakeTx(false, "tx-2")
	secondPayload, err := second.tracker.SubmitAndSubscribe(context.Background(), tx, hookB.URL)
	require.NoError(t, err)
	assert.Equal(t, "1", firstPayload.Scope)
	assert.Equal(t, "2", secondPayload.Scope)
	waitActive(t, second.manager, secondPayload.SubscriptionID)

	tx.set(types.TransactionStatusSucceeded, Receipt{TxHash: "0xabc"})

	require.Eventually(t, func() bool { return hookB.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, hookA.count(), "events of a new transaction never reach an older subscription")

	sub, err := second.manager.FindOne(context.Background(), firstSub)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
}
