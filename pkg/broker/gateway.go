package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/cuemby/txrelay/pkg/config"
	"github.com/cuemby/txrelay/pkg/log"
	"github.com/cuemby/txrelay/pkg/metrics"
	"github.com/cuemby/txrelay/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrGatewayClosed is returned by operations started after Shutdown
var ErrGatewayClosed = errors.New("broker gateway is shut down")

// Topic is an outbound address
type Topic string

// Queue is an inbound address
type Queue string

const (
	TopicTransactionsSubmit Topic = "transactions.submit"
	TopicTransactionEvents  Topic = "transactions.events"

	QueueTransactionsSubmit Queue = "transactions.submit"
	QueueTransactionEvents  Queue = "transactions.events"
)

// Receipt identifies a sent message. ID is the message-id txrelay generates
// and stamps on the message, not a delivery id assigned by the broker.
type Receipt struct {
	ID    string `json:"id"`
	Topic Topic  `json:"topic"`
}

// DefaultReceiveBackoff is the pause after a failed receive
const DefaultReceiveBackoff = time.Second

// staleCloseTimeout bounds closing a link or connection that already failed
const staleCloseTimeout = 5 * time.Second

type outbound struct {
	Body any `json:"body"`
}

type registeredReceiver struct {
	queue    Queue
	receiver Receiver
	conn     Conn
}

type senderLink struct {
	sender Sender
	conn   Conn
}

// Option configures a Gateway
type Option func(*Gateway)

// WithDialer replaces the AMQP dialer
func WithDialer(dial Dialer) Option {
	return func(g *Gateway) {
		g.dial = dial
	}
}

// WithReceiveBackoff sets the pause after a failed receive
func WithReceiveBackoff(d time.Duration) Option {
	return func(g *Gateway) {
		g.backoff = d
	}
}

// Gateway owns the broker connection, one sender per topic and every
// registered receiver
type Gateway struct {
	cfg     config.Broker
	dial    Dialer
	backoff time.Duration
	group   singleflight.Group

	mu        sync.Mutex
	conn      Conn
	senders   map[Topic]senderLink
	receivers []registeredReceiver
	closed    bool

	// receiving stops Receive calls; handling outlives it so in-flight
	// messages can still be settled while draining
	receiving     context.Context
	stopReceiving context.CancelFunc
	handling      context.Context
	stopHandling  context.CancelFunc
	listeners     sync.WaitGroup

	shutdownOnce sync.Once
	logger       zerolog.Logger
}

// New creates a gateway. It fails with ErrBrokerNotConfigured when cfg has
// no host. The connection is opened on first use.
func New(cfg config.Broker, opts ...Option) (*Gateway, error) {
	if !cfg.Configured() {
		return nil, types.ErrBrokerNotConfigured
	}

	g := &Gateway{
		cfg:     cfg,
		dial:    DialAMQP,
		backoff: DefaultReceiveBackoff,
		senders: make(map[Topic]senderLink),
		logger:  log.WithComponent("broker"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.receiving, g.stopReceiving = context.WithCancel(context.Background())
	g.handling, g.stopHandling = context.WithCancel(context.Background())
	return g, nil
}

// connection returns the shared connection, dialing it once for all
// concurrent first callers
func (g *Gateway) connection(ctx context.Context) (Conn, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGatewayClosed
	}
	if g.conn != nil {
		conn := g.conn
		g.mu.Unlock()
		return conn, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do("connection", func() (any, error) {
		g.mu.Lock()
		if g.conn != nil {
			conn := g.conn
			g.mu.Unlock()
			return conn, nil
		}
		g.mu.Unlock()

		conn, err := g.dial(ctx, g.cfg)
		if err != nil {
			metrics.UpdateComponent("broker", false, err.Error())
			return nil, fmt.Errorf("failed to connect to broker at %s:%d: %w", g.cfg.Host, g.cfg.Port, err)
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			_ = conn.Close(ctx)
			return nil, ErrGatewayClosed
		}
		g.conn = conn
		metrics.UpdateComponent("broker", true, "connected")
		g.logger.Info().Str("host", g.cfg.Host).Msg("connected to broker")
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

// sender returns the memoized sender for topic, creating it once for all
// concurrent first callers
func (g *Gateway) sender(ctx context.Context, topic Topic) (senderLink, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return senderLink{}, ErrGatewayClosed
	}
	if link, ok := g.senders[topic]; ok {
		g.mu.Unlock()
		return link, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do("sender:"+string(topic), func() (any, error) {
		g.mu.Lock()
		if link, ok := g.senders[topic]; ok {
			g.mu.Unlock()
			return link, nil
		}
		g.mu.Unlock()

		conn, err := g.connection(ctx)
		if err != nil {
			return nil, err
		}
		s, err := conn.NewSender(ctx, string(topic))
		if err != nil {
			if connFailed(err) {
				g.dropConnection(conn, err)
			}
			return nil, fmt.Errorf("failed to create sender for %s: %w", topic, err)
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			_ = s.Close(ctx)
			return nil, ErrGatewayClosed
		}
		link := senderLink{sender: s, conn: conn}
		g.senders[topic] = link
		return link, nil
	})
	if err != nil {
		return senderLink{}, err
	}
	return v.(senderLink), nil
}

// linkFailed reports whether err means the link is gone. go-amqp never
// reattaches a detached link, so the caller has to replace it.
func linkFailed(err error) bool {
	var linkErr *amqp.LinkError
	return errors.As(err, &linkErr) || connFailed(err)
}

// connFailed reports whether err means the connection or its shared session
// is gone
func connFailed(err error) bool {
	var connErr *amqp.ConnError
	var sessionErr *amqp.SessionError
	return errors.As(err, &connErr) || errors.As(err, &sessionErr)
}

// evictSender forgets a sender whose link failed so the next send attaches a
// new one
func (g *Gateway) evictSender(topic Topic, link senderLink, cause error) {
	if connFailed(cause) {
		g.dropConnection(link.conn, cause)
		return
	}

	g.mu.Lock()
	current, ok := g.senders[topic]
	evicted := ok && current.sender == link.sender
	if evicted {
		delete(g.senders, topic)
	}
	g.mu.Unlock()

	if evicted {
		g.logger.Warn().Err(cause).Str("topic", string(topic)).Msg("sender link lost, reattaching on next send")
		g.closeStale("sender", string(topic), link.sender.Close)
	}
}

// dropConnection forgets conn and every sender attached through it. The next
// caller dials again. It does nothing when conn was already replaced.
func (g *Gateway) dropConnection(conn Conn, cause error) {
	g.mu.Lock()
	if g.closed || conn == nil || g.conn != conn {
		g.mu.Unlock()
		return
	}
	g.conn = nil
	stale := make(map[Topic]Sender)
	for topic, link := range g.senders {
		if link.conn == conn {
			stale[topic] = link.sender
			delete(g.senders, topic)
		}
	}
	g.mu.Unlock()

	metrics.UpdateComponent("broker", false, cause.Error())
	g.logger.Warn().Err(cause).Int("senders", len(stale)).Msg("broker connection lost, reconnecting on next use")

	for topic, s := range stale {
		g.closeStale("sender", string(topic), s.Close)
	}
	g.closeStale("connection", g.cfg.Host, conn.Close)
}

func (g *Gateway) closeStale(kind, name string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), staleCloseTimeout)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		g.logger.Debug().Err(err).Str(kind, name).Msgf("closing failed %s", kind)
	}
}

// SendMessage publishes body to topic wrapped as {"body": ...} and returns
// the message id assigned to it
func (g *Gateway) SendMessage(ctx context.Context, topic Topic, body any) (Receipt, error) {
	data, err := json.Marshal(outbound{Body: body})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode message: %w", err)
	}

	if g.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.SendTimeout)
		defer cancel()
	}

	link, err := g.sender(ctx, topic)
	if err != nil {
		return Receipt{}, err
	}

	id := uuid.NewString()
	msg := amqp.NewMessage(data)
	msg.Properties = &amqp.MessageProperties{MessageID: id}

	timer := metrics.NewTimer()
	err = link.sender.Send(ctx, msg)
	timer.ObserveDuration(metrics.BrokerSendDuration)
	if err != nil {
		if linkFailed(err) {
			g.evictSender(topic, link, err)
		}
		return Receipt{}, fmt.Errorf("failed to send message to %s: %w", topic, err)
	}
	metrics.BrokerMessagesSent.WithLabelValues(string(topic)).Inc()

	g.logger.Debug().Str("topic", string(topic)).Str("message_id", id).Msg("message sent")
	return Receipt{ID: id, Topic: topic}, nil
}

// Shutdown stops every listener, closes all receivers and senders
// concurrently, then closes the connection. Only the first call does any
// work; later calls return nil.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.shutdownOnce.Do(func() {
		err = g.shutdown(ctx)
	})
	return err
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	receivers := append([]registeredReceiver(nil), g.receivers...)
	senders := make(map[Topic]Sender, len(g.senders))
	for topic, link := range g.senders {
		senders[topic] = link.sender
	}
	conn := g.conn
	g.mu.Unlock()

	g.stopReceiving()

	drained := make(chan struct{})
	go func() {
		g.listeners.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		g.logger.Warn().Msg("listeners did not drain before shutdown deadline")
	}
	g.stopHandling()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	closeLink := func(kind, name string, closeFn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := closeFn(ctx); err != nil {
				g.logger.Error().Err(err).Str(kind, name).Msgf("failed to close %s", kind)
				mu.Lock()
				errs = append(errs, fmt.Errorf("close %s %s: %w", kind, name, err))
				mu.Unlock()
			}
		}()
	}
	for _, r := range receivers {
		closeLink("receiver", string(r.queue), r.receiver.Close)
	}
	for topic, s := range senders {
		closeLink("sender", string(topic), s.Close)
	}
	wg.Wait()

	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			g.logger.Error().Err(err).Msg("failed to close broker connection")
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	metrics.UpdateComponent("broker", false, "shut down")

	g.logger.Info().
		Int("receivers", len(receivers)).
		Int("senders", len(senders)).
		Msg("broker gateway shut down")
	return errors.Join(errs...)
}
