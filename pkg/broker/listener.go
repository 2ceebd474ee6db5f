package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/asaskevich/govalidator"
	"github.com/cuemby/txrelay/pkg/metrics"
	"github.com/cuemby/txrelay/pkg/types"
	"github.com/rs/zerolog"
)

// Rejection conditions
const (
	ConditionValidation amqp.ErrCond = "validation error"
	ConditionProcessing amqp.ErrCond = "processing error"
)

// Handler processes one decoded, validated message. A nil return accepts the
// message; an error rejects it.
type Handler[T any] func(ctx context.Context, payload T) error

type inbound struct {
	Body json.RawMessage `json:"body"`
}

// Listener is a running consumer of one queue
type Listener struct {
	queue Queue
	done  chan struct{}
	err   error
}

// Queue returns the queue the listener consumes
func (l *Listener) Queue() Queue {
	return l.queue
}

// Done is closed when the listener stops
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns why the listener stopped. It is nil after a shutdown and only
// meaningful once Done is closed.
func (l *Listener) Err() error {
	return l.err
}

// Listen attaches a receiver with a credit window of one to queue and hands
// every message to handler. Messages whose body fails to decode or validate
// are rejected without reaching the handler.
func Listen[T any](ctx context.Context, g *Gateway, queue Queue, handler Handler[T]) (*Listener, error) {
	conn, err := g.connection(ctx)
	if err != nil {
		return nil, err
	}

	receiver, err := conn.NewReceiver(ctx, string(queue), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver for %s: %w", queue, err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = receiver.Close(ctx)
		return nil, ErrGatewayClosed
	}
	link := registeredReceiver{queue: queue, receiver: receiver, conn: conn}
	g.receivers = append(g.receivers, link)
	g.listeners.Add(1)
	g.mu.Unlock()

	l := &Listener{queue: queue, done: make(chan struct{})}
	logger := g.logger.With().Str("queue", string(queue)).Logger()

	go func() {
		defer g.listeners.Done()
		defer close(l.done)
		l.err = consume(g, logger, link, handler)
		if l.err != nil {
			logger.Error().Err(l.err).Msg("listener aborted")
		}
	}()

	logger.Info().Msg("listener registered")
	return l, nil
}

func consume[T any](g *Gateway, logger zerolog.Logger, link registeredReceiver, handler Handler[T]) error {
	for {
		msg, err := link.receiver.Receive(g.receiving)
		if err != nil {
			if g.receiving.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("receive failed")
			if linkFailed(err) {
				next, rerr := g.reattach(link, err)
				if rerr == nil {
					link = next
					logger.Info().Msg("receiver reattached")
					continue
				}
				if errors.Is(rerr, ErrGatewayClosed) {
					return nil
				}
				logger.Warn().Err(rerr).Msg("failed to reattach receiver")
			}
			select {
			case <-g.receiving.Done():
				return nil
			case <-time.After(g.backoff):
			}
			continue
		}
		if msg == nil {
			return types.ErrNoDelivery
		}
		process(g.handling, logger, link.queue, link.receiver, msg, handler)
	}
}

// reattach replaces a receiver whose link failed. A failed connection is
// dropped first so the new link rides on a fresh dial.
func (g *Gateway) reattach(link registeredReceiver, cause error) (registeredReceiver, error) {
	if connFailed(cause) {
		g.dropConnection(link.conn, cause)
	}

	ctx := g.receiving
	conn, err := g.connection(ctx)
	if err != nil {
		return link, err
	}
	receiver, err := conn.NewReceiver(ctx, string(link.queue), 1)
	if err != nil {
		if connFailed(err) {
			g.dropConnection(conn, err)
		}
		return link, fmt.Errorf("failed to create receiver for %s: %w", link.queue, err)
	}
	next := registeredReceiver{queue: link.queue, receiver: receiver, conn: conn}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = receiver.Close(context.Background())
		return link, ErrGatewayClosed
	}
	for i, r := range g.receivers {
		if r.receiver == link.receiver {
			g.receivers[i] = next
			break
		}
	}
	g.mu.Unlock()

	g.closeStale("receiver", string(link.queue), link.receiver.Close)
	return next, nil
}

// process settles msg exactly once
func process[T any](ctx context.Context, logger zerolog.Logger, queue Queue, receiver Receiver, msg *amqp.Message, handler Handler[T]) {
	payload, err := decode[T](msg.GetData())
	if err != nil {
		logger.Warn().Err(err).Msg("rejecting invalid message")
		settle(logger, queue, "rejected", receiver.RejectMessage(ctx, msg, &amqp.Error{
			Condition:   ConditionValidation,
			Description: err.Error(),
		}))
		return
	}

	if err := invoke(ctx, handler, payload); err != nil {
		logger.Warn().Err(err).Msg("handler failed, rejecting message")
		settle(logger, queue, "rejected", receiver.RejectMessage(ctx, msg, &amqp.Error{
			Condition:   ConditionProcessing,
			Description: err.Error(),
		}))
		return
	}

	settle(logger, queue, "accepted", receiver.AcceptMessage(ctx, msg))
}

func settle(logger zerolog.Logger, queue Queue, disposition string, err error) {
	if err != nil {
		logger.Error().Err(err).Str("disposition", disposition).Msg("failed to settle message")
		return
	}
	metrics.BrokerMessagesSettled.WithLabelValues(string(queue), disposition).Inc()
}

func invoke[T any](ctx context.Context, handler Handler[T], payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, payload)
}

// decode unwraps the {"body": ...} envelope and validates struct payloads
// against their `valid` tags
func decode[T any](data []byte) (T, error) {
	var payload T

	var env inbound
	if err := json.Unmarshal(data, &env); err != nil {
		return payload, fmt.Errorf("%w: malformed envelope: %v", types.ErrValidation, err)
	}
	if len(env.Body) == 0 || string(env.Body) == "null" {
		return payload, fmt.Errorf("%w: missing body", types.ErrValidation)
	}
	if err := json.Unmarshal(env.Body, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}

	if reflect.Indirect(reflect.ValueOf(payload)).Kind() == reflect.Struct {
		if _, err := govalidator.ValidateStruct(payload); err != nil {
			return payload, fmt.Errorf("%w: %v", types.ErrValidation, err)
		}
	}
	return payload, nil
}
