package broker

import (
	"context"
	"fmt"

	"github.com/Azure/go-amqp"
	"github.com/cuemby/txrelay/pkg/config"
	"github.com/google/uuid"
)

// Conn is a broker connection with one shared session for every link
type Conn interface {
	NewSender(ctx context.Context, target string) (Sender, error)
	NewReceiver(ctx context.Context, source string, credit int32) (Receiver, error)
	Close(ctx context.Context) error
}

// Sender publishes messages to one topic
type Sender interface {
	Send(ctx context.Context, msg *amqp.Message) error
	Close(ctx context.Context) error
}

// Receiver consumes messages from one queue with explicit settlement
type Receiver interface {
	Receive(ctx context.Context) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	RejectMessage(ctx context.Context, msg *amqp.Message, e *amqp.Error) error
	Close(ctx context.Context) error
}

// Dialer opens a broker connection
type Dialer func(ctx context.Context, cfg config.Broker) (Conn, error)

type amqpConn struct {
	conn    *amqp.Conn
	session *amqp.Session
}

// DialAMQP opens an AMQP 1.0 connection and session. SASL PLAIN is used when
// a username is configured, ANONYMOUS otherwise.
func DialAMQP(ctx context.Context, cfg config.Broker) (Conn, error) {
	opts := &amqp.ConnOptions{
		ContainerID: "txrelay-" + uuid.NewString(),
		SASLType:    amqp.SASLTypeAnonymous(),
	}
	if cfg.Username != "" {
		opts.SASLType = amqp.SASLTypePlain(cfg.Username, cfg.Password)
	}

	conn, err := amqp.Dial(ctx, cfg.Address(), opts)
	if err != nil {
		return nil, err
	}

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	return &amqpConn{conn: conn, session: session}, nil
}

func (c *amqpConn) NewSender(ctx context.Context, target string) (Sender, error) {
	s, err := c.session.NewSender(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	return amqpSender{s}, nil
}

func (c *amqpConn) NewReceiver(ctx context.Context, source string, credit int32) (Receiver, error) {
	r, err := c.session.NewReceiver(ctx, source, &amqp.ReceiverOptions{
		Credit: credit,
	})
	if err != nil {
		return nil, err
	}
	return amqpReceiver{r}, nil
}

func (c *amqpConn) Close(ctx context.Context) error {
	sessionErr := c.session.Close(ctx)
	if err := c.conn.Close(); err != nil {
		return err
	}
	return sessionErr
}

type amqpSender struct {
	*amqp.Sender
}

func (s amqpSender) Send(ctx context.Context, msg *amqp.Message) error {
	return s.Sender.Send(ctx, msg, nil)
}

type amqpReceiver struct {
	*amqp.Receiver
}

func (r amqpReceiver) Receive(ctx context.Context) (*amqp.Message, error) {
	return r.Receiver.Receive(ctx, nil)
}
