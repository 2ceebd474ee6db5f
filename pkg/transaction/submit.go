package transaction

import (
	"context"
	"fmt"

	"github.com/cuemby/txrelay/pkg/broker"
	"github.com/cuemby/txrelay/pkg/log"
)

// SubmitRequest asks for a transaction to be built, submitted and watched.
// It is the message shape of the transactions.submit queue.
type SubmitRequest struct {
	Tags       []string `json:"tags" valid:"required"`
	Batch      bool     `json:"batch"`
	WebhookURL string   `json:"webhookUrl" valid:"url,required"`
}

// Builder prepares SDK transactions from submit requests
type Builder interface {
	Build(ctx context.Context, req SubmitRequest) (Transaction, error)
}

// SubmitHandler returns a broker handler that submits every valid request it
// receives. A build or submit failure rejects the message.
func (t *Tracker) SubmitHandler(builder Builder) broker.Handler[SubmitRequest] {
	return func(ctx context.Context, req SubmitRequest) error {
		tx, err := builder.Build(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to build transaction: %w", err)
		}

		payload, err := t.SubmitAndSubscribe(ctx, tx, req.WebhookURL)
		if err != nil {
			return err
		}

		logger := log.WithComponent("tracker")
		logger.Debug().
			Str("scope", payload.Scope).
			Str("subscription_id", payload.SubscriptionID).
			Msg("queued submission accepted")
		return nil
	}
}
