package transaction

import (
	"github.com/cuemby/txrelay/pkg/types"
)

// Kind discriminates single transactions from batches in status payloads
type Kind string

const (
	KindSingle Kind = "Single"
	KindBatch  Kind = "Batch"
)

// ResultSuccess marks a transaction that was included and succeeded
const ResultSuccess = "success"

// Receipt carries the chain-side facts of a transaction. Fields are filled in
// by the SDK as the transaction progresses.
type Receipt struct {
	TxHash      string
	BlockHash   string
	BlockNumber uint64
	Err         error
}

// StatusPayload is the event payload describing one status snapshot
type StatusPayload struct {
	Type            Kind                    `json:"type"`
	TransactionTag  string                  `json:"transactionTag,omitempty"`
	TransactionTags []string                `json:"transactionTags,omitempty"`
	Status          types.TransactionStatus `json:"status"`
	TransactionHash string                  `json:"transactionHash,omitempty"`
	BlockHash       string                  `json:"blockHash,omitempty"`
	BlockNumber     *uint64                 `json:"blockNumber,omitempty"`
	Result          string                  `json:"result,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

// NotificationPayload is returned synchronously by SubmitAndSubscribe. It has
// the shape of a webhook delivery and always carries nonce 0.
type NotificationPayload struct {
	Type           types.EventType `json:"type"`
	Scope          string          `json:"scope"`
	SubscriptionID string          `json:"subscriptionId"`
	Nonce          uint64          `json:"nonce"`
	Payload        StatusPayload   `json:"payload"`
}

// buildStatusPayload describes tx as of status. The status is passed in
// because the SDK mutates the transaction in place.
func buildStatusPayload(tx Transaction, status types.TransactionStatus) StatusPayload {
	p := StatusPayload{Status: status}

	if tx.Batch() {
		p.Type = KindBatch
		p.TransactionTags = append([]string{}, tx.Tags()...)
	} else {
		p.Type = KindSingle
		if tags := tx.Tags(); len(tags) > 0 {
			p.TransactionTag = tags[0]
		}
	}

	receipt := tx.Receipt()
	if status.IsSigned() {
		p.TransactionHash = receipt.TxHash
	}
	if status.IsIncluded() {
		p.BlockHash = receipt.BlockHash
		number := receipt.BlockNumber
		p.BlockNumber = &number
		if status == types.TransactionStatusSucceeded {
			p.Result = ResultSuccess
		}
	}
	if status.HasError() {
		if receipt.Err != nil {
			p.Error = receipt.Err.Error()
		} else {
			p.Error = string(status)
		}
	}
	return p
}
