package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when a stored record does not exist
	ErrNotFound = errors.New("not found")

	// ErrBrokerNotConfigured is returned when the gateway is built without connection parameters
	ErrBrokerNotConfigured = errors.New("broker not configured")

	// ErrNoDelivery is returned when the broker hands over a message that cannot be settled
	ErrNoDelivery = errors.New("message received without a delivery handle")

	// ErrValidation is returned when an inbound payload fails schema validation
	ErrValidation = errors.New("validation error")
)

// FormatID renders a numeric record id the way it is exposed to callers
func FormatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// ParseID parses an id produced by FormatID
func ParseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, ErrNotFound)
	}
	return id, nil
}

// TransactionStatus is the lifecycle state reported by the blockchain SDK
type TransactionStatus string

const (
	TransactionStatusUnapproved TransactionStatus = "Unapproved"
	TransactionStatusIdle       TransactionStatus = "Idle"
	TransactionStatusRunning    TransactionStatus = "Running"
	TransactionStatusSucceeded  TransactionStatus = "Succeeded"
	TransactionStatusFailed     TransactionStatus = "Failed"
	TransactionStatusAborted    TransactionStatus = "Aborted"
	TransactionStatusRejected   TransactionStatus = "Rejected"
)

// IsTerminal reports whether no further transition can follow s
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusSucceeded, TransactionStatusFailed,
		TransactionStatusAborted, TransactionStatusRejected:
		return true
	}
	return false
}

// IsSigned reports whether a transaction in status s carries a hash
func (s TransactionStatus) IsSigned() bool {
	switch s {
	case TransactionStatusRejected, TransactionStatusUnapproved, TransactionStatusIdle:
		return false
	}
	return true
}

// IsIncluded reports whether a transaction in status s landed in a block
func (s TransactionStatus) IsIncluded() bool {
	return s == TransactionStatusSucceeded || s == TransactionStatusFailed
}

// HasError reports whether a transaction in status s carries an error message
func (s TransactionStatus) HasError() bool {
	switch s {
	case TransactionStatusAborted, TransactionStatusFailed, TransactionStatusRejected:
		return true
	}
	return false
}

// EventType discriminates stored events
type EventType string

const (
	EventTransactionStatus EventType = "transaction.status"
)

// Event is an immutable record of something subscribers may care about
type Event struct {
	ID        uint64          `json:"id"`
	Type      EventType       `json:"type"`
	Scope     string          `json:"scope"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SubscriptionStatus represents the lifecycle state of a webhook subscription
type SubscriptionStatus string

const (
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusDone     SubscriptionStatus = "done"
	SubscriptionStatusRejected SubscriptionStatus = "rejected"
)

// IsTerminal reports whether the subscription accepts no further deliveries
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusDone || s == SubscriptionStatusRejected
}

// Subscription is a webhook registered for events of one type and scope
type Subscription struct {
	ID               uint64             `json:"id"`
	EventType        EventType          `json:"eventType"`
	EventScope       string             `json:"eventScope"`
	WebhookURL       string             `json:"webhookUrl"`
	Status           SubscriptionStatus `json:"status"`
	TTL              time.Duration      `json:"ttl"`
	CreatedAt        time.Time          `json:"createdAt"`
	TriesLeft        int                `json:"triesLeft"`
	NextNonce        uint64             `json:"nextNonce"`
	LegitimacySecret string             `json:"legitimacySecret,omitempty"`
}

// IsExpired reports whether now is past the subscription's time to live
func (s *Subscription) IsExpired(now time.Time) bool {
	return now.After(s.CreatedAt.Add(s.TTL))
}

// SubscriptionPatch lists the only fields that may change after creation
type SubscriptionPatch struct {
	Status    *SubscriptionStatus
	TriesLeft *int
}

// Apply copies the whitelisted fields onto sub
func (p SubscriptionPatch) Apply(sub *Subscription) {
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.TriesLeft != nil {
		sub.TriesLeft = *p.TriesLeft
	}
}

// NotificationStatus represents the delivery state of a notification
type NotificationStatus string

const (
	NotificationStatusActive       NotificationStatus = "active"
	NotificationStatusAcknowledged NotificationStatus = "acknowledged"
	NotificationStatusOrphaned     NotificationStatus = "orphaned"
	NotificationStatusFailed       NotificationStatus = "failed"
	NotificationStatusTimedOut     NotificationStatus = "timed_out"
)

// IsTerminal reports whether delivery of the notification has finished
func (s NotificationStatus) IsTerminal() bool {
	return s != NotificationStatusActive
}

// Notification is one delivery lineage of an event to a subscription
type Notification struct {
	ID             uint64             `json:"id"`
	SubscriptionID uint64             `json:"subscriptionId"`
	EventID        uint64             `json:"eventId"`
	Status         NotificationStatus `json:"status"`
	TriesLeft      int                `json:"triesLeft"`
	Nonce          uint64             `json:"nonce"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// NotificationPatch lists the only fields that may change after creation
type NotificationPatch struct {
	Status    *NotificationStatus
	TriesLeft *int
}

// Apply copies the whitelisted fields onto n
func (p NotificationPatch) Apply(n *Notification) {
	if p.Status != nil {
		n.Status = *p.Status
	}
	if p.TriesLeft != nil {
		n.TriesLeft = *p.TriesLeft
	}
}

// WebhookBody is the JSON document POSTed to a subscriber
type WebhookBody struct {
	Type           EventType       `json:"type"`
	Scope          string          `json:"scope"`
	SubscriptionID string          `json:"subscriptionId"`
	Nonce          uint64          `json:"nonce"`
	Payload        json.RawMessage `json:"payload"`
}
