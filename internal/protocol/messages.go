// Package protocol defines the push channel wire format shared by the
// real-time client and the notification server.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message on the WebSocket wire.
type MessageType string

const (
	// Client → Server
	MsgAuth MessageType = "auth"
	MsgPong MessageType = "pong"

	// Server → Client
	MsgNotification MessageType = "notification"
	MsgStatsUpdate  MessageType = "stats_update"
	MsgPing         MessageType = "ping"
	MsgError        MessageType = "error"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// NewEnvelope stamps a message with a fresh ID and the current time.
func NewEnvelope(t MessageType, payload any) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// AuthPayload is the first frame a client sends after connecting.
type AuthPayload struct {
	Token string `json:"token"`
}

// NotificationKind is the closed set of notification categories.
type NotificationKind string

const (
	NotifyLoanApplied        NotificationKind = "loan_applied"
	NotifyLoanApproved       NotificationKind = "loan_approved"
	NotifyLoanRejected       NotificationKind = "loan_rejected"
	NotifyLoanDisbursed      NotificationKind = "loan_disbursed"
	NotifyPaymentReceived    NotificationKind = "payment_received"
	NotifyPaymentOverdue     NotificationKind = "payment_overdue"
	NotifyDocumentUploaded   NotificationKind = "document_uploaded"
	NotifySubscriptionChange NotificationKind = "subscription_changed"
	NotifySystem             NotificationKind = "system"
)

// NotificationKinds lists every known kind.
var NotificationKinds = []NotificationKind{
	NotifyLoanApplied,
	NotifyLoanApproved,
	NotifyLoanRejected,
	NotifyLoanDisbursed,
	NotifyPaymentReceived,
	NotifyPaymentOverdue,
	NotifyDocumentUploaded,
	NotifySubscriptionChange,
	NotifySystem,
}

// Describe returns the display label for k. Unknown kinds are reported
// rather than guessed at.
func (k NotificationKind) Describe() (string, error) {
	switch k {
	case NotifyLoanApplied:
		return "New loan application", nil
	case NotifyLoanApproved:
		return "Loan approved", nil
	case NotifyLoanRejected:
		return "Loan rejected", nil
	case NotifyLoanDisbursed:
		return "Loan disbursed", nil
	case NotifyPaymentReceived:
		return "Payment received", nil
	case NotifyPaymentOverdue:
		return "Payment overdue", nil
	case NotifyDocumentUploaded:
		return "Document uploaded", nil
	case NotifySubscriptionChange:
		return "Subscription status changed", nil
	case NotifySystem:
		return "System notice", nil
	default:
		return "", fmt.Errorf("unknown notification kind %q", string(k))
	}
}

// NotificationPayload is a user-facing notification pushed by the server.
type NotificationPayload struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}

// StatsUpdatePayload carries dashboard counters.
type StatsUpdatePayload struct {
	BankID         string  `json:"bankId,omitempty"`
	ActiveLoans    int     `json:"activeLoans"`
	PendingLoans   int     `json:"pendingLoans"`
	TotalBorrowers int     `json:"totalBorrowers"`
	Portfolio      float64 `json:"portfolio"`
}

// ErrorPayload is sent by the server before closing a rejected channel.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodePayload re-decodes an envelope's generic payload into dst.
func DecodePayload(env Envelope, dst any) error {
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("re-marshal %s payload: %w", env.Type, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
