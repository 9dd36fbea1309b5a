package models

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentPaid       PaymentStatus = "paid"
	PaymentFailed     PaymentStatus = "failed"
	PaymentExpired    PaymentStatus = "expired"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed || s == PaymentExpired
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentPaid, PaymentFailed, PaymentExpired:
		return true
	}
	return false
}

// TransitionSources lists the states a payment may be in for a move to
// target to be legal. Terminal states have no outgoing edges.
func TransitionSources(target PaymentStatus) []PaymentStatus {
	switch target {
	case PaymentProcessing:
		return []PaymentStatus{PaymentPending}
	case PaymentPaid, PaymentFailed:
		return []PaymentStatus{PaymentPending, PaymentProcessing}
	case PaymentExpired:
		return []PaymentStatus{PaymentProcessing}
	}
	return nil
}

func CanTransition(from, to PaymentStatus) bool {
	for _, s := range TransitionSources(to) {
		if s == from {
			return true
		}
	}
	return false
}

type IntentKind string

const (
	IntentTopUp      IntentKind = "topup"
	IntentUnlockLead IntentKind = "unlock_lead"
)

type PaymentIntent struct {
	Kind   IntentKind `json:"kind"`
	LeadID int64      `json:"lead_id,omitempty"`
}

func (i PaymentIntent) Valid() bool {
	switch i.Kind {
	case IntentTopUp:
		return i.LeadID == 0
	case IntentUnlockLead:
		return i.LeadID > 0
	}
	return false
}

type Payment struct {
	ID                uuid.UUID     `json:"id"`
	UserID            int64         `json:"user_id"`
	AmountCents       int64         `json:"amount_cents"`
	Currency          string        `json:"currency"`
	Gateway           string        `json:"gateway"`
	ExternalReference string        `json:"external_reference,omitempty"`
	Status            PaymentStatus `json:"status"`
	PayAddress        string        `json:"pay_address,omitempty"`
	PayURL            string        `json:"pay_url,omitempty"`
	Intent            PaymentIntent `json:"intent"`
	ExpiresAt         *time.Time    `json:"expires_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
	FailureReason     string        `json:"failure_reason,omitempty"`
}

// Overdue reports whether a processing payment has outlived its gateway expiry.
func (p *Payment) Overdue(now time.Time) bool {
	return p.Status == PaymentProcessing && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// PaymentUpdate carries the fields a transition may set.
type PaymentUpdate struct {
	Status            PaymentStatus
	ExternalReference string
	PayAddress        string
	PayURL            string
	ExpiresAt         *time.Time
	PaidAt            *time.Time
	FailureReason     string
}

type InvoiceResult struct {
	PaymentID  uuid.UUID     `json:"payment_id"`
	Status     PaymentStatus `json:"status"`
	PayAddress string        `json:"gateway_address,omitempty"`
	PayURL     string        `json:"gateway_url,omitempty"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
}

type WebhookStatus string

const (
	WebhookApplied   WebhookStatus = "applied"
	WebhookIgnored   WebhookStatus = "ignored"
	WebhookRejected  WebhookStatus = "rejected"
	WebhookLatePaid  WebhookStatus = "late_paid"
	WebhookUnmatched WebhookStatus = "unmatched"
)

// WebhookEvent is the audit record of one gateway delivery.
type WebhookEvent struct {
	ID                int64         `json:"id"`
	Gateway           string        `json:"gateway"`
	ExternalReference string        `json:"external_reference"`
	PayloadHash       string        `json:"payload_hash"`
	SignatureValid    bool          `json:"signature_valid"`
	Status            WebhookStatus `json:"status"`
	ReceivedAt        time.Time     `json:"received_at"`
}

// PaymentIssue is queued for manual or automatic refund handling.
type PaymentIssue struct {
	ID        int64     `json:"id"`
	PaymentID uuid.UUID `json:"payment_id"`
	UserID    int64     `json:"user_id"`
	LeadID    int64     `json:"lead_id,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
