package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TopicLeadPurchased       = "lead.purchased"
	TopicPaymentStatus       = "payment.status"
	TopicPaymentUnlockFailed = "payment.unlock_failed"
)

type LeadPurchasedEvent struct {
	PurchaseID  int64     `json:"purchase_id"`
	UserID      int64     `json:"user_id"`
	LeadID      int64     `json:"lead_id"`
	PriceCents  int64     `json:"price_cents"`
	PurchasedAt time.Time `json:"purchased_at"`
}

type PaymentStatusEvent struct {
	PaymentID   string    `json:"payment_id"`
	UserID      int64     `json:"user_id"`
	Gateway     string    `json:"gateway"`
	Status      string    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// PaymentUnlockFailedEvent carries everything needed to rebuild the payment issue row.
type PaymentUnlockFailedEvent struct {
	PaymentID  string    `json:"payment_id"`
	UserID     int64     `json:"user_id"`
	LeadID     int64     `json:"lead_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publish encodes event as JSON and sends it with key.
func Publish(ctx context.Context, producer KafkaProducer, topic, key string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}
	return producer.Send(ctx, topic, key, value)
}
