package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/internal/repository"
	"github.com/segmentio/kafka-go"
)

// Consumer persists payment issues published on TopicPaymentUnlockFailed.
// Issue rows are unique per payment, so redelivery is harmless.
type Consumer struct {
	reader      *kafka.Reader
	paymentRepo repository.PaymentRepository
}

func NewConsumer(brokers []string, groupID string, paymentRepo repository.PaymentRepository) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    TopicPaymentUnlockFailed,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		paymentRepo: paymentRepo,
	}
}

func (c *Consumer) Consume(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			slog.Error("failed to read Kafka message", "topic", TopicPaymentUnlockFailed, "error", err)
			continue
		}

		if err := c.handle(ctx, msg.Value); err != nil {
			slog.Error("failed to record payment issue", "key", string(msg.Key), "error", err)
			// Not committed: the message is redelivered after a rebalance or restart.
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit Kafka message", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var event PaymentUnlockFailedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		slog.Error("failed to unmarshal payment issue event", "error", err)
		return nil
	}
	paymentID, err := uuid.Parse(event.PaymentID)
	if err != nil {
		slog.Error("invalid payment id in issue event", "payment_id", event.PaymentID)
		return nil
	}
	issue := &models.PaymentIssue{
		PaymentID: paymentID,
		UserID:    event.UserID,
		LeadID:    event.LeadID,
		Reason:    event.Reason,
	}
	if err := c.paymentRepo.CreateIssue(ctx, issue); err != nil {
		return err
	}
	slog.Info("payment issue recorded", "payment_id", event.PaymentID, "reason", event.Reason)
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
