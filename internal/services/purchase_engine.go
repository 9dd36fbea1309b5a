package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/LeadMarketService/internal/infrastructure/kafka"
	"github.com/honeynil/LeadMarketService/internal/infrastructure/observability"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/internal/repository"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type PurchaseEngine interface {
	// Purchase sells leadID to userID at the lead's current price. Business
	// failures come back as ErrLeadUnavailable, ErrLeadNotFound or
	// *InsufficientFundsError and leave no reservation or debit behind.
	Purchase(ctx context.Context, userID, leadID int64) (*models.PurchaseResult, error)
}

type purchaseEngine struct {
	leadRepo     repository.LeadRepository
	purchaseRepo repository.PurchaseRepository
	ledger       Ledger
	producer     kafka.KafkaProducer
}

func NewPurchaseEngine(
	leadRepo repository.LeadRepository,
	purchaseRepo repository.PurchaseRepository,
	ledger Ledger,
	producer kafka.KafkaProducer,
) *purchaseEngine {
	return &purchaseEngine{
		leadRepo:     leadRepo,
		purchaseRepo: purchaseRepo,
		ledger:       ledger,
		producer:     producer,
	}
}

func (e *purchaseEngine) Purchase(ctx context.Context, userID, leadID int64) (*models.PurchaseResult, error) {
	tracer := otel.Tracer("purchase-engine")
	ctx, span := tracer.Start(ctx, "Purchase")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int64("lead_id", leadID))

	result, err := e.purchase(ctx, userID, leadID)
	switch {
	case err == nil:
		observability.PurchasesTotal.WithLabelValues("success").Inc()
	case pkgerrors.IsBusiness(err):
		observability.PurchasesTotal.WithLabelValues(pkgerrors.Reason(err)).Inc()
		span.SetAttributes(attribute.String("outcome", pkgerrors.Reason(err)))
	default:
		observability.PurchasesTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "purchase failed")
	}
	return result, err
}

func (e *purchaseEngine) purchase(ctx context.Context, userID, leadID int64) (*models.PurchaseResult, error) {
	if err := e.purchaseRepo.Reserve(ctx, leadID, userID); err != nil {
		if errors.Is(err, pkgerrors.ErrLeadUnavailable) {
			slog.Info("lead already claimed",
				"user_id", userID,
				"lead_id", leadID)
			return nil, err
		}
		slog.Error("failed to reserve lead",
			"user_id", userID,
			"lead_id", leadID,
			"error", err)
		return nil, fmt.Errorf("failed to reserve lead %d: %w", leadID, err)
	}

	lead, err := e.leadRepo.GetByID(ctx, leadID)
	if err != nil {
		e.release(ctx, userID, leadID)
		if errors.Is(err, pkgerrors.ErrLeadNotFound) {
			slog.Warn("purchase of unknown lead",
				"user_id", userID,
				"lead_id", leadID)
			return nil, pkgerrors.ErrLeadNotFound
		}
		return nil, fmt.Errorf("failed to load lead %d: %w", leadID, err)
	}

	balance, err := e.ledger.Debit(ctx, userID, lead.PriceCents, models.PurchaseReference(leadID))
	if err != nil {
		e.release(ctx, userID, leadID)
		return nil, err
	}

	purchase := &models.Purchase{
		UserID:     userID,
		LeadID:     leadID,
		PriceCents: lead.PriceCents,
	}
	if err := e.purchaseRepo.Create(ctx, purchase); err != nil {
		slog.Error("failed to record purchase, refunding",
			"user_id", userID,
			"lead_id", leadID,
			"price", lead.PriceCents,
			"error", err)
		if refundErr := e.refund(ctx, userID, lead.PriceCents); refundErr != nil {
			err = errors.Join(err, refundErr)
		}
		e.release(ctx, userID, leadID)
		return nil, fmt.Errorf("failed to record purchase of lead %d: %w", leadID, err)
	}

	slog.Info("lead purchased",
		"user_id", userID,
		"lead_id", leadID,
		"purchase_id", purchase.ID,
		"price", purchase.PriceCents,
		"remaining_balance", balance)

	e.publish(ctx, purchase)

	return &models.PurchaseResult{Purchase: *purchase, RemainingBalance: balance}, nil
}

// release and refund run on a detached context: an abandoned request must
// still undo its own partial work.
func (e *purchaseEngine) release(ctx context.Context, userID, leadID int64) {
	if err := e.purchaseRepo.Release(context.WithoutCancel(ctx), leadID, userID); err != nil {
		// The sweep drops it once it goes stale.
		slog.Error("failed to release reservation",
			"user_id", userID,
			"lead_id", leadID,
			"error", err)
	}
}

func (e *purchaseEngine) refund(ctx context.Context, userID, amount int64) error {
	reference := models.RefundReference(uuid.NewString())
	if _, _, err := e.ledger.Credit(context.WithoutCancel(ctx), userID, amount, reference); err != nil {
		slog.Error("refund failed, balance needs manual correction",
			"user_id", userID,
			"amount", amount,
			"reference", reference,
			"error", err)
		return fmt.Errorf("refund %s: %w", reference, err)
	}
	return nil
}

func (e *purchaseEngine) publish(ctx context.Context, purchase *models.Purchase) {
	if e.producer == nil {
		return
	}
	event := kafka.LeadPurchasedEvent{
		PurchaseID:  purchase.ID,
		UserID:      purchase.UserID,
		LeadID:      purchase.LeadID,
		PriceCents:  purchase.PriceCents,
		PurchasedAt: purchase.PurchasedAt.UTC(),
	}
	if event.PurchasedAt.IsZero() {
		event.PurchasedAt = time.Now().UTC()
	}
	if err := kafka.Publish(ctx, e.producer, kafka.TopicLeadPurchased, strconv.FormatInt(purchase.LeadID, 10), event); err != nil {
		slog.Error("failed to publish purchase event",
			"purchase_id", purchase.ID,
			"lead_id", purchase.LeadID,
			"error", err)
	}
}
