package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/observability"
	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"github.com/honeynil/LeadMarketService/pkg/money"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	MaxCartSize    = 100
	reasonCanceled = "canceled"
)

type CheckoutOrchestrator interface {
	// Checkout buys leadIDs one after another. Items fail independently and
	// committed purchases are never rolled back.
	Checkout(ctx context.Context, userID int64, leadIDs []int64) (*models.CheckoutResult, error)
}

type checkoutService struct {
	engine PurchaseEngine
	ledger Ledger
}

func NewCheckout(engine PurchaseEngine, ledger Ledger) *checkoutService {
	return &checkoutService{engine: engine, ledger: ledger}
}

func (c *checkoutService) Checkout(ctx context.Context, userID int64, leadIDs []int64) (*models.CheckoutResult, error) {
	tracer := otel.Tracer("checkout")
	ctx, span := tracer.Start(ctx, "Checkout")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int("items", len(leadIDs)))

	if len(leadIDs) == 0 || len(leadIDs) > MaxCartSize {
		span.SetStatus(codes.Error, "bad cart size")
		return nil, fmt.Errorf("%w: cart must hold 1..%d leads", pkgerrors.ErrInvalidInput, MaxCartSize)
	}

	result := &models.CheckoutResult{
		Succeeded: []models.Purchase{},
		Failed:    []models.FailedItem{},
	}
	for i, leadID := range leadIDs {
		if ctx.Err() != nil {
			slog.Info("checkout abandoned",
				"user_id", userID,
				"completed", i,
				"remaining", len(leadIDs)-i)
			observability.CheckoutItems.WithLabelValues(reasonCanceled).Add(float64(len(leadIDs) - i))
			for _, rest := range leadIDs[i:] {
				result.Failed = append(result.Failed, models.FailedItem{
					LeadID:  rest,
					Reason:  reasonCanceled,
					Message: "checkout was canceled before this lead was processed",
				})
			}
			break
		}

		res, err := c.engine.Purchase(ctx, userID, leadID)
		if err == nil {
			observability.CheckoutItems.WithLabelValues("success").Inc()
			result.Succeeded = append(result.Succeeded, res.Purchase)
			result.FinalBalance = res.RemainingBalance
			continue
		}
		if !pkgerrors.IsBusiness(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkout aborted")
			slog.Error("checkout aborted",
				"user_id", userID,
				"lead_id", leadID,
				"succeeded", len(result.Succeeded),
				"error", err)
			return nil, err
		}
		observability.CheckoutItems.WithLabelValues(pkgerrors.Reason(err)).Inc()
		result.Failed = append(result.Failed, failedItem(leadID, err))
	}

	balance, err := c.ledger.Balance(context.WithoutCancel(ctx), userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "balance lookup failed")
		return nil, fmt.Errorf("failed to read final balance: %w", err)
	}
	result.FinalBalance = balance

	slog.Info("checkout finished",
		"user_id", userID,
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"final_balance", balance)
	return result, nil
}

// failedItem renders a business error for the buyer without internal ids.
func failedItem(leadID int64, err error) models.FailedItem {
	item := models.FailedItem{LeadID: leadID, Reason: pkgerrors.Reason(err)}
	var insufficient *pkgerrors.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		item.ShortfallCents = insufficient.Shortfall()
		item.Message = fmt.Sprintf("insufficient funds: top up %s to buy this lead", money.FromCents(insufficient.Shortfall()))
	case errors.Is(err, pkgerrors.ErrLeadUnavailable):
		item.Message = "lead was already sold"
	case errors.Is(err, pkgerrors.ErrLeadNotFound):
		item.Message = "lead no longer exists"
	default:
		item.Message = err.Error()
	}
	return item
}
