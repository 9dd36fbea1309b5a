package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/observability"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/internal/repository"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultHistoryLimit = 50

// Ledger moves money on a user's balance. Every mutation is a single
// conditional storage operation and leaves a ledger entry behind.
type Ledger interface {
	Debit(ctx context.Context, userID, amount int64, reference string) (int64, error)
	// Credit returns applied=false when reference was credited before.
	Credit(ctx context.Context, userID, amount int64, reference string) (int64, bool, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	History(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error)
}

type ledgerService struct {
	userRepo repository.UserRepository
}

func NewLedger(userRepo repository.UserRepository) *ledgerService {
	return &ledgerService{userRepo: userRepo}
}

func (l *ledgerService) Debit(ctx context.Context, userID, amount int64, reference string) (int64, error) {
	tracer := otel.Tracer("ledger")
	ctx, span := tracer.Start(ctx, "Debit")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int64("amount", amount))

	if amount <= 0 {
		span.SetStatus(codes.Error, "non-positive amount")
		return 0, pkgerrors.ErrInvalidAmount
	}

	entry, err := l.userRepo.Debit(ctx, userID, amount, reference)
	if err != nil {
		var insufficient *pkgerrors.InsufficientFundsError
		if errors.As(err, &insufficient) {
			slog.Info("debit rejected",
				"user_id", userID,
				"amount", amount,
				"balance", insufficient.Balance,
				"shortfall", insufficient.Shortfall(),
				"reference", reference)
			return 0, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "debit failed")
		slog.Error("failed to debit balance",
			"user_id", userID,
			"amount", amount,
			"reference", reference,
			"error", err)
		return 0, fmt.Errorf("failed to debit user %d: %w", userID, err)
	}

	observability.LedgerMovementCents.WithLabelValues(string(models.EntryDebit)).Add(float64(amount))
	slog.Info("balance debited",
		"user_id", userID,
		"amount", amount,
		"balance_before", entry.BalanceBefore,
		"balance_after", entry.BalanceAfter,
		"reference", reference)
	return entry.BalanceAfter, nil
}

func (l *ledgerService) Credit(ctx context.Context, userID, amount int64, reference string) (int64, bool, error) {
	tracer := otel.Tracer("ledger")
	ctx, span := tracer.Start(ctx, "Credit")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int64("amount", amount))

	if amount <= 0 {
		span.SetStatus(codes.Error, "non-positive amount")
		return 0, false, pkgerrors.ErrInvalidAmount
	}

	entry, err := l.userRepo.Credit(ctx, userID, amount, reference)
	if errors.Is(err, pkgerrors.ErrDuplicateReference) {
		balance, balErr := l.userRepo.GetBalance(ctx, userID)
		if balErr != nil {
			span.RecordError(balErr)
			return 0, false, fmt.Errorf("failed to read balance of user %d: %w", userID, balErr)
		}
		slog.Info("credit already applied",
			"user_id", userID,
			"amount", amount,
			"balance", balance,
			"reference", reference)
		return balance, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "credit failed")
		slog.Error("failed to credit balance",
			"user_id", userID,
			"amount", amount,
			"reference", reference,
			"error", err)
		return 0, false, fmt.Errorf("failed to credit user %d: %w", userID, err)
	}

	observability.LedgerMovementCents.WithLabelValues(string(models.EntryCredit)).Add(float64(amount))
	slog.Info("balance credited",
		"user_id", userID,
		"amount", amount,
		"balance_before", entry.BalanceBefore,
		"balance_after", entry.BalanceAfter,
		"reference", reference)
	return entry.BalanceAfter, true, nil
}

func (l *ledgerService) Balance(ctx context.Context, userID int64) (int64, error) {
	tracer := otel.Tracer("ledger")
	ctx, span := tracer.Start(ctx, "Balance")
	defer span.End()

	balance, err := l.userRepo.GetBalance(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "balance lookup failed")
		return 0, err
	}
	return balance, nil
}

func (l *ledgerService) History(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	tracer := otel.Tracer("ledger")
	ctx, span := tracer.Start(ctx, "History")
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	entries, err := l.userRepo.GetLedgerHistory(ctx, userID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history lookup failed")
		slog.Error("failed to load ledger history",
			"user_id", userID,
			"error", err)
		return nil, err
	}
	return entries, nil
}
