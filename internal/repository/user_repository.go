package repository

import (
	"context"

	"github.com/honeynil/LeadMarketService/internal/models"
)

//go:generate mockgen -source=user_repository.go -destination=mocks/user_repository_mock.go -package=mocks

// UserRepository owns the per-user balance. Debit and Credit are single
// conditional storage operations; neither reads and then writes.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	// Debit fails with *errors.InsufficientFundsError and leaves the balance untouched
	// when the balance is lower than amount.
	Debit(ctx context.Context, userID, amount int64, reference string) (*models.LedgerEntry, error)
	// Credit fails with errors.ErrDuplicateReference when reference was already credited.
	Credit(ctx context.Context, userID, amount int64, reference string) (*models.LedgerEntry, error)
	GetLedgerHistory(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error)
}
