package repository

import (
	"context"
	"time"

	"github.com/honeynil/LeadMarketService/internal/models"
)

//go:generate mockgen -source=purchase_repository.go -destination=mocks/purchase_repository_mock.go -package=mocks

// PurchaseRepository is the lead availability index plus the purchase facts.
type PurchaseRepository interface {
	// Reserve claims leadID for userID in one atomic step. It returns
	// errors.ErrLeadUnavailable when the lead is already claimed or sold.
	Reserve(ctx context.Context, leadID, userID int64) error
	// Release drops a claim that never turned into a purchase.
	Release(ctx context.Context, leadID, userID int64) error
	Create(ctx context.Context, purchase *models.Purchase) error
	GetByLeadID(ctx context.Context, leadID int64) (*models.Purchase, error)
	ListByUser(ctx context.Context, userID int64) ([]models.Purchase, error)
	// ReleaseStale drops claims older than before that have no purchase row.
	ReleaseStale(ctx context.Context, before time.Time) (int64, error)
}
