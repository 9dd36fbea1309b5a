package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/LeadMarketService/internal/models"
)

//go:generate mockgen -source=payment_repository.go -destination=mocks/payment_repository_mock.go -package=mocks

type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetByExternalReference(ctx context.Context, gateway, reference string) (*models.Payment, error)
	// Transition moves the payment to update.Status only if its current
	// status is one of models.TransitionSources(update.Status). It returns
	// the stored payment and whether this call performed the move.
	Transition(ctx context.Context, id uuid.UUID, update models.PaymentUpdate) (*models.Payment, bool, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]models.Payment, error)
	RecordWebhook(ctx context.Context, event *models.WebhookEvent) error
	CreateIssue(ctx context.Context, issue *models.PaymentIssue) error
}
