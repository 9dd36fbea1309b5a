package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const purchaseTracer = "purchase-repository"

type PostgresPurchaseRepository struct {
	db *sql.DB
}

func NewPostgresPurchaseRepository(db *sql.DB) *PostgresPurchaseRepository {
	return &PostgresPurchaseRepository{db: db}
}

// Reserve inserts the claim row. The primary key on lead_id makes the
// second concurrent claim fail with a unique violation.
func (r *PostgresPurchaseRepository) Reserve(ctx context.Context, leadID, userID int64) (err error) {
	ctx, done := startCall(ctx, purchaseTracer, "ReserveLead",
		attribute.Int64("lead_id", leadID), attribute.Int64("user_id", userID))
	defer func() { done(err) }()

	query := `INSERT INTO lead_reservations (lead_id, user_id) VALUES ($1, $2)`
	_, err = r.db.ExecContext(ctx, query, leadID, userID)
	switch {
	case isUniqueViolation(err):
		slog.Info("lead already claimed", "method", "Reserve", "lead_id", leadID, "user_id", userID)
		return pkgerrors.ErrLeadUnavailable
	case isPQCode(err, pqForeignKeyViolation):
		return pkgerrors.ErrUserNotFound
	case err != nil:
		slog.Error("failed to reserve lead", "method", "Reserve", "lead_id", leadID, "error", err)
		return fmt.Errorf("failed to reserve lead: %w", err)
	}
	return nil
}

// Release removes the claim only while no purchase exists for the lead, so
// a sold lead can never become available again.
func (r *PostgresPurchaseRepository) Release(ctx context.Context, leadID, userID int64) (err error) {
	ctx, done := startCall(ctx, purchaseTracer, "ReleaseLead",
		attribute.Int64("lead_id", leadID), attribute.Int64("user_id", userID))
	defer func() { done(err) }()

	query := `
	DELETE FROM lead_reservations
	WHERE lead_id = $1 AND user_id = $2
	AND NOT EXISTS (SELECT 1 FROM purchases p WHERE p.lead_id = $1)
	`
	if _, err = r.db.ExecContext(ctx, query, leadID, userID); err != nil {
		slog.Error("failed to release lead", "method", "Release", "lead_id", leadID, "error", err)
		return fmt.Errorf("failed to release lead: %w", err)
	}
	return nil
}

func (r *PostgresPurchaseRepository) Create(ctx context.Context, purchase *models.Purchase) (err error) {
	if purchase == nil {
		return pkgerrors.ErrNilPurchase
	}
	ctx, done := startCall(ctx, purchaseTracer, "CreatePurchase",
		attribute.Int64("lead_id", purchase.LeadID), attribute.Int64("user_id", purchase.UserID))
	defer func() { done(err) }()

	query := `
	INSERT INTO purchases (user_id, lead_id, price_cents)
	VALUES ($1, $2, $3)
	RETURNING id, purchased_at
	`
	err = r.db.QueryRowContext(ctx, query, purchase.UserID, purchase.LeadID, purchase.PriceCents).
		Scan(&purchase.ID, &purchase.PurchasedAt)
	switch {
	case isUniqueViolation(err):
		return pkgerrors.ErrLeadUnavailable
	case err != nil:
		slog.Error("failed to create purchase", "method", "Create", "lead_id", purchase.LeadID, "error", err)
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

func (r *PostgresPurchaseRepository) GetByLeadID(ctx context.Context, leadID int64) (purchase *models.Purchase, err error) {
	ctx, done := startCall(ctx, purchaseTracer, "GetPurchaseByLeadID", attribute.Int64("lead_id", leadID))
	defer func() { done(err) }()

	query := `SELECT id, user_id, lead_id, price_cents, purchased_at FROM purchases WHERE lead_id = $1`
	var p models.Purchase
	err = r.db.QueryRowContext(ctx, query, leadID).Scan(&p.ID, &p.UserID, &p.LeadID, &p.PriceCents, &p.PurchasedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrLeadNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return &p, nil
}

func (r *PostgresPurchaseRepository) ListByUser(ctx context.Context, userID int64) (purchases []models.Purchase, err error) {
	ctx, done := startCall(ctx, purchaseTracer, "ListPurchasesByUser", attribute.Int64("user_id", userID))
	defer func() { done(err) }()

	query := `
	SELECT id, user_id, lead_id, price_cents, purchased_at
	FROM purchases
	WHERE user_id = $1
	ORDER BY purchased_at DESC, id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		slog.Error("failed to list purchases", "method", "ListByUser", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	purchases = []models.Purchase{}
	for rows.Next() {
		var p models.Purchase
		if err = rows.Scan(&p.ID, &p.UserID, &p.LeadID, &p.PriceCents, &p.PurchasedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate purchases: %w", err)
	}
	return purchases, nil
}

// ReleaseStale frees claims left behind by a process that died between
// reserving and buying.
func (r *PostgresPurchaseRepository) ReleaseStale(ctx context.Context, before time.Time) (released int64, err error) {
	ctx, done := startCall(ctx, purchaseTracer, "ReleaseStaleReservations")
	defer func() { done(err) }()

	query := `
	DELETE FROM lead_reservations r
	WHERE r.reserved_at < $1
	AND NOT EXISTS (SELECT 1 FROM purchases p WHERE p.lead_id = r.lead_id)
	`
	res, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		slog.Error("failed to release stale reservations", "method", "ReleaseStale", "error", err)
		return 0, fmt.Errorf("failed to release stale reservations: %w", err)
	}
	released, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if released > 0 {
		slog.Warn("released stale lead reservations", "method", "ReleaseStale", "count", released)
	}
	return released, nil
}
