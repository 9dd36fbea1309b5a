package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

const paymentTracer = "payment-repository"

const paymentColumns = `id, user_id, amount_cents, currency, gateway, external_reference, status,
	pay_address, pay_url, intent_kind, intent_lead_id, expires_at, created_at, paid_at, failure_reason`

type PostgresPaymentRepository struct {
	db *sql.DB
}

func NewPostgresPaymentRepository(db *sql.DB) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db}
}

func (r *PostgresPaymentRepository) Create(ctx context.Context, payment *models.Payment) (err error) {
	if payment == nil {
		return pkgerrors.ErrNilPayment
	}
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.Status == "" {
		payment.Status = models.PaymentPending
	}
	ctx, done := startCall(ctx, paymentTracer, "CreatePayment",
		attribute.String("payment_id", payment.ID.String()), attribute.String("gateway", payment.Gateway))
	defer func() { done(err) }()

	query := `
	INSERT INTO payments (id, user_id, amount_cents, currency, gateway, status, intent_kind, intent_lead_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING created_at
	`
	err = r.db.QueryRowContext(ctx, query,
		payment.ID,
		payment.UserID,
		payment.AmountCents,
		payment.Currency,
		payment.Gateway,
		payment.Status,
		payment.Intent.Kind,
		nullLeadID(payment.Intent.LeadID),
	).Scan(&payment.CreatedAt)
	switch {
	case isPQCode(err, pqForeignKeyViolation):
		return pkgerrors.ErrUserNotFound
	case err != nil:
		slog.Error("failed to create payment", "method", "Create", "user_id", payment.UserID, "error", err)
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (r *PostgresPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (payment *models.Payment, err error) {
	ctx, done := startCall(ctx, paymentTracer, "GetPaymentByID", attribute.String("payment_id", id.String()))
	defer func() { done(err) }()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	payment, err = scanPayment(r.db.QueryRowContext(ctx, query, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrPaymentNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return payment, nil
}

func (r *PostgresPaymentRepository) GetByExternalReference(ctx context.Context, gateway, reference string) (payment *models.Payment, err error) {
	ctx, done := startCall(ctx, paymentTracer, "GetPaymentByExternalReference", attribute.String("gateway", gateway))
	defer func() { done(err) }()

	if reference == "" {
		return nil, pkgerrors.ErrPaymentNotFound
	}
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway = $1 AND external_reference = $2`
	payment, err = scanPayment(r.db.QueryRowContext(ctx, query, gateway, reference))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrPaymentNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get payment by reference: %w", err)
	}
	return payment, nil
}

// Transition is a compare-and-set on status. Empty fields in update keep
// the stored values. When the stored status is not a legal source the row
// is returned unchanged with transitioned=false.
func (r *PostgresPaymentRepository) Transition(ctx context.Context, id uuid.UUID, update models.PaymentUpdate) (payment *models.Payment, transitioned bool, err error) {
	ctx, done := startCall(ctx, paymentTracer, "TransitionPayment",
		attribute.String("payment_id", id.String()), attribute.String("status", string(update.Status)))
	defer func() { done(err) }()

	sources := models.TransitionSources(update.Status)
	if len(sources) == 0 {
		return nil, false, pkgerrors.ErrInvalidTransition
	}
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	query := `
	UPDATE payments SET
		status = $2,
		external_reference = COALESCE(NULLIF($3, ''), external_reference),
		pay_address = COALESCE(NULLIF($4, ''), pay_address),
		pay_url = COALESCE(NULLIF($5, ''), pay_url),
		expires_at = COALESCE($6, expires_at),
		paid_at = COALESCE($7, paid_at),
		failure_reason = COALESCE(NULLIF($8, ''), failure_reason)
	WHERE id = $1 AND status = ANY($9::text[])
	RETURNING ` + paymentColumns

	payment, err = scanPayment(r.db.QueryRowContext(ctx, query,
		id,
		update.Status,
		update.ExternalReference,
		update.PayAddress,
		update.PayURL,
		nullTime(update.ExpiresAt),
		nullTime(update.PaidAt),
		update.FailureReason,
		pq.Array(from),
	))
	if err == nil {
		return payment, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		slog.Error("failed to transition payment", "method", "Transition", "payment_id", id, "error", err)
		return nil, false, fmt.Errorf("failed to transition payment: %w", err)
	}

	payment, err = scanPayment(r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, pkgerrors.ErrPaymentNotFound
	case err != nil:
		return nil, false, fmt.Errorf("failed to reload payment: %w", err)
	}
	slog.Debug("payment transition skipped", "method", "Transition", "payment_id", id,
		"current", payment.Status, "target", update.Status)
	return payment, false, nil
}

func (r *PostgresPaymentRepository) ListOverdue(ctx context.Context, now time.Time, limit int) (payments []models.Payment, err error) {
	ctx, done := startCall(ctx, paymentTracer, "ListOverduePayments")
	defer func() { done(err) }()

	query := `SELECT ` + paymentColumns + `
	FROM payments
	WHERE status = 'processing' AND expires_at IS NOT NULL AND expires_at < $1
	ORDER BY expires_at
	LIMIT $2`
	return r.list(ctx, query, now, limit)
}

func (r *PostgresPaymentRepository) ListStalePending(ctx context.Context, before time.Time, limit int) (payments []models.Payment, err error) {
	ctx, done := startCall(ctx, paymentTracer, "ListStalePendingPayments")
	defer func() { done(err) }()

	query := `SELECT ` + paymentColumns + `
	FROM payments
	WHERE status = 'pending' AND external_reference = '' AND created_at < $1
	ORDER BY created_at
	LIMIT $2`
	return r.list(ctx, query, before, limit)
}

func (r *PostgresPaymentRepository) list(ctx context.Context, query string, args ...any) ([]models.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list payments", "method", "list", "error", err)
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, nil
}

func (r *PostgresPaymentRepository) RecordWebhook(ctx context.Context, event *models.WebhookEvent) (err error) {
	ctx, done := startCall(ctx, paymentTracer, "RecordWebhook", attribute.String("gateway", event.Gateway))
	defer func() { done(err) }()

	query := `
	INSERT INTO webhook_events (gateway, external_reference, payload_hash, signature_valid, status)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id, received_at
	`
	err = r.db.QueryRowContext(ctx, query,
		event.Gateway, event.ExternalReference, event.PayloadHash, event.SignatureValid, event.Status,
	).Scan(&event.ID, &event.ReceivedAt)
	if err != nil {
		slog.Error("failed to record webhook", "method", "RecordWebhook", "gateway", event.Gateway, "error", err)
		return fmt.Errorf("failed to record webhook: %w", err)
	}
	return nil
}

// CreateIssue records at most one issue per payment; repeats are no-ops.
func (r *PostgresPaymentRepository) CreateIssue(ctx context.Context, issue *models.PaymentIssue) (err error) {
	ctx, done := startCall(ctx, paymentTracer, "CreatePaymentIssue", attribute.String("payment_id", issue.PaymentID.String()))
	defer func() { done(err) }()

	query := `
	INSERT INTO payment_issues (payment_id, user_id, lead_id, reason)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (payment_id) DO NOTHING
	RETURNING id, created_at
	`
	err = r.db.QueryRowContext(ctx, query, issue.PaymentID, issue.UserID, nullLeadID(issue.LeadID), issue.Reason).
		Scan(&issue.ID, &issue.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		slog.Error("failed to create payment issue", "method", "CreateIssue", "payment_id", issue.PaymentID, "error", err)
		return fmt.Errorf("failed to create payment issue: %w", err)
	}
	return nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p          models.Payment
		intentKind string
		leadID     sql.NullInt64
		expires    sql.NullTime
		paidAt     sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.AmountCents, &p.Currency, &p.Gateway, &p.ExternalReference, &p.Status,
		&p.PayAddress, &p.PayURL, &intentKind, &leadID, &expires, &p.CreatedAt, &paidAt, &p.FailureReason,
	)
	if err != nil {
		return nil, err
	}
	p.Intent = models.PaymentIntent{Kind: models.IntentKind(intentKind), LeadID: leadID.Int64}
	p.ExpiresAt = timePtr(expires)
	p.PaidAt = timePtr(paidAt)
	return &p, nil
}

func nullLeadID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}
