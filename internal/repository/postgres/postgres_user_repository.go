package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const userTracer = "user-repository"

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (user *models.User, err error) {
	ctx, done := startCall(ctx, userTracer, "GetUserByID", attribute.Int64("user_id", id))
	defer func() { done(err) }()

	query := `SELECT id, role, balance_cents, created_at FROM users WHERE id = $1`
	var u models.User
	err = r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Role, &u.BalanceCents, &u.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrUserNotFound
	case err != nil:
		slog.Error("failed to get user", "method", "GetByID", "user_id", id, "error", err)
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (r *PostgresUserRepository) GetBalance(ctx context.Context, userID int64) (balance int64, err error) {
	ctx, done := startCall(ctx, userTracer, "GetBalance", attribute.Int64("user_id", userID))
	defer func() { done(err) }()

	err = r.db.QueryRowContext(ctx, `SELECT balance_cents FROM users WHERE id = $1`, userID).Scan(&balance)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, pkgerrors.ErrUserNotFound
	case err != nil:
		slog.Error("failed to get balance", "method", "GetBalance", "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// Debit subtracts amount only when the stored balance covers it. The check
// and the write are one UPDATE, so concurrent debits serialize on the row lock.
func (r *PostgresUserRepository) Debit(ctx context.Context, userID, amount int64, reference string) (entry *models.LedgerEntry, err error) {
	ctx, done := startCall(ctx, userTracer, "Debit",
		attribute.Int64("user_id", userID), attribute.Int64("amount_cents", amount))
	defer func() { done(err) }()

	if amount <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var after int64
	query := `
	UPDATE users
	SET balance_cents = balance_cents - $1
	WHERE id = $2 AND balance_cents >= $1
	RETURNING balance_cents
	`
	err = tx.QueryRowContext(ctx, query, amount, userID).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		var balance int64
		lookupErr := tx.QueryRowContext(ctx, `SELECT balance_cents FROM users WHERE id = $1`, userID).Scan(&balance)
		switch {
		case errors.Is(lookupErr, sql.ErrNoRows):
			err = pkgerrors.ErrUserNotFound
		case lookupErr != nil:
			err = fmt.Errorf("failed to read balance: %w", lookupErr)
		default:
			err = &pkgerrors.InsufficientFundsError{Balance: balance, Required: amount}
		}
		return nil, rollback(tx, err)
	}
	if err != nil {
		slog.Error("failed to debit", "method", "Debit", "user_id", userID, "error", err)
		return nil, rollback(tx, fmt.Errorf("failed to debit: %w", err))
	}

	entry, err = insertEntry(ctx, tx, userID, models.EntryDebit, amount, after+amount, after, reference)
	if err != nil {
		return nil, rollback(tx, err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit debit: %w", err)
	}
	return entry, nil
}

// Credit adds amount and writes the ledger row in one transaction. A second
// credit with the same reference hits the unique index and rolls back.
func (r *PostgresUserRepository) Credit(ctx context.Context, userID, amount int64, reference string) (entry *models.LedgerEntry, err error) {
	ctx, done := startCall(ctx, userTracer, "Credit",
		attribute.Int64("user_id", userID), attribute.Int64("amount_cents", amount))
	defer func() { done(err) }()

	if amount <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var after int64
	query := `
	UPDATE users
	SET balance_cents = balance_cents + $1
	WHERE id = $2
	RETURNING balance_cents
	`
	err = tx.QueryRowContext(ctx, query, amount, userID).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rollback(tx, pkgerrors.ErrUserNotFound)
	}
	if err != nil {
		slog.Error("failed to credit", "method", "Credit", "user_id", userID, "error", err)
		return nil, rollback(tx, fmt.Errorf("failed to credit: %w", err))
	}

	entry, err = insertEntry(ctx, tx, userID, models.EntryCredit, amount, after-amount, after, reference)
	if isUniqueViolation(err) {
		slog.Info("credit reference already applied", "method", "Credit", "user_id", userID, "reference", reference)
		return nil, rollback(tx, pkgerrors.ErrDuplicateReference)
	}
	if err != nil {
		return nil, rollback(tx, err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit credit: %w", err)
	}
	return entry, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, userID int64, kind models.EntryKind, amount, before, after int64, reference string) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		UserID:        userID,
		Kind:          kind,
		AmountCents:   amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reference:     reference,
	}
	query := `
	INSERT INTO ledger_entries (user_id, kind, amount_cents, balance_before, balance_after, reference)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING id, created_at
	`
	err := tx.QueryRowContext(ctx, query, userID, kind, amount, before, after, reference).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return entry, nil
}

func (r *PostgresUserRepository) GetLedgerHistory(ctx context.Context, userID int64, limit int) (entries []models.LedgerEntry, err error) {
	ctx, done := startCall(ctx, userTracer, "GetLedgerHistory", attribute.Int64("user_id", userID))
	defer func() { done(err) }()

	if limit <= 0 {
		limit = 50
	}
	query := `
	SELECT id, user_id, kind, amount_cents, balance_before, balance_after, reference, created_at
	FROM ledger_entries
	WHERE user_id = $1
	ORDER BY created_at DESC, id DESC
	LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		slog.Error("failed to query ledger", "method", "GetLedgerHistory", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	entries = []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err = rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.AmountCents, &e.BalanceBefore, &e.BalanceAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger: %w", err)
	}
	return entries, nil
}
