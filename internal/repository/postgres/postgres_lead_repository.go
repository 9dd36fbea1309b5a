package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const leadTracer = "lead-repository"

type PostgresLeadRepository struct {
	db *sql.DB
}

func NewPostgresLeadRepository(db *sql.DB) *PostgresLeadRepository {
	return &PostgresLeadRepository{db: db}
}

func (r *PostgresLeadRepository) GetByID(ctx context.Context, id int64) (lead *models.Lead, err error) {
	ctx, done := startCall(ctx, leadTracer, "GetLeadByID", attribute.Int64("lead_id", id))
	defer func() { done(err) }()

	query := `SELECT id, price_cents, score_kind, score_value, score_raw, created_at FROM leads WHERE id = $1`
	lead, err = scanLead(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		slog.Warn("lead not found", "method", "GetByID", "lead_id", id)
		return nil, pkgerrors.ErrLeadNotFound
	}
	if err != nil {
		slog.Error("failed to get lead", "method", "GetByID", "lead_id", id, "error", err)
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return lead, nil
}

func (r *PostgresLeadRepository) List(ctx context.Context, filter models.LeadFilter, page models.PageRequest) (result *models.LeadPage, err error) {
	ctx, done := startCall(ctx, leadTracer, "ListLeads")
	defer func() { done(err) }()

	page = page.Normalize()
	where, args := buildLeadFilter(filter)

	var total int
	countQuery := `SELECT count(*) FROM leads l` + where
	if err = r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		slog.Error("failed to count leads", "method", "List", "error", err)
		return nil, fmt.Errorf("failed to count leads: %w", err)
	}

	args = append(args, page.PerPage, page.Offset())
	query := fmt.Sprintf(
		`SELECT l.id, l.price_cents, l.score_kind, l.score_value, l.score_raw, l.created_at FROM leads l%s ORDER BY l.created_at DESC, l.id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args),
	)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list leads", "method", "List", "error", err)
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	defer rows.Close()

	result = &models.LeadPage{Items: []models.Lead{}, Page: page.Page, PerPage: page.PerPage, Total: total}
	for rows.Next() {
		lead, scanErr := scanLead(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan lead: %w", scanErr)
			return nil, err
		}
		result.Items = append(result.Items, *lead)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate leads: %w", err)
	}
	return result, nil
}

// buildLeadFilter turns the score variant into predicates on score_kind, so
// free-text scores are never cast to numbers.
func buildLeadFilter(f models.LeadFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Unscored {
		conds = append(conds, "l.score_kind = 'unscored'")
	} else if f.MinScore != nil || f.MaxScore != nil {
		conds = append(conds, "l.score_kind = 'numeric'")
		if f.MinScore != nil {
			conds = append(conds, "l.score_value >= "+arg(*f.MinScore))
		}
		if f.MaxScore != nil {
			conds = append(conds, "l.score_value <= "+arg(*f.MaxScore))
		}
	}
	if f.MaxPriceCents > 0 {
		conds = append(conds, "l.price_cents <= "+arg(f.MaxPriceCents))
	}
	if f.OnlyAvailable {
		conds = append(conds, "NOT EXISTS (SELECT 1 FROM lead_reservations r WHERE r.lead_id = l.id)")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*models.Lead, error) {
	var (
		lead  models.Lead
		kind  string
		value sql.NullFloat64
		raw   string
	)
	if err := row.Scan(&lead.ID, &lead.PriceCents, &kind, &value, &raw, &lead.CreatedAt); err != nil {
		return nil, err
	}
	// float8 columns can hold NaN and Infinity; those are not rankable.
	if models.ScoreKind(kind) == models.ScoreNumeric && value.Valid && !math.IsNaN(value.Float64) && !math.IsInf(value.Float64, 0) {
		lead.Score = models.NumericScore(value.Float64)
	} else {
		lead.Score = models.UnscoredScore(raw)
	}
	return &lead, nil
}
