package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/observability"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// startCall opens a span and returns a finisher that records the outcome
// in the span and the repository metrics. Business outcomes are not errors
// for alerting purposes, so they get their own status label.
func startCall(ctx context.Context, tracer, method string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(tracer).Start(ctx, method)
	span.SetAttributes(attrs...)
	start := time.Now()

	return ctx, func(err error) {
		status := "success"
		switch {
		case err == nil:
		case pkgerrors.IsBusiness(err) || errors.Is(err, pkgerrors.ErrDuplicateReference):
			status = "rejected"
			span.SetAttributes(attribute.String("outcome", pkgerrors.Reason(err)))
		default:
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		span.End()
	}
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

func isUniqueViolation(err error) bool {
	return isPQCode(err, pqUniqueViolation)
}

// rollback wraps the original error with a rollback failure, if any.
func rollback(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return errors.Join(err, rbErr)
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
