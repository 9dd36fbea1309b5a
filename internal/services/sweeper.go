package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/LeadMarketService/internal/repository"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const sweepLockKey = "payment-sweep"

// Locker is a cluster-wide lease, so only one replica sweeps at a time.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type SweeperConfig struct {
	// Schedule is a cron expression, e.g. "@every 1m".
	Schedule string
	// ReservationTTL is how long a reservation may exist without a purchase.
	ReservationTTL time.Duration
	// PendingTTL is how long a payment may wait for its invoice.
	PendingTTL time.Duration
	LockTTL    time.Duration
}

// Sweeper runs the periodic expiry and cleanup pass.
type Sweeper struct {
	payments     PaymentService
	purchaseRepo repository.PurchaseRepository
	locker       Locker
	cfg          SweeperConfig
	now          func() time.Time
}

func NewSweeper(payments PaymentService, purchaseRepo repository.PurchaseRepository, locker Locker, cfg SweeperConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 5 * time.Minute
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Sweeper{
		payments:     payments,
		purchaseRepo: purchaseRepo,
		locker:       locker,
		cfg:          cfg,
		now:          time.Now,
	}
}

// Run sweeps on the configured schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	slog.Info("sweeper started", "schedule", s.cfg.Schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("sweeper stopped")
	return nil
}

// Sweep performs one pass. It is a no-op when another replica holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) error {
	tracer := otel.Tracer("sweeper")
	ctx, span := tracer.Start(ctx, "Sweep")
	defer span.End()

	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, sweepLockKey, s.cfg.LockTTL)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock failed")
			return err
		}
		if !ok {
			slog.Debug("sweep skipped, lock held elsewhere")
			return nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), sweepLockKey); err != nil {
				slog.Error("failed to release sweep lock", "error", err)
			}
		}()
	}

	now := s.now()
	expired, err := s.payments.ExpireOverdue(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expire failed")
		return fmt.Errorf("expire overdue payments: %w", err)
	}
	failed, err := s.payments.FailStalePending(ctx, now.Add(-s.cfg.PendingTTL))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fail stale failed")
		return fmt.Errorf("fail stale payments: %w", err)
	}
	released, err := s.purchaseRepo.ReleaseStale(ctx, now.Add(-s.cfg.ReservationTTL))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release stale failed")
		return fmt.Errorf("release stale reservations: %w", err)
	}

	if expired+failed > 0 || released > 0 {
		slog.Info("sweep finished",
			"expired_payments", expired,
			"failed_payments", failed,
			"released_reservations", released)
	}
	return nil
}
