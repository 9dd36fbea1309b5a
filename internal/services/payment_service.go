package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/honeynil/LeadMarketService/internal/gateway"
	"github.com/honeynil/LeadMarketService/internal/infrastructure/kafka"
	"github.com/honeynil/LeadMarketService/internal/infrastructure/observability"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/internal/repository"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const sweepBatchSize = 100

type PaymentService interface {
	CreatePaymentInvoice(ctx context.Context, userID, amountCents int64, currency, gatewayName string, intent models.PaymentIntent) (*models.InvoiceResult, error)
	// GetPaymentStatus returns the payment after reconciling it with the
	// gateway. Only the owner or an admin may read it.
	GetPaymentStatus(ctx context.Context, paymentID uuid.UUID, principal models.Principal) (*models.Payment, error)
	// HandleGatewayWebhook verifies payload against signature and applies the
	// reported status. accepted=false only accompanies an error.
	HandleGatewayWebhook(ctx context.Context, gatewayName string, payload []byte, signature string) (bool, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
	FailStalePending(ctx context.Context, before time.Time) (int, error)
}

type PaymentConfig struct {
	// GatewayTimeout bounds each call to a provider.
	GatewayTimeout time.Duration
	// PaymentTTL is used when the provider does not report an expiry.
	PaymentTTL time.Duration
	// CallbackBaseURL is the public origin gateways post webhooks to.
	CallbackBaseURL   string
	RetryInitial      time.Duration
	MaxInvoiceRetries uint64
}

func (c PaymentConfig) withDefaults() PaymentConfig {
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 10 * time.Second
	}
	if c.PaymentTTL <= 0 {
		c.PaymentTTL = time.Hour
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.MaxInvoiceRetries == 0 {
		c.MaxInvoiceRetries = 3
	}
	return c
}

type paymentService struct {
	paymentRepo repository.PaymentRepository
	ledger      Ledger
	engine      PurchaseEngine
	gateways    *gateway.Registry
	producer    kafka.KafkaProducer
	cfg         PaymentConfig
	polls       singleflight.Group
	now         func() time.Time
}

func NewPaymentService(
	paymentRepo repository.PaymentRepository,
	ledger Ledger,
	engine PurchaseEngine,
	gateways *gateway.Registry,
	producer kafka.KafkaProducer,
	cfg PaymentConfig,
) *paymentService {
	return &paymentService{
		paymentRepo: paymentRepo,
		ledger:      ledger,
		engine:      engine,
		gateways:    gateways,
		producer:    producer,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
}

func (s *paymentService) CreatePaymentInvoice(ctx context.Context, userID, amountCents int64, currency, gatewayName string, intent models.PaymentIntent) (*models.InvoiceResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "CreatePaymentInvoice")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int64("amount", amountCents))

	if amountCents <= 0 {
		span.SetStatus(codes.Error, "non-positive amount")
		return nil, pkgerrors.ErrInvalidAmount
	}
	if !intent.Valid() {
		span.SetStatus(codes.Error, "invalid intent")
		return nil, pkgerrors.ErrInvalidIntent
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	provider, err := s.gateways.Get(gatewayName)
	if err != nil {
		span.SetStatus(codes.Error, "unknown gateway")
		return nil, err
	}

	payment := &models.Payment{
		UserID:      userID,
		AmountCents: amountCents,
		Currency:    currency,
		Gateway:     provider.Name(),
		Status:      models.PaymentPending,
		Intent:      intent,
	}
	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment creation failed")
		slog.Error("failed to create payment",
			"user_id", userID,
			"gateway", provider.Name(),
			"error", err)
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	span.SetAttributes(attribute.String("payment_id", payment.ID.String()))

	invoice, err := s.requestInvoice(ctx, provider, gateway.InvoiceRequest{
		PaymentID:   payment.ID,
		AmountCents: amountCents,
		Currency:    currency,
		CallbackURL: s.callbackURL(provider.Name()),
		Lifetime:    s.cfg.PaymentTTL,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, pkgerrors.ErrGatewayUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			// Stays pending; the sweep fails it if no invoice ever shows up.
			span.SetStatus(codes.Error, "gateway unavailable")
			slog.Warn("invoice creation timed out, payment left pending",
				"payment_id", payment.ID,
				"gateway", provider.Name(),
				"error", err)
			return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
		}
		span.SetStatus(codes.Error, "gateway rejected invoice")
		slog.Error("gateway rejected invoice",
			"payment_id", payment.ID,
			"gateway", provider.Name(),
			"error", err)
		if _, _, tErr := s.apply(context.WithoutCancel(ctx), payment, models.PaymentUpdate{
			Status:        models.PaymentFailed,
			FailureReason: "gateway rejected invoice",
		}); tErr != nil {
			slog.Error("failed to mark payment failed",
				"payment_id", payment.ID,
				"error", tErr)
		}
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	expiresAt := invoice.ExpiresAt
	if expiresAt == nil {
		t := s.now().Add(s.cfg.PaymentTTL).UTC()
		expiresAt = &t
	}
	updated, _, err := s.apply(ctx, payment, models.PaymentUpdate{
		Status:            models.PaymentProcessing,
		ExternalReference: invoice.ExternalReference,
		PayAddress:        invoice.PayAddress,
		PayURL:            invoice.PayURL,
		ExpiresAt:         expiresAt,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment update failed")
		return nil, fmt.Errorf("failed to store invoice: %w", err)
	}

	slog.Info("payment invoice created",
		"payment_id", updated.ID,
		"user_id", userID,
		"gateway", provider.Name(),
		"amount", amountCents,
		"status", updated.Status)

	return &models.InvoiceResult{
		PaymentID:  updated.ID,
		Status:     updated.Status,
		PayAddress: updated.PayAddress,
		PayURL:     updated.PayURL,
		ExpiresAt:  updated.ExpiresAt,
	}, nil
}

// requestInvoice retries transport failures with exponential backoff. Each
// attempt gets its own deadline; provider rejections are not retried.
func (s *paymentService) requestInvoice(ctx context.Context, provider gateway.Provider, req gateway.InvoiceRequest) (*gateway.Invoice, error) {
	attempt := 0
	op := func() (*gateway.Invoice, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
		invoice, err := provider.CreateInvoice(attemptCtx, req)
		if err == nil {
			return invoice, nil
		}
		if ctx.Err() == nil && (errors.Is(err, pkgerrors.ErrGatewayUnavailable) || errors.Is(err, context.DeadlineExceeded)) {
			slog.Warn("invoice attempt failed",
				"payment_id", req.PaymentID,
				"gateway", provider.Name(),
				"attempt", attempt,
				"error", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	b.MaxElapsedTime = 0
	return backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.MaxInvoiceRetries), ctx))
}

func (s *paymentService) callbackURL(gatewayName string) string {
	if s.cfg.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.CallbackBaseURL, "/") + "/webhooks/" + gatewayName
}

func (s *paymentService) GetPaymentStatus(ctx context.Context, paymentID uuid.UUID, principal models.Principal) (*models.Payment, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "GetPaymentStatus")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", paymentID.String()))

	payment, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment lookup failed")
		return nil, err
	}
	if payment.UserID != principal.UserID && !principal.IsAdmin() {
		span.SetStatus(codes.Error, "foreign payment")
		slog.Warn("payment read by non-owner",
			"payment_id", paymentID,
			"user_id", principal.UserID)
		// Hide existence from other buyers.
		return nil, pkgerrors.ErrPaymentNotFound
	}
	if payment.Status.Terminal() {
		return payment, nil
	}

	// Concurrent polls of one payment share a single gateway round trip.
	v, err, shared := s.polls.Do(paymentID.String(), func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), payment)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("shared", shared))
	return v.(*models.Payment), nil
}

// refresh brings a non-terminal payment up to date: an overdue invoice
// expires without asking the gateway, otherwise the gateway is polled.
func (s *paymentService) refresh(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	if payment.Overdue(s.now()) {
		updated, _, err := s.apply(ctx, payment, models.PaymentUpdate{
			Status:        models.PaymentExpired,
			FailureReason: "invoice expired",
		})
		return updated, err
	}
	if payment.Status != models.PaymentProcessing || payment.ExternalReference == "" {
		return payment, nil
	}

	provider, err := s.gateways.Get(payment.Gateway)
	if err != nil {
		slog.Error("payment bound to unknown gateway",
			"payment_id", payment.ID,
			"gateway", payment.Gateway)
		return payment, nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	invoice, err := provider.GetInvoice(pollCtx, payment.ExternalReference)
	if err != nil {
		// A stale answer beats failing the poll.
		slog.Warn("gateway poll failed",
			"payment_id", payment.ID,
			"gateway", payment.Gateway,
			"error", err)
		return payment, nil
	}
	if invoice.Status == payment.Status {
		return payment, nil
	}
	update := models.PaymentUpdate{Status: invoice.Status}
	if invoice.Status == models.PaymentFailed {
		update.FailureReason = "gateway reported failure"
	}
	updated, _, err := s.apply(ctx, payment, update)
	return updated, err
}

func (s *paymentService) HandleGatewayWebhook(ctx context.Context, gatewayName string, payload []byte, signature string) (bool, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "HandleGatewayWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("gateway", gatewayName))

	provider, err := s.gateways.Get(gatewayName)
	if err != nil {
		span.SetStatus(codes.Error, "unknown gateway")
		return false, err
	}
	sum := sha256.Sum256(payload)
	event := &models.WebhookEvent{
		Gateway:     provider.Name(),
		PayloadHash: hex.EncodeToString(sum[:]),
	}

	if !provider.VerifySignature(payload, signature) {
		span.SetStatus(codes.Error, "invalid signature")
		observability.SecurityEvent("webhook signature rejected",
			"gateway", provider.Name(),
			"payload_hash", event.PayloadHash,
			"signature_present", signature != "")
		event.Status = models.WebhookRejected
		s.recordWebhook(ctx, event)
		return false, pkgerrors.ErrInvalidWebhookSignature
	}
	event.SignatureValid = true

	note, err := provider.ParseNotification(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed notification")
		slog.Error("failed to parse verified webhook",
			"gateway", provider.Name(),
			"payload_hash", event.PayloadHash,
			"error", err)
		event.Status = models.WebhookRejected
		s.recordWebhook(ctx, event)
		return false, pkgerrors.ErrInvalidInput
	}
	event.ExternalReference = note.ExternalReference

	payment, err := s.lookup(ctx, provider.Name(), note)
	if errors.Is(err, pkgerrors.ErrPaymentNotFound) {
		// Acknowledged so the gateway stops retrying; the audit row keeps it.
		slog.Warn("webhook for unknown payment",
			"gateway", provider.Name(),
			"external_reference", note.ExternalReference,
			"order_id", note.OrderID,
			"status", note.RawStatus)
		event.Status = models.WebhookUnmatched
		s.recordWebhook(ctx, event)
		return true, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment lookup failed")
		return false, err
	}
	span.SetAttributes(attribute.String("payment_id", payment.ID.String()))

	update := models.PaymentUpdate{
		Status:            note.Status,
		ExternalReference: note.ExternalReference,
	}
	if note.Status == models.PaymentFailed {
		update.FailureReason = "gateway status " + note.RawStatus
	}
	_, outcome, err := s.apply(ctx, payment, update)
	if err != nil {
		// Not acknowledged: the gateway redelivers and apply picks up where it stopped.
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		slog.Error("failed to apply webhook",
			"payment_id", payment.ID,
			"gateway", provider.Name(),
			"status", note.Status,
			"error", err)
		return false, err
	}
	event.Status = outcome
	s.recordWebhook(ctx, event)
	return true, nil
}

// lookup finds the payment by the gateway's reference, falling back to the
// order id we sent, which covers callbacks that beat the invoice response.
func (s *paymentService) lookup(ctx context.Context, gatewayName string, note *gateway.Notification) (*models.Payment, error) {
	if note.ExternalReference != "" {
		payment, err := s.paymentRepo.GetByExternalReference(ctx, gatewayName, note.ExternalReference)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, pkgerrors.ErrPaymentNotFound) {
			return nil, err
		}
	}
	id, err := uuid.Parse(note.OrderID)
	if err != nil {
		return nil, pkgerrors.ErrPaymentNotFound
	}
	payment, err := s.paymentRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Gateway != gatewayName {
		return nil, pkgerrors.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *paymentService) recordWebhook(ctx context.Context, event *models.WebhookEvent) {
	observability.WebhooksTotal.WithLabelValues(event.Gateway, string(event.Status)).Inc()
	if err := s.paymentRepo.RecordWebhook(context.WithoutCancel(ctx), event); err != nil {
		slog.Error("failed to record webhook",
			"gateway", event.Gateway,
			"payload_hash", event.PayloadHash,
			"error", err)
	}
}

// apply is the only path that changes a payment's status. The storage-level
// compare-and-set decides which caller wins; the paid side effects key off
// the resulting state, so redelivery after a partial failure finishes the job
// and a duplicate is a no-op.
func (s *paymentService) apply(ctx context.Context, payment *models.Payment, update models.PaymentUpdate) (*models.Payment, models.WebhookStatus, error) {
	if update.Status == models.PaymentPaid && update.PaidAt == nil {
		now := s.now().UTC()
		update.PaidAt = &now
	}
	updated, moved, err := s.paymentRepo.Transition(ctx, payment.ID, update)
	if err != nil {
		return nil, "", fmt.Errorf("failed to transition payment %s: %w", payment.ID, err)
	}

	outcome := models.WebhookIgnored
	if moved {
		outcome = models.WebhookApplied
		observability.PaymentTransitions.WithLabelValues(updated.Gateway, string(updated.Status)).Inc()
		slog.Info("payment status changed",
			"payment_id", updated.ID,
			"user_id", updated.UserID,
			"from", payment.Status,
			"to", updated.Status)
		s.publishStatus(ctx, updated)
	}

	if update.Status != models.PaymentPaid {
		return updated, outcome, nil
	}
	if updated.Status != models.PaymentPaid {
		s.latePaid(ctx, updated)
		return updated, models.WebhookLatePaid, nil
	}
	if err := s.settle(ctx, updated); err != nil {
		return nil, "", err
	}
	return updated, outcome, nil
}

// settle credits a paid payment. The credit reference makes it run at most
// once; the lead unlock follows only the credit that was actually applied.
func (s *paymentService) settle(ctx context.Context, payment *models.Payment) error {
	_, applied, err := s.ledger.Credit(ctx, payment.UserID, payment.AmountCents, models.PaymentReference(payment.ID.String()))
	if err != nil {
		return fmt.Errorf("failed to credit payment %s: %w", payment.ID, err)
	}
	if !applied || payment.Intent.Kind != models.IntentUnlockLead {
		return nil
	}

	result, err := s.engine.Purchase(ctx, payment.UserID, payment.Intent.LeadID)
	if err != nil {
		slog.Warn("lead unlock after payment failed, funds kept as balance",
			"payment_id", payment.ID,
			"user_id", payment.UserID,
			"lead_id", payment.Intent.LeadID,
			"error", err)
		s.reportIssue(ctx, payment, "unlock failed: "+pkgerrors.Reason(err))
		return nil
	}
	slog.Info("lead unlocked by payment",
		"payment_id", payment.ID,
		"lead_id", payment.Intent.LeadID,
		"purchase_id", result.Purchase.ID)
	return nil
}

// latePaid handles a paid report for a payment that already ended
// otherwise. Nothing is credited; the case goes to manual review.
func (s *paymentService) latePaid(ctx context.Context, payment *models.Payment) {
	slog.Warn("late payment rejected",
		"payment_id", payment.ID,
		"user_id", payment.UserID,
		"status", payment.Status,
		"amount", payment.AmountCents)
	s.reportIssue(ctx, payment, "paid after "+string(payment.Status))
}

// reportIssue stores the issue and publishes it; the issue consumer
// persists the event too, so either path alone is enough.
func (s *paymentService) reportIssue(ctx context.Context, payment *models.Payment, reason string) {
	ctx = context.WithoutCancel(ctx)
	issue := &models.PaymentIssue{
		PaymentID: payment.ID,
		UserID:    payment.UserID,
		LeadID:    payment.Intent.LeadID,
		Reason:    reason,
	}
	if err := s.paymentRepo.CreateIssue(ctx, issue); err != nil {
		slog.Error("failed to store payment issue",
			"payment_id", payment.ID,
			"reason", reason,
			"error", err)
	}
	if s.producer == nil {
		return
	}
	event := kafka.PaymentUnlockFailedEvent{
		PaymentID:  payment.ID.String(),
		UserID:     payment.UserID,
		LeadID:     payment.Intent.LeadID,
		Reason:     reason,
		OccurredAt: s.now().UTC(),
	}
	if err := kafka.Publish(ctx, s.producer, kafka.TopicPaymentUnlockFailed, payment.ID.String(), event); err != nil {
		slog.Error("failed to publish payment issue",
			"payment_id", payment.ID,
			"error", err)
	}
}

func (s *paymentService) publishStatus(ctx context.Context, payment *models.Payment) {
	if s.producer == nil {
		return
	}
	event := kafka.PaymentStatusEvent{
		PaymentID:   payment.ID.String(),
		UserID:      payment.UserID,
		Gateway:     payment.Gateway,
		Status:      string(payment.Status),
		AmountCents: payment.AmountCents,
		OccurredAt:  s.now().UTC(),
	}
	if err := kafka.Publish(context.WithoutCancel(ctx), s.producer, kafka.TopicPaymentStatus, payment.ID.String(), event); err != nil {
		slog.Error("failed to publish payment status",
			"payment_id", payment.ID,
			"status", payment.Status,
			"error", err)
	}
}

// ExpireOverdue moves processing payments past their expiry to expired.
func (s *paymentService) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "ExpireOverdue")
	defer span.End()

	payments, err := s.paymentRepo.ListOverdue(ctx, now, sweepBatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list overdue failed")
		return 0, err
	}
	return s.sweep(ctx, payments, models.PaymentUpdate{
		Status:        models.PaymentExpired,
		FailureReason: "invoice expired",
	})
}

// FailStalePending fails payments that never got an invoice, e.g. after
// every creation attempt timed out.
func (s *paymentService) FailStalePending(ctx context.Context, before time.Time) (int, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "FailStalePending")
	defer span.End()

	payments, err := s.paymentRepo.ListStalePending(ctx, before, sweepBatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list stale pending failed")
		return 0, err
	}
	return s.sweep(ctx, payments, models.PaymentUpdate{
		Status:        models.PaymentFailed,
		FailureReason: "invoice was never issued",
	})
}

func (s *paymentService) sweep(ctx context.Context, payments []models.Payment, update models.PaymentUpdate) (int, error) {
	moved := 0
	for i := range payments {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		_, outcome, err := s.apply(ctx, &payments[i], update)
		if err != nil {
			return moved, err
		}
		if outcome == models.WebhookApplied {
			moved++
		}
	}
	return moved, nil
}
