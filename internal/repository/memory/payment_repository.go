package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
)

type PaymentRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*models.Payment
	webhooks []models.WebhookEvent
	issues   map[uuid.UUID]models.PaymentIssue
}

func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{
		payments: make(map[uuid.UUID]*models.Payment),
		issues:   make(map[uuid.UUID]models.PaymentIssue),
	}
}

func (r *PaymentRepository) Create(_ context.Context, payment *models.Payment) error {
	if payment == nil {
		return pkgerrors.ErrNilPayment
	}
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.Status == "" {
		payment.Status = models.PaymentPending
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *payment
	r.payments[payment.ID] = &cp
	return nil
}

func (r *PaymentRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, pkgerrors.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *PaymentRepository) GetByExternalReference(_ context.Context, gateway, reference string) (*models.Payment, error) {
	if reference == "" {
		return nil, pkgerrors.ErrPaymentNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.Gateway == gateway && p.ExternalReference == reference {
			cp := *p
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrPaymentNotFound
}

func (r *PaymentRepository) Transition(_ context.Context, id uuid.UUID, update models.PaymentUpdate) (*models.Payment, bool, error) {
	if len(models.TransitionSources(update.Status)) == 0 {
		return nil, false, pkgerrors.ErrInvalidTransition
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, false, pkgerrors.ErrPaymentNotFound
	}
	if !models.CanTransition(p.Status, update.Status) {
		cp := *p
		return &cp, false, nil
	}
	p.Status = update.Status
	if update.ExternalReference != "" {
		p.ExternalReference = update.ExternalReference
	}
	if update.PayAddress != "" {
		p.PayAddress = update.PayAddress
	}
	if update.PayURL != "" {
		p.PayURL = update.PayURL
	}
	if update.ExpiresAt != nil {
		p.ExpiresAt = update.ExpiresAt
	}
	if update.PaidAt != nil {
		p.PaidAt = update.PaidAt
	}
	if update.FailureReason != "" {
		p.FailureReason = update.FailureReason
	}
	cp := *p
	return &cp, true, nil
}

func (r *PaymentRepository) ListOverdue(_ context.Context, now time.Time, limit int) ([]models.Payment, error) {
	return r.filter(limit, func(p *models.Payment) bool { return p.Overdue(now) }), nil
}

func (r *PaymentRepository) ListStalePending(_ context.Context, before time.Time, limit int) ([]models.Payment, error) {
	return r.filter(limit, func(p *models.Payment) bool {
		return p.Status == models.PaymentPending && p.ExternalReference == "" && p.CreatedAt.Before(before)
	}), nil
}

func (r *PaymentRepository) filter(limit int, keep func(*models.Payment) bool) []models.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.Payment{}
	for _, p := range r.payments {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *PaymentRepository) RecordWebhook(_ context.Context, event *models.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = int64(len(r.webhooks) + 1)
	event.ReceivedAt = time.Now()
	r.webhooks = append(r.webhooks, *event)
	return nil
}

func (r *PaymentRepository) CreateIssue(_ context.Context, issue *models.PaymentIssue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.issues[issue.PaymentID]; exists {
		return nil
	}
	issue.ID = int64(len(r.issues) + 1)
	issue.CreatedAt = time.Now()
	r.issues[issue.PaymentID] = *issue
	return nil
}

// Webhooks returns the recorded deliveries in arrival order.
func (r *PaymentRepository) Webhooks() []models.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.WebhookEvent(nil), r.webhooks...)
}

func (r *PaymentRepository) Issues() []models.PaymentIssue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.PaymentIssue, 0, len(r.issues))
	for _, i := range r.issues {
		out = append(out, i)
	}
	return out
}
