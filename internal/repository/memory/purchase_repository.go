package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
)

type reservation struct {
	userID     int64
	reservedAt time.Time
}

type PurchaseRepository struct {
	mu           sync.Mutex
	reservations map[int64]reservation
	purchases    map[int64]models.Purchase
	nextID       int64
}

func NewPurchaseRepository() *PurchaseRepository {
	return &PurchaseRepository{
		reservations: make(map[int64]reservation),
		purchases:    make(map[int64]models.Purchase),
	}
}

func (r *PurchaseRepository) Reserve(_ context.Context, leadID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.reservations[leadID]; taken {
		return pkgerrors.ErrLeadUnavailable
	}
	r.reservations[leadID] = reservation{userID: userID, reservedAt: time.Now()}
	return nil
}

func (r *PurchaseRepository) Release(_ context.Context, leadID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[leadID]
	if !ok || res.userID != userID {
		return nil
	}
	if _, sold := r.purchases[leadID]; sold {
		return nil
	}
	delete(r.reservations, leadID)
	return nil
}

func (r *PurchaseRepository) Create(_ context.Context, purchase *models.Purchase) error {
	if purchase == nil {
		return pkgerrors.ErrNilPurchase
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, sold := r.purchases[purchase.LeadID]; sold {
		return pkgerrors.ErrLeadUnavailable
	}
	r.nextID++
	purchase.ID = r.nextID
	purchase.PurchasedAt = time.Now()
	r.purchases[purchase.LeadID] = *purchase
	return nil
}

func (r *PurchaseRepository) GetByLeadID(_ context.Context, leadID int64) (*models.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.purchases[leadID]
	if !ok {
		return nil, pkgerrors.ErrLeadNotFound
	}
	return &p, nil
}

func (r *PurchaseRepository) ListByUser(_ context.Context, userID int64) ([]models.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.Purchase{}
	for _, p := range r.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *PurchaseRepository) ReleaseStale(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released int64
	for leadID, res := range r.reservations {
		if _, sold := r.purchases[leadID]; sold || !res.reservedAt.Before(before) {
			continue
		}
		delete(r.reservations, leadID)
		released++
	}
	return released, nil
}

// Claimed reports whether leadID is reserved or sold.
func (r *PurchaseRepository) Claimed(leadID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reservations[leadID]
	return ok
}
