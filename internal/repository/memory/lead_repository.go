package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
)

type LeadRepository struct {
	mu        sync.RWMutex
	leads     map[int64]models.Lead
	purchases *PurchaseRepository
}

// NewLeadRepository answers OnlyAvailable filters from purchases when it is non-nil.
func NewLeadRepository(purchases *PurchaseRepository) *LeadRepository {
	return &LeadRepository{leads: make(map[int64]models.Lead), purchases: purchases}
}

func (r *LeadRepository) Put(id, priceCents int64, score models.Score) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads[id] = models.Lead{ID: id, PriceCents: priceCents, Score: score, CreatedAt: time.Now()}
}

// Delete removes a lead the way the catalog admin does; purchases are kept.
func (r *LeadRepository) Delete(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leads, id)
}

func (r *LeadRepository) GetByID(_ context.Context, id int64) (*models.Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.leads[id]
	if !ok {
		return nil, pkgerrors.ErrLeadNotFound
	}
	return &l, nil
}

func (r *LeadRepository) List(_ context.Context, filter models.LeadFilter, page models.PageRequest) (*models.LeadPage, error) {
	page = page.Normalize()
	r.mu.RLock()
	matched := make([]models.Lead, 0, len(r.leads))
	for _, l := range r.leads {
		if !filter.Match(l) {
			continue
		}
		if filter.OnlyAvailable && r.purchases != nil && r.purchases.Claimed(l.ID) {
			continue
		}
		matched = append(matched, l)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	result := &models.LeadPage{Items: []models.Lead{}, Page: page.Page, PerPage: page.PerPage, Total: len(matched)}
	start := page.Offset()
	if start >= len(matched) {
		return result, nil
	}
	end := min(start+page.PerPage, len(matched))
	result.Items = append(result.Items, matched[start:end]...)
	return result, nil
}
