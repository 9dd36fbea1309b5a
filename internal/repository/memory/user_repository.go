// Package memory holds mutex-guarded repository implementations used by
// service tests that need real concurrent semantics without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
)

type UserRepository struct {
	mu         sync.Mutex
	users      map[int64]*models.User
	entries    []models.LedgerEntry
	creditRefs map[string]struct{}
	nextID     int64
}

func NewUserRepository() *UserRepository {
	return &UserRepository{
		users:      make(map[int64]*models.User),
		creditRefs: make(map[string]struct{}),
	}
}

// Put creates or replaces a user with the given starting balance.
func (r *UserRepository) Put(id, balance int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = &models.User{ID: id, Role: models.RoleBuyer, BalanceCents: balance, CreatedAt: time.Now()}
}

func (r *UserRepository) GetByID(_ context.Context, id int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, pkgerrors.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *UserRepository) GetBalance(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return 0, pkgerrors.ErrUserNotFound
	}
	return u.BalanceCents, nil
}

func (r *UserRepository) Debit(_ context.Context, userID, amount int64, reference string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, pkgerrors.ErrUserNotFound
	}
	if u.BalanceCents < amount {
		return nil, &pkgerrors.InsufficientFundsError{Balance: u.BalanceCents, Required: amount}
	}
	u.BalanceCents -= amount
	return r.appendEntry(userID, models.EntryDebit, amount, u.BalanceCents+amount, u.BalanceCents, reference), nil
}

func (r *UserRepository) Credit(_ context.Context, userID, amount int64, reference string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, pkgerrors.ErrUserNotFound
	}
	if _, seen := r.creditRefs[reference]; seen {
		return nil, pkgerrors.ErrDuplicateReference
	}
	r.creditRefs[reference] = struct{}{}
	u.BalanceCents += amount
	return r.appendEntry(userID, models.EntryCredit, amount, u.BalanceCents-amount, u.BalanceCents, reference), nil
}

func (r *UserRepository) appendEntry(userID int64, kind models.EntryKind, amount, before, after int64, reference string) *models.LedgerEntry {
	r.nextID++
	e := models.LedgerEntry{
		ID:            r.nextID,
		UserID:        userID,
		Kind:          kind,
		AmountCents:   amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reference:     reference,
		CreatedAt:     time.Now(),
	}
	r.entries = append(r.entries, e)
	return &e
}

func (r *UserRepository) GetLedgerHistory(_ context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.LedgerEntry{}
	for _, e := range r.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
