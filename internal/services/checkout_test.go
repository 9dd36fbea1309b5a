package service

import (
	"context"
	"errors"
	"testing"

	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookedEngine runs before ahead of every purchase so tests can interleave
// other buyers or cancel the caller.
type hookedEngine struct {
	PurchaseEngine
	before func(leadID int64)
}

func (e *hookedEngine) Purchase(ctx context.Context, userID, leadID int64) (*models.PurchaseResult, error) {
	if e.before != nil {
		e.before(leadID)
	}
	return e.PurchaseEngine.Purchase(ctx, userID, leadID)
}

func leadIDs(purchases []models.Purchase) []int64 {
	ids := make([]int64, 0, len(purchases))
	for _, p := range purchases {
		ids = append(ids, p.LeadID)
	}
	return ids
}

func TestCheckout_PartialFailure(t *testing.T) {
	h := newHarness()
	h.users.Put(1, 1000)
	h.users.Put(2, 1000)
	for id := int64(1); id <= 3; id++ {
		h.leads.Put(id, 100, models.NumericScore(float64(id)))
	}
	engine := &hookedEngine{PurchaseEngine: h.engine}
	engine.before = func(leadID int64) {
		if leadID == 2 {
			_, err := h.engine.Purchase(context.Background(), 2, 2)
			require.NoError(t, err)
		}
	}
	checkout := NewCheckout(engine, h.ledger)

	res, err := checkout.Checkout(context.Background(), 1, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, leadIDs(res.Succeeded))
	require.Len(t, res.Failed, 1)
	assert.Equal(t, int64(2), res.Failed[0].LeadID)
	assert.Equal(t, "lead_unavailable", res.Failed[0].Reason)
	assert.Equal(t, int64(800), res.FinalBalance)
	assert.Equal(t, int64(800), h.balance(t, 1))
}

func TestCheckout_InsufficientFundsMidCart(t *testing.T) {
	h := newHarness()
	h.users.Put(1, 150)
	h.leads.Put(1, 100, models.NumericScore(1))
	h.leads.Put(2, 100, models.NumericScore(1))
	h.leads.Put(3, 40, models.UnscoredScore("n/a"))
	checkout := NewCheckout(h.engine, h.ledger)

	res, err := checkout.Checkout(context.Background(), 1, []int64{1, 2, 3, 404})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, leadIDs(res.Succeeded))
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "insufficient_funds", res.Failed[0].Reason)
	assert.Equal(t, int64(50), res.Failed[0].ShortfallCents)
	assert.Contains(t, res.Failed[0].Message, "0.50")
	assert.Equal(t, "lead_not_found", res.Failed[1].Reason)
	assert.Equal(t, int64(10), res.FinalBalance)
}

func TestCheckout_DuplicateIDs(t *testing.T) {
	h := newHarness()
	h.users.Put(1, 1000)
	h.leads.Put(1, 100, models.NumericScore(1))
	checkout := NewCheckout(h.engine, h.ledger)

	res, err := checkout.Checkout(context.Background(), 1, []int64{1, 1})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 1)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "lead_unavailable", res.Failed[0].Reason)
	assert.Equal(t, int64(900), res.FinalBalance)
}

func TestCheckout_CancelStopsRemainingItems(t *testing.T) {
	h := newHarness()
	h.users.Put(1, 1000)
	for id := int64(1); id <= 3; id++ {
		h.leads.Put(id, 100, models.NumericScore(1))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := &hookedEngine{PurchaseEngine: h.engine}
	engine.before = func(leadID int64) {
		if leadID == 2 {
			cancel()
		}
	}
	checkout := NewCheckout(engine, h.ledger)

	res, err := checkout.Checkout(ctx, 1, []int64{1, 2, 3})
	require.NoError(t, err)
	// Lead 2 was already handed to the engine when the buyer left.
	assert.Equal(t, []int64{1, 2}, leadIDs(res.Succeeded))
	require.Len(t, res.Failed, 1)
	assert.Equal(t, int64(3), res.Failed[0].LeadID)
	assert.Equal(t, "canceled", res.Failed[0].Reason)
	assert.Equal(t, int64(800), res.FinalBalance)
}

type failingEngine struct{ err error }

func (e failingEngine) Purchase(context.Context, int64, int64) (*models.PurchaseResult, error) {
	return nil, e.err
}

func TestCheckout_InfrastructureErrorPropagates(t *testing.T) {
	h := newHarness()
	h.users.Put(1, 1000)
	dbErr := errors.New("db down")
	checkout := NewCheckout(failingEngine{err: dbErr}, h.ledger)

	res, err := checkout.Checkout(context.Background(), 1, []int64{1, 2})
	assert.ErrorIs(t, err, dbErr)
	assert.Nil(t, res)
}

func TestCheckout_RejectsEmptyCart(t *testing.T) {
	h := newHarness()
	checkout := NewCheckout(h.engine, h.ledger)

	_, err := checkout.Checkout(context.Background(), 1, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
}
