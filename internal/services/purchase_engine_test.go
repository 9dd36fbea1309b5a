package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/kafka"
	kafkamocks "github.com/honeynil/LeadMarketService/internal/infrastructure/kafka/mocks"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/internal/repository/memory"
	repositorymocks "github.com/honeynil/LeadMarketService/internal/repository/mocks"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type harness struct {
	users     *memory.UserRepository
	leads     *memory.LeadRepository
	purchases *memory.PurchaseRepository
	payments  *memory.PaymentRepository
	ledger    Ledger
	engine    PurchaseEngine
}

func newHarness() *harness {
	h := &harness{
		users:     memory.NewUserRepository(),
		purchases: memory.NewPurchaseRepository(),
		payments:  memory.NewPaymentRepository(),
	}
	h.leads = memory.NewLeadRepository(h.purchases)
	h.ledger = NewLedger(h.users)
	h.engine = NewPurchaseEngine(h.leads, h.purchases, h.ledger, nil)
	return h
}

func (h *harness) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := h.users.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestPurchaseEngine_Purchase(t *testing.T) {
	ctx := context.Background()

	t.Run("balance 1000, price 700", func(t *testing.T) {
		h := newHarness()
		h.users.Put(1, 1000)
		h.leads.Put(10, 700, models.NumericScore(8))

		res, err := h.engine.Purchase(ctx, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(300), res.RemainingBalance)
		assert.Equal(t, int64(700), res.Purchase.PriceCents)
		assert.Equal(t, int64(300), h.balance(t, 1))

		p, err := h.purchases.GetByLeadID(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.UserID)
		list, err := h.purchases.ListByUser(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("insufficient funds releases the lead", func(t *testing.T) {
		h := newHarness()
		h.users.Put(1, 500)
		h.users.Put(2, 1000)
		h.leads.Put(10, 700, models.UnscoredScore("hot"))

		_, err := h.engine.Purchase(ctx, 1, 10)
		assert.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)
		var insufficient *pkgerrors.InsufficientFundsError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, int64(200), insufficient.Shortfall())
		assert.Equal(t, int64(500), h.balance(t, 1))
		assert.False(t, h.purchases.Claimed(10))

		_, err = h.engine.Purchase(ctx, 2, 10)
		assert.NoError(t, err)
	})

	t.Run("unknown lead", func(t *testing.T) {
		h := newHarness()
		h.users.Put(1, 1000)

		_, err := h.engine.Purchase(ctx, 1, 99)
		assert.ErrorIs(t, err, pkgerrors.ErrLeadNotFound)
		assert.False(t, h.purchases.Claimed(99))
		assert.Equal(t, int64(1000), h.balance(t, 1))
	})

	t.Run("same buyer twice", func(t *testing.T) {
		h := newHarness()
		h.users.Put(1, 1000)
		h.leads.Put(10, 100, models.NumericScore(1))

		_, err := h.engine.Purchase(ctx, 1, 10)
		require.NoError(t, err)
		_, err = h.engine.Purchase(ctx, 1, 10)
		assert.ErrorIs(t, err, pkgerrors.ErrLeadUnavailable)
		assert.Equal(t, int64(900), h.balance(t, 1))
	})
}

func TestPurchaseEngine_ConcurrentSameLead(t *testing.T) {
	const buyers = 50
	h := newHarness()
	h.leads.Put(1, 700, models.NumericScore(5))
	for i := int64(1); i <= buyers; i++ {
		h.users.Put(i, 1000)
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		succeeded   []int64
		unavailable int
	)
	start := make(chan struct{})
	for i := int64(1); i <= buyers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			<-start
			_, err := h.engine.Purchase(context.Background(), userID, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded = append(succeeded, userID)
			case errors.Is(err, pkgerrors.ErrLeadUnavailable):
				unavailable++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, succeeded, 1)
	assert.Equal(t, buyers-1, unavailable)

	p, err := h.purchases.GetByLeadID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, succeeded[0], p.UserID)
	for i := int64(1); i <= buyers; i++ {
		want := int64(1000)
		if i == succeeded[0] {
			want = 300
		}
		assert.Equal(t, want, h.balance(t, i), "user %d", i)
	}
}

func TestPurchaseEngine_TwoBuyersRace(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness()
		h.users.Put(1, 1000)
		h.users.Put(2, 1000)
		h.leads.Put(7, 400, models.NumericScore(3))

		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i, userID := range []int64{1, 2} {
			wg.Add(1)
			go func(i int, userID int64) {
				defer wg.Done()
				_, errs[i] = h.engine.Purchase(context.Background(), userID, 7)
			}(i, userID)
		}
		wg.Wait()

		winner, loser := int64(1), int64(2)
		if errs[0] != nil {
			winner, loser = 2, 1
			assert.NoError(t, errs[1])
			assert.ErrorIs(t, errs[0], pkgerrors.ErrLeadUnavailable)
		} else {
			assert.ErrorIs(t, errs[1], pkgerrors.ErrLeadUnavailable)
		}
		assert.Equal(t, int64(600), h.balance(t, winner))
		assert.Equal(t, int64(1000), h.balance(t, loser))

		p, err := h.purchases.GetByLeadID(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, winner, p.UserID)
	}
}

func TestPurchaseEngine_RefundWhenPurchaseRecordFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	leadRepo := repositorymocks.NewMockLeadRepository(ctrl)
	purchaseRepo := repositorymocks.NewMockPurchaseRepository(ctrl)
	userRepo := repositorymocks.NewMockUserRepository(ctrl)
	engine := NewPurchaseEngine(leadRepo, purchaseRepo, NewLedger(userRepo), nil)
	ctx := context.Background()

	purchaseRepo.EXPECT().Reserve(gomock.Any(), int64(7), int64(1)).Return(nil)
	leadRepo.EXPECT().GetByID(gomock.Any(), int64(7)).Return(&models.Lead{ID: 7, PriceCents: 700}, nil)
	userRepo.EXPECT().Debit(gomock.Any(), int64(1), int64(700), models.PurchaseReference(7)).
		Return(&models.LedgerEntry{BalanceBefore: 1000, BalanceAfter: 300}, nil)
	purchaseRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))
	userRepo.EXPECT().Credit(gomock.Any(), int64(1), int64(700), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ int64, reference string) (*models.LedgerEntry, error) {
			assert.True(t, strings.HasPrefix(reference, "refund:attempt:"), reference)
			return &models.LedgerEntry{BalanceBefore: 300, BalanceAfter: 1000}, nil
		})
	purchaseRepo.EXPECT().Release(gomock.Any(), int64(7), int64(1)).Return(nil)

	_, err := engine.Purchase(ctx, 1, 7)
	require.Error(t, err)
	assert.False(t, pkgerrors.IsBusiness(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPurchaseEngine_ReserveStorageError(t *testing.T) {
	ctrl := gomock.NewController(t)
	purchaseRepo := repositorymocks.NewMockPurchaseRepository(ctrl)
	engine := NewPurchaseEngine(repositorymocks.NewMockLeadRepository(ctrl), purchaseRepo,
		NewLedger(repositorymocks.NewMockUserRepository(ctrl)), nil)

	purchaseRepo.EXPECT().Reserve(gomock.Any(), int64(7), int64(1)).Return(errors.New("db down"))

	_, err := engine.Purchase(context.Background(), 1, 7)
	require.Error(t, err)
	assert.False(t, pkgerrors.IsBusiness(err))
}

func TestPurchaseEngine_PublishesEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	producer := kafkamocks.NewMockKafkaProducer(ctrl)
	h := newHarness()
	h.users.Put(1, 1000)
	h.leads.Put(7, 250, models.NumericScore(2))
	engine := NewPurchaseEngine(h.leads, h.purchases, h.ledger, producer)

	producer.EXPECT().Send(gomock.Any(), kafka.TopicLeadPurchased, "7", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, value []byte) error {
			var event kafka.LeadPurchasedEvent
			require.NoError(t, json.Unmarshal(value, &event))
			assert.Equal(t, int64(1), event.UserID)
			assert.Equal(t, int64(250), event.PriceCents)
			return nil
		})

	_, err := engine.Purchase(context.Background(), 1, 7)
	require.NoError(t, err)
}

func TestPurchaseEngine_PublishFailureKeepsPurchase(t *testing.T) {
	ctrl := gomock.NewController(t)
	producer := kafkamocks.NewMockKafkaProducer(ctrl)
	h := newHarness()
	h.users.Put(1, 1000)
	h.leads.Put(7, 250, models.NumericScore(2))
	engine := NewPurchaseEngine(h.leads, h.purchases, h.ledger, producer)

	producer.EXPECT().Send(gomock.Any(), kafka.TopicLeadPurchased, "7", gomock.Any()).Return(errors.New("broker down"))

	res, err := engine.Purchase(context.Background(), 1, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(750), res.RemainingBalance)
}
