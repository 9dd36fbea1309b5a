package service

import (
	"context"
	"testing"
	"time"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/redis"
	redismocks "github.com/honeynil/LeadMarketService/internal/infrastructure/redis/mocks"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestSweeper_Sweep(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, h *harness) (overdue, stale *models.Payment) {
		overdue = processingPayment(t, h, 1, 100, "ext-1", models.PaymentIntent{Kind: models.IntentTopUp}, time.Now().Add(30*time.Minute))
		stale = &models.Payment{UserID: 1, AmountCents: 100, Currency: "USD", Gateway: "nowpayments", Intent: models.PaymentIntent{Kind: models.IntentTopUp}}
		require.NoError(t, h.payments.Create(ctx, stale))
		require.NoError(t, h.purchases.Reserve(ctx, 5, 1))
		return overdue, stale
	}

	t.Run("lock holder sweeps", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := redismocks.NewMockRedisClient(ctrl)
		h := newHarness()
		h.users.Put(1, 0)
		overdue, stale := seed(t, h)

		client.EXPECT().SetNX(gomock.Any(), "lock:"+sweepLockKey, gomock.Any(), 30*time.Second).Return(true, nil)
		client.EXPECT().DelIfEqual(gomock.Any(), "lock:"+sweepLockKey, gomock.Any()).Return(true, nil)

		sweeper := NewSweeper(newNOWPaymentsService(h, ""), h.purchases, redis.NewLock(client), SweeperConfig{})
		sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
		require.NoError(t, sweeper.Sweep(ctx))

		got, err := h.payments.GetByID(ctx, overdue.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentExpired, got.Status)
		got, err = h.payments.GetByID(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentFailed, got.Status)
		assert.Equal(t, "invoice was never issued", got.FailureReason)
		assert.False(t, h.purchases.Claimed(5))
		assert.Equal(t, int64(0), h.balance(t, 1))
	})

	t.Run("skips while another replica holds the lock", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := redismocks.NewMockRedisClient(ctrl)
		h := newHarness()
		overdue, _ := seed(t, h)

		client.EXPECT().SetNX(gomock.Any(), "lock:"+sweepLockKey, gomock.Any(), 30*time.Second).Return(false, nil)

		sweeper := NewSweeper(newNOWPaymentsService(h, ""), h.purchases, redis.NewLock(client), SweeperConfig{})
		sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
		require.NoError(t, sweeper.Sweep(ctx))

		got, err := h.payments.GetByID(ctx, overdue.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentProcessing, got.Status)
		assert.True(t, h.purchases.Claimed(5))
	})

	t.Run("sold reservations survive", func(t *testing.T) {
		h := newHarness()
		h.users.Put(1, 1000)
		h.leads.Put(5, 100, models.NumericScore(1))
		_, err := h.engine.Purchase(ctx, 1, 5)
		require.NoError(t, err)

		sweeper := NewSweeper(newNOWPaymentsService(h, ""), h.purchases, nil, SweeperConfig{})
		sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
		require.NoError(t, sweeper.Sweep(ctx))
		assert.True(t, h.purchases.Claimed(5))
	})
}

func TestSweeper_RunRejectsBadSchedule(t *testing.T) {
	h := newHarness()
	sweeper := NewSweeper(newNOWPaymentsService(h, ""), h.purchases, nil, SweeperConfig{Schedule: "not a schedule"})
	assert.Error(t, sweeper.Run(context.Background()))
}
