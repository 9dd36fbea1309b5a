package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/redis"
	redismocks "github.com/honeynil/LeadMarketService/internal/infrastructure/redis/mocks"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/internal/repository/cache"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// mapRedis backs the redis mock with a map so cache entries survive between calls.
func mapRedis(t *testing.T) *redismocks.MockRedisClient {
	var (
		mu    sync.Mutex
		store = map[string]string{}
	)
	client := redismocks.NewMockRedisClient(gomock.NewController(t))
	client.EXPECT().Get(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, key string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		v, ok := store[key]
		if !ok {
			return "", redis.ErrKeyNotFound
		}
		return v, nil
	}).AnyTimes()
	client.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, key string, value interface{}, _ time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			store[key] = fmt.Sprint(value)
			return nil
		}).AnyTimes()
	return client
}

func TestNewServices_PurchaseSeesDeletedLeadDespiteCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.users.Put(1, 1000)
	h.leads.Put(7, 700, models.NumericScore(5))

	svc := NewServices(Dependencies{
		Users:        h.users,
		Leads:        h.leads,
		CatalogLeads: cache.NewLeadRepository(h.leads, mapRedis(t), time.Hour),
		Purchases:    h.purchases,
		Payments:     h.payments,
	})

	lead, err := svc.Catalog.GetLead(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(700), lead.PriceCents)

	h.leads.Delete(7)

	// Browsing may still show the cached row.
	_, err = svc.Catalog.GetLead(ctx, 7)
	require.NoError(t, err)

	res, err := svc.Purchases.Purchase(ctx, 1, 7)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, pkgerrors.ErrLeadNotFound)
	assert.Equal(t, int64(1000), h.balance(t, 1))
	assert.False(t, h.purchases.Claimed(7), "reservation must be released")
}

func TestNewServices_CatalogDefaultsToLeads(t *testing.T) {
	h := newHarness()
	h.leads.Put(3, 100, models.UnscoredScore("warm"))

	svc := NewServices(Dependencies{Users: h.users, Leads: h.leads, Purchases: h.purchases, Payments: h.payments})

	lead, err := svc.Catalog.GetLead(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, models.ScoreUnscored, lead.Score.Kind)
}
