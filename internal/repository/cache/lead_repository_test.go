package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/redis"
	redismocks "github.com/honeynil/LeadMarketService/internal/infrastructure/redis/mocks"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/internal/repository/cache"
	repositorymocks "github.com/honeynil/LeadMarketService/internal/repository/mocks"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestLeadRepository_GetByID(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := repositorymocks.NewMockLeadRepository(ctrl)
	client := redismocks.NewMockRedisClient(ctrl)
	repo := cache.NewLeadRepository(next, client, time.Minute)
	ctx := context.Background()
	lead := &models.Lead{ID: 7, PriceCents: 700, Score: models.NumericScore(4.5)}

	t.Run("miss loads and stores", func(t *testing.T) {
		client.EXPECT().Get(gomock.Any(), "lead:7").Return("", redis.ErrKeyNotFound)
		next.EXPECT().GetByID(gomock.Any(), int64(7)).Return(lead, nil)
		client.EXPECT().Set(gomock.Any(), "lead:7", gomock.Any(), time.Minute).Return(nil)

		got, err := repo.GetByID(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(700), got.PriceCents)
	})

	t.Run("hit skips storage", func(t *testing.T) {
		raw, _ := json.Marshal(lead)
		client.EXPECT().Get(gomock.Any(), "lead:7").Return(string(raw), nil)

		got, err := repo.GetByID(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, models.ScoreNumeric, got.Score.Kind)
		assert.Equal(t, 4.5, got.Score.Value)
	})

	t.Run("redis down falls back", func(t *testing.T) {
		client.EXPECT().Get(gomock.Any(), "lead:7").Return("", errors.New("connection refused"))
		next.EXPECT().GetByID(gomock.Any(), int64(7)).Return(lead, nil)
		client.EXPECT().Set(gomock.Any(), "lead:7", gomock.Any(), time.Minute).Return(errors.New("connection refused"))

		got, err := repo.GetByID(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.ID)
	})

	t.Run("missing lead is not cached", func(t *testing.T) {
		client.EXPECT().Get(gomock.Any(), "lead:8").Return("", redis.ErrKeyNotFound)
		next.EXPECT().GetByID(gomock.Any(), int64(8)).Return(nil, pkgerrors.ErrLeadNotFound)

		_, err := repo.GetByID(ctx, 8)
		assert.ErrorIs(t, err, pkgerrors.ErrLeadNotFound)
	})
}
