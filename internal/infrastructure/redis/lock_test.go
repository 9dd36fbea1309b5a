package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/redis"
	"github.com/honeynil/LeadMarketService/internal/infrastructure/redis/mocks"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
)

func TestLock(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockRedisClient(ctrl)
	lock := redis.NewLock(client)
	ctx := context.Background()

	t.Run("acquire and release with the same owner", func(t *testing.T) {
		var owner any
		client.EXPECT().SetNX(gomock.Any(), "lock:sweep", gomock.Any(), time.Minute).
			DoAndReturn(func(_ context.Context, _ string, value any, _ time.Duration) (bool, error) {
				owner = value
				return true, nil
			})
		ok, err := lock.Acquire(ctx, "sweep", time.Minute)
		assert.NoError(t, err)
		assert.True(t, ok)

		client.EXPECT().DelIfEqual(gomock.Any(), "lock:sweep", gomock.Any()).
			DoAndReturn(func(_ context.Context, _, value string) (bool, error) {
				assert.Equal(t, owner, value)
				return true, nil
			})
		assert.NoError(t, lock.Release(ctx, "sweep"))
	})

	t.Run("held elsewhere", func(t *testing.T) {
		client.EXPECT().SetNX(gomock.Any(), "lock:sweep", gomock.Any(), time.Minute).Return(false, nil)
		ok, err := lock.Acquire(ctx, "sweep", time.Minute)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("redis error", func(t *testing.T) {
		client.EXPECT().SetNX(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(false, errors.New("conn refused"))
		_, err := lock.Acquire(ctx, "sweep", time.Minute)
		assert.Error(t, err)
	})
}
