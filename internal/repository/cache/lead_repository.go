// Package cache decorates repositories with a Redis read-through layer.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/redis"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/internal/repository"
)

const leadKeyPrefix = "lead:"

// LeadRepository caches single leads for browsing. Leads are immutable after
// creation, so entries only go stale on deletion and expire after ttl. Do not
// hand it to the purchase path, which must observe deletions. Listings are not
// cached because availability changes with every sale.
type LeadRepository struct {
	next   repository.LeadRepository
	client redis.RedisClient
	ttl    time.Duration
}

func NewLeadRepository(next repository.LeadRepository, client redis.RedisClient, ttl time.Duration) *LeadRepository {
	return &LeadRepository{next: next, client: client, ttl: ttl}
}

func leadKey(id int64) string {
	return leadKeyPrefix + strconv.FormatInt(id, 10)
}

func (r *LeadRepository) GetByID(ctx context.Context, id int64) (*models.Lead, error) {
	key := leadKey(id)
	cached, err := r.client.Get(ctx, key)
	switch {
	case err == nil:
		var lead models.Lead
		if jsonErr := json.Unmarshal([]byte(cached), &lead); jsonErr == nil {
			return &lead, nil
		}
		slog.Warn("dropping corrupt lead cache entry", "lead_id", id)
	case !errors.Is(err, redis.ErrKeyNotFound):
		// Redis trouble must not block purchases; fall through to storage.
		slog.Warn("lead cache read failed", "lead_id", id, "error", err)
	}

	lead, err := r.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(lead); err == nil {
		if err := r.client.Set(ctx, key, string(raw), r.ttl); err != nil {
			slog.Warn("lead cache write failed", "lead_id", id, "error", err)
		}
	}
	return lead, nil
}

func (r *LeadRepository) List(ctx context.Context, filter models.LeadFilter, page models.PageRequest) (*models.LeadPage, error) {
	return r.next.List(ctx, filter, page)
}
