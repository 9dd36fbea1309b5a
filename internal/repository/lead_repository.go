package repository

import (
	"context"

	"github.com/honeynil/LeadMarketService/internal/models"
)

//go:generate mockgen -source=lead_repository.go -destination=mocks/lead_repository_mock.go -package=mocks

// LeadRepository is the read side of the lead catalog.
type LeadRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Lead, error)
	List(ctx context.Context, filter models.LeadFilter, page models.PageRequest) (*models.LeadPage, error)
}
