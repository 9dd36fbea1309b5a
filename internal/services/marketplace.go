package service

import (
	"context"
	"log/slog"

	"github.com/honeynil/LeadMarketService/internal/gateway"
	"github.com/honeynil/LeadMarketService/internal/infrastructure/kafka"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Catalog is the read-only surface over leads and purchase history.
type Catalog interface {
	ListLeads(ctx context.Context, filter models.LeadFilter, page models.PageRequest) (*models.LeadPage, error)
	GetLead(ctx context.Context, id int64) (*models.Lead, error)
	ListPurchases(ctx context.Context, userID int64) ([]models.Purchase, error)
}

type catalogService struct {
	leadRepo     repository.LeadRepository
	purchaseRepo repository.PurchaseRepository
}

func NewCatalog(leadRepo repository.LeadRepository, purchaseRepo repository.PurchaseRepository) *catalogService {
	return &catalogService{leadRepo: leadRepo, purchaseRepo: purchaseRepo}
}

func (c *catalogService) ListLeads(ctx context.Context, filter models.LeadFilter, page models.PageRequest) (*models.LeadPage, error) {
	tracer := otel.Tracer("catalog")
	ctx, span := tracer.Start(ctx, "ListLeads")
	defer span.End()

	result, err := c.leadRepo.List(ctx, filter, page.Normalize())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		slog.Error("failed to list leads", "error", err)
		return nil, err
	}
	return result, nil
}

func (c *catalogService) GetLead(ctx context.Context, id int64) (*models.Lead, error) {
	return c.leadRepo.GetByID(ctx, id)
}

func (c *catalogService) ListPurchases(ctx context.Context, userID int64) ([]models.Purchase, error) {
	tracer := otel.Tracer("catalog")
	ctx, span := tracer.Start(ctx, "ListPurchases")
	defer span.End()

	purchases, err := c.purchaseRepo.ListByUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		slog.Error("failed to list purchases", "user_id", userID, "error", err)
		return nil, err
	}
	return purchases, nil
}

type Dependencies struct {
	Users repository.UserRepository
	// Leads must read storage directly: the purchase engine relies on it to
	// see deletions immediately.
	Leads repository.LeadRepository
	// CatalogLeads serves browsing and may be cached. Defaults to Leads.
	CatalogLeads repository.LeadRepository
	Purchases    repository.PurchaseRepository
	Payments     repository.PaymentRepository
	Gateways     *gateway.Registry
	Producer     kafka.KafkaProducer
	Payment      PaymentConfig
}

// Services is everything the HTTP layer calls into.
type Services struct {
	Ledger    Ledger
	Purchases PurchaseEngine
	Checkout  CheckoutOrchestrator
	Payments  PaymentService
	Catalog   Catalog
}

func NewServices(deps Dependencies) *Services {
	ledger := NewLedger(deps.Users)
	engine := NewPurchaseEngine(deps.Leads, deps.Purchases, ledger, deps.Producer)
	catalogLeads := deps.CatalogLeads
	if catalogLeads == nil {
		catalogLeads = deps.Leads
	}
	return &Services{
		Ledger:    ledger,
		Purchases: engine,
		Checkout:  NewCheckout(engine, ledger),
		Payments:  NewPaymentService(deps.Payments, ledger, engine, deps.Gateways, deps.Producer, deps.Payment),
		Catalog:   NewCatalog(catalogLeads, deps.Purchases),
	}
}
