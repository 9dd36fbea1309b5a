package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/LeadMarketService/internal/api"
	"github.com/honeynil/LeadMarketService/internal/config"
	"github.com/honeynil/LeadMarketService/internal/gateway"
	"github.com/honeynil/LeadMarketService/internal/handler"
	"github.com/honeynil/LeadMarketService/internal/infrastructure/kafka"
	"github.com/honeynil/LeadMarketService/internal/infrastructure/redis"
	"github.com/honeynil/LeadMarketService/internal/observability"
	"github.com/honeynil/LeadMarketService/internal/repository/cache"
	core "github.com/honeynil/LeadMarketService/internal/repository/postgres"
	service "github.com/honeynil/LeadMarketService/internal/services"
	"github.com/honeynil/LeadMarketService/migrations"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	// Логи, метрики, трейсы
	shutdownTracing, metricsHandler := observability.Setup("lead-market", cfg.OTLPEndpoint, cfg.LogLevel)
	defer shutdownTracing(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Postgres is unreachable: %v", err)
	}
	if cfg.AutoMigrate {
		if err := migrations.Run(db, "up", -1); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}

	redisClient, err := redis.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	userRepo := core.NewPostgresUserRepository(db)
	leadRepo := core.NewPostgresLeadRepository(db)
	cachedLeads := cache.NewLeadRepository(leadRepo, redisClient, cfg.LeadCacheTTL)
	purchaseRepo := core.NewPostgresPurchaseRepository(db)
	paymentRepo := core.NewPostgresPaymentRepository(db)

	httpClient := gateway.NewHTTPClient()
	g := cfg.Gateways
	gateways := gateway.NewRegistry(g.Default,
		gateway.NewCryptomus(gateway.CryptomusConfig{
			BaseURL:    g.CryptomusBaseURL,
			MerchantID: g.CryptomusMerchantID,
			APIKey:     g.CryptomusAPIKey,
		}, httpClient),
		gateway.NewNOWPayments(gateway.NOWPaymentsConfig{
			BaseURL:     g.NOWPaymentsBaseURL,
			APIKey:      g.NOWPaymentsAPIKey,
			IPNSecret:   g.NOWPaymentsIPNSecret,
			PayCurrency: g.NOWPaymentsPayCurrency,
		}, httpClient),
		gateway.NewCryptoCloud(gateway.CryptoCloudConfig{
			BaseURL: g.CryptoCloudBaseURL,
			ShopID:  g.CryptoCloudShopID,
			APIKey:  g.CryptoCloudAPIKey,
			Secret:  g.CryptoCloudSecret,
		}, httpClient),
	)
	if _, err := gateways.Get(""); err != nil {
		log.Fatalf("Default gateway misconfigured: %v", err)
	}

	svc := service.NewServices(service.Dependencies{
		Users:        userRepo,
		Leads:        leadRepo,
		CatalogLeads: cachedLeads,
		Purchases:    purchaseRepo,
		Payments:     paymentRepo,
		Gateways:     gateways,
		Producer:     producer,
		Payment: service.PaymentConfig{
			GatewayTimeout:  cfg.GatewayTimeout,
			PaymentTTL:      cfg.PaymentTTL,
			CallbackBaseURL: cfg.PublicBaseURL,
		},
	})
	sweeper := service.NewSweeper(svc.Payments, purchaseRepo, redis.NewLock(redisClient), service.SweeperConfig{
		Schedule:       cfg.SweepSchedule,
		ReservationTTL: cfg.ReservationTTL,
		PendingTTL:     cfg.PendingTTL,
	})
	issueConsumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, paymentRepo)
	defer issueConsumer.Close()

	router := api.SetupRouter(handler.NewHandler(svc, gateways), redisClient, cfg.JWTSecret, metricsHandler)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return sweeper.Run(gctx)
	})
	group.Go(func() error {
		return issueConsumer.Consume(gctx)
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
