package observability

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Setup(serviceName, otlpEndpoint string, level slog.Level) (func(context.Context) error, http.Handler) {
	observability.InitLogger(level)
	observability.InitMetrics()
	tracerShutdown := observability.InitTracing(serviceName, otlpEndpoint)
	return tracerShutdown, promhttp.Handler()
}
