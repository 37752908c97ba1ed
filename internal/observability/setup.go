package observability

import (
	"context"

	"github.com/honeynil/ScanOrchestrator/internal/config"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/observability"
)

func Setup(serviceName string, cfg *config.Config) func(context.Context) error {
	observability.InitLogger(cfg.LogLevel)
	observability.InitMetrics()
	return observability.InitTracing(serviceName, cfg.OTLPEndpoint)
}
