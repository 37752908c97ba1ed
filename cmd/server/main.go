package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/api"
	"github.com/honeynil/ScanOrchestrator/internal/config"
	"github.com/honeynil/ScanOrchestrator/internal/handler"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/auth"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/kafka"
	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/redis"
	"github.com/honeynil/ScanOrchestrator/internal/observability"
	"github.com/honeynil/ScanOrchestrator/internal/repository"
	"github.com/honeynil/ScanOrchestrator/internal/repository/memory"
	core "github.com/honeynil/ScanOrchestrator/internal/repository/postgres"
	"github.com/honeynil/ScanOrchestrator/internal/scanner"
	service "github.com/honeynil/ScanOrchestrator/internal/services"
	"github.com/honeynil/ScanOrchestrator/internal/source"
	_ "github.com/lib/pq"
)

const (
	serviceName       = "scan-orchestrator"
	consumerGroupID   = "scan-orchestrator-collections"
	mockStepDelay     = 500 * time.Millisecond
	shutdownTimeout   = 5 * time.Second
	workerDrainPeriod = 30 * time.Second
)

type stores struct {
	credits     repository.CreditRepository
	users       repository.UserRepository
	scans       repository.ScanRepository
	collections repository.CollectionRepository
	vulns       repository.VulnerabilityRepository
	close       func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreDriver == "memory" {
		slog.Warn("using in-memory store, data is lost on restart")
		m := memory.New()
		return &stores{
			credits:     m.Credits(),
			users:       m.Users(),
			scans:       m.Scans(),
			collections: m.Collections(),
			vulns:       m.Vulnerabilities(),
			close:       func() error { return nil },
		}, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := core.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &stores{
		credits:     core.NewPostgresCreditRepository(db),
		users:       core.NewPostgresUserRepository(db),
		scans:       core.NewPostgresScanRepository(db),
		collections: core.NewPostgresCollectionRepository(db),
		vulns:       core.NewPostgresVulnerabilityRepository(db),
		close:       db.Close,
	}, nil
}

// newServer builds the HTTP server. Cancelling the returned func cancels
// every in-flight request context.
func newServer(addr string, h http.Handler) (*http.Server, context.CancelFunc) {
	base, cancel := context.WithCancel(context.Background())
	// Streams stay open up to STREAM_MAX_DURATION, so no write timeout.
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}, cancel
}

func kafkaEnabled(cfg *config.Config) bool {
	return len(cfg.KafkaBrokers) > 0 && cfg.KafkaBrokers[0] != ""
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Логи, метрики, трейсы
	shutdownTracing := observability.Setup(serviceName, cfg)
	defer shutdownTracing(context.Background())

	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.close()

	redisClient, err := redis.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		slog.Error("redis is required for sessions", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	var producer kafka.KafkaProducer = kafka.NopProducer{}
	if kafkaEnabled(cfg) {
		producer = kafka.NewProducer(cfg.KafkaBrokers)
	} else {
		slog.Warn("kafka disabled, scan and ledger events are not published")
	}
	defer producer.Close()

	registry, err := scanner.NewRegistry(cfg.Scanners)
	if err != nil {
		slog.Error("invalid scanner registry", "error", err)
		os.Exit(1)
	}
	// Scanner responses may stream for a long time, so no client timeout.
	adapter := scanner.NewAdapter(registry, scanner.NewHTTPRunner(&http.Client{}), scanner.NewMockRunner(mockStepDelay))

	credits := service.NewCreditService(st.credits, st.users, producer, cfg.KafkaLedgerTopic, cfg.ProMonthlyCredits)
	scans := service.NewScanService(st.scans, st.vulns, credits, adapter, producer, cfg.KafkaScanTopic)
	collections := service.NewCollectionService(st.collections, st.scans, st.vulns, scans,
		source.NewLocalStorage(cfg.ReposStoragePath), redisClient)
	streams := service.NewStreamService(scans, collections, cfg.StreamPollInterval, cfg.StreamMaxDuration)

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	if kafkaEnabled(cfg) {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaScanTopic, consumerGroupID, collections)
		go consumer.Consume(consumerCtx)
		defer consumer.Close()
	}

	h := handler.NewHandler(credits, scans, collections, streams)
	router := api.SetupRouter(h, redisClient, auth.NewTokenService(cfg.JWTSecret))

	server, cancelRequests := newServer(cfg.HTTPAddr, router)
	defer cancelRequests()
	go func() {
		slog.Info("starting server", "addr", cfg.HTTPAddr, "scanners", registry.IDs())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Open streams only end when their request context does.
	cancelRequests()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	stopConsumer()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), workerDrainPeriod)
	defer cancelDrain()
	if err := scans.Wait(drainCtx); err != nil {
		slog.Warn("scan workers still running at exit", "error", err)
	}
	slog.Info("server stopped")
}
