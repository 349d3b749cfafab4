package infrastructure

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"renderbus/internal/clock"
	"renderbus/internal/config"
	"renderbus/internal/metrics"
	"renderbus/internal/repository"
	"renderbus/internal/service"
	transportGRPC "renderbus/internal/transport/grpc"
	transportHTTP "renderbus/internal/transport/http"
	transportNATS "renderbus/internal/transport/nats"
	"renderbus/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, func(), error) {
	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, db.Close)

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)

	registry := prometheus.NewRegistry()
	met := metrics.New(registry)
	clk := clock.System()

	// Repositories.
	jobs := repository.NewJobRepo(db, log)
	claims := repository.NewClaimRepo(db, rdb, log)
	credits := repository.NewCreditRepo(db, rdb, log)
	deadLetters := repository.NewDeadLetterRepo(db, log)

	// Services.
	bus := transportNATS.NewBus(nc)
	pricing := service.NewPricing(cfg.DefaultPriceCents, cfg.ModelPriceCents)
	router := service.NewRouter(jobs, claims, bus, clk, log, met)
	reconciler := service.NewReconciler(jobs, credits, bus, pricing, cfg.AnomalyCostCents, clk, log, met)

	// Long-running components.
	servers := []Server{
		transportNATS.NewConsumer(nc, bus, deadLetters, router, reconciler,
			transportNATS.ConsumerConfig{
				RetryAttempts: cfg.RetryAttempts,
				RetryBase:     cfg.RetryBase,
			}, clk, log, met),
		worker.NewScanner(worker.ScannerConfig{
			Interval:       cfg.ScanInterval,
			StuckThreshold: cfg.StuckThreshold,
			SettleDelay:    cfg.SettleDelay,
			BatchSize:      cfg.ScanBatchSize,
			DLQRetention:   cfg.DeadLetterRetention,
		}, jobs, router, deadLetters, clk, log, met),
		transportGRPC.NewServer(cfg.GRPCHealthAddr()),
	}

	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		handler := transportHTTP.NewHandler(router, reconciler, registry)
		servers = append(servers, transportHTTP.NewServer(addr, handler))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in
// reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
