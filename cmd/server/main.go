package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"transferd/internal/config"
	"transferd/internal/engine"
	"transferd/internal/handler"
	"transferd/internal/infrastructure/cache"
	"transferd/internal/infrastructure/database"
	"transferd/internal/infrastructure/lock"
	"transferd/internal/infrastructure/logger"
	"transferd/internal/infrastructure/metrics"
	"transferd/internal/infrastructure/mq"
	"transferd/internal/job"
	"transferd/internal/repository"
	"transferd/internal/service"
	"transferd/pkg/idgen"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server exited", zap.Error(err))
	}
	zlog.Info("server stopped")
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	accountRepo := repository.NewAccountRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	jobRepo := repository.NewJobRepository(db, cfg.Kafka.Topic.TransferResult)

	executor := engine.NewExecutor(ledgerRepo, locker, engine.ExecutorConfig{
		LockTTL:       cfg.Lock.TTL,
		RenewInterval: cfg.Lock.RenewInterval,
		WriteRetries:  cfg.Dispatch.WriteRetries,
	}, zlog, m)

	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Workers:           cfg.Dispatch.Workers,
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		BackoffBase:       cfg.Dispatch.BackoffBase,
		BackoffMax:        cfg.Dispatch.BackoffMax,
		LockTTL:           cfg.Lock.TTL,
		KeyPrefix:         cfg.Lock.KeyPrefix,
		Retention:         cfg.Dispatch.Retention,
		HeartbeatInterval: cfg.Dispatch.HeartbeatInterval,
	}, locker, executor, jobRepo, zlog, m)

	recovery := job.NewRecoveryJob(jobRepo, ledgerRepo, dispatcher, cfg.Lock.TTL, zlog)
	if err := recovery.Run(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	h := handler.NewHandler(
		service.NewAccountService(accountRepo, ledgerRepo, zlog),
		service.NewTransferService(accountRepo, jobRepo, dispatcher, zlog),
		zlog,
	)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.SetupRouter(h, reg, zlog),
	}

	var sender *job.OutboxSender
	if cfg.Kafka.Enabled {
		producer, err := mq.NewProducer(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()
		sender = job.NewOutboxSender(repository.NewOutboxRepository(db), producer, cfg.Outbox, zlog)
	} else {
		zlog.Warn("kafka disabled, job outcomes stay in the outbox table")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})

	if sender != nil {
		g.Go(func() error {
			sender.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		zlog.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zlog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zlog.Warn("http shutdown", zap.Error(err))
		}
		// running jobs finish, queued ones fail with dispatcher_stopped
		dispatcher.Stop()
		return nil
	})

	return g.Wait()
}

// newLocker picks the lock backend. The memory backend is only safe when a
// single process dispatches.
func newLocker(ctx context.Context, cfg *config.Config) (lock.Manager, func(), error) {
	switch cfg.Lock.Backend {
	case "memory":
		return lock.NewMemoryManager(), func() {}, nil
	case "redis", "":
		client, err := cache.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return lock.NewRedisManager(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}
