package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/energymarket/internal/api"
	"github.com/xtrntr/energymarket/internal/auth"
	"github.com/xtrntr/energymarket/internal/config"
	"github.com/xtrntr/energymarket/internal/db"
	"github.com/xtrntr/energymarket/internal/events"
	"github.com/xtrntr/energymarket/internal/exchange"
	"github.com/xtrntr/energymarket/internal/idempotency"
	"github.com/xtrntr/energymarket/internal/kv"
	"github.com/xtrntr/energymarket/internal/logger"
	"github.com/xtrntr/energymarket/internal/memstore"
	"github.com/xtrntr/energymarket/internal/settlement"
	"github.com/xtrntr/energymarket/internal/stream"
	"github.com/xtrntr/energymarket/internal/wallet"
)

// marketStore is implemented by every storage backend
type marketStore interface {
	exchange.Store
	auth.AccountStore
}

func openStore(ctx context.Context, cfg *config.Config) (marketStore, func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return database, func() error { return database.Close(context.Background()) }, nil
	case config.BackendPebble:
		store, err := kv.Open(cfg.PebbleDir)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return memstore.New(), func() error { return nil }, nil
	}
}

func openIdempotency(ctx context.Context, cfg *config.Config) (idempotency.Store, error) {
	if cfg.Redis.Address == "" {
		return idempotency.NewCache(cfg.IdempotencyTTL), nil
	}
	return idempotency.NewRedisStore(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.IdempotencyTTL)
}

// Main entry point: restores the market, starts settlement and serves HTTP
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(logger.Level(cfg.LogLevel), cfg.LogOutput...)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}
	defer closeStore()

	ex := exchange.NewExchange(store,
		exchange.WithAllowSelfTrade(cfg.Engine.AllowSelfTrade),
		exchange.WithRecentTrades(cfg.Engine.RecentTrades),
		exchange.WithLiquidity(cfg.Engine.LiquidityWindow,
			decimal.NewFromFloat(cfg.Engine.LiquidityMinVolume),
			decimal.NewFromFloat(cfg.Engine.LiquidityMaxSpread)),
		exchange.WithLogger(log),
	)
	if err := ex.Restore(ctx); err != nil {
		return err
	}

	authService := auth.NewAuthService(store, cfg.JWTSecret, cfg.JWTTTL)

	var (
		ledger   *wallet.Ledger
		settlers settlement.Chain
	)
	if cfg.Settlement.Ledger {
		ledger = wallet.NewLedger()
		settlers = append(settlers, ledger)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		notifier := events.NewNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer notifier.Close()
		settlers = append(settlers, notifier)
	}
	settlers = append(settlers, settlement.LogSettler{Log: log})

	worker := settlement.NewWorker(ex, settlers, settlement.Config{
		Timeout:       cfg.Settlement.Timeout,
		MaxAttempts:   cfg.Settlement.MaxAttempts,
		SweepInterval: cfg.Settlement.SweepInterval,
	}, log.With(logger.NewField("component", "settlement")))
	ex.OnTrade(worker.Notify)
	go worker.Run(ctx)

	idem, err := openIdempotency(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open idempotency store: %w", err)
	}

	hub := stream.NewHub(ex, log.With(logger.NewField("component", "stream")))
	ex.OnBookChange(hub.BroadcastMarket)
	ex.OnTrade(hub.BroadcastTrade)
	go hub.Run(ctx, cfg.BroadcastInterval)
	defer hub.Close()

	handler := api.NewHandler(ex, authService, ledger, worker, log)
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(handler, api.RouterOptions{
			Idempotency:    idem,
			Stream:         hub,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server",
			logger.NewField("addr", cfg.HTTPAddr),
			logger.NewField("store", string(cfg.StoreBackend)))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
	}
	return nil
}
