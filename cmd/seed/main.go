package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/energymarket/internal/auth"
	"github.com/xtrntr/energymarket/internal/config"
	"github.com/xtrntr/energymarket/internal/db"
	"github.com/xtrntr/energymarket/internal/exchange"
	"github.com/xtrntr/energymarket/internal/kv"
	"github.com/xtrntr/energymarket/internal/logger"
	"github.com/xtrntr/energymarket/internal/models"
)

const demoPassword = "password123"

type store interface {
	exchange.Store
	auth.AccountStore
}

type demoOrder struct {
	trader   string
	name     string
	side     models.Side
	price    string
	quantity string
	location *models.Location
	distance string
}

var demoOrders = []demoOrder{
	{"solar_sam", "Rooftop Solar", models.Sell, "0.14", "25", &models.Location{Lat: 51.507, Lng: -0.127}, "1.2km"},
	{"wind_wendy", "Community Wind", models.Sell, "0.16", "40", &models.Location{Lat: 51.515, Lng: -0.141}, "2.5km"},
	{"solar_sam", "Rooftop Solar", models.Sell, "0.18", "15", &models.Location{Lat: 51.507, Lng: -0.127}, "1.2km"},
	{"home_hank", "Home Battery", models.Buy, "0.15", "10", nil, ""},
	{"ev_eve", "EV Charger", models.Buy, "0.13", "30", nil, ""},
	{"home_hank", "Home Battery", models.Buy, "0.12", "20", nil, ""},
}

// Seed the configured store with demo accounts and a crossed order book
func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Level(cfg.LogLevel), cfg.LogOutput...)
	if err != nil {
		return err
	}
	defer log.Sync()

	var s store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close(ctx)
		s = database
	case config.BackendPebble:
		kvStore, err := kv.Open(cfg.PebbleDir)
		if err != nil {
			return err
		}
		defer kvStore.Close()
		s = kvStore
	default:
		return errors.New("seeding needs STORE_BACKEND=postgres or pebble")
	}

	ex := exchange.NewExchange(s, exchange.WithLogger(log))
	if err := ex.Restore(ctx); err != nil {
		return err
	}
	if n := len(ex.Trades()); n > 0 {
		log.Info("Store already has trades, skipping seed", logger.NewField("trades", n))
		return nil
	}

	authService := auth.NewAuthService(s, cfg.JWTSecret, time.Hour)
	accounts := make(map[string]string)
	for _, o := range demoOrders {
		if _, ok := accounts[o.trader]; ok {
			continue
		}
		account, err := authService.Register(ctx, o.trader, demoPassword)
		if errors.Is(err, models.ErrUsernameTaken) {
			account, err = s.GetAccountByUsername(ctx, o.trader)
		}
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", o.trader, err)
		}
		accounts[o.trader] = account.ID
	}

	for _, o := range demoOrders {
		order, err := ex.SubmitOrder(ctx, exchange.OrderRequest{
			Side:        o.side,
			AccountID:   accounts[o.trader],
			DisplayName: o.name,
			Price:       decimal.RequireFromString(o.price),
			Quantity:    decimal.RequireFromString(o.quantity),
			Location:    o.location,
			Distance:    o.distance,
		})
		if err != nil {
			return fmt.Errorf("failed to place order for %s: %w", o.trader, err)
		}
		log.Info("Seeded order",
			logger.NewField("trader", o.trader),
			logger.NewField("order_id", order.ID),
			logger.NewField("status", order.Status))
	}

	stats := ex.MarketStats()
	log.Info("Seed complete",
		logger.NewField("accounts", len(accounts)),
		logger.NewField("trades", stats.TradesCount),
		logger.NewField("total_sell_volume", stats.TotalSellVolume.String()))
	return nil
}
