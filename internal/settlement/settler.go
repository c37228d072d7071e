package settlement

import (
	"context"

	"github.com/xtrntr/energymarket/internal/logger"
	"github.com/xtrntr/energymarket/internal/models"
)

// Settler performs the external side effects of a recorded trade
//
//go:generate mockgen -source settler.go -destination=mock/settler_mock.go -package=settlementmock
type Settler interface {
	Settle(ctx context.Context, trade models.Trade) error
}

// SettlerFunc adapts a function to Settler
type SettlerFunc func(ctx context.Context, trade models.Trade) error

func (f SettlerFunc) Settle(ctx context.Context, trade models.Trade) error {
	return f(ctx, trade)
}

// Chain runs settlers in order and stops at the first failure
type Chain []Settler

func (c Chain) Settle(ctx context.Context, trade models.Trade) error {
	for _, s := range c {
		if err := s.Settle(ctx, trade); err != nil {
			return err
		}
	}
	return nil
}

// LogSettler records the settled trade in the log
type LogSettler struct {
	Log *logger.Logger
}

func (s LogSettler) Settle(ctx context.Context, trade models.Trade) error {
	s.Log.InfoContext(ctx, "Trade settled",
		logger.NewField("trade_id", trade.ID),
		logger.NewField("buyer_id", trade.BuyerID),
		logger.NewField("seller_id", trade.SellerID),
		logger.NewField("quantity", trade.Quantity.String()),
		logger.NewField("price", trade.Price.String()),
		logger.NewField("total_cost", trade.Cost().String()))
	return nil
}
