package exchange

import (
	"context"

	"github.com/xtrntr/energymarket/internal/models"
)

// Batch is the set of changes produced by one engine operation
type Batch struct {
	Orders []models.Order // inserted or updated
	Trades []models.Trade // inserted
}

// Store persists orders and trades. Commit must apply a batch atomically.
type Store interface {
	Load(ctx context.Context) ([]models.Order, []models.Trade, error)
	Commit(ctx context.Context, batch Batch) error
	UpdateTradeSettlement(ctx context.Context, tradeID string, status models.SettlementStatus) error
}
