package exchange

import (
	"context"
	"fmt"

	"github.com/xtrntr/energymarket/internal/models"
)

// Trade returns a copy of the trade with the given id
func (e *Exchange) Trade(tradeID string) (models.Trade, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i, ok := e.tradeI[tradeID]
	if !ok {
		return models.Trade{}, false
	}
	return e.trades[i], true
}

// PendingTrades returns trades still awaiting settlement, oldest first
func (e *Exchange) PendingTrades() []models.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []models.Trade
	for _, t := range e.trades {
		if t.SettlementStatus == models.SettlementPending {
			out = append(out, t)
		}
	}
	return out
}

// MarkSettlement moves a pending trade to completed or failed. Repeating the
// current outcome is a no-op; any other transition is rejected.
func (e *Exchange) MarkSettlement(ctx context.Context, tradeID string, status models.SettlementStatus) error {
	if status != models.SettlementCompleted && status != models.SettlementFailed {
		return invalid("settlement status must be completed or failed")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.tradeI[tradeID]
	if !ok {
		return fmt.Errorf("%w: trade %s", ErrNotFound, tradeID)
	}
	switch e.trades[i].SettlementStatus {
	case status:
		return nil
	case models.SettlementPending:
	default:
		return invalid("trade %s already %s", tradeID, e.trades[i].SettlementStatus)
	}

	if err := e.store.UpdateTradeSettlement(ctx, tradeID, status); err != nil {
		return fmt.Errorf("failed to update settlement status: %w", err)
	}
	e.trades[i].SettlementStatus = status
	return nil
}
