package exchange

import (
	"github.com/shopspring/decimal"
	"github.com/xtrntr/energymarket/internal/models"
)

// MarketStats recomputes book and trading statistics on every call
func (e *Exchange) MarketStats() models.MarketStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sells := e.book(models.Sell)
	buys := e.book(models.Buy)

	stats := models.MarketStats{
		TotalSellVolume: remaining(sells),
		TotalBuyVolume:  remaining(buys),
		RecentVolume:    decimal.Zero,
		TradesCount:     len(e.trades),
	}
	if len(sells) > 0 {
		stats.LowestAsk = ptr(sells[0].Price)
	}
	if len(buys) > 0 {
		stats.HighestBid = ptr(buys[0].Price)
	}
	if stats.LowestAsk != nil && stats.HighestBid != nil {
		stats.Spread = ptr(stats.LowestAsk.Sub(*stats.HighestBid))
		stats.MidPrice = ptr(stats.LowestAsk.Add(*stats.HighestBid).Div(decimal.NewFromInt(2)))
	}

	recent := e.trades[max(0, len(e.trades)-e.opts.recentTrades):]
	if len(recent) > 0 {
		sum := decimal.Zero
		for _, t := range recent {
			sum = sum.Add(t.Price)
		}
		stats.AveragePrice = ptr(sum.Div(decimal.NewFromInt(int64(len(recent)))))
	}

	now := e.opts.now()
	cutoff := now.Add(-e.opts.liquidityWindow)
	for i := len(e.trades) - 1; i >= 0; i-- {
		t := e.trades[i]
		if t.ExecutedAt.Before(cutoff) {
			break
		}
		if !t.ExecutedAt.After(now) {
			stats.RecentVolume = stats.RecentVolume.Add(t.Quantity)
		}
	}

	stats.Liquid = e.liquid(stats)
	switch {
	case stats.Liquid:
		stats.MarketPrice = ptr(e.trades[len(e.trades)-1].Price)
	case stats.MidPrice != nil:
		stats.MarketPrice = stats.MidPrice
	case len(e.trades) > 0:
		stats.MarketPrice = ptr(e.trades[len(e.trades)-1].Price)
	}
	return stats
}

// liquid requires both sides quoted, enough recent volume, and a relative
// spread (ask-bid)/bid no wider than the configured maximum.
func (e *Exchange) liquid(stats models.MarketStats) bool {
	if len(e.trades) == 0 || stats.Spread == nil || !stats.HighestBid.IsPositive() {
		return false
	}
	rel := stats.Spread.Div(*stats.HighestBid)
	return stats.RecentVolume.GreaterThanOrEqual(e.opts.liquidityMinVolume) &&
		rel.LessThanOrEqual(e.opts.liquidityMaxSpread)
}

// Depth aggregates the best limit price levels of each side
func (e *Exchange) Depth(limit int) models.Depth {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.Depth{
		Bids: levels(e.book(models.Buy), limit),
		Asks: levels(e.book(models.Sell), limit),
	}
}

func levels(orders []models.Order, limit int) []models.PriceLevel {
	out := []models.PriceLevel{}
	for _, o := range orders {
		n := len(out)
		if n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(o.Remaining())
			out[n-1].Orders++
			continue
		}
		if limit > 0 && n == limit {
			break
		}
		out = append(out, models.PriceLevel{Price: o.Price, Quantity: o.Remaining(), Orders: 1})
	}
	return out
}

func remaining(orders []models.Order) decimal.Decimal {
	sum := decimal.Zero
	for _, o := range orders {
		sum = sum.Add(o.Remaining())
	}
	return sum
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
