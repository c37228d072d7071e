package exchange

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/energymarket/internal/logger"
	"github.com/xtrntr/energymarket/internal/models"
)

// txn stages changes on copies of orders so nothing becomes visible until the
// store has committed them.
type txn struct {
	e       *Exchange
	working map[string]*models.Order
	changed []string
	trades  []models.Trade
	oseq    uint64
	tseq    uint64
}

func (e *Exchange) begin() *txn {
	return &txn{
		e:       e,
		working: make(map[string]*models.Order),
		oseq:    e.oseq,
		tseq:    e.tseq,
	}
}

func (t *txn) nextOrderSeq() uint64 {
	t.oseq++
	return t.oseq
}

func (t *txn) insert(o *models.Order) {
	t.working[o.ID] = o
	t.changed = append(t.changed, o.ID)
}

// get returns the staged copy of an existing order, marking it changed
func (t *txn) get(id string) *models.Order {
	if o, ok := t.working[id]; ok {
		return o
	}
	cp := *t.e.byID[id]
	t.working[id] = &cp
	t.changed = append(t.changed, id)
	return &cp
}

func (t *txn) record(trade models.Trade) {
	t.tseq++
	trade.ID = t.e.opts.newID()
	trade.Seq = t.tseq
	trade.ExecutedAt = t.e.opts.now()
	trade.SettlementStatus = models.SettlementPending
	t.trades = append(t.trades, trade)
}

// open returns staged copies of every order still eligible to match
func (t *txn) open() []*models.Order {
	var out []*models.Order
	for _, o := range t.e.orders {
		if o.Open() {
			out = append(out, t.peek(o.ID))
		}
	}
	for _, id := range t.changed {
		if _, existing := t.e.byID[id]; !existing && t.working[id].Open() {
			out = append(out, t.working[id])
		}
	}
	return out
}

// peek returns the staged copy if one exists, otherwise a fresh detached copy
// that is only promoted to changed once filled.
func (t *txn) peek(id string) *models.Order {
	if o, ok := t.working[id]; ok {
		return o
	}
	cp := *t.e.byID[id]
	return &cp
}

func (t *txn) touch(o *models.Order) {
	if _, ok := t.working[o.ID]; ok {
		return
	}
	t.working[o.ID] = o
	t.changed = append(t.changed, o.ID)
}

// match runs one full clearing pass: bids by price descending, asks by price
// ascending, each crossing pair trades min(remaining) at the sell price.
func (e *Exchange) match(t *txn) {
	var buys, sells []*models.Order
	for _, o := range t.open() {
		if o.Side == models.Buy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	sort.Slice(buys, func(i, j int) bool { return before(buys[i], buys[j], models.Buy) })
	sort.Slice(sells, func(i, j int) bool { return before(sells[i], sells[j], models.Sell) })

	for _, buy := range buys {
		for _, sell := range sells {
			if !buy.Remaining().IsPositive() || buy.Price.LessThan(sell.Price) {
				break
			}
			if !sell.Remaining().IsPositive() {
				continue
			}
			if !e.opts.allowSelfTrade && buy.AccountID == sell.AccountID {
				continue
			}

			qty := decimal.Min(buy.Remaining(), sell.Remaining())
			t.touch(buy)
			t.touch(sell)
			fill(buy, qty)
			fill(sell, qty)
			t.record(models.Trade{
				BuyOrderID:  buy.ID,
				SellOrderID: sell.ID,
				BuyerID:     buy.AccountID,
				SellerID:    sell.AccountID,
				Price:       sell.Price,
				Quantity:    qty,
			})
		}
	}
}

func fill(o *models.Order, qty decimal.Decimal) {
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.FilledQuantity.Equal(o.Quantity) {
		o.Status = models.StatusFilled
	} else {
		o.Status = models.StatusPartial
	}
}

// commit persists the staged batch and, only on success, publishes it to the
// in-memory book.
func (e *Exchange) commit(ctx context.Context, t *txn) error {
	batch := Batch{Trades: t.trades}
	for _, id := range t.changed {
		o := t.working[id]
		checkInvariants(o)
		batch.Orders = append(batch.Orders, *o)
	}
	if len(batch.Orders) == 0 && len(batch.Trades) == 0 {
		return nil
	}

	if err := e.store.Commit(ctx, batch); err != nil {
		e.opts.log.ErrorContext(ctx, err, logger.NewField("action", "commit_batch"))
		return fmt.Errorf("failed to persist changes: %w", err)
	}

	for _, id := range t.changed {
		o := t.working[id]
		if cur, ok := e.byID[id]; ok {
			*cur = *o
			continue
		}
		e.orders = append(e.orders, o)
		e.byID[id] = o
	}
	for _, tr := range t.trades {
		e.tradeI[tr.ID] = len(e.trades)
		e.trades = append(e.trades, tr)
		e.opts.log.InfoContext(ctx, "Trade executed",
			logger.NewField("trade_id", tr.ID),
			logger.NewField("buy_order_id", tr.BuyOrderID),
			logger.NewField("sell_order_id", tr.SellOrderID),
			logger.NewField("price", tr.Price.String()),
			logger.NewField("quantity", tr.Quantity.String()),
			logger.NewField("direct", tr.Direct))
	}
	e.oseq, e.tseq = t.oseq, t.tseq
	return nil
}

// checkInvariants panics if o violates the fill bookkeeping rules. Reaching
// here with a bad order means the matching code is wrong.
func checkInvariants(o *models.Order) {
	if o.FilledQuantity.IsNegative() || o.FilledQuantity.GreaterThan(o.Quantity) {
		panic(fmt.Sprintf("exchange: order %s filled %s of %s", o.ID, o.FilledQuantity, o.Quantity))
	}
	if (o.Status == models.StatusFilled) != o.FilledQuantity.Equal(o.Quantity) {
		panic(fmt.Sprintf("exchange: order %s status %s with filled %s of %s", o.ID, o.Status, o.FilledQuantity, o.Quantity))
	}
}
