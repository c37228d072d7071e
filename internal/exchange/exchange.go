package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/energymarket/internal/logger"
	"github.com/xtrntr/energymarket/internal/models"
)

// Exchange owns the order book and trade history and runs the matching engine.
// All mutations are serialized by mu, so at most one matching pass runs at a
// time; queries read under the same lock.
type Exchange struct {
	mu     sync.RWMutex
	store  Store
	opts   options
	orders []*models.Order // insertion order
	byID   map[string]*models.Order
	trades []models.Trade // execution order
	tradeI map[string]int
	oseq   uint64
	tseq   uint64

	lmu           sync.RWMutex
	tradeHandlers []func(models.Trade)
	bookHandlers  []func()
}

// maxScale is the number of decimal places every store keeps for amounts
const maxScale = 8

// OrderRequest describes a new limit order
type OrderRequest struct {
	Side        models.Side
	AccountID   string
	DisplayName string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Location    *models.Location
	Distance    string
}

func (r OrderRequest) validate() error {
	if !r.Side.Valid() {
		return invalid("side must be 'buy' or 'sell'")
	}
	if r.AccountID == "" {
		return invalid("account id is required")
	}
	if !r.Price.IsPositive() {
		return invalid("price must be positive")
	}
	if !r.Quantity.IsPositive() {
		return invalid("quantity must be positive")
	}
	if r.Price.Exponent() < -maxScale {
		return invalid("price has more than %d decimal places", maxScale)
	}
	if r.Quantity.Exponent() < -maxScale {
		return invalid("quantity has more than %d decimal places", maxScale)
	}
	return nil
}

// AcceptRequest buys quantity directly from one resting sell order
type AcceptRequest struct {
	OrderID          string
	TakerAccountID   string
	TakerDisplayName string
	Quantity         decimal.Decimal
}

// NewExchange creates an empty exchange backed by store
func NewExchange(store Store, opts ...Option) *Exchange {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Exchange{
		store:  store,
		opts:   o,
		byID:   make(map[string]*models.Order),
		tradeI: make(map[string]int),
	}
}

// Restore replaces in-memory state with the contents of the store
func (e *Exchange) Restore(ctx context.Context) error {
	orders, trades, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load market state: %w", err)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })
	sort.Slice(trades, func(i, j int) bool { return trades[i].Seq < trades[j].Seq })

	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders = e.orders[:0]
	e.byID = make(map[string]*models.Order, len(orders))
	e.trades = trades
	e.tradeI = make(map[string]int, len(trades))
	e.oseq, e.tseq = 0, 0
	for i := range orders {
		o := orders[i]
		e.orders = append(e.orders, &o)
		e.byID[o.ID] = &o
		e.oseq = max(e.oseq, o.Seq)
	}
	for i, t := range trades {
		e.tradeI[t.ID] = i
		e.tseq = max(e.tseq, t.Seq)
	}
	e.opts.log.Info("Market state restored",
		logger.NewField("orders", len(orders)),
		logger.NewField("trades", len(trades)))
	return nil
}

// OnTrade registers fn to be called, outside the engine lock, for every new trade
func (e *Exchange) OnTrade(fn func(models.Trade)) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.tradeHandlers = append(e.tradeHandlers, fn)
}

// OnBookChange registers fn to be called, outside the engine lock, after any
// change to the order book
func (e *Exchange) OnBookChange(fn func()) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.bookHandlers = append(e.bookHandlers, fn)
}

func (e *Exchange) notify(trades []models.Trade) {
	e.lmu.RLock()
	defer e.lmu.RUnlock()
	for _, t := range trades {
		for _, fn := range e.tradeHandlers {
			fn(t)
		}
	}
	for _, fn := range e.bookHandlers {
		fn()
	}
}

// SubmitOrder adds a limit order and runs a full matching pass before returning.
// The returned order reflects any fills from that pass.
func (e *Exchange) SubmitOrder(ctx context.Context, req OrderRequest) (models.Order, error) {
	if err := req.validate(); err != nil {
		e.opts.log.DebugContext(ctx, "Order rejected",
			logger.NewField("account_id", req.AccountID),
			logger.NewField("reason", err.Error()))
		return models.Order{}, err
	}

	order, trades, err := e.submit(ctx, req)
	if err != nil {
		return models.Order{}, err
	}
	e.notify(trades)
	return order, nil
}

func (e *Exchange) submit(ctx context.Context, req OrderRequest) (models.Order, []models.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.begin()
	order := &models.Order{
		ID:             e.opts.newID(),
		Seq:            tx.nextOrderSeq(),
		Side:           req.Side,
		AccountID:      req.AccountID,
		DisplayName:    req.DisplayName,
		Price:          req.Price,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		Status:         models.StatusActive,
		CreatedAt:      e.opts.now(),
		Location:       req.Location,
		Distance:       req.Distance,
	}
	tx.insert(order)
	e.match(tx)

	if err := e.commit(ctx, tx); err != nil {
		return models.Order{}, nil, err
	}
	e.opts.log.DebugContext(ctx, "Order submitted",
		logger.NewField("order_id", order.ID),
		logger.NewField("side", order.Side),
		logger.NewField("trades", len(tx.trades)))
	return *e.byID[order.ID], tx.trades, nil
}

// AcceptOrder buys quantity directly from one resting sell order at its listed
// price, bypassing the matching pass.
func (e *Exchange) AcceptOrder(ctx context.Context, req AcceptRequest) (models.Trade, error) {
	if req.TakerAccountID == "" {
		return models.Trade{}, invalid("taker account id is required")
	}
	if !req.Quantity.IsPositive() {
		return models.Trade{}, invalid("quantity must be positive")
	}
	if req.Quantity.Exponent() < -maxScale {
		return models.Trade{}, invalid("quantity has more than %d decimal places", maxScale)
	}

	trade, err := e.accept(ctx, req)
	if err != nil {
		return models.Trade{}, err
	}
	e.notify([]models.Trade{trade})
	return trade, nil
}

func (e *Exchange) accept(ctx context.Context, req AcceptRequest) (models.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	target, ok := e.byID[req.OrderID]
	if !ok || target.Side != models.Sell || target.Status == models.StatusCancelled {
		return models.Trade{}, fmt.Errorf("%w: sell order %s", ErrNotFound, req.OrderID)
	}
	if req.Quantity.GreaterThan(target.Remaining()) {
		return models.Trade{}, fmt.Errorf("%w: requested %s, available %s",
			ErrInsufficientQuantity, req.Quantity, target.Remaining())
	}
	if !e.opts.allowSelfTrade && target.AccountID == req.TakerAccountID {
		return models.Trade{}, invalid("cannot accept your own order")
	}

	tx := e.begin()
	maker := tx.get(target.ID)
	fill(maker, req.Quantity)

	tx.record(models.Trade{
		BuyOrderID:  "direct-" + e.opts.newID(),
		SellOrderID: maker.ID,
		BuyerID:     req.TakerAccountID,
		SellerID:    maker.AccountID,
		Price:       maker.Price,
		Quantity:    req.Quantity,
		Direct:      true,
	})

	if err := e.commit(ctx, tx); err != nil {
		return models.Trade{}, err
	}
	return tx.trades[0], nil
}

// CancelOrder cancels a non-terminal order owned by accountID. Cancelling an
// already cancelled order is a no-op.
func (e *Exchange) CancelOrder(ctx context.Context, orderID, accountID string) error {
	changed, err := e.cancel(ctx, orderID, accountID)
	if err != nil {
		return err
	}
	if changed {
		e.notify(nil)
	}
	return nil
}

func (e *Exchange) cancel(ctx context.Context, orderID, accountID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.byID[orderID]
	if !ok || o.AccountID != accountID {
		return false, fmt.Errorf("%w: %s not found or not owned by account", ErrNotFound, orderID)
	}
	switch o.Status {
	case models.StatusFilled:
		return false, fmt.Errorf("%w: %s", ErrAlreadyFilled, orderID)
	case models.StatusCancelled:
		return false, nil
	}

	tx := e.begin()
	tx.get(orderID).Status = models.StatusCancelled
	if err := e.commit(ctx, tx); err != nil {
		return false, err
	}
	return true, nil
}

// Order returns a copy of the order with the given id
func (e *Exchange) Order(orderID string) (models.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.byID[orderID]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// ListSellOrders returns open sell orders, lowest price first
func (e *Exchange) ListSellOrders() []models.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book(models.Sell)
}

// ListBuyOrders returns open buy orders, highest price first
func (e *Exchange) ListBuyOrders() []models.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book(models.Buy)
}

// GetOrderBook returns both sides of the book in priority order
func (e *Exchange) GetOrderBook() ([]models.Order, []models.Order) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book(models.Buy), e.book(models.Sell)
}

func (e *Exchange) book(side models.Side) []models.Order {
	out := []models.Order{}
	for _, o := range e.orders {
		if o.Side == side && o.Open() {
			out = append(out, *o)
		}
	}
	sortBook(out, side)
	return out
}

// ListOrdersForAccount returns every order placed by accountID in submission order
func (e *Exchange) ListOrdersForAccount(accountID string) []models.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := []models.Order{}
	for _, o := range e.orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	return out
}

// ListTradesForAccount returns every trade where accountID is buyer or seller
func (e *Exchange) ListTradesForAccount(accountID string) []models.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := []models.Trade{}
	for _, t := range e.trades {
		if t.BuyerID == accountID || t.SellerID == accountID {
			out = append(out, t)
		}
	}
	return out
}

// Trades returns the full trade history in execution order
func (e *Exchange) Trades() []models.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.Trade(nil), e.trades...)
}

func sortBook(orders []models.Order, side models.Side) {
	sort.Slice(orders, func(i, j int) bool {
		return before(&orders[i], &orders[j], side)
	})
}

// before is the price-time priority order: best price, then earliest
// timestamp, then insertion sequence.
func before(a, b *models.Order, side models.Side) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		if side == models.Buy {
			return c > 0
		}
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
