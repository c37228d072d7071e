package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/energymarket/internal/models"
)

// fakeStore is a minimal Store whose commits can be made to fail
type fakeStore struct {
	mu      sync.Mutex
	orders  map[string]models.Order
	trades  map[string]models.Trade
	fail    error
	commits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]models.Order{}, trades: map[string]models.Trade{}}
}

func (s *fakeStore) Load(ctx context.Context) ([]models.Order, []models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []models.Order
	for _, o := range s.orders {
		orders = append(orders, o)
	}
	var trades []models.Trade
	for _, t := range s.trades {
		trades = append(trades, t)
	}
	return orders, trades, nil
}

func (s *fakeStore) Commit(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.commits++
	for _, o := range b.Orders {
		s.orders[o.ID] = o
	}
	for _, t := range b.Trades {
		s.trades[t.ID] = t
	}
	return nil
}

func (s *fakeStore) UpdateTradeSettlement(ctx context.Context, id string, status models.SettlementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	t := s.trades[id]
	t.SettlementStatus = status
	s.trades[id] = t
	return nil
}

// stepClock advances one millisecond per reading
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestExchange(store Store, opts ...Option) *Exchange {
	return NewExchange(store, append([]Option{WithClock(stepClock())}, opts...)...)
}

func submit(t *testing.T, ex *Exchange, side models.Side, account, price, qty string) models.Order {
	t.Helper()
	o, err := ex.SubmitOrder(context.Background(), OrderRequest{
		Side:        side,
		AccountID:   account,
		DisplayName: account,
		Price:       d(price),
		Quantity:    d(qty),
	})
	if err != nil {
		t.Fatalf("submit %s %s@%s: %v", side, qty, price, err)
	}
	return o
}

// assertInvariants checks fill bookkeeping for every order against the trade log
func assertInvariants(t *testing.T, ex *Exchange) {
	t.Helper()
	traded := map[string]decimal.Decimal{}
	for _, tr := range ex.Trades() {
		traded[tr.BuyOrderID] = traded[tr.BuyOrderID].Add(tr.Quantity)
		traded[tr.SellOrderID] = traded[tr.SellOrderID].Add(tr.Quantity)
	}
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	for _, o := range ex.orders {
		if o.FilledQuantity.IsNegative() || o.FilledQuantity.GreaterThan(o.Quantity) {
			t.Errorf("order %s filled %s of %s", o.ID, o.FilledQuantity, o.Quantity)
		}
		if (o.Status == models.StatusFilled) != o.FilledQuantity.Equal(o.Quantity) {
			t.Errorf("order %s status %s with filled %s of %s", o.ID, o.Status, o.FilledQuantity, o.Quantity)
		}
		if !traded[o.ID].Equal(o.FilledQuantity) {
			t.Errorf("order %s filled %s but trades sum to %s", o.ID, o.FilledQuantity, traded[o.ID])
		}
	}
}

func TestExchange_SubmitOrder_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"InvalidSide", OrderRequest{Side: "hold", AccountID: "a", Price: d("1"), Quantity: d("1")}},
		{"MissingAccount", OrderRequest{Side: models.Buy, Price: d("1"), Quantity: d("1")}},
		{"ZeroPrice", OrderRequest{Side: models.Buy, AccountID: "a", Price: d("0"), Quantity: d("1")}},
		{"NegativePrice", OrderRequest{Side: models.Sell, AccountID: "a", Price: d("-0.1"), Quantity: d("1")}},
		{"ZeroQuantity", OrderRequest{Side: models.Sell, AccountID: "a", Price: d("1"), Quantity: d("0")}},
		{"PriceTooPrecise", OrderRequest{Side: models.Sell, AccountID: "a", Price: d("0.123456789123"), Quantity: d("1")}},
		{"QuantityTooPrecise", OrderRequest{Side: models.Sell, AccountID: "a", Price: d("0.16"), Quantity: d("0.000000001")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			ex := newTestExchange(store)
			_, err := ex.SubmitOrder(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
			if store.commits != 0 {
				t.Errorf("expected no commits, got %d", store.commits)
			}
		})
	}
}

func TestExchange_PartialFillScenario(t *testing.T) {
	ex := newTestExchange(newFakeStore())
	sell := submit(t, ex, models.Sell, "S1", "0.16", "15.5")
	buy := submit(t, ex, models.Buy, "B1", "0.17", "10")

	trades := ex.Trades()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if !trades[0].Price.Equal(d("0.16")) || !trades[0].Quantity.Equal(d("10")) {
		t.Errorf("expected trade 10@0.16, got %s@%s", trades[0].Quantity, trades[0].Price)
	}
	if trades[0].SettlementStatus != models.SettlementPending {
		t.Errorf("expected pending settlement, got %s", trades[0].SettlementStatus)
	}

	if buy.Status != models.StatusFilled {
		t.Errorf("expected returned buy order filled, got %s", buy.Status)
	}
	s, _ := ex.Order(sell.ID)
	if s.Status != models.StatusPartial || !s.FilledQuantity.Equal(d("10")) || !s.Remaining().Equal(d("5.5")) {
		t.Errorf("expected sell partial 10 filled 5.5 remaining, got %s %s %s", s.Status, s.FilledQuantity, s.Remaining())
	}
	assertInvariants(t, ex)
}

func TestExchange_MatchOrder(t *testing.T) {
	tests := []struct {
		name           string
		orders         [][4]string // side, account, price, qty
		expectTrades   []string    // qty@price
		expectBuyBook  int
		expectSellBook int
	}{
		{
			name:         "PriceImprovement",
			orders:       [][4]string{{"buy", "b", "0.20", "5"}, {"sell", "s", "0.15", "5"}},
			expectTrades: []string{"5@0.15"},
		},
		{
			name:          "NoOverFill",
			orders:        [][4]string{{"sell", "s", "5", "10"}, {"buy", "b", "6", "15"}},
			expectTrades:  []string{"10@5"},
			expectBuyBook: 1,
		},
		{
			name:           "NoCross",
			orders:         [][4]string{{"sell", "s", "0.20", "5"}, {"buy", "b", "0.19", "5"}},
			expectBuyBook:  1,
			expectSellBook: 1,
		},
		{
			name:         "WalksTheBook",
			orders:       [][4]string{{"sell", "s1", "0.12", "3"}, {"sell", "s2", "0.10", "2"}, {"sell", "s3", "0.15", "4"}, {"buy", "b", "0.13", "10"}},
			expectTrades: []string{"2@0.1", "3@0.12"},
			// buy rests with 5 remaining; s3 is above its limit
			expectBuyBook:  1,
			expectSellBook: 1,
		},
		{
			name:         "SelfTradeAllowedByDefault",
			orders:       [][4]string{{"sell", "a", "1", "1"}, {"buy", "a", "1", "1"}},
			expectTrades: []string{"1@1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newTestExchange(newFakeStore())
			for _, o := range tt.orders {
				submit(t, ex, models.Side(o[0]), o[1], o[2], o[3])
			}

			trades := ex.Trades()
			if len(trades) != len(tt.expectTrades) {
				t.Fatalf("expected %d trades, got %d", len(tt.expectTrades), len(trades))
			}
			for i, want := range tt.expectTrades {
				got := fmt.Sprintf("%s@%s", trades[i].Quantity, trades[i].Price)
				if got != want {
					t.Errorf("trade %d: expected %s, got %s", i, want, got)
				}
			}
			if n := len(ex.ListBuyOrders()); n != tt.expectBuyBook {
				t.Errorf("expected %d resting buys, got %d", tt.expectBuyBook, n)
			}
			if n := len(ex.ListSellOrders()); n != tt.expectSellBook {
				t.Errorf("expected %d resting sells, got %d", tt.expectSellBook, n)
			}
			assertInvariants(t, ex)
		})
	}
}

func TestExchange_NoOverFill_BuyPartial(t *testing.T) {
	ex := newTestExchange(newFakeStore())
	submit(t, ex, models.Sell, "s", "5", "10")
	buy := submit(t, ex, models.Buy, "b", "6", "15")

	if buy.Status != models.StatusPartial || !buy.FilledQuantity.Equal(d("10")) {
		t.Errorf("expected buy partial with 10 filled, got %s %s", buy.Status, buy.FilledQuantity)
	}
	if sells := ex.ListSellOrders(); len(sells) != 0 {
		t.Errorf("expected no resting sells, got %d", len(sells))
	}
}

func TestExchange_PriceTimePriority(t *testing.T) {
	ex := newTestExchange(newFakeStore())
	first10 := submit(t, ex, models.Buy, "b1", "10", "5")
	best := submit(t, ex, models.Buy, "b2", "12", "5")
	second10 := submit(t, ex, models.Buy, "b3", "10", "5")

	buys := ex.ListBuyOrders()
	wantOrder := []string{best.ID, first10.ID, second10.ID}
	for i, id := range wantOrder {
		if buys[i].ID != id {
			t.Errorf("book position %d: expected %s, got %s", i, id, buys[i].ID)
		}
	}

	submit(t, ex, models.Sell, "s", "10", "10")
	trades := ex.Trades()
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].BuyOrderID != best.ID || trades[1].BuyOrderID != first10.ID {
		t.Errorf("expected fills against %s then %s, got %s then %s",
			best.ID, first10.ID, trades[0].BuyOrderID, trades[1].BuyOrderID)
	}
	for _, tr := range trades {
		if !tr.Price.Equal(d("10")) {
			t.Errorf("expected trade at sell price 10, got %s", tr.Price)
		}
	}
	rest, _ := ex.Order(second10.ID)
	if rest.Status != models.StatusActive {
		t.Errorf("expected later price-10 buyer untouched, got %s", rest.Status)
	}
}

func TestExchange_SubmitOrder_EightDecimalPlaces(t *testing.T) {
	ex := newTestExchange(newFakeStore())
	o := submit(t, ex, models.Sell, "a", "0.12345678", "0.00000001")
	if !o.Price.Equal(d("0.12345678")) || !o.Quantity.Equal(d("0.00000001")) {
		t.Errorf("expected amounts kept exactly, got %s@%s", o.Quantity, o.Price)
	}
}

// equalTimestampRun submits two equal-price sells with the same timestamp and
// a buy that fills only one of them
func equalTimestampRun(t *testing.T) ([]models.Trade, []models.Order) {
	t.Helper()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	ex := NewExchange(newFakeStore(),
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}))

	first := submit(t, ex, models.Sell, "s1", "0.16", "5")
	second := submit(t, ex, models.Sell, "s2", "0.16", "5")
	if !first.CreatedAt.Equal(second.CreatedAt) || first.Seq >= second.Seq {
		t.Fatalf("expected equal timestamps and increasing seq, got %+v %+v", first, second)
	}
	submit(t, ex, models.Buy, "b", "0.16", "5")

	trades := ex.Trades()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].SellOrderID != first.ID {
		t.Errorf("expected lower-seq sell %s to fill, got %s", first.ID, trades[0].SellOrderID)
	}
	return trades, ex.ListSellOrders()
}

func TestExchange_EqualTimestampsUseSequence(t *testing.T) {
	trades1, book1 := equalTimestampRun(t)
	trades2, book2 := equalTimestampRun(t)

	if len(trades2) != len(trades1) || trades1[0].ID != trades2[0].ID ||
		trades1[0].SellOrderID != trades2[0].SellOrderID || !trades1[0].Quantity.Equal(trades2[0].Quantity) {
		t.Errorf("expected identical trades across runs, got %+v and %+v", trades1, trades2)
	}
	if len(book1) != 1 || len(book2) != 1 || book1[0].ID != book2[0].ID || book1[0].AccountID != "s2" {
		t.Errorf("expected s2's order left resting in both runs, got %+v and %+v", book1, book2)
	}
}

func TestExchange_SelfTradeDisabled(t *testing.T) {
	ex := newTestExchange(newFakeStore(), WithAllowSelfTrade(false))
	submit(t, ex, models.Sell, "a", "1", "2")
	submit(t, ex, models.Sell, "b", "1.1", "2")
	submit(t, ex, models.Buy, "a", "2", "2")

	trades := ex.Trades()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].SellerID != "b" || !trades[0].Price.Equal(d("1.1")) {
		t.Errorf("expected trade against b at 1.1, got seller %s at %s", trades[0].SellerID, trades[0].Price)
	}
}

func TestExchange_CancelOrder(t *testing.T) {
	ex := newTestExchange(newFakeStore())
	partial := submit(t, ex, models.Sell, "alice", "0.16", "15.5")
	filled := submit(t, ex, models.Buy, "bob", "0.17", "10")
	open := submit(t, ex, models.Buy, "bob", "0.10", "1")
	cancelled := submit(t, ex, models.Buy, "bob", "0.09", "1")
	if err := ex.CancelOrder(context.Background(), cancelled.ID, "bob"); err != nil {
		t.Fatalf("setup cancel: %v", err)
	}

	tests := []struct {
		name      string
		orderID   string
		accountID string
		expectErr error
	}{
		{"Partial", partial.ID, "alice", nil},
		{"Active", open.ID, "bob", nil},
		{"AlreadyFilled", filled.ID, "bob", ErrAlreadyFilled},
		{"AlreadyCancelled", cancelled.ID, "bob", nil},
		{"WrongOwner", open.ID, "alice", ErrNotFound},
		{"Unknown", "missing", "bob", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ex.CancelOrder(context.Background(), tt.orderID, tt.accountID)
			if tt.expectErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				o, _ := ex.Order(tt.orderID)
				if o.Status != models.StatusCancelled {
					t.Errorf("expected cancelled, got %s", o.Status)
				}
				return
			}
			if !errors.Is(err, tt.expectErr) {
				t.Errorf("expected %v, got %v", tt.expectErr, err)
			}
		})
	}

	if len(ex.ListSellOrders()) != 0 || len(ex.ListBuyOrders()) != 0 {
		t.Errorf("expected empty book after cancellations")
	}
	// a cancelled order never matches again
	submit(t, ex, models.Buy, "carol", "1", "1")
	if len(ex.Trades()) != 1 {
		t.Errorf("expected cancelled sell to stay out of matching, got %d trades", len(ex.Trades()))
	}
}

func TestExchange_AcceptOrder(t *testing.T) {
	tests := []struct {
		name       string
		side       models.Side
		qty        string
		taker      string
		opts       []Option
		cancel     bool
		expectErr  error
		expectLeft string
	}{
		{name: "PartialSell", side: models.Sell, qty: "4", taker: "bob", expectLeft: "6"},
		{name: "WholeSell", side: models.Sell, qty: "10", taker: "bob", expectLeft: "0"},
		{name: "BuyListing", side: models.Buy, qty: "4", taker: "bob", expectErr: ErrNotFound, expectLeft: "10"},
		{name: "TooPrecise", side: models.Sell, qty: "0.000000001", taker: "bob", expectErr: ErrInvalidInput, expectLeft: "10"},
		{name: "TooMuch", side: models.Sell, qty: "10.5", taker: "bob", expectErr: ErrInsufficientQuantity, expectLeft: "10"},
		{name: "ZeroQuantity", side: models.Sell, qty: "0", taker: "bob", expectErr: ErrInvalidInput, expectLeft: "10"},
		{name: "Cancelled", side: models.Sell, qty: "1", taker: "bob", cancel: true, expectErr: ErrNotFound, expectLeft: "10"},
		{name: "SelfAcceptDisallowed", side: models.Sell, qty: "1", taker: "alice", opts: []Option{WithAllowSelfTrade(false)}, expectErr: ErrInvalidInput, expectLeft: "10"},
		{name: "SelfAcceptAllowed", side: models.Sell, qty: "1", taker: "alice", expectLeft: "9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			ex := newTestExchange(store, tt.opts...)
			target := submit(t, ex, tt.side, "alice", "0.16", "10")
			if tt.cancel {
				if err := ex.CancelOrder(context.Background(), target.ID, "alice"); err != nil {
					t.Fatalf("setup cancel: %v", err)
				}
			}
			commits := store.commits

			trade, err := ex.AcceptOrder(context.Background(), AcceptRequest{
				OrderID:        target.ID,
				TakerAccountID: tt.taker,
				Quantity:       d(tt.qty),
			})
			after, _ := ex.Order(target.ID)
			if !after.Remaining().Equal(d(tt.expectLeft)) {
				t.Errorf("expected %s remaining, got %s", tt.expectLeft, after.Remaining())
			}
			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Errorf("expected %v, got %v", tt.expectErr, err)
				}
				if store.commits != commits || len(ex.Trades()) != 0 {
					t.Errorf("expected no state change on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !trade.Direct || !trade.Price.Equal(d("0.16")) || !trade.Quantity.Equal(d(tt.qty)) {
				t.Errorf("unexpected trade %+v", trade)
			}
			if trade.SellOrderID != target.ID || trade.SellerID != "alice" || trade.BuyerID != tt.taker {
				t.Errorf("expected %s to buy from alice's listing, got %+v", tt.taker, trade)
			}
			if len(trade.BuyOrderID) < 7 || trade.BuyOrderID[:7] != "direct-" {
				t.Errorf("expected direct- counter reference, got %q", trade.BuyOrderID)
			}
			assertInvariants(t, ex)
		})
	}
}

func TestExchange_AcceptFilledOrder(t *testing.T) {
	ex := newTestExchange(newFakeStore())
	sell := submit(t, ex, models.Sell, "alice", "1", "1")
	submit(t, ex, models.Buy, "bob", "1", "1")

	_, err := ex.AcceptOrder(context.Background(), AcceptRequest{OrderID: sell.ID, TakerAccountID: "carol", Quantity: d("0.5")})
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Errorf("expected ErrInsufficientQuantity, got %v", err)
	}
}

func TestExchange_CommitFailureLeavesStateUnchanged(t *testing.T) {
	store := newFakeStore()
	ex := newTestExchange(store)
	sell := submit(t, ex, models.Sell, "s", "1", "5")

	store.fail = errors.New("disk full")
	if _, err := ex.SubmitOrder(context.Background(), OrderRequest{Side: models.Buy, AccountID: "b", Price: d("1"), Quantity: d("5")}); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if err := ex.CancelOrder(context.Background(), sell.ID, "s"); err == nil {
		t.Errorf("expected cancel error, got nil")
	}

	if len(ex.Trades()) != 0 {
		t.Errorf("expected no trades, got %d", len(ex.Trades()))
	}
	if len(ex.ListBuyOrders()) != 0 {
		t.Errorf("expected failed buy to be absent from the book")
	}
	s, _ := ex.Order(sell.ID)
	if s.Status != models.StatusActive || !s.FilledQuantity.IsZero() {
		t.Errorf("expected sell untouched, got %s filled %s", s.Status, s.FilledQuantity)
	}

	store.fail = nil
	buy := submit(t, ex, models.Buy, "b", "1", "5")
	if buy.Status != models.StatusFilled {
		t.Errorf("expected buy filled after recovery, got %s", buy.Status)
	}
}

func TestExchange_ConcurrentSubmissions(t *testing.T) {
	ex := newTestExchange(newFakeStore())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := models.Buy
			if i%2 == 0 {
				side = models.Sell
			}
			price := decimal.NewFromInt(int64(10 + i%5))
			_, err := ex.SubmitOrder(context.Background(), OrderRequest{
				Side:      side,
				AccountID: fmt.Sprintf("acct-%d", i%7),
				Price:     price,
				Quantity:  d("1.5"),
			})
			if err != nil {
				t.Errorf("submit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assertInvariants(t, ex)
	buys, sells := ex.GetOrderBook()
	if len(buys) > 0 && len(sells) > 0 && buys[0].Price.GreaterThanOrEqual(sells[0].Price) {
		t.Errorf("book left crossed: bid %s ask %s", buys[0].Price, sells[0].Price)
	}
}

func TestExchange_Listeners(t *testing.T) {
	ex := newTestExchange(newFakeStore())
	var trades []models.Trade
	bookChanges := 0
	ex.OnTrade(func(tr models.Trade) {
		// listeners run outside the engine lock
		_ = ex.MarketStats()
		trades = append(trades, tr)
	})
	ex.OnBookChange(func() { bookChanges++ })

	sell := submit(t, ex, models.Sell, "s", "1", "2")
	submit(t, ex, models.Buy, "b", "1", "1")
	if err := ex.CancelOrder(context.Background(), sell.ID, "s"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(trades) != 1 {
		t.Errorf("expected 1 trade notification, got %d", len(trades))
	}
	if bookChanges != 3 {
		t.Errorf("expected 3 book changes, got %d", bookChanges)
	}
}

func TestExchange_Restore(t *testing.T) {
	store := newFakeStore()
	ex := newTestExchange(store)
	submit(t, ex, models.Sell, "s", "1", "5")
	submit(t, ex, models.Buy, "b", "1", "2")
	submit(t, ex, models.Buy, "b", "0.5", "2")

	restored := newTestExchange(store)
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(restored.Trades()) != 1 {
		t.Errorf("expected 1 trade, got %d", len(restored.Trades()))
	}
	if len(restored.ListSellOrders()) != 1 || len(restored.ListBuyOrders()) != 1 {
		t.Errorf("expected one resting order per side")
	}

	next := submit(t, restored, models.Buy, "c", "1", "1")
	if next.Seq != 4 {
		t.Errorf("expected sequence to continue at 4, got %d", next.Seq)
	}
	assertInvariants(t, restored)
}

func TestExchange_MarketStats(t *testing.T) {
	t.Run("EmptySideHasNoSpread", func(t *testing.T) {
		ex := newTestExchange(newFakeStore())
		submit(t, ex, models.Sell, "s", "0.16", "10")
		stats := ex.MarketStats()
		if stats.Spread != nil || stats.MidPrice != nil || stats.HighestBid != nil {
			t.Errorf("expected no spread with an empty bid side, got %+v", stats)
		}
		if stats.LowestAsk == nil || !stats.LowestAsk.Equal(d("0.16")) {
			t.Errorf("expected lowest ask 0.16, got %v", stats.LowestAsk)
		}
		if stats.AveragePrice != nil || stats.MarketPrice != nil {
			t.Errorf("expected no prices without trades")
		}
	})

	t.Run("SpreadAndVolumes", func(t *testing.T) {
		ex := newTestExchange(newFakeStore())
		submit(t, ex, models.Sell, "s", "0.18", "10")
		submit(t, ex, models.Sell, "s", "0.20", "5")
		submit(t, ex, models.Buy, "b", "0.14", "3")
		stats := ex.MarketStats()
		if !stats.Spread.Equal(d("0.04")) || !stats.MidPrice.Equal(d("0.16")) {
			t.Errorf("expected spread 0.04 mid 0.16, got %s %s", stats.Spread, stats.MidPrice)
		}
		if !stats.TotalSellVolume.Equal(d("15")) || !stats.TotalBuyVolume.Equal(d("3")) {
			t.Errorf("unexpected volumes %s %s", stats.TotalSellVolume, stats.TotalBuyVolume)
		}
		if stats.Liquid || !stats.MarketPrice.Equal(d("0.16")) {
			t.Errorf("expected illiquid market priced at mid, got %v %s", stats.Liquid, stats.MarketPrice)
		}
	})

	t.Run("AverageOfRecentTrades", func(t *testing.T) {
		ex := newTestExchange(newFakeStore())
		for i := 1; i <= 12; i++ {
			p := fmt.Sprint(i)
			submit(t, ex, models.Sell, "s", p, "1")
			submit(t, ex, models.Buy, "b", p, "1")
		}
		stats := ex.MarketStats()
		if stats.TradesCount != 12 {
			t.Errorf("expected 12 trades, got %d", stats.TradesCount)
		}
		if !stats.AveragePrice.Equal(d("7.5")) {
			t.Errorf("expected average 7.5 over last 10 trades, got %s", stats.AveragePrice)
		}
		if !stats.RecentVolume.Equal(d("12")) {
			t.Errorf("expected recent volume 12, got %s", stats.RecentVolume)
		}
		if !stats.MarketPrice.Equal(d("12")) {
			t.Errorf("expected market price at last trade 12, got %s", stats.MarketPrice)
		}
	})

	t.Run("Liquid", func(t *testing.T) {
		ex := newTestExchange(newFakeStore(), WithLiquidity(time.Hour, d("10"), d("0.1")))
		submit(t, ex, models.Sell, "s", "1", "10")
		submit(t, ex, models.Buy, "b", "1", "10")
		submit(t, ex, models.Buy, "b", "1", "1")
		submit(t, ex, models.Sell, "s", "1.05", "1")
		stats := ex.MarketStats()
		if !stats.Liquid {
			t.Fatalf("expected liquid market, got %+v", stats)
		}
		if !stats.MarketPrice.Equal(d("1")) {
			t.Errorf("expected market price at last trade, got %s", stats.MarketPrice)
		}
	})
}

func TestExchange_Depth(t *testing.T) {
	ex := newTestExchange(newFakeStore())
	submit(t, ex, models.Sell, "a", "0.16", "2")
	submit(t, ex, models.Sell, "b", "0.18", "1")
	submit(t, ex, models.Sell, "c", "0.16", "3")
	submit(t, ex, models.Buy, "d", "0.12", "4")

	tests := []struct {
		name       string
		limit      int
		expectAsks int
	}{
		{"Unlimited", 0, 2},
		{"Limited", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			depth := ex.Depth(tt.limit)
			if len(depth.Asks) != tt.expectAsks {
				t.Fatalf("expected %d ask levels, got %d", tt.expectAsks, len(depth.Asks))
			}
			top := depth.Asks[0]
			if !top.Price.Equal(d("0.16")) || !top.Quantity.Equal(d("5")) || top.Orders != 2 {
				t.Errorf("unexpected top ask level %+v", top)
			}
			if len(depth.Bids) != 1 || !depth.Bids[0].Quantity.Equal(d("4")) {
				t.Errorf("unexpected bids %+v", depth.Bids)
			}
		})
	}
}

func TestExchange_MarkSettlement(t *testing.T) {
	store := newFakeStore()
	ex := newTestExchange(store)
	submit(t, ex, models.Sell, "s", "1", "2")
	submit(t, ex, models.Buy, "b", "1", "1")
	submit(t, ex, models.Buy, "b", "1", "1")
	trades := ex.Trades()
	if len(ex.PendingTrades()) != 2 {
		t.Fatalf("expected 2 pending trades, got %d", len(ex.PendingTrades()))
	}

	tests := []struct {
		name      string
		tradeID   string
		status    models.SettlementStatus
		expectErr error
	}{
		{"Complete", trades[0].ID, models.SettlementCompleted, nil},
		{"Repeat", trades[0].ID, models.SettlementCompleted, nil},
		{"Reverse", trades[0].ID, models.SettlementFailed, ErrInvalidInput},
		{"BackToPending", trades[1].ID, models.SettlementPending, ErrInvalidInput},
		{"Fail", trades[1].ID, models.SettlementFailed, nil},
		{"Unknown", "missing", models.SettlementCompleted, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ex.MarkSettlement(context.Background(), tt.tradeID, tt.status)
			if tt.expectErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.expectErr != nil && !errors.Is(err, tt.expectErr) {
				t.Errorf("expected %v, got %v", tt.expectErr, err)
			}
		})
	}

	if len(ex.PendingTrades()) != 0 {
		t.Errorf("expected no pending trades")
	}
	if got := store.trades[trades[1].ID].SettlementStatus; got != models.SettlementFailed {
		t.Errorf("expected stored status failed, got %s", got)
	}
}

func TestSettlementError(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("settle: %w", &SettlementError{TradeID: "t1", Err: cause})
	if !errors.Is(err, ErrSettlementFailure) {
		t.Errorf("expected ErrSettlementFailure match")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected cause to unwrap")
	}
	var se *SettlementError
	if !errors.As(err, &se) || se.TradeID != "t1" {
		t.Errorf("expected SettlementError for t1, got %v", se)
	}
}

func TestCheckInvariants_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic for over-filled order")
		}
	}()
	checkInvariants(&models.Order{ID: "x", Quantity: d("1"), FilledQuantity: d("2"), Status: models.StatusPartial})
}
