// Package wallet keeps per-account energy and fiat balances and settles trades
// against them.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/energymarket/internal/models"
)

var (
	ErrInsufficientEnergy = errors.New("insufficient energy balance")
	ErrInsufficientFiat   = errors.New("insufficient fiat balance")
	ErrInvalidAmount      = errors.New("amount must not be negative")
)

// Entry is one balance movement
type Entry struct {
	Time    time.Time       `json:"time"`
	Asset   string          `json:"asset"` // "energy" (kWh) or "fiat"
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
	TradeID string          `json:"trade_id,omitempty"`
}

// Balance is the state of one account's wallet
type Balance struct {
	AccountID string          `json:"account_id"`
	Energy    decimal.Decimal `json:"energy"`
	Fiat      decimal.Decimal `json:"fiat"`
	History   []Entry         `json:"history"`
}

// Ledger holds balances for every account
type Ledger struct {
	mu       sync.Mutex
	balances map[string]*Balance
	settled  map[string]struct{}
	now      func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]*Balance),
		settled:  make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Deposit credits energy and fiat to an account
func (l *Ledger) Deposit(accountID string, energy, fiat decimal.Decimal) (Balance, error) {
	if energy.IsNegative() || fiat.IsNegative() {
		return Balance{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(accountID)
	now := l.now()
	if energy.IsPositive() {
		b.Energy = b.Energy.Add(energy)
		b.History = append(b.History, Entry{Time: now, Asset: "energy", Amount: energy, Reason: "deposit"})
	}
	if fiat.IsPositive() {
		b.Fiat = b.Fiat.Add(fiat)
		b.History = append(b.History, Entry{Time: now, Asset: "fiat", Amount: fiat, Reason: "deposit"})
	}
	return clone(b), nil
}

// Balance returns a copy of the account's wallet; unknown accounts are empty
func (l *Ledger) Balance(accountID string) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[accountID]; ok {
		return clone(b)
	}
	return Balance{AccountID: accountID, Energy: decimal.Zero, Fiat: decimal.Zero, History: []Entry{}}
}

// Settle moves energy from seller to buyer and the trade cost from buyer to
// seller. Settling the same trade twice is a no-op.
func (l *Ledger) Settle(ctx context.Context, trade models.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.settled[trade.ID]; ok {
		return nil
	}
	seller := l.get(trade.SellerID)
	buyer := l.get(trade.BuyerID)
	cost := trade.Cost()

	if seller.Energy.LessThan(trade.Quantity) {
		return fmt.Errorf("%w: seller %s has %s kWh, needs %s", ErrInsufficientEnergy, trade.SellerID, seller.Energy, trade.Quantity)
	}
	if buyer.Fiat.LessThan(cost) {
		return fmt.Errorf("%w: buyer %s has %s, needs %s", ErrInsufficientFiat, trade.BuyerID, buyer.Fiat, cost)
	}

	now := l.now()
	seller.Energy = seller.Energy.Sub(trade.Quantity)
	seller.History = append(seller.History, Entry{Time: now, Asset: "energy", Amount: trade.Quantity.Neg(), Reason: "sale to " + trade.BuyerID, TradeID: trade.ID})
	buyer.Energy = buyer.Energy.Add(trade.Quantity)
	buyer.History = append(buyer.History, Entry{Time: now, Asset: "energy", Amount: trade.Quantity, Reason: "purchase from " + trade.SellerID, TradeID: trade.ID})
	buyer.Fiat = buyer.Fiat.Sub(cost)
	buyer.History = append(buyer.History, Entry{Time: now, Asset: "fiat", Amount: cost.Neg(), Reason: "purchase from " + trade.SellerID, TradeID: trade.ID})
	seller.Fiat = seller.Fiat.Add(cost)
	seller.History = append(seller.History, Entry{Time: now, Asset: "fiat", Amount: cost, Reason: "sale to " + trade.BuyerID, TradeID: trade.ID})

	l.settled[trade.ID] = struct{}{}
	return nil
}

func (l *Ledger) get(accountID string) *Balance {
	b, ok := l.balances[accountID]
	if !ok {
		b = &Balance{AccountID: accountID, Energy: decimal.Zero, Fiat: decimal.Zero}
		l.balances[accountID] = b
	}
	return b
}

func clone(b *Balance) Balance {
	out := *b
	out.History = append([]Entry{}, b.History...)
	return out
}
