// Package memstore keeps accounts, orders and trades in process memory. It is
// the default backend and the one used by tests.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/xtrntr/energymarket/internal/exchange"
	"github.com/xtrntr/energymarket/internal/models"
)

// Store is an in-memory exchange.Store and auth.AccountStore
type Store struct {
	mu       sync.RWMutex
	accounts map[string]models.Account // by username
	orders   map[string]models.Order
	trades   map[string]models.Trade
}

// New returns an empty store
func New() *Store {
	return &Store{
		accounts: make(map[string]models.Account),
		orders:   make(map[string]models.Order),
		trades:   make(map[string]models.Trade),
	}
}

// CreateAccount stores a new account, rejecting duplicate usernames
func (s *Store) CreateAccount(ctx context.Context, account models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.Username]; ok {
		return fmt.Errorf("failed to create account %q: %w", account.Username, models.ErrUsernameTaken)
	}
	s.accounts[account.Username] = account
	return nil
}

// GetAccountByUsername looks up an account
func (s *Store) GetAccountByUsername(ctx context.Context, username string) (models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[username]
	if !ok {
		return models.Account{}, fmt.Errorf("failed to get account %q: %w", username, models.ErrAccountNotFound)
	}
	return a, nil
}

// Load returns copies of every stored order and trade
func (s *Store) Load(ctx context.Context) ([]models.Order, []models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		orders = append(orders, o)
	}
	trades := make([]models.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		trades = append(trades, t)
	}
	return orders, trades, nil
}

// Commit upserts the batch orders and inserts its trades
func (s *Store) Commit(ctx context.Context, batch exchange.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range batch.Trades {
		if _, ok := s.trades[t.ID]; ok {
			return fmt.Errorf("trade %s already exists", t.ID)
		}
	}
	for _, o := range batch.Orders {
		s.orders[o.ID] = o
	}
	for _, t := range batch.Trades {
		s.trades[t.ID] = t
	}
	return nil
}

// UpdateTradeSettlement records the settlement outcome of a trade
func (s *Store) UpdateTradeSettlement(ctx context.Context, tradeID string, status models.SettlementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	if !ok {
		return fmt.Errorf("trade %s not found", tradeID)
	}
	t.SettlementStatus = status
	s.trades[tradeID] = t
	return nil
}
