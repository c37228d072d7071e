// Package kv persists market state in an embedded Pebble database. Values are
// JSON; every engine batch is one synced Pebble batch.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/xtrntr/energymarket/internal/exchange"
	"github.com/xtrntr/energymarket/internal/models"
)

const (
	accountPrefix = "account/"
	orderPrefix   = "order/"
	tradePrefix   = "trade/"
)

// Store is a Pebble-backed exchange.Store and auth.AccountStore
type Store struct {
	db *pebble.DB
	mu sync.Mutex // serializes read-modify-write sequences
}

// Open opens or creates the database in dir
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount stores a new account, rejecting duplicate usernames
func (s *Store) CreateAccount(ctx context.Context, account models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(accountPrefix + account.Username)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return fmt.Errorf("failed to create account %q: %w", account.Username, models.ErrUsernameTaken)
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("failed to check account: %w", err)
	}
	return s.put(key, account)
}

// GetAccountByUsername looks up an account
func (s *Store) GetAccountByUsername(ctx context.Context, username string) (models.Account, error) {
	var a models.Account
	val, closer, err := s.db.Get([]byte(accountPrefix + username))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return a, fmt.Errorf("failed to get account %q: %w", username, models.ErrAccountNotFound)
		}
		return a, fmt.Errorf("failed to get account: %w", err)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, &a); err != nil {
		return a, fmt.Errorf("failed to decode account: %w", err)
	}
	return a, nil
}

// Load scans every order and trade
func (s *Store) Load(ctx context.Context) ([]models.Order, []models.Trade, error) {
	var orders []models.Order
	if err := scan(s.db, orderPrefix, func(o models.Order) { orders = append(orders, o) }); err != nil {
		return nil, nil, fmt.Errorf("failed to load orders: %w", err)
	}
	var trades []models.Trade
	if err := scan(s.db, tradePrefix, func(t models.Trade) { trades = append(trades, t) }); err != nil {
		return nil, nil, fmt.Errorf("failed to load trades: %w", err)
	}
	return orders, trades, nil
}

// Commit writes the batch atomically with a synced Pebble batch
func (s *Store) Commit(ctx context.Context, batch exchange.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()

	for _, o := range batch.Orders {
		if err := set(b, orderPrefix+o.ID, o); err != nil {
			return err
		}
	}
	for _, t := range batch.Trades {
		if err := set(b, tradePrefix+t.ID, t); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// UpdateTradeSettlement rewrites the stored trade with its new status
func (s *Store) UpdateTradeSettlement(ctx context.Context, tradeID string, status models.SettlementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(tradePrefix + tradeID)
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("trade %s not found", tradeID)
		}
		return fmt.Errorf("failed to get trade: %w", err)
	}
	var t models.Trade
	err = json.Unmarshal(val, &t)
	closer.Close()
	if err != nil {
		return fmt.Errorf("failed to decode trade: %w", err)
	}
	t.SettlementStatus = status
	return s.put(key, t)
}

func (s *Store) put(key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.db.Set(key, val, pebble.Sync)
}

func set(b *pebble.Batch, key string, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.Set([]byte(key), val, nil)
}

func scan[T any](db *pebble.DB, prefix string, fn func(T)) error {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return fmt.Errorf("failed to decode %s: %w", iter.Key(), err)
		}
		fn(v)
	}
	return iter.Error()
}
