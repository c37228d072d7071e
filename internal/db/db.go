package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/energymarket/internal/exchange"
	"github.com/xtrntr/energymarket/internal/models"
)

const uniqueViolation = "23505"

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateAccount inserts a new account
func (db *DB) CreateAccount(ctx context.Context, account models.Account) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO accounts (id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)",
		account.ID, account.Username, account.PasswordHash, account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("failed to create account %q: %w", account.Username, models.ErrUsernameTaken)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccountByUsername retrieves an account by username
func (db *DB) GetAccountByUsername(ctx context.Context, username string) (models.Account, error) {
	var a models.Account
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM accounts WHERE username = $1",
		username).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Account{}, fmt.Errorf("failed to get account %q: %w", username, models.ErrAccountNotFound)
		}
		return models.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// Load retrieves every order and trade in sequence order
func (db *DB) Load(ctx context.Context) ([]models.Order, []models.Trade, error) {
	orders, err := db.loadOrders(ctx)
	if err != nil {
		return nil, nil, err
	}
	trades, err := db.loadTrades(ctx)
	if err != nil {
		return nil, nil, err
	}
	return orders, trades, nil
}

func (db *DB) loadOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, seq, account_id, display_name, side, price, quantity, filled_quantity,
		       status, created_at, lat, lng, distance
		FROM orders
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var (
			o            models.Order
			seq          int64
			side, status string
			lat, lng     *float64
		)
		if err := rows.Scan(&o.ID, &seq, &o.AccountID, &o.DisplayName, &side, &o.Price, &o.Quantity,
			&o.FilledQuantity, &status, &o.CreatedAt, &lat, &lng, &o.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Seq = uint64(seq)
		o.Side = models.Side(side)
		o.Status = models.OrderStatus(status)
		if lat != nil && lng != nil {
			o.Location = &models.Location{Lat: *lat, Lng: *lng}
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}

func (db *DB) loadTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, seq, buy_order_id, sell_order_id, buyer_id, seller_id, price, quantity,
		       executed_at, settlement_status, direct
		FROM trades
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var (
			t      models.Trade
			seq    int64
			status string
		)
		if err := rows.Scan(&t.ID, &seq, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
			&t.Price, &t.Quantity, &t.ExecutedAt, &status, &t.Direct); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Seq = uint64(seq)
		t.SettlementStatus = models.SettlementStatus(status)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	return trades, nil
}

// Commit writes one engine batch in a single transaction
func (db *DB) Commit(ctx context.Context, batch exchange.Batch) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, o := range batch.Orders {
		var lat, lng *float64
		if o.Location != nil {
			lat, lng = &o.Location.Lat, &o.Location.Lng
		}
		b.Queue(`
			INSERT INTO orders (id, seq, account_id, display_name, side, price, quantity, filled_quantity,
			                    status, created_at, lat, lng, distance)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET filled_quantity = EXCLUDED.filled_quantity, status = EXCLUDED.status`,
			o.ID, int64(o.Seq), o.AccountID, o.DisplayName, string(o.Side), numeric(o.Price), numeric(o.Quantity),
			numeric(o.FilledQuantity), string(o.Status), o.CreatedAt, lat, lng, o.Distance)
	}
	for _, t := range batch.Trades {
		b.Queue(`
			INSERT INTO trades (id, seq, buy_order_id, sell_order_id, buyer_id, seller_id, price, quantity,
			                    executed_at, settlement_status, direct)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, int64(t.Seq), t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID, numeric(t.Price),
			numeric(t.Quantity), t.ExecutedAt, string(t.SettlementStatus), t.Direct)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateTradeSettlement updates a trade's settlement status
func (db *DB) UpdateTradeSettlement(ctx context.Context, tradeID string, status models.SettlementStatus) error {
	tag, err := db.Pool.Exec(ctx, "UPDATE trades SET settlement_status = $1 WHERE id = $2", string(status), tradeID)
	if err != nil {
		return fmt.Errorf("failed to update settlement status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s not found", tradeID)
	}
	return nil
}

// numeric sends decimals as text so NUMERIC columns keep full precision
func numeric(d decimal.Decimal) string {
	return d.String()
}
