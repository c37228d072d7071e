// Package settlement drains pending trades to an external Settler outside the
// request path. Matching records trades as pending; the worker moves each one
// to completed or, after repeated failures, to failed.
package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xtrntr/energymarket/internal/exchange"
	"github.com/xtrntr/energymarket/internal/logger"
	"github.com/xtrntr/energymarket/internal/models"
)

var errPreviouslyFailed = errors.New("settlement previously failed")

// Engine is the part of the exchange the worker drives
type Engine interface {
	PendingTrades() []models.Trade
	Trade(tradeID string) (models.Trade, bool)
	MarkSettlement(ctx context.Context, tradeID string, status models.SettlementStatus) error
}

// Config is the retry policy
type Config struct {
	Timeout       time.Duration // per attempt
	MaxAttempts   int
	SweepInterval time.Duration
}

// Worker settles pending trades with a per-attempt timeout and bounded retries
type Worker struct {
	engine  Engine
	settler Settler
	cfg     Config
	log     *logger.Logger
	wake    chan struct{}

	mu       sync.Mutex // held for the whole of an attempt
	attempts map[string]int
}

// NewWorker creates a worker; zero config values fall back to 5s, 3 attempts, 2s
func NewWorker(engine Engine, settler Settler, cfg Config, log *logger.Logger) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * time.Second
	}
	return &Worker{
		engine:   engine,
		settler:  settler,
		cfg:      cfg,
		log:      log,
		wake:     make(chan struct{}, 1),
		attempts: make(map[string]int),
	}
}

// Notify wakes the worker; it never blocks, so it can be registered directly
// as an exchange trade listener.
func (w *Worker) Notify(models.Trade) {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains pending trades whenever notified and on every sweep tick until
// ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	w.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
			w.Drain(ctx)
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain makes one attempt on every pending trade and returns how many settled
func (w *Worker) Drain(ctx context.Context) int {
	settled := 0
	for _, t := range w.engine.PendingTrades() {
		if ctx.Err() != nil {
			break
		}
		err := w.settle(ctx, t.ID)
		if err == nil {
			settled++
			continue
		}
		w.log.WarnContext(ctx, "Settlement attempt failed",
			logger.NewField("trade_id", t.ID),
			logger.NewField("error", err.Error()))
	}
	return settled
}

// SettleNow makes one synchronous attempt on a trade. It returns nil if the
// trade is or becomes completed and a *exchange.SettlementError if it fails.
func (w *Worker) SettleNow(ctx context.Context, tradeID string) error {
	if _, ok := w.engine.Trade(tradeID); !ok {
		return fmt.Errorf("%w: trade %s", exchange.ErrNotFound, tradeID)
	}
	return w.settle(ctx, tradeID)
}

func (w *Worker) settle(ctx context.Context, tradeID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	trade, ok := w.engine.Trade(tradeID)
	if !ok {
		return fmt.Errorf("%w: trade %s", exchange.ErrNotFound, tradeID)
	}
	switch trade.SettlementStatus {
	case models.SettlementCompleted:
		return nil
	case models.SettlementFailed:
		return &exchange.SettlementError{TradeID: tradeID, Err: errPreviouslyFailed}
	}

	actx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	err := w.settler.Settle(actx, trade)
	cancel()

	if err == nil {
		delete(w.attempts, tradeID)
		if err := w.engine.MarkSettlement(ctx, tradeID, models.SettlementCompleted); err != nil {
			w.log.ErrorContext(ctx, errors.WithStack(err), logger.NewField("trade_id", tradeID))
			return err
		}
		return nil
	}

	err = errors.WithStack(err)
	w.attempts[tradeID]++
	n := w.attempts[tradeID]
	if n >= w.cfg.MaxAttempts {
		delete(w.attempts, tradeID)
		w.log.ErrorContext(ctx, err,
			logger.NewField("trade_id", tradeID),
			logger.NewField("attempts", n))
		if merr := w.engine.MarkSettlement(ctx, tradeID, models.SettlementFailed); merr != nil {
			w.log.ErrorContext(ctx, errors.WithStack(merr), logger.NewField("trade_id", tradeID))
		}
	}
	return &exchange.SettlementError{TradeID: tradeID, Err: err}
}
