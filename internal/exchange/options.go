package exchange

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/energymarket/internal/logger"
)

type options struct {
	allowSelfTrade     bool
	recentTrades       int
	liquidityWindow    time.Duration
	liquidityMinVolume decimal.Decimal
	liquidityMaxSpread decimal.Decimal
	now                func() time.Time
	newID              func() string
	log                *logger.Logger
}

func defaultOptions() options {
	return options{
		allowSelfTrade:     true,
		recentTrades:       10,
		liquidityWindow:    5 * time.Minute,
		liquidityMinVolume: decimal.NewFromInt(100_000),
		liquidityMaxSpread: decimal.RequireFromString("0.01"),
		now:                func() time.Time { return time.Now().UTC() },
		newID:              uuid.NewString,
		log:                logger.Nop(),
	}
}

// Option configures an Exchange
type Option func(*options)

// WithAllowSelfTrade controls whether an account's buy order may match its own
// sell order. Defaults to true.
func WithAllowSelfTrade(allow bool) Option {
	return func(o *options) { o.allowSelfTrade = allow }
}

// WithRecentTrades sets how many recent trades feed the average price
func WithRecentTrades(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.recentTrades = n
		}
	}
}

// WithLiquidity sets the volume window and thresholds used to classify the
// market as liquid
func WithLiquidity(window time.Duration, minVolume, maxSpread decimal.Decimal) Option {
	return func(o *options) {
		o.liquidityWindow = window
		o.liquidityMinVolume = minVolume
		o.liquidityMaxSpread = maxSpread
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator replaces the order and trade id generator
func WithIDGenerator(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

// WithLogger sets the engine logger
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}
