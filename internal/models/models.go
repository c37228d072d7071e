package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account represents a registered market participant
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Side is the direction of an order
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusActive    OrderStatus = "active"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status excludes the order from matching
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// SettlementStatus tracks the external settlement of a trade
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementCompleted SettlementStatus = "completed"
	SettlementFailed    SettlementStatus = "failed"
)

// Location is an optional geographic position attached to an order
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Order represents a standing offer to buy or sell energy
type Order struct {
	ID             string          `json:"id"`
	Seq            uint64          `json:"seq"` // Insertion sequence, final priority tie-break
	Side           Side            `json:"side"`
	AccountID      string          `json:"account_id"`
	DisplayName    string          `json:"display_name"`
	Price          decimal.Decimal `json:"price"`    // Currency per kWh
	Quantity       decimal.Decimal `json:"quantity"` // kWh requested
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	Location       *Location       `json:"location,omitempty"`
	Distance       string          `json:"distance,omitempty"`
}

// Remaining returns the unfilled quantity
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Open reports whether the order can still trade
func (o Order) Open() bool {
	return !o.Status.Terminal() && o.Remaining().IsPositive()
}

// Trade represents an executed exchange between a buyer and a seller
type Trade struct {
	ID               string           `json:"id"`
	Seq              uint64           `json:"seq"`
	BuyOrderID       string           `json:"buy_order_id"`
	SellOrderID      string           `json:"sell_order_id"`
	BuyerID          string           `json:"buyer_id"`
	SellerID         string           `json:"seller_id"`
	Price            decimal.Decimal  `json:"price"`
	Quantity         decimal.Decimal  `json:"quantity"`
	ExecutedAt       time.Time        `json:"executed_at"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	Direct           bool             `json:"direct"` // Created by accepting a listing
}

// Cost returns price times quantity
func (t Trade) Cost() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// MarketStats is a point-in-time summary of the order book and recent trading
type MarketStats struct {
	LowestAsk       *decimal.Decimal `json:"lowest_ask"`
	HighestBid      *decimal.Decimal `json:"highest_bid"`
	Spread          *decimal.Decimal `json:"spread"`
	MidPrice        *decimal.Decimal `json:"mid_price"`
	AveragePrice    *decimal.Decimal `json:"average_price"`
	MarketPrice     *decimal.Decimal `json:"market_price"`
	TotalSellVolume decimal.Decimal  `json:"total_sell_volume"`
	TotalBuyVolume  decimal.Decimal  `json:"total_buy_volume"`
	RecentVolume    decimal.Decimal  `json:"recent_volume"`
	Liquid          bool             `json:"liquid"`
	TradesCount     int              `json:"trades_count"`
}

// PriceLevel aggregates resting quantity at one price
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is an aggregated view of both sides of the book
type Depth struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}
