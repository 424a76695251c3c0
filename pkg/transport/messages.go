package transport

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts the spellings seen on the wire: buy/sell in any case,
// plus bid/ask.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid":
		return SideBuy, true
	case "sell", "ask":
		return SideSell, true
	default:
		return "", false
	}
}

type OrderKind string

const (
	KindLimit  OrderKind = "limit"
	KindMarket OrderKind = "market"
)

func ParseKind(s string) (OrderKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "limit":
		return KindLimit, true
	case "market":
		return KindMarket, true
	default:
		return "", false
	}
}

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// ParseStatus normalizes the backend's status spellings. An empty status
// means the order is resting.
func ParseStatus(s string) (OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pending", "new", "open":
		return StatusPending, true
	case "partial", "partially_filled", "partially-filled":
		return StatusPartiallyFilled, true
	case "filled":
		return StatusFilled, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	case "rejected":
		return StatusRejected, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderEntry is a single resting or historical order, or a normalized book
// level when it came from a compact snapshot.
type OrderEntry struct {
	ID        string
	Side      Side
	Quantity  decimal.Decimal
	Remaining decimal.Decimal
	Price     decimal.NullDecimal // invalid for market orders
	Kind      OrderKind
	Status    OrderStatus
	CreatedAt time.Time
}

// Filled returns the executed part of the order.
func (e OrderEntry) Filled() decimal.Decimal {
	return e.Quantity.Sub(e.Remaining)
}

// Level is one (price, quantity) row of a compact snapshot.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Event is one decoded inbound frame: Batch, Update, ErrorFrame or Ack.
type Event interface {
	event()
}

// Batch is an authoritative refresh. Both wire shapes are normalized into
// per-side entry lists; Compact marks snapshots built from price levels.
type Batch struct {
	Buys      []OrderEntry
	Sells     []OrderEntry
	TotalBids decimal.NullDecimal
	TotalAsks decimal.NullDecimal
	LastPrice decimal.NullDecimal
	Compact   bool
}

// HasTotals reports whether the server sent precomputed aggregates.
func (b Batch) HasTotals() bool {
	return b.TotalBids.Valid && b.TotalAsks.Valid
}

type Update struct {
	Entry OrderEntry
}

type ErrorFrame struct {
	Code    string
	Message string
}

type Ack struct {
	Kind    string // "order_success" or "order_cancel_success"
	Message string
}

func (Batch) event()      {}
func (Update) event()     {}
func (ErrorFrame) event() {}
func (Ack) event()        {}

// PlaceOrder is a user intent to submit an order. Price is ignored for
// market orders.
type PlaceOrder struct {
	Side     Side
	Quantity decimal.Decimal
	Price    decimal.NullDecimal
	Kind     OrderKind
	ClientID string
}

type CancelOrder struct {
	OrderID string
}
