// Package adapter defines the Exchange Adapter capability set (spec §6):
// an opaque per-endpoint handle the execution core drives through an
// interface, never a concrete type. Two reference implementations are
// provided (clob.go, streaming.go) grounded on the teacher's
// exec.Client and feeds.PolymarketFeed; the core depends on neither
// directly.
package adapter

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType mirrors spec §3's orderType enum.
type OrderType string

const (
	OrderTypeMarket   OrderType = "market"
	OrderTypeLimit    OrderType = "limit"
	OrderTypePostOnly OrderType = "postOnly"
	OrderTypeIOC      OrderType = "ioc"
	OrderTypeFOK      OrderType = "fok"
)

// CreateOrderParams is the vendor-neutral parameter set SOE builds
// before calling CreateOrder (spec §4.4 step 2b).
type CreateOrderParams struct {
	Symbol        string
	Type          OrderType
	Side          Side
	Amount        decimal.Decimal
	Price         decimal.Decimal // zero for market orders
	ClientOrderID string
	PostOnly      bool
	TimeInForce   string // e.g. "PO", "GTC", "IOC"
	ReduceOnly    bool
}

// OrderAck is the adapter's synchronous response to CreateOrder.
type OrderAck struct {
	RemoteID  string
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Average   decimal.Decimal
	Status    string // vendor-reported status string, e.g. "open", "closed"
	Fee       decimal.Decimal
}

// OrderStatus is the adapter's response to FetchOrder.
type OrderStatus struct {
	Status    string
	Filled    decimal.Decimal
	Amount    decimal.Decimal
	Average   decimal.Decimal
}

// Ticker is a best bid/ask/last snapshot for reprice decisions.
type Ticker struct {
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	Last decimal.Decimal
}

// Position is a remote-reported open position.
type Position struct {
	Symbol        string
	Side          string
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

// Balance is a remote-reported currency balance.
type Balance struct {
	Currency string
	Total    decimal.Decimal
	Free     decimal.Decimal
	Used     decimal.Decimal
}

// OpenOrder is one entry of FetchOpenOrders.
type OpenOrder struct {
	RemoteID  string
	Symbol    string
	Side      string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Status    string
}

// Trade is one entry of FetchMyTrades, used for fill backfill.
type Trade struct {
	OrderID   string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// Capabilities reports which optional methods an adapter actually
// implements, so callers can probe presence instead of assuming a
// capability-complete handle (spec §6: "capability probing uses
// presence of these methods").
type Capabilities struct {
	CreateOrder     bool
	CancelOrder     bool
	FetchOrder      bool
	FetchOpenOrders bool
	FetchPositions  bool
	FetchBalance    bool
	FetchTicker     bool
	FetchTime       bool
	FetchMyTrades   bool
}

// Adapter is the full Exchange Adapter capability set. A concrete
// adapter that cannot support a capability should still implement the
// method (returning an error) and report it false in Capabilities.
type Adapter interface {
	ID() string
	Capabilities() Capabilities

	CreateOrder(ctx context.Context, params CreateOrderParams) (OrderAck, error)
	CancelOrder(ctx context.Context, remoteID, symbol string) error
	FetchOrder(ctx context.Context, remoteID, symbol string) (OrderStatus, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	FetchPositions(ctx context.Context) ([]Position, error)
	FetchBalance(ctx context.Context) ([]Balance, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchTime(ctx context.Context) (time.Time, error)
	FetchMyTrades(ctx context.Context, symbol string) ([]Trade, error)
}
