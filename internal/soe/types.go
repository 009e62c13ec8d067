// Package soe implements the Smart Order Executor: per-account
// serialized, globally bounded order submission with automatic
// cancel-and-reprice on stall, retry classification, and dry-run
// shadowing. Grounded on execution.Executor, generalized from a
// single-endpoint paper/live split into a multi-endpoint,
// multi-account pipeline driven by the account queue, rate limiter,
// nonce coordinator and exchange adapter abstractions.
package soe

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/orderflow/internal/events"
)

// Side mirrors adapter.Side; kept distinct so the order model does not
// import the adapter package for a value type alone would need to.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the vendor-neutral order type (spec §3).
type OrderType string

const (
	OrderTypeMarket   OrderType = "market"
	OrderTypeLimit    OrderType = "limit"
	OrderTypePostOnly OrderType = "postOnly"
	OrderTypeIOC      OrderType = "ioc"
	OrderTypeFOK      OrderType = "fok"
)

// State is the Order state machine (spec §4.4): Pending → Submitted →
// {PartiallyFilled → Submitted | Filled | Canceled | Failed | Rejected
// | Expired}. Filled, Canceled, Rejected, Expired and Failed are
// terminal.
type State string

const (
	StatePending         State = "pending"
	StateSubmitted       State = "submitted"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateCanceled        State = "canceled"
	StateRejected        State = "rejected"
	StateExpired         State = "expired"
	StateFailed          State = "failed"
)

// IsTerminal reports whether s is one of the terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// SubmitRequest is what a caller hands to Submit.
type SubmitRequest struct {
	AccountID     string
	EndpointID    string // optional hint; EFC primary used if empty
	Symbol        string
	Side          Side
	Type          OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal // required for limit-family types
	ReduceOnly    bool
	PostOnly      bool
	ClientOrderID string // generated if empty
}

// Order is the SOE's in-flight record, owned exclusively by SOE until
// terminal (spec §3).
type Order struct {
	ClientID   string
	RemoteID   string
	EndpointID string
	AccountID  string

	Symbol string
	Side   Side
	Type   OrderType

	RequestedAmount decimal.Decimal
	RemainingAmount decimal.Decimal
	FilledAmount    decimal.Decimal

	OriginalPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	AvgFillPrice  decimal.Decimal

	ReduceOnly bool
	PostOnly   bool

	State State

	ResubmitCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastError     string
}

// Snapshot returns a value copy of the order, safe to hand to
// subscribers without risking a data race against SOE's own mutations.
func (o *Order) Snapshot() Order {
	return *o
}

// ExecutionResult is Submit's unified return value.
type ExecutionResult struct {
	Success  bool
	Order    Order
	Error    string
	TimedOut bool // completion-wait wall clock elapsed before a terminal state
}

// Event names emitted on the shared event bus (spec §4.4), aliasing
// the bus's canonical topic strings so callers in this package don't
// need to import events just to subscribe.
const (
	EventOrderSubmitted   = events.TopicOrderSubmitted
	EventOrderFilled      = events.TopicOrderFilled
	EventOrderCanceled    = events.TopicOrderCanceled
	EventOrderResubmitted = events.TopicOrderResubmitting
	EventOrderFailed      = events.TopicOrderFailed
)

// Stats are cumulative counters surfaced by Stats().
type Stats struct {
	SubmittedOrders int64
	FilledOrders    int64
	CanceledOrders  int64
	FailedOrders    int64
	RateLimitHits   int64
	Resubmits       int64
}
