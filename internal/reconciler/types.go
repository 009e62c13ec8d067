// Package reconciler implements the State Reconciler: periodic
// comparison of locally believed order/position/balance state against
// authoritative remote state, detection of inconsistencies with
// tolerance, and bounded automatic repair. Grounded on
// execution.Reconciler's startup-only RecoverPositions/PersistPosition
// pair, generalized from a one-shot recovery step into a continuously
// running diff loop with quick/full sync cadences and a heartbeat.
package reconciler

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderView is a reconciler-local projection of one order, keyed by
// remoteId in both LocalView and RemoteView (spec §3).
type OrderView struct {
	RemoteID  string
	Symbol    string
	Side      string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Status    string
	UpdatedAt time.Time
}

// PositionView is a reconciler-local projection of one position, keyed
// by symbol.
type PositionView struct {
	Symbol        string
	Side          string
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnl decimal.Decimal
	UpdatedAt     time.Time
}

// BalanceView is a reconciler-local projection of one currency balance.
type BalanceView struct {
	Currency  string
	Total     decimal.Decimal
	Free      decimal.Decimal
	Used      decimal.Decimal
	UpdatedAt time.Time
}

// InconsistencyKind enumerates the diff rules of spec §4.6.
type InconsistencyKind string

const (
	KindOrderMissing    InconsistencyKind = "OrderMissing"
	KindOrderExtra      InconsistencyKind = "OrderExtra"
	KindOrderStatusDiff InconsistencyKind = "OrderStatusDiff"
	KindPositionMissing InconsistencyKind = "PositionMissing"
	KindPositionExtra   InconsistencyKind = "PositionExtra"
	KindPositionSizeDiff InconsistencyKind = "PositionSizeDiff"
	KindBalanceMismatch InconsistencyKind = "BalanceMismatch"
	// KindFillMissing is defined per spec §9's open question
	// (INCONSISTENCY_TYPE.FILL_MISSING) but no diff rule triggers it.
	KindFillMissing InconsistencyKind = "FillMissing"
)

// Severity is the urgency of a detected inconsistency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Inconsistency is one detected divergence between LocalView and
// RemoteView.
type Inconsistency struct {
	Kind       InconsistencyKind
	Key        string // remoteId, symbol or currency depending on Kind
	Severity   Severity
	Detail     string
	DetectedAt time.Time
}

// RepairAction is the remediation chosen for an Inconsistency.
type RepairAction string

const (
	ActionSyncOrder    RepairAction = "SyncOrder"
	ActionSyncPosition RepairAction = "SyncPosition"
	ActionSyncBalance  RepairAction = "SyncBalance"
	ActionFetchFills   RepairAction = "FetchFills"
	ActionCancelOrder  RepairAction = "CancelOrder"
	ActionNoAction     RepairAction = "NoAction"
)

// RepairResult is one bounded repairHistory entry.
type RepairResult struct {
	Inconsistency Inconsistency
	Action        RepairAction
	Success       bool
	Error         string
	At            time.Time
}

// PartitionState classifies connectivity from the heartbeat loop.
type PartitionState string

const (
	PartitionConnected    PartitionState = "connected"
	PartitionPartial      PartitionState = "partial"
	PartitionPartitioned  PartitionState = "partitioned"
	PartitionReconnecting PartitionState = "reconnecting"
)
