// Package eqm implements the Execution Quality Monitor: per-order fill
// quality tracking, rolling-window statistics and anomaly detection.
// Grounded on execution.Executor.GetMetrics, generalized from a single
// cumulative fill-rate/volume snapshot into per-order slippage and
// timing tracking plus windowed percentile aggregation.
package eqm

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quality buckets an order's execution per spec §4.7.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityAverage   Quality = "average"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

// Side mirrors soe.Side without importing soe, so eqm stays a leaf
// package consumable by anything that can supply the few primitives it
// needs.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Record is one completed order's quality measurement.
type Record struct {
	ClientID        string
	Symbol          string
	Side            Side
	RequestedPrice  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	RequestedAmount decimal.Decimal
	FilledAmount    decimal.Decimal
	Slippage        decimal.Decimal // signed fraction of requested price: positive is adverse
	ExecutionTime   time.Duration
	TimeToFirstFill time.Duration
	FillRate        decimal.Decimal // FilledAmount / RequestedAmount, 0-1
	Quality         Quality
	CompletedAt     time.Time
}

// Percentiles is a set of rolling-window percentile readings, expressed
// as a fraction of requested price.
type Percentiles struct {
	P5  decimal.Decimal
	P50 decimal.Decimal
	P95 decimal.Decimal
	P99 decimal.Decimal
}

// WindowStats aggregates one rolling window (1h/24h/lifetime).
type WindowStats struct {
	Count               int
	AvgSlippage         decimal.Decimal
	SlippagePercentiles Percentiles
	StdDevSlippage      decimal.Decimal
	AvgExecutionTime    time.Duration
	AvgFillRate         decimal.Decimal
}

// Anomaly is a single order's reading that breached a threshold or
// deviated from recent history by more than anomalySensitivity
// standard deviations.
type Anomaly struct {
	ClientID  string
	Symbol    string
	Metric    string // "slippage" or "execution_time"
	Value     decimal.Decimal
	ZScore    decimal.Decimal
	Reason    string
	DetectedAt time.Time
}

// inFlight tracks an order between startTracking and completeTracking.
type inFlight struct {
	clientID        string
	symbol          string
	side            Side
	requestedPrice  decimal.Decimal
	requestedAmount decimal.Decimal
	filledAmount    decimal.Decimal
	notional        decimal.Decimal // sum(fillPrice*fillAmount), for volume-weighted avg
	startedAt       time.Time
	firstFillAt     time.Time
	hasFirstFill    bool
}
