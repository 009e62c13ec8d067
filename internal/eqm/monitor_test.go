package eqm

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/orderflow/internal/config"
	"github.com/web3guy0/orderflow/internal/events"
)

// testCfg mirrors config.Load()'s EQM defaults (fractions, not basis
// points) so these tests exercise the same units production runs under.
func testCfg() config.EQMConfig {
	return config.EQMConfig{
		SlippageWarningThreshold:  decimal.NewFromFloat(0.002),
		SlippageCriticalThreshold: decimal.NewFromFloat(0.005),
		SlippageAnomalyThreshold:  decimal.NewFromFloat(0.01),
		ExecutionTimeWarning:      5 * time.Second,
		ExecutionTimeCritical:     15 * time.Second,
		ExecutionTimeAnomaly:      60 * time.Second,
		FillRateWarning:           decimal.NewFromFloat(0.8),
		FillRateCritical:          decimal.NewFromFloat(0.5),
		StatisticsWindowSize:      1000,
		RollingWindowTime:         24 * time.Hour,
		ShortTermWindowTime:       time.Hour,
		AggregationInterval:       0, // disabled in tests
		EnableAnomalyDetection:    true,
		AnomalySensitivity:        3.0,
	}
}

// Property 5: slippage sign law. A buy filled worse (higher) than
// requested is positive (adverse); a sell filled worse (lower) than
// requested is also positive. Filled better than requested is negative.
func TestProperty5_SlippageSignLaw(t *testing.T) {
	buyAdverse := slippageFor(SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(101))
	assert.True(t, buyAdverse.IsPositive())

	buyFavorable := slippageFor(SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(99))
	assert.True(t, buyFavorable.IsNegative())

	sellAdverse := slippageFor(SideSell, decimal.NewFromInt(100), decimal.NewFromInt(99))
	assert.True(t, sellAdverse.IsPositive())

	sellFavorable := slippageFor(SideSell, decimal.NewFromInt(100), decimal.NewFromInt(101))
	assert.True(t, sellFavorable.IsNegative())
}

// Property 6: aggregation is idempotent - computing WindowStatsFor
// twice without any new completions yields identical results.
func TestProperty6_AggregationIdempotence(t *testing.T) {
	bus := events.NewBus()
	m := New(testCfg(), bus)

	m.StartTracking("c1", "BTC-USD", SideBuy, decimal.NewFromInt(50000), decimal.NewFromInt(1))
	m.RecordFill("c1", decimal.NewFromInt(50010), decimal.NewFromInt(1))
	m.CompleteTracking("c1")

	first := m.WindowStatsFor(time.Hour)
	second := m.WindowStatsFor(time.Hour)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, first.Count)
}

// S6: one order with large adverse slippage compared to a stable
// history should trigger a quality.anomaly event via z-score.
func TestS6_AnomalyDetectionViaZScore(t *testing.T) {
	bus := events.NewBus()
	m := New(testCfg(), bus)
	anomalies := bus.Subscribe(events.TopicQualityAnomaly)

	// 40 stable, small-variance fills to build a baseline (alternating
	// +/-0.01% so stddev is nonzero but tiny).
	for i := 0; i < 40; i++ {
		id := "base" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		fillPrice := decimal.NewFromInt(50005)
		if i%2 == 0 {
			fillPrice = decimal.NewFromInt(49995)
		}
		m.StartTracking(id, "BTC-USD", SideBuy, decimal.NewFromInt(50000), decimal.NewFromInt(1))
		m.RecordFill(id, fillPrice, decimal.NewFromInt(1))
		m.CompleteTracking(id)
	}

	// One wild outlier, still under the fixed anomaly threshold (1%) but
	// far from the near-zero-slippage baseline.
	m.StartTracking("outlier", "BTC-USD", SideBuy, decimal.NewFromInt(50000), decimal.NewFromInt(1))
	m.RecordFill("outlier", decimal.NewFromInt(50090), decimal.NewFromInt(1)) // 0.18%, below fixed 1% threshold
	rec, ok := m.CompleteTracking("outlier")
	require.True(t, ok)
	assert.True(t, rec.Slippage.LessThan(testCfg().SlippageAnomalyThreshold))

	require.Len(t, anomalies, 1)
	a := (<-anomalies).Payload.(Anomaly)
	assert.Equal(t, "slippage", a.Metric)
	assert.Equal(t, "outlier", a.ClientID)
}

func TestCompleteTracking_UnknownClientReturnsFalse(t *testing.T) {
	m := New(testCfg(), events.NewBus())
	_, ok := m.CompleteTracking("nope")
	assert.False(t, ok)
}

func TestClassifyQuality_Buckets(t *testing.T) {
	cfg := testCfg()
	// Well inside half the warning band on every metric: excellent.
	assert.Equal(t, QualityExcellent, classifyQuality(decimal.NewFromFloat(0.00001), 0, decimal.NewFromInt(1), cfg))
	// Inside the warning band but not tight enough for excellent: good.
	assert.Equal(t, QualityGood, classifyQuality(decimal.NewFromFloat(0.0015), 0, decimal.NewFromInt(1), cfg))
	// At/above warning, below critical: average.
	assert.Equal(t, QualityAverage, classifyQuality(cfg.SlippageWarningThreshold, 0, decimal.NewFromInt(1), cfg))
	// At/above critical, below anomaly: poor.
	assert.Equal(t, QualityPoor, classifyQuality(cfg.SlippageCriticalThreshold, 0, decimal.NewFromInt(1), cfg))
	// At/above the anomaly threshold: critical.
	assert.Equal(t, QualityCritical, classifyQuality(cfg.SlippageAnomalyThreshold, 0, decimal.NewFromInt(1), cfg))
	// A fill rate below the critical floor is critical regardless of slippage.
	assert.Equal(t, QualityCritical, classifyQuality(decimal.Zero, 0, decimal.NewFromFloat(0.4), cfg))
}
