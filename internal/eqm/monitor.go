package eqm

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/orderflow/internal/config"
	"github.com/web3guy0/orderflow/internal/events"
)

// Monitor tracks per-order execution quality and aggregates rolling
// statistics, emitting an anomaly event when a reading breaches either
// a fixed threshold or recent-history z-score.
type Monitor struct {
	cfg config.EQMConfig
	bus *events.Bus

	mu     sync.Mutex
	active map[string]*inFlight
	// records is a FIFO ring bounded at cfg.StatisticsWindowSize,
	// holding the most recently completed orders across all symbols.
	records []Record

	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Monitor.
func New(cfg config.EQMConfig, bus *events.Bus) *Monitor {
	return &Monitor{
		cfg:    cfg,
		bus:    bus,
		active: make(map[string]*inFlight),
		now:    time.Now,
	}
}

// Start launches the periodic aggregation loop. Aggregation is
// read-only bookkeeping (it logs short- and rolling-window stats); the
// per-order metrics themselves are computed synchronously in
// CompleteTracking so callers get an immediate Record.
func (m *Monitor) Start() {
	if m.cfg.AggregationInterval <= 0 {
		return
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.aggregateLoop()
}

// Stop halts the aggregation loop.
func (m *Monitor) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Monitor) aggregateLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.AggregationInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			short := m.WindowStatsFor(m.cfg.ShortTermWindowTime)
			long := m.WindowStatsFor(m.cfg.RollingWindowTime)
			log.Info().
				Int("short_count", short.Count).Str("short_avg_slippage", short.AvgSlippage.String()).
				Int("long_count", long.Count).Str("long_avg_slippage", long.AvgSlippage.String()).
				Msg("📊 execution quality window aggregated")
		}
	}
}

// StartTracking begins lifecycle tracking for a newly submitted order.
func (m *Monitor) StartTracking(clientID, symbol string, side Side, requestedPrice, requestedAmount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[clientID] = &inFlight{
		clientID:        clientID,
		symbol:          symbol,
		side:            side,
		requestedPrice:  requestedPrice,
		requestedAmount: requestedAmount,
		notional:        decimal.Zero,
		filledAmount:    decimal.Zero,
		startedAt:       m.now(),
	}
}

// RecordFill accumulates one partial (or full) fill against the
// in-flight order, tracking volume-weighted average fill price.
func (m *Monitor) RecordFill(clientID string, fillPrice, fillAmount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.active[clientID]
	if !ok {
		return
	}
	if !f.hasFirstFill {
		f.hasFirstFill = true
		f.firstFillAt = m.now()
	}
	f.notional = f.notional.Add(fillPrice.Mul(fillAmount))
	f.filledAmount = f.filledAmount.Add(fillAmount)
}

// CompleteTracking finalizes an order's metrics, classifies its
// quality, stores it in the rolling window and runs anomaly detection.
// Returns false if clientID was never tracked.
func (m *Monitor) CompleteTracking(clientID string) (Record, bool) {
	m.mu.Lock()
	f, ok := m.active[clientID]
	if ok {
		delete(m.active, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return Record{}, false
	}

	now := m.now()
	avgFillPrice := decimal.Zero
	if f.filledAmount.IsPositive() {
		avgFillPrice = f.notional.Div(f.filledAmount)
	}
	fillRate := decimal.Zero
	if f.requestedAmount.IsPositive() {
		fillRate = f.filledAmount.Div(f.requestedAmount)
	}
	slippage := slippageFor(f.side, f.requestedPrice, avgFillPrice)
	execTime := now.Sub(f.startedAt)
	var ttff time.Duration
	if f.hasFirstFill {
		ttff = f.firstFillAt.Sub(f.startedAt)
	}

	quality := classifyQuality(slippage.Abs(), execTime, fillRate, m.cfg)

	rec := Record{
		ClientID:        f.clientID,
		Symbol:          f.symbol,
		Side:            f.side,
		RequestedPrice:  f.requestedPrice,
		AvgFillPrice:    avgFillPrice,
		RequestedAmount: f.requestedAmount,
		FilledAmount:    f.filledAmount,
		Slippage:        slippage,
		ExecutionTime:   execTime,
		TimeToFirstFill: ttff,
		FillRate:        fillRate,
		Quality:         quality,
		CompletedAt:     now,
	}

	m.mu.Lock()
	m.records = append(m.records, rec)
	if len(m.records) > m.cfg.StatisticsWindowSize {
		m.records = m.records[len(m.records)-m.cfg.StatisticsWindowSize:]
	}
	recent := m.records
	m.mu.Unlock()

	m.detectAnomaly(rec, recent)

	return rec, true
}

// slippageFor applies the buy/sell sign law: positive is always
// adverse (filled worse than requested), regardless of side. The
// result is a fraction of the requested price (0.001 == 0.1%), matching
// the units config.EQMConfig's thresholds are expressed in.
func slippageFor(side Side, requested, filled decimal.Decimal) decimal.Decimal {
	if requested.IsZero() || filled.IsZero() {
		return decimal.Zero
	}
	var delta decimal.Decimal
	if side == SideBuy {
		delta = filled.Sub(requested)
	} else {
		delta = requested.Sub(filled)
	}
	return delta.Div(requested)
}

// classifyQuality buckets an order per the ladder: Critical on breach of
// any anomaly threshold or a fill rate below the critical floor; Poor on
// breach of a critical threshold; Average on breach of a warning
// threshold; Excellent when slippage and execution time are both well
// inside the warning band and fill rate is comfortably high; Good
// otherwise.
func classifyQuality(slippageAbs decimal.Decimal, execTime time.Duration, fillRate decimal.Decimal, cfg config.EQMConfig) Quality {
	switch {
	case slippageAbs.GreaterThanOrEqual(cfg.SlippageAnomalyThreshold), execTime >= cfg.ExecutionTimeAnomaly, fillRate.LessThan(cfg.FillRateCritical):
		return QualityCritical
	case slippageAbs.GreaterThanOrEqual(cfg.SlippageCriticalThreshold), execTime >= cfg.ExecutionTimeCritical:
		return QualityPoor
	case slippageAbs.GreaterThanOrEqual(cfg.SlippageWarningThreshold), execTime >= cfg.ExecutionTimeWarning, fillRate.LessThan(cfg.FillRateWarning):
		return QualityAverage
	case slippageAbs.LessThan(cfg.SlippageWarningThreshold.Div(decimal.NewFromInt(2))) &&
		execTime < cfg.ExecutionTimeWarning/2 &&
		fillRate.GreaterThan(decimal.NewFromFloat(0.95)):
		return QualityExcellent
	default:
		return QualityGood
	}
}

// detectAnomaly fires quality.anomaly when the latest record breaches
// a fixed threshold, or when cfg.EnableAnomalyDetection is set and the
// reading deviates from the last 100 records by more than
// cfg.AnomalySensitivity standard deviations (requires at least 30
// records to have a meaningful baseline).
func (m *Monitor) detectAnomaly(rec Record, all []Record) {
	if rec.Slippage.Abs().GreaterThanOrEqual(m.cfg.SlippageAnomalyThreshold) {
		m.publishAnomaly(Anomaly{
			ClientID: rec.ClientID, Symbol: rec.Symbol, Metric: "slippage",
			Value: rec.Slippage, Reason: "slippage breached fixed anomaly threshold",
			DetectedAt: rec.CompletedAt,
		})
		return
	}
	if rec.ExecutionTime >= m.cfg.ExecutionTimeAnomaly {
		m.publishAnomaly(Anomaly{
			ClientID: rec.ClientID, Symbol: rec.Symbol, Metric: "execution_time",
			Value: decimal.NewFromInt(int64(rec.ExecutionTime / time.Millisecond)),
			Reason: "execution time breached fixed anomaly threshold", DetectedAt: rec.CompletedAt,
		})
		return
	}

	if !m.cfg.EnableAnomalyDetection || len(all) < 30 {
		return
	}
	window := all
	if len(window) > 100 {
		window = window[len(window)-100:]
	}
	mean, stddev := slippageMeanStdDev(window)
	if stddev == 0 {
		return
	}
	z := (toFloat(rec.Slippage) - mean) / stddev
	if math.Abs(z) > m.cfg.AnomalySensitivity {
		m.publishAnomaly(Anomaly{
			ClientID: rec.ClientID, Symbol: rec.Symbol, Metric: "slippage",
			Value: rec.Slippage, ZScore: decimal.NewFromFloat(z),
			Reason: "slippage deviates from recent history", DetectedAt: rec.CompletedAt,
		})
	}
}

func (m *Monitor) publishAnomaly(a Anomaly) {
	m.bus.Publish(events.TopicQualityAnomaly, a)
	log.Warn().Str("client_id", a.ClientID).Str("metric", a.Metric).Str("value", a.Value.String()).
		Msg("🚨 execution quality anomaly detected")
}

func slippageMeanStdDev(records []Record) (mean, stddev float64) {
	if len(records) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, r := range records {
		sum += toFloat(r.Slippage)
	}
	mean = sum / float64(len(records))
	var variance float64
	for _, r := range records {
		d := toFloat(r.Slippage) - mean
		variance += d * d
	}
	variance /= float64(len(records))
	return mean, math.Sqrt(variance)
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// WindowStatsFor aggregates all records completed within the last
// window duration (relative to now). window<=0 aggregates the entire
// retained history (lifetime).
func (m *Monitor) WindowStatsFor(window time.Duration) WindowStats {
	m.mu.Lock()
	all := make([]Record, len(m.records))
	copy(all, m.records)
	m.mu.Unlock()

	now := m.now()
	var subset []Record
	if window <= 0 {
		subset = all
	} else {
		cutoff := now.Add(-window)
		for _, r := range all {
			if r.CompletedAt.After(cutoff) {
				subset = append(subset, r)
			}
		}
	}
	return aggregate(subset)
}

func aggregate(records []Record) WindowStats {
	if len(records) == 0 {
		return WindowStats{}
	}
	slippages := make([]float64, len(records))
	var sumSlippage, sumExecMs, sumFillRate decimal.Decimal
	for i, r := range records {
		slippages[i] = toFloat(r.Slippage)
		sumSlippage = sumSlippage.Add(r.Slippage)
		sumExecMs = sumExecMs.Add(decimal.NewFromInt(int64(r.ExecutionTime / time.Millisecond)))
		sumFillRate = sumFillRate.Add(r.FillRate)
	}
	n := decimal.NewFromInt(int64(len(records)))
	avgSlippage := sumSlippage.Div(n)
	avgExecMs := sumExecMs.Div(n)
	avgFillRate := sumFillRate.Div(n)

	_, stddev := slippageMeanStdDev(records)

	sort.Float64s(slippages)
	return WindowStats{
		Count:       len(records),
		AvgSlippage: avgSlippage,
		SlippagePercentiles: Percentiles{
			P5:  decimal.NewFromFloat(percentile(slippages, 0.05)),
			P50: decimal.NewFromFloat(percentile(slippages, 0.50)),
			P95: decimal.NewFromFloat(percentile(slippages, 0.95)),
			P99: decimal.NewFromFloat(percentile(slippages, 0.99)),
		},
		StdDevSlippage:   decimal.NewFromFloat(stddev),
		AvgExecutionTime: time.Duration(avgExecMs.IntPart()) * time.Millisecond,
		AvgFillRate:      avgFillRate,
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
