package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/orderflow/internal/adapter"
	"github.com/web3guy0/orderflow/internal/config"
	"github.com/web3guy0/orderflow/internal/events"
)

// EndpointResolver is the minimal dependency the reconciler needs from
// the failover controller: the currently elected primary. Defined here
// (not imported from efc) so neither package depends on the other;
// *efc.Controller satisfies it by having a matching method.
type EndpointResolver interface {
	Primary() (endpointID string, a adapter.Adapter, ok bool)
}

// Reconciler runs the quick-sync, full-sync and heartbeat loops and
// performs bounded repair of detected inconsistencies.
type Reconciler struct {
	cfg       config.SRConfig
	endpoints EndpointResolver
	bus       *events.Bus

	mu              sync.RWMutex
	localOrders     map[string]OrderView
	localPositions  map[string]PositionView
	localBalances   map[string]BalanceView
	remoteOrders    map[string]OrderView
	remotePositions map[string]PositionView
	remoteBalances  map[string]BalanceView

	lastQuickSyncAt time.Time
	lastFullSyncAt  time.Time

	partitionMu          sync.RWMutex
	consecutiveHBFailure int
	partitionState       PartitionState

	repairMu      sync.Mutex
	repairHistory []RepairResult
	repairAttempt map[string]int

	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Reconciler. Callers populate the local view either
// through UpdateLocalOrder/UpdateLocalPosition/UpdateLocalBalance (e.g.
// driven by subscribing to the SOE's order events) or by leaving it
// empty, in which case every remote record is initially reported as
// Extra until the first sync populates a matching local entry.
func New(cfg config.SRConfig, endpoints EndpointResolver, bus *events.Bus) *Reconciler {
	return &Reconciler{
		cfg:             cfg,
		endpoints:       endpoints,
		bus:             bus,
		localOrders:     make(map[string]OrderView),
		localPositions:  make(map[string]PositionView),
		localBalances:   make(map[string]BalanceView),
		remoteOrders:    make(map[string]OrderView),
		remotePositions: make(map[string]PositionView),
		remoteBalances:  make(map[string]BalanceView),
		repairAttempt:   make(map[string]int),
		partitionState:  PartitionConnected,
		now:             time.Now,
	}
}

// UpdateLocalOrder records what the SOE believes about one order.
func (r *Reconciler) UpdateLocalOrder(v OrderView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v.UpdatedAt = r.now()
	r.localOrders[v.RemoteID] = v
}

// RemoveLocalOrder drops an order from the local view once SOE
// considers it terminal and fully settled.
func (r *Reconciler) RemoveLocalOrder(remoteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.localOrders, remoteID)
}

// UpdateLocalPosition records what is locally believed about a symbol's
// position.
func (r *Reconciler) UpdateLocalPosition(v PositionView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v.UpdatedAt = r.now()
	r.localPositions[v.Symbol] = v
}

// UpdateLocalBalance records what is locally believed about a
// currency's balance.
func (r *Reconciler) UpdateLocalBalance(v BalanceView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v.UpdatedAt = r.now()
	r.localBalances[v.Currency] = v
}

// Start launches the quick-sync, full-sync and heartbeat loops.
func (r *Reconciler) Start() {
	r.stopCh = make(chan struct{})
	r.runFullSync(context.Background())
	r.wg.Add(3)
	go r.quickSyncLoop()
	go r.fullSyncLoop()
	go r.heartbeatLoop()
}

// Stop halts all background loops.
func (r *Reconciler) Stop() {
	if r.stopCh != nil {
		close(r.stopCh)
	}
	r.wg.Wait()
}

func (r *Reconciler) quickSyncLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.cfg.SyncCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SyncTimeout)
			r.runQuickSync(ctx)
			cancel()
		}
	}
}

func (r *Reconciler) fullSyncLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.cfg.ForceFullSyncInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SyncTimeout)
			r.runFullSync(ctx)
			cancel()
		}
	}
}

func (r *Reconciler) heartbeatLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.runHeartbeat()
		}
	}
}

// runQuickSync refetches open orders only and diffs them (spec §4.6).
// Suppressed while partitioned: heartbeat keeps probing, but quick sync
// would just spend the sync budget on calls already known to fail.
func (r *Reconciler) runQuickSync(ctx context.Context) {
	if r.PartitionState() == PartitionPartitioned {
		return
	}
	id, a, ok := r.endpoints.Primary()
	if !ok {
		return
	}
	orders, err := a.FetchOpenOrders(ctx, "")
	if err != nil {
		log.Warn().Str("endpoint", id).Err(err).Msg("quick sync: fetch open orders failed")
		return
	}

	r.mu.Lock()
	remote := make(map[string]OrderView, len(orders))
	for _, o := range orders {
		remote[o.RemoteID] = OrderView{
			RemoteID:  o.RemoteID,
			Symbol:    o.Symbol,
			Side:      string(o.Side),
			Price:     o.Price,
			Amount:    o.Amount,
			Filled:    o.Filled,
			Remaining: o.Amount.Sub(o.Filled),
			Status:    o.Status,
		}
	}
	r.remoteOrders = remote
	r.lastQuickSyncAt = r.now()
	r.mu.Unlock()

	r.diffOrders()
}

// runFullSync refetches open orders, positions and balances
// concurrently and diffs all three (spec §4.6).
func (r *Reconciler) runFullSync(ctx context.Context) {
	id, a, ok := r.endpoints.Primary()
	if !ok {
		return
	}

	var orders []adapter.OpenOrder
	var positions []adapter.Position
	var balances []adapter.Balance

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o, err := a.FetchOpenOrders(gctx, "")
		if err != nil {
			return err
		}
		orders = o
		return nil
	})
	g.Go(func() error {
		p, err := a.FetchPositions(gctx)
		if err != nil {
			return err
		}
		positions = p
		return nil
	})
	g.Go(func() error {
		b, err := a.FetchBalance(gctx)
		if err != nil {
			return err
		}
		balances = b
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn().Str("endpoint", id).Err(err).Msg("full sync: fetch failed")
		return
	}

	r.mu.Lock()
	remoteOrders := make(map[string]OrderView, len(orders))
	for _, o := range orders {
		remoteOrders[o.RemoteID] = OrderView{
			RemoteID:  o.RemoteID,
			Symbol:    o.Symbol,
			Side:      string(o.Side),
			Price:     o.Price,
			Amount:    o.Amount,
			Filled:    o.Filled,
			Remaining: o.Amount.Sub(o.Filled),
			Status:    o.Status,
		}
	}
	remotePositions := make(map[string]PositionView, len(positions))
	for _, p := range positions {
		remotePositions[p.Symbol] = PositionView{
			Symbol:        p.Symbol,
			Side:          string(p.Side),
			Size:          p.Size,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnl: p.UnrealizedPnl,
		}
	}
	remoteBalances := make(map[string]BalanceView, len(balances))
	for _, b := range balances {
		remoteBalances[b.Currency] = BalanceView{
			Currency: b.Currency,
			Total:    b.Total,
			Free:     b.Free,
			Used:     b.Used,
		}
	}
	r.remoteOrders = remoteOrders
	r.remotePositions = remotePositions
	r.remoteBalances = remoteBalances
	r.lastFullSyncAt = r.now()
	r.mu.Unlock()

	r.diffOrders()
	r.diffPositions()
	r.diffBalances()
}

// runHeartbeat fetches server time and classifies the partition state
// from consecutive failure count (spec §4.6).
func (r *Reconciler) runHeartbeat() {
	_, a, ok := r.endpoints.Primary()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HeartbeatTimeout)
	defer cancel()

	_, err := a.FetchTime(ctx)

	r.partitionMu.Lock()
	prev := r.partitionState
	if err != nil {
		r.consecutiveHBFailure++
		switch {
		case r.consecutiveHBFailure >= r.cfg.PartitionThreshold:
			r.partitionState = PartitionPartitioned
		default:
			r.partitionState = PartitionPartial
		}
	} else {
		r.consecutiveHBFailure = 0
		if prev == PartitionPartitioned {
			r.partitionState = PartitionReconnecting
		} else {
			r.partitionState = PartitionConnected
		}
	}
	next := r.partitionState
	r.partitionMu.Unlock()

	if next != prev {
		r.bus.Publish(events.TopicReconcilePartition, next)
		log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("🔌 partition state changed")
	}
}

// PartitionState reports the current connectivity classification.
func (r *Reconciler) PartitionState() PartitionState {
	r.partitionMu.RLock()
	defer r.partitionMu.RUnlock()
	return r.partitionState
}

func (r *Reconciler) diffOrders() {
	r.mu.RLock()
	local := r.localOrders
	remote := r.remoteOrders
	r.mu.RUnlock()

	now := r.now()
	for id, l := range local {
		rv, ok := remote[id]
		if !ok {
			r.handle(Inconsistency{Kind: KindOrderMissing, Key: id, Severity: SeverityHigh,
				Detail: "locally tracked order absent from remote open orders", DetectedAt: now}, l, OrderView{})
			continue
		}
		fillBand := maxAbs(l.Amount, rv.Amount).Mul(r.cfg.PositionSizeTolerance)
		if l.Status != rv.Status || l.Filled.Sub(rv.Filled).Abs().GreaterThan(fillBand) {
			r.handle(Inconsistency{Kind: KindOrderStatusDiff, Key: id, Severity: SeverityMedium,
				Detail: "local/remote order status or fill amount diverge", DetectedAt: now}, l, rv)
		}
	}
	for id, rv := range remote {
		if _, ok := local[id]; !ok {
			r.handle(Inconsistency{Kind: KindOrderExtra, Key: id, Severity: SeverityMedium,
				Detail: "remote open order not tracked locally", DetectedAt: now}, OrderView{}, rv)
		}
	}
}

func (r *Reconciler) diffPositions() {
	r.mu.RLock()
	local := r.localPositions
	remote := r.remotePositions
	r.mu.RUnlock()

	now := r.now()
	for sym, l := range local {
		rv, ok := remote[sym]
		if !ok {
			r.handle(Inconsistency{Kind: KindPositionMissing, Key: sym, Severity: SeverityCritical,
				Detail: "locally tracked position absent from remote", DetectedAt: now}, l, PositionView{})
			continue
		}
		band := maxAbs(l.Size, rv.Size).Mul(r.cfg.PositionSizeTolerance)
		if l.Size.Sub(rv.Size).Abs().GreaterThan(band) {
			r.handle(Inconsistency{Kind: KindPositionSizeDiff, Key: sym, Severity: SeverityCritical,
				Detail: "local/remote position size diverge beyond tolerance", DetectedAt: now}, l, rv)
		}
	}
	for sym, rv := range remote {
		if _, ok := local[sym]; !ok {
			r.handle(Inconsistency{Kind: KindPositionExtra, Key: sym, Severity: SeverityCritical,
				Detail: "remote position not tracked locally", DetectedAt: now}, PositionView{}, rv)
		}
	}
}

func (r *Reconciler) diffBalances() {
	r.mu.RLock()
	local := r.localBalances
	remote := r.remoteBalances
	r.mu.RUnlock()

	now := r.now()
	for cur, rv := range remote {
		l, ok := local[cur]
		if !ok {
			continue
		}
		band := maxAbs(l.Total, rv.Total).Mul(r.cfg.BalanceTolerance)
		if l.Total.Sub(rv.Total).Abs().GreaterThan(band) {
			r.handle(Inconsistency{Kind: KindBalanceMismatch, Key: cur, Severity: SeverityMedium,
				Detail: "local/remote balance diverge beyond tolerance", DetectedAt: now}, BalanceView{}, rv)
		}
	}
}

// handle publishes the inconsistency and, if auto-repair allows it,
// repairs immediately; otherwise it requires confirmation except when
// ConfirmBeforeRepair is false.
func (r *Reconciler) handle(inc Inconsistency, local, remote any) {
	r.bus.Publish(events.TopicReconcileInconsistency, inc)
	log.Warn().Str("kind", string(inc.Kind)).Str("key", inc.Key).Str("severity", string(inc.Severity)).
		Msg("⚠️ state inconsistency detected")

	if !r.cfg.EnableAutoRepair {
		return
	}
	if inc.Severity == SeverityCritical && r.cfg.ConfirmBeforeRepair {
		r.bus.Publish(events.TopicReconcileRepairRequired, inc)
		return
	}
	r.repair(inc, local, remote)
}

func (r *Reconciler) repair(inc Inconsistency, local, remote any) {
	r.repairMu.Lock()
	attempts := r.repairAttempt[inc.Key]
	if attempts >= r.cfg.MaxRepairAttempts {
		r.repairMu.Unlock()
		log.Error().Str("key", inc.Key).Msg("🛑 repair attempts exhausted, giving up")
		return
	}
	r.repairAttempt[inc.Key] = attempts + 1
	r.repairMu.Unlock()

	action, err := r.applyRepair(inc, local, remote)

	result := RepairResult{Inconsistency: inc, Action: action, Success: err == nil, At: r.now()}
	if err != nil {
		result.Error = err.Error()
	}

	r.repairMu.Lock()
	r.repairHistory = append(r.repairHistory, result)
	if len(r.repairHistory) > r.cfg.HistoryLength {
		r.repairHistory = r.repairHistory[len(r.repairHistory)-r.cfg.HistoryLength:]
	}
	r.repairMu.Unlock()

	if err == nil {
		r.repairMu.Lock()
		delete(r.repairAttempt, inc.Key)
		r.repairMu.Unlock()
		r.bus.Publish(events.TopicReconcileRepaired, result)
	}
}

// applyRepair overwrites the local view from remote (remote is always
// authoritative per spec §4.6) and returns the action taken.
func (r *Reconciler) applyRepair(inc Inconsistency, _ any, remote any) (RepairAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch inc.Kind {
	case KindOrderMissing:
		delete(r.localOrders, inc.Key)
		return ActionSyncOrder, nil
	case KindOrderExtra, KindOrderStatusDiff:
		if rv, ok := remote.(OrderView); ok {
			r.localOrders[inc.Key] = rv
		}
		return ActionSyncOrder, nil
	case KindPositionMissing:
		delete(r.localPositions, inc.Key)
		return ActionSyncPosition, nil
	case KindPositionExtra, KindPositionSizeDiff:
		if rv, ok := remote.(PositionView); ok {
			r.localPositions[inc.Key] = rv
		}
		return ActionSyncPosition, nil
	case KindBalanceMismatch:
		if rv, ok := remote.(BalanceView); ok {
			r.localBalances[inc.Key] = rv
		}
		return ActionSyncBalance, nil
	default:
		return ActionNoAction, nil
	}
}

// maxAbs returns the larger magnitude of a and b, used to turn a
// fractional tolerance into an absolute comparison band (spec §4.6:
// max(|local|,|remote|)·tolerance).
func maxAbs(a, b decimal.Decimal) decimal.Decimal {
	aa, ba := a.Abs(), b.Abs()
	if aa.GreaterThan(ba) {
		return aa
	}
	return ba
}

// RepairHistory returns a bounded snapshot of recent repair outcomes.
func (r *Reconciler) RepairHistory() []RepairResult {
	r.repairMu.Lock()
	defer r.repairMu.Unlock()
	out := make([]RepairResult, len(r.repairHistory))
	copy(out, r.repairHistory)
	return out
}
