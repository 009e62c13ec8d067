package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/orderflow/internal/adapter"
	"github.com/web3guy0/orderflow/internal/config"
	"github.com/web3guy0/orderflow/internal/events"
)

type fakeAdapter struct {
	id        string
	orders    []adapter.OpenOrder
	positions []adapter.Position
	balances  []adapter.Balance
	timeErr   error
}

func (f *fakeAdapter) ID() string                     { return f.id }
func (f *fakeAdapter) Capabilities() adapter.Capabilities { return adapter.Capabilities{} }
func (f *fakeAdapter) CreateOrder(ctx context.Context, p adapter.CreateOrderParams) (adapter.OrderAck, error) {
	return adapter.OrderAck{}, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, remoteID, symbol string) error { return nil }
func (f *fakeAdapter) FetchOrder(ctx context.Context, remoteID, symbol string) (adapter.OrderStatus, error) {
	return adapter.OrderStatus{}, nil
}
func (f *fakeAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]adapter.OpenOrder, error) {
	return f.orders, nil
}
func (f *fakeAdapter) FetchPositions(ctx context.Context) ([]adapter.Position, error) {
	return f.positions, nil
}
func (f *fakeAdapter) FetchBalance(ctx context.Context) ([]adapter.Balance, error) { return f.balances, nil }
func (f *fakeAdapter) FetchTicker(ctx context.Context, symbol string) (adapter.Ticker, error) {
	return adapter.Ticker{}, nil
}
func (f *fakeAdapter) FetchTime(ctx context.Context) (time.Time, error) {
	if f.timeErr != nil {
		return time.Time{}, f.timeErr
	}
	return time.Now(), nil
}
func (f *fakeAdapter) FetchMyTrades(ctx context.Context, symbol string) ([]adapter.Trade, error) {
	return nil, nil
}

type singlePrimary struct {
	id string
	a  adapter.Adapter
}

func (s *singlePrimary) Primary() (string, adapter.Adapter, bool) { return s.id, s.a, true }

func testCfg() config.SRConfig {
	return config.SRConfig{
		SyncCheckInterval:     time.Hour,
		ForceFullSyncInterval: time.Hour,
		SyncTimeout:           time.Second,
		PositionSizeTolerance: decimal.NewFromFloat(0.0001),
		BalanceTolerance:      decimal.NewFromFloat(0.01),
		HeartbeatInterval:     time.Hour,
		HeartbeatTimeout:      time.Second,
		PartitionThreshold:    3,
		EnableAutoRepair:      true,
		ConfirmBeforeRepair:   false,
		MaxRepairAttempts:     3,
		HistoryLength:         50,
	}
}

// S4: a position size diverges beyond tolerance; the reconciler detects
// it, auto-repairs by trusting remote, and the inconsistency clears on
// the next diff pass.
func TestS4_PositionSizeDiffAutoRepaired(t *testing.T) {
	bus := events.NewBus()
	a := &fakeAdapter{id: "X", positions: []adapter.Position{
		{Symbol: "BTC-USD", Side: "buy", Size: decimal.NewFromFloat(1.5), EntryPrice: decimal.NewFromInt(50000)},
	}}
	r := New(testCfg(), &singlePrimary{id: "X", a: a}, bus)
	r.UpdateLocalPosition(PositionView{Symbol: "BTC-USD", Side: "buy", Size: decimal.NewFromFloat(1.0)})

	incCh := bus.Subscribe(events.TopicReconcileInconsistency)
	repairedCh := bus.Subscribe(events.TopicReconcileRepaired)

	r.runFullSync(context.Background())

	require.Len(t, incCh, 1)
	inc := (<-incCh).Payload.(Inconsistency)
	assert.Equal(t, KindPositionSizeDiff, inc.Kind)
	assert.Equal(t, SeverityCritical, inc.Severity)

	require.Len(t, repairedCh, 1)
	result := (<-repairedCh).Payload.(RepairResult)
	assert.True(t, result.Success)
	assert.Equal(t, ActionSyncPosition, result.Action)

	r.mu.RLock()
	local := r.localPositions["BTC-USD"]
	r.mu.RUnlock()
	assert.True(t, local.Size.Equal(decimal.NewFromFloat(1.5)))
}

// Property 7: once repaired, re-running the diff over the same
// (now-matching) views yields no inconsistency of that kind for that key.
func TestProperty7_RepairRoundTripIsStable(t *testing.T) {
	bus := events.NewBus()
	a := &fakeAdapter{id: "X", positions: []adapter.Position{
		{Symbol: "ETH-USD", Side: "sell", Size: decimal.NewFromFloat(2.0)},
	}}
	r := New(testCfg(), &singlePrimary{id: "X", a: a}, bus)
	r.UpdateLocalPosition(PositionView{Symbol: "ETH-USD", Side: "sell", Size: decimal.NewFromFloat(2.5)})

	r.runFullSync(context.Background())

	incCh := bus.Subscribe(events.TopicReconcileInconsistency)
	r.diffPositions()
	assert.Len(t, incCh, 0, "repaired position must not re-trigger the same inconsistency")
}

func TestHeartbeat_ClassifiesPartitionAfterThreshold(t *testing.T) {
	bus := events.NewBus()
	a := &fakeAdapter{id: "X", timeErr: assertErr("probe down")}
	r := New(testCfg(), &singlePrimary{id: "X", a: a}, bus)

	partitionCh := bus.Subscribe(events.TopicReconcilePartition)

	for i := 0; i < 3; i++ {
		r.runHeartbeat()
	}
	assert.Equal(t, PartitionPartitioned, r.PartitionState())
	require.Len(t, partitionCh, 2) // Connected->Partial, Partial->Partitioned
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
