package soe

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/orderflow/internal/accountqueue"
	"github.com/web3guy0/orderflow/internal/adapter"
	"github.com/web3guy0/orderflow/internal/config"
	"github.com/web3guy0/orderflow/internal/events"
	"github.com/web3guy0/orderflow/internal/nonce"
	"github.com/web3guy0/orderflow/internal/ratelimit"
)

// fakeAdapter is a scriptable adapter.Adapter double: each method pops
// the next queued response, so a test can script an exact sequence of
// adapter behaviors (e.g. "429 three times then succeed").
type fakeAdapter struct {
	mu sync.Mutex

	id string

	createResponses []func(adapter.CreateOrderParams) (adapter.OrderAck, error)
	createCalls     int

	fetchOrderResponses []func() (adapter.OrderStatus, error)
	fetchOrderCalls     int

	cancelErr error
	ticker    adapter.Ticker
	tickerErr error
}

func (f *fakeAdapter) ID() string { return f.id }
func (f *fakeAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{CreateOrder: true, CancelOrder: true, FetchOrder: true, FetchTicker: true}
}

func (f *fakeAdapter) CreateOrder(ctx context.Context, params adapter.CreateOrderParams) (adapter.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createCalls >= len(f.createResponses) {
		return adapter.OrderAck{}, fmt.Errorf("fakeAdapter: no more scripted createOrder responses")
	}
	fn := f.createResponses[f.createCalls]
	f.createCalls++
	return fn(params)
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, remoteID, symbol string) error {
	return f.cancelErr
}

func (f *fakeAdapter) FetchOrder(ctx context.Context, remoteID, symbol string) (adapter.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchOrderCalls >= len(f.fetchOrderResponses) {
		return adapter.OrderStatus{}, fmt.Errorf("fakeAdapter: no more scripted fetchOrder responses")
	}
	fn := f.fetchOrderResponses[f.fetchOrderCalls]
	f.fetchOrderCalls++
	return fn()
}

func (f *fakeAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]adapter.OpenOrder, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchPositions(ctx context.Context) ([]adapter.Position, error) { return nil, nil }
func (f *fakeAdapter) FetchBalance(ctx context.Context) ([]adapter.Balance, error)    { return nil, nil }
func (f *fakeAdapter) FetchTicker(ctx context.Context, symbol string) (adapter.Ticker, error) {
	return f.ticker, f.tickerErr
}
func (f *fakeAdapter) FetchTime(ctx context.Context) (time.Time, error) { return time.Now(), nil }
func (f *fakeAdapter) FetchMyTrades(ctx context.Context, symbol string) ([]adapter.Trade, error) {
	return nil, nil
}

// singleEndpointResolver always resolves to one fixed adapter, enough
// for SOE tests that don't exercise cross-endpoint fallback.
type singleEndpointResolver struct {
	id string
	a  adapter.Adapter
}

func (r *singleEndpointResolver) Primary() (string, adapter.Adapter, bool) { return r.id, r.a, true }
func (r *singleEndpointResolver) Resolve(id string) (adapter.Adapter, bool) {
	if id == r.id || id == "" {
		return r.a, true
	}
	return nil, false
}
func (r *singleEndpointResolver) NextHealthy(excluding map[string]bool) (string, adapter.Adapter, bool) {
	if excluding[r.id] {
		return "", nil, false
	}
	return r.id, r.a, true
}

// multiEndpointResolver hosts more than one adapter so a test can
// exercise cross-endpoint fallback via NextHealthy.
type multiEndpointResolver struct {
	primaryID string
	endpoints map[string]adapter.Adapter
	order     []string // priority order, primaryID first
}

func (r *multiEndpointResolver) Primary() (string, adapter.Adapter, bool) {
	return r.primaryID, r.endpoints[r.primaryID], true
}
func (r *multiEndpointResolver) Resolve(id string) (adapter.Adapter, bool) {
	a, ok := r.endpoints[id]
	return a, ok
}
func (r *multiEndpointResolver) NextHealthy(excluding map[string]bool) (string, adapter.Adapter, bool) {
	for _, id := range r.order {
		if excluding[id] {
			continue
		}
		return id, r.endpoints[id], true
	}
	return "", nil, false
}

func newTestExecutor(t *testing.T, a adapter.Adapter, cfg config.SOEConfig) (*Executor, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	accounts := accountqueue.NewManager(accountqueue.Config{MaxConcurrentGlobal: 20, QueueTimeout: 5 * time.Second})
	limiter := ratelimit.New(ratelimit.Config{InitialWait: 50 * time.Millisecond, MaxWait: time.Second, BackoffMultiplier: 2, MaxRaises: 5})
	nonces := nonce.New()
	resolver := &singleEndpointResolver{id: "primary", a: a}

	if cfg.MaxResubmitAttempts == 0 {
		cfg.MaxResubmitAttempts = 3
	}
	if cfg.CompletionWaitCeiling == 0 {
		cfg.CompletionWaitCeiling = 5 * time.Second
	}

	ex := New(cfg, config.NonceConfig{RetryDelay: 10 * time.Millisecond}, accounts, limiter, nonces, resolver, bus)
	return ex, bus
}

func TestSubmit_S1_RepriceOnStall(t *testing.T) {
	a := &fakeAdapter{
		id: "primary",
		createResponses: []func(adapter.CreateOrderParams) (adapter.OrderAck, error){
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				return adapter.OrderAck{RemoteID: "o1", Status: "open"}, nil
			},
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				return adapter.OrderAck{RemoteID: "o2", Status: "closed", Filled: decimal.NewFromFloat(0.1), Average: decimal.NewFromInt(50100)}, nil
			},
		},
		fetchOrderResponses: []func() (adapter.OrderStatus, error){
			func() (adapter.OrderStatus, error) {
				return adapter.OrderStatus{Status: "open", Filled: decimal.Zero}, nil
			},
		},
		ticker: adapter.Ticker{Bid: decimal.NewFromInt(49900), Ask: decimal.NewFromInt(50100)},
	}

	ex, bus := newTestExecutor(t, a, config.SOEConfig{
		UnfillTimeout:       20 * time.Millisecond,
		MaxResubmitAttempts: 3,
	})

	submitted := bus.Subscribe(EventOrderSubmitted)
	resubmitted := bus.Subscribe(EventOrderResubmitted)
	filled := bus.Subscribe(EventOrderFilled)

	result, err := ex.Submit(context.Background(), SubmitRequest{
		AccountID: "acct-1", Symbol: "BTC/USDT", Side: SideBuy, Type: OrderTypeLimit,
		Amount: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StateFilled, result.Order.State)
	assert.True(t, result.Order.AvgFillPrice.Equal(decimal.NewFromInt(50100)))
	assert.Equal(t, 1, result.Order.ResubmitCount)

	assert.Len(t, submitted, 2)
	assert.Len(t, resubmitted, 1)
	assert.Len(t, filled, 1)
}

func TestSubmit_S2_RateLimitBackoff(t *testing.T) {
	attempts := 0
	a := &fakeAdapter{
		id: "primary",
		createResponses: []func(adapter.CreateOrderParams) (adapter.OrderAck, error){
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				attempts++
				return adapter.OrderAck{}, fmt.Errorf("429 too many requests")
			},
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				attempts++
				return adapter.OrderAck{}, fmt.Errorf("429 too many requests")
			},
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				attempts++
				return adapter.OrderAck{}, fmt.Errorf("429 too many requests")
			},
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				attempts++
				return adapter.OrderAck{RemoteID: "o1", Status: "closed", Filled: decimal.NewFromFloat(0.1), Average: decimal.NewFromInt(100)}, nil
			},
		},
	}

	ex, bus := newTestExecutor(t, a, config.SOEConfig{
		UnfillTimeout:       20 * time.Millisecond,
		MaxResubmitAttempts: 5,
	})
	filled := bus.Subscribe(EventOrderFilled)

	start := time.Now()
	result, err := ex.Submit(context.Background(), SubmitRequest{
		AccountID: "acct-1", Symbol: "ETH/USDT", Side: SideBuy, Type: OrderTypeMarket,
		Amount: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(100),
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4, attempts)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond) // at least the first backoff window
	assert.Equal(t, int64(3), ex.Stats().RateLimitHits)
	assert.Len(t, filled, 1)
}

func TestSubmit_S5_DryRun(t *testing.T) {
	a := &fakeAdapter{id: "primary"} // scripted with zero responses: any call would fail the test

	ex, bus := newTestExecutor(t, a, config.SOEConfig{
		DryRun:          true,
		DryRunFillDelay: 10 * time.Millisecond,
		DryRunSlippage:  decimal.NewFromFloat(0.0001),
	})
	filled := bus.Subscribe(EventOrderFilled)

	result, err := ex.Submit(context.Background(), SubmitRequest{
		AccountID: "acct-1", Symbol: "BTC/USDT", Side: SideSell, Type: OrderTypeMarket,
		Amount: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StateFilled, result.Order.State)
	assert.True(t, result.Order.AvgFillPrice.Equal(decimal.NewFromInt(50000).Mul(decimal.NewFromFloat(0.9999))))
	assert.Contains(t, result.Order.RemoteID, "dryrun_")
	assert.Equal(t, 0, a.createCalls)
	assert.Len(t, filled, 1)
}

// TestSubmit_CrossEndpointFallback: primary exhausts its resubmit
// budget on repeated network errors; the executor fails over to the
// next healthy endpoint with a reset counter and completes there.
func TestSubmit_CrossEndpointFallback(t *testing.T) {
	primary := &fakeAdapter{
		id: "primary",
		createResponses: []func(adapter.CreateOrderParams) (adapter.OrderAck, error){
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				return adapter.OrderAck{}, fmt.Errorf("connection reset by peer")
			},
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				return adapter.OrderAck{}, fmt.Errorf("connection reset by peer")
			},
		},
	}
	secondary := &fakeAdapter{
		id: "secondary",
		createResponses: []func(adapter.CreateOrderParams) (adapter.OrderAck, error){
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				return adapter.OrderAck{RemoteID: "o1", Status: "closed", Filled: p.Amount, Average: p.Price}, nil
			},
		},
	}

	bus := events.NewBus()
	accounts := accountqueue.NewManager(accountqueue.Config{MaxConcurrentGlobal: 20, QueueTimeout: 5 * time.Second})
	limiter := ratelimit.New(ratelimit.Config{InitialWait: 10 * time.Millisecond, MaxWait: time.Second, BackoffMultiplier: 2, MaxRaises: 5})
	nonces := nonce.New()
	resolver := &multiEndpointResolver{
		primaryID: "primary",
		endpoints: map[string]adapter.Adapter{"primary": primary, "secondary": secondary},
		order:     []string{"secondary"}, // NextHealthy excludes "primary" since it's already tried
	}
	ex := New(config.SOEConfig{MaxResubmitAttempts: 1, CompletionWaitCeiling: 5 * time.Second},
		config.NonceConfig{RetryDelay: 5 * time.Millisecond}, accounts, limiter, nonces, resolver, bus)

	filled := bus.Subscribe(EventOrderFilled)

	result, err := ex.Submit(context.Background(), SubmitRequest{
		AccountID: "acct-1", Symbol: "BTC/USDT", Side: SideBuy, Type: OrderTypeMarket,
		Amount: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "secondary", result.Order.EndpointID)
	assert.Equal(t, 2, primary.createCalls)
	assert.Equal(t, 1, secondary.createCalls)
	assert.Len(t, filled, 1)
}

func TestCancel_IdempotentNoOp(t *testing.T) {
	a := &fakeAdapter{
		id: "primary",
		createResponses: []func(adapter.CreateOrderParams) (adapter.OrderAck, error){
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				return adapter.OrderAck{RemoteID: "o1", Status: "closed", Filled: p.Amount, Average: p.Price}, nil
			},
		},
	}
	ex, _ := newTestExecutor(t, a, config.SOEConfig{})

	result, err := ex.Submit(context.Background(), SubmitRequest{
		AccountID: "acct-1", Symbol: "BTC/USDT", Side: SideBuy, Type: OrderTypeMarket,
		Amount: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.True(t, ex.Cancel(context.Background(), result.Order.ClientID))
	assert.True(t, ex.Cancel(context.Background(), result.Order.ClientID))
}

func TestClassify_UsedByExecutor_InsufficientBalanceIsFatal(t *testing.T) {
	a := &fakeAdapter{
		id: "primary",
		createResponses: []func(adapter.CreateOrderParams) (adapter.OrderAck, error){
			func(p adapter.CreateOrderParams) (adapter.OrderAck, error) {
				return adapter.OrderAck{}, fmt.Errorf("insufficient balance")
			},
		},
	}
	ex, bus := newTestExecutor(t, a, config.SOEConfig{MaxResubmitAttempts: 5})
	failed := bus.Subscribe(EventOrderFailed)

	result, err := ex.Submit(context.Background(), SubmitRequest{
		AccountID: "acct-1", Symbol: "BTC/USDT", Side: SideBuy, Type: OrderTypeMarket,
		Amount: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StateFailed, result.Order.State)
	assert.Equal(t, 1, a.createCalls) // fatal kinds never retry
	assert.Len(t, failed, 1)
}
