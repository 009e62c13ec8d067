package efc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/orderflow/internal/adapter"
	"github.com/web3guy0/orderflow/internal/config"
	"github.com/web3guy0/orderflow/internal/events"
)

type scriptedAdapter struct {
	id string
	mu sync.Mutex
	// fetchTimeErrs: number of leading calls that fail, then succeed.
	fetchTimeErrs int
	calls         int
}

func (s *scriptedAdapter) ID() string { return s.id }
func (s *scriptedAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{FetchTime: true}
}
func (s *scriptedAdapter) CreateOrder(ctx context.Context, p adapter.CreateOrderParams) (adapter.OrderAck, error) {
	return adapter.OrderAck{}, nil
}
func (s *scriptedAdapter) CancelOrder(ctx context.Context, remoteID, symbol string) error { return nil }
func (s *scriptedAdapter) FetchOrder(ctx context.Context, remoteID, symbol string) (adapter.OrderStatus, error) {
	return adapter.OrderStatus{}, nil
}
func (s *scriptedAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]adapter.OpenOrder, error) {
	return nil, nil
}
func (s *scriptedAdapter) FetchPositions(ctx context.Context) ([]adapter.Position, error) {
	return nil, nil
}
func (s *scriptedAdapter) FetchBalance(ctx context.Context) ([]adapter.Balance, error) { return nil, nil }
func (s *scriptedAdapter) FetchTicker(ctx context.Context, symbol string) (adapter.Ticker, error) {
	return adapter.Ticker{}, nil
}
func (s *scriptedAdapter) FetchTime(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fetchTimeErrs {
		return time.Time{}, fmt.Errorf("probe failed")
	}
	return time.Now(), nil
}
func (s *scriptedAdapter) FetchMyTrades(ctx context.Context, symbol string) ([]adapter.Trade, error) {
	return nil, nil
}

func TestS3_FailoverOnSustainedFailure(t *testing.T) {
	bus := events.NewBus()
	cfg := config.EFCConfig{
		HealthCheckInterval:     10 * time.Millisecond,
		HealthCheckTimeout:      50 * time.Millisecond,
		FailureThreshold:        3,
		RecoveryThreshold:       3,
		LatencyWarningThreshold: 500 * time.Millisecond,
		LatencyWindowSize:       20,
		EnableAutoFailover:      true,
		FailoverCooldown:        0,
		EnableAutoRecovery:      false,
	}
	c := New(cfg, bus)

	a := &scriptedAdapter{id: "A", fetchTimeErrs: 1000} // always fails
	b := &scriptedAdapter{id: "B"}

	c.Register(RegisterOptions{ID: "A", Adapter: a, Priority: 1, IsPrimary: true})
	c.Register(RegisterOptions{ID: "B", Adapter: b, Priority: 2})

	failovers := bus.Subscribe(events.TopicEndpointFailover)

	c.Start()
	defer c.Stop()

	deadline := time.After(2 * time.Second)
	var gotFailover bool
	for !gotFailover {
		select {
		case <-failovers:
			gotFailover = true
		case <-deadline:
			t.Fatal("timed out waiting for failover event")
		}
	}

	id, _, ok := c.Primary()
	require.True(t, ok)
	assert.Equal(t, "B", id)
}

func TestPrimaryUnchangedWithoutViableCandidate(t *testing.T) {
	bus := events.NewBus()
	cfg := config.EFCConfig{
		HealthCheckInterval:     10 * time.Millisecond,
		HealthCheckTimeout:      50 * time.Millisecond,
		FailureThreshold:        2,
		RecoveryThreshold:       3,
		LatencyWarningThreshold: 500 * time.Millisecond,
		LatencyWindowSize:       20,
		EnableAutoFailover:      true,
		FailoverCooldown:        10 * time.Second, // no earlier failover, so the cooldown does not gate election here
		EnableAutoRecovery:      false,
	}
	c := New(cfg, bus)

	a := &scriptedAdapter{id: "A", fetchTimeErrs: 1000}
	b := &scriptedAdapter{id: "B", fetchTimeErrs: 1000} // also unhealthy, no valid candidate after A fails

	c.Register(RegisterOptions{ID: "A", Adapter: a, Priority: 1, IsPrimary: true})
	c.Register(RegisterOptions{ID: "B", Adapter: b, Priority: 2})

	c.Start()
	defer c.Stop()

	time.Sleep(100 * time.Millisecond)
	id, _, ok := c.Primary()
	require.True(t, ok)
	assert.Equal(t, "A", id, "primary must not change with no viable candidate")
}

func TestSwitchTo_ManualPromotion(t *testing.T) {
	bus := events.NewBus()
	c := New(config.EFCConfig{HealthCheckInterval: time.Hour, HealthCheckTimeout: time.Second, LatencyWindowSize: 5}, bus)

	a := &scriptedAdapter{id: "A"}
	b := &scriptedAdapter{id: "B"}
	c.Register(RegisterOptions{ID: "A", Adapter: a, Priority: 1, IsPrimary: true})
	c.Register(RegisterOptions{ID: "B", Adapter: b, Priority: 2})

	require.NoError(t, c.SwitchTo("B"))
	id, _, ok := c.Primary()
	require.True(t, ok)
	assert.Equal(t, "B", id)

	assert.Error(t, c.SwitchTo("nonexistent"))
}
