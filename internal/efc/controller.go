// Package efc implements the Exchange Failover Controller: active
// health probing, latency tracking, automatic primary election and
// auto-recovery across registered exchange adapters. Grounded on
// risk.CircuitBreaker's tripped/cooldown state machine, generalized
// from one global breaker into a per-endpoint health table, and on
// feeds.BinanceFeed's ticker-driven poll loop for the probe cadence.
package efc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/orderflow/internal/adapter"
	"github.com/web3guy0/orderflow/internal/config"
	"github.com/web3guy0/orderflow/internal/events"
)

// Status is an endpoint's current health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline  Status = "offline"
	StatusUnknown  Status = "unknown"
)

// FailoverReason labels why a promotion happened. SCHEDULED is defined
// per spec §9 but never triggered by this implementation; the source
// system defines it without a path that fires it, and we preserve that
// rather than inventing one.
type FailoverReason string

const (
	ReasonAutoHealth FailoverReason = "AUTO_HEALTH"
	ReasonManual     FailoverReason = "MANUAL"
	ReasonScheduled  FailoverReason = "SCHEDULED" // unused: see spec open question
)

// Failover is the payload of a TopicEndpointFailover event.
type Failover struct {
	From      string
	To        string
	Reason    FailoverReason
	Timestamp time.Time
}

// EndpointHealth is one registered adapter's health record (spec §3).
type EndpointHealth struct {
	ID                   string
	Status               Status
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	Priority             int
	LastProbeAt          time.Time
	LastError            string
	AvgLatency           time.Duration
}

type endpoint struct {
	id       string
	adapter  adapter.Adapter
	priority int
	probeFn  func(ctx context.Context, a adapter.Adapter) error

	mu                   sync.Mutex
	status               Status
	consecutiveFailures  int
	consecutiveSuccesses int
	lastProbeAt          time.Time
	lastError            string
	latencyWindow        []time.Duration // ring buffer, fixed capacity
	latencyPos           int
}

func (e *endpoint) recordLatency(d time.Duration, windowSize int) {
	if cap(e.latencyWindow) == 0 {
		e.latencyWindow = make([]time.Duration, 0, windowSize)
	}
	if len(e.latencyWindow) < windowSize {
		e.latencyWindow = append(e.latencyWindow, d)
	} else {
		e.latencyWindow[e.latencyPos%windowSize] = d
	}
	e.latencyPos++
}

func (e *endpoint) avgLatency() time.Duration {
	if len(e.latencyWindow) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range e.latencyWindow {
		sum += d
	}
	return sum / time.Duration(len(e.latencyWindow))
}

func (e *endpoint) snapshot() EndpointHealth {
	return EndpointHealth{
		ID:                   e.id,
		Status:               e.status,
		ConsecutiveFailures:  e.consecutiveFailures,
		ConsecutiveSuccesses: e.consecutiveSuccesses,
		Priority:             e.priority,
		LastProbeAt:          e.lastProbeAt,
		LastError:            e.lastError,
		AvgLatency:           e.avgLatency(),
	}
}

// RegisterOptions configures a newly registered endpoint.
type RegisterOptions struct {
	ID        string
	Adapter   adapter.Adapter
	Priority  int // lower wins
	IsPrimary bool
	ProbeFn   func(ctx context.Context, a adapter.Adapter) error // default: FetchTime
}

// Controller is the Exchange Failover Controller (component F).
type Controller struct {
	cfg config.EFCConfig
	bus *events.Bus
	now func() time.Time

	mu        sync.RWMutex
	endpoints map[string]*endpoint
	primary   string

	lastFailoverAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Exchange Failover Controller.
func New(cfg config.EFCConfig, bus *events.Bus) *Controller {
	return &Controller{
		cfg:       cfg,
		bus:       bus,
		now:       time.Now,
		endpoints: make(map[string]*endpoint),
		stopCh:    make(chan struct{}),
	}
}

// Register adds an endpoint. The first registrant, or any registrant
// with IsPrimary set, becomes primary immediately.
func (c *Controller) Register(opts RegisterOptions) {
	probeFn := opts.ProbeFn
	if probeFn == nil {
		probeFn = defaultProbe
	}

	ep := &endpoint{
		id:       opts.ID,
		adapter:  opts.Adapter,
		priority: opts.Priority,
		probeFn:  probeFn,
		status:   StatusUnknown,
	}

	c.mu.Lock()
	c.endpoints[opts.ID] = ep
	if opts.IsPrimary || c.primary == "" {
		c.primary = opts.ID
	}
	c.mu.Unlock()

	log.Info().Str("endpoint", opts.ID).Int("priority", opts.Priority).Msg("🔌 endpoint registered")
}

func defaultProbe(ctx context.Context, a adapter.Adapter) error {
	if a.Capabilities().FetchTime {
		_, err := a.FetchTime(ctx)
		return err
	}
	if a.Capabilities().FetchOpenOrders {
		_, err := a.FetchOpenOrders(ctx, "")
		return err
	}
	_, err := a.FetchTicker(ctx, "")
	return err
}

// ═══════════════════════════════════════════════════════════════════════════════
// EndpointResolver: satisfies soe.EndpointResolver by duck typing
// ═══════════════════════════════════════════════════════════════════════════════

// Primary returns the current primary endpoint's id and adapter.
func (c *Controller) Primary() (string, adapter.Adapter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.primary == "" {
		return "", nil, false
	}
	ep, ok := c.endpoints[c.primary]
	if !ok {
		return "", nil, false
	}
	return ep.id, ep.adapter, true
}

// Resolve returns the adapter registered under id.
func (c *Controller) Resolve(id string) (adapter.Adapter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[id]
	if !ok {
		return nil, false
	}
	return ep.adapter, true
}

// NextHealthy returns the lowest-priority endpoint not in excluding and
// not Unhealthy/Offline, for SOE's cross-endpoint fallback.
func (c *Controller) NextHealthy(excluding map[string]bool) (string, adapter.Adapter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *endpoint
	for id, ep := range c.endpoints {
		if excluding[id] {
			continue
		}
		ep.mu.Lock()
		ok := ep.status != StatusUnhealthy && ep.status != StatusOffline
		ep.mu.Unlock()
		if !ok {
			continue
		}
		if best == nil || ep.priority < best.priority {
			best = ep
		}
	}
	if best == nil {
		return "", nil, false
	}
	return best.id, best.adapter, true
}

// Health returns a snapshot of every registered endpoint's health.
func (c *Controller) Health() []EndpointHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]EndpointHealth, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		ep.mu.Lock()
		out = append(out, ep.snapshot())
		ep.mu.Unlock()
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROBE LOOP
// ═══════════════════════════════════════════════════════════════════════════════

// Start begins the background probe loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.probeLoop()
}

// Stop ends the probe loop and blocks until it exits.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Controller) probeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	c.runProbePass()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runProbePass()
		}
	}
}

// runProbePass fans a probe out to every registered endpoint
// concurrently via errgroup, then runs primary election.
func (c *Controller) runProbePass() {
	c.mu.RLock()
	eps := make([]*endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		eps = append(eps, ep)
	}
	c.mu.RUnlock()

	g, ctx := errgroup.WithContext(context.Background())
	for _, ep := range eps {
		ep := ep
		g.Go(func() error {
			c.probeOne(ctx, ep)
			return nil
		})
	}
	_ = g.Wait() // probeOne never returns an error; Wait only joins the fan-out

	c.electPrimary()
}

func (c *Controller) probeOne(parent context.Context, ep *endpoint) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.HealthCheckTimeout)
	defer cancel()

	start := c.now()
	err := ep.probeFn(ctx, ep.adapter)
	latency := c.now().Sub(start)

	ep.mu.Lock()
	ep.lastProbeAt = c.now()
	ep.recordLatency(latency, c.cfg.LatencyWindowSize)

	if err != nil {
		ep.lastError = err.Error()
		ep.consecutiveFailures++
		ep.consecutiveSuccesses = 0
		prev := ep.status
		if ep.consecutiveFailures >= c.cfg.FailureThreshold {
			ep.status = StatusOffline
		} else {
			ep.status = StatusUnhealthy
		}
		changed := prev != ep.status
		ep.mu.Unlock()

		if changed {
			c.publishHealthChanged(ep)
		}
		return
	}

	ep.consecutiveSuccesses++
	ep.consecutiveFailures = 0
	prev := ep.status
	avg := ep.avgLatency()
	if avg < c.cfg.LatencyWarningThreshold {
		ep.status = StatusHealthy
	} else {
		ep.status = StatusDegraded
	}
	changed := prev != ep.status
	ep.mu.Unlock()

	if changed {
		c.publishHealthChanged(ep)
	}
}

func (c *Controller) publishHealthChanged(ep *endpoint) {
	if c.bus == nil {
		return
	}
	ep.mu.Lock()
	snap := ep.snapshot()
	ep.mu.Unlock()
	c.bus.Publish(events.TopicEndpointHealthChanged, snap)
}

// ═══════════════════════════════════════════════════════════════════════════════
// PRIMARY ELECTION & AUTO-RECOVERY
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Controller) electPrimary() {
	if !c.cfg.EnableAutoFailover {
		return
	}

	c.mu.Lock()
	primaryID := c.primary
	primaryEp, ok := c.endpoints[primaryID]
	if !ok {
		c.mu.Unlock()
		return
	}
	primaryEp.mu.Lock()
	primaryBad := primaryEp.status == StatusUnhealthy || primaryEp.status == StatusOffline
	primaryEp.mu.Unlock()

	if !primaryBad || c.now().Sub(c.lastFailoverAt) < c.cfg.FailoverCooldown {
		c.mu.Unlock()
		return
	}

	var candidate *endpoint
	for id, ep := range c.endpoints {
		if id == primaryID {
			continue
		}
		ep.mu.Lock()
		ok := ep.status != StatusUnhealthy && ep.status != StatusOffline
		ep.mu.Unlock()
		if !ok {
			continue
		}
		if candidate == nil || ep.priority < candidate.priority {
			candidate = ep
		}
	}

	if candidate == nil {
		c.mu.Unlock()
		if c.bus != nil {
			c.bus.Publish(events.TopicEndpointNoBackup, primaryID)
		}
		return
	}

	c.primary = candidate.id
	c.lastFailoverAt = c.now()
	c.mu.Unlock()

	c.scheduleAutoRecovery(primaryID)
	c.publishFailover(primaryID, candidate.id, ReasonAutoHealth)
}

func (c *Controller) scheduleAutoRecovery(originalPrimary string) {
	if !c.cfg.EnableAutoRecovery {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(c.cfg.RecoveryWaitTime)
		defer timer.Stop()
		select {
		case <-c.stopCh:
			return
		case <-timer.C:
			c.tryRecover(originalPrimary)
		}
	}()
}

func (c *Controller) tryRecover(originalPrimary string) {
	c.mu.Lock()
	orig, ok := c.endpoints[originalPrimary]
	if !ok {
		c.mu.Unlock()
		return
	}
	current, ok := c.endpoints[c.primary]
	if !ok {
		c.mu.Unlock()
		return
	}

	orig.mu.Lock()
	healthy := orig.status == StatusHealthy && orig.consecutiveSuccesses >= c.cfg.RecoveryThreshold
	origPriority := orig.priority
	orig.mu.Unlock()

	if !healthy || origPriority >= current.priority {
		c.mu.Unlock()
		c.scheduleAutoRecovery(originalPrimary)
		return
	}

	from := c.primary
	c.primary = originalPrimary
	c.lastFailoverAt = c.now()
	c.mu.Unlock()

	c.publishFailover(from, originalPrimary, ReasonAutoHealth)
}

// SwitchTo performs an unconditional manual promotion.
func (c *Controller) SwitchTo(id string) error {
	c.mu.Lock()
	if _, ok := c.endpoints[id]; !ok {
		c.mu.Unlock()
		return errors.New("efc: unknown endpoint " + id)
	}
	from := c.primary
	c.primary = id
	c.lastFailoverAt = c.now()
	c.mu.Unlock()

	c.publishFailover(from, id, ReasonManual)
	return nil
}

func (c *Controller) publishFailover(from, to string, reason FailoverReason) {
	log.Warn().Str("from", from).Str("to", to).Str("reason", string(reason)).Msg("⚠️ endpoint failover")
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.TopicEndpointFailover, Failover{From: from, To: to, Reason: reason, Timestamp: c.now()})
}
