package soe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/orderflow/internal/accountqueue"
	"github.com/web3guy0/orderflow/internal/adapter"
	"github.com/web3guy0/orderflow/internal/config"
	"github.com/web3guy0/orderflow/internal/events"
	"github.com/web3guy0/orderflow/internal/nonce"
	"github.com/web3guy0/orderflow/internal/ratelimit"
)

// ErrMaxResubmitsExceeded is returned (as the order's LastError, not a
// Go error) when an order exhausts maxResubmitAttempts.
var ErrMaxResubmitsExceeded = errors.New("soe: max resubmit attempts exceeded")

// ErrNoEndpoint is returned when no endpoint can be resolved for a
// submission (no primary registered, or explicit hint unknown).
var ErrNoEndpoint = errors.New("soe: no endpoint available")

// errResubmitExhausted signals that an order ran out of resubmit budget
// on its current endpoint without reaching a terminal outcome; it never
// escapes the package, it only tells runSubmission to report exhausted
// so executeWithRetry can consider cross-endpoint fallback.
var errResubmitExhausted = errors.New("soe: resubmit budget exhausted on this endpoint")

// EndpointResolver is the slice of the Exchange Failover Controller the
// Smart Order Executor needs: primary endpoint lookup, resolution of a
// specific endpoint id, and selection of the next healthy candidate
// during cross-endpoint fallback. EFC implements this interface; SOE
// depends on nothing from EFC's package directly, only on this shape.
type EndpointResolver interface {
	Primary() (endpointID string, a adapter.Adapter, ok bool)
	Resolve(endpointID string) (a adapter.Adapter, ok bool)
	NextHealthy(excluding map[string]bool) (endpointID string, a adapter.Adapter, ok bool)
}

// Executor is the Smart Order Executor (component E).
type Executor struct {
	cfg      config.SOEConfig
	nonceCfg config.NonceConfig

	accounts  *accountqueue.Manager
	limiter   *ratelimit.Controller
	nonces    *nonce.Coordinator
	endpoints EndpointResolver
	bus       *events.Bus

	mu     sync.RWMutex
	active map[string]*Order

	stats   Stats
	statsMu sync.Mutex

	clientSeq atomic.Int64
	now       func() time.Time
}

// New builds a Smart Order Executor wired to its account queue,
// rate-limit controller, nonce coordinator, endpoint resolver (EFC) and
// shared event bus.
func New(cfg config.SOEConfig, nonceCfg config.NonceConfig,
	accounts *accountqueue.Manager, limiter *ratelimit.Controller, nonces *nonce.Coordinator,
	endpoints EndpointResolver, bus *events.Bus) *Executor {

	return &Executor{
		cfg:       cfg,
		nonceCfg:  nonceCfg,
		accounts:  accounts,
		limiter:   limiter,
		nonces:    nonces,
		endpoints: endpoints,
		bus:       bus,
		active:    make(map[string]*Order),
		now:       time.Now,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SUBMISSION
// ═══════════════════════════════════════════════════════════════════════════════

// Submit is the unified entry point: branches internally on order type
// and dry-run mode, but always serializes through the account queue
// before touching an adapter.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (ExecutionResult, error) {
	endpointID, a, ok := e.resolveEndpoint(req.EndpointID)
	if !ok {
		return ExecutionResult{}, ErrNoEndpoint
	}

	order := e.newOrder(req, endpointID)
	e.insert(order)

	result, err := e.accounts.RunOnAccount(ctx, req.AccountID, func(taskCtx context.Context) (any, error) {
		return e.executeWithRetry(taskCtx, order, endpointID, a)
	})
	if err != nil {
		// Queue-level failure (timeout, panic, stop): the order never
		// got a chance to run on the wire at all.
		order.State = StateFailed
		order.LastError = err.Error()
		order.UpdatedAt = e.now()
		e.remove(order.ClientID)
		e.incStat(func(s *Stats) { s.FailedOrders++ })
		e.publish(EventOrderFailed, order)
		return ExecutionResult{Success: false, Order: order.Snapshot(), Error: err.Error()}, nil
	}

	return result.(ExecutionResult), nil
}

func (e *Executor) newOrder(req SubmitRequest, endpointID string) *Order {
	now := e.now()
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = fmt.Sprintf("soe_%d_%d", now.UnixNano(), e.clientSeq.Add(1))
	}

	return &Order{
		ClientID:        clientID,
		EndpointID:      endpointID,
		AccountID:       req.AccountID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		RequestedAmount: req.Amount,
		RemainingAmount: req.Amount,
		FilledAmount:    decimal.Zero,
		OriginalPrice:   req.Price,
		CurrentPrice:    req.Price,
		AvgFillPrice:    decimal.Zero,
		ReduceOnly:      req.ReduceOnly,
		PostOnly:        req.PostOnly || e.cfg.DefaultPostOnly,
		State:           StatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (e *Executor) resolveEndpoint(hint string) (string, adapter.Adapter, bool) {
	if hint != "" {
		if a, ok := e.endpoints.Resolve(hint); ok {
			return hint, a, true
		}
		return "", nil, false
	}
	return e.endpoints.Primary()
}

// executeWithRetry runs the submission pipeline on one endpoint and, if
// it exhausts its resubmit budget there without reaching a terminal
// outcome, fails over to the next healthy endpoint excluding ones
// already tried, resetting the resubmit counter for the fresh endpoint
// (spec §4.4 cross-endpoint fallback). Only resubmit-budget exhaustion
// triggers fallback; a timeout or a non-retriable classification ends
// the order where it is.
func (e *Executor) executeWithRetry(ctx context.Context, order *Order, endpointID string, a adapter.Adapter) (ExecutionResult, error) {
	tried := map[string]bool{endpointID: true}
	deadline := e.now().Add(e.cfg.CompletionWaitCeiling)

	for {
		result, exhausted := e.runSubmission(ctx, order, a, deadline)
		if !exhausted {
			return result, nil
		}

		nextID, nextA, ok := e.endpoints.NextHealthy(tried)
		if !ok {
			e.finalizeFailed(order, ErrMaxResubmitsExceeded.Error())
			return ExecutionResult{Success: false, Order: order.Snapshot(), Error: order.LastError}, nil
		}

		log.Warn().Str("client_id", order.ClientID).Str("from", endpointID).Str("to", nextID).
			Msg("🔀 resubmit budget exhausted, failing over to next healthy endpoint")

		tried[nextID] = true
		endpointID = nextID
		a = nextA
		order.EndpointID = nextID
		order.ResubmitCount = 0
		order.UpdatedAt = e.now()
	}
}

// runSubmission executes the retry-and-reprice pipeline for one order
// against a single endpoint. It runs inside the account's serial
// section: exactly one goroutine per account ever calls this, so the
// stall monitor can poll synchronously instead of scheduling a separate
// cancellable timer; there is never a second in-flight submission for
// this account to race against. The bool return reports whether the
// order exhausted its resubmit budget on this endpoint without
// reaching a terminal outcome, signaling the caller to consider
// cross-endpoint fallback instead of failing the order outright.
func (e *Executor) runSubmission(ctx context.Context, order *Order, a adapter.Adapter, deadline time.Time) (ExecutionResult, bool) {
	if e.cfg.DryRun {
		return e.runDryRun(ctx, order), false
	}

	for {
		if e.now().After(deadline) {
			order.UpdatedAt = e.now()
			return ExecutionResult{Success: false, Order: order.Snapshot(), TimedOut: true}, false
		}
		if order.ResubmitCount > e.cfg.MaxResubmitAttempts {
			return ExecutionResult{}, true
		}

		ack, err := e.submitWithClassification(ctx, order, a, deadline)
		if err != nil {
			var retry *retriableError
			if errors.As(err, &retry) {
				// Network/Exchange/Unknown within budget: loop straight
				// back to the top and try again at the same price.
				continue
			}
			if errors.Is(err, errResubmitExhausted) {
				return ExecutionResult{}, true
			}
			e.finalizeFailed(order, err.Error())
			return ExecutionResult{Success: false, Order: order.Snapshot(), Error: err.Error()}, false
		}

		order.RemoteID = ack.RemoteID
		order.State = StateSubmitted
		order.UpdatedAt = e.now()
		e.incStat(func(s *Stats) { s.SubmittedOrders++ })
		e.publish(EventOrderSubmitted, order)

		if order.Type == OrderTypeMarket {
			e.applyImmediateFill(order, ack)
			e.finalizeFilled(order)
			return ExecutionResult{Success: true, Order: order.Snapshot()}, false
		}
		if ack.Status == "closed" || (ack.Filled.IsPositive() && ack.Filled.GreaterThanOrEqual(order.RemainingAmount)) {
			// Filled on acceptance: nothing left for the stall monitor to watch.
			order.FilledAmount = ack.Filled
			order.RemainingAmount = order.RequestedAmount.Sub(ack.Filled)
			order.AvgFillPrice = ack.Average
			e.finalizeFilled(order)
			return ExecutionResult{Success: true, Order: order.Snapshot()}, false
		}

		filled, mustReprice, exhausted, stallErr := e.monitorUntilStallDecision(ctx, order, a, deadline)
		if stallErr != nil {
			e.finalizeFailed(order, stallErr.Error())
			return ExecutionResult{Success: false, Order: order.Snapshot(), Error: stallErr.Error()}, false
		}
		if exhausted {
			return ExecutionResult{}, true
		}
		if filled {
			e.finalizeFilled(order)
			return ExecutionResult{Success: true, Order: order.Snapshot()}, false
		}
		if !mustReprice {
			// Deadline hit mid-poll; report the current partial state.
			order.UpdatedAt = e.now()
			return ExecutionResult{Success: false, Order: order.Snapshot(), TimedOut: true}, false
		}
		// mustReprice: loop back and resubmit at the new CurrentPrice.
		e.publish(EventOrderResubmitted, order)
		e.incStat(func(s *Stats) { s.Resubmits++ })
	}
}

// submitWithClassification calls adapter.CreateOrder, absorbing
// RateLimited and NonceConflict errors as in-place retries (they do
// not consume the order's resubmit budget) and surfacing everything
// else to the caller for resubmit-or-fail handling.
func (e *Executor) submitWithClassification(ctx context.Context, order *Order, a adapter.Adapter, deadline time.Time) (adapter.OrderAck, error) {
	for {
		if e.now().After(deadline) {
			return adapter.OrderAck{}, fmt.Errorf("completion wait ceiling exceeded")
		}

		if e.limiter.IsLimited(order.EndpointID) {
			if err := e.limiter.WaitIfLimited(ctx, order.EndpointID); err != nil {
				return adapter.OrderAck{}, err
			}
		}

		params := e.buildParams(order)
		ack, err := a.CreateOrder(ctx, params)
		if err == nil {
			e.limiter.Clear(order.EndpointID)
			return ack, nil
		}

		kind := Classify(err.Error())
		switch kind {
		case ErrRateLimited:
			e.limiter.RecordLimited(order.EndpointID)
			e.incStat(func(s *Stats) { s.RateLimitHits++ })
			continue
		case ErrNonceConflict:
			e.nonces.ReportDrift(order.EndpointID, err.Error())
			if sleepErr := e.sleepCtx(ctx, e.nonceCfg.RetryDelay); sleepErr != nil {
				return adapter.OrderAck{}, sleepErr
			}
			continue
		case ErrInsufficientBalance, ErrInvalidOrder:
			return adapter.OrderAck{}, err
		default: // Network, Exchange, Unknown, bounded by the outer resubmit budget
			order.ResubmitCount++
			if order.ResubmitCount > e.cfg.MaxResubmitAttempts {
				return adapter.OrderAck{}, errResubmitExhausted
			}
			return adapter.OrderAck{}, &retriableError{err}
		}
	}
}

// retriableError marks an error that the outer loop should treat as a
// fresh resubmission attempt rather than a terminal failure.
type retriableError struct{ err error }

func (r *retriableError) Error() string { return r.err.Error() }
func (r *retriableError) Unwrap() error { return r.err }

func (e *Executor) buildParams(order *Order) adapter.CreateOrderParams {
	tif := "GTC"
	if order.PostOnly {
		tif = "PO"
	}
	if order.Type == OrderTypeIOC {
		tif = "IOC"
	}
	if order.Type == OrderTypeFOK {
		tif = "FOK"
	}

	return adapter.CreateOrderParams{
		Symbol:        order.Symbol,
		Type:          adapter.OrderType(order.Type),
		Side:          adapter.Side(order.Side),
		Amount:        order.RemainingAmount,
		Price:         order.CurrentPrice,
		ClientOrderID: order.ClientID,
		PostOnly:      order.PostOnly,
		TimeInForce:   tif,
		ReduceOnly:    order.ReduceOnly,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// STALL MONITOR: cancel-and-reprice on stall (spec §4.4)
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Executor) monitorUntilStallDecision(ctx context.Context, order *Order, a adapter.Adapter, deadline time.Time) (filled bool, mustReprice bool, exhausted bool, err error) {
	for {
		if e.now().After(deadline) {
			return false, false, false, nil
		}
		if sleepErr := e.sleepCtx(ctx, e.cfg.UnfillTimeout); sleepErr != nil {
			return false, false, false, sleepErr
		}

		status, ferr := a.FetchOrder(ctx, order.RemoteID, order.Symbol)
		if ferr != nil {
			log.Warn().Err(ferr).Str("client_id", order.ClientID).Msg("stall monitor: fetchOrder failed, treating as no progress")
			status = adapter.OrderStatus{Status: "open", Filled: decimal.Zero}
		}

		remaining := order.RequestedAmount.Sub(status.Filled)
		dustThreshold := order.RequestedAmount.Mul(decimal.NewFromFloat(0.01))

		switch {
		case status.Status == "closed" || status.Filled.GreaterThanOrEqual(order.RequestedAmount):
			order.FilledAmount = status.Filled
			order.AvgFillPrice = status.Average
			return true, false, false, nil

		case status.Filled.GreaterThan(decimal.Zero) && remaining.LessThan(dustThreshold):
			// Dust tolerance: treat the unfillable remainder as filled.
			order.FilledAmount = status.Filled
			order.AvgFillPrice = status.Average
			return true, false, false, nil

		case status.Filled.GreaterThan(decimal.Zero):
			// Partial progress: keep watching the same resting order.
			order.FilledAmount = status.Filled
			order.RemainingAmount = remaining
			order.State = StatePartiallyFilled
			continue

		default:
			e.cancelAbsorbing(ctx, a, order)

			newPrice, priceErr := e.repriceFor(ctx, a, order)
			if priceErr == nil {
				order.CurrentPrice = newPrice
			} else {
				// Ticker fetch failed: fall back to a slippage-adjusted
				// walk from the current price (spec §4.4).
				order.CurrentPrice = e.fallbackReprice(order)
			}

			order.ResubmitCount++
			if order.ResubmitCount > e.cfg.MaxResubmitAttempts {
				e.cancelAbsorbing(ctx, a, order)
				return false, false, true, nil
			}
			return false, true, false, nil
		}
	}
}

func (e *Executor) cancelAbsorbing(ctx context.Context, a adapter.Adapter, order *Order) {
	if order.RemoteID == "" {
		return
	}
	if err := a.CancelOrder(ctx, order.RemoteID, order.Symbol); err != nil {
		if !isAlreadyGoneError(err) {
			log.Warn().Err(err).Str("client_id", order.ClientID).Msg("cancel on reprice failed")
		}
	}
}

func isAlreadyGoneError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"not found", "already", "filled"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func (e *Executor) repriceFor(ctx context.Context, a adapter.Adapter, order *Order) (decimal.Decimal, error) {
	ticker, err := a.FetchTicker(ctx, order.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	offset := e.cfg.MakerPriceOffset
	if order.Side == SideBuy {
		if order.PostOnly {
			return ticker.Bid.Mul(decimal.NewFromInt(1).Add(offset)), nil
		}
		return ticker.Ask, nil
	}
	if order.PostOnly {
		return ticker.Ask.Mul(decimal.NewFromInt(1).Sub(offset)), nil
	}
	return ticker.Bid, nil
}

func (e *Executor) fallbackReprice(order *Order) decimal.Decimal {
	slip := e.cfg.PriceSlippage
	if order.Side == SideBuy {
		return order.CurrentPrice.Mul(decimal.NewFromInt(1).Add(slip))
	}
	return order.CurrentPrice.Mul(decimal.NewFromInt(1).Sub(slip))
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET ORDERS & DRY-RUN
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Executor) applyImmediateFill(order *Order, ack adapter.OrderAck) {
	order.FilledAmount = order.RequestedAmount
	order.RemainingAmount = decimal.Zero
	if !ack.Average.IsZero() {
		order.AvgFillPrice = ack.Average
	} else {
		order.AvgFillPrice = order.CurrentPrice
	}
}

// runDryRun shadows the entire pipeline without ever touching an
// adapter: same event shapes, same counters, same account-serial
// ordering (spec §9: "dry-run must be indistinguishable to observers").
func (e *Executor) runDryRun(ctx context.Context, order *Order) ExecutionResult {
	order.State = StateSubmitted
	order.RemoteID = fmt.Sprintf("dryrun_%s", order.ClientID)
	order.UpdatedAt = e.now()
	e.incStat(func(s *Stats) { s.SubmittedOrders++ })
	e.publish(EventOrderSubmitted, order)

	if err := e.sleepCtx(ctx, e.cfg.DryRunFillDelay); err != nil {
		e.finalizeFailed(order, err.Error())
		return ExecutionResult{Success: false, Order: order.Snapshot(), Error: err.Error()}
	}

	slip := e.cfg.DryRunSlippage
	fillPrice := order.CurrentPrice
	if order.Side == SideBuy {
		fillPrice = order.CurrentPrice.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		fillPrice = order.CurrentPrice.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	order.FilledAmount = order.RequestedAmount
	order.RemainingAmount = decimal.Zero
	order.AvgFillPrice = fillPrice

	e.finalizeFilled(order)
	return ExecutionResult{Success: true, Order: order.Snapshot()}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CANCELLATION
// ═══════════════════════════════════════════════════════════════════════════════

// Cancel marks the order Canceled locally and attempts the remote
// cancel, absorbing idempotent "already gone" failures. A second call
// for an already-terminal order is a no-op success (spec property 9).
func (e *Executor) Cancel(ctx context.Context, clientID string) bool {
	e.mu.Lock()
	order, ok := e.active[clientID]
	e.mu.Unlock()
	if !ok {
		return true // already removed: terminal, no-op
	}

	a, resolved := e.endpoints.Resolve(order.EndpointID)

	if order.State.IsTerminal() {
		return true
	}

	if resolved && order.RemoteID != "" {
		e.cancelAbsorbing(ctx, a, order)
	}

	order.State = StateCanceled
	order.UpdatedAt = e.now()
	e.incStat(func(s *Stats) { s.CanceledOrders++ })
	e.publish(EventOrderCanceled, order)
	e.remove(clientID)
	return true
}

// CancelAllFilter narrows CancelAll to a subset of active orders.
type CancelAllFilter struct {
	EndpointID string
	Symbol     string
}

// CancelAll cancels every active order matching filter and returns the
// count canceled.
func (e *Executor) CancelAll(ctx context.Context, filter CancelAllFilter) int {
	e.mu.RLock()
	var matched []string
	for id, o := range e.active {
		if filter.EndpointID != "" && o.EndpointID != filter.EndpointID {
			continue
		}
		if filter.Symbol != "" && o.Symbol != filter.Symbol {
			continue
		}
		matched = append(matched, id)
	}
	e.mu.RUnlock()

	count := 0
	for _, id := range matched {
		if e.Cancel(ctx, id) {
			count++
		}
	}
	return count
}

// ═══════════════════════════════════════════════════════════════════════════════
// BOOKKEEPING
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Executor) insert(order *Order) {
	e.mu.Lock()
	e.active[order.ClientID] = order
	e.mu.Unlock()
}

func (e *Executor) remove(clientID string) {
	e.mu.Lock()
	delete(e.active, clientID)
	e.mu.Unlock()
}

func (e *Executor) finalizeFilled(order *Order) {
	order.State = StateFilled
	order.UpdatedAt = e.now()
	e.incStat(func(s *Stats) { s.FilledOrders++ })
	e.publish(EventOrderFilled, order)
	e.remove(order.ClientID)
}

func (e *Executor) finalizeFailed(order *Order, reason string) {
	order.State = StateFailed
	order.LastError = reason
	order.UpdatedAt = e.now()
	e.incStat(func(s *Stats) { s.FailedOrders++ })
	e.publish(EventOrderFailed, order)
	e.remove(order.ClientID)
}

// ActiveOrders returns a point-in-time snapshot of every in-flight order.
func (e *Executor) ActiveOrders() []Order {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Order, 0, len(e.active))
	for _, o := range e.active {
		out = append(out, o.Snapshot())
	}
	return out
}

// Stats returns a copy of the cumulative counters.
func (e *Executor) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Executor) incStat(mutate func(*Stats)) {
	e.statsMu.Lock()
	mutate(&e.stats)
	e.statsMu.Unlock()
}

func (e *Executor) publish(topic string, order *Order) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, order.Snapshot())
}

func (e *Executor) sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
