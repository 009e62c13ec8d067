// Package accountqueue implements the Account Lock Manager: per-account
// FIFO task serialization bounded by a global concurrency cap. It
// generalizes core.Router's "get-or-create under a map mutex" pattern
// from a subscription list to a serialized work queue per account.
package accountqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrTaskTimeout is returned when a task exceeds its per-task timeout.
var ErrTaskTimeout = errors.New("accountqueue: task timed out")

// ErrStopped is returned by RunOnAccount after Stop has been called.
var ErrStopped = errors.New("accountqueue: manager stopped")

// Task is a unit of work submitted for a given account.
type Task func(ctx context.Context) (any, error)

type accountQueue struct {
	mu        sync.Mutex
	work      chan queuedTask
	active    int // tasks enqueued but not yet completed
	lastIdle  time.Time
	closeOnce sync.Once
	done      chan struct{}
}

type queuedTask struct {
	ctx    context.Context
	task   Task
	result chan taskResult
}

type taskResult struct {
	value any
	err   error
}

// Manager is the Account Lock Manager (component B).
type Manager struct {
	mu      sync.Mutex
	queues  map[string]*accountQueue
	global  chan struct{} // global concurrency semaphore
	timeout time.Duration
	idleAge time.Duration

	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Config configures the Account Lock Manager.
type Config struct {
	MaxConcurrentPerAccount int // reserved for future per-account sub-pools; queues are FIFO-serial today
	MaxConcurrentGlobal     int
	QueueTimeout            time.Duration
	IdleReapAfter           time.Duration
}

// NewManager creates an Account Lock Manager with the global
// concurrency cap and per-task timeout from cfg.
func NewManager(cfg Config) *Manager {
	if cfg.MaxConcurrentGlobal <= 0 {
		cfg.MaxConcurrentGlobal = 20
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 30 * time.Second
	}
	if cfg.IdleReapAfter <= 0 {
		cfg.IdleReapAfter = 10 * time.Minute
	}

	m := &Manager{
		queues:  make(map[string]*accountQueue),
		global:  make(chan struct{}, cfg.MaxConcurrentGlobal),
		timeout: cfg.QueueTimeout,
		idleAge: cfg.IdleReapAfter,
		stopCh:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.reapLoop()

	return m
}

// acquire performs the atomic get-or-create of a per-account queue and
// marks it active in the same critical section reapIdle uses, so a
// queue can never be reaped between being handed to a caller and that
// caller recording its task as active.
func (m *Manager) acquire(accountID string) *accountQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[accountID]
	if !ok {
		q = &accountQueue{
			work:     make(chan queuedTask, 256),
			lastIdle: time.Now(),
			done:     make(chan struct{}),
		}
		m.queues[accountID] = q

		m.wg.Add(1)
		go m.drain(accountID, q)
	}

	q.mu.Lock()
	q.active++
	q.mu.Unlock()

	return q
}

// drain is the single worker goroutine for one account's queue: it
// processes tasks strictly in submission order, never in parallel with
// itself, so nonces issued within this account's work are never raced.
func (m *Manager) drain(accountID string, q *accountQueue) {
	defer m.wg.Done()

	for {
		select {
		case qt, ok := <-q.work:
			if !ok {
				return
			}
			m.runOne(q, qt)
		case <-q.done:
			return
		}
	}
}

func (m *Manager) runOne(q *accountQueue, qt queuedTask) {
	// Acquire the global semaphore; this is the only point a task from
	// one account can be held up by work happening on another account.
	select {
	case m.global <- struct{}{}:
	case <-qt.ctx.Done():
		qt.result <- taskResult{err: qt.ctx.Err()}
		m.finishTask(q)
		return
	}
	defer func() { <-m.global }()

	ctx := qt.ctx
	var cancel context.CancelFunc
	if m.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	value, err := m.runWithRecover(ctx, qt.task)
	if ctx.Err() == context.DeadlineExceeded && err == nil {
		err = ErrTaskTimeout
	}
	qt.result <- taskResult{value: value, err: err}
	m.finishTask(q)
}

// runWithRecover executes task, converting a panic into an error so a
// misbehaving task never kills the account's single drain goroutine;
// the queue advances to the next task regardless of failure mode.
func (m *Manager) runWithRecover(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("accountqueue: task panicked, recovered")
			err = errPanic(r)
		}
	}()
	return task(ctx)
}

func (m *Manager) finishTask(q *accountQueue) {
	q.mu.Lock()
	q.active--
	q.lastIdle = time.Now()
	q.mu.Unlock()
}

// RunOnAccount enqueues task for accountID and blocks until it runs and
// completes, or ctx is canceled first. Tasks for the same accountID run
// strictly in the order RunOnAccount was called for that account;
// distinct accounts run in parallel up to the global cap.
func (m *Manager) RunOnAccount(ctx context.Context, accountID string, task Task) (any, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	m.mu.Unlock()

	q := m.acquire(accountID)

	qt := queuedTask{ctx: ctx, task: task, result: make(chan taskResult, 1)}

	select {
	case q.work <- qt:
	case <-ctx.Done():
		q.mu.Lock()
		q.active--
		q.mu.Unlock()
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrStopped
	}

	select {
	case res := <-qt.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reapLoop removes account queues that have had zero active work for
// longer than idleAge, freeing the worker goroutine and map entry.
func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.idleAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, q := range m.queues {
		q.mu.Lock()
		idle := q.active == 0 && now.Sub(q.lastIdle) >= m.idleAge
		q.mu.Unlock()

		if idle {
			close(q.done)
			delete(m.queues, id)
		}
	}
}

// Stop resolves all in-flight work to completion and accepts no new
// tasks. It blocks until every account's drain goroutine has exited.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	queues := make([]*accountQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		close(q.work)
	}

	m.wg.Wait()
}

type panicError struct{ v any }

func (e panicError) Error() string { return "panic recovered" }

func errPanic(v any) error { return panicError{v: v} }
