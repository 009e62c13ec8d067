// Package nonce implements the Nonce Coordinator: a per-endpoint
// monotonically increasing request timestamp with clock-skew
// correction, grounded on exec.Client.addHeaders's use of a unix
// timestamp for request signing, generalized into a stateful,
// critical-section-guarded issuer so nonces stay strictly increasing
// even when multiple account queues hit the same endpoint.
package nonce

import (
	"regexp"
	"strconv"
	"sync"
	"time"
)

type endpointState struct {
	lastIssued int64
	skew       time.Duration
}

// Coordinator issues strictly increasing nonces per endpoint.
type Coordinator struct {
	mu    sync.Mutex
	state map[string]*endpointState
	now   func() time.Time
}

// New creates a Nonce Coordinator.
func New() *Coordinator {
	return &Coordinator{
		state: make(map[string]*endpointState),
		now:   time.Now,
	}
}

func (c *Coordinator) stateFor(endpoint string) *endpointState {
	s, ok := c.state[endpoint]
	if !ok {
		s = &endpointState{}
		c.state[endpoint] = s
	}
	return s
}

// Next issues the next nonce for endpoint: max(now+skew, lastIssued+1),
// atomically recorded as the new lastIssued. The coordinator-wide mutex
// (shared by all endpoints) is what keeps nonces strictly monotonic
// across concurrent account queues hitting the same endpoint.
func (c *Coordinator) Next(endpoint string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stateFor(endpoint)
	candidate := c.now().Add(s.skew).UnixMilli()
	if candidate <= s.lastIssued {
		candidate = s.lastIssued + 1
	}
	s.lastIssued = candidate
	return candidate
}

// serverTimestampPattern extracts a millisecond epoch timestamp from a
// vendor error string such as "invalid timestamp, server time: 1700000000000".
var serverTimestampPattern = regexp.MustCompile(`(?i)server\s*time[:=]?\s*(\d{10,13})`)

// ReportDrift is called when an error is classified as nonce/timestamp/
// signature drift. It extracts a server timestamp if the vendor message
// carries one, otherwise advances skew by a fixed correction step, and
// always resets lastIssued to 0 so the next Next() re-anchors on the
// (now corrected) clock rather than a stale issued value.
func (c *Coordinator) ReportDrift(endpoint string, vendorError string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stateFor(endpoint)

	if m := serverTimestampPattern.FindStringSubmatch(vendorError); m != nil {
		if ms, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			serverTime := msToTime(ms)
			s.skew = serverTime.Sub(c.now())
			s.lastIssued = 0
			return
		}
	}

	s.skew += time.Second
	s.lastIssued = 0
}

// SyncClock opportunistically sets skew = serverTime - now, typically
// called once at startup against adapter.FetchTime.
func (c *Coordinator) SyncClock(endpoint string, serverTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stateFor(endpoint)
	s.skew = serverTime.Sub(c.now())
}

// Skew returns the currently tracked clock skew for endpoint.
func (c *Coordinator) Skew(endpoint string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state[endpoint]; ok {
		return s.skew
	}
	return 0
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
