package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STREAMING ADAPTER: live ticker cache over a reconnecting websocket
// ═══════════════════════════════════════════════════════════════════════════════
//
// Grounded on feeds.PolymarketFeed's connection/ping/read loop. Wraps a
// CLOBAdapter for everything except FetchTicker, which it answers from
// an in-memory best-bid/ask cache fed by the socket, falling back to
// the wrapped adapter's REST snapshot when the cache has nothing yet
// or the socket is disconnected.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	streamReconnectDelay = 5 * time.Second
	streamPingInterval   = 30 * time.Second
)

// StreamingAdapter decorates a *CLOBAdapter with a live ticker feed.
type StreamingAdapter struct {
	*CLOBAdapter

	wsURL string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	prices map[string]Ticker // symbol -> last known best bid/ask/last
}

// NewStreamingAdapter wraps base with a live ticker feed dialed at wsURL.
func NewStreamingAdapter(base *CLOBAdapter, wsURL string) *StreamingAdapter {
	return &StreamingAdapter{
		CLOBAdapter: base,
		wsURL:       wsURL,
		stopCh:      make(chan struct{}),
		prices:      make(map[string]Ticker),
	}
}

// Start dials the feed and begins processing in the background. It is
// safe to call FetchTicker before Start returns; callers fall back to
// the REST snapshot until the first tick arrives.
func (s *StreamingAdapter) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.connectionLoop()
	log.Info().Str("endpoint", s.ID()).Msg("📡 streaming adapter started")
}

// Stop tears down the connection and stops reconnecting.
func (s *StreamingAdapter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)

	if s.conn != nil {
		s.conn.Close()
	}

	log.Info().Str("endpoint", s.ID()).Msg("streaming adapter stopped")
}

func (s *StreamingAdapter) connectionLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connect(); err != nil {
			log.Error().Err(err).Str("endpoint", s.ID()).Msg("stream connection failed, retrying")
			time.Sleep(streamReconnectDelay)
			continue
		}

		s.readLoop()
		time.Sleep(streamReconnectDelay)
	}
}

func (s *StreamingAdapter) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	log.Info().Str("endpoint", s.ID()).Msg("🔌 stream connected")

	go s.pingLoop()
	return nil
}

func (s *StreamingAdapter) pingLoop() {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn, connected := s.conn, s.connected
			s.mu.RUnlock()

			if connected && conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

func (s *StreamingAdapter) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("endpoint", s.ID()).Msg("stream read error")
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			return
		}

		s.processMessage(message)
	}
}

// wsTick is the wire shape of a book/price update on the stream.
type wsTick struct {
	EventType string `json:"event_type"`
	Symbol    string `json:"symbol"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Last      string `json:"last"`
}

func (s *StreamingAdapter) processMessage(data []byte) {
	var ticks []wsTick
	if err := json.Unmarshal(data, &ticks); err != nil {
		var tick wsTick
		if err := json.Unmarshal(data, &tick); err != nil {
			return
		}
		ticks = []wsTick{tick}
	}

	for _, t := range ticks {
		if t.Symbol == "" {
			continue
		}
		bid, _ := decimal.NewFromString(t.Bid)
		ask, _ := decimal.NewFromString(t.Ask)
		last, _ := decimal.NewFromString(t.Last)

		s.mu.Lock()
		s.prices[t.Symbol] = Ticker{Bid: bid, Ask: ask, Last: last}
		s.mu.Unlock()
	}
}

// FetchTicker answers from the live cache when present and the socket
// is connected, otherwise falls through to the wrapped adapter's REST
// snapshot.
func (s *StreamingAdapter) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	s.mu.RLock()
	cached, ok := s.prices[symbol]
	connected := s.connected
	s.mu.RUnlock()

	if ok && connected && !cached.Bid.IsZero() && !cached.Ask.IsZero() {
		return cached, nil
	}

	return s.CLOBAdapter.FetchTicker(ctx, symbol)
}

func (s *StreamingAdapter) Capabilities() Capabilities {
	caps := s.CLOBAdapter.Capabilities()
	caps.FetchTicker = true
	return caps
}
