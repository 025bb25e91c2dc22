// Package ticks implements the per-(account,symbol) tick subscription
// manager: warm-start history fetch, ring buffer, epoch-ordering guard, and
// resubscribe-without-rehistory on reconnect.
package ticks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/session"
)

// UpstreamSession is the subset of *session.Manager the tick stream needs,
// kept as an interface so tests can substitute a fake.
type UpstreamSession interface {
	SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error)
	SendFireAndForget(accountID string, frame map[string]any) error
	RegisterStreamingListener(accountID string, fn session.StreamingListener) error
	RegisterConnectionReadyListener(accountID string, fn session.ConnectionReadyListener) error
}

// Listener receives each accepted (in-order) tick.
type Listener func(q botrun.Quote)

type registeredListener struct {
	id int64
	fn Listener
}

type subscription struct {
	accountID string
	symbol    string
	buf       *RingBuffer
	lastEpoch int64
	listeners []registeredListener
	nextID    int64
	active    bool
	mu        sync.Mutex

	outOfOrderDrops int64
	seqGaps         int64
}

// Manager owns every active tick subscription, keyed by (account, symbol).
type Manager struct {
	upstream      UpstreamSession
	bus           *events.Manager
	log           zerolog.Logger
	bufferSize    int
	historyCount  int

	mu   sync.Mutex
	subs map[string]*subscription

	wiredAccounts map[string]bool
}

// NewManager builds a tick stream manager. bufferSize is the ring buffer
// capacity per subscription (N≈100); historyCount is how many historical
// ticks are fetched on warm start (≈50).
func NewManager(upstream UpstreamSession, bus *events.Manager, bufferSize, historyCount int, log zerolog.Logger) *Manager {
	return &Manager{
		upstream:      upstream,
		bus:           bus,
		log:           log.With().Str("component", "tick_stream").Logger(),
		bufferSize:    bufferSize,
		historyCount:  historyCount,
		subs:          make(map[string]*subscription),
		wiredAccounts: make(map[string]bool),
	}
}

func key(accountID, symbol string) string { return accountID + "|" + symbol }

// ListenerHandle identifies a registered listener for later Unsubscribe.
type ListenerHandle struct {
	accountID string
	symbol    string
	id        int64
}

// Subscribe registers listener for (accountID, symbol). If a subscription
// already exists, the listener is added and immediately replayed the last
// tick (if any); otherwise a new subscription is created, warm-started from
// history, and then subscribed live.
func (m *Manager) Subscribe(ctx context.Context, accountID, symbol string, listener Listener) (ListenerHandle, error) {
	m.ensureWired(accountID)

	m.mu.Lock()
	sub, exists := m.subs[key(accountID, symbol)]
	if !exists {
		sub = &subscription{accountID: accountID, symbol: symbol, buf: NewRingBuffer(m.bufferSize), active: true}
		m.subs[key(accountID, symbol)] = sub
	}
	m.mu.Unlock()

	sub.mu.Lock()
	sub.nextID++
	id := sub.nextID
	sub.listeners = append(sub.listeners, registeredListener{id: id, fn: listener})
	last, hasLast := sub.buf.Last()
	sub.mu.Unlock()

	handle := ListenerHandle{accountID: accountID, symbol: symbol, id: id}

	if exists {
		if hasLast {
			listener(last)
		}
		return handle, nil
	}

	if err := m.warmStart(ctx, sub); err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("warm start history fetch failed, continuing live-only")
	}
	return handle, m.upstream.SendFireAndForget(accountID, map[string]any{"ticks": symbol, "subscribe": 1})
}

// Unsubscribe removes the listener identified by handle; once a
// subscription's listener set empties, a forget frame is sent and the
// subscription is dropped.
func (m *Manager) Unsubscribe(handle ListenerHandle) {
	k := key(handle.accountID, handle.symbol)
	m.mu.Lock()
	sub, ok := m.subs[k]
	m.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	filtered := sub.listeners[:0]
	for _, l := range sub.listeners {
		if l.id != handle.id {
			filtered = append(filtered, l)
		}
	}
	sub.listeners = filtered
	empty := len(sub.listeners) == 0
	sub.mu.Unlock()

	if empty {
		m.mu.Lock()
		delete(m.subs, k)
		m.mu.Unlock()
		_ = m.upstream.SendFireAndForget(handle.accountID, map[string]any{"forget": handle.symbol})
	}
}

// WindowView returns the last n quotes for (accountID, symbol), oldest
// first, or false if fewer than n are buffered.
func (m *Manager) WindowView(accountID, symbol string, n int) ([]botrun.Quote, bool) {
	m.mu.Lock()
	sub, ok := m.subs[key(accountID, symbol)]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.buf.WindowView(n)
}

func (m *Manager) warmStart(ctx context.Context, sub *subscription) error {
	deadline := time.Now().Add(5 * time.Second)
	raw, err := m.upstream.SendRequest(ctx, sub.accountID, map[string]any{
		"ticks_history": sub.symbol,
		"count":         m.historyCount,
		"end":           "latest",
		"style":         "ticks",
	}, deadline)
	if err != nil {
		return err
	}

	var resp struct {
		History struct {
			Prices []float64 `json:"prices"`
			Times  []int64   `json:"times"`
		} `json:"history"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode ticks_history: %w", err)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	for i := range resp.History.Prices {
		q := botrun.Quote{Epoch: resp.History.Times[i], Price: resp.History.Prices[i], RecvAt: time.Now(), WallAt: time.Now()}
		sub.buf.Push(q)
		sub.lastEpoch = q.Epoch
	}
	return nil
}

// ensureWired registers the streaming listener (dispatching live ticks) and
// the reconnect listener (resubscribing, without refetching history) for
// accountID exactly once.
func (m *Manager) ensureWired(accountID string) {
	m.mu.Lock()
	if m.wiredAccounts[accountID] {
		m.mu.Unlock()
		return
	}
	m.wiredAccounts[accountID] = true
	m.mu.Unlock()

	_ = m.upstream.RegisterStreamingListener(accountID, func(msgType string, payload json.RawMessage) {
		if msgType != "tick" {
			return
		}
		m.handleTick(accountID, payload)
	})

	_ = m.upstream.RegisterConnectionReadyListener(accountID, func(isReconnect bool) {
		if !isReconnect {
			return
		}
		m.resubscribeAll(accountID)
	})
}

func (m *Manager) resubscribeAll(accountID string) {
	m.mu.Lock()
	var symbols []string
	for _, sub := range m.subs {
		if sub.accountID == accountID {
			symbols = append(symbols, sub.symbol)
		}
	}
	m.mu.Unlock()
	for _, sym := range symbols {
		_ = m.upstream.SendFireAndForget(accountID, map[string]any{"ticks": sym, "subscribe": 1})
	}
}

func (m *Manager) handleTick(accountID string, payload json.RawMessage) {
	var frame struct {
		Tick struct {
			Symbol string  `json:"symbol"`
			Epoch  int64   `json:"epoch"`
			Quote  float64 `json:"quote"`
		} `json:"tick"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}

	m.mu.Lock()
	sub, ok := m.subs[key(accountID, frame.Tick.Symbol)]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.applyTick(sub, botrun.Quote{
		Epoch:  frame.Tick.Epoch,
		Price:  frame.Tick.Quote,
		RecvAt: time.Now(),
		WallAt: time.Now(),
	})
}

// applyTick validates ordering (spec §4.2), pushes into the ring buffer,
// and fans out to listeners. The package's tests reach it through
// handleTick, without going through the upstream.
func (m *Manager) applyTick(sub *subscription, q botrun.Quote) {
	sub.mu.Lock()
	if q.Epoch <= sub.lastEpoch && sub.lastEpoch != 0 {
		sub.outOfOrderDrops++
		sub.mu.Unlock()
		m.bus.Publish(&events.TickOutOfOrderDropData{AccountID: sub.accountID, Symbol: sub.symbol, LastEpoch: sub.lastEpoch, DropEpoch: q.Epoch})
		return
	}
	if sub.lastEpoch != 0 && q.Epoch > sub.lastEpoch+1 {
		sub.seqGaps++
		m.bus.Publish(&events.TickSeqGapData{AccountID: sub.accountID, Symbol: sub.symbol, LastEpoch: sub.lastEpoch, NewEpoch: q.Epoch})
	}

	sub.buf.Push(q)
	sub.lastEpoch = q.Epoch
	listeners := append([]registeredListener(nil), sub.listeners...)
	sub.mu.Unlock()

	for _, l := range listeners {
		l.fn(q)
	}
}

// Counters returns (out_of_order_drop, seq_gap) for (accountID, symbol).
func (m *Manager) Counters(accountID, symbol string) (int64, int64) {
	m.mu.Lock()
	sub, ok := m.subs[key(accountID, symbol)]
	m.mu.Unlock()
	if !ok {
		return 0, 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.outOfOrderDrops, sub.seqGaps
}
