// Package marketdata tracks per-(account,symbol) order-book state with a
// synthetic tick-derived fallback when the upstream doesn't offer book
// depth for a symbol.
package marketdata

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/session"
)

// UpstreamSession is the subset of *session.Manager market data needs.
type UpstreamSession interface {
	SendFireAndForget(accountID string, frame map[string]any) error
	RegisterStreamingListener(accountID string, fn session.StreamingListener) error
	RegisterConnectionReadyListener(accountID string, fn session.ConnectionReadyListener) error
}

const syntheticWindow = 20

// Snapshot is the set of derived quantities exposed to strategies,
// regardless of which mode produced them.
type Snapshot struct {
	Mode        botrun.MarketDataMode
	BestBid     float64
	BestAsk     float64
	Mid         float64
	Spread      float64
	MicroPrice  float64
	Imbalance   float64
	Momentum    float64
	UpdatedAt   time.Time
}

type state struct {
	mu     sync.Mutex
	mode   botrun.MarketDataMode
	bids   []botrun.BookLevel
	asks   []botrun.BookLevel
	prices []float64 // synthetic-mode ring of recent trade prices
	deltas []float64 // synthetic-mode ring of signed price deltas
	last   Snapshot
}

// Manager tracks MarketDataState for every (account, symbol) pair a
// StrategyRunner has started.
type Manager struct {
	upstream UpstreamSession
	log      zerolog.Logger
	depth    int

	mu    sync.Mutex
	states map[string]*state
	wired  map[string]bool
}

// NewManager builds a market data manager. depth is the order-book depth
// requested from the upstream {order_book, subscribe:1, depth} frame.
func NewManager(upstream UpstreamSession, depth int, log zerolog.Logger) *Manager {
	return &Manager{
		upstream: upstream,
		depth:    depth,
		log:      log.With().Str("component", "market_data").Logger(),
		states:   make(map[string]*state),
		wired:    make(map[string]bool),
	}
}

func key(accountID, symbol string) string { return accountID + "|" + symbol }

// StartOrderBook subscribes to order-book depth for (accountID, symbol).
func (m *Manager) StartOrderBook(ctx context.Context, accountID, symbol string) error {
	m.ensureWired(accountID)
	m.mu.Lock()
	st, ok := m.states[key(accountID, symbol)]
	if !ok {
		st = &state{mode: botrun.ModeOrderBook}
		m.states[key(accountID, symbol)] = st
	} else {
		st.mu.Lock()
		st.mode = botrun.ModeOrderBook
		st.mu.Unlock()
	}
	m.mu.Unlock()
	return m.upstream.SendFireAndForget(accountID, map[string]any{"order_book": symbol, "subscribe": 1, "depth": m.depth})
}

// StartSynthetic registers (accountID, symbol) for the tick-derived
// fallback; it is fed via ObserveTick rather than an upstream subscription.
func (m *Manager) StartSynthetic(accountID, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[key(accountID, symbol)]; !ok {
		m.states[key(accountID, symbol)] = &state{mode: botrun.ModeSynthetic}
	}
}

// Snapshot returns the most recently derived quantities for (account, symbol).
func (m *Manager) Snapshot(accountID, symbol string) (Snapshot, bool) {
	m.mu.Lock()
	st, ok := m.states[key(accountID, symbol)]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.last, true
}

// ObserveTick feeds a trade price into the synthetic fallback for
// (account, symbol). No-op if the pair is in order-book mode.
func (m *Manager) ObserveTick(accountID, symbol string, price float64, at time.Time) {
	m.mu.Lock()
	st, ok := m.states[key(accountID, symbol)]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.mode != botrun.ModeSynthetic {
		return
	}

	if len(st.prices) > 0 {
		delta := price - st.prices[len(st.prices)-1]
		st.deltas = appendBounded(st.deltas, delta, syntheticWindow)
	}
	st.prices = appendBounded(st.prices, price, syntheticWindow)

	st.last = computeSynthetic(st.prices, st.deltas, at)
}

func appendBounded(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// computeSynthetic derives imbalance from signed-delta sums, spread from
// the absolute last delta, and short-horizon momentum from
// (last_price - price_at(t-window)) / price_at.
func computeSynthetic(prices, deltas []float64, at time.Time) Snapshot {
	snap := Snapshot{Mode: botrun.ModeSynthetic, UpdatedAt: at}
	if len(prices) == 0 {
		return snap
	}
	last := prices[len(prices)-1]
	snap.Mid = last

	var posSum, negSum, absLast float64
	for _, d := range deltas {
		if d > 0 {
			posSum += d
		} else {
			negSum += -d
		}
	}
	total := posSum + negSum
	if total > 0 {
		snap.Imbalance = (posSum - negSum) / total
	}
	if len(deltas) > 0 {
		absLast = math.Abs(deltas[len(deltas)-1])
	}
	snap.Spread = absLast

	if len(prices) > 1 {
		first := prices[0]
		if first != 0 {
			snap.Momentum = (last - first) / first
		}
	}
	return snap
}

// applyOrderBook updates order-book mode state from an upstream
// {order_book} streaming frame.
func (m *Manager) applyOrderBook(accountID, symbol string, bids, asks []botrun.BookLevel, at time.Time) {
	m.mu.Lock()
	st, ok := m.states[key(accountID, symbol)]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.mode != botrun.ModeOrderBook {
		return
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	st.bids, st.asks = bids, asks
	st.last = computeOrderBook(bids, asks, at)
}

// computeOrderBook derives best bid/ask, mid, spread, size-weighted
// micro-price, and top-N imbalance from sorted book levels.
func computeOrderBook(bids, asks []botrun.BookLevel, at time.Time) Snapshot {
	snap := Snapshot{Mode: botrun.ModeOrderBook, UpdatedAt: at}
	if len(bids) == 0 || len(asks) == 0 {
		return snap
	}
	bestBid, bestAsk := bids[0], asks[0]
	snap.BestBid, snap.BestAsk = bestBid.Price, bestAsk.Price
	snap.Mid = (bestBid.Price + bestAsk.Price) / 2
	snap.Spread = bestAsk.Price - bestBid.Price

	denom := bestBid.Size + bestAsk.Size
	if denom > 0 {
		snap.MicroPrice = (bestBid.Price*bestAsk.Size + bestAsk.Price*bestBid.Size) / denom
	}

	var bidSize, askSize float64
	for _, l := range bids {
		bidSize += l.Size
	}
	for _, l := range asks {
		askSize += l.Size
	}
	if total := bidSize + askSize; total > 0 {
		snap.Imbalance = (bidSize - askSize) / total
	}
	return snap
}

func (m *Manager) ensureWired(accountID string) {
	m.mu.Lock()
	if m.wired[accountID] {
		m.mu.Unlock()
		return
	}
	m.wired[accountID] = true
	m.mu.Unlock()

	_ = m.upstream.RegisterStreamingListener(accountID, func(msgType string, payload json.RawMessage) {
		if msgType != "order_book" {
			return
		}
		m.handleOrderBookFrame(accountID, payload)
	})

	_ = m.upstream.RegisterConnectionReadyListener(accountID, func(isReconnect bool) {
		if !isReconnect {
			return
		}
		m.resubscribeOrderBookPairs(accountID)
	})
}

func (m *Manager) handleOrderBookFrame(accountID string, payload json.RawMessage) {
	var frame struct {
		OrderBook struct {
			Symbol string           `json:"symbol"`
			Bids   [][2]float64     `json:"bids"`
			Asks   [][2]float64     `json:"asks"`
		} `json:"order_book"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	toLevels := func(raw [][2]float64) []botrun.BookLevel {
		out := make([]botrun.BookLevel, len(raw))
		for i, r := range raw {
			out[i] = botrun.BookLevel{Price: r[0], Size: r[1]}
		}
		return out
	}
	m.applyOrderBook(accountID, frame.OrderBook.Symbol, toLevels(frame.OrderBook.Bids), toLevels(frame.OrderBook.Asks), time.Now())
}

// resubscribeOrderBookPairs re-sends {order_book, subscribe:1, depth} for
// every (account, symbol) currently in order-book mode after a reconnect.
func (m *Manager) resubscribeOrderBookPairs(accountID string) {
	m.mu.Lock()
	var symbols []string
	for k, st := range m.states {
		st.mu.Lock()
		mode := st.mode
		st.mu.Unlock()
		if mode != botrun.ModeOrderBook {
			continue
		}
		if owner, sym := splitKey(k); owner == accountID {
			symbols = append(symbols, sym)
		}
	}
	m.mu.Unlock()

	for _, sym := range symbols {
		_ = m.upstream.SendFireAndForget(accountID, map[string]any{"order_book": sym, "subscribe": 1, "depth": m.depth})
	}
}

func splitKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
