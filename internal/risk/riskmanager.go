package risk

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/store"
)

const globalScope = "global"

// Automatic (non-manual) kill-switch trigger reasons.
const (
	ReasonCancelRateSpike       = "CANCEL_RATE_SPIKE"
	ReasonRejectSpike           = "REJECT_SPIKE"
	ReasonSlippageSpike         = "SLIPPAGE_SPIKE"
	ReasonReconnectStorm        = "RECONNECT_STORM"
	ReasonLatencyBlowout        = "LATENCY_BLOWOUT"
	ReasonVolatilitySpike       = "VOLATILITY_SPIKE"
	ReasonKillSwitchStateUnknown = "KILL_SWITCH_STATE_UNKNOWN"
)

// KillSwitchListener is notified on every kill-switch transition.
type KillSwitchListener func(scope string, active bool, reason string)

// windowCounter is a rolling-window event counter (1s/60s style), counted
// by trimming timestamps older than the window on every read.
type windowCounter struct {
	mu        sync.Mutex
	window    time.Duration
	timestamps []time.Time
}

func newWindowCounter(window time.Duration) *windowCounter {
	return &windowCounter{window: window}
}

func (w *windowCounter) record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timestamps = append(w.timestamps, time.Now())
	w.trim()
}

func (w *windowCounter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim()
	return len(w.timestamps)
}

func (w *windowCounter) trim() {
	cutoff := time.Now().Add(-w.window)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cutoff) {
		i++
	}
	w.timestamps = w.timestamps[i:]
}

// latencyTracker accumulates send-to-ack latency samples (milliseconds) in
// a tumbling window. At the end of each window it reduces the batch to a
// p99 via gonum/stat and updates a consecutive-breach streak; the caller
// decides whether the streak is long enough to trip LATENCY_BLOWOUT.
type latencyTracker struct {
	mu                   sync.Mutex
	windowStart          time.Time
	samples              []float64
	consecutiveBreaches  int
}

// rollIfDue reduces the current window to a p99 and starts a new one once
// windowDur has elapsed since windowStart, returning (p99Ms, true) for the
// window that just closed. It is a no-op (returns false) mid-window.
func (t *latencyTracker) rollIfDue(now time.Time, windowDur time.Duration) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.windowStart.IsZero() {
		t.windowStart = now
	}
	if now.Sub(t.windowStart) < windowDur {
		return 0, false
	}
	p99 := quantileP99(t.samples)
	t.samples = t.samples[:0]
	t.windowStart = now
	return p99, true
}

func (t *latencyTracker) add(ms float64) {
	t.mu.Lock()
	t.samples = append(t.samples, ms)
	t.mu.Unlock()
}

func quantileP99(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return stat.Quantile(0.99, stat.Empirical, sorted, nil)
}

// Manager implements the pre-trade risk gate and the kill-switch state
// machine described in spec §4.6.
type Manager struct {
	cache *Cache
	st    store.Store
	bus   *events.Manager
	log   zerolog.Logger

	autoClearTTL time.Duration
	failClosed   bool

	rejectLimitPerMin     int
	reconnectLimitPerMin  int
	slippageLimitPerMin   int
	maxCancelsPerSecond   int

	latencyP99Ms       int64
	latencyWindow      time.Duration
	latencyBreaches    int

	mu      sync.Mutex
	killSwitches map[string]*botrun.KillSwitchState
	listeners    []KillSwitchListener

	countersMu sync.Mutex
	orders     map[string]*windowCounter
	cancels    map[string]*windowCounter
	rejects    map[string]*windowCounter
	reconnects map[string]*windowCounter
	slippage   map[string]*windowCounter

	latencyMu sync.Mutex
	latency   map[string]*latencyTracker
}

// Config bundles the core-visible environment toggles the manager needs.
type Config struct {
	AutoClearTTL         time.Duration
	FailClosed           bool
	RejectLimitPerMin    int
	ReconnectLimitPerMin int
	SlippageLimitPerMin  int
	MaxCancelsPerSecond  int

	// LatencyP99Ms, LatencyWindow, and LatencyBreaches configure the
	// LATENCY_BLOWOUT guard: a send-to-ack p99 above LatencyP99Ms for
	// LatencyBreaches consecutive windows of width LatencyWindow trips the
	// kill switch.
	LatencyP99Ms    int64
	LatencyWindow   time.Duration
	LatencyBreaches int
}

// NewManager builds a RiskManager. cache is used for the exposure portion
// of the pre-trade gate.
func NewManager(cache *Cache, st store.Store, bus *events.Manager, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		cache:                cache,
		st:                   st,
		bus:                  bus,
		log:                  log.With().Str("component", "risk_manager").Logger(),
		autoClearTTL:         cfg.AutoClearTTL,
		failClosed:           cfg.FailClosed,
		rejectLimitPerMin:    cfg.RejectLimitPerMin,
		reconnectLimitPerMin: cfg.ReconnectLimitPerMin,
		slippageLimitPerMin:  cfg.SlippageLimitPerMin,
		maxCancelsPerSecond:  cfg.MaxCancelsPerSecond,
		latencyP99Ms:         cfg.LatencyP99Ms,
		latencyWindow:        cfg.LatencyWindow,
		latencyBreaches:      cfg.LatencyBreaches,
		killSwitches:         make(map[string]*botrun.KillSwitchState),
		orders:               make(map[string]*windowCounter),
		cancels:              make(map[string]*windowCounter),
		rejects:              make(map[string]*windowCounter),
		reconnects:           make(map[string]*windowCounter),
		slippage:             make(map[string]*windowCounter),
		latency:              make(map[string]*latencyTracker),
	}
}

// RestoreFromStore loads every persisted kill-switch row on startup. Rows
// older than TTL and non-manual are cleared; otherwise they are restored
// into memory and listeners are notified (testable property 5 & 6).
func (m *Manager) RestoreFromStore(ctx context.Context, accountIDs []string) error {
	scopes := append([]string{globalScope}, accountIDs...)
	anyRestored := false
	for _, scope := range scopes {
		raw, found, err := m.st.Get(ctx, "settings", scope+":kill_switch")
		if err != nil {
			if m.failClosed {
				m.forceUnknown(scope)
				continue
			}
			continue
		}
		if !found {
			continue
		}
		var ks botrun.KillSwitchState
		if err := json.Unmarshal([]byte(raw), &ks); err != nil {
			m.forceUnknown(scope)
			continue
		}
		ks.Scope = scope
		if !ks.Manual && time.Since(ks.TriggeredAt) > m.autoClearTTL {
			continue // cleared, not restored
		}
		m.mu.Lock()
		m.killSwitches[scope] = &ks
		m.mu.Unlock()
		anyRestored = true
		m.notify(scope, ks.Active, ks.Reason)
	}
	_ = anyRestored
	return nil
}

// forceUnknown applies the fail-closed KILL_SWITCH_STATE_UNKNOWN trigger
// when persisted state cannot be read or decoded at startup.
func (m *Manager) forceUnknown(scope string) {
	if !m.failClosed {
		return
	}
	m.Trigger(scope, ReasonKillSwitchStateUnknown, false)
}

// Trigger activates a kill switch for scope ("global" or an account id).
func (m *Manager) Trigger(scope, reason string, manual bool) {
	ks := &botrun.KillSwitchState{
		Scope:       scope,
		Active:      true,
		Reason:      reason,
		TriggeredAt: time.Now(),
		Manual:      manual,
	}
	m.mu.Lock()
	m.killSwitches[scope] = ks
	m.mu.Unlock()

	m.persist(scope, *ks)
	m.bus.Publish(&events.KillSwitchTriggeredData{Scope: scope, Reason: reason, Manual: manual})
	m.notify(scope, true, reason)
}

// Clear deactivates scope's kill switch. Used by the manual admin path; the
// automatic TTL path uses the inline/sweep auto-clear instead.
func (m *Manager) Clear(scope string) {
	m.mu.Lock()
	ks, ok := m.killSwitches[scope]
	if ok {
		now := time.Now()
		ks.Active = false
		ks.ClearedAt = &now
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.persist(scope, *ks)
	m.bus.Publish(&events.KillSwitchClearedData{Scope: scope, AutoClear: false})
	m.notify(scope, false, "")
}

// IsActive returns true if either accountID's switch or the global switch is
// active. Non-manual switches older than TTL are cleared inline on read.
func (m *Manager) IsActive(accountID string) bool {
	return m.checkScope(globalScope) || m.checkScope(accountID)
}

func (m *Manager) checkScope(scope string) bool {
	m.mu.Lock()
	ks, ok := m.killSwitches[scope]
	if !ok || !ks.Active {
		m.mu.Unlock()
		return false
	}
	if !ks.Manual && time.Since(ks.TriggeredAt) > m.autoClearTTL {
		now := time.Now()
		ks.Active = false
		ks.ClearedAt = &now
		snapshot := *ks
		m.mu.Unlock()
		m.persist(scope, snapshot)
		m.bus.Publish(&events.KillSwitchClearedData{Scope: scope, AutoClear: true})
		m.notify(scope, false, "")
		return false
	}
	active := ks.Active
	m.mu.Unlock()
	return active
}

// Sweep performs the same TTL auto-clear as checkScope, for every known
// scope, independent of reads. Intended to be called periodically (cron).
func (m *Manager) Sweep() {
	m.mu.Lock()
	scopes := make([]string, 0, len(m.killSwitches))
	for s := range m.killSwitches {
		scopes = append(scopes, s)
	}
	m.mu.Unlock()
	for _, s := range scopes {
		m.checkScope(s)
	}
}

// OnListener registers fn to be called on every kill-switch transition.
func (m *Manager) OnListener(fn KillSwitchListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) notify(scope string, active bool, reason string) {
	m.mu.Lock()
	fns := append([]KillSwitchListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(scope, active, reason)
	}
}

func (m *Manager) persist(scope string, ks botrun.KillSwitchState) {
	encoded, err := json.Marshal(ks)
	if err != nil {
		m.log.Error().Err(err).Str("scope", scope).Msg("encode kill_switch failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.st.Upsert(ctx, "settings", scope+":kill_switch", string(encoded), store.ConflictReplace); err != nil {
		m.log.Error().Err(err).Str("scope", scope).Msg("persist kill_switch failed")
	}
}

// --- rolling event counters -------------------------------------------------

func (m *Manager) counter(bucket map[string]*windowCounter, key string, window time.Duration) *windowCounter {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()
	c, ok := bucket[key]
	if !ok {
		c = newWindowCounter(window)
		bucket[key] = c
	}
	return c
}

// RecordOrder records an order attempt for the per-second/minute counters
// the pre-trade gate checks.
func (m *Manager) RecordOrder(accountID string) {
	m.counter(m.orders, accountID+":1s", time.Second).record()
	m.counter(m.orders, accountID+":60s", time.Minute).record()
}

// RecordCancel records a cancel and triggers CANCEL_RATE_SPIKE if the
// per-second rate exceeds the configured limit.
func (m *Manager) RecordCancel(accountID string) {
	c := m.counter(m.cancels, accountID, time.Second)
	c.record()
	if m.maxCancelsPerSecond > 0 && c.count() > m.maxCancelsPerSecond {
		m.Trigger(accountID, ReasonCancelRateSpike, false)
	}
}

// RecordReject records a reject and triggers REJECT_SPIKE on a per-minute
// threshold breach.
func (m *Manager) RecordReject(accountID string) {
	c := m.counter(m.rejects, accountID, time.Minute)
	c.record()
	if m.rejectLimitPerMin > 0 && c.count() > m.rejectLimitPerMin {
		m.Trigger(accountID, ReasonRejectSpike, false)
	}
}

// RecordReconnect records a reconnect and triggers RECONNECT_STORM on a
// per-minute threshold breach.
func (m *Manager) RecordReconnect(accountID string) {
	c := m.counter(m.reconnects, accountID, time.Minute)
	c.record()
	if m.reconnectLimitPerMin > 0 && c.count() > m.reconnectLimitPerMin {
		m.Trigger(accountID, ReasonReconnectStorm, false)
	}
}

// RecordSlippageReject records a slippage-guard rejection and triggers
// SLIPPAGE_SPIKE on a per-minute threshold breach.
func (m *Manager) RecordSlippageReject(accountID string) {
	c := m.counter(m.slippage, accountID, time.Minute)
	c.record()
	if m.slippageLimitPerMin > 0 && c.count() > m.slippageLimitPerMin {
		m.Trigger(accountID, ReasonSlippageSpike, false)
	}
}

// RecordLatency records one send-to-ack latency sample for accountID and,
// once the current window closes, evaluates its p99 against the configured
// threshold. LATENCY_BLOWOUT trips after LatencyBreaches consecutive
// windows breach LatencyP99Ms.
func (m *Manager) RecordLatency(accountID string, latency time.Duration) {
	if m.latencyWindow <= 0 {
		return
	}
	t := m.latencyTrackerFor(accountID)
	t.add(float64(latency.Milliseconds()))

	p99, rolled := t.rollIfDue(time.Now(), m.latencyWindow)
	if !rolled {
		return
	}

	t.mu.Lock()
	if m.latencyP99Ms > 0 && int64(p99) > m.latencyP99Ms {
		t.consecutiveBreaches++
	} else {
		t.consecutiveBreaches = 0
	}
	streak := t.consecutiveBreaches
	t.mu.Unlock()

	if m.latencyBreaches > 0 && streak >= m.latencyBreaches {
		m.Trigger(accountID, ReasonLatencyBlowout, false)
		t.mu.Lock()
		t.consecutiveBreaches = 0
		t.mu.Unlock()
	}
}

func (m *Manager) latencyTrackerFor(accountID string) *latencyTracker {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	t, ok := m.latency[accountID]
	if !ok {
		t = &latencyTracker{}
		m.latency[accountID] = t
	}
	return t
}

// OrdersPerSecond and OrdersPerMinute expose the rolling order counters for
// the pre-trade gate.
func (m *Manager) OrdersPerSecond(accountID string) int {
	return m.counter(m.orders, accountID+":1s", time.Second).count()
}

func (m *Manager) OrdersPerMinute(accountID string) int {
	return m.counter(m.orders, accountID+":60s", time.Minute).count()
}

// CounterSnapshot is a point-in-time read of one account's rolling event
// counters, for operational telemetry rather than gating.
type CounterSnapshot struct {
	OrdersPerSecond   int
	OrdersPerMinute   int
	CancelsPerSecond  int
	RejectsPerMinute  int
	ReconnectsPerMinute int
	SlippagePerMinute int
	KillSwitchActive bool
}

// Snapshot returns accountID's current rolling counters and kill-switch
// state for display, separate from the internal gating checks above.
func (m *Manager) Snapshot(accountID string) CounterSnapshot {
	return CounterSnapshot{
		OrdersPerSecond:     m.OrdersPerSecond(accountID),
		OrdersPerMinute:     m.OrdersPerMinute(accountID),
		CancelsPerSecond:    m.counter(m.cancels, accountID, time.Second).count(),
		RejectsPerMinute:    m.counter(m.rejects, accountID, time.Minute).count(),
		ReconnectsPerMinute: m.counter(m.reconnects, accountID, time.Minute).count(),
		SlippagePerMinute:   m.counter(m.slippage, accountID, time.Minute).count(),
		KillSwitchActive:    m.IsActive(accountID),
	}
}

// PreTradeGate checks order-size, exposure, and rate limits ahead of a
// proposal request. RiskCache's own Evaluate covers the PnL-based checks;
// this covers the purely rate/size-based ones.
func (m *Manager) PreTradeGate(accountID string, stake, maxOrderSize, maxNotional, maxExposure float64, maxOrdersPerSec, maxOrdersPerMin int) (ok bool, reason string) {
	if m.IsActive(accountID) {
		return false, "" // caller maps to KILL_SWITCH separately
	}
	if maxOrderSize > 0 && stake > maxOrderSize {
		return false, "MAX_ORDER_SIZE"
	}
	if maxNotional > 0 && stake > maxNotional {
		return false, "MAX_NOTIONAL"
	}
	if entry, found := m.cache.Get(accountID); found && maxExposure > 0 && entry.OpenExposure+stake > maxExposure {
		return false, "MAX_EXPOSURE"
	}
	if maxOrdersPerSec > 0 && m.OrdersPerSecond(accountID) >= maxOrdersPerSec {
		return false, "ORDERS_PER_SECOND"
	}
	if maxOrdersPerMin > 0 && m.OrdersPerMinute(accountID) >= maxOrdersPerMin {
		return false, "ORDERS_PER_MINUTE"
	}
	return true, ""
}
