// Package risk implements RiskCache (per-account rolling aggregates with
// durable debounced snapshot and day rollover) and RiskManager (pre-trade
// gate, rolling event counters, and the kill-switch state machine).
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/store"
	"github.com/aristath/tradecore/internal/tradeerr"
)

// EvalStatus is the outcome of RiskCache.Evaluate.
type EvalStatus string

const (
	StatusOK            EvalStatus = "OK"
	StatusCooldown      EvalStatus = "COOLDOWN"
	StatusHalt          EvalStatus = "HALT"
	StatusReduceStake   EvalStatus = "REDUCE_STAKE"
	StatusMaxConcurrent EvalStatus = "MAX_CONCURRENT"
)

// EvalParams is the input to Evaluate, one call per pre-trade decision.
type EvalParams struct {
	ProposedStake        float64
	MaxStake             float64
	DailyLossLimitPct    float64
	DrawdownLimitPct     float64
	MaxConsecutiveLosses int
	CooldownMs           int64
	LossCooldownMs       int64
	MaxConcurrentTrades  int
}

// EvalResult is the outcome of Evaluate.
type EvalResult struct {
	Status     EvalStatus
	Reason     string
	CooldownMs int64
	Stake      float64 // clamped stake when Status == StatusReduceStake
}

// OpenedResult is the outcome of RecordTradeOpened.
type OpenedResult struct {
	Allowed bool
	Reason  string
}

type entryGuard struct {
	mu    sync.Mutex
	entry botrun.RiskEntry
}

// Cache holds one RiskEntry per account, each independently lockable so
// cross-account trade evaluation runs without contention.
type Cache struct {
	st  store.Store
	log zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entryGuard

	debounceMu sync.Mutex
	pending    map[string]*time.Timer
}

// NewCache builds a RiskCache backed by st.
func NewCache(st store.Store, log zerolog.Logger) *Cache {
	return &Cache{
		st:      st,
		log:     log.With().Str("component", "risk_cache").Logger(),
		entries: make(map[string]*entryGuard),
		pending: make(map[string]*time.Timer),
	}
}

func (c *Cache) guard(accountID string) *entryGuard {
	c.mu.RLock()
	g, ok := c.entries[accountID]
	c.mu.RUnlock()
	if ok {
		return g
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.entries[accountID]; ok {
		return g
	}
	g = &entryGuard{}
	c.entries[accountID] = g
	return g
}

// Hydrate loads accountID's entry from the store, if present.
func (c *Cache) Hydrate(ctx context.Context, accountID string) error {
	raw, found, err := c.st.Get(ctx, "settings", settingsKey(accountID, "risk_state"))
	if err != nil {
		return tradeerr.Wrap(tradeerr.PersistenceDegraded, err)
	}
	if !found {
		return nil
	}
	var entry botrun.RiskEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("decode risk_state for %s: %w", accountID, err)
	}
	entry.AccountID = accountID
	g := c.guard(accountID)
	g.mu.Lock()
	g.entry = entry
	g.mu.Unlock()
	return nil
}

// Warm initializes accountID's entry from a balance hint when no persisted
// state exists (new account or first run after data loss).
func (c *Cache) Warm(accountID string, balanceHint float64) {
	g := c.guard(accountID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entry.AccountID != "" {
		return // already hydrated
	}
	now := time.Now().UTC()
	g.entry = botrun.RiskEntry{
		AccountID:        accountID,
		Equity:           balanceHint,
		EquityPeak:       balanceHint,
		DailyStartEquity: balanceHint,
		DateKey:          dateKey(now),
		LastUpdated:      now,
	}
}

// Get returns the entry after performing day rollover, or HALT-uninitialized
// semantics are the caller's (Evaluate) concern, not Get's.
func (c *Cache) Get(accountID string) (botrun.RiskEntry, bool) {
	g := c.guard(accountID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entry.AccountID == "" {
		return botrun.RiskEntry{}, false
	}
	c.rollover(&g.entry)
	return g.entry, true
}

// rollover resets daily aggregates when the UTC date has changed; must be
// called with the entry's guard held.
func (c *Cache) rollover(e *botrun.RiskEntry) {
	today := dateKey(time.Now().UTC())
	if e.DateKey == today {
		return
	}
	e.DateKey = today
	e.DailyPnL = 0
	e.TotalLossToday = 0
	e.TotalProfitToday = 0
	e.LossStreak = 0
	e.ConsecutiveWins = 0
	e.DailyStartEquity = e.Equity
	// EquityPeak and open positions carry over untouched.
}

func dateKey(t time.Time) string { return t.Format("2006-01-02") }

// RecordTradeOpened bumps open exposure/count if under the configured
// concurrency cap.
func (c *Cache) RecordTradeOpened(accountID string, stake float64, maxConcurrent int) OpenedResult {
	g := c.guard(accountID)
	g.mu.Lock()
	defer g.mu.Unlock()
	c.rollover(&g.entry)

	if maxConcurrent > 0 && g.entry.OpenTradeCount >= maxConcurrent {
		return OpenedResult{Allowed: false, Reason: tradeerr.ReasonMaxConcurrent}
	}
	g.entry.OpenExposure += stake
	g.entry.OpenTradeCount++
	g.entry.LastUpdated = time.Now().UTC()
	c.scheduleSave(accountID)
	return OpenedResult{Allowed: true}
}

// RecordTradeFailedAttempt undoes the open-exposure bump from
// RecordTradeOpened, restoring pre-call values exactly (testable property 3).
func (c *Cache) RecordTradeFailedAttempt(accountID string, stake float64) {
	g := c.guard(accountID)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entry.OpenExposure -= stake
	if g.entry.OpenExposure < 0 {
		g.entry.OpenExposure = 0
	}
	if g.entry.OpenTradeCount > 0 {
		g.entry.OpenTradeCount--
	}
	g.entry.LastUpdated = time.Now().UTC()
	c.scheduleSave(accountID)
}

// SetOpenTradeState overwrites count/exposure directly, used by the
// settlement reconciler to rebuild state after restart.
func (c *Cache) SetOpenTradeState(accountID string, count int, exposure float64) {
	g := c.guard(accountID)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entry.OpenTradeCount = count
	g.entry.OpenExposure = exposure
	g.entry.LastUpdated = time.Now().UTC()
	c.scheduleSave(accountID)
}

// UpdateEquity overwrites the account's current equity (e.g. from a
// portfolio fetch during reconciliation).
func (c *Cache) UpdateEquity(accountID string, newEquity float64) {
	g := c.guard(accountID)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entry.Equity = newEquity
	if newEquity > g.entry.EquityPeak {
		g.entry.EquityPeak = newEquity
	}
	g.entry.LastUpdated = time.Now().UTC()
	c.scheduleSave(accountID)
}

// RecordTradeSettled applies a contract's realized profit to the account's
// daily and streak aggregates, and (unless skipExposure) reduces open
// exposure/count by stake.
func (c *Cache) RecordTradeSettled(accountID string, stake, profit float64, skipExposure bool) {
	g := c.guard(accountID)
	g.mu.Lock()
	defer g.mu.Unlock()
	c.rollover(&g.entry)

	now := time.Now().UTC()
	g.entry.DailyPnL += profit
	g.entry.Equity += profit
	if profit < 0 {
		g.entry.TotalLossToday += -profit
		g.entry.LossStreak++
		g.entry.ConsecutiveWins = 0
		g.entry.LastLossTime = &now
	} else {
		g.entry.TotalProfitToday += profit
		g.entry.ConsecutiveWins++
		g.entry.LossStreak = 0
	}
	if g.entry.Equity > g.entry.EquityPeak {
		g.entry.EquityPeak = g.entry.Equity
	}
	g.entry.LastTradeTime = &now

	if !skipExposure {
		g.entry.OpenExposure -= stake
		if g.entry.OpenExposure < 0 {
			g.entry.OpenExposure = 0
		}
		if g.entry.OpenTradeCount > 0 {
			g.entry.OpenTradeCount--
		}
	}
	g.entry.LastUpdated = now
	c.scheduleSave(accountID)
}

// Evaluate runs the pre-trade gate against accountID's current entry.
// Fails closed: an uninitialized account halts.
func (c *Cache) Evaluate(accountID string, p EvalParams) EvalResult {
	g := c.guard(accountID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.entry.AccountID == "" {
		return EvalResult{Status: StatusHalt, Reason: tradeerr.ReasonUninitialized}
	}
	c.rollover(&g.entry)
	e := g.entry
	now := time.Now()

	if p.MaxConcurrentTrades > 0 && e.OpenTradeCount >= p.MaxConcurrentTrades {
		return EvalResult{Status: StatusMaxConcurrent, Reason: tradeerr.ReasonMaxConcurrent}
	}

	if p.MaxConsecutiveLosses > 0 && e.LossStreak >= p.MaxConsecutiveLosses && e.LastLossTime != nil {
		elapsed := now.Sub(*e.LastLossTime).Milliseconds()
		if elapsed < p.LossCooldownMs {
			return EvalResult{Status: StatusCooldown, Reason: tradeerr.ReasonLossStreak, CooldownMs: p.LossCooldownMs - elapsed}
		}
	}

	if e.LastTradeTime != nil {
		elapsed := now.Sub(*e.LastTradeTime).Milliseconds()
		if elapsed < p.CooldownMs {
			return EvalResult{Status: StatusCooldown, Reason: tradeerr.ReasonTradeCooldown, CooldownMs: p.CooldownMs - elapsed}
		}
	}

	if p.DailyLossLimitPct > 0 && e.DailyStartEquity > 0 {
		lossPct := (e.TotalLossToday / e.DailyStartEquity) * 100
		if lossPct >= p.DailyLossLimitPct {
			return EvalResult{Status: StatusHalt, Reason: tradeerr.ReasonDailyLoss}
		}
	}

	if p.DrawdownLimitPct > 0 && e.EquityPeak > 0 {
		ddPct := ((e.EquityPeak - e.Equity) / e.EquityPeak) * 100
		if ddPct >= p.DrawdownLimitPct {
			return EvalResult{Status: StatusHalt, Reason: tradeerr.ReasonDrawdown}
		}
	}

	if p.MaxStake > 0 && p.ProposedStake > p.MaxStake {
		return EvalResult{Status: StatusReduceStake, Reason: tradeerr.ReasonStakeLimit, Stake: p.MaxStake}
	}

	return EvalResult{Status: StatusOK, Stake: p.ProposedStake}
}

// scheduleSave debounces a durable snapshot write to ~1s per account,
// coalescing rapid mutations into a single write. Must be called with the
// account's guard held.
func (c *Cache) scheduleSave(accountID string) {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	if _, pending := c.pending[accountID]; pending {
		return
	}
	c.pending[accountID] = time.AfterFunc(time.Second, func() {
		c.debounceMu.Lock()
		delete(c.pending, accountID)
		c.debounceMu.Unlock()
		c.flush(accountID)
	})
}

func (c *Cache) flush(accountID string) {
	g := c.guard(accountID)
	g.mu.Lock()
	entry := g.entry
	g.mu.Unlock()

	encoded, err := json.Marshal(entry)
	if err != nil {
		c.log.Error().Err(err).Str("account_id", accountID).Msg("encode risk_state failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.st.Upsert(ctx, "settings", settingsKey(accountID, "risk_state"), string(encoded), store.ConflictReplace); err != nil {
		c.log.Error().Err(err).Str("account_id", accountID).Msg("persist risk_state failed")
	}
}

func settingsKey(accountID, field string) string { return accountID + ":" + field }
