// Package strategy implements StrategyRunner: one goroutine per active bot
// run that micro-batches incoming ticks, gates on kill switches, volatility,
// and cooldowns, evaluates the configured strategy, and hands qualifying
// signals off to the execution engine.
package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/execution"
	"github.com/aristath/tradecore/internal/risk"
	"github.com/aristath/tradecore/internal/ticks"
)

// Signal is the outcome of one strategy evaluation.
type Signal struct {
	Direction       *botrun.Direction
	Confidence      float64
	StakeMultiplier float64
	Reasons         []string
}

// Evaluator is a pluggable strategy: given the most recent required window
// of quotes, it decides whether to trade.
type Evaluator interface {
	Evaluate(symbol string, window []botrun.Quote) (Signal, error)
}

// TickSource is the subset of *ticks.Manager the runner needs.
type TickSource interface {
	Subscribe(ctx context.Context, accountID, symbol string, listener ticks.Listener) (ticks.ListenerHandle, error)
	Unsubscribe(handle ticks.ListenerHandle)
	WindowView(accountID, symbol string, n int) ([]botrun.Quote, bool)
}

// Manager owns every active Run, one per BotRun.
type Manager struct {
	ticksMgr TickSource
	riskMgr  *risk.Manager
	cache    *risk.Cache
	engine   *execution.Engine
	bus      *events.Manager
	log      zerolog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// New builds a StrategyRunner manager.
func New(ticksMgr TickSource, riskMgr *risk.Manager, cache *risk.Cache, engine *execution.Engine, bus *events.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		ticksMgr: ticksMgr,
		riskMgr:  riskMgr,
		cache:    cache,
		engine:   engine,
		bus:      bus,
		log:      log.With().Str("component", "strategy").Logger(),
		runs:     make(map[string]*Run),
	}
}

// Run is one live instance of a strategy executing against an account and
// symbol. All state transitions happen on its own goroutine.
type Run struct {
	mgr       *Manager
	evaluator Evaluator
	log       zerolog.Logger

	mu         sync.Mutex
	run        botrun.BotRun
	handle     ticks.ListenerHandle
	tickCh     chan botrun.Quote
	stopCh     chan struct{}
	pending    []botrun.Quote
	queueDepth int64

	budgetOverruns int64
}

// Start subscribes the run to its configured symbol and begins its
// evaluation loop in the background.
func (m *Manager) Start(ctx context.Context, br botrun.BotRun, evaluator Evaluator) (*Run, error) {
	r := &Run{
		mgr:       m,
		evaluator: evaluator,
		run:       br,
		tickCh:    make(chan botrun.Quote, 256),
		stopCh:    make(chan struct{}),
		log:       m.log.With().Str("bot_run_id", br.ID).Str("account_id", br.AccountID).Str("symbol", br.Symbol).Logger(),
	}
	r.run.Status = botrun.RunRunning
	r.run.StartedAt = time.Now()

	handle, err := m.ticksMgr.Subscribe(ctx, br.AccountID, br.Symbol, func(q botrun.Quote) {
		select {
		case r.tickCh <- q:
		default:
			r.log.Warn().Msg("tick channel full, dropping tick for this run")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe ticks: %w", err)
	}
	r.handle = handle

	m.mu.Lock()
	m.runs[br.ID] = r
	m.mu.Unlock()

	go r.loop()
	return r, nil
}

// Pause transitions the run to paused with the given reason, without
// unsubscribing (ticks keep accumulating but evaluation is skipped).
func (m *Manager) Pause(botRunID, reason string) {
	m.mu.Lock()
	r, ok := m.runs[botRunID]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.pause(reason)
}

// Resume clears a paused run's pause reason and lets evaluation proceed.
func (m *Manager) Resume(botRunID string) {
	m.mu.Lock()
	r, ok := m.runs[botRunID]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.resume()
}

// Stop unsubscribes the run, discards the pending batch, and removes it.
func (m *Manager) Stop(botRunID string) {
	m.mu.Lock()
	r, ok := m.runs[botRunID]
	delete(m.runs, botRunID)
	m.mu.Unlock()
	if !ok {
		return
	}
	close(r.stopCh)
	m.ticksMgr.Unsubscribe(r.handle)
}

func (r *Run) pause(reason string) {
	r.mu.Lock()
	r.run.Status = botrun.RunPaused
	r.run.PauseReason = reason
	r.mu.Unlock()
	r.mgr.bus.Publish(&events.StrategyPausedData{BotRunID: r.run.ID, Reason: reason})
}

func (r *Run) resume() {
	r.mu.Lock()
	r.run.Status = botrun.RunRunning
	r.run.PauseReason = ""
	r.mu.Unlock()
	r.mgr.bus.Publish(&events.StrategyResumedData{BotRunID: r.run.ID})
}

func (r *Run) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.Status == botrun.RunPaused
}

// immediate reports whether this run's micro-batch config is the identity
// (batch_size<=1 and batch_interval_ms<=0), meaning every tick dispatches.
func (r *Run) immediate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.BatchSize <= 1 && r.run.BatchIntervalMs <= 0
}

func (r *Run) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case q := <-r.tickCh:
			if r.immediate() {
				r.evaluateCycle(q)
				continue
			}
			r.mu.Lock()
			r.pending = append(r.pending, q)
			depth := int64(len(r.pending))
			batchSize := r.run.BatchSize
			intervalMs := r.run.BatchIntervalMs
			r.mu.Unlock()
			atomic.StoreInt64(&r.queueDepth, depth)

			if batchSize > 0 && depth >= int64(batchSize) {
				r.flush()
				if timer != nil {
					timer.Stop()
					timerC = nil
				}
				continue
			}
			if intervalMs > 0 && timer == nil {
				timer = time.NewTimer(time.Duration(intervalMs) * time.Millisecond)
				timerC = timer.C
			}
		case <-timerC:
			r.flush()
			timer = nil
			timerC = nil
		case <-r.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (r *Run) flush() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	atomic.StoreInt64(&r.queueDepth, 0)
	if len(pending) == 0 {
		return
	}
	r.evaluateCycle(pending[len(pending)-1])
}

// QueueDepth returns the current pending-tick count, for the batcher gauge.
func (r *Run) QueueDepth() int64 { return atomic.LoadInt64(&r.queueDepth) }

// BudgetOverruns returns the running count of strategy.budget_overrun events.
func (r *Run) BudgetOverruns() int64 { return atomic.LoadInt64(&r.budgetOverruns) }

// evaluateCycle runs the nine-step per-tick evaluation against the run's
// current configuration and the latest tick.
func (r *Run) evaluateCycle(latest botrun.Quote) {
	r.mu.Lock()
	br := r.run
	r.mu.Unlock()

	if br.Status == botrun.RunPaused {
		return
	}

	mgr := r.mgr
	ctx := context.Background()

	// 1. kill switch
	if mgr.riskMgr.IsActive(br.AccountID) {
		r.pause("kill_switch")
		return
	}

	// 2. window gate
	required := br.RequiredTicks
	if required <= 0 {
		required = 1
	}
	window, ok := mgr.ticksMgr.WindowView(br.AccountID, br.Symbol, required)
	if !ok {
		return
	}

	// 3. volatility guard: any ATR reading above threshold trips the kill
	// switch, full stop.
	if br.VolatilityGuard {
		atr := computeATR(window, br.VolatilityWindow)
		if atr > 0 && atr > br.VolatilityThreshold {
			mgr.riskMgr.Trigger(br.AccountID, risk.ReasonVolatilitySpike, false)
			r.pause(risk.ReasonVolatilitySpike)
			return
		}
	}

	// 4. cooldown
	if !br.LastTradeAt.IsZero() && time.Since(br.LastTradeAt).Milliseconds() < br.CooldownMs {
		return
	}

	// 5. evaluate strategy, with compute-budget guard
	start := time.Now()
	sig, err := r.evaluator.Evaluate(br.Symbol, window)
	elapsed := time.Since(start)
	if err != nil {
		r.log.Warn().Err(err).Msg("strategy evaluation failed")
		return
	}
	if br.ComputeBudgetMs > 0 && elapsed.Milliseconds() > br.ComputeBudgetMs {
		atomic.AddInt64(&r.budgetOverruns, 1)
		return
	}

	// 6. no signal
	if sig.Direction == nil {
		return
	}

	// 7. stake clamp
	multiplier := sig.StakeMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	stake := clamp(br.StakeBase*multiplier, br.StakeMin, br.StakeMax)

	// 8. risk cache gate
	evalResult := mgr.cache.Evaluate(br.AccountID, risk.EvalParams{
		ProposedStake:        stake,
		MaxStake:             br.StakeMax,
		DailyLossLimitPct:    br.DailyLossLimitPct,
		DrawdownLimitPct:     br.DrawdownLimitPct,
		MaxConsecutiveLosses: br.MaxConsecutiveLosses,
		CooldownMs:           br.CooldownMs,
		LossCooldownMs:       br.LossCooldownMs,
		MaxConcurrentTrades:  br.MaxConcurrentTrades,
	})
	switch evalResult.Status {
	case risk.StatusHalt:
		r.pause(evalResult.Reason)
		return
	case risk.StatusMaxConcurrent, risk.StatusCooldown:
		return
	case risk.StatusReduceStake:
		stake = evalResult.Stake
	}

	// 9. dispatch
	correlationID := uuid.NewString()
	res, err := mgr.engine.Execute(ctx, execution.Signal{
		AccountID:     br.AccountID,
		CorrelationID: correlationID,
		Symbol:        br.Symbol,
		Direction:     *sig.Direction,
		Stake:         stake,
		DurationValue: br.DurationValue,
		DurationUnit:  br.DurationUnit,
		BotRunID:      br.ID,
		TickRecvAt:    latest.RecvAt,
	}, execution.Limits{
		MaxOrderSize:        br.StakeMax,
		MaxNotional:         br.StakeMax,
		MaxExposure:         br.StakeMax * float64(maxInt(br.MaxConcurrentTrades, 1)),
		MaxConcurrentTrades: br.MaxConcurrentTrades,
		SlippagePct:         br.SlippagePct,
	})

	r.mu.Lock()
	r.run.LastTradeAt = time.Now()
	if err == nil {
		r.run.TradesExecuted++
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn().Err(err).Msg("execution failed")
		return
	}
	_ = res
}

func clamp(v, lo, hi float64) float64 {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// computeATR derives an Average True Range proxy from a tick-only price
// series (no separate high/low per tick, so true range collapses to the
// close-to-close difference) over the given window of most recent prices.
func computeATR(window []botrun.Quote, period int) float64 {
	if period <= 0 || len(window) < period+1 {
		return 0
	}
	closes := make([]float64, len(window))
	for i, q := range window {
		closes[i] = q.Price
	}
	atr := talib.Atr(closes, closes, closes, period)
	last := atr[len(atr)-1]
	if math.IsNaN(last) {
		return 0
	}
	return last
}
