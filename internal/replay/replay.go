// Package replay feeds a recorded sequence of tick frames through the same
// TickStream and StrategyRunner path used live, against an in-memory fake
// upstream session. It exists for local strategy iteration, not formal
// backtesting: no slippage model, no historical order book, no P&L report
// beyond what RiskCache already tracks in memory.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/execution"
	"github.com/aristath/tradecore/internal/risk"
	"github.com/aristath/tradecore/internal/session"
	"github.com/aristath/tradecore/internal/strategy"
	"github.com/aristath/tradecore/internal/ticks"
)

// Frame is one recorded line: a raw upstream tick frame plus the delay to
// wait before delivering it, so a recording can preserve its real pacing.
type Frame struct {
	DelayMs int64           `json:"delay_ms"`
	Tick    json.RawMessage `json:"tick"`
}

// fakeUpstream answers ticks_history with an empty warm-start and captures
// the streaming listener so Runner can push recorded frames into it
// directly, bypassing any real network.
type fakeUpstream struct {
	mu       sync.Mutex
	listener session.StreamingListener
}

func (f *fakeUpstream) SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"history": map[string]any{"prices": []float64{}, "times": []int64{}}})
}
func (f *fakeUpstream) SendFireAndForget(accountID string, frame map[string]any) error { return nil }
func (f *fakeUpstream) RegisterStreamingListener(accountID string, fn session.StreamingListener) error {
	f.mu.Lock()
	f.listener = fn
	f.mu.Unlock()
	return nil
}
func (f *fakeUpstream) RegisterConnectionReadyListener(accountID string, fn session.ConnectionReadyListener) error {
	return nil
}

func (f *fakeUpstream) deliver(msgType string, payload json.RawMessage) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l(msgType, payload)
	}
}

// Runner wires a throwaway TickStream/StrategyRunner pair against the fake
// upstream and drives it from a recorded frame stream.
type Runner struct {
	upstream    *fakeUpstream
	ticksMgr    *ticks.Manager
	strategyMgr *strategy.Manager
	cache       *risk.Cache
	riskMgr     *risk.Manager
	log         zerolog.Logger
	realtime    bool
}

// Config tunes the replay runner.
type Config struct {
	HistoryCount int
	Realtime     bool // honor each frame's DelayMs instead of replaying as fast as possible
}

// New builds a Runner with an in-memory risk cache/manager and a no-op
// execution engine upstream, so strategy signals dispatch through the real
// pipeline without touching any network.
func New(cfg Config, log zerolog.Logger) *Runner {
	bus := events.NewManager(log)
	up := &fakeUpstream{}
	st := newMemStore()
	cache := risk.NewCache(st, log)
	riskMgr := risk.NewManager(cache, st, bus, risk.Config{FailClosed: false}, log)
	ticksMgr := ticks.NewManager(up, bus, 1024, cfg.HistoryCount, log)
	engine := execution.New(&noopExecUpstream{}, cache, riskMgr, st, bus, execution.Config{}, log)
	strategyMgr := strategy.New(ticksMgr, riskMgr, cache, engine, bus, log)

	return &Runner{
		upstream:    up,
		ticksMgr:    ticksMgr,
		strategyMgr: strategyMgr,
		cache:       cache,
		riskMgr:     riskMgr,
		log:         log,
		realtime:    cfg.Realtime,
	}
}

// Run starts a bot run against replayed ticks for its (account, symbol) and
// streams recorded frames from r until EOF or ctx cancellation.
func (rn *Runner) Run(ctx context.Context, br botrun.BotRun, evaluator strategy.Evaluator, r io.Reader) error {
	rn.cache.Warm(br.AccountID, 100_000)
	if _, err := rn.strategyMgr.Start(ctx, br, evaluator); err != nil {
		return fmt.Errorf("start replay run: %w", err)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var delivered int
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return fmt.Errorf("decode replay frame %d: %w", delivered, err)
		}
		if rn.realtime && f.DelayMs > 0 {
			select {
			case <-time.After(time.Duration(f.DelayMs) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		rn.upstream.deliver("tick", f.Tick)
		delivered++
	}
	rn.log.Info().Int("frames", delivered).Str("bot_run_id", br.ID).Msg("replay complete")
	return scanner.Err()
}

// Stop tears down the bot run started by Run. Callers should give the
// strategy goroutine a moment to drain its tick channel before calling this
// if they need the final evaluation to have landed.
func (rn *Runner) Stop(botRunID string) {
	rn.strategyMgr.Stop(botRunID)
}

// Snapshot returns the replayed account's final risk-cache and
// rolling-counter state, the closest thing to a replay "result".
func (rn *Runner) Snapshot(accountID string) (botrun.RiskEntry, risk.CounterSnapshot) {
	entry, _ := rn.cache.Get(accountID)
	return entry, rn.riskMgr.Snapshot(accountID)
}
