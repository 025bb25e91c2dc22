package strategy

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/execution"
	"github.com/aristath/tradecore/internal/risk"
	"github.com/aristath/tradecore/internal/store"
	"github.com/aristath/tradecore/internal/ticks"
)

// fakeTicks is a minimal TickSource: callers push ticks by invoking the
// stored listener directly, and configure the window returned by WindowView.
type fakeTicks struct {
	mu        sync.Mutex
	listeners map[string]ticks.Listener
	windows   map[string][]botrun.Quote
}

func newFakeTicks() *fakeTicks {
	return &fakeTicks{listeners: make(map[string]ticks.Listener), windows: make(map[string][]botrun.Quote)}
}

func key(accountID, symbol string) string { return accountID + "|" + symbol }

func (f *fakeTicks) Subscribe(ctx context.Context, accountID, symbol string, listener ticks.Listener) (ticks.ListenerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[key(accountID, symbol)] = listener
	return ticks.ListenerHandle{}, nil
}

func (f *fakeTicks) Unsubscribe(handle ticks.ListenerHandle) {}

func (f *fakeTicks) WindowView(accountID, symbol string, n int) ([]botrun.Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[key(accountID, symbol)]
	if !ok || len(w) < n {
		return nil, false
	}
	return w, true
}

func (f *fakeTicks) setWindow(accountID, symbol string, w []botrun.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows[key(accountID, symbol)] = w
}

func (f *fakeTicks) push(accountID, symbol string, q botrun.Quote) {
	f.mu.Lock()
	l := f.listeners[key(accountID, symbol)]
	f.mu.Unlock()
	if l != nil {
		l(q)
	}
}

type fakeExecUpstream struct{ calls int32 }

func (f *fakeExecUpstream) SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error) {
	f.calls++
	if _, ok := frame["proposal"]; ok {
		return json.Marshal(map[string]any{"proposal": map[string]any{"id": "p1", "ask_price": 10.0, "payout": 19.0}})
	}
	return json.Marshal(map[string]any{"buy": map[string]any{"contract_id": 1, "buy_price": 10.0, "payout": 19.0}})
}
func (f *fakeExecUpstream) SendFireAndForget(accountID string, frame map[string]any) error { return nil }

type fakeStoreRisk struct{ store.Store }

func (f *fakeStoreRisk) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeStoreRisk) Upsert(ctx context.Context, namespace, key, value string, _ store.OnConflict) error {
	return nil
}
func (f *fakeStoreRisk) AppendExecutionLedger(ctx context.Context, row botrun.ExecutionLedgerRow, payload []byte) error {
	return nil
}
func (f *fakeStoreRisk) UpdateExecutionLedgerState(ctx context.Context, accountID, correlationID string, state botrun.LedgerState, payload []byte) error {
	return nil
}
func (f *fakeStoreRisk) AppendTrade(ctx context.Context, t store.TradeRow) error { return nil }

type alwaysCallEvaluator struct {
	calls int32
	dir   botrun.Direction
}

func (e *alwaysCallEvaluator) Evaluate(symbol string, window []botrun.Quote) (Signal, error) {
	e.calls++
	d := e.dir
	return Signal{Direction: &d, StakeMultiplier: 1}, nil
}

func newTestSetup(t *testing.T) (*Manager, *fakeTicks) {
	t.Helper()
	bus := events.NewManager(zerolog.Nop())
	tm := newFakeTicks()
	cache := risk.NewCache(&fakeStoreRisk{}, zerolog.Nop())
	riskMgr := risk.NewManager(cache, &fakeStoreRisk{}, bus, risk.Config{FailClosed: true}, zerolog.Nop())
	eng := execution.New(&fakeExecUpstream{}, cache, riskMgr, &fakeStoreRisk{}, bus, execution.Config{}, zerolog.Nop())
	m := New(tm, riskMgr, cache, eng, bus, zerolog.Nop())
	return m, tm
}

func TestRunWaitsForRequiredWindow(t *testing.T) {
	m, tm := newTestSetup(t)
	m.cache.Warm("acc-1", 1000)
	// window intentionally left unset (not enough ticks yet)

	ev := &alwaysCallEvaluator{dir: botrun.Call}
	br := botrun.BotRun{ID: "run-1", AccountID: "acc-1", Symbol: "R_100", RequiredTicks: 3, StakeBase: 10, StakeMin: 1, StakeMax: 100, BatchSize: 1}
	_, err := m.Start(context.Background(), br, ev)
	require.NoError(t, err)

	tm.push("acc-1", "R_100", botrun.Quote{Epoch: 1000, Price: 100})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), ev.calls)
}

func TestRunDispatchesOnSignal(t *testing.T) {
	m, tm := newTestSetup(t)
	m.cache.Warm("acc-2", 1000)
	tm.setWindow("acc-2", "R_100", []botrun.Quote{{Epoch: 1, Price: 100}})

	ev := &alwaysCallEvaluator{dir: botrun.Call}
	br := botrun.BotRun{ID: "run-2", AccountID: "acc-2", Symbol: "R_100", RequiredTicks: 1, StakeBase: 10, StakeMin: 1, StakeMax: 100, BatchSize: 1}
	_, err := m.Start(context.Background(), br, ev)
	require.NoError(t, err)

	tm.push("acc-2", "R_100", botrun.Quote{Epoch: 1000, Price: 100})
	time.Sleep(30 * time.Millisecond)
	require.GreaterOrEqual(t, ev.calls, int32(1))
}

func TestRunPausesOnKillSwitch(t *testing.T) {
	m, tm := newTestSetup(t)
	m.cache.Warm("acc-3", 1000)
	m.riskMgr.Trigger("acc-3", "manual_halt", true)
	tm.setWindow("acc-3", "R_100", []botrun.Quote{{Epoch: 1, Price: 100}})

	ev := &alwaysCallEvaluator{dir: botrun.Call}
	br := botrun.BotRun{ID: "run-3", AccountID: "acc-3", Symbol: "R_100", RequiredTicks: 1, StakeBase: 10, StakeMin: 1, StakeMax: 100, BatchSize: 1}
	r, err := m.Start(context.Background(), br, ev)
	require.NoError(t, err)

	tm.push("acc-3", "R_100", botrun.Quote{Epoch: 1000, Price: 100})
	time.Sleep(20 * time.Millisecond)
	require.True(t, r.isPaused())
	require.Equal(t, int32(0), ev.calls)
}

func TestStopRemovesRun(t *testing.T) {
	m, tm := newTestSetup(t)
	m.cache.Warm("acc-4", 1000)
	tm.setWindow("acc-4", "R_100", []botrun.Quote{{Epoch: 1, Price: 100}})

	ev := &alwaysCallEvaluator{dir: botrun.Call}
	br := botrun.BotRun{ID: "run-4", AccountID: "acc-4", Symbol: "R_100", RequiredTicks: 1, StakeBase: 10, StakeMin: 1, StakeMax: 100, BatchSize: 5, BatchIntervalMs: 5000}
	_, err := m.Start(context.Background(), br, ev)
	require.NoError(t, err)

	tm.push("acc-4", "R_100", botrun.Quote{Epoch: 1000, Price: 100})
	m.Stop("run-4")

	m.mu.Lock()
	_, exists := m.runs["run-4"]
	m.mu.Unlock()
	require.False(t, exists)
}

func TestCooldownBlocksImmediateRetrade(t *testing.T) {
	m, tm := newTestSetup(t)
	m.cache.Warm("acc-5", 1000)
	tm.setWindow("acc-5", "R_100", []botrun.Quote{{Epoch: 1, Price: 100}})

	ev := &alwaysCallEvaluator{dir: botrun.Call}
	br := botrun.BotRun{ID: "run-5", AccountID: "acc-5", Symbol: "R_100", RequiredTicks: 1, StakeBase: 10, StakeMin: 1, StakeMax: 100, BatchSize: 1, CooldownMs: 60000}
	r, err := m.Start(context.Background(), br, ev)
	require.NoError(t, err)

	tm.push("acc-5", "R_100", botrun.Quote{Epoch: 1000, Price: 100})
	time.Sleep(20 * time.Millisecond)
	tm.push("acc-5", "R_100", botrun.Quote{Epoch: 1001, Price: 101})
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, int32(1), ev.calls)
	_ = r
}
