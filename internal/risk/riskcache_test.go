package risk

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/store"
)

type fakeStore struct {
	store.Store
	data map[string]string
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string]string)} }

func (f *fakeStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	v, ok := f.data[namespace+"/"+key]
	return v, ok, nil
}

func (f *fakeStore) Upsert(ctx context.Context, namespace, key, value string, _ store.OnConflict) error {
	f.data[namespace+"/"+key] = value
	return nil
}

// TestRiskGateDailyLoss verifies three losing settlements totalling 2.5% of
// starting equity (over a 2% limit) HALT the next evaluation with reason
// DAILY_LOSS.
func TestRiskGateDailyLoss(t *testing.T) {
	c := NewCache(newFakeStore(), zerolog.Nop())
	c.Warm("acc-1", 1000)

	c.RecordTradeSettled("acc-1", 10, -10, false)
	c.RecordTradeSettled("acc-1", 10, -10, false)
	c.RecordTradeSettled("acc-1", 5, -5, false)

	result := c.Evaluate("acc-1", EvalParams{ProposedStake: 1, DailyLossLimitPct: 2})
	require.Equal(t, StatusHalt, result.Status)
	require.Equal(t, "DAILY_LOSS", result.Reason)
}

// TestRiskMonotonicityOpenThenFail verifies opening then failing a trade
// restores pre-call exposure/count exactly.
func TestRiskMonotonicityOpenThenFail(t *testing.T) {
	c := NewCache(newFakeStore(), zerolog.Nop())
	c.Warm("acc-1", 1000)

	before, _ := c.Get("acc-1")

	res := c.RecordTradeOpened("acc-1", 25, 5)
	require.True(t, res.Allowed)

	c.RecordTradeFailedAttempt("acc-1", 25)

	after, _ := c.Get("acc-1")
	require.Equal(t, before.OpenExposure, after.OpenExposure)
	require.Equal(t, before.OpenTradeCount, after.OpenTradeCount)
}

func TestEvaluateUninitializedHaltsFailClosed(t *testing.T) {
	c := NewCache(newFakeStore(), zerolog.Nop())
	result := c.Evaluate("acc-unknown", EvalParams{ProposedStake: 1})
	require.Equal(t, StatusHalt, result.Status)
	require.Equal(t, "uninitialized", result.Reason)
}

func TestEvaluateMaxConcurrent(t *testing.T) {
	c := NewCache(newFakeStore(), zerolog.Nop())
	c.Warm("acc-1", 1000)
	c.RecordTradeOpened("acc-1", 10, 1)

	result := c.Evaluate("acc-1", EvalParams{ProposedStake: 1, MaxConcurrentTrades: 1})
	require.Equal(t, StatusMaxConcurrent, result.Status)
}

func TestEvaluateStakeLimitReducesStake(t *testing.T) {
	c := NewCache(newFakeStore(), zerolog.Nop())
	c.Warm("acc-1", 1000)

	result := c.Evaluate("acc-1", EvalParams{ProposedStake: 50, MaxStake: 10})
	require.Equal(t, StatusReduceStake, result.Status)
	require.Equal(t, 10.0, result.Stake)
}

// TestDayRolloverResetsDailyFields verifies a stale DateKey triggers a
// rollover that resets daily PnL fields while preserving EquityPeak.
func TestDayRolloverResetsDailyFields(t *testing.T) {
	c := NewCache(newFakeStore(), zerolog.Nop())
	c.Warm("acc-1", 1000)
	c.RecordTradeSettled("acc-1", 10, -10, false)

	g := c.guard("acc-1")
	g.mu.Lock()
	g.entry.DateKey = "2020-01-01" // force a stale date so the next read rolls over
	g.entry.EquityPeak = 1500
	g.mu.Unlock()

	entry, ok := c.Get("acc-1")
	require.True(t, ok)
	require.Equal(t, 0.0, entry.DailyPnL)
	require.Equal(t, 0.0, entry.TotalLossToday)
	require.Equal(t, entry.Equity, entry.DailyStartEquity)
	require.Equal(t, 1500.0, entry.EquityPeak) // preserved across rollover
}
