package execution

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/risk"
	"github.com/aristath/tradecore/internal/store"
)

type fakeStore struct {
	store.Store
}

func (f *fakeStore) AppendExecutionLedger(ctx context.Context, row botrun.ExecutionLedgerRow, payload []byte) error {
	return nil
}
func (f *fakeStore) UpdateExecutionLedgerState(ctx context.Context, accountID, correlationID string, state botrun.LedgerState, payload []byte) error {
	return nil
}
func (f *fakeStore) AppendTrade(ctx context.Context, t store.TradeRow) error { return nil }
func (f *fakeStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeStore) Upsert(ctx context.Context, namespace, key, value string, _ store.OnConflict) error {
	return nil
}

type fakeUpstream struct {
	buyPrice   float64
	payout     float64
	contractID int64
	proposalID string
	requests   int
}

func (f *fakeUpstream) SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error) {
	f.requests++
	if _, ok := frame["proposal"]; ok {
		return json.Marshal(map[string]any{
			"proposal": map[string]any{"id": f.proposalID, "ask_price": f.buyPrice, "payout": f.payout},
		})
	}
	return json.Marshal(map[string]any{
		"buy": map[string]any{"contract_id": f.contractID, "buy_price": f.buyPrice, "payout": f.payout},
	})
}

func (f *fakeUpstream) SendFireAndForget(accountID string, frame map[string]any) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeUpstream) {
	t.Helper()
	up := &fakeUpstream{buyPrice: 10, payout: 19, contractID: 123, proposalID: "p1"}
	cache := risk.NewCache(&fakeStore{}, zerolog.Nop())
	cache.Warm("acc-1", 1000)
	bus := events.NewManager(zerolog.Nop())
	riskMgr := risk.NewManager(cache, &fakeStore{}, bus, risk.Config{FailClosed: true}, zerolog.Nop())
	eng := New(up, cache, riskMgr, &fakeStore{}, bus, Config{}, zerolog.Nop())
	return eng, up
}

func TestExecuteHappyPath(t *testing.T) {
	eng, up := newTestEngine(t)
	sig := Signal{AccountID: "acc-1", CorrelationID: "corr-1", Symbol: "R_100", Direction: botrun.Call, Stake: 10, DurationValue: 5, DurationUnit: "t", Currency: "USD"}

	res, err := eng.Execute(context.Background(), sig, Limits{MaxOrderSize: 100, MaxNotional: 1000, MaxExposure: 1000, MaxOrdersPerSec: 10, MaxOrdersPerMin: 100})
	require.NoError(t, err)
	require.Equal(t, "123", res.ContractID)
	require.Equal(t, 2, up.requests) // proposal + buy
}

func TestExecuteDuplicateCorrelationIDReturnsPriorResult(t *testing.T) {
	eng, up := newTestEngine(t)
	sig := Signal{AccountID: "acc-1", CorrelationID: "corr-1", Symbol: "R_100", Direction: botrun.Call, Stake: 10, DurationValue: 5, DurationUnit: "t", Currency: "USD"}
	lim := Limits{MaxOrderSize: 100, MaxNotional: 1000, MaxExposure: 1000, MaxOrdersPerSec: 10, MaxOrdersPerMin: 100}

	res1, err := eng.Execute(context.Background(), sig, lim)
	require.NoError(t, err)

	res2, err := eng.Execute(context.Background(), sig, lim)
	require.NoError(t, err)
	require.Equal(t, res1, res2)
	require.Equal(t, 2, up.requests) // second call hit idempotency cache, no new upstream calls
}

func TestExecuteRejectsWhenKillSwitchActive(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.riskMgr.Trigger("acc-1", "manual_halt", true)

	sig := Signal{AccountID: "acc-1", CorrelationID: "corr-2", Symbol: "R_100", Direction: botrun.Call, Stake: 10}
	_, err := eng.Execute(context.Background(), sig, Limits{MaxOrderSize: 100, MaxNotional: 1000, MaxExposure: 1000})
	require.Error(t, err)
}

func TestExecuteRejectsWhenMaxOrderSizeExceeded(t *testing.T) {
	eng, _ := newTestEngine(t)
	sig := Signal{AccountID: "acc-1", CorrelationID: "corr-3", Symbol: "R_100", Direction: botrun.Call, Stake: 500}
	_, err := eng.Execute(context.Background(), sig, Limits{MaxOrderSize: 100, MaxNotional: 1000, MaxExposure: 1000})
	require.Error(t, err)
}
