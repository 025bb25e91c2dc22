package settlement

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/execution"
	"github.com/aristath/tradecore/internal/risk"
	"github.com/aristath/tradecore/internal/session"
	"github.com/aristath/tradecore/internal/store"
)

type fakeStore struct {
	store.Store
	ledger []store.ExecutionLedgerRecord

	settledCorrelationIDs []string
}

func (f *fakeStore) LoadExecutionLedger(ctx context.Context, state botrun.LedgerState) ([]store.ExecutionLedgerRecord, error) {
	var out []store.ExecutionLedgerRecord
	for _, r := range f.ledger {
		if r.State == state {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeStore) Upsert(ctx context.Context, namespace, key, value string, _ store.OnConflict) error {
	return nil
}
func (f *fakeStore) AppendExecutionLedger(ctx context.Context, row botrun.ExecutionLedgerRow, payload []byte) error {
	return nil
}
func (f *fakeStore) UpdateExecutionLedgerState(ctx context.Context, accountID, correlationID string, state botrun.LedgerState, payload []byte) error {
	if state == botrun.LedgerSettled {
		f.settledCorrelationIDs = append(f.settledCorrelationIDs, correlationID)
	}
	return nil
}
func (f *fakeStore) AppendTrade(ctx context.Context, t store.TradeRow) error { return nil }

type fakeUpstream struct {
	listener  session.StreamingListener
	portfolio json.RawMessage

	// contractPolls, keyed by contract id, answers one-shot
	// proposal_open_contract polls issued during recovery reconcile.
	contractPolls map[int64]json.RawMessage
}

func (f *fakeUpstream) SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error) {
	if _, ok := frame["portfolio"]; ok {
		return f.portfolio, nil
	}
	if id, ok := frame["contract_id"]; ok {
		if cid, ok := id.(int64); ok {
			if resp, found := f.contractPolls[cid]; found {
				return resp, nil
			}
		}
	}
	return f.portfolio, nil
}
func (f *fakeUpstream) SendFireAndForget(accountID string, frame map[string]any) error { return nil }
func (f *fakeUpstream) RegisterStreamingListener(accountID string, fn session.StreamingListener) error {
	f.listener = fn
	return nil
}

func newTestReconciler(t *testing.T, portfolio json.RawMessage) (*Reconciler, *fakeUpstream, *risk.Cache) {
	t.Helper()
	r, up, cache, _ := newTestReconcilerWithStore(t, portfolio, nil)
	return r, up, cache
}

func newTestReconcilerWithStore(t *testing.T, portfolio json.RawMessage, ledger []store.ExecutionLedgerRecord) (*Reconciler, *fakeUpstream, *risk.Cache, *fakeStore) {
	t.Helper()
	up := &fakeUpstream{portfolio: portfolio, contractPolls: make(map[int64]json.RawMessage)}
	bus := events.NewManager(zerolog.Nop())
	fs := &fakeStore{ledger: ledger}
	cache := risk.NewCache(fs, zerolog.Nop())
	cache.Warm("acc-1", 1000)
	riskMgr := risk.NewManager(cache, fs, bus, risk.Config{FailClosed: true}, zerolog.Nop())
	eng := execution.New(&execUpstream{}, cache, riskMgr, fs, bus, execution.Config{}, zerolog.Nop())
	r := New(up, fs, cache, eng, bus, Config{}, zerolog.Nop())
	return r, up, cache, fs
}

type execUpstream struct{}

func (e *execUpstream) SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error) {
	return json.Marshal(map[string]any{})
}
func (e *execUpstream) SendFireAndForget(accountID string, frame map[string]any) error { return nil }

func TestRecoverRebuildsOpenExposure(t *testing.T) {
	portfolio := json.RawMessage(`{"portfolio":{"contracts":[{"contract_id":1,"buy_price":10,"payout":19,"symbol":"R_100"}]}}`)
	r, up, cache := newTestReconciler(t, portfolio)

	err := r.Recover(context.Background(), "acc-1")
	require.NoError(t, err)

	entry, ok := cache.Get("acc-1")
	require.True(t, ok)
	require.Equal(t, 1, entry.OpenTradeCount)
	require.Equal(t, 10.0, entry.OpenExposure)
	require.NotNil(t, up.listener)
}

func TestSettlementEventAppliesOnce(t *testing.T) {
	portfolio := json.RawMessage(`{"portfolio":{"contracts":[]}}`)
	r, up, _, fs := newTestReconcilerWithStore(t, portfolio, nil)
	require.NoError(t, r.Recover(context.Background(), "acc-1"))

	msg := json.RawMessage(`{"proposal_open_contract":{"contract_id":42,"is_sold":true,"profit":5,"buy_price":10}}`)
	up.listener("proposal_open_contract", msg)
	up.listener("proposal_open_contract", msg) // duplicate delivery must be a no-op

	r.mu.Lock()
	_, stillOwned := r.contractOwner[ownerKey("acc-1", "42")]
	r.mu.Unlock()
	require.False(t, stillOwned)
	require.Len(t, fs.settledCorrelationIDs, 1)
}

// TestRecoverReconcilesContractSettledWhileDown covers testable property 7 /
// scenario S5: a pending ledger row whose contract is absent from the live
// portfolio (because it settled while the process was down) gets its final
// state polled once and applied through Engine.Settle.
func TestRecoverReconcilesContractSettledWhileDown(t *testing.T) {
	payload, err := msgpack.Marshal(botrun.TradePayload{ContractID: "7001", Stake: 10, BotRunID: "run-1"})
	require.NoError(t, err)
	ledger := []store.ExecutionLedgerRecord{{
		AccountID:     "acc-1",
		CorrelationID: "corr-7001",
		State:         botrun.LedgerPending,
		Payload:       payload,
	}}

	portfolio := json.RawMessage(`{"portfolio":{"contracts":[]}}`)
	r, up, _, fs := newTestReconcilerWithStore(t, portfolio, ledger)
	up.contractPolls[7001] = json.RawMessage(`{"proposal_open_contract":{"is_sold":true,"profit":8.5,"buy_price":10}}`)

	require.NoError(t, r.Recover(context.Background(), "acc-1"))
	require.Contains(t, fs.settledCorrelationIDs, "corr-7001")

	r.mu.Lock()
	_, stillOwned := r.contractOwner[ownerKey("acc-1", "7001")]
	alreadySettled := r.settled[ownerKey("acc-1", "7001")]
	r.mu.Unlock()
	require.False(t, stillOwned)
	require.True(t, alreadySettled)

	// Re-running recovery must be a no-op: the in-memory settled dedup (and
	// the forward-only ledger state guard backing it) prevents reapplying.
	fs.settledCorrelationIDs = nil
	require.NoError(t, r.Recover(context.Background(), "acc-1"))
	require.Empty(t, fs.settledCorrelationIDs)
}
