package replay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/store"
)

// memStore is a volatile, in-process Store good enough to back a replay
// run: settings get/upsert and execution-ledger bookkeeping in a map,
// everything history-oriented as a no-op since replay never restarts.
type memStore struct {
	mu       sync.Mutex
	settings map[string]string
	ledger   map[string]store.ExecutionLedgerRecord
}

func newMemStore() *memStore {
	return &memStore{settings: make(map[string]string), ledger: make(map[string]store.ExecutionLedgerRecord)}
}

func (m *memStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[namespace+"/"+key]
	return v, ok, nil
}

func (m *memStore) Upsert(ctx context.Context, namespace, key, value string, _ store.OnConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[namespace+"/"+key] = value
	return nil
}

func (m *memStore) SaveSession(ctx context.Context, accountID, value string) error { return nil }
func (m *memStore) LoadSession(ctx context.Context, accountID string) (string, bool, error) {
	return "", false, nil
}
func (m *memStore) LoadAllSessions(ctx context.Context) (map[string]string, error) { return nil, nil }

func (m *memStore) AppendTrade(ctx context.Context, t store.TradeRow) error { return nil }
func (m *memStore) AppendOrderStatus(ctx context.Context, accountID, correlationID, status, detail string) error {
	return nil
}

func (m *memStore) UpsertBotRun(ctx context.Context, run botrun.BotRun) error { return nil }
func (m *memStore) LoadBotRuns(ctx context.Context, accountID string) ([]botrun.BotRun, error) {
	return nil, nil
}
func (m *memStore) LoadAllBotRuns(ctx context.Context) ([]botrun.BotRun, error) { return nil, nil }

func (m *memStore) AppendExecutionLedger(ctx context.Context, row botrun.ExecutionLedgerRow, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger[row.AccountID+"|"+row.CorrelationID] = store.ExecutionLedgerRecord{
		AccountID: row.AccountID, CorrelationID: row.CorrelationID, State: row.State, Payload: payload,
	}
	return nil
}

func (m *memStore) UpdateExecutionLedgerState(ctx context.Context, accountID, correlationID string, state botrun.LedgerState, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := accountID + "|" + correlationID
	rec, ok := m.ledger[k]
	if !ok {
		rec = store.ExecutionLedgerRecord{AccountID: accountID, CorrelationID: correlationID}
	}
	rec.State = state
	rec.Payload = payload
	m.ledger[k] = rec
	return nil
}

func (m *memStore) LoadExecutionLedger(ctx context.Context, state botrun.LedgerState) ([]store.ExecutionLedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ExecutionLedgerRecord
	for _, rec := range m.ledger {
		if rec.State == state {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) HealthCheck(ctx context.Context) error { return nil }

// noopExecUpstream answers every proposal/buy request with a fixed
// deterministic fill, so replayed signals always "execute" without any
// network round trip.
type noopExecUpstream struct{ nextContractID int64 }

func (u *noopExecUpstream) SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error) {
	if _, ok := frame["proposal"]; ok {
		return json.Marshal(map[string]any{"proposal": map[string]any{"id": "replay-proposal", "ask_price": frame["amount"], "payout": frame["amount"]}})
	}
	u.nextContractID++
	return json.Marshal(map[string]any{"buy": map[string]any{"contract_id": u.nextContractID, "buy_price": frame["price"], "payout": frame["price"]}})
}

func (u *noopExecUpstream) SendFireAndForget(accountID string, frame map[string]any) error { return nil }
