package health

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/risk"
	"github.com/aristath/tradecore/internal/store"
)

type fakeStore struct {
	store.Store
	rows map[botrun.LedgerState][]store.ExecutionLedgerRecord
}

func (f *fakeStore) LoadExecutionLedger(ctx context.Context, state botrun.LedgerState) ([]store.ExecutionLedgerRecord, error) {
	return f.rows[state], nil
}
func (f *fakeStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeStore) Upsert(ctx context.Context, namespace, key, value string, _ store.OnConflict) error {
	return nil
}

func TestSetStatusPublishesOnTransitionOnly(t *testing.T) {
	bus := events.NewManager(zerolog.Nop())
	var received int
	bus.Subscribe(events.ComponentStatus, func(events.EventData) { received++ })

	m := New(bus, &fakeStore{}, Config{}, zerolog.Nop())
	m.SetStatus("session", StatusOK)
	m.SetStatus("session", StatusOK) // no transition, no second publish
	m.SetStatus("session", StatusDegraded)

	require.Equal(t, 2, received)
}

func TestRecoverOnStartMarksStatus(t *testing.T) {
	bus := events.NewManager(zerolog.Nop())
	fs := &fakeStore{rows: map[botrun.LedgerState][]store.ExecutionLedgerRecord{
		botrun.LedgerPending: {{AccountID: "acc-1", CorrelationID: "c1"}},
	}}
	cache := risk.NewCache(fs, zerolog.Nop())
	riskMgr := risk.NewManager(cache, fs, bus, risk.Config{FailClosed: true}, zerolog.Nop())

	m := New(bus, fs, Config{}, zerolog.Nop())
	err := m.RecoverOnStart(context.Background(), riskMgr, []string{"acc-1"})
	require.NoError(t, err)
	require.Equal(t, StatusOK, m.Status("recovery"))
}
