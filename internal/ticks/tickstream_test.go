package ticks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/session"
)

type fakeUpstream struct{}

func (f *fakeUpstream) SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error) {
	return json.RawMessage(`{"history":{"prices":[],"times":[]}}`), nil
}
func (f *fakeUpstream) SendFireAndForget(accountID string, frame map[string]any) error { return nil }
func (f *fakeUpstream) RegisterStreamingListener(accountID string, fn session.StreamingListener) error {
	return nil
}
func (f *fakeUpstream) RegisterConnectionReadyListener(accountID string, fn session.ConnectionReadyListener) error {
	return nil
}

// TestOutOfOrderTickDrop verifies that feeding epochs 1000, 999, 1003
// leaves the buffer at [100.1, 100.3] with exactly one out-of-order drop
// and one sequence gap recorded.
func TestOutOfOrderTickDrop(t *testing.T) {
	bus := events.NewManager(zerolog.Nop())
	m := NewManager(&fakeUpstream{}, bus, 100, 50, zerolog.Nop())

	var received []botrun.Quote
	_, err := m.Subscribe(context.Background(), "acc-1", "R_100", func(q botrun.Quote) {
		received = append(received, q)
	})
	require.NoError(t, err)

	m.handleTick("acc-1", mustTick("R_100", 1000, 100.1))
	m.handleTick("acc-1", mustTick("R_100", 999, 100.2))
	m.handleTick("acc-1", mustTick("R_100", 1003, 100.3))

	view, ok := m.WindowView("acc-1", "R_100", 2)
	require.True(t, ok)
	require.Equal(t, 100.1, view[0].Price)
	require.Equal(t, 100.3, view[1].Price)

	drops, gaps := m.Counters("acc-1", "R_100")
	require.Equal(t, int64(1), drops)
	require.Equal(t, int64(1), gaps)
}

func mustTick(symbol string, epoch int64, quote float64) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"tick": map[string]any{"symbol": symbol, "epoch": epoch, "quote": quote},
	})
	return b
}
