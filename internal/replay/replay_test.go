package replay

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/strategy"
)

type countingEvaluator struct{ calls int32 }

func (e *countingEvaluator) Evaluate(symbol string, window []botrun.Quote) (strategy.Signal, error) {
	atomic.AddInt32(&e.calls, 1)
	return strategy.Signal{}, nil
}

func TestRunnerFeedsRecordedFrames(t *testing.T) {
	r := New(Config{HistoryCount: 10}, zerolog.Nop())

	lines := []string{
		`{"tick":{"symbol":"R_100","epoch":1000,"quote":100.1}}`,
		`{"tick":{"symbol":"R_100","epoch":1001,"quote":100.3}}`,
		`{"tick":{"symbol":"R_100","epoch":1002,"quote":100.2}}`,
	}
	input := strings.NewReader(strings.Join(lines, "\n") + "\n")

	ev := &countingEvaluator{}
	br := botrun.BotRun{ID: "replay-1", AccountID: "acc-1", Symbol: "R_100", RequiredTicks: 2, StakeBase: 10, StakeMin: 1, StakeMax: 100, BatchSize: 1}

	err := r.Run(context.Background(), br, ev, input)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt32(&ev.calls), int32(1))
}
