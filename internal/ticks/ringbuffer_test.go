package ticks

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/botrun"
)

func TestRingBufferWindowViewOrdering(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Push(botrun.Quote{Epoch: 1, Price: 1})
	rb.Push(botrun.Quote{Epoch: 2, Price: 2})
	rb.Push(botrun.Quote{Epoch: 3, Price: 3})
	rb.Push(botrun.Quote{Epoch: 4, Price: 4}) // overwrites epoch 1

	view, ok := rb.WindowView(3)
	require.True(t, ok)
	require.Equal(t, []int64{2, 3, 4}, epochs(view))
}

func TestRingBufferWindowViewInsufficientData(t *testing.T) {
	rb := NewRingBuffer(5)
	rb.Push(botrun.Quote{Epoch: 1})
	_, ok := rb.WindowView(3)
	require.False(t, ok)
}

func TestRingBufferLast(t *testing.T) {
	rb := NewRingBuffer(2)
	_, ok := rb.Last()
	require.False(t, ok)

	rb.Push(botrun.Quote{Epoch: 10, Price: 100})
	last, ok := rb.Last()
	require.True(t, ok)
	require.Equal(t, int64(10), last.Epoch)
}

func epochs(qs []botrun.Quote) []int64 {
	out := make([]int64, len(qs))
	for i, q := range qs {
		out[i] = q.Epoch
	}
	return out
}
