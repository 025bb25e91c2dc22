package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/botrun"
)

func TestComputeOrderBookDerivesQuantities(t *testing.T) {
	bids := []botrun.BookLevel{{Price: 99.5, Size: 10}, {Price: 99.0, Size: 5}}
	asks := []botrun.BookLevel{{Price: 100.0, Size: 4}, {Price: 100.5, Size: 6}}

	snap := computeOrderBook(bids, asks, time.Now())

	require.Equal(t, 99.5, snap.BestBid)
	require.Equal(t, 100.0, snap.BestAsk)
	require.InDelta(t, 99.75, snap.Mid, 1e-9)
	require.InDelta(t, 0.5, snap.Spread, 1e-9)
	// size-weighted micro-price leans toward the side with less size
	require.InDelta(t, (99.5*4+100.0*10)/14, snap.MicroPrice, 1e-9)
	require.InDelta(t, float64(15-10)/25, snap.Imbalance, 1e-9)
}

func TestComputeOrderBookEmptySide(t *testing.T) {
	snap := computeOrderBook(nil, []botrun.BookLevel{{Price: 100, Size: 1}}, time.Now())
	require.Equal(t, Snapshot{Mode: botrun.ModeOrderBook, UpdatedAt: snap.UpdatedAt}, snap)
}

func TestComputeSyntheticMomentumAndImbalance(t *testing.T) {
	prices := []float64{100, 101, 102, 101.5}
	deltas := []float64{1, 1, -0.5}

	snap := computeSynthetic(prices, deltas, time.Now())

	require.InDelta(t, 101.5, snap.Mid, 1e-9)
	require.InDelta(t, (101.5-100)/100, snap.Momentum, 1e-9)
	require.InDelta(t, 0.5, snap.Spread, 1e-9) // |last delta|
	require.InDelta(t, (2.0-0.5)/2.5, snap.Imbalance, 1e-9)
}
