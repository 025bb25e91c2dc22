package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/botrun"
)

func quoteWindow(prices ...float64) []botrun.Quote {
	out := make([]botrun.Quote, len(prices))
	for i, p := range prices {
		out[i] = botrun.Quote{Epoch: int64(i), Price: p}
	}
	return out
}

func TestRSIReversionEvaluatorInsufficientWindowNoSignal(t *testing.T) {
	e := NewRSIReversionEvaluator(RSIReversionConfig{Period: 14})
	sig, err := e.Evaluate("R_100", quoteWindow(100, 101, 102))
	require.NoError(t, err)
	require.Nil(t, sig.Direction)
}

func TestRSIReversionEvaluatorCallsOnSteadyDecline(t *testing.T) {
	e := NewRSIReversionEvaluator(RSIReversionConfig{Period: 14, Oversold: 30, Overbought: 70})
	prices := make([]float64, 20)
	price := 100.0
	for i := range prices {
		prices[i] = price
		price -= 1
	}
	sig, err := e.Evaluate("R_100", quoteWindow(prices...))
	require.NoError(t, err)
	require.NotNil(t, sig.Direction)
	require.Equal(t, botrun.Call, *sig.Direction)
}

func TestRSIReversionEvaluatorPutsOnSteadyRise(t *testing.T) {
	e := NewRSIReversionEvaluator(RSIReversionConfig{Period: 14, Oversold: 30, Overbought: 70})
	prices := make([]float64, 20)
	price := 100.0
	for i := range prices {
		prices[i] = price
		price += 1
	}
	sig, err := e.Evaluate("R_100", quoteWindow(prices...))
	require.NoError(t, err)
	require.NotNil(t, sig.Direction)
	require.Equal(t, botrun.Put, *sig.Direction)
}
