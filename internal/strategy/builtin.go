package strategy

import (
	"github.com/markcheno/go-talib"

	"github.com/aristath/tradecore/internal/botrun"
)

// RSIReversionConfig tunes RSIReversionEvaluator.
type RSIReversionConfig struct {
	Period     int     // RSI lookback, typically 14
	Oversold   float64 // RSI below this triggers CALL
	Overbought float64 // RSI above this triggers PUT
}

// RSIReversionEvaluator is a mean-reversion strategy built on RSI: it calls
// when the window closes oversold and puts when it closes overbought,
// otherwise it emits no signal. Confidence scales with distance from the
// threshold.
type RSIReversionEvaluator struct {
	cfg RSIReversionConfig
}

// NewRSIReversionEvaluator builds an Evaluator with sane RSI defaults filled
// in for any zero-valued config fields.
func NewRSIReversionEvaluator(cfg RSIReversionConfig) *RSIReversionEvaluator {
	if cfg.Period <= 0 {
		cfg.Period = 14
	}
	if cfg.Oversold <= 0 {
		cfg.Oversold = 30
	}
	if cfg.Overbought <= 0 {
		cfg.Overbought = 70
	}
	return &RSIReversionEvaluator{cfg: cfg}
}

// Evaluate implements Evaluator.
func (e *RSIReversionEvaluator) Evaluate(symbol string, window []botrun.Quote) (Signal, error) {
	if len(window) < e.cfg.Period+1 {
		return Signal{}, nil
	}
	closes := make([]float64, len(window))
	for i, q := range window {
		closes[i] = q.Price
	}

	rsiSeries := talib.Rsi(closes, e.cfg.Period)
	if len(rsiSeries) == 0 {
		return Signal{}, nil
	}
	last := rsiSeries[len(rsiSeries)-1]
	if last != last { // NaN: not enough warm-up data yet
		return Signal{}, nil
	}

	switch {
	case last <= e.cfg.Oversold:
		dir := botrun.Call
		confidence := (e.cfg.Oversold - last) / e.cfg.Oversold
		return Signal{Direction: &dir, Confidence: clamp(confidence, 0, 1), StakeMultiplier: 1, Reasons: []string{"rsi_oversold"}}, nil
	case last >= e.cfg.Overbought:
		dir := botrun.Put
		confidence := (last - e.cfg.Overbought) / (100 - e.cfg.Overbought)
		return Signal{Direction: &dir, Confidence: clamp(confidence, 0, 1), StakeMultiplier: 1, Reasons: []string{"rsi_overbought"}}, nil
	default:
		return Signal{}, nil
	}
}
