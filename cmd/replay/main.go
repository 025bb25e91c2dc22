// Command replay drives the strategy pipeline against a recorded tick
// file instead of a live upstream, for local iteration on strategy
// parameters. Not a formal backtester: see internal/replay's package doc.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/replay"
	"github.com/aristath/tradecore/internal/strategy"
	"github.com/aristath/tradecore/pkg/logger"
)

func main() {
	path := flag.String("ticks", "", "path to a newline-delimited JSON tick recording")
	symbol := flag.String("symbol", "R_100", "symbol to trade")
	accountID := flag.String("account", "replay", "account id to attribute the run to")
	realtime := flag.Bool("realtime", false, "honor each frame's recorded delay instead of replaying as fast as possible")
	flag.Parse()

	log := logger.New(logger.Config{Level: "info", Pretty: true})
	if *path == "" {
		log.Fatal().Msg("-ticks is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open tick recording")
	}
	defer f.Close()

	runner := replay.New(replay.Config{HistoryCount: 50, Realtime: *realtime}, log)
	evaluator := strategy.NewRSIReversionEvaluator(strategy.RSIReversionConfig{})

	br := botrun.BotRun{
		ID: "replay", AccountID: *accountID, Symbol: *symbol,
		StakeBase: 10, StakeMin: 1, StakeMax: 100, RequiredTicks: 15,
		BatchSize: 1, MaxConcurrentTrades: 5, SlippagePct: 5,
		Status: botrun.RunRunning,
	}

	ctx := context.Background()
	if err := runner.Run(ctx, br, evaluator, f); err != nil {
		log.Fatal().Err(err).Msg("replay failed")
	}
	time.Sleep(200 * time.Millisecond) // let the strategy goroutine drain its last batch
	runner.Stop(br.ID)

	entry, snap := runner.Snapshot(*accountID)
	log.Info().
		Float64("open_exposure", entry.OpenExposure).
		Float64("daily_pnl", entry.DailyPnL).
		Int("orders_per_minute", snap.OrdersPerMinute).
		Int("orders_per_second", snap.OrdersPerSecond).
		Bool("kill_switch_active", snap.KillSwitchActive).
		Msg("replay summary")
}
