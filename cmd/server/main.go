// Package main is the entry point for the core trading runtime: it wires
// session management, tick streaming, market depth, risk gating, strategy
// execution, settlement reconciliation, and health monitoring into one
// process and runs until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/backup"
	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/config"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/execution"
	"github.com/aristath/tradecore/internal/health"
	"github.com/aristath/tradecore/internal/marketdata"
	"github.com/aristath/tradecore/internal/risk"
	adminserver "github.com/aristath/tradecore/internal/server"
	"github.com/aristath/tradecore/internal/session"
	"github.com/aristath/tradecore/internal/settlement"
	"github.com/aristath/tradecore/internal/store"
	"github.com/aristath/tradecore/internal/strategy"
	"github.com/aristath/tradecore/internal/ticks"
	"github.com/aristath/tradecore/internal/tokencrypt"
	"github.com/aristath/tradecore/pkg/logger"
)

const defaultOrderBookDepth = 5

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("starting core trading runtime")

	db, err := store.New(store.Config{Path: cfg.DataDir + "/tradecore.db", Profile: store.ProfileLedger, Name: "core"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	st := store.NewSQLiteStore(db, log)

	keyHex := cfg.AccountTokenKeyHex
	if keyHex == "" {
		log.Warn().Msg("ACCOUNT_TOKEN_KEY not set, generating an ephemeral key; persisted sessions will not decrypt across a restart")
		var err error
		keyHex, err = tokencrypt.GenerateKeyHex()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate account token key")
		}
	}
	sealer, err := tokencrypt.NewSealerFromHex(keyHex)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build account token sealer")
	}

	bus := events.NewManager(log)
	sessionMgr := session.NewManager(cfg.UpstreamURL, bus, log)

	cache := risk.NewCache(st, log)
	riskMgr := risk.NewManager(cache, st, bus, risk.Config{
		AutoClearTTL:         cfg.KillSwitchAutoClear(),
		FailClosed:           cfg.KillSwitchFailClosed,
		RejectLimitPerMin:    cfg.RejectSpikeLimit,
		ReconnectLimitPerMin: cfg.ReconnectStormLimit,
		SlippageLimitPerMin:  cfg.SlippageSpikeLimit,
		MaxCancelsPerSecond:  cfg.DefaultMaxCancelsPerSec,
		LatencyP99Ms:         cfg.LatencyBlowoutP99Ms,
		LatencyWindow:        time.Duration(cfg.LatencyBlowoutWindowMs) * time.Millisecond,
		LatencyBreaches:      cfg.LatencyBlowoutBreaches,
	}, log)
	sessionMgr.OnReconnect(riskMgr.RecordReconnect)

	ticksMgr := ticks.NewManager(sessionMgr, bus, cfg.TickBufferSize, cfg.TicksHistoryCount, log)
	marketdataMgr := marketdata.NewManager(sessionMgr, defaultOrderBookDepth, log)

	engine := execution.New(sessionMgr, cache, riskMgr, st, bus, execution.Config{
		IntentCapacity: cfg.OrderIntentMaxSize,
		IntentTTL:      time.Duration(cfg.OrderIntentTTLMs) * time.Millisecond,
	}, log)

	strategyMgr := strategy.New(ticksMgr, riskMgr, cache, engine, bus, log)

	reconciler := settlement.New(sessionMgr, st, cache, engine, bus, settlement.Config{
		PortfolioTimeout: time.Duration(cfg.ReconcilePortfolioTimeoutMs) * time.Millisecond,
	}, log)

	healthMon := health.New(bus, st, health.Config{}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go healthMon.RunResourceSampler(ctx, 15*time.Second)

	snapshotter, err := backup.New(ctx, backup.Config{Bucket: cfg.S3Bucket, Region: cfg.S3Region, DataDir: cfg.DataDir}, log)
	if err != nil {
		log.Error().Err(err).Msg("store snapshotter disabled")
	} else if snapshotter != nil {
		go snapshotter.RunPeriodic(ctx, 6*time.Hour)
	}

	sweep := cron.New()
	if _, err := sweep.AddFunc("@every 30s", riskMgr.Sweep); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule kill-switch sweep")
	}
	sweep.Start()

	runs, err := st.LoadAllBotRuns(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load bot runs")
	}
	accountIDs := distinctAccountIDs(runs)

	sealedSessions, err := st.LoadAllSessions(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load persisted sessions")
	}
	for accountID, sealed := range sealedSessions {
		token, err := sealer.Open(sealed)
		if err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("failed to decrypt persisted session token, skipping")
			continue
		}
		if _, err := sessionMgr.GetOrCreate(ctx, token, accountID); err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("failed to establish session on startup")
		}
	}

	healthMon.SetStatus("recovery", health.StatusDegraded)
	if err := healthMon.RecoverOnStart(ctx, riskMgr, accountIDs); err != nil {
		log.Error().Err(err).Msg("recovery-on-start degraded")
	}
	for _, accountID := range accountIDs {
		if err := reconciler.Recover(ctx, accountID); err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("settlement recovery failed")
			healthMon.SetStatus("settlement:"+accountID, health.StatusError)
		} else {
			healthMon.SetStatus("settlement:"+accountID, health.StatusOK)
		}
	}

	evaluator := strategy.NewRSIReversionEvaluator(strategy.RSIReversionConfig{})
	for _, run := range runs {
		if run.Status != botrun.RunRunning {
			continue
		}
		if _, err := strategyMgr.Start(ctx, run, evaluator); err != nil {
			log.Error().Err(err).Str("bot_run_id", run.ID).Msg("failed to start bot run")
		}
		marketdataMgr.StartSynthetic(run.AccountID, run.Symbol)
	}
	healthMon.SetStatus("strategy", health.StatusOK)

	srv := adminserver.New(adminserver.Config{
		Log:           log,
		Port:          cfg.Port,
		DevMode:       cfg.DevMode,
		AdminToken:    cfg.AdminToken,
		MarketDataMgr: marketdataMgr,
		RiskMgr:       riskMgr,
		HealthMon:     healthMon,
		SessionStore:  st,
		SessionMgr:    sessionMgr,
		TokenSealer:   sealer,
	})
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	cancel()
	sweep.Stop()
	for _, run := range runs {
		strategyMgr.Stop(run.ID)
	}
	for _, accountID := range accountIDs {
		sessionMgr.Stop(accountID)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown error")
	}

	log.Info().Msg("core trading runtime stopped")
}

func distinctAccountIDs(runs []botrun.BotRun) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range runs {
		if !seen[r.AccountID] {
			seen[r.AccountID] = true
			out = append(out, r.AccountID)
		}
	}
	return out
}
