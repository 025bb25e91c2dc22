// Package execution implements the order placement and settlement pipeline:
// pre-trade risk gating, idempotent dispatch to the upstream broker, slippage
// protection, and durable ledgering so a crash between buy and settlement
// can be reconciled exactly once.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/risk"
	"github.com/aristath/tradecore/internal/store"
	"github.com/aristath/tradecore/internal/tradeerr"
)

// Upstream is the subset of the broker session transport the engine needs:
// request/response for proposal and buy, and fire-and-forget for contract
// subscription. Settlement frames are consumed by the settlement package.
type Upstream interface {
	SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error)
	SendFireAndForget(accountID string, frame map[string]any) error
}

// Signal is one proposed trade, produced by a strategy run.
type Signal struct {
	AccountID     string
	CorrelationID string
	Symbol        string
	Direction     botrun.Direction
	Stake         float64
	DurationValue int
	DurationUnit  string
	Currency      string
	BotRunID      string

	// TickRecvAt is the receive timestamp of the tick that produced this
	// signal. The engine uses it as the start of the send-to-ack latency
	// trace fed to RiskManager's LATENCY_BLOWOUT guard; zero disables the
	// trace for this signal (e.g. manually dispatched orders).
	TickRecvAt time.Time
}

// Limits bounds a single execution attempt; callers derive these from the
// owning BotRun.
type Limits struct {
	MaxOrderSize        float64
	MaxNotional         float64
	MaxExposure         float64
	MaxOrdersPerSec     int
	MaxOrdersPerMin     int
	MaxConcurrentTrades int
	SlippagePct         float64
}

// Result is the outcome of a successful buy.
type Result struct {
	ContractID string
	BuyPrice   float64
	Payout     float64
}

// Engine executes signals against the upstream broker with idempotency,
// risk gating, and durable ledgering.
type Engine struct {
	upstream Upstream
	cache    *risk.Cache
	riskMgr  *risk.Manager
	st       store.Store
	bus      *events.Manager
	ledger   *IntentLedger
	log      zerolog.Logger

	proposalTimeout time.Duration
	buyTimeout      time.Duration
}

// Config tunes engine timeouts and the idempotency ledger.
type Config struct {
	ProposalTimeout time.Duration
	BuyTimeout      time.Duration
	IntentCapacity  int
	IntentTTL       time.Duration
}

// New builds an Engine over the given upstream session transport, risk
// cache/manager, and durable store.
func New(upstream Upstream, cache *risk.Cache, riskMgr *risk.Manager, st store.Store, bus *events.Manager, cfg Config, log zerolog.Logger) *Engine {
	if cfg.ProposalTimeout == 0 {
		cfg.ProposalTimeout = 5 * time.Second
	}
	if cfg.BuyTimeout == 0 {
		cfg.BuyTimeout = 5 * time.Second
	}
	if cfg.IntentCapacity == 0 {
		cfg.IntentCapacity = 10000
	}
	if cfg.IntentTTL == 0 {
		cfg.IntentTTL = 15 * time.Minute
	}
	return &Engine{
		upstream:        upstream,
		cache:           cache,
		riskMgr:         riskMgr,
		st:              st,
		bus:             bus,
		ledger:          NewIntentLedger(cfg.IntentCapacity, cfg.IntentTTL),
		log:             log.With().Str("component", "execution").Logger(),
		proposalTimeout: cfg.ProposalTimeout,
		buyTimeout:      cfg.BuyTimeout,
	}
}

// Execute runs the full pipeline for one signal: idempotency check,
// pre-trade gate, proposal, slippage guard, buy, ledger commit. It returns
// the prior result unchanged if correlationID was already fulfilled.
func (e *Engine) Execute(ctx context.Context, sig Signal, lim Limits) (Result, error) {
	log := e.log.With().Str("account_id", sig.AccountID).Str("correlation_id", sig.CorrelationID).Logger()

	if existing, ok := e.ledger.Lookup(sig.AccountID, sig.CorrelationID); ok {
		switch existing.Status {
		case botrun.IntentFulfilled:
			return Result{ContractID: existing.ContractID, BuyPrice: existing.BuyPrice, Payout: existing.Payout}, nil
		case botrun.IntentPending:
			return Result{}, tradeerr.WithReason(tradeerr.DuplicateRejected, "order intent already in flight")
		}
	}

	if e.riskMgr.IsActive(sig.AccountID) {
		return Result{}, tradeerr.New(tradeerr.KillSwitch)
	}
	if ok, reason := e.riskMgr.PreTradeGate(sig.AccountID, sig.Stake, lim.MaxOrderSize, lim.MaxNotional, lim.MaxExposure, lim.MaxOrdersPerSec, lim.MaxOrdersPerMin); !ok {
		return Result{}, tradeerr.WithReason(tradeerr.RiskGate, reason)
	}

	if !e.ledger.ReservePending(sig.AccountID, sig.CorrelationID, sig.Symbol) {
		return Result{}, tradeerr.WithReason(tradeerr.DuplicateRejected, "order intent already reserved")
	}

	opened := e.cache.RecordTradeOpened(sig.AccountID, sig.Stake, lim.MaxConcurrentTrades)
	if !opened.Allowed {
		e.ledger.Fail(sig.AccountID, sig.CorrelationID, opened.Reason)
		return Result{}, tradeerr.WithReason(tradeerr.RiskGate, opened.Reason)
	}

	if err := e.appendLedgerRow(ctx, sig); err != nil {
		log.Warn().Err(err).Msg("execution ledger append failed, continuing in degraded mode")
	}

	res, err := e.placeOrder(ctx, sig, lim, log)
	if err != nil {
		e.cache.RecordTradeFailedAttempt(sig.AccountID, sig.Stake)
		e.ledger.Fail(sig.AccountID, sig.CorrelationID, err.Error())
		e.updateLedgerState(ctx, sig, botrun.LedgerFailed, botrun.TradePayload{Symbol: sig.Symbol, Stake: sig.Stake})
		e.bus.Publish(&events.TradeFailedData{AccountID: sig.AccountID, CorrelationID: sig.CorrelationID, Code: string(tradeerr.CodeOf(err)), Reason: err.Error()})
		return Result{}, err
	}

	e.ledger.Fulfill(sig.AccountID, sig.CorrelationID, res.ContractID, res.BuyPrice, res.Payout)
	e.updateLedgerState(ctx, sig, botrun.LedgerInFlight, botrun.TradePayload{
		ContractID: res.ContractID, Symbol: sig.Symbol, Stake: sig.Stake, BuyPrice: res.BuyPrice, BotRunID: sig.BotRunID,
	})
	e.bus.Publish(&events.TradeExecutedData{AccountID: sig.AccountID, CorrelationID: sig.CorrelationID, ContractID: res.ContractID, Symbol: sig.Symbol, Direction: string(sig.Direction), Stake: sig.Stake})

	if err := e.upstream.SendFireAndForget(sig.AccountID, map[string]any{
		"proposal_open_contract": 1,
		"contract_id":            res.ContractID,
		"subscribe":              1,
	}); err != nil {
		log.Warn().Err(err).Msg("contract subscription request failed, settlement reconciler will pick it up")
	}

	return res, nil
}

func (e *Engine) placeOrder(ctx context.Context, sig Signal, lim Limits, log zerolog.Logger) (Result, error) {
	proposalCtx, cancel := context.WithTimeout(ctx, e.proposalTimeout)
	defer cancel()

	proposalRaw, err := e.upstream.SendRequest(proposalCtx, sig.AccountID, map[string]any{
		"proposal":       1,
		"amount":         sig.Stake,
		"basis":          "stake",
		"contract_type":  string(sig.Direction),
		"currency":       sig.Currency,
		"duration":       sig.DurationValue,
		"duration_unit":  sig.DurationUnit,
		"symbol":         sig.Symbol,
		"req_id_tag":     sig.CorrelationID,
	}, time.Now().Add(e.proposalTimeout))
	if err != nil {
		return Result{}, fmt.Errorf("proposal: %w", err)
	}

	var proposal struct {
		Proposal struct {
			ID         string  `json:"id"`
			AskPrice   float64 `json:"ask_price"`
			Payout     float64 `json:"payout"`
			SpotPrice  float64 `json:"spot"`
		} `json:"proposal"`
	}
	if err := json.Unmarshal(proposalRaw, &proposal); err != nil {
		return Result{}, fmt.Errorf("decode proposal: %w", err)
	}

	if lim.SlippagePct > 0 && proposal.Proposal.AskPrice > 0 {
		target := proposal.Proposal.AskPrice
		impliedSlippage := math.Abs(proposal.Proposal.SpotPrice-target) / target * 100
		if impliedSlippage > lim.SlippagePct {
			e.riskMgr.RecordSlippageReject(sig.AccountID)
			return Result{}, tradeerr.WithReason(tradeerr.SlippageExceeded, "ask price exceeds slippage tolerance")
		}
	}

	buyCtx, cancelBuy := context.WithTimeout(ctx, e.buyTimeout)
	defer cancelBuy()

	buyRaw, err := e.upstream.SendRequest(buyCtx, sig.AccountID, map[string]any{
		"buy":   proposal.Proposal.ID,
		"price": proposal.Proposal.AskPrice,
	}, time.Now().Add(e.buyTimeout))
	if err != nil {
		return Result{}, fmt.Errorf("buy: %w", err)
	}

	var buy struct {
		Buy struct {
			ContractID int64   `json:"contract_id"`
			BuyPrice   float64 `json:"buy_price"`
			Payout     float64 `json:"payout"`
		} `json:"buy"`
	}
	if err := json.Unmarshal(buyRaw, &buy); err != nil {
		return Result{}, fmt.Errorf("decode buy: %w", err)
	}

	e.riskMgr.RecordOrder(sig.AccountID)
	if !sig.TickRecvAt.IsZero() {
		e.riskMgr.RecordLatency(sig.AccountID, time.Since(sig.TickRecvAt))
	}
	log.Info().Str("contract_id", fmt.Sprint(buy.Buy.ContractID)).Msg("order placed")

	return Result{
		ContractID: fmt.Sprint(buy.Buy.ContractID),
		BuyPrice:   buy.Buy.BuyPrice,
		Payout:     buy.Buy.Payout,
	}, nil
}

func (e *Engine) appendLedgerRow(ctx context.Context, sig Signal) error {
	payload, err := msgpack.Marshal(botrun.TradePayload{Symbol: sig.Symbol, Stake: sig.Stake, BotRunID: sig.BotRunID})
	if err != nil {
		return err
	}
	row := botrun.ExecutionLedgerRow{
		CorrelationID: sig.CorrelationID,
		AccountID:     sig.AccountID,
		State:         botrun.LedgerPending,
		CreatedAt:     time.Now(),
	}
	return e.st.AppendExecutionLedger(ctx, row, payload)
}

func (e *Engine) updateLedgerState(ctx context.Context, sig Signal, state botrun.LedgerState, payload botrun.TradePayload) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		e.log.Warn().Err(err).Msg("marshal ledger payload")
		return
	}
	if err := e.st.UpdateExecutionLedgerState(ctx, sig.AccountID, sig.CorrelationID, state, data); err != nil {
		e.log.Warn().Err(err).Str("state", string(state)).Msg("execution ledger update failed")
	}
}

// Settle applies a settlement event for an open contract: persists the
// final ledger state, records the trade row, and feeds RiskCache so
// subsequent evaluations see updated equity and streaks.
func (e *Engine) Settle(ctx context.Context, accountID, correlationID, contractID string, stake, profit float64, isSold bool) error {
	payload := botrun.TradePayload{ContractID: contractID, Stake: stake, Profit: profit, IsSold: isSold}
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return err
	}
	if err := e.st.UpdateExecutionLedgerState(ctx, accountID, correlationID, botrun.LedgerSettled, data); err != nil {
		return fmt.Errorf("update ledger to settled: %w", err)
	}
	if err := e.st.AppendTrade(ctx, store.TradeRow{
		AccountID:  accountID,
		ContractID: contractID,
		Stake:      stake,
		Profit:     profit,
		SettledAt:  time.Now(),
	}); err != nil {
		e.log.Warn().Err(err).Msg("append trade row failed")
	}
	e.cache.RecordTradeSettled(accountID, stake, profit, false)
	e.bus.Publish(&events.TradeSettledData{AccountID: accountID, ContractID: contractID, Profit: profit})
	return nil
}
