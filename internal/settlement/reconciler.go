// Package settlement implements SettlementReconciler: crash recovery of
// open contracts after restart and ongoing settlement-event application.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tradecore/internal/botrun"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/execution"
	"github.com/aristath/tradecore/internal/risk"
	"github.com/aristath/tradecore/internal/session"
	"github.com/aristath/tradecore/internal/store"
)

// Upstream is the subset of *session.Manager the reconciler needs.
type Upstream interface {
	SendRequest(ctx context.Context, accountID string, frame map[string]any, deadline time.Time) (json.RawMessage, error)
	SendFireAndForget(accountID string, frame map[string]any) error
	RegisterStreamingListener(accountID string, fn session.StreamingListener) error
}

// Reconciler recovers open positions on startup and applies settlement
// events as they stream in, persisting exactly once via the execution
// ledger.
type Reconciler struct {
	upstream Upstream
	st       store.Store
	cache    *risk.Cache
	engine   *execution.Engine
	bus      *events.Manager
	log      zerolog.Logger
	timeout  time.Duration

	mu            sync.Mutex
	contractOwner map[string]ownerInfo // "accountID|contractID" -> owner
	settled       map[string]bool      // "accountID|contractID" already applied this process lifetime
}

type ownerInfo struct {
	correlationID string
	stake         float64
	botRunID      string
}

// Config tunes the reconciler.
type Config struct {
	PortfolioTimeout time.Duration
}

// New builds a Reconciler.
func New(upstream Upstream, st store.Store, cache *risk.Cache, engine *execution.Engine, bus *events.Manager, cfg Config, log zerolog.Logger) *Reconciler {
	if cfg.PortfolioTimeout == 0 {
		cfg.PortfolioTimeout = 10 * time.Second
	}
	return &Reconciler{
		upstream:      upstream,
		st:            st,
		cache:         cache,
		engine:        engine,
		bus:           bus,
		log:           log.With().Str("component", "settlement").Logger(),
		timeout:       cfg.PortfolioTimeout,
		contractOwner: make(map[string]ownerInfo),
		settled:       make(map[string]bool),
	}
}

// Recover runs startup recovery for one account: rebuilds in-flight
// ownership from the pending/in-flight execution ledger, fetches the
// upstream portfolio, reconciles RiskCache open-trade state, and
// subscribes to every open contract for settlement.
func (r *Reconciler) Recover(ctx context.Context, accountID string) error {
	if err := r.upstream.RegisterStreamingListener(accountID, func(msgType string, payload json.RawMessage) {
		r.handleStreamMessage(accountID, msgType, payload)
	}); err != nil {
		return fmt.Errorf("register streaming listener: %w", err)
	}

	ownedContracts, err := r.loadLedgerOwnership(ctx, accountID)
	if err != nil {
		r.log.Warn().Err(err).Str("account_id", accountID).Msg("ledger ownership recovery degraded")
	}

	portfolioCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.upstream.SendRequest(portfolioCtx, accountID, map[string]any{"portfolio": 1}, time.Now().Add(r.timeout))
	if err != nil {
		return fmt.Errorf("fetch portfolio: %w", err)
	}

	var resp struct {
		Portfolio struct {
			Contracts []struct {
				ContractID int64   `json:"contract_id"`
				BuyPrice   float64 `json:"buy_price"`
				Payout     float64 `json:"payout"`
				Symbol     string  `json:"symbol"`
			} `json:"contracts"`
		} `json:"portfolio"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode portfolio: %w", err)
	}

	exposure := 0.0
	liveContracts := make(map[string]bool, len(resp.Portfolio.Contracts))
	for _, c := range resp.Portfolio.Contracts {
		contractID := fmt.Sprint(c.ContractID)
		liveContracts[contractID] = true
		exposure += c.BuyPrice

		r.mu.Lock()
		_, known := r.contractOwner[ownerKey(accountID, contractID)]
		if !known {
			r.contractOwner[ownerKey(accountID, contractID)] = ownerInfo{correlationID: "recovered:" + contractID, stake: c.BuyPrice}
		}
		r.mu.Unlock()

		if err := r.upstream.SendFireAndForget(accountID, map[string]any{
			"proposal_open_contract": 1,
			"contract_id":            c.ContractID,
			"subscribe":              1,
		}); err != nil {
			r.log.Warn().Err(err).Str("contract_id", contractID).Msg("resubscribe failed")
		}
	}

	r.cache.SetOpenTradeState(accountID, len(resp.Portfolio.Contracts), exposure)

	// Any ledger row still pending/in_flight whose contract is absent from
	// the live portfolio settled while this process was down; the portfolio
	// response carries only open contracts, so each one needs a one-shot
	// poll for its final state before it can be applied through Settle.
	for contractID := range ownedContracts {
		if liveContracts[contractID] {
			continue
		}
		r.reconcileMissingContract(ctx, accountID, contractID)
	}

	return nil
}

// reconcileMissingContract applies the atomic settlement-recovery path
// (testable property 7 / scenario S5): a ledger row whose contract already
// settled while the process was down is fetched once via a one-shot
// proposal_open_contract poll and applied through Engine.Settle exactly
// once. Settle's underlying ledger write is itself a forward-only state
// transition, so re-running Recover after a successful reconcile is a
// no-op even if the in-memory settled dedup map has been reset by a
// restart.
func (r *Reconciler) reconcileMissingContract(ctx context.Context, accountID, contractID string) {
	ownKey := ownerKey(accountID, contractID)
	r.mu.Lock()
	if r.settled[ownKey] {
		r.mu.Unlock()
		return
	}
	owner, ok := r.contractOwner[ownKey]
	r.mu.Unlock()
	if !ok {
		return
	}

	id, err := strconv.ParseInt(contractID, 10, 64)
	if err != nil {
		r.log.Warn().Err(err).Str("contract_id", contractID).Msg("malformed contract id, skipping recovery reconcile")
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.upstream.SendRequest(pollCtx, accountID, map[string]any{
		"proposal_open_contract": 1,
		"contract_id":            id,
	}, time.Now().Add(r.timeout))
	if err != nil {
		r.log.Warn().Err(err).Str("contract_id", contractID).Msg("final contract state poll failed, leaving for live settlement stream")
		return
	}

	var frame struct {
		ProposalOpenContract struct {
			IsSold   bool    `json:"is_sold"`
			Profit   float64 `json:"profit"`
			BuyPrice float64 `json:"buy_price"`
		} `json:"proposal_open_contract"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.log.Warn().Err(err).Str("contract_id", contractID).Msg("decode proposal_open_contract poll response")
		return
	}
	if !frame.ProposalOpenContract.IsSold {
		// Absent from the portfolio snapshot but not yet sold: the live
		// streaming subscription (registered above) will settle it normally.
		return
	}

	stake := owner.stake
	if stake == 0 {
		stake = frame.ProposalOpenContract.BuyPrice
	}

	r.mu.Lock()
	r.settled[ownKey] = true
	delete(r.contractOwner, ownKey)
	r.mu.Unlock()

	if err := r.engine.Settle(ctx, accountID, owner.correlationID, contractID, stake, frame.ProposalOpenContract.Profit, true); err != nil {
		r.log.Warn().Err(err).Str("contract_id", contractID).Msg("settlement recovery replay failed")
	}
}

// loadLedgerOwnership rebuilds the contract→correlation map from pending
// and in-flight ledger rows, so settlement events for contracts bought
// just before a crash attribute correctly instead of falling back to the
// "recovered:" synthetic correlation id. It returns the set of contract ids
// this account has unsettled ledger rows for, so Recover can detect
// contracts that settled entirely while the process was down.
func (r *Reconciler) loadLedgerOwnership(ctx context.Context, accountID string) (map[string]bool, error) {
	owned := make(map[string]bool)
	for _, state := range []botrun.LedgerState{botrun.LedgerPending, botrun.LedgerInFlight} {
		rows, err := r.st.LoadExecutionLedger(ctx, state)
		if err != nil {
			return owned, err
		}
		for _, row := range rows {
			if row.AccountID != accountID {
				continue
			}
			var payload botrun.TradePayload
			if err := msgpack.Unmarshal(row.Payload, &payload); err != nil {
				continue
			}
			if payload.ContractID == "" {
				continue
			}
			r.mu.Lock()
			r.contractOwner[ownerKey(accountID, payload.ContractID)] = ownerInfo{
				correlationID: row.CorrelationID,
				stake:         payload.Stake,
				botRunID:      payload.BotRunID,
			}
			r.mu.Unlock()
			owned[payload.ContractID] = true
		}
	}
	return owned, nil
}

func (r *Reconciler) handleStreamMessage(accountID, msgType string, payload json.RawMessage) {
	if msgType != "proposal_open_contract" {
		return
	}
	var frame struct {
		ProposalOpenContract struct {
			ContractID int64   `json:"contract_id"`
			IsSold     bool    `json:"is_sold"`
			Profit     float64 `json:"profit"`
			BuyPrice   float64 `json:"buy_price"`
		} `json:"proposal_open_contract"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		r.log.Warn().Err(err).Msg("decode proposal_open_contract frame")
		return
	}
	if !frame.ProposalOpenContract.IsSold {
		return
	}

	contractID := fmt.Sprint(frame.ProposalOpenContract.ContractID)
	ownKey := ownerKey(accountID, contractID)
	r.mu.Lock()
	if r.settled[ownKey] {
		r.mu.Unlock()
		return
	}
	r.settled[ownKey] = true
	owner, ok := r.contractOwner[ownKey]
	if ok {
		delete(r.contractOwner, ownKey)
	}
	r.mu.Unlock()
	if !ok {
		owner = ownerInfo{correlationID: "recovered:" + contractID, stake: frame.ProposalOpenContract.BuyPrice}
	}

	stake := owner.stake
	if stake == 0 {
		stake = frame.ProposalOpenContract.BuyPrice
	}

	if err := r.engine.Settle(context.Background(), accountID, owner.correlationID, contractID, stake, frame.ProposalOpenContract.Profit, true); err != nil {
		r.log.Warn().Err(err).Str("contract_id", contractID).Msg("settle failed")
	}
}

func ownerKey(accountID, contractID string) string { return accountID + "|" + contractID }
