// Package botrun holds the core data-model types shared across the trading
// runtime: accounts, sessions, tick subscriptions, market data state, risk
// entries, kill switches, order intents, contracts, bot runs, and the
// execution ledger. Types here are plain data; behavior lives in the
// owning package (session, ticks, risk, execution, ...).
package botrun

import (
	"encoding/json"
	"time"
)

// AccountType distinguishes a live brokerage account from a paper/demo one.
type AccountType string

const (
	AccountReal AccountType = "real"
	AccountDemo AccountType = "demo"
)

// Account is the unit of authorization and isolation. The bearer token is
// kept decrypted only in memory; callers are responsible for decrypting it
// from the at-rest AEAD-sealed form before constructing this value.
type Account struct {
	ID       string
	Type     AccountType
	Currency string
	Token    string
}

// Direction is the side of a binary-options contract.
type Direction string

const (
	Call Direction = "CALL"
	Put  Direction = "PUT"
)

// RunStatus is the lifecycle state of a BotRun.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunPaused  RunStatus = "paused"
	RunStopped RunStatus = "stopped"
)

// BotRun is a persistent instance of a strategy executing against an
// account and symbol.
type BotRun struct {
	ID             string
	AccountID      string
	StrategyID     string
	Symbol         string
	StakeBase      float64
	StakeMin       float64
	StakeMax       float64
	DurationValue  int
	DurationUnit   string
	CooldownMs     int64
	LossCooldownMs int64

	DailyLossLimitPct    float64
	DrawdownLimitPct     float64
	MaxConsecutiveLosses int
	MaxConcurrentTrades  int
	SlippagePct          float64

	BatchSize       int
	BatchIntervalMs int64
	ComputeBudgetMs int64
	RequiredTicks   int

	VolatilityGuard    bool
	VolatilityWindow   int
	VolatilityThreshold float64

	Status        RunStatus
	PauseReason   string
	StartedAt     time.Time
	LastTradeAt   time.Time
	TradesExecuted int
	TotalProfit    float64
}

// OrderIntentStatus is the lifecycle state of an OrderIntent.
type OrderIntentStatus string

const (
	IntentPending   OrderIntentStatus = "pending"
	IntentFulfilled OrderIntentStatus = "fulfilled"
	IntentFailed    OrderIntentStatus = "failed"
)

// OrderIntent is the idempotency record keyed by (account_id, correlation_id).
type OrderIntent struct {
	AccountID     string
	CorrelationID string
	Symbol        string
	Status        OrderIntentStatus
	CreatedAt     time.Time
	ContractID    string
	BuyPrice      float64
	Payout        float64
	Err           string
}

// Contract is an open binary-options position, durably tracked for crash
// recovery until settlement.
type Contract struct {
	ContractID     string
	AccountID      string
	Symbol         string
	Direction      Direction
	Stake          float64
	Payout         float64
	BuyPrice       float64
	OpenedAt       time.Time
	BotRunID       string
	LastMarkPrice  float64
	UnrealizedPnL  float64
}

// LedgerState is the lifecycle state of an ExecutionLedger row.
type LedgerState string

const (
	LedgerPending LedgerState = "pending"
	LedgerInFlight LedgerState = "in_flight"
	LedgerSettled LedgerState = "settled"
	LedgerFailed  LedgerState = "failed"
)

// TradePayload is the msgpack-encoded payload embedded in an execution
// ledger row; unknown upstream fields are preserved opaquely.
type TradePayload struct {
	ContractID string          `msgpack:"contract_id"`
	Symbol     string          `msgpack:"symbol"`
	Stake      float64         `msgpack:"stake"`
	Profit     float64         `msgpack:"profit,omitempty"`
	BuyPrice   float64         `msgpack:"buy_price,omitempty"`
	BotRunID   string          `msgpack:"bot_run_id,omitempty"`
	IsSold     bool            `msgpack:"is_sold,omitempty"`
	Opaque     json.RawMessage `msgpack:"opaque,omitempty"`
}

// ExecutionLedgerRow is an append-then-update record used to achieve
// exactly-once settlement on crash recovery.
type ExecutionLedgerRow struct {
	CorrelationID string
	AccountID     string
	State         LedgerState
	Payload       TradePayload
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RiskEntry is the per-account rolling risk aggregate.
type RiskEntry struct {
	AccountID         string
	Equity            float64
	EquityPeak        float64
	DailyStartEquity  float64
	DailyPnL          float64
	TotalLossToday    float64
	TotalProfitToday  float64
	LossStreak        int
	ConsecutiveWins   int
	OpenExposure      float64
	OpenTradeCount    int
	LastLossTime      *time.Time
	LastTradeTime     *time.Time
	DateKey           string // YYYY-MM-DD, UTC
	LastUpdated       time.Time
}

// KillSwitchState is a per-account or global kill switch record.
type KillSwitchState struct {
	Scope       string // account_id, or "global"
	Active      bool
	Reason      string
	TriggeredAt time.Time
	Manual      bool
	ClearedAt   *time.Time
}

// Quote is one tick in a TickStream ring buffer.
type Quote struct {
	Epoch     int64
	Price     float64
	RecvAt    time.Time // monotonic receive timestamp
	WallAt    time.Time // wall-clock timestamp carried by the upstream frame
}

// BookLevel is one price level of an order-book side.
type BookLevel struct {
	Price float64
	Size  float64
}

// MarketDataMode selects between real order-book data and the synthetic
// tick-derived fallback.
type MarketDataMode string

const (
	ModeOrderBook MarketDataMode = "order_book"
	ModeSynthetic MarketDataMode = "synthetic"
)
