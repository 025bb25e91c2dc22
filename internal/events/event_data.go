// Package events implements the runtime's typed event bus: a fixed set of
// EventType values, one data struct per type, and a Manager that fans out
// published events to subscribed listeners in publish order.
// Following the teacher's pattern, EventData is a small tagged-union
// interface rather than a bag of interface{} fields.
package events

// EventType identifies the shape of an event's Data payload.
type EventType string

const (
	ConnectionReady     EventType = "connection_ready"
	ConnectionLost      EventType = "connection_lost"
	TickReceived        EventType = "tick_received"
	TickSeqGap          EventType = "tick_seq_gap"
	TickOutOfOrderDrop  EventType = "tick_out_of_order_drop"
	StrategyPaused      EventType = "strategy_paused"
	StrategyResumed     EventType = "strategy_resumed"
	TradeExecuted       EventType = "trade_executed"
	TradeFailed         EventType = "trade_failed"
	TradeSettled        EventType = "trade_settled"
	KillSwitchTriggered EventType = "kill_switch_triggered"
	KillSwitchCleared   EventType = "kill_switch_cleared"
	ComponentStatus     EventType = "component_status"
)

// EventData is implemented by every event payload type.
type EventData interface {
	EventType() EventType
}

// ConnectionReadyData is emitted when a session (re)opens and is authorized.
type ConnectionReadyData struct {
	AccountID   string
	IsReconnect bool
}

func (d *ConnectionReadyData) EventType() EventType { return ConnectionReady }

// ConnectionLostData is emitted when a session drops.
type ConnectionLostData struct {
	AccountID string
	Reason    string
}

func (d *ConnectionLostData) EventType() EventType { return ConnectionLost }

// TickSeqGapData is emitted when a tick epoch skips ahead by more than one.
type TickSeqGapData struct {
	AccountID string
	Symbol    string
	LastEpoch int64
	NewEpoch  int64
}

func (d *TickSeqGapData) EventType() EventType { return TickSeqGap }

// TickOutOfOrderDropData is emitted when a tick epoch is not after the last
// accepted epoch.
type TickOutOfOrderDropData struct {
	AccountID string
	Symbol    string
	LastEpoch int64
	DropEpoch int64
}

func (d *TickOutOfOrderDropData) EventType() EventType { return TickOutOfOrderDrop }

// StrategyPausedData is emitted when a bot run transitions to paused.
type StrategyPausedData struct {
	BotRunID string
	Reason   string
}

func (d *StrategyPausedData) EventType() EventType { return StrategyPaused }

// StrategyResumedData is emitted when a bot run resumes.
type StrategyResumedData struct {
	BotRunID string
}

func (d *StrategyResumedData) EventType() EventType { return StrategyResumed }

// TradeExecutedData is emitted when a contract is opened.
type TradeExecutedData struct {
	AccountID     string
	CorrelationID string
	ContractID    string
	Symbol        string
	Direction     string
	Stake         float64
	BuyPrice      float64
}

func (d *TradeExecutedData) EventType() EventType { return TradeExecuted }

// TradeFailedData is emitted when an execution attempt fails.
type TradeFailedData struct {
	AccountID     string
	CorrelationID string
	Code          string
	Reason        string
}

func (d *TradeFailedData) EventType() EventType { return TradeFailed }

// TradeSettledData is emitted when a contract settles.
type TradeSettledData struct {
	AccountID  string
	ContractID string
	BotRunID   string
	Profit     float64
}

func (d *TradeSettledData) EventType() EventType { return TradeSettled }

// KillSwitchTriggeredData is emitted when a kill switch activates.
type KillSwitchTriggeredData struct {
	Scope  string // account_id or "global"
	Reason string
	Manual bool
}

func (d *KillSwitchTriggeredData) EventType() EventType { return KillSwitchTriggered }

// KillSwitchClearedData is emitted when a kill switch clears, manually or by
// TTL.
type KillSwitchClearedData struct {
	Scope    string
	AutoClear bool
}

func (d *KillSwitchClearedData) EventType() EventType { return KillSwitchCleared }

// ComponentStatusData is emitted when a component's health status changes.
type ComponentStatusData struct {
	Component string
	Status    string // "ok", "degraded", "error"
}

func (d *ComponentStatusData) EventType() EventType { return ComponentStatus }
