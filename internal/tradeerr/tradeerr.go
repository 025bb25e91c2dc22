// Package tradeerr defines the tagged error kinds used throughout the
// trading runtime, mirroring the teacher's convention of typed, wrapped
// errors instead of bare fmt.Errorf strings at call sites that need to be
// branched on by callers.
package tradeerr

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure. Callers branch on Code, never on the
// error's message text.
type Code string

const (
	Validation         Code = "VALIDATION"
	Auth               Code = "AUTH"
	ConnectionLost     Code = "CONNECTION_LOST"
	RequestTimeout     Code = "REQUEST_TIMEOUT"
	QueueFull          Code = "QUEUE_FULL"
	UpstreamTransient  Code = "UPSTREAM_TRANSIENT"
	UpstreamFatal      Code = "UPSTREAM_FATAL"
	RiskGate           Code = "RISK_GATE"
	DuplicateRejected  Code = "DUPLICATE_REJECTED"
	KillSwitch         Code = "KILL_SWITCH"
	SlippageExceeded   Code = "SLIPPAGE_EXCEEDED"
	PersistenceDegraded Code = "PERSISTENCE_DEGRADED"
)

// Risk gate reasons, carried in Error.Reason when Code == RiskGate.
const (
	ReasonMaxOrderSize   = "MAX_ORDER_SIZE"
	ReasonMaxNotional    = "MAX_NOTIONAL"
	ReasonMaxExposure    = "MAX_EXPOSURE"
	ReasonOrdersPerSec   = "ORDERS_PER_SECOND"
	ReasonOrdersPerMin   = "ORDERS_PER_MINUTE"
	ReasonDailyLoss      = "DAILY_LOSS"
	ReasonDrawdown       = "DRAWDOWN"
	ReasonTradeCooldown  = "TRADE_COOLDOWN"
	ReasonLossStreak     = "LOSS_STREAK"
	ReasonMaxConcurrent  = "MAX_CONCURRENT"
	ReasonStakeLimit     = "STAKE_LIMIT"
	ReasonUninitialized  = "uninitialized"
)

// Error is the tagged error type returned by core components.
type Error struct {
	Code   Code
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Reason != "" && e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Cause)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a tagged error with no reason or wrapped cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// WithReason builds a tagged error carrying a reason string.
func WithReason(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Wrap builds a tagged error wrapping an underlying cause.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// WrapReason builds a tagged error with both a reason and a wrapped cause.
func WrapReason(code Code, reason string, cause error) *Error {
	return &Error{Code: code, Reason: reason, Cause: cause}
}

// Is reports whether err is a *Error of the given code.
func Is(err error, code Code) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// CodeOf extracts the Code of err, or "" if err is not a *Error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
