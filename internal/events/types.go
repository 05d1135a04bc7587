// internal/events/types.go
package events

import (
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// Detection events
	TradeDetected   EventType = "trade.detected"
	TradeSuppressed EventType = "trade.suppressed"

	// Pipeline outcomes
	ExecutionSucceeded EventType = "execution.succeeded"
	ExecutionFailed    EventType = "execution.failed"
	ExecutionSkipped   EventType = "execution.skipped"

	// Risk management
	RiskTriggered EventType = "risk.triggered"
)

// ExecutionTypes lists every pipeline outcome type.
var ExecutionTypes = []EventType{ExecutionSucceeded, ExecutionFailed, ExecutionSkipped}

// SignalTypes lists events that precede a pipeline run or replace it.
var SignalTypes = []EventType{TradeDetected, TradeSuppressed, RiskTriggered}

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

// NewBase stamps an event of the given type with the current time.
func NewBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now()}
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// TradeDetectedEvent is emitted when a watched account's transaction
// classifies as a copyable trade.
type TradeDetectedEvent struct {
	BaseEvent
	Account     string
	Signature   string
	Direction   string
	AssetID     string
	AssetSymbol string
	AssetAmount string
	BaseAmount  string
}

// TradeSuppressedEvent is emitted when a detected sell is not mirrored.
type TradeSuppressedEvent struct {
	BaseEvent
	Account   string
	Signature string
	AssetID   string
	Reason    string
}

// ExecutionReport is a flat snapshot of one pipeline run.
type ExecutionReport struct {
	ID              string
	Kind            string
	AssetID         string
	Stage           string
	Signature       string
	SourceSignature string
	TriggerAccount  string
	Simulated       bool
	Skipped         bool
	SkipReason      string
	Error           string
	InAmount        string
	OutAmount       string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// ExecutionEvent carries a terminal pipeline outcome.
type ExecutionEvent struct {
	BaseEvent
	Report ExecutionReport
}

// RiskTriggeredEvent is emitted when the monitor decides to exit a position.
type RiskTriggeredEvent struct {
	BaseEvent
	AssetID    string
	Reason     string
	EntryPrice string
	Price      string
}
