// internal/storage/models/execution.go
package models

import (
	"time"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
)

// Статусы исполнения в журнале.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Execution is one journaled pipeline run. Raw amounts are kept as
// decimal strings so they survive any magnitude.
type Execution struct {
	BaseModel
	ExecutionID     string    `gorm:"uniqueIndex;not null;type:varchar(36)"`
	Kind            string    `gorm:"index;not null;type:varchar(16)"`
	Status          string    `gorm:"index;not null;type:varchar(16)"`
	AssetID         string    `gorm:"index;not null;type:varchar(44)"`
	Stage           string    `gorm:"not null;type:varchar(24)"`
	Signature       string    `gorm:"index;type:varchar(88)"`
	SourceSignature string    `gorm:"type:varchar(88)"`
	TriggerAccount  string    `gorm:"type:varchar(44)"`
	Simulated       bool      `gorm:"not null;default:false"`
	SkipReason      string    `gorm:"type:varchar(64)"`
	ErrorMessage    string    `gorm:"type:text"`
	InAmountRaw     string    `gorm:"type:numeric"`
	OutAmountRaw    string    `gorm:"type:numeric"`
	StartedAt       time.Time `gorm:"not null"`
	FinishedAt      time.Time `gorm:"index;not null"`
	DurationMs      int64
}

// StatusFor maps a pipeline outcome event type to a journal status.
func StatusFor(t events.EventType) string {
	switch t {
	case events.ExecutionSucceeded:
		return StatusSucceeded
	case events.ExecutionSkipped:
		return StatusSkipped
	default:
		return StatusFailed
	}
}

// FromReport converts an execution report into a journal row.
func FromReport(r events.ExecutionReport, status string) *Execution {
	return &Execution{
		ExecutionID:     r.ID,
		Kind:            r.Kind,
		Status:          status,
		AssetID:         r.AssetID,
		Stage:           r.Stage,
		Signature:       r.Signature,
		SourceSignature: r.SourceSignature,
		TriggerAccount:  r.TriggerAccount,
		Simulated:       r.Simulated,
		SkipReason:      r.SkipReason,
		ErrorMessage:    r.Error,
		InAmountRaw:     r.InAmount,
		OutAmountRaw:    r.OutAmount,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		DurationMs:      r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
}
