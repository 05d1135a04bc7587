// internal/bot/stages.go
package bot

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
)

// Stage is the furthest point a pipeline run reached.
type Stage string

const (
	StageQueued         Stage = "QUEUED"
	StageQuoteRequested Stage = "QUOTE_REQUESTED"
	StageQuoteReceived  Stage = "QUOTE_RECEIVED"
	StageBuildRequested Stage = "BUILD_REQUESTED"
	StageBuildReceived  Stage = "BUILD_RECEIVED"
	StageSigned         Stage = "SIGNED"
	StageSubmitted      Stage = "SUBMITTED"
	StageConfirmed      Stage = "CONFIRMED"
	StageSimulated      Stage = "SIMULATED"
	StageFailed         Stage = "FAILED"
)

// Kind of pipeline run.
type Kind string

const (
	KindBuy      Kind = "buy"
	KindCopySell Kind = "copy_sell"
	KindRiskExit Kind = "risk_exit"
)

// Причины, по которым запуск пропущен без обращения к свопу.
const (
	SkipNoPosition  = "no_position"
	SkipRiskManaged = "risk_managed"
)

var (
	// ErrSimulationFailed is returned when the signed transaction fails simulation.
	ErrSimulationFailed = errors.New("simulation failed")
	// ErrCommitFailed means the swap confirmed but the position store could not be updated.
	ErrCommitFailed = errors.New("position commit failed")
)

// Execution is the outcome record of one pipeline run.
type Execution struct {
	ID              string
	Kind            Kind
	AssetID         string
	Stage           Stage
	Signature       string
	SourceSignature string
	TriggerAccount  string
	Reason          position.ExitReason
	Simulated       bool
	Skipped         bool
	SkipReason      string
	InAmount        *big.Int
	OutAmount       *big.Int
	Simulation      *blockchain.SimulationResult
	StartedAt       time.Time
	FinishedAt      time.Time
}

func (e *Execution) report(runErr error) events.ExecutionReport {
	r := events.ExecutionReport{
		ID:              e.ID,
		Kind:            string(e.Kind),
		AssetID:         e.AssetID,
		Stage:           string(e.Stage),
		Signature:       e.Signature,
		SourceSignature: e.SourceSignature,
		TriggerAccount:  e.TriggerAccount,
		Simulated:       e.Simulated,
		Skipped:         e.Skipped,
		SkipReason:      e.SkipReason,
		StartedAt:       e.StartedAt,
		FinishedAt:      e.FinishedAt,
	}
	if e.InAmount != nil {
		r.InAmount = e.InAmount.String()
	}
	if e.OutAmount != nil {
		r.OutAmount = e.OutAmount.String()
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}

// StageError describes where a pipeline run stopped.
type StageError struct {
	AssetID string
	Kind    Kind
	Stage   Stage
	// Signature is set once the transaction was submitted.
	Signature string
	Err       error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s %s failed at %s", e.Kind, e.AssetID, e.Stage)
	if e.Signature != "" {
		msg += " (signature " + e.Signature + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}
