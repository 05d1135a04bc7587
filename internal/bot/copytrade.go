// internal/bot/copytrade.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
	"github.com/rovshanmuradov/solana-copybot/internal/classifier"
	"github.com/rovshanmuradov/solana-copybot/internal/dex/jupiter"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/utils/metrics"
)

// SwapGateway quotes and builds aggregator swaps.
type SwapGateway interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int, slippageBps int) (*jupiter.Quote, error)
	BuildSwap(ctx context.Context, user solana.PublicKey, q *jupiter.Quote) (*jupiter.SwapTransaction, error)
}

// Signer signs swap transactions on behalf of the operator wallet.
type Signer interface {
	Address() solana.PublicKey
	SignTransaction(tx *solana.Transaction) error
}

// PositionStore is the subset of position.Store the orchestrator mutates.
type PositionStore interface {
	Get(assetID string) (*position.Position, bool)
	RecordBuy(fill position.Fill) (*position.Position, error)
	Remove(assetID string) error
	Len() int
}

// Settings are the trading parameters derived from config.
type Settings struct {
	// Execute submits transactions; otherwise they are only simulated.
	Execute           bool
	BuyAmountLamports uint64
	SlippageBps       int
	RiskEnabled       bool
	ConfirmLevel      rpc.CommitmentType
	Submit            blockchain.SubmitOptions
	PipelineTimeout   time.Duration
}

// CopyTraderConfig собирает зависимости оркестратора.
type CopyTraderConfig struct {
	Logger   *zap.Logger
	Swap     SwapGateway
	Ledger   blockchain.Gateway
	Signer   Signer
	Store    PositionStore
	Locker   *position.Locker
	Events   events.Publisher
	Metrics  *metrics.Collector
	Settings Settings
}

// CopyTrader runs quote→build→sign→submit→confirm pipelines and commits
// the resulting position changes. Runs for the same asset are serialized.
type CopyTrader struct {
	logger   *zap.Logger
	swap     SwapGateway
	ledger   blockchain.Gateway
	signer   Signer
	store    PositionStore
	locker   *position.Locker
	events   events.Publisher
	metrics  *metrics.Collector
	settings Settings

	inflight sync.WaitGroup
}

// NewCopyTrader validates the dependencies and creates an orchestrator.
func NewCopyTrader(cfg CopyTraderConfig) (*CopyTrader, error) {
	switch {
	case cfg.Logger == nil:
		return nil, errors.New("copy trader: logger is required")
	case cfg.Swap == nil:
		return nil, errors.New("copy trader: swap gateway is required")
	case cfg.Ledger == nil:
		return nil, errors.New("copy trader: ledger gateway is required")
	case cfg.Signer == nil:
		return nil, errors.New("copy trader: signer is required")
	case cfg.Store == nil:
		return nil, errors.New("copy trader: position store is required")
	case cfg.Settings.BuyAmountLamports == 0:
		return nil, errors.New("copy trader: buy amount must be positive")
	}

	locker := cfg.Locker
	if locker == nil {
		locker = position.NewLocker()
	}
	settings := cfg.Settings
	if settings.PipelineTimeout <= 0 {
		settings.PipelineTimeout = 90 * time.Second
	}
	if settings.ConfirmLevel == "" {
		settings.ConfirmLevel = rpc.CommitmentConfirmed
	}

	return &CopyTrader{
		logger:   cfg.Logger.Named("copytrader"),
		swap:     cfg.Swap,
		ledger:   cfg.Ledger,
		signer:   cfg.Signer,
		store:    cfg.Store,
		locker:   locker,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		settings: settings,
	}, nil
}

// RiskEnabled reports whether risk-managed mode is on.
func (ct *CopyTrader) RiskEnabled() bool {
	return ct.settings.RiskEnabled
}

// ProcessTrade mirrors a detected trade. Buys spend the configured amount;
// sells close the whole position unless it is risk managed.
func (ct *CopyTrader) ProcessTrade(ctx context.Context, trade *classifier.Trade) (*Execution, error) {
	if trade == nil {
		return nil, errors.New("nil trade")
	}

	exec := ct.newExecution(KindBuy, trade.AssetID)
	exec.SourceSignature = trade.SourceSignature
	exec.TriggerAccount = trade.SourceAccount

	switch trade.Direction {
	case classifier.Buy:
		return ct.guarded(ctx, exec, func(runCtx context.Context) error {
			return ct.buy(runCtx, exec, trade)
		})
	case classifier.Sell:
		exec.Kind = KindCopySell
		return ct.guarded(ctx, exec, func(runCtx context.Context) error {
			return ct.copySell(runCtx, exec)
		})
	default:
		return nil, fmt.Errorf("unknown trade direction %q", trade.Direction)
	}
}

// ProcessRiskExit sells the full held amount of assetID. snapshot is the
// monitor's view at trigger time; the store is re-read under the lock.
func (ct *CopyTrader) ProcessRiskExit(ctx context.Context, assetID string, snapshot *position.Position, reason position.ExitReason) (*Execution, error) {
	exec := ct.newExecution(KindRiskExit, assetID)
	exec.Reason = reason
	if snapshot != nil {
		exec.TriggerAccount = snapshot.TriggerAccount
	}
	return ct.guarded(ctx, exec, func(runCtx context.Context) error {
		return ct.riskExit(runCtx, exec)
	})
}

// ExitPosition closes snapshot's position for the risk monitor.
func (ct *CopyTrader) ExitPosition(ctx context.Context, snapshot *position.Position, reason position.ExitReason) error {
	_, err := ct.ProcessRiskExit(ctx, snapshot.AssetID, snapshot, reason)
	return err
}

// HandleTrade adapts ProcessTrade for the listener.
func (ct *CopyTrader) HandleTrade(ctx context.Context, trade *classifier.Trade) error {
	_, err := ct.ProcessTrade(ctx, trade)
	return err
}

// Wait blocks until in-flight runs finish or ctx is done.
func (ct *CopyTrader) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		ct.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ct *CopyTrader) newExecution(kind Kind, assetID string) *Execution {
	return &Execution{
		ID:        uuid.New().String(),
		Kind:      kind,
		AssetID:   assetID,
		Stage:     StageQueued,
		StartedAt: time.Now(),
	}
}

// guarded acquires the asset lock with the caller's context, then runs fn on
// a context detached from cancellation and bounded by the pipeline timeout.
func (ct *CopyTrader) guarded(ctx context.Context, exec *Execution, fn func(context.Context) error) (*Execution, error) {
	ct.inflight.Add(1)
	defer ct.inflight.Done()

	unlock, err := ct.locker.Lock(ctx, exec.AssetID)
	if err != nil {
		runErr := &StageError{AssetID: exec.AssetID, Kind: exec.Kind, Stage: exec.Stage, Err: err}
		ct.finish(exec, runErr)
		return exec, runErr
	}
	defer unlock()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ct.settings.PipelineTimeout)
	defer cancel()

	err = fn(runCtx)
	ct.finish(exec, err)
	return exec, err
}

func (ct *CopyTrader) buy(ctx context.Context, exec *Execution, trade *classifier.Trade) error {
	amount := new(big.Int).SetUint64(ct.settings.BuyAmountLamports)
	q, err := ct.pipeline(ctx, exec, blockchain.WrappedSOLMint, trade.AssetID, amount)
	if err != nil || !ct.settings.Execute {
		return err
	}

	pos, err := ct.store.RecordBuy(position.Fill{
		AssetID:        trade.AssetID,
		Signature:      exec.Signature,
		TriggerAccount: trade.SourceAccount,
		AssetAmountRaw: q.OutAmount,
		BaseAmountRaw:  q.InAmount,
		Decimals:       trade.AssetDecimals,
		TrackCost:      ct.settings.RiskEnabled,
	})
	if err != nil {
		return ct.stageError(exec, fmt.Errorf("%w: %w", ErrCommitFailed, err))
	}
	ct.metrics.SetOpenPositions(ct.store.Len())

	fields := []zap.Field{
		zap.String("asset", trade.AssetID),
		zap.String("symbol", trade.AssetSymbol),
		zap.String("held_raw", pos.AmountRaw.String()),
		zap.String("signature", exec.Signature),
	}
	if pos.AvgEntryPrice != nil {
		fields = append(fields, zap.Float64("avg_entry_price", *pos.AvgEntryPrice))
	}
	ct.logger.Info("Buy copied", fields...)
	return nil
}

func (ct *CopyTrader) copySell(ctx context.Context, exec *Execution) error {
	pos, ok := ct.store.Get(exec.AssetID)
	if !ok {
		exec.skip(SkipNoPosition)
		ct.logger.Debug("Sell ignored, no position", zap.String("asset", exec.AssetID))
		return nil
	}
	if ct.settings.RiskEnabled && pos.HasEntryPrice() {
		exec.skip(SkipRiskManaged)
		ct.logger.Info("Sell suppressed, position is risk managed",
			zap.String("asset", exec.AssetID),
			zap.String("source_signature", exec.SourceSignature))
		return nil
	}
	return ct.closePosition(ctx, exec, pos)
}

func (ct *CopyTrader) riskExit(ctx context.Context, exec *Execution) error {
	pos, ok := ct.store.Get(exec.AssetID)
	if !ok {
		exec.skip(SkipNoPosition)
		ct.logger.Debug("Risk exit ignored, position already closed", zap.String("asset", exec.AssetID))
		return nil
	}
	return ct.closePosition(ctx, exec, pos)
}

func (ct *CopyTrader) closePosition(ctx context.Context, exec *Execution, pos *position.Position) error {
	if _, err := ct.pipeline(ctx, exec, pos.AssetID, blockchain.WrappedSOLMint, pos.AmountRaw); err != nil || !ct.settings.Execute {
		return err
	}

	if err := ct.store.Remove(pos.AssetID); err != nil {
		return ct.stageError(exec, fmt.Errorf("%w: %w", ErrCommitFailed, err))
	}
	ct.metrics.SetOpenPositions(ct.store.Len())

	ct.logger.Info("Position closed",
		zap.String("asset", pos.AssetID),
		zap.String("kind", string(exec.Kind)),
		zap.String("reason", string(exec.Reason)),
		zap.String("sold_raw", pos.AmountRaw.String()),
		zap.String("received_lamports", exec.OutAmount.String()),
		zap.String("signature", exec.Signature))
	return nil
}

// pipeline runs one swap through every stage. In simulation mode it stops
// after signing and simulates instead of submitting.
func (ct *CopyTrader) pipeline(ctx context.Context, exec *Execution, inputMint, outputMint string, amount *big.Int) (*jupiter.Quote, error) {
	ct.advance(exec, StageQuoteRequested)
	q, err := ct.swap.Quote(ctx, inputMint, outputMint, amount, ct.settings.SlippageBps)
	if err != nil {
		return nil, ct.stageError(exec, err)
	}
	exec.InAmount = q.InAmount
	exec.OutAmount = q.OutAmount
	ct.advance(exec, StageQuoteReceived)

	ct.advance(exec, StageBuildRequested)
	swapTx, err := ct.swap.BuildSwap(ctx, ct.signer.Address(), q)
	if err != nil {
		return nil, ct.stageError(exec, err)
	}
	ct.advance(exec, StageBuildReceived)

	if err := ct.signer.SignTransaction(swapTx.Transaction); err != nil {
		return nil, ct.stageError(exec, err)
	}
	ct.advance(exec, StageSigned)

	if !ct.settings.Execute {
		sim, err := ct.ledger.Simulate(ctx, swapTx.Transaction, ct.settings.ConfirmLevel)
		if err != nil {
			return nil, ct.stageError(exec, err)
		}
		exec.Simulation = sim
		if sim.Failed() {
			return nil, ct.stageError(exec, fmt.Errorf("%w: %s", ErrSimulationFailed, sim.Describe()))
		}
		exec.Simulated = true
		ct.advance(exec, StageSimulated)
		return q, nil
	}

	sig, err := ct.ledger.Submit(ctx, swapTx.Transaction, ct.settings.Submit)
	if err != nil {
		return nil, ct.stageError(exec, err)
	}
	exec.Signature = sig.String()
	ct.advance(exec, StageSubmitted)

	err = ct.ledger.Confirm(ctx, sig, swapTx.Transaction.Message.RecentBlockhash, swapTx.LastValidBlockHeight, ct.settings.ConfirmLevel)
	if err != nil {
		return nil, ct.stageError(exec, err)
	}
	ct.advance(exec, StageConfirmed)
	return q, nil
}

func (ct *CopyTrader) advance(exec *Execution, stage Stage) {
	exec.Stage = stage
	ct.metrics.ObserveStage(string(stage), time.Since(exec.StartedAt))
	ct.logger.Debug("Stage reached",
		zap.String("execution_id", exec.ID),
		zap.String("asset", exec.AssetID),
		zap.String("stage", string(stage)))
}

func (ct *CopyTrader) stageError(exec *Execution, err error) *StageError {
	return &StageError{
		AssetID:   exec.AssetID,
		Kind:      exec.Kind,
		Stage:     exec.Stage,
		Signature: exec.Signature,
		Err:       err,
	}
}

func (e *Execution) skip(reason string) {
	e.Skipped = true
	e.SkipReason = reason
}

// finish logs, counts and publishes the terminal outcome.
func (ct *CopyTrader) finish(exec *Execution, runErr error) {
	exec.FinishedAt = time.Now()

	var (
		eventType events.EventType
		status    string
	)
	switch {
	case runErr != nil:
		eventType, status = events.ExecutionFailed, "failed"
		fields := []zap.Field{
			zap.String("execution_id", exec.ID),
			zap.String("kind", string(exec.Kind)),
			zap.String("asset", exec.AssetID),
			zap.String("stage", string(exec.Stage)),
			zap.Error(runErr),
		}
		if exec.Signature != "" {
			// submitted but unconfirmed or uncommitted: needs reconciliation
			ct.logger.Error("Execution failed after submission",
				append(fields, zap.String("signature", exec.Signature))...)
		} else {
			ct.logger.Warn("Execution failed", fields...)
		}
		exec.Stage = StageFailed
	case exec.Skipped:
		eventType, status = events.ExecutionSkipped, "skipped"
	default:
		eventType, status = events.ExecutionSucceeded, string(exec.Stage)
	}

	ct.metrics.RecordExecution(string(exec.Kind), status)
	if ct.events == nil {
		return
	}
	report := exec.report(runErr)
	if runErr != nil {
		var se *StageError
		if errors.As(runErr, &se) {
			report.Stage = string(se.Stage)
		}
	}
	if err := ct.events.Publish(&events.ExecutionEvent{BaseEvent: events.NewBase(eventType), Report: report}); err != nil {
		ct.logger.Debug("Execution event dropped", zap.String("execution_id", exec.ID), zap.Error(err))
	}
}
