// internal/monitor/risk.go
package monitor

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
	"github.com/rovshanmuradov/solana-copybot/internal/dex/jupiter"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/utils/metrics"
)

var errNoUnits = errors.New("position has no whole units to price")

// Quoter prices a position by quoting it into the base asset.
type Quoter interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int, slippageBps int) (*jupiter.Quote, error)
}

// Exiter closes a position.
type Exiter interface {
	ExitPosition(ctx context.Context, snapshot *position.Position, reason position.ExitReason) error
}

// PositionLister returns sorted snapshots of held positions.
type PositionLister interface {
	List() []*position.Position
}

// Config задает параметры риск-монитора.
type Config struct {
	Enabled bool
	// StopLossPct and TakeProfitPct are percentages of the entry price.
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	Interval      time.Duration
	ExitPause     time.Duration
	SlippageBps   int
}

// RiskMonitor периодически переоценивает позиции с известной ценой входа
// и закрывает их по stop-loss / take-profit.
type RiskMonitor struct {
	cfg       Config
	positions PositionLister
	quoter    Quoter
	exiter    Exiter
	events    events.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewRiskMonitor creates a monitor. publisher and collector may be nil.
func NewRiskMonitor(cfg Config, positions PositionLister, quoter Quoter, exiter Exiter,
	publisher events.Publisher, collector *metrics.Collector, logger *zap.Logger) *RiskMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &RiskMonitor{
		cfg:       cfg,
		positions: positions,
		quoter:    quoter,
		exiter:    exiter,
		events:    publisher,
		metrics:   collector,
		logger:    logger.Named("risk_monitor"),
	}
}

// Run ticks until ctx is cancelled. The next tick is scheduled after the
// previous one finishes, so ticks never overlap. No-op when disabled.
func (m *RiskMonitor) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("Risk management disabled, monitor not started")
		return nil
	}

	m.logger.Info("Starting risk monitor",
		zap.Duration("interval", m.cfg.Interval),
		zap.String("stop_loss_pct", m.cfg.StopLossPct.String()),
		zap.String("take_profit_pct", m.cfg.TakeProfitPct.String()))

	for {
		if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("Monitor tick failed", zap.Error(err))
		}
		if err := sleep(ctx, m.cfg.Interval); err != nil {
			m.logger.Debug("Risk monitor stopped")
			return nil
		}
	}
}

// Tick evaluates every priced position once. Cancellation is observed
// before each position and during the post-exit pause; an exit already
// started runs to completion on a detached context.
func (m *RiskMonitor) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { m.metrics.RecordTick(time.Since(start)) }()

	for _, pos := range m.positions.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !pos.Valuable() {
			continue
		}

		price, err := m.price(ctx, pos)
		if err != nil {
			m.logger.Warn("Skipping position, price unavailable",
				zap.String("asset", pos.AssetID),
				zap.Error(err))
			continue
		}

		entry := decimal.NewFromFloat(*pos.AvgEntryPrice)
		reason, hit := Evaluate(entry, price, m.cfg.StopLossPct, m.cfg.TakeProfitPct)
		if !hit {
			m.logger.Debug("Position within bounds",
				zap.String("asset", pos.AssetID),
				zap.String("entry", entry.String()),
				zap.String("price", price.String()))
			continue
		}

		m.logger.Info("Risk exit triggered",
			zap.String("asset", pos.AssetID),
			zap.String("reason", string(reason)),
			zap.String("entry", entry.String()),
			zap.String("price", price.String()))
		m.metrics.RecordRiskTrigger(string(reason))
		m.publish(pos.AssetID, reason, entry, price)

		if err := m.exiter.ExitPosition(context.WithoutCancel(ctx), pos, reason); err != nil {
			m.logger.Warn("Risk exit failed", zap.String("asset", pos.AssetID), zap.Error(err))
		}
		if err := sleep(ctx, m.cfg.ExitPause); err != nil {
			return err
		}
	}
	return nil
}

// price returns SOL per whole unit for the full held amount.
func (m *RiskMonitor) price(ctx context.Context, pos *position.Position) (decimal.Decimal, error) {
	units := pos.HeldUnits()
	if !units.IsPositive() {
		return decimal.Zero, errNoUnits
	}
	q, err := m.quoter.Quote(ctx, pos.AssetID, blockchain.WrappedSOLMint, pos.AmountRaw, m.cfg.SlippageBps)
	if err != nil {
		return decimal.Zero, err
	}
	out := decimal.NewFromBigInt(q.OutAmount, -blockchain.BaseDecimals)
	return out.DivRound(units, position.PricePrecision), nil
}

// Evaluate compares price against the entry thresholds. Take-profit wins
// when both would match.
func Evaluate(entry, price, stopLossPct, takeProfitPct decimal.Decimal) (position.ExitReason, bool) {
	hundred := decimal.NewFromInt(100)
	one := decimal.NewFromInt(1)

	tp := entry.Mul(one.Add(takeProfitPct.Div(hundred)))
	if price.GreaterThanOrEqual(tp) {
		return position.ExitTakeProfit, true
	}
	sl := entry.Mul(one.Sub(stopLossPct.Div(hundred)))
	if price.LessThanOrEqual(sl) {
		return position.ExitStopLoss, true
	}
	return "", false
}

func (m *RiskMonitor) publish(assetID string, reason position.ExitReason, entry, price decimal.Decimal) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(&events.RiskTriggeredEvent{
		BaseEvent:  events.NewBase(events.RiskTriggered),
		AssetID:    assetID,
		Reason:     string(reason),
		EntryPrice: entry.String(),
		Price:      price.String(),
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
