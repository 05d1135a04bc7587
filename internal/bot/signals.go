// internal/bot/signals.go
package bot

import (
	"context"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/utils/metrics"
)

// signalWatcher журналирует сигналы шины и считает их в метриках.
type signalWatcher struct {
	metrics *metrics.Collector
	logger  *zap.Logger
	subs    []events.Subscription
}

func watchSignals(bus *events.Bus, collector *metrics.Collector, logger *zap.Logger) *signalWatcher {
	w := &signalWatcher{metrics: collector, logger: logger.Named("signals")}
	for _, t := range events.SignalTypes {
		w.subs = append(w.subs, bus.SubscribeFunc(t, w.handle))
	}
	return w
}

func (w *signalWatcher) handle(_ context.Context, e events.Event) error {
	w.metrics.RecordEvent(string(e.Type()))

	switch ev := e.(type) {
	case *events.TradeDetectedEvent:
		w.logger.Info("🔎 Trade detected",
			zap.String("account", ev.Account),
			zap.String("signature", ev.Signature),
			zap.String("direction", ev.Direction),
			zap.String("asset", ev.AssetID),
			zap.String("symbol", ev.AssetSymbol),
			zap.String("asset_amount", ev.AssetAmount),
			zap.String("base_amount", ev.BaseAmount))
	case *events.TradeSuppressedEvent:
		w.logger.Info("Sell not mirrored",
			zap.String("account", ev.Account),
			zap.String("signature", ev.Signature),
			zap.String("asset", ev.AssetID),
			zap.String("reason", ev.Reason))
	case *events.RiskTriggeredEvent:
		w.logger.Info("⚠️ Risk exit triggered",
			zap.String("asset", ev.AssetID),
			zap.String("reason", ev.Reason),
			zap.String("entry_price", ev.EntryPrice),
			zap.String("price", ev.Price))
	default:
		w.logger.Debug("Unhandled signal", zap.String("event_type", string(e.Type())))
	}
	return nil
}

func (w *signalWatcher) stop() {
	for _, s := range w.subs {
		s.Unsubscribe()
	}
	w.subs = nil
}
