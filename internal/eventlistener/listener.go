// internal/eventlistener/listener.go
package eventlistener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
	"github.com/rovshanmuradov/solana-copybot/internal/classifier"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/utils/metrics"
)

const (
	defaultMaxInFlight = 16
	defaultDedupTTL    = 10 * time.Minute
	fetchTimeout       = 20 * time.Second
)

// Исходы обработки уведомления для метрик.
const (
	resultFailedTx    = "failed_tx"
	resultDuplicate   = "duplicate"
	resultFetchError  = "fetch_error"
	resultNotVisible  = "not_visible"
	resultNotTrade    = "not_trade"
	resultSuppressed  = "suppressed"
	resultDispatched  = "dispatched"
	resultHandlerFail = "handler_error"
)

var (
	ErrNoSubscriptions = errors.New("no log subscription could be opened")
	errStopped         = errors.New("listener stopped")
)

// Ledger is the part of the ledger gateway the listener reads from.
type Ledger interface {
	FetchTransaction(ctx context.Context, signature string, level rpc.CommitmentType) (*blockchain.ParsedTx, error)
	SubscribeLogs(ctx context.Context, account solana.PublicKey, level rpc.CommitmentType) (blockchain.LogSubscription, error)
}

// TradeClassifier extracts a trade from a transaction for a watched account.
type TradeClassifier interface {
	Classify(ctx context.Context, tx *blockchain.ParsedTx, watched string) *classifier.Trade
}

// TradeHandler receives every trade that should be mirrored.
type TradeHandler interface {
	HandleTrade(ctx context.Context, trade *classifier.Trade) error
}

// PositionReader looks up held positions for sell suppression.
type PositionReader interface {
	Get(assetID string) (*position.Position, bool)
}

// Config задает параметры подписок.
type Config struct {
	SubscribeLevel rpc.CommitmentType
	FetchLevel     rpc.CommitmentType
	RiskEnabled    bool
	MaxInFlight    int
	// DedupTTL: zero selects the default, negative disables dedup.
	DedupTTL time.Duration
	// Resubscribe backoff bounds.
	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
}

// Listener подписывается на логи отслеживаемых кошельков и передает
// классифицированные сделки оркестратору.
type Listener struct {
	cfg        Config
	ledger     Ledger
	classifier TradeClassifier
	handler    TradeHandler
	positions  PositionReader
	events     events.Publisher
	metrics    *metrics.Collector
	logger     *zap.Logger

	mu      sync.Mutex
	subs    map[string]blockchain.LogSubscription
	started bool
	stopped bool
	cancel  context.CancelFunc

	readers  sync.WaitGroup
	handlers sync.WaitGroup
	sem      chan struct{}
	dedup    *dedupCache
}

// NewListener creates a listener. publisher and collector may be nil.
func NewListener(cfg Config, ledger Ledger, cls TradeClassifier, handler TradeHandler, positions PositionReader,
	publisher events.Publisher, collector *metrics.Collector, logger *zap.Logger) *Listener {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	if cfg.ResubscribeInitial <= 0 {
		cfg.ResubscribeInitial = 500 * time.Millisecond
	}
	if cfg.ResubscribeMax <= 0 {
		cfg.ResubscribeMax = 30 * time.Second
	}
	if cfg.SubscribeLevel == "" {
		cfg.SubscribeLevel = rpc.CommitmentConfirmed
	}
	if cfg.FetchLevel == "" {
		cfg.FetchLevel = rpc.CommitmentConfirmed
	}
	return &Listener{
		cfg:        cfg,
		ledger:     ledger,
		classifier: cls,
		handler:    handler,
		positions:  positions,
		events:     publisher,
		metrics:    collector,
		logger:     logger.Named("listener"),
		subs:       make(map[string]blockchain.LogSubscription),
		sem:        make(chan struct{}, cfg.MaxInFlight),
		dedup:      newDedupCache(cfg.DedupTTL),
	}
}

// Start opens one logs subscription per account. Accounts that fail are
// logged and skipped; Start fails only if none could be opened.
func (l *Listener) Start(ctx context.Context, accounts []string) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("listener already started")
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	opened := 0
	for _, account := range accounts {
		pk, err := solana.PublicKeyFromBase58(account)
		if err != nil {
			l.logger.Error("Invalid watched account", zap.String("account", account), zap.Error(err))
			continue
		}
		sub, err := l.ledger.SubscribeLogs(ctx, pk, l.cfg.SubscribeLevel)
		if err != nil {
			l.logger.Error("Failed to subscribe", zap.String("account", account), zap.Error(err))
			continue
		}
		if !l.track(account, sub) {
			break
		}
		opened++

		l.readers.Add(1)
		go l.read(ctx, account, pk, sub)
	}

	if opened == 0 {
		l.cancel()
		return ErrNoSubscriptions
	}
	l.logger.Info("Listening for trades",
		zap.Int("subscriptions", opened),
		zap.Int("requested", len(accounts)),
		zap.String("commitment", string(l.cfg.SubscribeLevel)))
	return nil
}

// track records the handle unless the listener is stopped.
func (l *Listener) track(account string, sub blockchain.LogSubscription) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		_ = sub.Unsubscribe()
		return false
	}
	l.subs[account] = sub
	l.metrics.AddSubscriptions(1)
	return true
}

func (l *Listener) untrack(account string, sub blockchain.LogSubscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[account] == sub {
		delete(l.subs, account)
		l.metrics.AddSubscriptions(-1)
	}
}

func (l *Listener) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Listener) read(ctx context.Context, account string, pk solana.PublicKey, sub blockchain.LogSubscription) {
	defer l.readers.Done()

	for {
		n, err := sub.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || l.isStopped() {
				return
			}
			l.logger.Warn("Log stream broken, resubscribing",
				zap.String("account", account),
				zap.Error(err))
			l.untrack(account, sub)
			if err := sub.Unsubscribe(); err != nil {
				l.logger.Debug("Unsubscribe of broken stream failed", zap.String("account", account), zap.Error(err))
			}

			sub, err = l.resubscribe(ctx, account, pk)
			if err != nil {
				if !errors.Is(err, errStopped) && ctx.Err() == nil {
					l.logger.Error("Giving up on account", zap.String("account", account), zap.Error(err))
				}
				return
			}
			continue
		}
		if n != nil {
			l.dispatch(ctx, account, n)
		}
	}
}

func (l *Listener) resubscribe(ctx context.Context, account string, pk solana.PublicKey) (blockchain.LogSubscription, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.ResubscribeInitial
	policy.MaxInterval = l.cfg.ResubscribeMax

	return backoff.Retry(ctx, func() (blockchain.LogSubscription, error) {
		if l.isStopped() {
			return nil, backoff.Permanent(errStopped)
		}
		sub, err := l.ledger.SubscribeLogs(ctx, pk, l.cfg.SubscribeLevel)
		if err != nil {
			return nil, err
		}
		if !l.track(account, sub) {
			return nil, backoff.Permanent(errStopped)
		}
		l.logger.Info("Resubscribed", zap.String("account", account))
		return sub, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			l.logger.Warn("Resubscribe failed",
				zap.String("account", account),
				zap.Duration("retry_in", d),
				zap.Error(err))
		}),
	)
}

// dispatch never blocks the reader: each notification gets its own
// goroutine, which then waits for an in-flight slot.
func (l *Listener) dispatch(ctx context.Context, account string, n *blockchain.LogNotification) {
	if l.isStopped() {
		return
	}
	if n.Err != nil {
		l.metrics.RecordNotification(resultFailedTx)
		l.logger.Debug("Discarding failed transaction",
			zap.String("account", account),
			zap.String("signature", n.Signature))
		return
	}
	if !l.dedup.firstSeen(account + ":" + n.Signature) {
		l.metrics.RecordNotification(resultDuplicate)
		return
	}

	l.handlers.Add(1)
	go func() {
		defer l.handlers.Done()
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-l.sem }()

		l.handle(context.WithoutCancel(ctx), account, n.Signature)
	}()
}

func (l *Listener) handle(ctx context.Context, account, signature string) {
	log := l.logger.With(zap.String("account", account), zap.String("signature", signature))

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	tx, err := l.ledger.FetchTransaction(fetchCtx, signature, l.cfg.FetchLevel)
	cancel()
	if err != nil {
		l.metrics.RecordNotification(resultFetchError)
		log.Warn("Failed to fetch transaction", zap.Error(err))
		return
	}
	if tx == nil {
		l.metrics.RecordNotification(resultNotVisible)
		log.Debug("Transaction not visible yet, discarding",
			zap.String("commitment", string(l.cfg.FetchLevel)))
		return
	}

	trade := l.classifier.Classify(ctx, tx, account)
	if trade == nil {
		l.metrics.RecordNotification(resultNotTrade)
		return
	}

	log.Info("Trade detected",
		zap.String("direction", string(trade.Direction)),
		zap.String("asset", trade.AssetID),
		zap.String("symbol", trade.AssetSymbol),
		zap.String("asset_amount", trade.AssetAmount.String()),
		zap.String("base_amount", trade.BaseAmount.String()),
		zap.String("base_symbol", trade.BaseSymbol))
	l.publish(&events.TradeDetectedEvent{
		BaseEvent:   events.NewBase(events.TradeDetected),
		Account:     account,
		Signature:   signature,
		Direction:   string(trade.Direction),
		AssetID:     trade.AssetID,
		AssetSymbol: trade.AssetSymbol,
		AssetAmount: trade.AssetAmount.String(),
		BaseAmount:  trade.BaseAmount.String(),
	})

	if l.suppressed(trade) {
		l.metrics.RecordNotification(resultSuppressed)
		log.Info("Sell not mirrored, position is risk managed", zap.String("asset", trade.AssetID))
		l.publish(&events.TradeSuppressedEvent{
			BaseEvent: events.NewBase(events.TradeSuppressed),
			Account:   account,
			Signature: signature,
			AssetID:   trade.AssetID,
			Reason:    "risk_managed",
		})
		return
	}

	l.metrics.RecordNotification(resultDispatched)
	if err := l.handler.HandleTrade(ctx, trade); err != nil {
		l.metrics.RecordNotification(resultHandlerFail)
		log.Warn("Trade not copied", zap.Error(err))
	}
}

func (l *Listener) suppressed(trade *classifier.Trade) bool {
	if trade.Direction != classifier.Sell || !l.cfg.RiskEnabled || l.positions == nil {
		return false
	}
	pos, ok := l.positions.Get(trade.AssetID)
	return ok && pos.HasEntryPrice()
}

func (l *Listener) publish(e events.Event) {
	if l.events == nil {
		return
	}
	if err := l.events.Publish(e); err != nil {
		l.logger.Debug("Event dropped", zap.String("type", string(e.Type())), zap.Error(err))
	}
}

// Stop stops accepting notifications and unsubscribes every handle.
// Unsubscribe failures are logged and do not stop the others.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	subs := l.subs
	l.subs = make(map[string]blockchain.LogSubscription)
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for account, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			l.logger.Warn("Unsubscribe failed", zap.String("account", account), zap.Error(err))
		}
		l.metrics.AddSubscriptions(-1)
	}
	l.logger.Info("Listener stopped", zap.Int("unsubscribed", len(subs)))
}

// Wait blocks until readers and in-flight handlers finish or ctx is done.
func (l *Listener) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.readers.Wait()
		l.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("listener wait: %w", ctx.Err())
	}
}

// Subscriptions returns the number of open subscriptions.
func (l *Listener) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
