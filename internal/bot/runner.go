// internal/bot/runner.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
	"github.com/rovshanmuradov/solana-copybot/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-copybot/internal/classifier"
	"github.com/rovshanmuradov/solana-copybot/internal/config"
	"github.com/rovshanmuradov/solana-copybot/internal/dex/jupiter"
	"github.com/rovshanmuradov/solana-copybot/internal/eventlistener"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/monitor"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/storage"
	"github.com/rovshanmuradov/solana-copybot/internal/storage/memory"
	"github.com/rovshanmuradov/solana-copybot/internal/storage/postgres"
	"github.com/rovshanmuradov/solana-copybot/internal/utils/metrics"
	"github.com/rovshanmuradov/solana-copybot/internal/wallet"
)

const (
	eventBufferSize = 1024
	seedTimeout     = 30 * time.Second
)

// commitments are the parsed durability levels from config.
type commitments struct {
	subscribe rpc.CommitmentType
	fetch     rpc.CommitmentType
	confirm   rpc.CommitmentType
}

func parseCommitments(c config.CommitmentConfig) (commitments, error) {
	var out commitments
	var err error
	if out.subscribe, err = blockchain.ParseCommitment(c.Subscribe); err != nil {
		return out, fmt.Errorf("subscribe commitment: %w", err)
	}
	if out.fetch, err = blockchain.ParseCommitment(c.Fetch); err != nil {
		return out, fmt.Errorf("fetch commitment: %w", err)
	}
	if out.confirm, err = blockchain.ParseCommitment(c.Confirm); err != nil {
		return out, fmt.Errorf("confirm commitment: %w", err)
	}
	return out, nil
}

func tradingSettings(cfg *config.Config, levels commitments) Settings {
	return Settings{
		Execute:           cfg.Execute,
		BuyAmountLamports: cfg.BuyAmountLamports(),
		SlippageBps:       cfg.SlippageBps,
		RiskEnabled:       cfg.Risk.Enabled,
		ConfirmLevel:      levels.confirm,
		Submit: blockchain.SubmitOptions{
			SkipPreflight:       cfg.Tx.SkipPreflight,
			PreflightCommitment: levels.confirm,
			MaxRetries:          uint(cfg.Tx.MaxRetries),
		},
		PipelineTimeout: config.Millis(cfg.Tx.PipelineTimeoutMs),
	}
}

func riskSettings(cfg *config.Config) monitor.Config {
	return monitor.Config{
		Enabled:       cfg.Risk.Enabled,
		StopLossPct:   decimal.NewFromFloat(cfg.Risk.StopLossPct),
		TakeProfitPct: decimal.NewFromFloat(cfg.Risk.TakeProfitPct),
		Interval:      config.Millis(cfg.Risk.MonitorIntervalMs),
		ExitPause:     config.Millis(cfg.Risk.ExitPauseMs),
		SlippageBps:   cfg.SlippageBps,
	}
}

func classifierSettings(cfg *config.Config) classifier.Config {
	return classifier.Config{
		SwapPrograms:     cfg.Classifier.SwapPrograms,
		BaseDustLamports: cfg.BaseDustLamports(),
		TokenDust:        decimal.NewFromFloat(cfg.Classifier.TokenDust),
	}
}

func listenerSettings(cfg *config.Config, levels commitments) eventlistener.Config {
	return eventlistener.Config{
		SubscribeLevel: levels.subscribe,
		FetchLevel:     levels.fetch,
		RiskEnabled:    cfg.Risk.Enabled,
		MaxInFlight:    cfg.Listener.MaxInFlight,
		DedupTTL:       config.Millis(cfg.Listener.DedupTTLMs),
	}
}

// Runner собирает все компоненты бота и управляет их жизненным циклом.
type Runner struct {
	logger  *zap.Logger
	config  *config.Config
	metrics *metrics.Collector
}

func NewRunner(cfg *config.Config, logger *zap.Logger) *Runner {
	return &Runner{
		logger:  logger,
		config:  cfg,
		metrics: metrics.NewCollector(),
	}
}

// Run starts every service and blocks until ctx is cancelled or a service
// fails. Services are then stopped in reverse start order within the
// configured grace period.
func (r *Runner) Run(ctx context.Context) error {
	cfg := r.config
	sh := NewShutdownHandler(r.logger)
	runCtx, cancelRun := context.WithCancel(ctx)

	// graceCtx is replaced with the grace deadline once shutdown begins.
	graceCtx := context.Background()
	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancelRun()
		var cancel context.CancelFunc
		graceCtx, cancel = context.WithTimeout(context.Background(), config.Millis(cfg.ShutdownGraceMs))
		defer cancel()
		return sh.Shutdown(graceCtx)
	}
	defer func() {
		if shutdownErr := stop(); shutdownErr != nil {
			r.logger.Warn("Shutdown finished with errors", zap.Error(shutdownErr))
		}
	}()

	levels, err := parseCommitments(cfg.Commitment)
	if err != nil {
		return err
	}

	wallets, err := wallet.LoadWallets(cfg.WalletsFile)
	if err != nil {
		return fmt.Errorf("load wallets: %w", err)
	}
	signer, err := wallet.Select(wallets, cfg.WalletName)
	if err != nil {
		return err
	}
	r.logger.Info("🔑 Operator wallet selected", zap.String("address", signer.Address().String()))

	client := solbc.NewClient(cfg.RPCList[0], cfg.WebSocketURL, r.logger,
		solbc.WithPollInterval(config.Millis(cfg.Tx.PollIntervalMs)),
		solbc.WithConfirmTimeout(config.Millis(cfg.Tx.ConfirmTimeoutMs)),
	)
	sh.Add("ledger client", client)

	tokens := solbc.NewTokenMetadataCache(client, r.logger, config.Millis(cfg.Metadata.CacheTTLMs))
	if cfg.Metadata.TokenListURL != "" {
		seedCtx, cancel := context.WithTimeout(ctx, seedTimeout)
		n, seedErr := tokens.Seed(seedCtx, cfg.Metadata.TokenListURL)
		cancel()
		if seedErr != nil {
			r.logger.Warn("Token list unavailable, metadata resolved on demand", zap.Error(seedErr))
		} else {
			r.logger.Info("Token metadata seeded", zap.Int("tokens", n))
		}
	}

	store := position.NewStore(cfg.PositionsFile, r.logger)
	stats, err := store.Load()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	r.logger.Info("📋 Positions loaded",
		zap.Int("positions", stats.Loaded),
		zap.Int("skipped", stats.Skipped),
		zap.String("file", cfg.PositionsFile))
	r.metrics.SetOpenPositions(store.Len())
	sh.AddFunc("position store", store.Save)

	journalStore, err := r.openJournal()
	if err != nil {
		return err
	}
	bus := events.NewBus(r.logger, eventBufferSize)
	journal := storage.NewJournal(journalStore, r.logger)
	journal.Attach(bus)
	signals := watchSignals(bus, r.metrics, r.logger)
	sh.AddFunc("event bus", func() error {
		busErr := bus.Shutdown(graceCtx)
		signals.stop()
		journal.Detach()
		return errors.Join(busErr, journalStore.Close())
	})

	swap := jupiter.NewClient(cfg.Swap.APIURL, r.logger,
		jupiter.WithAPIKey(cfg.Swap.APIKey),
		jupiter.WithTimeout(config.Millis(cfg.Swap.TimeoutMs)),
		jupiter.WithMaxRetries(uint(cfg.Swap.Retries)),
		jupiter.WithPriorityFee(cfg.Swap.PriorityFeeLamports),
	)

	trader, err := NewCopyTrader(CopyTraderConfig{
		Logger:   r.logger,
		Swap:     swap,
		Ledger:   client,
		Signer:   signer,
		Store:    store,
		Events:   bus,
		Metrics:  r.metrics,
		Settings: tradingSettings(cfg, levels),
	})
	if err != nil {
		return err
	}
	sh.AddFunc("copy trader", func() error { return trader.Wait(graceCtx) })

	risk := monitor.NewRiskMonitor(riskSettings(cfg), store, swap, trader, bus, r.metrics, r.logger)
	monitorDone := make(chan struct{})
	sh.AddFunc("risk monitor", func() error {
		select {
		case <-monitorDone:
			return nil
		case <-graceCtx.Done():
			return graceCtx.Err()
		}
	})

	cls := classifier.New(classifierSettings(cfg), tokens, r.logger)
	listener := eventlistener.NewListener(listenerSettings(cfg, levels), client, cls, trader, store, bus, r.metrics, r.logger)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(monitorDone)
		return risk.Run(gctx)
	})

	if err := listener.Start(gctx, cfg.WatchedAccounts); err != nil {
		return err
	}
	sh.AddFunc("listener", func() error {
		listener.Stop()
		return listener.Wait(graceCtx)
	})

	if cfg.MetricsAddr != "" {
		srv := r.metricsServer(cfg.MetricsAddr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		sh.AddFunc("metrics server", func() error { return srv.Shutdown(graceCtx) })
		r.logger.Info("Metrics endpoint enabled", zap.String("addr", cfg.MetricsAddr))
	}

	mode := "simulation"
	if cfg.Execute {
		mode = "execution"
	}
	r.logger.Info("🚀 Copy trading started",
		zap.String("mode", mode),
		zap.Int("watched", len(cfg.WatchedAccounts)),
		zap.Int("subscribed", listener.Subscriptions()),
		zap.Bool("risk_managed", cfg.Risk.Enabled))

	<-gctx.Done()
	r.logger.Info("👋 Stopping copy trading")

	shutdownErr := stop()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

func (r *Runner) openJournal() (storage.Storage, error) {
	if r.config.PostgresURL == "" {
		return memory.NewStorage(), nil
	}
	store, err := postgres.NewStorage(r.config.PostgresURL, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open execution journal: %w", err)
	}
	if err := store.RunMigrations(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate execution journal: %w", err)
	}
	return store, nil
}

func (r *Runner) metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
