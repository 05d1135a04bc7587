// internal/blockchain/solbc/client.go
package solbc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultConfirmTimeout = 60 * time.Second
	// block height is checked every n-th status poll
	blockHeightCheckEvery = 4
)

// Client – тонкий адаптер для взаимодействия с блокчейном Solana через solana-go.
type Client struct {
	rpc    *rpc.Client
	wsURL  string
	logger *zap.Logger

	wsMu sync.Mutex
	ws   *ws.Client

	pollInterval   time.Duration
	confirmTimeout time.Duration
}

// ClientOption настраивает Client.
type ClientOption func(*Client)

// WithPollInterval sets how often signature statuses are polled while confirming.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithConfirmTimeout bounds a single Confirm call.
func WithConfirmTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

// NewClient создаёт новый клиент, принимая RPC/WS URL и логгер через dependency injection.
func NewClient(rpcURL, wsURL string, logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		rpc:            rpc.New(rpcURL),
		wsURL:          wsURL,
		logger:         logger.Named("solbc-client"),
		pollInterval:   defaultPollInterval,
		confirmTimeout: defaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchTransaction загружает транзакцию по подписи. Возвращает nil, nil, если
// транзакция ещё не видна на запрошенном уровне.
func (c *Client) FetchTransaction(ctx context.Context, signature string, level rpc.CommitmentType) (*blockchain.ParsedTx, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	maxVersion := uint64(0)
	result, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     level,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		c.logger.Debug("GetTransaction error",
			zap.String("signature", signature),
			zap.Error(err))
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if result == nil || result.Transaction == nil {
		return nil, nil
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", signature, err)
	}

	parsed := parseTransaction(signature, result.Slot, tx, result.Meta)
	if result.BlockTime != nil {
		t := result.BlockTime.Time()
		parsed.BlockTime = &t
	}
	return parsed, nil
}

// Submit отправляет подписанную транзакцию.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction, opts blockchain.SubmitOptions) (solana.Signature, error) {
	txOpts := rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: opts.PreflightCommitment,
	}
	if opts.MaxRetries > 0 {
		retries := opts.MaxRetries
		txOpts.MaxRetries = &retries
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, txOpts)
	if err != nil {
		report := AnalyzeRPCError(err)
		c.logger.Error("SendTransactionWithOpts error", append(report.Fields(), zap.Error(err))...)
		return solana.Signature{}, fmt.Errorf("send transaction: %s: %w", report.Reason(), err)
	}
	return sig, nil
}

// Confirm ожидает, пока подпись достигнет уровня level. Ошибка возвращается при
// ошибке исполнения транзакции, истечении blockhash или таймауте.
func (c *Client) Confirm(
	ctx context.Context,
	signature solana.Signature,
	blockhash solana.Hash,
	expiryHeight uint64,
	level rpc.CommitmentType,
) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	want := blockchain.CommitmentRank(level)
	logger := c.logger.With(
		zap.String("signature", signature.String()),
		zap.String("blockhash", blockhash.String()))

	for polls := 1; ; polls++ {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return blockchain.ErrConfirmationTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}

		statuses, err := c.rpc.GetSignatureStatuses(ctx, false, signature)
		if err != nil {
			logger.Warn("Error getting signature statuses", zap.Error(err))
			continue
		}
		if statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %v", blockchain.ErrTransactionFailed, status.Err)
			}
			if blockchain.StatusRank(status.ConfirmationStatus) >= want {
				return nil
			}
			continue
		}

		if expiryHeight > 0 && polls%blockHeightCheckEvery == 0 {
			height, err := c.rpc.GetBlockHeight(ctx, level)
			if err != nil {
				logger.Debug("GetBlockHeight error", zap.Error(err))
				continue
			}
			if height > expiryHeight {
				return blockchain.ErrBlockhashExpired
			}
		}
	}
}

// Simulate симулирует транзакцию и возвращает результат симуляции.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction, level rpc.CommitmentType) (*blockchain.SimulationResult, error) {
	result, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		Commitment:             level,
		ReplaceRecentBlockhash: true,
	})
	if err != nil {
		c.logger.Error("SimulateTransaction error", zap.Error(err))
		return nil, err
	}
	if result == nil || result.Value == nil {
		return nil, fmt.Errorf("empty simulation response")
	}
	units := uint64(0)
	if result.Value.UnitsConsumed != nil {
		units = *result.Value.UnitsConsumed
	}
	sim := &blockchain.SimulationResult{
		Err:           result.Value.Err,
		Logs:          result.Value.Logs,
		UnitsConsumed: units,
	}
	if sim.Failed() {
		report := AnalyzeSimulation(sim.Err, sim.Logs)
		sim.Reason = report.Reason()
		c.logger.Warn("Simulation failed", report.Fields()...)
	}
	return sim, nil
}

// MintDecimals читает decimals из аккаунта минта (байт 44 в layout SPL Mint).
func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	acc, err := c.rpc.GetAccountInfo(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("failed to get mint account: %w", err)
	}
	if acc == nil || acc.Value == nil {
		return 0, fmt.Errorf("mint account not found: %s", mint)
	}
	data := acc.Value.Data.GetBinary()
	if len(data) < 45 {
		return 0, fmt.Errorf("invalid mint account data length: %d", len(data))
	}
	return data[44], nil
}

// Close закрывает websocket-соединение, если оно было открыто.
func (c *Client) Close() error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	return nil
}

// Гарантируем, что Client реализует интерфейс blockchain.Gateway.
var _ blockchain.Gateway = (*Client)(nil)
