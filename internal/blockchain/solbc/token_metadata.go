// internal/blockchain/solbc/token_metadata.go
package solbc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
)

const (
	defaultMetadataTTL = time.Hour
	placeholderSymbol  = "UNKNOWN"

	sourceList        = "list"
	sourceChain       = "chain"
	sourceKnown       = "known"
	sourcePlaceholder = "placeholder"
)

// MintReader читает decimals минта из блокчейна.
type MintReader interface {
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
}

// TokenMetadataCache управляет кэшированием метаданных токенов.
// Кэш засевается списком токенов и дополняется on-chain данными при промахе.
type TokenMetadataCache struct {
	cache      sync.Map
	reader     MintReader
	logger     *zap.Logger
	httpClient *http.Client
	ttl        time.Duration
}

type tokenListEntry struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
}

// NewTokenMetadataCache создаёт кэш. reader может быть nil, тогда промахи
// сразу возвращают placeholder.
func NewTokenMetadataCache(reader MintReader, logger *zap.Logger, ttl time.Duration) *TokenMetadataCache {
	if ttl <= 0 {
		ttl = defaultMetadataTTL
	}
	c := &TokenMetadataCache{
		reader: reader,
		logger: logger.Named("token-metadata"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		ttl: ttl,
	}
	c.seedKnownTokens()
	return c
}

// Seed загружает bulk-список токенов (JSON-массив {address, symbol, name, decimals}).
// Записи из списка не устаревают.
func (c *TokenMetadataCache) Seed(ctx context.Context, url string) (int, error) {
	entries, err := backoff.Retry(ctx, func() ([]tokenListEntry, error) {
		return c.fetchTokenList(ctx, url)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return 0, fmt.Errorf("seed token list: %w", err)
	}

	count := 0
	for _, e := range entries {
		if e.Address == "" {
			continue
		}
		c.cache.Store(e.Address, &blockchain.TokenMetadata{
			Mint:     e.Address,
			Symbol:   e.Symbol,
			Name:     e.Name,
			Decimals: e.Decimals,
			Source:   sourceList,
		})
		count++
	}

	c.logger.Info("Token list loaded", zap.Int("tokens", count))
	return count, nil
}

func (c *TokenMetadataCache) fetchTokenList(ctx context.Context, url string) ([]tokenListEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("token list returned status code: %d", resp.StatusCode)
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var entries []tokenListEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode token list: %w", err))
	}
	return entries, nil
}

// Resolve возвращает метаданные минта. Никогда не возвращает ошибку:
// при неудаче отдаётся placeholder, чтобы не блокировать пайплайн.
func (c *TokenMetadataCache) Resolve(ctx context.Context, mint string) blockchain.TokenMetadata {
	if md, ok := c.getFromCache(mint); ok {
		return *md
	}

	md := &blockchain.TokenMetadata{
		Mint:     mint,
		Symbol:   placeholderSymbol,
		Name:     placeholderName(mint),
		Decimals: -1,
		Source:   sourcePlaceholder,
	}
	md.Placeholder = true

	if pk, err := solana.PublicKeyFromBase58(mint); err == nil && c.reader != nil {
		if decimals, err := c.reader.MintDecimals(ctx, pk); err == nil {
			md.Decimals = int(decimals)
			md.Source = sourceChain
		} else {
			c.logger.Debug("failed to get on-chain metadata",
				zap.String("mint", mint),
				zap.Error(err))
		}
	}

	md.UpdatedAt = time.Now()
	// чистый placeholder не кэшируем: сбой RPC мог быть временным
	if md.Source != sourcePlaceholder {
		c.cache.Store(mint, md)
	}
	return *md
}

// getFromCache получает метаданные из кэша с проверкой TTL.
// Записи из списка и известные токены не устаревают.
func (c *TokenMetadataCache) getFromCache(mint string) (*blockchain.TokenMetadata, bool) {
	value, ok := c.cache.Load(mint)
	if !ok {
		return nil, false
	}
	md := value.(*blockchain.TokenMetadata)
	if md.Source == sourceList || md.Source == sourceKnown {
		return md, true
	}
	if time.Since(md.UpdatedAt) < c.ttl {
		return md, true
	}
	c.cache.Delete(mint)
	return nil, false
}

func (c *TokenMetadataCache) seedKnownTokens() {
	known := []blockchain.TokenMetadata{
		{Mint: blockchain.WrappedSOLMint, Symbol: blockchain.WrappedSymbol, Name: "Wrapped SOL", Decimals: blockchain.BaseDecimals},
		{Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Symbol: "USDC", Name: "USD Coin", Decimals: 6},
		{Mint: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Symbol: "BONK", Name: "Bonk", Decimals: 5},
	}
	for i := range known {
		md := known[i]
		md.Source = sourceKnown
		c.cache.Store(md.Mint, &md)
	}
}

func placeholderName(mint string) string {
	if len(mint) > 8 {
		return "Unknown " + mint[:4] + "…" + mint[len(mint)-4:]
	}
	return "Unknown " + mint
}
