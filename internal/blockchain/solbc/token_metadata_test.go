package solbc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
)

type stubMintReader struct {
	decimals uint8
	err      error
	calls    atomic.Int32
}

func (s *stubMintReader) MintDecimals(_ context.Context, _ solana.PublicKey) (uint8, error) {
	s.calls.Add(1)
	return s.decimals, s.err
}

func TestTokenMetadataCache_SeedFromList(t *testing.T) {
	mint := solana.NewWallet().PublicKey().String()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"address":"` + mint + `","symbol":"MEME","name":"Meme Coin","decimals":6},{"address":"","symbol":"BAD"}]`))
	}))
	defer srv.Close()

	reader := &stubMintReader{decimals: 9}
	cache := NewTokenMetadataCache(reader, zaptest.NewLogger(t), time.Minute)

	n, err := cache.Seed(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	md := cache.Resolve(context.Background(), mint)
	assert.Equal(t, "MEME", md.Symbol)
	assert.Equal(t, 6, md.Decimals)
	assert.False(t, md.Placeholder)
	assert.Zero(t, reader.calls.Load(), "seeded tokens must not hit the chain")
}

func TestTokenMetadataCache_SeedFailsOnClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := NewTokenMetadataCache(nil, zaptest.NewLogger(t), time.Minute)
	_, err := cache.Seed(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestTokenMetadataCache_BackfillFromChain(t *testing.T) {
	mint := solana.NewWallet().PublicKey().String()
	reader := &stubMintReader{decimals: 5}
	cache := NewTokenMetadataCache(reader, zaptest.NewLogger(t), time.Minute)

	md := cache.Resolve(context.Background(), mint)
	assert.Equal(t, 5, md.Decimals)
	assert.True(t, md.Placeholder, "symbol is still unknown")
	assert.Equal(t, "UNKNOWN", md.Symbol)

	cache.Resolve(context.Background(), mint)
	assert.Equal(t, int32(1), reader.calls.Load(), "second lookup is served from cache")
}

func TestTokenMetadataCache_PlaceholderOnFailure(t *testing.T) {
	reader := &stubMintReader{err: errors.New("rpc down")}
	cache := NewTokenMetadataCache(reader, zaptest.NewLogger(t), time.Minute)

	md := cache.Resolve(context.Background(), "not-a-key")
	assert.True(t, md.Placeholder)
	assert.Equal(t, -1, md.Decimals)
	assert.Zero(t, reader.calls.Load(), "invalid keys never reach the chain")

	known := cache.Resolve(context.Background(), blockchain.WrappedSOLMint)
	assert.Equal(t, blockchain.WrappedSymbol, known.Symbol)
	assert.False(t, known.Placeholder)
}

func TestTokenMetadataCache_TransientFailureIsRetried(t *testing.T) {
	mint := solana.NewWallet().PublicKey().String()
	reader := &stubMintReader{err: errors.New("429 too many requests")}
	cache := NewTokenMetadataCache(reader, zaptest.NewLogger(t), time.Hour)

	md := cache.Resolve(context.Background(), mint)
	assert.Equal(t, -1, md.Decimals)
	assert.Equal(t, sourcePlaceholder, md.Source)

	reader.err = nil
	reader.decimals = 6
	md = cache.Resolve(context.Background(), mint)
	assert.Equal(t, 6, md.Decimals)
	assert.Equal(t, sourceChain, md.Source)
	assert.Equal(t, int32(2), reader.calls.Load())

	cache.Resolve(context.Background(), mint)
	assert.Equal(t, int32(2), reader.calls.Load(), "chain result is cached")
}
