package bot

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
	"github.com/rovshanmuradov/solana-copybot/internal/classifier"
	"github.com/rovshanmuradov/solana-copybot/internal/dex/jupiter"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/wallet"
)

const (
	assetMint = "MintA111111111111111111111111111111111111111"
	source    = "Watched1111111111111111111111111111111111111"
)

// fakeSwap returns a fixed output amount and echoes the requested input.
type fakeSwap struct {
	mu         sync.Mutex
	quotes     []*big.Int
	outAmount  *big.Int
	quoteErr   error
	buildErr   error
	quoteDelay time.Duration
	block      bool
}

func (f *fakeSwap) Quote(ctx context.Context, in, out string, amount *big.Int, slippageBps int) (*jupiter.Quote, error) {
	f.mu.Lock()
	f.quotes = append(f.quotes, new(big.Int).Set(amount))
	delay, block, qErr := f.quoteDelay, f.block, f.quoteErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if qErr != nil {
		return nil, qErr
	}
	return &jupiter.Quote{
		InputMint:   in,
		OutputMint:  out,
		InAmount:    new(big.Int).Set(amount),
		OutAmount:   new(big.Int).Set(f.outAmount),
		SlippageBps: slippageBps,
		Raw:         []byte(`{}`),
	}, nil
}

func (f *fakeSwap) BuildSwap(_ context.Context, user solana.PublicKey, _ *jupiter.Quote) (*jupiter.SwapTransaction, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{solana.Meta(user).WRITE().SIGNER()}, []byte{1}),
		},
		solana.Hash{4},
		solana.TransactionPayer(user),
	)
	if err != nil {
		return nil, err
	}
	return &jupiter.SwapTransaction{Transaction: tx, LastValidBlockHeight: 1000}, nil
}

func (f *fakeSwap) quoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.quotes)
}

type fakeLedger struct {
	mu         sync.Mutex
	submitted  int
	simulated  int
	confirmErr error
	simResult  *blockchain.SimulationResult
}

func (f *fakeLedger) FetchTransaction(context.Context, string, rpc.CommitmentType) (*blockchain.ParsedTx, error) {
	return nil, nil
}

func (f *fakeLedger) Submit(context.Context, *solana.Transaction, blockchain.SubmitOptions) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	return solana.Signature{byte(f.submitted)}, nil
}

func (f *fakeLedger) Confirm(_ context.Context, _ solana.Signature, blockhash solana.Hash, expiry uint64, _ rpc.CommitmentType) error {
	if blockhash != (solana.Hash{4}) || expiry != 1000 {
		return errors.New("unexpected blockhash or expiry")
	}
	return f.confirmErr
}

func (f *fakeLedger) Simulate(context.Context, *solana.Transaction, rpc.CommitmentType) (*blockchain.SimulationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated++
	if f.simResult != nil {
		return f.simResult, nil
	}
	return &blockchain.SimulationResult{UnitsConsumed: 1}, nil
}

func (f *fakeLedger) SubscribeLogs(context.Context, solana.PublicKey, rpc.CommitmentType) (blockchain.LogSubscription, error) {
	return nil, errors.New("not supported")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) last(t *testing.T) *events.ExecutionEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.events)
	ev, ok := p.events[len(p.events)-1].(*events.ExecutionEvent)
	require.True(t, ok)
	return ev
}

type harness struct {
	trader *CopyTrader
	swap   *fakeSwap
	ledger *fakeLedger
	store  *position.Store
	pub    *recordingPublisher
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer, err := wallet.NewWallet(key.String())
	require.NoError(t, err)

	store := position.NewStore(filepath.Join(t.TempDir(), "positions.json"), logger)
	h := &harness{
		swap:   &fakeSwap{outAmount: big.NewInt(100_000_000)},
		ledger: &fakeLedger{},
		store:  store,
		pub:    &recordingPublisher{},
	}
	if settings.BuyAmountLamports == 0 {
		settings.BuyAmountLamports = 1_000_000_000
	}
	h.trader, err = NewCopyTrader(CopyTraderConfig{
		Logger:   logger,
		Swap:     h.swap,
		Ledger:   h.ledger,
		Signer:   signer,
		Store:    store,
		Events:   h.pub,
		Settings: settings,
	})
	require.NoError(t, err)
	return h
}

func buyTrade() *classifier.Trade {
	return &classifier.Trade{
		Direction:       classifier.Buy,
		AssetID:         assetMint,
		AssetDecimals:   6,
		AssetAmount:     decimal.NewFromInt(100),
		BaseAmount:      decimal.NewFromInt(1),
		SourceSignature: "src-sig",
		SourceAccount:   source,
	}
}

func sellTrade() *classifier.Trade {
	tr := buyTrade()
	tr.Direction = classifier.Sell
	return tr
}

func seed(t *testing.T, store *position.Store, amount int64, trackCost bool) {
	t.Helper()
	_, err := store.RecordBuy(position.Fill{
		AssetID:        assetMint,
		Signature:      "seed",
		AssetAmountRaw: big.NewInt(amount),
		BaseAmountRaw:  big.NewInt(1_000_000_000),
		Decimals:       6,
		TrackCost:      trackCost,
	})
	require.NoError(t, err)
}

func TestProcessTrade_BuyCommitsQuoteAmounts(t *testing.T) {
	h := newHarness(t, Settings{Execute: true, RiskEnabled: true, SlippageBps: 150})

	exec, err := h.trader.ProcessTrade(context.Background(), buyTrade())
	require.NoError(t, err)
	assert.Equal(t, StageConfirmed, exec.Stage)
	assert.NotEmpty(t, exec.Signature)
	assert.Equal(t, "src-sig", exec.SourceSignature)

	require.Len(t, h.swap.quotes, 1)
	assert.Equal(t, "1000000000", h.swap.quotes[0].String(), "buy spends the configured amount")

	pos, ok := h.store.Get(assetMint)
	require.True(t, ok)
	assert.Equal(t, "100000000", pos.AmountRaw.String())
	assert.Equal(t, "1000000000", pos.TotalBaseSpentRaw.String())
	require.NotNil(t, pos.AvgEntryPrice)
	assert.InDelta(t, 0.01, *pos.AvgEntryPrice, 1e-12)
	assert.Equal(t, exec.Signature, pos.LastFillSignature)
	assert.Equal(t, source, pos.TriggerAccount)

	ev := h.pub.last(t)
	assert.Equal(t, events.ExecutionSucceeded, ev.Type())
	assert.Equal(t, "100000000", ev.Report.OutAmount)
}

func TestProcessTrade_BuyWithoutRiskHasNoCostBasis(t *testing.T) {
	h := newHarness(t, Settings{Execute: true})

	_, err := h.trader.ProcessTrade(context.Background(), buyTrade())
	require.NoError(t, err)

	pos, ok := h.store.Get(assetMint)
	require.True(t, ok)
	assert.Nil(t, pos.TotalBaseSpentRaw)
	assert.False(t, pos.HasEntryPrice())
}

func TestProcessTrade_QuoteTimeoutLeavesStoreUnchanged(t *testing.T) {
	h := newHarness(t, Settings{Execute: true, PipelineTimeout: 20 * time.Millisecond})
	h.swap.block = true

	exec, err := h.trader.ProcessTrade(context.Background(), buyTrade())
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageQuoteRequested, se.Stage)
	assert.Equal(t, KindBuy, se.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StageFailed, exec.Stage)
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 0, h.ledger.submitted)

	ev := h.pub.last(t)
	assert.Equal(t, events.ExecutionFailed, ev.Type())
	assert.Equal(t, string(StageQuoteRequested), ev.Report.Stage)
}

func TestProcessTrade_ConfirmationFailureCarriesSignature(t *testing.T) {
	h := newHarness(t, Settings{Execute: true})
	h.ledger.confirmErr = blockchain.ErrConfirmationTimeout

	_, err := h.trader.ProcessTrade(context.Background(), buyTrade())
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageSubmitted, se.Stage)
	assert.NotEmpty(t, se.Signature)
	assert.ErrorIs(t, err, blockchain.ErrConfirmationTimeout)
	assert.Equal(t, 0, h.store.Len())

	ev := h.pub.last(t)
	assert.Equal(t, se.Signature, ev.Report.Signature)
}

func TestProcessTrade_BuildFailure(t *testing.T) {
	h := newHarness(t, Settings{Execute: true})
	h.swap.buildErr = jupiter.ErrUnavailable

	_, err := h.trader.ProcessTrade(context.Background(), buyTrade())
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageBuildRequested, se.Stage)
	assert.Empty(t, se.Signature)
}

func TestProcessTrade_SellClosesWholePosition(t *testing.T) {
	h := newHarness(t, Settings{Execute: true})
	seed(t, h.store, 42_000_000, false)

	exec, err := h.trader.ProcessTrade(context.Background(), sellTrade())
	require.NoError(t, err)
	assert.Equal(t, KindCopySell, exec.Kind)
	assert.Equal(t, StageConfirmed, exec.Stage)
	require.Len(t, h.swap.quotes, 1)
	assert.Equal(t, "42000000", h.swap.quotes[0].String())

	_, ok := h.store.Get(assetMint)
	assert.False(t, ok, "position deleted, not zeroed")

	// the second sell finds nothing to close
	exec, err = h.trader.ProcessTrade(context.Background(), sellTrade())
	require.NoError(t, err)
	assert.True(t, exec.Skipped)
	assert.Equal(t, SkipNoPosition, exec.SkipReason)
	assert.Equal(t, 1, h.swap.quoteCount())
	assert.Equal(t, events.ExecutionSkipped, h.pub.last(t).Type())
}

func TestProcessTrade_SellSuppressedWhenRiskManaged(t *testing.T) {
	h := newHarness(t, Settings{Execute: true, RiskEnabled: true})
	seed(t, h.store, 10_000_000, true)

	exec, err := h.trader.ProcessTrade(context.Background(), sellTrade())
	require.NoError(t, err)
	assert.True(t, exec.Skipped)
	assert.Equal(t, SkipRiskManaged, exec.SkipReason)
	assert.Equal(t, 0, h.swap.quoteCount())
	assert.Equal(t, 1, h.store.Len())
}

func TestProcessTrade_SellMirroredWithoutEntryPrice(t *testing.T) {
	// risk mode on, but the position predates it: no entry price, so mirror
	h := newHarness(t, Settings{Execute: true, RiskEnabled: true})
	seed(t, h.store, 10_000_000, false)

	exec, err := h.trader.ProcessTrade(context.Background(), sellTrade())
	require.NoError(t, err)
	assert.Equal(t, StageConfirmed, exec.Stage)
	assert.Equal(t, 0, h.store.Len())
}

func TestProcessTrade_SimulationNeverMutates(t *testing.T) {
	h := newHarness(t, Settings{Execute: false})

	exec, err := h.trader.ProcessTrade(context.Background(), buyTrade())
	require.NoError(t, err)
	assert.Equal(t, StageSimulated, exec.Stage)
	assert.True(t, exec.Simulated)
	require.NotNil(t, exec.Simulation)
	assert.Equal(t, 0, h.ledger.submitted)
	assert.Equal(t, 1, h.ledger.simulated)
	assert.Equal(t, 0, h.store.Len())

	seed(t, h.store, 5_000_000, false)
	exec, err = h.trader.ProcessTrade(context.Background(), sellTrade())
	require.NoError(t, err)
	assert.Equal(t, StageSimulated, exec.Stage)
	assert.Equal(t, 1, h.store.Len(), "simulated sell keeps the position")
}

func TestProcessTrade_SimulationFailure(t *testing.T) {
	h := newHarness(t, Settings{Execute: false})
	h.ledger.simResult = &blockchain.SimulationResult{Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}

	_, err := h.trader.ProcessTrade(context.Background(), buyTrade())
	assert.ErrorIs(t, err, ErrSimulationFailed)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageSigned, se.Stage)
}

func TestProcessRiskExit_NoPosition(t *testing.T) {
	h := newHarness(t, Settings{Execute: true, RiskEnabled: true})

	exec, err := h.trader.ProcessRiskExit(context.Background(), assetMint, nil, position.ExitStopLoss)
	require.NoError(t, err)
	assert.True(t, exec.Skipped)
	assert.Equal(t, 0, h.swap.quoteCount())
}

func TestCopySellAndRiskExitReachSwapOnce(t *testing.T) {
	h := newHarness(t, Settings{Execute: true})
	seed(t, h.store, 77_000_000, false)
	h.swap.quoteDelay = 20 * time.Millisecond
	snapshot, ok := h.store.Get(assetMint)
	require.True(t, ok)

	var wg sync.WaitGroup
	results := make([]*Execution, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], _ = h.trader.ProcessTrade(context.Background(), sellTrade())
	}()
	go func() {
		defer wg.Done()
		results[1], _ = h.trader.ProcessRiskExit(context.Background(), assetMint, snapshot, position.ExitTakeProfit)
	}()
	wg.Wait()

	assert.Equal(t, 1, h.swap.quoteCount())
	assert.Equal(t, 1, h.ledger.submitted)
	assert.Equal(t, 0, h.store.Len())

	skipped := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestProcessTrade_LockWaitRespectsContext(t *testing.T) {
	h := newHarness(t, Settings{Execute: true})
	unlock, err := h.trader.locker.Lock(context.Background(), assetMint)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.trader.ProcessTrade(ctx, buyTrade())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.swap.quoteCount())
}

func TestNewCopyTrader_Validation(t *testing.T) {
	_, err := NewCopyTrader(CopyTraderConfig{})
	assert.Error(t, err)
}
