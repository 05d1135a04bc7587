package eventlistener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
)

type fakeSub struct {
	notes       chan *blockchain.LogNotification
	broken      chan error
	unsubErr    error
	unsubscribe atomic.Int32
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		notes:  make(chan *blockchain.LogNotification, 8),
		broken: make(chan error, 1),
	}
}

func (s *fakeSub) Recv(ctx context.Context) (*blockchain.LogNotification, error) {
	select {
	case n := <-s.notes:
		return n, nil
	case err := <-s.broken:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSub) Unsubscribe() error {
	s.unsubscribe.Add(1)
	return s.unsubErr
}

type fakeLedger struct {
	mu         sync.Mutex
	subs       map[string][]*fakeSub
	failFor    map[string]bool
	txs        map[string]*blockchain.ParsedTx
	fetches    map[string]int
	subscribed chan string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		subs:       make(map[string][]*fakeSub),
		failFor:    make(map[string]bool),
		txs:        make(map[string]*blockchain.ParsedTx),
		fetches:    make(map[string]int),
		subscribed: make(chan string, 16),
	}
}

func (l *fakeLedger) FetchTransaction(_ context.Context, sig string, level rpc.CommitmentType) (*blockchain.ParsedTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches[sig]++
	if level != rpc.CommitmentFinalized {
		return nil, errors.New("unexpected fetch commitment " + string(level))
	}
	return l.txs[sig], nil
}

func (l *fakeLedger) SubscribeLogs(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (blockchain.LogSubscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := account.String()
	if l.failFor[key] {
		return nil, errors.New("subscribe refused")
	}
	sub := newFakeSub()
	l.subs[key] = append(l.subs[key], sub)
	l.subscribed <- key
	return sub, nil
}

func (l *fakeLedger) sub(account string, i int) *fakeSub {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs[account][i]
}

func (l *fakeLedger) fetchCount(sig string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetches[sig]
}

// fakeClassifier maps signatures to trades.
type fakeClassifier struct {
	trades map[string]*classifier.Trade
}

func (c *fakeClassifier) Classify(_ context.Context, tx *blockchain.ParsedTx, watched string) *classifier.Trade {
	t, ok := c.trades[tx.Signature]
	if !ok {
		return nil
	}
	cp := *t
	cp.SourceAccount = watched
	return &cp
}

type fakeHandler struct {
	mu     sync.Mutex
	trades []*classifier.Trade
	got    chan *classifier.Trade
	block  chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{got: make(chan *classifier.Trade, 16)}
}

func (h *fakeHandler) HandleTrade(_ context.Context, trade *classifier.Trade) error {
	h.mu.Lock()
	h.trades = append(h.trades, trade)
	block := h.block
	h.mu.Unlock()
	h.got <- trade
	if block != nil {
		<-block
	}
	return nil
}

func (h *fakeHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.trades)
}

type fakePositions map[string]*position.Position

func (p fakePositions) Get(assetID string) (*position.Position, bool) {
	pos, ok := p[assetID]
	return pos, ok
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type())
	}
	return out
}

type harness struct {
	ledger    *fakeLedger
	cls       *fakeClassifier
	handler   *fakeHandler
	positions fakePositions
	events    *recorder
	listener  *Listener
	account   string
}

func newHarness(t *testing.T, riskEnabled bool) *harness {
	t.Helper()
	h := &harness{
		ledger:    newFakeLedger(),
		cls:       &fakeClassifier{trades: make(map[string]*classifier.Trade)},
		handler:   newFakeHandler(),
		positions: fakePositions{},
		events:    &recorder{},
		account:   solana.NewWallet().PublicKey().String(),
	}
	h.listener = NewListener(Config{
		SubscribeLevel:     rpc.CommitmentConfirmed,
		FetchLevel:         rpc.CommitmentFinalized,
		RiskEnabled:        riskEnabled,
		MaxInFlight:        4,
		DedupTTL:           time.Minute,
		ResubscribeInitial: time.Millisecond,
		ResubscribeMax:     5 * time.Millisecond,
	}, h.ledger, h.cls, h.handler, h.positions, h.events, nil, zaptest.NewLogger(t))
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.listener.Start(context.Background(), []string{h.account}))
	t.Cleanup(func() {
		h.listener.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, h.listener.Wait(ctx))
	})
}

func (h *harness) addTrade(sig string, dir classifier.Direction, asset string) {
	h.ledger.mu.Lock()
	h.ledger.txs[sig] = &blockchain.ParsedTx{Signature: sig, Meta: &blockchain.TxMeta{}}
	h.ledger.mu.Unlock()
	h.cls.trades[sig] = &classifier.Trade{
		Direction:       dir,
		AssetID:         asset,
		AssetAmount:     decimal.NewFromInt(100),
		BaseAmount:      decimal.NewFromInt(1),
		BaseSymbol:      "SOL",
		SourceSignature: sig,
	}
}

func (h *harness) notify(i int, sig string, txErr interface{}) {
	h.ledger.sub(h.account, i).notes <- &blockchain.LogNotification{Signature: sig, Err: txErr}
}

func waitTrade(t *testing.T, h *fakeHandler) *classifier.Trade {
	t.Helper()
	select {
	case tr := <-h.got:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("trade was not handled")
		return nil
	}
}

func TestListener_DispatchesClassifiedTrade(t *testing.T) {
	h := newHarness(t, false)
	h.addTrade("sig-buy", classifier.Buy, "MintA")
	h.start(t)

	h.notify(0, "sig-buy", nil)
	tr := waitTrade(t, h.handler)
	assert.Equal(t, "MintA", tr.AssetID)
	assert.Equal(t, h.account, tr.SourceAccount)
	assert.Eventually(t, func() bool {
		return len(h.events.types()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.EventType{events.TradeDetected}, h.events.types())
}

func TestListener_FailedTransactionIsNotFetched(t *testing.T) {
	h := newHarness(t, false)
	h.addTrade("sig-failed", classifier.Buy, "MintA")
	h.addTrade("sig-ok", classifier.Buy, "MintB")
	h.start(t)

	h.notify(0, "sig-failed", map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}})
	h.notify(0, "sig-ok", nil)

	tr := waitTrade(t, h.handler)
	assert.Equal(t, "MintB", tr.AssetID)
	assert.Equal(t, 0, h.ledger.fetchCount("sig-failed"))
}

func TestListener_InvisibleTransactionDiscarded(t *testing.T) {
	h := newHarness(t, false)
	h.cls.trades["sig-missing"] = &classifier.Trade{Direction: classifier.Buy, AssetID: "MintA"}
	h.addTrade("sig-ok", classifier.Buy, "MintB")
	h.start(t)

	h.notify(0, "sig-missing", nil)
	h.notify(0, "sig-ok", nil)

	tr := waitTrade(t, h.handler)
	assert.Equal(t, "MintB", tr.AssetID)
	assert.Eventually(t, func() bool {
		return h.ledger.fetchCount("sig-missing") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.handler.count())
}

func TestListener_DuplicateNotificationsDropped(t *testing.T) {
	h := newHarness(t, false)
	h.addTrade("sig-dup", classifier.Buy, "MintA")
	h.addTrade("sig-next", classifier.Buy, "MintB")
	h.start(t)

	h.notify(0, "sig-dup", nil)
	waitTrade(t, h.handler)
	h.notify(0, "sig-dup", nil)
	h.notify(0, "sig-next", nil)
	waitTrade(t, h.handler)

	assert.Equal(t, 1, h.ledger.fetchCount("sig-dup"))
	assert.Equal(t, 2, h.handler.count())
}

func TestListener_SuppressesRiskManagedSell(t *testing.T) {
	h := newHarness(t, true)
	entry := 0.01
	h.positions["MintA"] = &position.Position{AssetID: "MintA", AvgEntryPrice: &entry}
	h.positions["MintB"] = &position.Position{AssetID: "MintB"}
	h.addTrade("sig-sell-a", classifier.Sell, "MintA")
	h.addTrade("sig-sell-b", classifier.Sell, "MintB")
	h.start(t)

	h.notify(0, "sig-sell-a", nil)
	h.notify(0, "sig-sell-b", nil)

	tr := waitTrade(t, h.handler)
	assert.Equal(t, "MintB", tr.AssetID, "sell without entry price is mirrored")
	assert.Eventually(t, func() bool {
		for _, typ := range h.events.types() {
			if typ == events.TradeSuppressed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.handler.count())
}

func TestListener_SellMirroredWhenRiskDisabled(t *testing.T) {
	h := newHarness(t, false)
	entry := 0.01
	h.positions["MintA"] = &position.Position{AssetID: "MintA", AvgEntryPrice: &entry}
	h.addTrade("sig-sell", classifier.Sell, "MintA")
	h.start(t)

	h.notify(0, "sig-sell", nil)
	tr := waitTrade(t, h.handler)
	assert.Equal(t, classifier.Sell, tr.Direction)
}

func TestListener_StartPartialFailure(t *testing.T) {
	h := newHarness(t, false)
	bad := solana.NewWallet().PublicKey().String()
	h.ledger.failFor[bad] = true

	require.NoError(t, h.listener.Start(context.Background(), []string{bad, "not-a-key", h.account}))
	defer h.listener.Stop()
	assert.Equal(t, 1, h.listener.Subscriptions())
}

func TestListener_StartFailsWithoutSubscriptions(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.failFor[h.account] = true

	err := h.listener.Start(context.Background(), []string{h.account})
	assert.ErrorIs(t, err, ErrNoSubscriptions)
}

func TestListener_ResubscribesBrokenStream(t *testing.T) {
	h := newHarness(t, false)
	h.addTrade("sig-after", classifier.Buy, "MintA")
	h.start(t)
	<-h.ledger.subscribed

	first := h.ledger.sub(h.account, 0)
	first.broken <- errors.New("connection reset")

	select {
	case <-h.ledger.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not re-established")
	}
	assert.Equal(t, int32(1), first.unsubscribe.Load())

	h.notify(1, "sig-after", nil)
	tr := waitTrade(t, h.handler)
	assert.Equal(t, "MintA", tr.AssetID)
	assert.Equal(t, 1, h.listener.Subscriptions())
}

func TestListener_StopUnsubscribesDespiteFailures(t *testing.T) {
	h := newHarness(t, false)
	other := solana.NewWallet().PublicKey().String()
	require.NoError(t, h.listener.Start(context.Background(), []string{h.account, other}))

	h.ledger.sub(h.account, 0).unsubErr = errors.New("already closed")
	h.listener.Stop()
	h.listener.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.listener.Wait(ctx))

	assert.Equal(t, int32(1), h.ledger.sub(h.account, 0).unsubscribe.Load())
	assert.Equal(t, int32(1), h.ledger.sub(other, 0).unsubscribe.Load())
	assert.Equal(t, 0, h.listener.Subscriptions())
}

func TestListener_WaitHonorsContext(t *testing.T) {
	h := newHarness(t, false)
	h.handler.block = make(chan struct{})
	h.addTrade("sig-slow", classifier.Buy, "MintA")
	require.NoError(t, h.listener.Start(context.Background(), []string{h.account}))

	h.notify(0, "sig-slow", nil)
	waitTrade(t, h.handler)
	h.listener.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.listener.Wait(ctx), context.DeadlineExceeded)

	close(h.handler.block)
	require.NoError(t, h.listener.Wait(context.Background()))
}

func TestDedupCache_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := newDedupCache(time.Minute)
	d.now = func() time.Time { return now }

	assert.True(t, d.firstSeen("a"))
	assert.False(t, d.firstSeen("a"))

	now = now.Add(2 * time.Minute)
	assert.True(t, d.firstSeen("a"), "expired key is accepted again")
	assert.True(t, d.firstSeen("b"))
	assert.Equal(t, 2, d.size())
}

func TestNewListener_DedupTTL(t *testing.T) {
	l := NewListener(Config{}, nil, nil, nil, nil, nil, nil, zaptest.NewLogger(t))
	assert.Equal(t, defaultDedupTTL, l.cfg.DedupTTL)

	l = NewListener(Config{DedupTTL: -1}, nil, nil, nil, nil, nil, nil, zaptest.NewLogger(t))
	assert.True(t, l.dedup.firstSeen("a"))
	assert.True(t, l.dedup.firstSeen("a"), "negative ttl disables dedup")
}
