// internal/classifier/classifier.go
package classifier

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
)

// Direction of a detected trade relative to the base asset.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Trade is a copyable swap observed on a watched account.
type Trade struct {
	Direction       Direction
	AssetID         string
	AssetSymbol     string
	AssetDecimals   int
	AssetAmount     decimal.Decimal // display units, magnitude
	BaseAmount      decimal.Decimal // SOL, magnitude
	BaseSymbol      string
	SourceSignature string
	SourceAccount   string
}

// MetadataResolver attaches display metadata to a mint.
type MetadataResolver interface {
	Resolve(ctx context.Context, mint string) blockchain.TokenMetadata
}

// Config holds classifier thresholds and the swap program allow-list.
type Config struct {
	SwapPrograms     []string
	BaseDustLamports uint64
	// TokenDust is in display units of each asset.
	TokenDust decimal.Decimal
}

// Classifier turns a parsed transaction into at most one Trade.
type Classifier struct {
	programs  map[string]struct{}
	baseDust  *big.Int
	tokenDust decimal.Decimal
	resolver  MetadataResolver
	logger    *zap.Logger
}

// New creates a classifier. resolver may be nil.
func New(cfg Config, resolver MetadataResolver, logger *zap.Logger) *Classifier {
	programs := cfg.SwapPrograms
	if len(programs) == 0 {
		programs = DefaultSwapPrograms()
	}
	set := make(map[string]struct{}, len(programs))
	for _, p := range programs {
		set[p] = struct{}{}
	}
	return &Classifier{
		programs:  set,
		baseDust:  new(big.Int).SetUint64(cfg.BaseDustLamports),
		tokenDust: cfg.TokenDust.Abs(),
		resolver:  resolver,
		logger:    logger.Named("classifier"),
	}
}

// Classify returns the trade expressed by tx for watched, or nil when the
// transaction is not a swap, lacks balance metadata, or moved no base asset.
func (c *Classifier) Classify(ctx context.Context, tx *blockchain.ParsedTx, watched string) *Trade {
	if tx == nil || tx.Meta == nil {
		return nil
	}
	if !c.touchesSwapProgram(tx) {
		return nil
	}

	baseDelta, baseSymbol, ok := c.baseDelta(tx, watched)
	if !ok {
		return nil
	}

	for _, d := range assetDeltas(tx.Meta, watched) {
		if d.delta.Sign() == 0 {
			continue
		}
		amount := decimal.NewFromBigInt(new(big.Int).Abs(d.delta), -int32(d.decimals))
		if amount.LessThanOrEqual(c.tokenDust) {
			continue
		}

		var dir Direction
		switch {
		case d.delta.Sign() > 0 && baseDelta.Sign() < 0:
			dir = Buy
		case d.delta.Sign() < 0 && baseDelta.Sign() > 0:
			dir = Sell
		default:
			continue
		}

		trade := &Trade{
			Direction:       dir,
			AssetID:         d.mint,
			AssetDecimals:   int(d.decimals),
			AssetAmount:     amount,
			BaseAmount:      decimal.NewFromBigInt(new(big.Int).Abs(baseDelta), -blockchain.BaseDecimals),
			BaseSymbol:      baseSymbol,
			SourceSignature: tx.Signature,
			SourceAccount:   watched,
		}
		if c.resolver != nil {
			md := c.resolver.Resolve(ctx, d.mint)
			trade.AssetSymbol = md.Symbol
		}

		c.logger.Debug("Trade classified",
			zap.String("signature", tx.Signature),
			zap.String("account", watched),
			zap.String("direction", string(dir)),
			zap.String("asset", d.mint),
			zap.String("asset_amount", trade.AssetAmount.String()),
			zap.String("base_amount", trade.BaseAmount.String()),
			zap.String("base_symbol", baseSymbol))
		return trade
	}
	return nil
}

func (c *Classifier) touchesSwapProgram(tx *blockchain.ParsedTx) bool {
	for _, id := range tx.Programs {
		if _, ok := c.programs[id]; ok {
			return true
		}
	}
	for _, id := range tx.InnerPrograms {
		if _, ok := c.programs[id]; ok {
			return true
		}
	}
	return false
}

// baseDelta prefers the native lamport delta and falls back to the wrapped SOL
// token delta when the native change is within the dust threshold.
func (c *Classifier) baseDelta(tx *blockchain.ParsedTx, watched string) (*big.Int, string, bool) {
	native := nativeDelta(tx, watched)
	if new(big.Int).Abs(native).Cmp(c.baseDust) > 0 {
		return native, blockchain.NativeSymbol, true
	}

	wrapped := big.NewInt(0)
	for _, d := range tokenDeltas(tx.Meta, watched) {
		if d.mint == blockchain.WrappedSOLMint {
			wrapped.Add(wrapped, d.delta)
		}
	}
	if new(big.Int).Abs(wrapped).Cmp(c.baseDust) > 0 {
		return wrapped, blockchain.WrappedSymbol, true
	}
	return nil, "", false
}

func nativeDelta(tx *blockchain.ParsedTx, watched string) *big.Int {
	idx := tx.AccountIndex(watched)
	meta := tx.Meta
	if idx < 0 || idx >= len(meta.PreBalances) || idx >= len(meta.PostBalances) {
		return big.NewInt(0)
	}
	pre := new(big.Int).SetUint64(meta.PreBalances[idx])
	post := new(big.Int).SetUint64(meta.PostBalances[idx])
	return post.Sub(post, pre)
}

type mintDelta struct {
	mint     string
	decimals uint8
	delta    *big.Int
}

// tokenDeltas returns post-minus-pre per token account owned by watched.
// An account missing on one side (created or closed) counts as zero there.
func tokenDeltas(meta *blockchain.TxMeta, watched string) []mintDelta {
	type key struct {
		index int
		mint  string
	}
	var order []key
	byKey := make(map[key]*mintDelta)

	add := func(b blockchain.TokenBalance, sign int) {
		if b.Owner != watched || b.Amount == nil {
			return
		}
		k := key{index: b.AccountIndex, mint: b.Mint}
		d, ok := byKey[k]
		if !ok {
			d = &mintDelta{mint: b.Mint, decimals: b.Decimals, delta: big.NewInt(0)}
			byKey[k] = d
			order = append(order, k)
		}
		if sign > 0 {
			d.delta.Add(d.delta, b.Amount)
		} else {
			d.delta.Sub(d.delta, b.Amount)
		}
	}

	for _, b := range meta.PostTokenBalances {
		add(b, 1)
	}
	for _, b := range meta.PreTokenBalances {
		add(b, -1)
	}

	out := make([]mintDelta, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

// assetDeltas aggregates token deltas per non-base mint in first-appearance order.
func assetDeltas(meta *blockchain.TxMeta, watched string) []mintDelta {
	var order []string
	byMint := make(map[string]*mintDelta)
	for _, d := range tokenDeltas(meta, watched) {
		if d.mint == blockchain.WrappedSOLMint {
			continue
		}
		agg, ok := byMint[d.mint]
		if !ok {
			agg = &mintDelta{mint: d.mint, decimals: d.decimals, delta: big.NewInt(0)}
			byMint[d.mint] = agg
			order = append(order, d.mint)
		}
		agg.delta.Add(agg.delta, d.delta)
	}

	out := make([]mintDelta, 0, len(order))
	for _, m := range order {
		out = append(out, *byMint[m])
	}
	return out
}
