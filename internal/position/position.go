// internal/position/position.go
package position

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
)

const (
	// UnknownDecimals marks a legacy record that was stored without decimals.
	UnknownDecimals = -1
	// PricePrecision is the number of decimal places kept when dividing prices.
	PricePrecision = 32
)

// ExitReason explains why a position was closed by risk management.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
)

// Position is the bot-held balance of one non-base asset.
type Position struct {
	AssetID           string
	AmountRaw         *big.Int
	Decimals          int
	LastFillSignature string
	TriggerAccount    string

	// Cost basis, present only while risk-managed mode covered the whole lifetime.
	TotalBaseSpentRaw *big.Int
	AvgEntryPrice     *float64
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	if p.AmountRaw != nil {
		c.AmountRaw = new(big.Int).Set(p.AmountRaw)
	}
	if p.TotalBaseSpentRaw != nil {
		c.TotalBaseSpentRaw = new(big.Int).Set(p.TotalBaseSpentRaw)
	}
	if p.AvgEntryPrice != nil {
		v := *p.AvgEntryPrice
		c.AvgEntryPrice = &v
	}
	return &c
}

// HasEntryPrice reports whether the position carries a tracked entry price.
func (p *Position) HasEntryPrice() bool {
	return p != nil && p.AvgEntryPrice != nil
}

// Valuable reports whether the position can be priced by the risk monitor.
func (p *Position) Valuable() bool {
	return p.HasEntryPrice() && p.Decimals >= 0
}

// HeldUnits converts AmountRaw into whole units of the asset.
func (p *Position) HeldUnits() decimal.Decimal {
	if p == nil || p.AmountRaw == nil || p.Decimals < 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(p.AmountRaw, -int32(p.Decimals))
}

// Fill is one confirmed buy execution.
type Fill struct {
	AssetID        string
	Signature      string
	TriggerAccount string
	AssetAmountRaw *big.Int
	BaseAmountRaw  *big.Int
	Decimals       int
	// TrackCost is true while risk-managed mode is enabled.
	TrackCost bool
}

// entryPrice returns base units spent per whole asset unit.
func entryPrice(spentRaw, amountRaw *big.Int, decimals int) (float64, bool) {
	if spentRaw == nil || amountRaw == nil || amountRaw.Sign() <= 0 || decimals < 0 {
		return 0, false
	}
	spent := decimal.NewFromBigInt(spentRaw, -blockchain.BaseDecimals)
	units := decimal.NewFromBigInt(amountRaw, -int32(decimals))
	return spent.DivRound(units, PricePrecision).InexactFloat64(), true
}
