// internal/dex/jupiter/types.go
package jupiter

import (
	"encoding/json"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// Quote is a priced route returned by the aggregator. Raw is sent back
// verbatim when building the swap.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       *big.Int
	OutAmount      *big.Int
	SlippageBps    int
	PriceImpactPct string
	Raw            json.RawMessage
}

// SwapTransaction is an unsigned transaction realizing a quote.
type SwapTransaction struct {
	Transaction          *solana.Transaction
	LastValidBlockHeight uint64
}

type quoteResponse struct {
	InputMint      string `json:"inputMint"`
	InAmount       string `json:"inAmount"`
	OutputMint     string `json:"outputMint"`
	OutAmount      string `json:"outAmount"`
	SlippageBps    int    `json:"slippageBps"`
	PriceImpactPct string `json:"priceImpactPct"`
	Error          string `json:"error,omitempty"`
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports interface{}     `json:"prioritizationFeeLamports,omitempty"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	Error                string `json:"error,omitempty"`
}
