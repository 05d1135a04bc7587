// internal/blockchain/blockchain.go
package blockchain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
)

const (
	// WrappedSOLMint is the SPL mint of wrapped SOL, used as the base asset for swaps.
	WrappedSOLMint = "So11111111111111111111111111111111111111112"
	// BaseDecimals is the number of decimals of SOL (lamports).
	BaseDecimals = 9

	NativeSymbol  = "SOL"
	WrappedSymbol = "WSOL"
)

var (
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrBlockhashExpired    = errors.New("blockhash expired before confirmation")
	ErrTransactionFailed   = errors.New("transaction failed on-chain")
)

// ParseCommitment converts a config value into an rpc commitment.
func ParseCommitment(value string) (rpc.CommitmentType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "processed":
		return rpc.CommitmentProcessed, nil
	case "confirmed", "":
		return rpc.CommitmentConfirmed, nil
	case "finalized":
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("unknown commitment %q", value)
	}
}

// CommitmentRank orders commitments: processed < confirmed < finalized.
func CommitmentRank(c rpc.CommitmentType) int {
	switch c {
	case rpc.CommitmentProcessed:
		return 1
	case rpc.CommitmentConfirmed:
		return 2
	case rpc.CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// StatusRank maps a signature confirmation status onto the same scale as CommitmentRank.
func StatusRank(s rpc.ConfirmationStatusType) int {
	switch s {
	case rpc.ConfirmationStatusProcessed:
		return 1
	case rpc.ConfirmationStatusConfirmed:
		return 2
	case rpc.ConfirmationStatusFinalized:
		return 3
	default:
		return 0
	}
}
