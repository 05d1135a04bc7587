// internal/blockchain/types.go
package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SubmitOptions определяет опции для отправки транзакций.
type SubmitOptions struct {
	SkipPreflight       bool
	PreflightCommitment rpc.CommitmentType
	MaxRetries          uint
}

// SimulationResult представляет результат симуляции транзакции.
type SimulationResult struct {
	Err           interface{}
	Logs          []string
	UnitsConsumed uint64
	// Reason is a decoded failure cause, empty when unknown.
	Reason string
}

// Failed reports whether the simulated transaction returned an on-chain error.
func (r *SimulationResult) Failed() bool {
	return r != nil && r.Err != nil
}

// Describe returns the failure cause for error messages.
func (r *SimulationResult) Describe() string {
	if r == nil || r.Err == nil {
		return ""
	}
	if r.Reason != "" {
		return r.Reason
	}
	return fmt.Sprintf("%v", r.Err)
}

// TokenBalance is one entry of a transaction's pre/post token balances.
type TokenBalance struct {
	AccountIndex int
	Owner        string
	Mint         string
	Amount       *big.Int
	Decimals     uint8
}

// TxMeta holds the balance-change metadata of a confirmed transaction.
type TxMeta struct {
	Err               interface{}
	Fee               uint64
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	LogMessages       []string
}

// ParsedTx is a fetched transaction reduced to what classification needs.
// AccountKeys contains static keys followed by addresses loaded from lookup tables.
type ParsedTx struct {
	Signature     string
	Slot          uint64
	BlockTime     *time.Time
	AccountKeys   []string
	Programs      []string // program ids of top-level instructions
	InnerPrograms []string // program ids of inner (CPI) instructions
	Meta          *TxMeta
}

// AccountIndex returns the position of account in AccountKeys or -1.
func (tx *ParsedTx) AccountIndex(account string) int {
	for i, key := range tx.AccountKeys {
		if key == account {
			return i
		}
	}
	return -1
}

// LogNotification is a single logsSubscribe notification.
type LogNotification struct {
	Signature string
	Slot      uint64
	Err       interface{}
	Logs      []string
}

// LogSubscription is a live logs subscription for one account.
type LogSubscription interface {
	// Recv blocks until the next notification, the stream fails or ctx is done.
	Recv(ctx context.Context) (*LogNotification, error)
	Unsubscribe() error
}

// TokenMetadata описывает отображаемые данные токена.
type TokenMetadata struct {
	Mint        string
	Symbol      string
	Name        string
	Decimals    int // -1 if unknown
	Source      string
	Placeholder bool
	UpdatedAt   time.Time
}

// Gateway определяет интерфейс доступа к леджеру, которым пользуется ядро бота.
type Gateway interface {
	// FetchTransaction returns nil, nil when the transaction is not visible at level yet.
	FetchTransaction(ctx context.Context, signature string, level rpc.CommitmentType) (*ParsedTx, error)
	Submit(ctx context.Context, tx *solana.Transaction, opts SubmitOptions) (solana.Signature, error)
	Confirm(ctx context.Context, signature solana.Signature, blockhash solana.Hash, expiryHeight uint64, level rpc.CommitmentType) error
	Simulate(ctx context.Context, tx *solana.Transaction, level rpc.CommitmentType) (*SimulationResult, error)
	SubscribeLogs(ctx context.Context, account solana.PublicKey, level rpc.CommitmentType) (LogSubscription, error)
}
