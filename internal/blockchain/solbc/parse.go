// internal/blockchain/solbc/parse.go
package solbc

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
)

// parseTransaction сводит ответ getTransaction к blockchain.ParsedTx.
// Ключи из lookup-таблиц берутся из meta.loadedAddresses (writable, затем readonly),
// что совпадает с порядком индексов в v0-сообщениях.
func parseTransaction(signature string, slot uint64, tx *solana.Transaction, meta *rpc.TransactionMeta) *blockchain.ParsedTx {
	parsed := &blockchain.ParsedTx{
		Signature: signature,
		Slot:      slot,
	}
	if tx == nil {
		return parsed
	}

	keys := make([]string, 0, len(tx.Message.AccountKeys))
	for _, k := range tx.Message.AccountKeys {
		keys = append(keys, k.String())
	}
	if meta != nil {
		for _, k := range meta.LoadedAddresses.Writable {
			keys = append(keys, k.String())
		}
		for _, k := range meta.LoadedAddresses.ReadOnly {
			keys = append(keys, k.String())
		}
	}
	parsed.AccountKeys = keys

	for _, ix := range tx.Message.Instructions {
		if id, ok := keyAt(keys, int(ix.ProgramIDIndex)); ok {
			parsed.Programs = append(parsed.Programs, id)
		}
	}

	if meta == nil {
		return parsed
	}

	for _, inner := range meta.InnerInstructions {
		for _, ix := range inner.Instructions {
			if id, ok := keyAt(keys, int(ix.ProgramIDIndex)); ok {
				parsed.InnerPrograms = append(parsed.InnerPrograms, id)
			}
		}
	}

	parsed.Meta = &blockchain.TxMeta{
		Err:               meta.Err,
		Fee:               meta.Fee,
		PreBalances:       meta.PreBalances,
		PostBalances:      meta.PostBalances,
		PreTokenBalances:  convertTokenBalances(meta.PreTokenBalances),
		PostTokenBalances: convertTokenBalances(meta.PostTokenBalances),
		LogMessages:       meta.LogMessages,
	}
	return parsed
}

func keyAt(keys []string, idx int) (string, bool) {
	if idx < 0 || idx >= len(keys) {
		return "", false
	}
	return keys[idx], true
}

// convertTokenBalances пропускает записи без суммы или с нечитаемой суммой.
func convertTokenBalances(in []rpc.TokenBalance) []blockchain.TokenBalance {
	out := make([]blockchain.TokenBalance, 0, len(in))
	for _, b := range in {
		if b.UiTokenAmount == nil {
			continue
		}
		amount, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		owner := ""
		if b.Owner != nil {
			owner = b.Owner.String()
		}
		out = append(out, blockchain.TokenBalance{
			AccountIndex: int(b.AccountIndex),
			Owner:        owner,
			Mint:         b.Mint.String(),
			Amount:       amount,
			Decimals:     b.UiTokenAmount.Decimals,
		})
	}
	return out
}
