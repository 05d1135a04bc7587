package solbc

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jupiterV6 = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"

func TestParseTransaction_ResolvesLoadedAddressesAndInnerPrograms(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	program := solana.MustPublicKeyFromBase58(jupiterV6)
	writable := solana.NewWallet().PublicKey()
	readonly := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			solana.NewInstruction(program, solana.AccountMetaSlice{solana.Meta(payer).WRITE().SIGNER()}, []byte{1}),
		},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	require.Len(t, tx.Message.AccountKeys, 2)

	// static keys: payer(0), program(1); loaded: writable(2), readonly(3)
	metaJSON := fmt.Sprintf(`{
		"err": null,
		"fee": 5000,
		"preBalances": [2000000000, 1],
		"postBalances": [1000000000, 1],
		"innerInstructions": [{"index": 0, "instructions": [{"programIdIndex": 3, "accounts": [], "data": "2"}]}],
		"preTokenBalances": [],
		"postTokenBalances": [
			{"accountIndex": 2, "mint": %q, "owner": %q, "uiTokenAmount": {"amount": "100000000", "decimals": 6, "uiAmountString": "100"}},
			{"accountIndex": 2, "mint": %q, "owner": %q, "uiTokenAmount": {"amount": "not-a-number", "decimals": 6, "uiAmountString": "?"}}
		],
		"loadedAddresses": {"writable": [%q], "readonly": [%q]},
		"logMessages": ["Program log: swap"]
	}`, mint.String(), payer.String(), mint.String(), payer.String(), writable.String(), readonly.String())

	var meta rpc.TransactionMeta
	require.NoError(t, json.Unmarshal([]byte(metaJSON), &meta))

	parsed := parseTransaction("sig1", 42, tx, &meta)

	assert.Equal(t, "sig1", parsed.Signature)
	assert.Equal(t, uint64(42), parsed.Slot)
	assert.Equal(t, []string{payer.String(), program.String(), writable.String(), readonly.String()}, parsed.AccountKeys)
	assert.Equal(t, []string{program.String()}, parsed.Programs)
	assert.Equal(t, []string{readonly.String()}, parsed.InnerPrograms)

	require.NotNil(t, parsed.Meta)
	assert.Equal(t, []uint64{2000000000, 1}, parsed.Meta.PreBalances)
	require.Len(t, parsed.Meta.PostTokenBalances, 1, "unparsable amounts are dropped")
	bal := parsed.Meta.PostTokenBalances[0]
	assert.Equal(t, mint.String(), bal.Mint)
	assert.Equal(t, payer.String(), bal.Owner)
	assert.Equal(t, "100000000", bal.Amount.String())
	assert.Equal(t, uint8(6), bal.Decimals)
	assert.Equal(t, 0, parsed.AccountIndex(payer.String()))
	assert.Equal(t, -1, parsed.AccountIndex(mint.String()))
}

func TestParseTransaction_MissingMeta(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			solana.NewInstruction(solana.MustPublicKeyFromBase58(jupiterV6), solana.AccountMetaSlice{solana.Meta(payer).WRITE().SIGNER()}, []byte{1}),
		},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)

	parsed := parseTransaction("sig2", 1, tx, nil)
	assert.Nil(t, parsed.Meta)
	assert.Len(t, parsed.Programs, 1)
	assert.Empty(t, parsed.InnerPrograms)
}
