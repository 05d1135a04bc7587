// ==================================
// File: internal/wallet/wallet.go
// ==================================
package wallet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"gopkg.in/yaml.v3"
)

// ErrNotSigner is returned when the wallet is not a required signer of a transaction.
var ErrNotSigner = errors.New("wallet is not a required signer")

// Wallet представляет кошелёк Solana, от имени которого бот копирует сделки.
type Wallet struct {
	PrivateKey solana.PrivateKey
	PublicKey  solana.PublicKey
}

// NewWallet создаёт кошелёк из base58-encoded приватного ключа (64 байта).
func NewWallet(privateKeyBase58 string) (*Wallet, error) {
	raw, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 64 bytes, got %d", len(raw))
	}
	key := solana.PrivateKey(raw)
	return &Wallet{
		PrivateKey: key,
		PublicKey:  key.PublicKey(),
	}, nil
}

type walletFile struct {
	Wallets []struct {
		Name       string `yaml:"name"`
		PrivateKey string `yaml:"private_key"`
	} `yaml:"wallets"`
}

// LoadWallets загружает кошельки из YAML-файла. Записи с пустым именем
// или некорректным ключом пропускаются.
func LoadWallets(path string) (map[string]*Wallet, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read wallets file: %w", err)
	}

	var file walletFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse wallets YAML: %w", err)
	}

	wallets := make(map[string]*Wallet, len(file.Wallets))
	for _, entry := range file.Wallets {
		if entry.Name == "" || entry.PrivateKey == "" {
			continue
		}
		w, err := NewWallet(entry.PrivateKey)
		if err != nil {
			continue
		}
		wallets[entry.Name] = w
	}
	if len(wallets) == 0 {
		return nil, fmt.Errorf("no valid wallets in %s", path)
	}
	return wallets, nil
}

// Select returns the named wallet. An empty name is accepted only when the
// file holds exactly one wallet.
func Select(wallets map[string]*Wallet, name string) (*Wallet, error) {
	if name != "" {
		w, ok := wallets[name]
		if !ok {
			return nil, fmt.Errorf("wallet %q not found", name)
		}
		return w, nil
	}
	if len(wallets) == 1 {
		for _, w := range wallets {
			return w, nil
		}
	}
	names := make([]string, 0, len(wallets))
	for n := range wallets {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("wallet name required, available: %v", names)
}

// Address returns the wallet public key.
func (w *Wallet) Address() solana.PublicKey {
	return w.PublicKey
}

// SignTransaction подписывает сообщение и кладёт подпись в слот, соответствующий
// позиции ключа кошелька среди обязательных подписантов. Остальные подписи
// не трогаются.
func (w *Wallet) SignTransaction(tx *solana.Transaction) error {
	required := int(tx.Message.Header.NumRequiredSignatures)
	slot := -1
	for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(w.PublicKey) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return fmt.Errorf("%w: %s", ErrNotSigner, w.PublicKey)
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	sig, err := w.PrivateKey.Sign(msg)
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}

	if len(tx.Signatures) < required {
		grown := make([]solana.Signature, required)
		copy(grown, tx.Signatures)
		tx.Signatures = grown
	}
	tx.Signatures[slot] = sig
	return nil
}

// String возвращает публичный ключ кошелька.
func (w *Wallet) String() string {
	return w.PublicKey.String()
}
