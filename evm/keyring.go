package evm

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/becomeliminal/crosspay"
)

// Keyring holds signing keys for the managed wallets, unlockable per wallet
// with a shared secret. Key derivation and at-rest encryption live outside
// the engine; this keyring only gates in-memory keys.
type Keyring struct {
	mu      sync.RWMutex
	entries map[string]keyEntry // lowercased address -> entry
}

type keyEntry struct {
	key    *ecdsa.PrivateKey
	secret string
}

var _ crosspay.Keyring = (*Keyring)(nil)

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{entries: make(map[string]keyEntry)}
}

// Add registers a key under the given unlock secret and returns its address.
func (k *Keyring) Add(key *ecdsa.PrivateKey, secret string) string {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Lock()
	k.entries[strings.ToLower(addr.Hex())] = keyEntry{key: key, secret: secret}
	k.mu.Unlock()
	return addr.Hex()
}

// AddHex registers a hex-encoded private key.
func (k *Keyring) AddHex(hexKey, secret string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("parsing private key: %w", err)
	}
	return k.Add(key, secret), nil
}

// Wallets returns the addresses of every registered key.
func (k *Keyring) Wallets() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	wallets := make([]string, 0, len(k.entries))
	for _, entry := range k.entries {
		wallets = append(wallets, crypto.PubkeyToAddress(entry.key.PublicKey).Hex())
	}
	return wallets
}

// Unlock returns the credential for wallet if the secret matches.
func (k *Keyring) Unlock(wallet, secret string) (crosspay.Credential, error) {
	k.mu.RLock()
	entry, ok := k.entries[strings.ToLower(wallet)]
	k.mu.RUnlock()

	if !ok {
		return nil, crosspay.NewError(crosspay.ErrCodeBadCredential,
			fmt.Sprintf("no key for wallet %s", wallet), nil)
	}
	if subtle.ConstantTimeCompare([]byte(entry.secret), []byte(secret)) != 1 {
		return nil, crosspay.NewError(crosspay.ErrCodeBadCredential,
			fmt.Sprintf("wrong secret for wallet %s", wallet), nil)
	}

	return &credential{key: entry.key}, nil
}

// credential is an unlocked ECDSA key.
type credential struct {
	key *ecdsa.PrivateKey
}

func (c *credential) Address() string {
	return crypto.PubkeyToAddress(c.key.PublicKey).Hex()
}

func (c *credential) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, c.key)
}

// NewCredential wraps a raw private key as a credential, for wiring the
// facilitator's own key.
func NewCredential(key *ecdsa.PrivateKey) crosspay.Credential {
	return &credential{key: key}
}

// CredentialFromHex parses a hex private key into a credential.
func CredentialFromHex(hexKey string) (crosspay.Credential, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &credential{key: key}, nil
}
