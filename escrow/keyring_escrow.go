package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"github.com/awnumar/memguard"
)

const (
	// ItemKey is the keyring item holding the escrowed key
	ItemKey = "biometric_key"

	defaultServiceName = "provisionkey"
)

// KeyringConfig selects the OS keystore backing the escrow
type KeyringConfig struct {
	ServiceName string
	VaultID     string

	// Backends restricts the keyring backends; empty means the platform default order
	Backends []keyring.BackendType

	// FileDir and FilePassword configure the encrypted-file fallback backend
	FileDir      string
	FilePassword keyring.PromptFunc
}

// KeyringEscrow keeps the key as a keyring item. Reads are gated by an Authenticator.
type KeyringEscrow struct {
	ring    keyring.Keyring
	auth    Authenticator
	itemKey string
	mu      sync.Mutex
}

var _ Escrow = (*KeyringEscrow)(nil)

// OpenKeyringEscrow opens the platform keyring described by cfg
func OpenKeyringEscrow(cfg KeyringConfig, auth Authenticator) (*KeyringEscrow, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    serviceName,
		AllowedBackends:                cfg.Backends,
		KeychainTrustApplication:       false,
		KeychainSynchronizable:         false,
		KeychainAccessibleWhenUnlocked: true,
		FileDir:                        cfg.FileDir,
		FilePasswordFunc:               cfg.FilePassword,
		LibSecretCollectionName:        serviceName,
		KWalletAppID:                   serviceName,
		KWalletFolder:                  serviceName,
		WinCredPrefix:                  serviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	return NewKeyringEscrow(ring, cfg.VaultID, auth), nil
}

// NewKeyringEscrow wraps an already opened keyring
func NewKeyringEscrow(ring keyring.Keyring, vaultID string, auth Authenticator) *KeyringEscrow {
	if auth == nil {
		auth = AllowAll
	}
	itemKey := ItemKey
	if vaultID != "" && vaultID != "default" {
		itemKey = vaultID + "." + ItemKey
	}
	return &KeyringEscrow{ring: ring, auth: auth, itemKey: itemKey}
}

func (e *KeyringEscrow) Put(ctx context.Context, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("escrow: key cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	data := make([]byte, len(key))
	copy(data, key)

	err := e.ring.Set(keyring.Item{
		Key:         e.itemKey,
		Data:        data,
		Label:       "provisionkey vault key",
		Description: "Cached vault key for biometric unlock",
	})
	memguard.WipeBytes(data)
	if err != nil {
		return fmt.Errorf("escrow: failed to store key: %w", err)
	}
	return nil
}

func (e *KeyringEscrow) Get(ctx context.Context, reason string) ([]byte, error) {
	exists, err := e.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	if err = e.auth.Authenticate(ctx, reason); err != nil {
		if errors.Is(err, ErrDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDenied, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	item, err := e.ring.Get(e.itemKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("escrow: failed to read key: %w", err)
	}
	if len(item.Data) == 0 {
		return nil, ErrNotFound
	}

	key := make([]byte, len(item.Data))
	copy(key, item.Data)
	return key, nil
}

func (e *KeyringEscrow) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ring.Remove(e.itemKey); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("escrow: failed to remove key: %w", err)
	}
	return nil
}

func (e *KeyringEscrow) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	keys, err := e.ring.Keys()
	if err != nil {
		return false, fmt.Errorf("escrow: failed to list keyring: %w", err)
	}
	for _, k := range keys {
		if k == e.itemKey {
			return true, nil
		}
	}
	return false, nil
}
