package provisionkey

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tyler-james-bridges/provisionkey/internal/misc"
)

// PINPolicy constrains the PINs accepted by Setup, ChangePIN and ImportVault.
type PINPolicy struct {
	MinLength  int  `json:"min_length"`
	MaxLength  int  `json:"max_length"`
	DigitsOnly bool `json:"digits_only"`
}

// DefaultPINPolicy accepts 4 to 8 decimal digits
func DefaultPINPolicy() PINPolicy {
	return PINPolicy{
		MinLength:  misc.MinPINLength,
		MaxLength:  misc.MaxPINLength,
		DigitsOnly: true,
	}
}

// Options configures a Vault.
//
// The zero value is usable: it selects the "default" vault, the default PIN
// policy, no memory locking and a disabled operational logger.
type Options struct {
	// VaultID names the vault inside the store; empty selects "default"
	VaultID string `json:"vault_id"`

	PINPolicy PINPolicy `json:"pin_policy"`

	// EnableMemoryLock asks the OS to keep process memory out of swap.
	// Failure to lock is logged and the vault keeps working with memguard enclaves.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// Logger receives operational logs. Secret material is never logged.
	Logger *zerolog.Logger `json:"-"`

	// WipeBackups makes Wipe and the self-destruct also delete passphrase
	// backups. Off by default so a backup can recover a forgotten PIN.
	WipeBackups bool `json:"wipe_backups"`

	// Clock supplies timestamps and entry ids; nil means time.Now
	Clock func() time.Time `json:"-"`
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	p := o.PINPolicy
	if p == (PINPolicy{}) {
		return nil
	}
	if p.MinLength < 1 {
		return fmt.Errorf("PIN policy: minimum length must be at least 1")
	}
	if p.MaxLength != 0 && p.MaxLength < p.MinLength {
		return fmt.Errorf("PIN policy: maximum length %d is below minimum %d", p.MaxLength, p.MinLength)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.VaultID == "" {
		o.VaultID = "default"
	}
	if o.PINPolicy == (PINPolicy{}) {
		o.PINPolicy = DefaultPINPolicy()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}
