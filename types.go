package provisionkey

import (
	"time"

	"github.com/tyler-james-bridges/provisionkey/internal/misc"
)

// State is the session state of a Vault
type State int

const (
	// StateUninitialized means no settings record exists
	StateUninitialized State = iota
	// StateLocked means the vault exists but no key is held
	StateLocked
	// StateUnlocked means the derived key is held in memory
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

type EntryType string

const (
	EntryTypeHardwareWallet EntryType = "hardware-wallet"
	EntryTypeSoftwareWallet EntryType = "software-wallet"
	EntryTypeExchange       EntryType = "exchange"
	EntryTypeSeedBackup     EntryType = "seed-backup"
	EntryTypeOther          EntryType = "other"
)

// EntryTypes lists every accepted entry type
var EntryTypes = []EntryType{
	EntryTypeHardwareWallet,
	EntryTypeSoftwareWallet,
	EntryTypeExchange,
	EntryTypeSeedBackup,
	EntryTypeOther,
}

// Field is one labelled value of an entry. Sensitive only affects display masking;
// the whole document is encrypted as one unit.
type Field struct {
	Label     string `json:"label"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

// Entry is one recovery record in the vault document
type Entry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      EntryType `json:"type"`
	Fields    []Field   `json:"fields"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EntryInput carries the caller-editable part of an entry
type EntryInput struct {
	Name   string    `json:"name"`
	Type   EntryType `json:"type"`
	Fields []Field   `json:"fields"`
	Notes  string    `json:"notes"`
}

// Document is the plaintext vault content. It is only ever persisted as a cipher token.
type Document struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

func newDocument() *Document {
	return &Document{Version: misc.DocumentVersion, Entries: []Entry{}}
}

// Entry returns the entry with the given id
func (d *Document) Entry(id string) (*Entry, bool) {
	for i := range d.Entries {
		if d.Entries[i].ID == id {
			return &d.Entries[i], true
		}
	}
	return nil, false
}

func (d *Document) clone() *Document {
	out := &Document{Version: d.Version, Entries: make([]Entry, len(d.Entries))}
	for i, e := range d.Entries {
		e.Fields = append([]Field(nil), e.Fields...)
		out.Entries[i] = e
	}
	return out
}

// BiometricResult is the outcome of UnlockBiometric. Only BiometricUnlocked
// opens the session; none of the others count as a wrong PIN.
type BiometricResult int

const (
	// BiometricNoEscrow means biometric unlock is off, no escrow is configured
	// or no key is stored
	BiometricNoEscrow BiometricResult = iota
	// BiometricDenied means the user cancelled or failed the platform prompt
	BiometricDenied
	// BiometricStale means the escrowed key no longer opens the vault; it was removed
	BiometricStale
	BiometricUnlocked
)

func (r BiometricResult) String() string {
	switch r {
	case BiometricNoEscrow:
		return "no_escrow"
	case BiometricDenied:
		return "denied"
	case BiometricStale:
		return "stale"
	case BiometricUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// UnlockResult describes the outcome of a PIN unlock attempt
type UnlockResult struct {
	Unlocked          bool
	FailedAttempts    int
	MaxFailedAttempts int
	Remaining         int
	Wiped             bool
}

// Status is a snapshot of the vault for display
type Status struct {
	State             State  `json:"state"`
	IsSetup           bool   `json:"is_setup"`
	FailedAttempts    int    `json:"failed_attempts"`
	MaxFailedAttempts int    `json:"max_failed_attempts"`
	RemainingAttempts int    `json:"remaining_attempts"`
	BiometricEnabled  bool   `json:"biometric_enabled"`
	EscrowPresent     bool   `json:"escrow_present"`
	MemoryProtection  string `json:"memory_protection"`
	StoreType         string `json:"store_type"`
	VaultID           string `json:"vault_id"`
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
