package provisionkey

import (
	"context"

	"github.com/tyler-james-bridges/provisionkey/audit"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

// VaultService is the surface a host UI or the CLI drives.
//
// Session transitions:
//
//	Uninitialized --Setup--> Unlocked
//	Locked --UnlockWithPIN / UnlockBiometric--> Unlocked
//	Locked --UnlockWithPIN [wrong PIN, threshold reached]--> Uninitialized
//	Unlocked --Lock--> Locked
//	any --Wipe--> Uninitialized
//
// Document operations outside Unlocked fail with ErrVaultLocked.
type VaultService interface {
	// Session

	State() State
	IsSetup() (bool, error)
	Setup(pin string) error
	UnlockWithPIN(pin string) (UnlockResult, error)
	UnlockBiometric(ctx context.Context) (BiometricResult, error)
	Lock()
	ChangePIN(currentPin, newPin string) error
	Wipe() error

	// Settings

	SetMaxFailedAttempts(n int) error
	SetBiometricEnabled(ctx context.Context, enabled bool) error
	Status(ctx context.Context) (Status, error)

	// Document

	GetVaultData() (*Document, error)
	SaveVaultData(doc *Document) error
	GetEntry(id string) (*Entry, error)
	AddEntry(in EntryInput) (*Entry, error)
	UpdateEntry(id string, in EntryInput) (*Entry, error)
	DeleteEntry(id string) error

	// Portability

	ExportVault() ([]byte, error)
	ImportVault(data []byte, pin string) error
	Backup(name, passphrase string) (*persist.BackupInfo, error)
	Restore(name, passphrase string) error
	ListBackups() ([]persist.BackupInfo, error)
	DeleteBackup(backupID string) error

	GetAudit() audit.Logger
	Close() error
}

var _ VaultService = (*Vault)(nil)
