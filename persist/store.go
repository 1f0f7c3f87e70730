package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load* when the record has never been written or was wiped
var ErrNotFound = errors.New("record not found")

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// Store defines the interface for persisting vault state.
//
// A store holds two logical records per vault: the settings record (salt,
// PIN verifier, attempt counter, threshold, biometric flag) and the document
// record (the cipher token of the serialized vault document). The settings
// record is not secret beyond the protection of the storage area itself, the
// document record is always ciphertext. Passphrase-protected backups live in
// a separate area that Wipe does not touch.
//
// Every Save* call must be atomic: a concurrent Load* observes either the
// previous record or the new one, never a partial write.
type Store interface {

	// Settings record

	// SaveSettings persists the settings record. When expectedVersion is not
	// empty and does not match the stored version a ConcurrencyError is returned.
	SaveSettings(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadSettings returns ErrNotFound when no settings record exists.
	LoadSettings() (*VersionedData, error)

	SettingsExist() (bool, error)

	// Document record

	SaveDocument(token []byte, expectedVersion string) (newVersion string, err error)

	// LoadDocument returns ErrNotFound when no document has been written yet.
	LoadDocument() (*VersionedData, error)

	DocumentExists() (bool, error)

	// Wipe irreversibly removes the settings and document records.
	// Wiping an empty store is not an error.
	Wipe() error

	// Backup operations

	// SaveBackup stores a backup container under backupPath.
	SaveBackup(backupPath string, container *BackupContainer) error

	// RestoreBackup reads and validates the container saved under backupPath.
	RestoreBackup(backupPath string) (*BackupContainer, error)

	// ListBackups retrieves information about every stored backup.
	ListBackups() ([]BackupInfo, error)

	// DeleteBackup removes the backup with the given ID.
	DeleteBackup(backupID string) error

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close releases any resources the store holds.
	Close() error

	GetType() string
}

// BackupContainer is the on-store envelope of a passphrase-protected backup
type BackupContainer struct {
	BackupID string `json:"backup_id"`

	BackupTimestamp time.Time `json:"backup_timestamp"`

	// DocumentVersion is the schema tag of the backed-up vault document
	DocumentVersion int `json:"document_version"`

	BackupVersion string `json:"backup_version"`

	// Checksum is the SHA-256 of the decoded EncryptedData
	Checksum string `json:"checksum"`

	EncryptionMethod string `json:"encryption_method"`

	// EncryptedData is base64 of salt || nonce || ciphertext
	EncryptedData string `json:"encrypted_data"`

	EntryCount int `json:"entry_count"`

	VaultID string `json:"vault_id"`
}

type BackupInfo struct {
	BackupID string `json:"backup_id"`

	BackupTimestamp time.Time `json:"backup_timestamp"`

	DocumentVersion int `json:"document_version"`

	BackupVersion string `json:"backup_version"`

	EncryptionMethod string `json:"encryption_method"`

	EntryCount int `json:"entry_count"`

	FileSize int64 `json:"file_size"`

	IsValid bool `json:"is_valid"` // checksum validation result

	VaultID string `json:"vault_id"`

	Checksum string `json:"checksum"`

	StorePath string `json:"store_path"` // Store-agnostic path/identifier
}

type StoreConfig struct {
	Type StoreType `json:"type"`

	Config map[string]interface{} `json:"config"`
}

type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"

	StoreTypeSQLite StoreType = "sqlite"

	StoreTypeS3 StoreType = "s3"
)

type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
