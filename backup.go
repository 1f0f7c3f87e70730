package provisionkey

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/tyler-james-bridges/provisionkey/internal/crypto"
	"github.com/tyler-james-bridges/provisionkey/internal/debug"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

const (
	backupVersion          = "1.0"
	backupEncryptionMethod = "pbkdf2-sha256+chacha20poly1305"
	minBackupPassphraseLen = 8
)

// Backup writes a passphrase-protected copy of the plaintext document to the
// store's backup area under name. Backups are independent of the PIN and
// survive Wipe.
func (v *Vault) Backup(name, passphrase string) (*persist.BackupInfo, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("backup name cannot be empty")
	}
	if err := validatePassphraseStrength(passphrase); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	doc, err := v.loadDocument(v.keyEnclave)
	if err != nil {
		v.logAudit(requestID, "BACKUP_CREATED", err, nil)
		return nil, err
	}

	plaintext, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize backup data: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	encrypted, err := crypto.EncryptWithPassphrase(plaintext, passphrase)
	if err != nil {
		v.logAudit(requestID, "BACKUP_CREATED", err, nil)
		return nil, fmt.Errorf("failed to encrypt backup data: %w", err)
	}

	container := persist.BackupContainer{
		BackupID:         uuid.NewString(),
		BackupTimestamp:  v.now(),
		DocumentVersion:  doc.Version,
		BackupVersion:    backupVersion,
		Checksum:         crypto.CalculateChecksum(encrypted),
		EncryptionMethod: backupEncryptionMethod,
		EncryptedData:    base64.StdEncoding.EncodeToString(encrypted),
		EntryCount:       len(doc.Entries),
		VaultID:          v.options.VaultID,
	}

	debug.Print("Backup: %s with %d entries\n", container.BackupID, container.EntryCount)

	if err = v.store.SaveBackup(name, &container); err != nil {
		v.logAudit(requestID, "BACKUP_CREATED", err, map[string]interface{}{"backup_id": container.BackupID})
		return nil, fmt.Errorf("failed to save backup: %w", err)
	}

	v.logAudit(requestID, "BACKUP_CREATED", nil, map[string]interface{}{
		"backup_id":   container.BackupID,
		"entry_count": container.EntryCount,
	})

	info := persist.BackupInfo{
		BackupID:         container.BackupID,
		BackupTimestamp:  container.BackupTimestamp,
		DocumentVersion:  container.DocumentVersion,
		BackupVersion:    container.BackupVersion,
		EncryptionMethod: container.EncryptionMethod,
		EntryCount:       container.EntryCount,
		IsValid:          true,
		VaultID:          container.VaultID,
		Checksum:         container.Checksum,
		StorePath:        name,
	}
	return &info, nil
}

// Restore replaces the current document with the content of the named backup.
// The restored document is re-encrypted under the current key.
func (v *Vault) Restore(name, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if err := v.requireUnlocked(); err != nil {
		return err
	}

	container, err := v.store.RestoreBackup(name)
	if err != nil {
		v.logAudit(requestID, "BACKUP_RESTORED", err, nil)
		return fmt.Errorf("failed to read backup: %w", err)
	}

	if err = validateBackupVersion(container.BackupVersion); err != nil {
		return err
	}

	encrypted, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return fmt.Errorf("failed to decode backup data: %w", err)
	}

	plaintext, err := crypto.DecryptWithPassphrase(encrypted, passphrase)
	if err != nil {
		v.logAudit(requestID, "BACKUP_RESTORED", err, map[string]interface{}{"backup_id": container.BackupID})
		return fmt.Errorf("failed to decrypt backup (wrong passphrase?): %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	doc, err := parseDocument(plaintext)
	if err != nil {
		return fmt.Errorf("invalid backup content: %w", err)
	}

	if err = v.saveDocument(doc, v.keyEnclave); err != nil {
		v.logAudit(requestID, "BACKUP_RESTORED", err, map[string]interface{}{"backup_id": container.BackupID})
		return err
	}

	v.logAudit(requestID, "BACKUP_RESTORED", nil, map[string]interface{}{
		"backup_id":   container.BackupID,
		"entry_count": len(doc.Entries),
	})
	return nil
}

// ListBackups returns the backups in the store, newest first for backends that sort
func (v *Vault) ListBackups() ([]persist.BackupInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrClosed
	}
	return v.store.ListBackups()
}

// DeleteBackup removes the backup with the given id
func (v *Vault) DeleteBackup(backupID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}

	err := v.store.DeleteBackup(backupID)
	v.logAudit(v.newRequestID(), "BACKUP_DELETED", err, map[string]interface{}{"backup_id": backupID})
	return err
}

// deleteAllBackups removes every backup of the vault. The caller holds v.mu.
func (v *Vault) deleteAllBackups() error {
	backups, err := v.store.ListBackups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	var errs []error
	for _, b := range backups {
		if err = v.store.DeleteBackup(b.BackupID); err != nil && !errors.Is(err, persist.ErrNotFound) {
			errs = append(errs, fmt.Errorf("failed to delete backup %s: %w", b.BackupID, err))
		}
	}
	return errors.Join(errs...)
}

func validatePassphraseStrength(passphrase string) error {
	if utf8.RuneCountInString(passphrase) < minBackupPassphraseLen {
		return fmt.Errorf("backup passphrase must be at least %d characters", minBackupPassphraseLen)
	}
	return nil
}

func validateBackupVersion(version string) error {
	switch version {
	case backupVersion:
		return nil
	default:
		return fmt.Errorf("unsupported backup version: %s", version)
	}
}

