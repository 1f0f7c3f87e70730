package persist

import (
	"encoding/base64"
	"fmt"

	"github.com/tyler-james-bridges/provisionkey/internal/crypto"
)

// validateBackupContainer checks required fields and the checksum of the encrypted payload
func validateBackupContainer(container *BackupContainer) error {
	if container.BackupID == "" {
		return fmt.Errorf("missing backup ID")
	}
	if container.EncryptedData == "" {
		return fmt.Errorf("missing encrypted data")
	}
	if container.Checksum == "" {
		return fmt.Errorf("missing checksum")
	}

	encryptedData, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return fmt.Errorf("invalid base64 in encrypted data: %w", err)
	}

	if actual := crypto.CalculateChecksum(encryptedData); actual != container.Checksum {
		return fmt.Errorf("checksum mismatch - expected: %s, actual: %s", container.Checksum, actual)
	}
	return nil
}

func backupInfoFromContainer(container *BackupContainer) BackupInfo {
	return BackupInfo{
		BackupID:         container.BackupID,
		BackupTimestamp:  container.BackupTimestamp,
		DocumentVersion:  container.DocumentVersion,
		BackupVersion:    container.BackupVersion,
		EncryptionMethod: container.EncryptionMethod,
		EntryCount:       container.EntryCount,
		IsValid:          validateBackupContainer(container) == nil,
		VaultID:          container.VaultID,
		Checksum:         container.Checksum,
	}
}
