package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, vaultID string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config, vaultID)

	case StoreTypeSQLite:
		return NewSQLiteStoreFromConfig(config, vaultID)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, vaultID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateVaultID keeps vault IDs usable as a directory name, object prefix and row key
func validateVaultID(vaultID string) error {
	if vaultID == "" {
		return fmt.Errorf("vault ID cannot be empty")
	}

	if strings.Contains(vaultID, "..") ||
		strings.ContainsAny(vaultID, "/\\ \x00") {
		return fmt.Errorf("vault ID contains invalid characters")
	}

	if len(vaultID) > 100 {
		return fmt.Errorf("vault ID too long (max 100 characters)")
	}

	return nil
}
