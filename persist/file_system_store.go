package persist

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/tyler-james-bridges/provisionkey/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	backupExt = ".vault"
)

// FileSystemStore keeps each record in its own file under basePath/vaultID.
// Writes go through a temp file that is synced and renamed into place.
type FileSystemStore struct {
	basePath     string
	vaultID      string
	vaultPath    string // basePath/vaultID/
	backupsDir   string // basePath/vaultID/backups/
	vaultConfig  string // basePath/vaultID/vault.json      - layout descriptor
	settingsFile string // basePath/vaultID/settings.json   - settings record
	documentFile string // basePath/vaultID/vault.token     - cipher token of the document
}

// VaultConfig describes the on-disk layout of a vault directory
type VaultConfig struct {
	Version    string    `json:"version"`
	VaultID    string    `json:"vault_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore creates the vault directory layout if needed
func NewFileSystemStore(basePath string, vaultID string) (*FileSystemStore, error) {
	if vaultID == "" {
		vaultID = "default"
	}

	if err := validateVaultID(vaultID); err != nil {
		return nil, fmt.Errorf("invalid vault ID: %w", err)
	}

	vaultPath := filepath.Join(basePath, vaultID)

	fs := &FileSystemStore{
		basePath:     basePath,
		vaultID:      vaultID,
		vaultPath:    vaultPath,
		backupsDir:   filepath.Join(vaultPath, "backups"),
		vaultConfig:  filepath.Join(vaultPath, "vault.json"),
		settingsFile: filepath.Join(vaultPath, "settings.json"),
		documentFile: filepath.Join(vaultPath, "vault.token"),
	}

	for _, dir := range []string{fs.vaultPath, fs.backupsDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeVaultConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize vault config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig reads base_path from a generic store config
func NewFileSystemStoreFromConfig(config StoreConfig, vaultID string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath, vaultID)
}

func (fs *FileSystemStore) initializeVaultConfig() error {
	if _, err := os.Stat(fs.vaultConfig); os.IsNotExist(err) {
		now := time.Now().UTC()
		config := VaultConfig{
			Version:    "1.0.0",
			VaultID:    fs.vaultID,
			CreatedAt:  now,
			LastAccess: now,
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.vaultConfig, data, FilePermissions)
	}
	return nil
}

func (fs *FileSystemStore) SaveSettings(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("settings cannot be empty")
	}
	return fs.saveVersioned(fs.settingsFile, "SaveSettings", data, expectedVersion)
}

func (fs *FileSystemStore) LoadSettings() (*VersionedData, error) {
	return fs.loadVersioned(fs.settingsFile, "settings")
}

func (fs *FileSystemStore) SettingsExist() (bool, error) {
	return fileExists(fs.settingsFile)
}

func (fs *FileSystemStore) SaveDocument(token []byte, expectedVersion string) (string, error) {
	if len(token) == 0 {
		return "", fmt.Errorf("document cannot be empty")
	}
	return fs.saveVersioned(fs.documentFile, "SaveDocument", token, expectedVersion)
}

func (fs *FileSystemStore) LoadDocument() (*VersionedData, error) {
	return fs.loadVersioned(fs.documentFile, "document")
}

func (fs *FileSystemStore) DocumentExists() (bool, error) {
	return fileExists(fs.documentFile)
}

// Wipe overwrites the record files with zeros before unlinking them
func (fs *FileSystemStore) Wipe() error {
	var errs []error
	for _, path := range []string{fs.documentFile, fs.settingsFile} {
		if err := shredFile(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (fs *FileSystemStore) saveVersioned(path, operation string, data []byte, expectedVersion string) (string, error) {
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	if err := os.MkdirAll(fs.vaultPath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create vault directory: %w", err)
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) loadVersioned(path, name string) (*VersionedData, error) {
	debug.Print("load %s: reading %s (vault: %s)\n", name, path, fs.vaultID)

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) SaveBackup(backupPath string, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}

	backupPath, err := fs.resolveBackupPath(backupPath)
	if err != nil {
		return err
	}

	if stat, err := os.Stat(backupPath); err == nil && stat.IsDir() {
		return fmt.Errorf("cannot create backup file %s: path is an existing directory", backupPath)
	}

	if err = fs.validateBackupPath(backupPath); err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(backupPath), DirPermissions); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	if container.VaultID == "" {
		container.VaultID = fs.vaultID
	}

	containerData, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	debug.Print("SaveBackup: writing %s\n", backupPath)

	if err = writeSecureFile(backupPath, containerData, FilePermissions); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	return nil
}

// resolveBackupPath places bare names under the backups directory and adds the .vault extension
func (fs *FileSystemStore) resolveBackupPath(backupPath string) (string, error) {
	backupPath = strings.TrimSpace(backupPath)

	if backupPath == "" {
		return "", fmt.Errorf("backup path cannot be empty or whitespace-only")
	}
	if strings.ContainsAny(backupPath, "\x00") {
		return "", fmt.Errorf("backup path contains invalid characters")
	}

	backupPath = filepath.Clean(backupPath)
	if !filepath.IsAbs(backupPath) && !strings.Contains(backupPath, string(os.PathSeparator)) {
		backupPath = filepath.Join(fs.backupsDir, backupPath)
	}
	if !strings.HasSuffix(backupPath, backupExt) {
		backupPath += backupExt
	}
	return backupPath, nil
}

func (fs *FileSystemStore) validateBackupPath(backupPath string) error {
	if len(backupPath) > 4096 {
		return fmt.Errorf("path too long (max 4096 characters)")
	}

	cleanPath := filepath.Clean(backupPath)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal")
	}

	if runtime.GOOS == "windows" {
		upperPath := strings.ToUpper(cleanPath)
		for _, sysPath := range []string{"C:\\WINDOWS\\", "C:\\PROGRAM FILES\\", "C:\\PROGRAM FILES (X86)\\"} {
			if strings.HasPrefix(upperPath, sysPath) {
				return fmt.Errorf("cannot create backup in system directory")
			}
		}
		return nil
	}

	for _, sysPath := range []string{"/etc/", "/bin/", "/sbin/", "/usr/bin/", "/usr/sbin/", "/boot/"} {
		if strings.HasPrefix(cleanPath, sysPath) {
			return fmt.Errorf("cannot create backup in system directory")
		}
	}
	return nil
}

func (fs *FileSystemStore) RestoreBackup(backupPath string) (*BackupContainer, error) {
	fullPath, err := fs.resolveBackupPath(backupPath)
	if err != nil {
		return nil, err
	}

	debug.Print("RestoreBackup: looking for backup file at %s\n", fullPath)

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup %s: %w", backupPath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup file: %w", err)
	}

	if err = validateBackupContainer(&container); err != nil {
		return nil, fmt.Errorf("invalid backup file: %w", err)
	}

	return &container, nil
}

func (fs *FileSystemStore) DeleteBackup(backupID string) error {
	containers, err := fs.readBackupDir()
	if err != nil {
		return err
	}

	for _, c := range containers {
		if c.container.BackupID == backupID {
			if err = os.Remove(c.path); err != nil {
				return fmt.Errorf("failed to delete backup file %s: %w", filepath.Base(c.path), err)
			}
			return nil
		}
	}

	return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
}

func (fs *FileSystemStore) ListBackups() ([]BackupInfo, error) {
	containers, err := fs.readBackupDir()
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(containers))
	for _, c := range containers {
		info := backupInfoFromContainer(&c.container)
		info.FileSize = c.size
		info.StorePath = filepath.Base(c.path)
		if verr := validateBackupContainer(&c.container); verr != nil {
			debug.Print("ListBackups: backup %s is invalid: %v\n", info.StorePath, verr)
		}
		backups = append(backups, info)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

type backupFile struct {
	path      string
	size      int64
	container BackupContainer
}

func (fs *FileSystemStore) readBackupDir() ([]backupFile, error) {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var files []backupFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExt) {
			continue
		}

		path := filepath.Join(fs.backupsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			debug.Print("backups: failed to read %s: %v\n", entry.Name(), err)
			continue
		}

		var container BackupContainer
		if err = json.Unmarshal(data, &container); err != nil {
			debug.Print("backups: failed to parse %s: %v\n", entry.Name(), err)
			continue
		}

		files = append(files, backupFile{path: path, size: int64(len(data)), container: container})
	}
	return files, nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.vaultPath)
	return err
}

// Close records the last access time in the layout descriptor
func (fs *FileSystemStore) Close() error {
	configData, err := os.ReadFile(fs.vaultConfig)
	if err != nil {
		return nil
	}
	var config VaultConfig
	if err = json.Unmarshal(configData, &config); err != nil {
		return nil
	}
	config.LastAccess = time.Now().UTC()
	updated, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil
	}
	return writeSecureFile(fs.vaultConfig, updated, FilePermissions)
}

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// writeSecureFile writes data to a temp file in the target directory, syncs it and renames it over path
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// shredFile zeroes a file in place and removes it; a missing file is not an error
func shredFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", filepath.Base(path), err)
	}

	if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
		_, _ = f.Write(make([]byte, info.Size()))
		_ = f.Sync()
		_ = f.Close()
	}

	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
