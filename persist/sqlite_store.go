package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	recordSettings = "settings"
	recordDocument = "vault"

	sqliteTimeout = 5 * time.Second
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS vault_records (
		vault_id   TEXT    NOT NULL,
		name       TEXT    NOT NULL,
		data       BLOB    NOT NULL,
		version    TEXT    NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (vault_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS vault_backups (
		vault_id   TEXT    NOT NULL,
		path       TEXT    NOT NULL,
		backup_id  TEXT    NOT NULL,
		container  BLOB    NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (vault_id, path)
	)`,
}

// SQLiteStore keeps the vault records as rows of an embedded SQLite database
type SQLiteStore struct {
	db      *sql.DB
	ownsDB  bool
	vaultID string
}

// NewSQLiteStore opens (or creates) the database at dsn and applies the schema
func NewSQLiteStore(dsn string, vaultID string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStoreWithDB(db, vaultID)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStoreWithDB uses an existing connection; Close leaves it open
func NewSQLiteStoreWithDB(db *sql.DB, vaultID string) (*SQLiteStore, error) {
	if vaultID == "" {
		vaultID = "default"
	}
	if err := validateVaultID(vaultID); err != nil {
		return nil, fmt.Errorf("invalid vault ID: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, vaultID: vaultID}, nil
}

// NewSQLiteStoreFromConfig reads dsn from a generic store config
func NewSQLiteStoreFromConfig(config StoreConfig, vaultID string) (*SQLiteStore, error) {
	dsn, ok := config.Config["dsn"].(string)
	if !ok || dsn == "" {
		return nil, fmt.Errorf("dsn is required for sqlite store")
	}
	return NewSQLiteStore(dsn, vaultID)
}

func (s *SQLiteStore) SaveSettings(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("settings cannot be empty")
	}
	return s.putRecord(recordSettings, "SaveSettings", data, expectedVersion)
}

func (s *SQLiteStore) LoadSettings() (*VersionedData, error) {
	return s.getRecord(recordSettings)
}

func (s *SQLiteStore) SettingsExist() (bool, error) {
	return s.recordExists(recordSettings)
}

func (s *SQLiteStore) SaveDocument(token []byte, expectedVersion string) (string, error) {
	if len(token) == 0 {
		return "", fmt.Errorf("document cannot be empty")
	}
	return s.putRecord(recordDocument, "SaveDocument", token, expectedVersion)
}

func (s *SQLiteStore) LoadDocument() (*VersionedData, error) {
	return s.getRecord(recordDocument)
}

func (s *SQLiteStore) DocumentExists() (bool, error) {
	return s.recordExists(recordDocument)
}

func (s *SQLiteStore) Wipe() error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	// zero the blobs first so freed pages do not keep the old bytes
	if _, err := s.db.ExecContext(ctx,
		`UPDATE vault_records SET data = zeroblob(length(data)) WHERE vault_id = ?`, s.vaultID); err != nil {
		return fmt.Errorf("zero vault records: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vault_records WHERE vault_id = ?`, s.vaultID); err != nil {
		return fmt.Errorf("delete vault records: %w", err)
	}
	return nil
}

func (s *SQLiteStore) putRecord(name, operation string, data []byte, expectedVersion string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin %s: %w", operation, err)
	}
	defer func() { _ = tx.Rollback() }()

	if expectedVersion != "" {
		var current string
		err = tx.QueryRowContext(ctx,
			`SELECT version FROM vault_records WHERE vault_id = ? AND name = ?`,
			s.vaultID, name).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       operation,
			}
		}
	}

	version := calculateFileVersion(data)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO vault_records (vault_id, name, data, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(vault_id, name) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		s.vaultID, name, data, version, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("upsert %s record: %w", name, err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit %s: %w", operation, err)
	}
	return version, nil
}

func (s *SQLiteStore) getRecord(name string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	var (
		data      []byte
		version   string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM vault_records WHERE vault_id = ? AND name = ?`,
		s.vaultID, name,
	).Scan(&data, &version, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s record: %w", name, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   version,
		Timestamp: time.Unix(0, updatedAt).UTC(),
	}, nil
}

func (s *SQLiteStore) recordExists(name string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM vault_records WHERE vault_id = ? AND name = ?`,
		s.vaultID, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check %s record: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) SaveBackup(backupPath string, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}
	if backupPath == "" {
		return fmt.Errorf("backup path cannot be empty")
	}
	if container.VaultID == "" {
		container.VaultID = s.vaultID
	}

	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vault_backups (vault_id, path, backup_id, container, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(vault_id, path) DO UPDATE SET
			backup_id = excluded.backup_id,
			container = excluded.container,
			created_at = excluded.created_at`,
		s.vaultID, backupPath, container.BackupID, data, container.BackupTimestamp.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RestoreBackup(backupPath string) (*BackupContainer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT container FROM vault_backups WHERE vault_id = ? AND path = ?`,
		s.vaultID, backupPath).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("backup %s: %w", backupPath, ErrNotFound)
		}
		return nil, fmt.Errorf("get backup: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	if err = validateBackupContainer(&container); err != nil {
		return nil, fmt.Errorf("invalid backup: %w", err)
	}
	return &container, nil
}

func (s *SQLiteStore) ListBackups() ([]BackupInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, container FROM vault_backups WHERE vault_id = ? ORDER BY created_at DESC`,
		s.vaultID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	backups := make([]BackupInfo, 0)
	for rows.Next() {
		var (
			path string
			data []byte
		)
		if err = rows.Scan(&path, &data); err != nil {
			return nil, fmt.Errorf("scan backup row: %w", err)
		}

		var container BackupContainer
		if err = json.Unmarshal(data, &container); err != nil {
			continue
		}

		info := backupInfoFromContainer(&container)
		info.FileSize = int64(len(data))
		info.StorePath = path
		backups = append(backups, info)
	}
	return backups, rows.Err()
}

func (s *SQLiteStore) DeleteBackup(backupID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM vault_backups WHERE vault_id = ? AND backup_id = ?`, s.vaultID, backupID)
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) GetType() string {
	return string(StoreTypeSQLite)
}
