package persist

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-james-bridges/provisionkey/internal/crypto"
)

const testVaultID = "test-vault"

func newTestBackup(id string) *BackupContainer {
	payload := []byte("encrypted-document-payload-" + id)
	return &BackupContainer{
		BackupID:         id,
		BackupTimestamp:  time.Now().UTC(),
		DocumentVersion:  1,
		BackupVersion:    "1.0.0",
		EncryptionMethod: "PBKDF2-SHA256+ChaCha20-Poly1305",
		EncryptedData:    base64.StdEncoding.EncodeToString(payload),
		Checksum:         crypto.CalculateChecksum(payload),
		EntryCount:       2,
	}
}

// testStoreImplementation runs the behaviour every Store backend must share
func testStoreImplementation(t *testing.T, store Store) {
	settings := []byte(`{"salt":"00","pinHash":"11","failedAttempts":0,"maxFailedAttempts":10}`)
	document := []byte("bm9uY2U=:Y2lwaGVydGV4dA==")

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(), "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType(), "Store type should not be empty")
	})

	t.Run("EmptyStore", func(t *testing.T) {
		exists, err := store.SettingsExist()
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = store.LoadSettings()
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.LoadDocument()
		assert.ErrorIs(t, err, ErrNotFound)
	})

	var settingsVersion string
	t.Run("SaveSettings", func(t *testing.T) {
		version, err := store.SaveSettings(settings, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version)
		settingsVersion = version
	})

	t.Run("LoadSettings", func(t *testing.T) {
		vd, err := store.LoadSettings()
		require.NoError(t, err)
		assert.Equal(t, settings, vd.Data)
		assert.Equal(t, settingsVersion, vd.Version)
		assert.False(t, vd.Timestamp.IsZero(), "Timestamp should be set")

		exists, err := store.SettingsExist()
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("SaveSettingsVersionConflict", func(t *testing.T) {
		_, err := store.SaveSettings([]byte(`{"changed":true}`), "stale-version")
		require.Error(t, err)

		var concErr ConcurrencyError
		require.True(t, errors.As(err, &concErr))
		assert.True(t, concErr.IsConcurrencyError())
		assert.Equal(t, "stale-version", concErr.ExpectedVersion)

		vd, err := store.LoadSettings()
		require.NoError(t, err)
		assert.Equal(t, settings, vd.Data, "conflicting write must not land")
	})

	t.Run("SaveSettingsWithMatchingVersion", func(t *testing.T) {
		updated := []byte(`{"salt":"00","pinHash":"11","failedAttempts":1,"maxFailedAttempts":10}`)
		version, err := store.SaveSettings(updated, settingsVersion)
		require.NoError(t, err)
		assert.NotEqual(t, settingsVersion, version)
		settingsVersion = version

		vd, err := store.LoadSettings()
		require.NoError(t, err)
		assert.Equal(t, updated, vd.Data)
	})

	t.Run("SaveEmptySettings", func(t *testing.T) {
		_, err := store.SaveSettings(nil, "")
		assert.Error(t, err)
	})

	t.Run("SaveAndLoadDocument", func(t *testing.T) {
		version, err := store.SaveDocument(document, "")
		require.NoError(t, err)

		vd, err := store.LoadDocument()
		require.NoError(t, err)
		assert.Equal(t, document, vd.Data)
		assert.Equal(t, version, vd.Version)

		exists, err := store.DocumentExists()
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("ConcurrentSaves", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = store.SaveDocument(document, "")
			}()
		}
		wg.Wait()

		vd, err := store.LoadDocument()
		require.NoError(t, err)
		assert.Equal(t, document, vd.Data, "record must never be observed partially written")
	})

	t.Run("Backups", func(t *testing.T) {
		first := newTestBackup("backup-001")
		second := newTestBackup("backup-002")
		second.BackupTimestamp = first.BackupTimestamp.Add(time.Second)

		require.NoError(t, store.SaveBackup("first", first))
		require.NoError(t, store.SaveBackup("second", second))

		restored, err := store.RestoreBackup("first")
		require.NoError(t, err)
		assert.Equal(t, first.BackupID, restored.BackupID)
		assert.Equal(t, first.Checksum, restored.Checksum)
		assert.NotEmpty(t, restored.VaultID)

		backups, err := store.ListBackups()
		require.NoError(t, err)
		require.Len(t, backups, 2)
		assert.Equal(t, "backup-002", backups[0].BackupID, "newest backup first")
		for _, b := range backups {
			assert.True(t, b.IsValid)
			assert.Equal(t, 2, b.EntryCount)
		}

		require.NoError(t, store.DeleteBackup("backup-001"))
		assert.ErrorIs(t, store.DeleteBackup("backup-001"), ErrNotFound)

		_, err = store.RestoreBackup("first")
		assert.Error(t, err)

		backups, err = store.ListBackups()
		require.NoError(t, err)
		assert.Len(t, backups, 1)
	})

	t.Run("RestoreCorruptBackup", func(t *testing.T) {
		corrupt := newTestBackup("backup-corrupt")
		corrupt.Checksum = crypto.CalculateChecksum([]byte("something else"))
		require.NoError(t, store.SaveBackup("corrupt", corrupt))

		_, err := store.RestoreBackup("corrupt")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum mismatch")
	})

	t.Run("Wipe", func(t *testing.T) {
		require.NoError(t, store.Wipe())

		exists, err := store.SettingsExist()
		require.NoError(t, err)
		assert.False(t, exists)

		exists, err = store.DocumentExists()
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = store.LoadDocument()
		assert.ErrorIs(t, err, ErrNotFound)

		// backups survive a wipe
		backups, err := store.ListBackups()
		require.NoError(t, err)
		assert.NotEmpty(t, backups)

		assert.NoError(t, store.Wipe(), "wiping an empty store is not an error")
	})
}

func TestValidateVaultID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"default", false},
		{"my-vault_01", false},
		{"", true},
		{"../escape", true},
		{"a/b", true},
		{"with space", true},
		{string(make([]byte, 101)), true},
	}

	for _, tt := range tests {
		err := validateVaultID(tt.id)
		if tt.wantErr {
			assert.Error(t, err, "id %q", tt.id)
		} else {
			assert.NoError(t, err, "id %q", tt.id)
		}
	}
}

func TestNewStoreFactory(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": dir},
	}, testVaultID)
	require.NoError(t, err)
	assert.Equal(t, string(StoreTypeFileSystem), store.GetType())

	store, err = NewStore(StoreConfig{
		Type:   StoreTypeSQLite,
		Config: map[string]interface{}{"dsn": ":memory:"},
	}, testVaultID)
	require.NoError(t, err)
	assert.Equal(t, string(StoreTypeSQLite), store.GetType())
	require.NoError(t, store.Close())

	_, err = NewStore(StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{}}, testVaultID)
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{Type: "tape"}, testVaultID)
	assert.Error(t, err)
}
