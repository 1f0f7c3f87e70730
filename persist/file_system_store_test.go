package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), testVaultID)
	require.NoError(t, err)
	defer store.Close()

	testStoreImplementation(t, store)
}

func TestFileSystemStorePermissions(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileSystemStore(base, testVaultID)
	require.NoError(t, err)

	_, err = store.SaveSettings([]byte(`{"salt":"aa"}`), "")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(base, testVaultID, "settings.json"))
	require.NoError(t, err)
	assert.Equal(t, FilePermissions, info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Join(base, testVaultID))
	require.NoError(t, err)
	assert.Equal(t, DirPermissions, dirInfo.Mode().Perm())

	// no temp files are left behind after an atomic write
	entries, err := os.ReadDir(filepath.Join(base, testVaultID))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestFileSystemStoreDefaultVaultID(t *testing.T) {
	base := t.TempDir()
	_, err := NewFileSystemStore(base, "")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(base, "default", "vault.json"))
	assert.NoError(t, err)

	_, err = NewFileSystemStore(base, "../outside")
	assert.Error(t, err)
}

func TestFileSystemStoreBackupPaths(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileSystemStore(base, testVaultID)
	require.NoError(t, err)

	require.NoError(t, store.SaveBackup("nightly", newTestBackup("b-1")))
	_, err = os.Stat(filepath.Join(base, testVaultID, "backups", "nightly.vault"))
	assert.NoError(t, err)

	external := filepath.Join(t.TempDir(), "exported.vault")
	require.NoError(t, store.SaveBackup(external, newTestBackup("b-2")))
	restored, err := store.RestoreBackup(external)
	require.NoError(t, err)
	assert.Equal(t, "b-2", restored.BackupID)

	assert.Error(t, store.SaveBackup("   ", newTestBackup("b-3")))
	assert.Error(t, store.SaveBackup("/etc/provisionkey/evil", newTestBackup("b-4")))
}
