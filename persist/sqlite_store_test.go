package persist

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", testVaultID)
	require.NoError(t, err)
	defer store.Close()

	testStoreImplementation(t, store)
}

func TestSQLiteStoreIsolatesVaults(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "vaults.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	first, err := NewSQLiteStoreWithDB(db, "first")
	require.NoError(t, err)
	second, err := NewSQLiteStoreWithDB(db, "second")
	require.NoError(t, err)

	_, err = first.SaveSettings([]byte(`{"salt":"01"}`), "")
	require.NoError(t, err)

	exists, err := second.SettingsExist()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, second.Wipe())
	exists, err = first.SettingsExist()
	require.NoError(t, err)
	assert.True(t, exists, "wiping one vault must not touch another")

	// Close on a borrowed connection leaves it usable
	require.NoError(t, first.Close())
	assert.NoError(t, db.Ping())
}

func TestSQLiteStoreFromConfig(t *testing.T) {
	_, err := NewSQLiteStoreFromConfig(StoreConfig{Type: StoreTypeSQLite, Config: map[string]interface{}{}}, testVaultID)
	assert.Error(t, err)

	store, err := NewSQLiteStoreFromConfig(StoreConfig{
		Type:   StoreTypeSQLite,
		Config: map[string]interface{}{"dsn": filepath.Join(t.TempDir(), "vault.db")},
	}, testVaultID)
	require.NoError(t, err)
	assert.NoError(t, store.Ping())
	assert.NoError(t, store.Close())
}
