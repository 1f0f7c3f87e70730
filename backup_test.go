package provisionkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const backupPassphrase = "this-is-a-secure-passphrase-for-testing"

func TestVaultBackup(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"BackupSuccessful", testBackupSuccessful},
		{"BackupEmptyVault", testBackupEmptyVault},
		{"BackupRequiresUnlock", testBackupRequiresUnlock},
		{"BackupRejectsWeakPassphrase", testBackupRejectsWeakPassphrase},
		{"RestoreReplacesDocument", testRestoreReplacesDocument},
		{"RestoreWrongPassphrase", testRestoreWrongPassphrase},
		{"RestoreAfterPINChange", testRestoreAfterPINChange},
		{"ListAndDeleteBackups", testListAndDeleteBackups},
		{"WipeKeepsBackupsByDefault", testWipeKeepsBackupsByDefault},
		{"SelfDestructRemovesBackupsWhenConfigured", testSelfDestructRemovesBackupsWhenConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testBackupSuccessful(t *testing.T) {
	v, _ := newUnlockedVault(t)
	_, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)

	info, err := v.Backup("weekly", backupPassphrase)
	require.NoError(t, err)
	assert.NotEmpty(t, info.BackupID)
	assert.Equal(t, 1, info.EntryCount)
	assert.Equal(t, 1, info.DocumentVersion)
	assert.Equal(t, testVault, info.VaultID)
	assert.True(t, info.IsValid)
}

func testBackupEmptyVault(t *testing.T) {
	v, _ := newUnlockedVault(t)

	info, err := v.Backup("empty", backupPassphrase)
	require.NoError(t, err)
	assert.Equal(t, 0, info.EntryCount)
}

func testBackupRequiresUnlock(t *testing.T) {
	v, _ := newUnlockedVault(t)
	v.Lock()

	_, err := v.Backup("weekly", backupPassphrase)
	assert.ErrorIs(t, err, ErrVaultLocked)
	assert.ErrorIs(t, v.Restore("weekly", backupPassphrase), ErrVaultLocked)
}

func testBackupRejectsWeakPassphrase(t *testing.T) {
	v, _ := newUnlockedVault(t)

	_, err := v.Backup("weekly", "short")
	assert.Error(t, err)

	_, err = v.Backup("", backupPassphrase)
	assert.Error(t, err)
}

func testRestoreReplacesDocument(t *testing.T) {
	v, _ := newUnlockedVault(t)
	_, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)

	_, err = v.Backup("snapshot", backupPassphrase)
	require.NoError(t, err)

	_, err = v.AddEntry(EntryInput{Name: "After", Type: EntryTypeOther})
	require.NoError(t, err)

	require.NoError(t, v.Restore("snapshot", backupPassphrase))

	doc, err := v.GetVaultData()
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, "Ledger", doc.Entries[0].Name)
}

func testRestoreWrongPassphrase(t *testing.T) {
	v, _ := newUnlockedVault(t)
	_, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)
	_, err = v.Backup("snapshot", backupPassphrase)
	require.NoError(t, err)

	err = v.Restore("snapshot", "not-the-passphrase")
	assert.ErrorIs(t, err, ErrDecryption)

	doc, err := v.GetVaultData()
	require.NoError(t, err)
	assert.Len(t, doc.Entries, 1)
}

func testRestoreAfterPINChange(t *testing.T) {
	v, _ := newUnlockedVault(t)
	_, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)
	_, err = v.Backup("snapshot", backupPassphrase)
	require.NoError(t, err)

	require.NoError(t, v.ChangePIN(testPIN, newPIN))
	require.NoError(t, v.Restore("snapshot", backupPassphrase))

	v.Lock()
	_, err = v.UnlockWithPIN(newPIN)
	require.NoError(t, err)
	doc, err := v.GetVaultData()
	require.NoError(t, err)
	assert.Len(t, doc.Entries, 1)
}

func testListAndDeleteBackups(t *testing.T) {
	v, _ := newUnlockedVault(t)

	first, err := v.Backup("one", backupPassphrase)
	require.NoError(t, err)
	_, err = v.Backup("two", backupPassphrase)
	require.NoError(t, err)

	backups, err := v.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	require.NoError(t, v.DeleteBackup(first.BackupID))

	backups, err = v.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.NotEqual(t, first.BackupID, backups[0].BackupID)

	assert.Error(t, v.DeleteBackup(first.BackupID))
}

func testWipeKeepsBackupsByDefault(t *testing.T) {
	v, _ := newUnlockedVault(t)
	_, err := v.Backup("weekly", backupPassphrase)
	require.NoError(t, err)

	require.NoError(t, v.Wipe())

	backups, err := v.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func testSelfDestructRemovesBackupsWhenConfigured(t *testing.T) {
	env := newTestEnv(t)
	v, err := NewWithStore(Options{VaultID: testVault, WipeBackups: true}, env.store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	require.NoError(t, v.Setup(testPIN))
	require.NoError(t, v.SetMaxFailedAttempts(5))
	for _, name := range []string{"monday", "tuesday"} {
		_, err = v.Backup(name, backupPassphrase)
		require.NoError(t, err)
	}
	v.Lock()

	for i := 0; i < 5; i++ {
		_, err = v.UnlockWithPIN(wrongPIN)
	}
	require.ErrorIs(t, err, ErrWiped)

	backups, err := v.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}
