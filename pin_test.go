package provisionkey

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

var errInjected = errors.New("injected store failure")

// faultyStore fails selected writes of the wrapped store
type faultyStore struct {
	persist.Store
	failSettings bool
	failDocument bool
}

func (f *faultyStore) SaveSettings(data []byte, expectedVersion string) (string, error) {
	if f.failSettings {
		return "", errInjected
	}
	return f.Store.SaveSettings(data, expectedVersion)
}

func (f *faultyStore) SaveDocument(token []byte, expectedVersion string) (string, error) {
	if f.failDocument {
		return "", errInjected
	}
	return f.Store.SaveDocument(token, expectedVersion)
}

func TestChangePIN_PreservesContent(t *testing.T) {
	v, env := newUnlockedVault(t)
	_, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)
	_, err = v.AddEntry(EntryInput{Name: "Kraken", Type: EntryTypeExchange})
	require.NoError(t, err)

	before, err := v.GetVaultData()
	require.NoError(t, err)
	oldSalt := loadTestSettings(t, v).Salt

	require.NoError(t, v.ChangePIN(testPIN, newPIN))
	assert.Equal(t, StateUnlocked, v.State())
	assert.NotEqual(t, oldSalt, loadTestSettings(t, v).Salt, "salt is never reused")

	v.Lock()
	_, err = v.UnlockWithPIN(testPIN)
	assert.ErrorIs(t, err, ErrWrongPIN)

	_, err = v.UnlockWithPIN(newPIN)
	require.NoError(t, err)

	after, err := v.GetVaultData()
	require.NoError(t, err)
	assert.Equal(t, before.Entries, after.Entries)

	// a new session sees the same thing
	session := env.open(t)
	_, err = session.UnlockWithPIN(newPIN)
	require.NoError(t, err)
	doc, err := session.GetVaultData()
	require.NoError(t, err)
	assert.Equal(t, before.Entries, doc.Entries)
}

func TestChangePIN_Errors(t *testing.T) {
	t.Run("wrong current PIN", func(t *testing.T) {
		v, _ := newUnlockedVault(t)
		assert.ErrorIs(t, v.ChangePIN(wrongPIN, newPIN), ErrInvalidCurrentPin)
		assert.Equal(t, 0, loadTestSettings(t, v).FailedAttempts)

		v.Lock()
		_, err := v.UnlockWithPIN(testPIN)
		assert.NoError(t, err)
	})

	t.Run("invalid new PIN", func(t *testing.T) {
		v, _ := newUnlockedVault(t)
		assert.ErrorIs(t, v.ChangePIN(testPIN, "12"), ErrInvalidPIN)
	})

	t.Run("locked", func(t *testing.T) {
		v, _ := newUnlockedVault(t)
		v.Lock()
		assert.ErrorIs(t, v.ChangePIN(testPIN, newPIN), ErrVaultLocked)
	})

	t.Run("not set up", func(t *testing.T) {
		v := newTestEnv(t).open(t)
		assert.ErrorIs(t, v.ChangePIN(testPIN, newPIN), ErrSetupRequired)
	})
}

func TestChangePIN_KeepsPolicy(t *testing.T) {
	ctx := context.Background()
	v, env := newUnlockedVault(t)
	require.NoError(t, v.SetMaxFailedAttempts(20))
	require.NoError(t, v.SetBiometricEnabled(ctx, true))

	require.NoError(t, v.ChangePIN(testPIN, newPIN))

	s := loadTestSettings(t, v)
	assert.Equal(t, 20, s.MaxFailedAttempts)
	assert.True(t, s.BiometricEnabled)

	// the escrow now holds the new key
	v.Lock()
	result, err := v.UnlockBiometric(ctx)
	require.NoError(t, err)
	assert.Equal(t, BiometricUnlocked, result)
	assert.Positive(t, env.auth.prompts)
}

func TestChangePIN_RollbackOnSettingsFailure(t *testing.T) {
	env := newTestEnv(t)
	store := &faultyStore{Store: env.store}
	v, err := NewWithStore(Options{VaultID: testVault}, store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	require.NoError(t, v.Setup(testPIN))
	_, err = v.AddEntry(ledgerEntry())
	require.NoError(t, err)

	store.failSettings = true
	err = v.ChangePIN(testPIN, newPIN)
	require.ErrorIs(t, err, errInjected)
	store.failSettings = false

	// the old PIN still opens the old content
	doc, err := v.GetVaultData()
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)

	v.Lock()
	_, err = v.UnlockWithPIN(testPIN)
	require.NoError(t, err)
	doc, err = v.GetVaultData()
	require.NoError(t, err)
	assert.Len(t, doc.Entries, 1)
}

func TestChangePIN_DocumentFailureLeavesVaultIntact(t *testing.T) {
	env := newTestEnv(t)
	store := &faultyStore{Store: env.store}
	v, err := NewWithStore(Options{VaultID: testVault}, store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	require.NoError(t, v.Setup(testPIN))
	_, err = v.AddEntry(ledgerEntry())
	require.NoError(t, err)

	store.failDocument = true
	require.ErrorIs(t, v.ChangePIN(testPIN, newPIN), errInjected)
	store.failDocument = false

	v.Lock()
	_, err = v.UnlockWithPIN(testPIN)
	require.NoError(t, err)
	doc, err := v.GetVaultData()
	require.NoError(t, err)
	assert.Len(t, doc.Entries, 1)
}
