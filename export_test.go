package provisionkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImport_RoundTrip(t *testing.T) {
	src, _ := newUnlockedVault(t)
	_, err := src.AddEntry(ledgerEntry())
	require.NoError(t, err)

	bundle, err := src.ExportVault()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(string(bundle))
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "provisionkey-export", decoded["format"])
	assert.NotContains(t, string(raw), "abandon")

	dst := newTestEnv(t).open(t)
	require.NoError(t, dst.ImportVault(bundle, testPIN))
	assert.Equal(t, StateUnlocked, dst.State())

	doc, err := dst.GetVaultData()
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, "Ledger", doc.Entries[0].Name)

	dst.Lock()
	_, err = dst.UnlockWithPIN(testPIN)
	require.NoError(t, err)
}

func TestExport_EmptyVault(t *testing.T) {
	src, _ := newUnlockedVault(t)

	bundle, err := src.ExportVault()
	require.NoError(t, err)

	dst := newTestEnv(t).open(t)
	require.NoError(t, dst.ImportVault(bundle, testPIN))
	doc, err := dst.GetVaultData()
	require.NoError(t, err)
	assert.Empty(t, doc.Entries)
}

func TestImport_WrongPINLeavesLocalState(t *testing.T) {
	src, _ := newUnlockedVault(t)
	bundle, err := src.ExportVault()
	require.NoError(t, err)

	dst, _ := newUnlockedVault(t)
	_, err = dst.AddEntry(EntryInput{Name: "Local", Type: EntryTypeOther})
	require.NoError(t, err)
	before := loadTestSettings(t, dst)

	assert.ErrorIs(t, dst.ImportVault(bundle, wrongPIN), ErrWrongPIN)

	after := loadTestSettings(t, dst)
	assert.Equal(t, before, after, "a wrong import PIN does not count and changes nothing")

	doc, err := dst.GetVaultData()
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, "Local", doc.Entries[0].Name)
}

func TestImport_ReplacesExistingVault(t *testing.T) {
	ctx := context.Background()

	src, _ := newUnlockedVault(t)
	_, err := src.AddEntry(ledgerEntry())
	require.NoError(t, err)
	bundle, err := src.ExportVault()
	require.NoError(t, err)

	dst, env := newUnlockedVault(t)
	require.NoError(t, dst.SetMaxFailedAttempts(15))
	require.NoError(t, dst.SetBiometricEnabled(ctx, true))
	dst.Lock()
	_, err = dst.UnlockWithPIN(wrongPIN)
	require.Error(t, err)

	require.NoError(t, dst.ImportVault(bundle, testPIN))

	s := loadTestSettings(t, dst)
	assert.Equal(t, 0, s.FailedAttempts)
	assert.Equal(t, 15, s.MaxFailedAttempts, "local threshold is kept")
	assert.False(t, s.BiometricEnabled)

	escrowed, err := env.escrow.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, escrowed)

	doc, err := dst.GetVaultData()
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
}

func TestImport_RejectsMalformedBundles(t *testing.T) {
	src, _ := newUnlockedVault(t)
	good, err := src.ExportVault()
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(string(good))
	require.NoError(t, err)

	mutate := func(fn func(m map[string]interface{})) []byte {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &m))
		fn(m)
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return []byte(base64.StdEncoding.EncodeToString(out))
	}

	tests := []struct {
		name   string
		bundle []byte
	}{
		{"not base64", []byte("%%%")},
		{"not json", []byte(base64.StdEncoding.EncodeToString([]byte("nope")))},
		{"wrong format", mutate(func(m map[string]interface{}) { m["format"] = "other" })},
		{"wrong version", mutate(func(m map[string]interface{}) { m["version"] = 7 })},
		{"missing vault", mutate(func(m map[string]interface{}) { delete(m, "vault") })},
		{"bad salt", mutate(func(m map[string]interface{}) { m["salt"] = "zz" })},
		{"tampered vault", mutate(func(m map[string]interface{}) {
			m["vault"] = "AAAAAAAAAAAAAAAA:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := newTestEnv(t).open(t)
			assert.Error(t, dst.ImportVault(tt.bundle, testPIN))
			assert.Equal(t, StateUninitialized, dst.State())
		})
	}
}
