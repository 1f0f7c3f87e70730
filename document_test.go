package provisionkey

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

func TestGetVaultData_EmptyWhenAbsent(t *testing.T) {
	v, env := newUnlockedVault(t)

	exists, err := env.store.DocumentExists()
	require.NoError(t, err)
	require.False(t, exists)

	doc, err := v.GetVaultData()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
	assert.NotNil(t, doc.Entries)
	assert.Empty(t, doc.Entries)
}

func TestGetVaultData_DecryptFailureIsHard(t *testing.T) {
	v, env := newUnlockedVault(t)
	_, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"tampered", "AAAAAAAAAAAAAAAA:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.store.SaveDocument([]byte(tt.token), "")
			require.NoError(t, err)

			_, err = v.GetVaultData()
			assert.ErrorIs(t, err, ErrDecryption)

			_, err = v.AddEntry(ledgerEntry())
			assert.ErrorIs(t, err, ErrDecryption, "a mutation must not overwrite undecryptable data")

			stored, err := env.store.LoadDocument()
			require.NoError(t, err)
			assert.Equal(t, tt.token, string(stored.Data))
		})
	}
}

func TestDocument_StoredAsCipherToken(t *testing.T) {
	v, env := newUnlockedVault(t)
	_, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)

	stored, err := env.store.LoadDocument()
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Data), "abandon")
	assert.NotContains(t, string(stored.Data), "Ledger")
	assert.Regexp(t, `^[A-Za-z0-9+/=]+:[A-Za-z0-9+/=]+$`, string(stored.Data))
}

func TestAddEntry(t *testing.T) {
	v, _ := newUnlockedVault(t)

	entry, err := v.AddEntry(EntryInput{
		Name:  "  Coinbase  ",
		Type:  EntryTypeExchange,
		Notes: "2FA on phone",
		Fields: []Field{
			{Label: "Email", Value: "me@example.com"},
			{Label: "Password", Value: "hunter2", Sensitive: true},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "Coinbase", entry.Name)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.Equal(t, entry.CreatedAt, entry.UpdatedAt)

	doc, err := v.GetVaultData()
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, *entry, doc.Entries[0])
}

func TestAddEntry_Validation(t *testing.T) {
	v, _ := newUnlockedVault(t)

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name string
		in   EntryInput
	}{
		{"missing name", EntryInput{Type: EntryTypeOther}},
		{"blank name", EntryInput{Name: "   ", Type: EntryTypeOther}},
		{"name too long", EntryInput{Name: string(long), Type: EntryTypeOther}},
		{"unknown type", EntryInput{Name: "x", Type: "bank"}},
		{"field without label", EntryInput{Name: "x", Type: EntryTypeOther, Fields: []Field{{Value: "v"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.AddEntry(tt.in)
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}

	doc, err := v.GetVaultData()
	require.NoError(t, err)
	assert.Empty(t, doc.Entries)
}

func TestAddEntry_IDs(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	env := newTestEnv(t)
	store, err := persist.NewFileSystemStore(env.dir, testVault)
	require.NoError(t, err)
	v, err := NewWithStore(Options{VaultID: testVault, Clock: func() time.Time { return fixed }}, store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	require.NoError(t, v.Setup(testPIN))

	first, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)
	second, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)
	third, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)

	assert.Equal(t, "1772366400000", first.ID)
	assert.Equal(t, "1772366400000-1", second.ID)
	assert.Equal(t, "1772366400000-2", third.ID)
	assert.Equal(t, fixed, first.CreatedAt)
}

func TestUpdateEntry(t *testing.T) {
	v, _ := newUnlockedVault(t)

	entry, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)

	in := ledgerEntry()
	in.Name = "Ledger Nano X"
	in.Notes = "in the safe"
	updated, err := v.UpdateEntry(entry.ID, in)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, updated.ID)
	assert.Equal(t, "Ledger Nano X", updated.Name)
	assert.Equal(t, entry.CreatedAt, updated.CreatedAt)
	assert.False(t, updated.UpdatedAt.Before(entry.UpdatedAt))

	got, err := v.GetEntry(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "in the safe", got.Notes)

	_, err = v.UpdateEntry("missing", in)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestDeleteEntry(t *testing.T) {
	v, env := newUnlockedVault(t)

	a, err := v.AddEntry(ledgerEntry())
	require.NoError(t, err)
	b, err := v.AddEntry(EntryInput{Name: "Trezor", Type: EntryTypeHardwareWallet})
	require.NoError(t, err)

	require.NoError(t, v.DeleteEntry(a.ID))

	doc, err := v.GetVaultData()
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, b.ID, doc.Entries[0].ID)

	_, err = v.GetEntry(a.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	// unknown ids are a silent no-op and do not rewrite the document
	before, err := env.store.LoadDocument()
	require.NoError(t, err)
	require.NoError(t, v.DeleteEntry("missing"))
	after, err := env.store.LoadDocument()
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestSaveVaultData(t *testing.T) {
	v, _ := newUnlockedVault(t)

	now := time.Now().UTC().Truncate(time.Second)
	doc := &Document{
		Version: 1,
		Entries: []Entry{
			{ID: "1", Name: "Metamask", Type: EntryTypeSoftwareWallet, CreatedAt: now, UpdatedAt: now},
			{ID: "2", Name: "Steel plate", Type: EntryTypeSeedBackup, CreatedAt: now, UpdatedAt: now},
		},
	}
	require.NoError(t, v.SaveVaultData(doc))

	got, err := v.GetVaultData()
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	// callers keep ownership of what they pass in
	doc.Entries[0].Name = "changed"
	got, err = v.GetVaultData()
	require.NoError(t, err)
	assert.Equal(t, "Metamask", got.Entries[0].Name)

	assert.ErrorIs(t, v.SaveVaultData(&Document{Entries: []Entry{{ID: "x", Type: "nope", Name: "x"}}}), ErrInvalidEntry)
	assert.Error(t, v.SaveVaultData(nil))
}

func TestDocumentJSON(t *testing.T) {
	doc := newDocument()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"entries":[]}`, string(raw))

	parsed, err := parseDocument([]byte(`{"entries":null}`))
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.Version)
	assert.NotNil(t, parsed.Entries)

	_, err = parseDocument([]byte(`{"version":2,"entries":[]}`))
	assert.Error(t, err)

	_, err = parseDocument([]byte(`not json`))
	assert.ErrorIs(t, err, ErrDecryption)
}
