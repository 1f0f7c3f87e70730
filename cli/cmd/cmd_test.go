package cmd

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-james-bridges/provisionkey"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

func runCLI(args ...string) error {
	rootCmd.SetArgs(args)
	return execute()
}

func openVaultAt(t *testing.T, dir string) *provisionkey.Vault {
	t.Helper()
	store, err := persist.NewFileSystemStore(dir, "default")
	require.NoError(t, err)
	v, err := provisionkey.NewWithStore(provisionkey.Options{}, store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestCommandFlow(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, "vault")

	withPIN := func(pin string, args ...string) []string {
		return append(args, "--vault-path", dir, "--pin", pin)
	}

	require.NoError(t, runCLI(withPIN("1234", "setup")...))

	err := runCLI(withPIN("1234", "setup")...)
	assert.ErrorIs(t, err, provisionkey.ErrAlreadySetup)

	require.NoError(t, runCLI(withPIN("1234", "entries", "add",
		"--name", "Ledger Nano S",
		"--type", "hardware-wallet",
		"--field", "location=desk",
		"--field", "seed!=safe deposit box")...))

	v := openVaultAt(t, dir)
	_, err = v.UnlockWithPIN("1234")
	require.NoError(t, err)
	doc, err := v.GetVaultData()
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, "Ledger Nano S", doc.Entries[0].Name)
	assert.Equal(t, provisionkey.EntryTypeHardwareWallet, doc.Entries[0].Type)
	require.Len(t, doc.Entries[0].Fields, 2)
	assert.True(t, doc.Entries[0].Fields[1].Sensitive)
	require.NoError(t, v.Close())

	err = runCLI(withPIN("9999", "entries", "list")...)
	assert.ErrorIs(t, err, provisionkey.ErrWrongPIN)
	var attempts *provisionkey.AttemptsError
	require.True(t, errors.As(err, &attempts))
	assert.Equal(t, 1, attempts.Failed)

	err = runCLI(withPIN("1234", "settings", "max-attempts", "7")...)
	assert.ErrorIs(t, err, provisionkey.ErrInvalidThreshold)

	require.NoError(t, runCLI(withPIN("1234", "settings", "max-attempts", "5")...))

	require.NoError(t, runCLI(withPIN("1234", "wipe", "--yes")...))

	v = openVaultAt(t, dir)
	ok, err := v.IsSetup()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"device=drawer", " seed! =a=b", "empty="})
	require.NoError(t, err)
	require.Len(t, fields, 3)

	assert.Equal(t, provisionkey.Field{Label: "device", Value: "drawer"}, fields[0])
	assert.Equal(t, provisionkey.Field{Label: "seed", Value: "a=b", Sensitive: true}, fields[1])
	assert.Equal(t, "", fields[2].Value)

	_, err = parseFields([]string{"no separator"})
	assert.Error(t, err)
}

func TestParseEntryType(t *testing.T) {
	got, err := parseEntryType(" Exchange ")
	require.NoError(t, err)
	assert.Equal(t, provisionkey.EntryTypeExchange, got)

	_, err = parseEntryType("bank")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed-backup")
}

func TestUnlockFailureMessage(t *testing.T) {
	msg := unlockFailureMessage(&provisionkey.AttemptsError{Failed: 8, Remaining: 2, Max: 10})
	assert.Contains(t, msg, "2 of 10 attempts remaining")
	assert.Contains(t, msg, "wiped when no attempts remain")

	msg = unlockFailureMessage(&provisionkey.AttemptsError{Failed: 1, Remaining: 9, Max: 10})
	assert.NotContains(t, msg, "wiped")

	msg = unlockFailureMessage(errors.Join(provisionkey.ErrWrongPIN, provisionkey.ErrWiped))
	assert.Contains(t, msg, "has been wiped")
}

func TestBiometricFailureMessage(t *testing.T) {
	denied := biometricFailureMessage(provisionkey.BiometricDenied)
	missing := biometricFailureMessage(provisionkey.BiometricNoEscrow)
	stale := biometricFailureMessage(provisionkey.BiometricStale)

	assert.Contains(t, denied, "cancelled or failed")
	assert.Contains(t, missing, "No key is stored")
	assert.Contains(t, stale, "was removed")
	assert.NotEqual(t, denied, missing)
	assert.NotEqual(t, missing, stale)
}

func TestConfirm(t *testing.T) {
	orig := stdin
	defer func() { stdin = orig }()

	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		stdin = strings.NewReader(tt.input)
		assert.Equal(t, tt.want, confirm("continue?"), "input %q", tt.input)
	}
}

func TestMaskSensitiveValues(t *testing.T) {
	config := map[string]interface{}{
		"vault": map[string]interface{}{
			"pin":  "1234",
			"path": "/tmp/v",
			"s3": map[string]interface{}{
				"secret_access_key": "s3cr3t",
				"bucket":            "b",
			},
		},
	}
	maskSensitiveValues(config)

	vault := config["vault"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", vault["pin"])
	assert.Equal(t, "/tmp/v", vault["path"])
	s3 := vault["s3"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", s3["secret_access_key"])
	assert.Equal(t, "b", s3["bucket"])
}

func TestValidateS3Config(t *testing.T) {
	err := validateS3Config(persist.S3Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault.s3.bucket")

	err = validateS3Config(persist.S3Config{Endpoint: "localhost:9000", Bucket: "b", AccessKeyID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret_access_key")

	assert.NoError(t, validateS3Config(persist.S3Config{Endpoint: "localhost:9000", Bucket: "b"}))
}

func TestFormatError(t *testing.T) {
	assert.Equal(t, "", formatError(nil))
	assert.Equal(t, "Error: Vault is locked", formatError(provisionkey.ErrVaultLocked))
	assert.Equal(t, "Error: Boom", formatError(errors.New("boom")))
}

func TestSanitizeArgs(t *testing.T) {
	long := strings.Repeat("x", 65)
	assert.Equal(t, []string{"1718000000000", "[REDACTED]"}, sanitizeArgs([]string{"1718000000000", long}))
}
