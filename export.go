package provisionkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/tyler-james-bridges/provisionkey/internal/crypto"
	"github.com/tyler-james-bridges/provisionkey/internal/misc"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

const (
	exportFormat  = "provisionkey-export"
	exportVersion = 1
)

// exportBundle is the portable form of a vault: the credential material needed
// to re-derive the key from the original PIN plus the unchanged cipher token.
type exportBundle struct {
	Format     string    `json:"format"`
	Version    int       `json:"version"`
	Salt       string    `json:"salt"`
	PinHash    string    `json:"pinHash"`
	Vault      string    `json:"vault"`
	ExportedAt time.Time `json:"exportedAt"`
}

// ExportVault returns the vault as base64 text. The bundle stays encrypted
// under the current PIN; importing it requires that PIN.
func (v *Vault) ExportVault() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	settings, err := v.requireSettings()
	if err != nil {
		return nil, err
	}

	var token string
	stored, err := v.store.LoadDocument()
	switch {
	case err == nil:
		token = string(stored.Data)
	case errors.Is(err, persist.ErrNotFound):
		plaintext, _ := json.Marshal(newDocument())
		if token, err = encryptWithEnclave(plaintext, v.keyEnclave); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to load vault document: %w", err)
	}

	bundle := exportBundle{
		Format:     exportFormat,
		Version:    exportVersion,
		Salt:       settings.Salt,
		PinHash:    settings.PinHash,
		Vault:      token,
		ExportedAt: v.now(),
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize export: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)

	v.logAudit(requestID, "VAULT_EXPORTED", nil, nil)
	return out, nil
}

func parseExportBundle(data []byte) (*exportBundle, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("export bundle is not valid base64: %w", err)
	}

	var bundle exportBundle
	if err = json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("export bundle is not valid JSON: %w", err)
	}
	if bundle.Format != exportFormat {
		return nil, fmt.Errorf("unrecognised export format %q", bundle.Format)
	}
	if bundle.Version != exportVersion {
		return nil, fmt.Errorf("unsupported export version %d", bundle.Version)
	}
	if bundle.Vault == "" {
		return nil, fmt.Errorf("export bundle has no vault data")
	}

	check := Settings{Salt: bundle.Salt, PinHash: bundle.PinHash, MaxFailedAttempts: misc.DefaultMaxFailedAttempts}
	if err = check.validate(); err != nil {
		return nil, fmt.Errorf("export bundle: %w", err)
	}
	return &bundle, nil
}

// ImportVault replaces the local vault with an exported one. pin must be the
// PIN the bundle was exported under. Nothing local changes until the PIN is
// verified and the bundle decrypts. On success the vault is unlocked, the
// failure counter is reset, the local threshold is kept and biometric unlock
// is disabled.
func (v *Vault) ImportVault(data []byte, pin string) error {
	bundle, err := parseExportBundle(data)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if v.closed {
		return ErrClosed
	}

	salt, _ := hex.DecodeString(bundle.Salt)
	verifier, _ := hex.DecodeString(bundle.PinHash)

	pinBytes := []byte(pin)
	defer memguard.WipeBytes(pinBytes)

	if !crypto.VerifyPIN(pinBytes, salt, verifier) {
		v.logAudit(requestID, "VAULT_IMPORTED", ErrWrongPIN, nil)
		return ErrWrongPIN
	}

	keyBuffer, err := crypto.DeriveKey(pinBytes, salt)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}
	enclave := keyBuffer.Seal()

	plaintext, err := decryptWithEnclave(bundle.Vault, enclave)
	if err != nil {
		v.logAudit(requestID, "VAULT_IMPORTED", err, nil)
		return fmt.Errorf("export bundle does not decrypt: %w", err)
	}
	doc, err := parseDocument(plaintext)
	memguard.WipeBytes(plaintext)
	if err != nil {
		return err
	}

	previous, err := v.loadSettings()
	if err != nil {
		return err
	}

	imported := &Settings{
		Salt:              bundle.Salt,
		PinHash:           bundle.PinHash,
		FailedAttempts:    0,
		MaxFailedAttempts: misc.DefaultMaxFailedAttempts,
		BiometricEnabled:  false,
	}
	if previous != nil {
		imported.MaxFailedAttempts = previous.MaxFailedAttempts
	}

	if err = v.replaceVault(imported, []byte(bundle.Vault)); err != nil {
		v.logAudit(requestID, "VAULT_IMPORTED", err, nil)
		return err
	}

	if v.escrow != nil {
		ctx, cancel := context.WithTimeout(context.Background(), escrowTimeout)
		if delErr := v.escrow.Delete(ctx); delErr != nil {
			v.logger.Warn().Err(delErr).Msg("failed to remove escrowed key after import")
		}
		cancel()
	}

	v.keyEnclave = enclave
	v.state = StateUnlocked

	v.logAudit(requestID, "VAULT_IMPORTED", nil, map[string]interface{}{
		"entry_count":       len(doc.Entries),
		"replaced_existing": previous != nil,
	})
	v.logger.Info().Int("entries", len(doc.Entries)).Msg("vault imported")
	return nil
}

// replaceVault writes settings and then the token; when the token write fails
// the previous records are put back.
func (v *Vault) replaceVault(settings *Settings, token []byte) error {
	var prevSettings, prevToken []byte
	if stored, err := v.store.LoadSettings(); err == nil {
		prevSettings = stored.Data
	}
	if stored, err := v.store.LoadDocument(); err == nil {
		prevToken = stored.Data
	}

	if err := v.saveSettings(settings); err != nil {
		return err
	}

	if err := v.saveDocumentWithRetry(token); err != nil {
		var rollbackErr error
		if prevSettings == nil {
			rollbackErr = v.store.Wipe()
		} else {
			rollbackErr = v.saveSettingsWithRetry(prevSettings)
			if rollbackErr == nil && prevToken != nil {
				rollbackErr = v.saveDocumentWithRetry(prevToken)
			}
		}
		if rollbackErr != nil {
			return fmt.Errorf("failed to save imported vault: %w (rollback error: %w)", err, rollbackErr)
		}
		return fmt.Errorf("failed to save imported vault: %w", err)
	}
	return nil
}
