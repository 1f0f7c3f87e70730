package provisionkey

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/tyler-james-bridges/provisionkey/internal/crypto"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

// ChangePIN re-keys the vault. The current PIN is checked against the stored
// verifier; the document is decrypted under the old key and persisted under a
// key derived from newPin and a fresh salt, then the new settings are saved.
// If saving the settings fails the previous document token is written back.
//
// A wrong current PIN returns ErrInvalidCurrentPin and does not count as a
// failed unlock attempt.
func (v *Vault) ChangePIN(currentPin, newPin string) error {
	if err := ValidatePIN(newPin, v.options.PINPolicy); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if v.closed {
		return ErrClosed
	}

	settings, err := v.requireSettings()
	if err != nil {
		return err
	}
	if err = v.requireUnlocked(); err != nil {
		return err
	}

	salt, err := settings.saltBytes()
	if err != nil {
		return err
	}
	verifier, err := settings.verifierBytes()
	if err != nil {
		return err
	}

	currentBytes := []byte(currentPin)
	defer memguard.WipeBytes(currentBytes)

	if !crypto.VerifyPIN(currentBytes, salt, verifier) {
		v.logAudit(requestID, "PIN_CHANGED", ErrInvalidCurrentPin, nil)
		return ErrInvalidCurrentPin
	}

	doc, err := v.loadDocument(v.keyEnclave)
	if err != nil {
		v.logAudit(requestID, "PIN_CHANGED", err, nil)
		return fmt.Errorf("failed to decrypt vault under current key: %w", err)
	}

	// keep the old token for rollback
	var previousToken []byte
	if stored, loadErr := v.store.LoadDocument(); loadErr == nil {
		previousToken = stored.Data
	} else if !errors.Is(loadErr, persist.ErrNotFound) {
		return fmt.Errorf("failed to read current vault document: %w", loadErr)
	}

	newBytes := []byte(newPin)
	defer memguard.WipeBytes(newBytes)

	newSettings, newEnclave, err := deriveCredentials(newBytes)
	if err != nil {
		v.logAudit(requestID, "PIN_CHANGED", err, nil)
		return err
	}
	newSettings.FailedAttempts = 0
	newSettings.MaxFailedAttempts = settings.MaxFailedAttempts
	newSettings.BiometricEnabled = settings.BiometricEnabled

	if err = v.saveDocument(doc, newEnclave); err != nil {
		v.logAudit(requestID, "PIN_CHANGED", err, nil)
		return fmt.Errorf("failed to re-encrypt vault: %w", err)
	}

	if err = v.saveSettings(newSettings); err != nil {
		if rollbackErr := v.rollbackDocument(previousToken); rollbackErr != nil {
			v.logAudit(requestID, "PIN_CHANGE_ROLLBACK_FAILED", rollbackErr, map[string]interface{}{
				"original_error": err.Error(),
			})
			v.logger.Error().Err(rollbackErr).Msg("failed to restore vault document after PIN change failure")
			return fmt.Errorf("failed to save new settings: %w (rollback error: %w)", err, rollbackErr)
		}
		v.logAudit(requestID, "PIN_CHANGED", err, nil)
		return fmt.Errorf("failed to save new settings: %w", err)
	}

	v.keyEnclave = newEnclave

	if newSettings.BiometricEnabled {
		if err = v.refreshEscrow(); err != nil {
			v.logger.Warn().Err(err).Msg("failed to refresh biometric escrow after PIN change")
		}
	}

	v.logAudit(requestID, "PIN_CHANGED", nil, map[string]interface{}{
		"entry_count": len(doc.Entries),
	})
	v.logger.Info().Msg("PIN changed")
	return nil
}

func (v *Vault) rollbackDocument(previousToken []byte) error {
	if previousToken == nil {
		// no document existed; an empty one under the old key keeps the vault readable
		return v.saveDocument(newDocument(), v.keyEnclave)
	}
	return v.saveDocumentWithRetry(previousToken)
}
