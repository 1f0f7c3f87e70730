package provisionkey

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tyler-james-bridges/provisionkey/internal/misc"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

// Settings is the persisted credential record. It holds the KDF salt, the PIN
// verifier and the lockout policy; it never holds the key.
type Settings struct {
	Salt              string `json:"salt"`    // hex
	PinHash           string `json:"pinHash"` // hex verifier
	FailedAttempts    int    `json:"failedAttempts"`
	MaxFailedAttempts int    `json:"maxFailedAttempts"`
	BiometricEnabled  bool   `json:"biometricEnabled"`
}

func newSettings(salt, verifier []byte) *Settings {
	return &Settings{
		Salt:              hex.EncodeToString(salt),
		PinHash:           hex.EncodeToString(verifier),
		FailedAttempts:    0,
		MaxFailedAttempts: misc.DefaultMaxFailedAttempts,
		BiometricEnabled:  false,
	}
}

func (s *Settings) saltBytes() ([]byte, error) {
	salt, err := hex.DecodeString(s.Salt)
	if err != nil {
		return nil, fmt.Errorf("settings: invalid salt encoding: %w", err)
	}
	if len(salt) < misc.SaltSize {
		return nil, fmt.Errorf("settings: salt too short (%d bytes)", len(salt))
	}
	return salt, nil
}

func (s *Settings) verifierBytes() ([]byte, error) {
	verifier, err := hex.DecodeString(s.PinHash)
	if err != nil {
		return nil, fmt.Errorf("settings: invalid PIN hash encoding: %w", err)
	}
	if len(verifier) != misc.KeyLen {
		return nil, fmt.Errorf("settings: PIN hash must be %d bytes, got %d", misc.KeyLen, len(verifier))
	}
	return verifier, nil
}

// remaining is the number of wrong PINs still tolerated before the wipe
func (s *Settings) remaining() int {
	if r := s.MaxFailedAttempts - s.FailedAttempts; r > 0 {
		return r
	}
	return 0
}

func (s *Settings) validate() error {
	if _, err := s.saltBytes(); err != nil {
		return err
	}
	if _, err := s.verifierBytes(); err != nil {
		return err
	}
	if !misc.IsAllowedThreshold(s.MaxFailedAttempts) {
		return fmt.Errorf("settings: %w: %d", ErrInvalidThreshold, s.MaxFailedAttempts)
	}
	if s.FailedAttempts < 0 {
		return fmt.Errorf("settings: negative failed attempts")
	}
	if s.FailedAttempts >= s.MaxFailedAttempts {
		return fmt.Errorf("settings: %w", errAttemptsExhausted)
	}
	return nil
}

// loadSettings returns nil, nil when no settings record exists
func (v *Vault) loadSettings() (*Settings, error) {
	data, err := v.store.LoadSettings()
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	var s Settings
	if err = json.Unmarshal(data.Data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err = s.validate(); err != nil {
		if errors.Is(err, errAttemptsExhausted) {
			return nil, v.finishSelfDestruct(s.FailedAttempts)
		}
		return nil, err
	}
	return &s, nil
}

// finishSelfDestruct completes a wipe that was interrupted after the counter
// reached the threshold. The vault no longer exists afterwards.
func (v *Vault) finishSelfDestruct(failedAttempts int) error {
	v.logger.Warn().Int("failed_attempts", failedAttempts).Msg("stored counter is at the threshold, completing wipe")

	err := v.wipeLocked()
	v.logAudit(v.newRequestID(), "VAULT_SELF_DESTRUCT", err, map[string]interface{}{
		"failed_attempts": failedAttempts,
		"resumed":         true,
	})
	if err != nil {
		return fmt.Errorf("self-destruct wipe failed: %w", err)
	}
	return nil
}

// requireSettings is loadSettings with ErrSetupRequired for a missing record
func (v *Vault) requireSettings() (*Settings, error) {
	s, err := v.loadSettings()
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSetupRequired
	}
	return s, nil
}

func (v *Vault) saveSettings(s *Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to serialize settings: %w", err)
	}
	if err = v.saveSettingsWithRetry(data); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// IsSetup reports whether a settings record exists
func (v *Vault) IsSetup() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return false, ErrClosed
	}
	return v.store.SettingsExist()
}

// MaxFailedAttemptsOptions returns the thresholds SetMaxFailedAttempts accepts
func MaxFailedAttemptsOptions() []int {
	return append([]int(nil), misc.MaxFailedAttemptsOptions...)
}
