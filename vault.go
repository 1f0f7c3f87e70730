package provisionkey

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tyler-james-bridges/provisionkey/audit"
	"github.com/tyler-james-bridges/provisionkey/escrow"
	"github.com/tyler-james-bridges/provisionkey/internal/crypto"
	"github.com/tyler-james-bridges/provisionkey/internal/debug"
	"github.com/tyler-james-bridges/provisionkey/internal/mem"
	"github.com/tyler-james-bridges/provisionkey/internal/misc"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second

	// escrowTimeout bounds escrow calls made on behalf of PIN operations
	escrowTimeout = 30 * time.Second

	biometricPrompt = "Unlock your ProvisionKey vault"
)

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// Vault is the session state machine of one vault. It is the only owner of
// the derived key, which lives in a memguard enclave while the vault is
// unlocked. All methods are serialised by an internal mutex.
type Vault struct {
	store   persist.Store
	escrow  escrow.Escrow
	audit   audit.Logger
	logger  zerolog.Logger
	options Options

	mu    sync.Mutex
	state State

	// keyEnclave holds the document key; nil unless state is StateUnlocked
	keyEnclave *memguard.Enclave

	memoryProtectionLevel mem.ProtectionLevel

	sessionID string
	closed    bool
}

// New opens the store and audit sink described by the configs and returns a vault over them.
// esc may be nil, in which case biometric unlock is unavailable.
func New(options Options, storeConfig persist.StoreConfig, auditConfig *audit.Config, esc escrow.Escrow) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	options = options.withDefaults()

	store, err := persist.NewStore(storeConfig, options.VaultID)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	if auditConfig != nil && auditConfig.VaultID == "" {
		auditConfig.VaultID = options.VaultID
	}
	auditLogger, err := audit.NewLogger(auditConfig)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	v, err := NewWithStore(options, store, auditLogger, esc)
	if err != nil {
		_ = store.Close()
		_ = auditLogger.Close()
		return nil, err
	}
	return v, nil
}

// NewWithStore builds a vault over an existing store. The vault takes
// ownership of store and auditLogger and closes them in Close.
func NewWithStore(options Options, store persist.Store, auditLogger audit.Logger, esc escrow.Escrow) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	options = options.withDefaults()

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	v := &Vault{
		store:                 store,
		escrow:                esc,
		audit:                 auditLogger,
		logger:                options.Logger.With().Str("vault_id", options.VaultID).Logger(),
		options:               options,
		state:                 StateUninitialized,
		memoryProtectionLevel: mem.ProtectionNone,
		sessionID:             uuid.NewString(),
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			// memguard enclaves still protect the key
			v.logger.Warn().Err(err).Msg("cannot fully protect process memory")
		}
		v.memoryProtectionLevel = level
	}

	exists, err := store.SettingsExist()
	if err != nil {
		return nil, fmt.Errorf("failed to read vault state: %w", err)
	}
	if exists {
		v.state = StateLocked
	}

	v.logAudit(v.newRequestID(), "VAULT_OPENED", nil, map[string]interface{}{
		"store_type":        store.GetType(),
		"state":             v.state.String(),
		"memory_protection": v.memoryProtectionLevel.String(),
		"escrow_configured": esc != nil,
	})
	v.logger.Debug().Str("state", v.state.String()).Str("store", store.GetType()).Msg("vault opened")

	return v, nil
}

// State returns the current session state
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Setup creates the vault with pin and leaves it unlocked
func (v *Vault) Setup(pin string) error {
	if err := ValidatePIN(pin, v.options.PINPolicy); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if v.closed {
		return ErrClosed
	}

	exists, err := v.store.SettingsExist()
	if err != nil {
		return fmt.Errorf("failed to read vault state: %w", err)
	}
	if exists {
		v.logAudit(requestID, "VAULT_SETUP", ErrAlreadySetup, nil)
		return ErrAlreadySetup
	}

	pinBytes := []byte(pin)
	defer memguard.WipeBytes(pinBytes)

	settings, enclave, err := deriveCredentials(pinBytes)
	if err != nil {
		v.logAudit(requestID, "VAULT_SETUP", err, nil)
		return err
	}

	if err = v.saveSettings(settings); err != nil {
		v.logAudit(requestID, "VAULT_SETUP", err, nil)
		return err
	}

	v.keyEnclave = enclave
	v.state = StateUnlocked

	v.logAudit(requestID, "VAULT_SETUP", nil, map[string]interface{}{
		"max_failed_attempts": settings.MaxFailedAttempts,
	})
	v.logger.Info().Msg("vault set up")
	return nil
}

// deriveCredentials creates a fresh salt, verifier and key for pin
func deriveCredentials(pin []byte) (*Settings, *memguard.Enclave, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, nil, err
	}

	verifier := crypto.DeriveVerifier(pin, salt)
	defer memguard.WipeBytes(verifier)

	keyBuffer, err := crypto.DeriveKey(pin, salt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive key: %w", err)
	}

	// Seal destroys keyBuffer
	return newSettings(salt, verifier), keyBuffer.Seal(), nil
}

// UnlockWithPIN verifies pin and unlocks the vault.
//
// A wrong PIN increments the persisted failure counter and returns an
// *AttemptsError. When the counter reaches the configured maximum the vault
// is wiped and the returned error matches both ErrWrongPIN and ErrWiped.
func (v *Vault) UnlockWithPIN(pin string) (UnlockResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if v.closed {
		return UnlockResult{}, ErrClosed
	}

	settings, err := v.requireSettings()
	if err != nil {
		return UnlockResult{}, err
	}

	salt, err := settings.saltBytes()
	if err != nil {
		return UnlockResult{}, err
	}
	verifier, err := settings.verifierBytes()
	if err != nil {
		return UnlockResult{}, err
	}

	pinBytes := []byte(pin)
	defer memguard.WipeBytes(pinBytes)

	if !crypto.VerifyPIN(pinBytes, salt, verifier) {
		return v.recordFailedAttempt(requestID, settings)
	}

	keyBuffer, err := crypto.DeriveKey(pinBytes, salt)
	if err != nil {
		return UnlockResult{}, fmt.Errorf("failed to derive key: %w", err)
	}
	enclave := keyBuffer.Seal()

	settings.FailedAttempts = 0
	if err = v.saveSettings(settings); err != nil {
		return UnlockResult{}, err
	}

	v.keyEnclave = enclave
	v.state = StateUnlocked

	if settings.BiometricEnabled {
		if err = v.refreshEscrow(); err != nil {
			// the PIN path stays authoritative
			v.logger.Warn().Err(err).Msg("failed to refresh biometric escrow")
		}
	}

	v.logAudit(requestID, "UNLOCK_PIN", nil, nil)
	v.logger.Info().Msg("vault unlocked with PIN")

	return UnlockResult{
		Unlocked:          true,
		MaxFailedAttempts: settings.MaxFailedAttempts,
		Remaining:         settings.MaxFailedAttempts,
	}, nil
}

func (v *Vault) recordFailedAttempt(requestID string, settings *Settings) (UnlockResult, error) {
	settings.FailedAttempts++

	result := UnlockResult{
		FailedAttempts:    settings.FailedAttempts,
		MaxFailedAttempts: settings.MaxFailedAttempts,
		Remaining:         settings.remaining(),
	}

	// the counter is persisted before the threshold check so a failed wipe still counts
	if err := v.saveSettings(settings); err != nil {
		return result, err
	}

	if settings.FailedAttempts >= settings.MaxFailedAttempts {
		v.logger.Warn().Int("failed_attempts", settings.FailedAttempts).Msg("failed attempt threshold reached, wiping vault")

		err := v.wipeLocked()
		v.logAudit(requestID, "VAULT_SELF_DESTRUCT", err, map[string]interface{}{
			"failed_attempts": settings.FailedAttempts,
		})
		if err != nil {
			return result, fmt.Errorf("self-destruct wipe failed: %w", err)
		}

		result.Wiped = true
		return result, fmt.Errorf("%w: %w", ErrWrongPIN, ErrWiped)
	}

	attemptsErr := &AttemptsError{
		Failed:    settings.FailedAttempts,
		Remaining: result.Remaining,
		Max:       settings.MaxFailedAttempts,
	}
	v.logAudit(requestID, "UNLOCK_PIN_REJECTED", attemptsErr, map[string]interface{}{
		"failed_attempts": settings.FailedAttempts,
		"remaining":       result.Remaining,
	})
	return result, attemptsErr
}

// UnlockBiometric unlocks with the escrowed key. A missing escrow, a denied
// prompt and a stale key are reported through the result with a nil error;
// none of them count as wrong PIN attempts. Other escrow failures are returned
// as errors.
func (v *Vault) UnlockBiometric(ctx context.Context) (BiometricResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if v.closed {
		return BiometricNoEscrow, ErrClosed
	}

	settings, err := v.requireSettings()
	if err != nil {
		return BiometricNoEscrow, err
	}
	if v.escrow == nil || !settings.BiometricEnabled {
		return BiometricNoEscrow, nil
	}

	key, err := v.escrow.Get(ctx, biometricPrompt)
	if err != nil {
		v.logAudit(requestID, "UNLOCK_BIOMETRIC", err, nil)
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			return BiometricNoEscrow, nil
		case errors.Is(err, escrow.ErrDenied):
			return BiometricDenied, nil
		default:
			v.logger.Warn().Err(err).Msg("biometric escrow unavailable")
			return BiometricNoEscrow, fmt.Errorf("biometric escrow unavailable: %w", err)
		}
	}

	if len(key) != misc.KeyLen {
		memguard.WipeBytes(key)
		err = fmt.Errorf("escrowed key has wrong length")
		v.removeStaleEscrow(ctx, err)
		v.logAudit(requestID, "UNLOCK_BIOMETRIC", err, nil)
		return BiometricStale, nil
	}

	// NewEnclave wipes key
	enclave := memguard.NewEnclave(key)

	// a stale escrow (e.g. left over from an older PIN) must not open the session
	if _, err = v.loadDocument(enclave); err != nil {
		v.removeStaleEscrow(ctx, err)
		v.logAudit(requestID, "UNLOCK_BIOMETRIC", err, nil)
		return BiometricStale, nil
	}

	settings.FailedAttempts = 0
	if err = v.saveSettings(settings); err != nil {
		return BiometricNoEscrow, err
	}

	v.keyEnclave = enclave
	v.state = StateUnlocked

	v.logAudit(requestID, "UNLOCK_BIOMETRIC", nil, nil)
	v.logger.Info().Msg("vault unlocked with biometric escrow")
	return BiometricUnlocked, nil
}

func (v *Vault) removeStaleEscrow(ctx context.Context, cause error) {
	v.logger.Warn().Err(cause).Msg("escrowed key does not open the vault document, removing escrow")
	if err := v.escrow.Delete(ctx); err != nil {
		v.logger.Warn().Err(err).Msg("failed to remove stale escrow")
	}
}

// Lock discards the in-memory key. It has no persistence side effect.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateUnlocked {
		return
	}
	v.dropKey()
	v.state = StateLocked

	v.logAudit(v.newRequestID(), "VAULT_LOCKED", nil, nil)
	v.logger.Info().Msg("vault locked")
}

// Wipe irreversibly destroys the settings, the document and the escrowed key.
// Wipe is valid in every state.
//
// Passphrase backups are kept unless Options.WipeBackups is set. A kept backup
// holds the whole document under its passphrase, so anyone with access to the
// store can still attack it offline after a self-destruct.
func (v *Vault) Wipe() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}

	err := v.wipeLocked()
	v.logAudit(v.newRequestID(), "VAULT_WIPED", err, nil)
	if err == nil {
		v.logger.Warn().Msg("vault wiped")
	}
	return err
}

// wipeLocked erases the vault, and the backups when Options.WipeBackups is
// set. The key is dropped and the state becomes Uninitialized even when a
// store call fails.
func (v *Vault) wipeLocked() error {
	v.dropKey()
	v.state = StateUninitialized

	var errs []error
	if err := v.store.Wipe(); err != nil {
		errs = append(errs, fmt.Errorf("failed to wipe store: %w", err))
	}
	if v.options.WipeBackups {
		if err := v.deleteAllBackups(); err != nil {
			errs = append(errs, err)
		}
	}
	if v.escrow != nil {
		ctx, cancel := context.WithTimeout(context.Background(), escrowTimeout)
		defer cancel()
		if err := v.escrow.Delete(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove escrowed key: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SetMaxFailedAttempts changes the wipe threshold. The counter is left as is,
// so n must be above the number of wrong PINs already recorded.
func (v *Vault) SetMaxFailedAttempts(n int) error {
	if !misc.IsAllowedThreshold(n) {
		return fmt.Errorf("%w: %d (allowed: %v)", ErrInvalidThreshold, n, misc.MaxFailedAttemptsOptions)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if err := v.requireUnlocked(); err != nil {
		return err
	}

	settings, err := v.requireSettings()
	if err != nil {
		return err
	}
	if n <= settings.FailedAttempts {
		return fmt.Errorf("%w: %d (%d wrong PINs already recorded)", ErrInvalidThreshold, n, settings.FailedAttempts)
	}
	previous := settings.MaxFailedAttempts
	settings.MaxFailedAttempts = n

	err = v.saveSettings(settings)
	v.logAudit(requestID, "MAX_ATTEMPTS_CHANGED", err, map[string]interface{}{
		"previous": previous,
		"current":  n,
	})
	return err
}

// SetBiometricEnabled toggles biometric unlock. Enabling escrows the current
// key; disabling removes the escrowed key.
func (v *Vault) SetBiometricEnabled(ctx context.Context, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if err := v.requireUnlocked(); err != nil {
		return err
	}
	if enabled && v.escrow == nil {
		return fmt.Errorf("biometric unlock is not available: no escrow configured")
	}

	settings, err := v.requireSettings()
	if err != nil {
		return err
	}

	action := "BIOMETRIC_DISABLED"
	if enabled {
		action = "BIOMETRIC_ENABLED"
		if err = v.putEscrow(ctx); err != nil {
			v.logAudit(requestID, action, err, nil)
			return err
		}
	} else if v.escrow != nil {
		if err = v.escrow.Delete(ctx); err != nil {
			v.logAudit(requestID, action, err, nil)
			return fmt.Errorf("failed to remove escrowed key: %w", err)
		}
	}

	settings.BiometricEnabled = enabled
	err = v.saveSettings(settings)
	v.logAudit(requestID, action, err, nil)
	return err
}

func (v *Vault) refreshEscrow() error {
	if v.escrow == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), escrowTimeout)
	defer cancel()
	return v.putEscrow(ctx)
}

func (v *Vault) putEscrow(ctx context.Context) error {
	keyBuffer, err := v.keyEnclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer keyBuffer.Destroy()

	if err = v.escrow.Put(ctx, keyBuffer.Bytes()); err != nil {
		return fmt.Errorf("failed to escrow key: %w", err)
	}
	return nil
}

// Status returns a snapshot of the vault
func (v *Vault) Status(ctx context.Context) (Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return Status{}, ErrClosed
	}

	status := Status{
		MemoryProtection: v.memoryProtectionLevel.String(),
		StoreType:        v.store.GetType(),
		VaultID:          v.options.VaultID,
	}

	// loading may complete an interrupted wipe
	settings, err := v.loadSettings()
	status.State = v.state
	if err != nil {
		return status, err
	}
	if settings == nil {
		return status, nil
	}

	status.IsSetup = true
	status.FailedAttempts = settings.FailedAttempts
	status.MaxFailedAttempts = settings.MaxFailedAttempts
	status.RemainingAttempts = settings.remaining()
	status.BiometricEnabled = settings.BiometricEnabled

	if v.escrow != nil {
		present, err := v.escrow.Exists(ctx)
		if err != nil {
			v.logger.Warn().Err(err).Msg("failed to query escrow")
		}
		status.EscrowPresent = present
	}
	return status, nil
}

// GetAudit returns the audit logger the vault writes to
func (v *Vault) GetAudit() audit.Logger {
	return v.audit
}

// Close locks the vault and releases the store and the audit logger
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}

	requestID := v.newRequestID()

	v.dropKey()
	if v.state == StateUnlocked {
		v.state = StateLocked
	}
	v.closed = true

	var errs []error
	if err := v.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	v.logAudit(requestID, "VAULT_CLOSED", errors.Join(errs...), nil)
	if err := v.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}

	if v.memoryProtectionLevel != mem.ProtectionNone {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unlock memory: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (v *Vault) dropKey() {
	// an Enclave holds ciphertext only; releasing the reference is enough
	v.keyEnclave = nil
}

// requireUnlocked maps the current state to the error a document operation reports
func (v *Vault) requireUnlocked() error {
	if v.closed {
		return ErrClosed
	}
	if v.state != StateUnlocked || v.keyEnclave == nil {
		return ErrVaultLocked
	}
	return nil
}

func (v *Vault) now() time.Time {
	return v.options.Clock().UTC()
}

func (v *Vault) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if v.audit == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["vault_id"] = v.options.VaultID
	metadata["request_id"] = requestID
	metadata["session_id"] = v.sessionID
	metadata["timestamp"] = time.Now().UTC()

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := v.audit.Log(action, success, metadata); auditErr != nil {
		v.logger.Error().Err(auditErr).Str("action", action).Msg("audit logging failed")
	}
}

func (v *Vault) newRequestID() string {
	return fmt.Sprintf("v_%d", time.Now().UnixNano())
}

// withRetry executes an operation with exponential backoff retry on concurrency conflicts
func (v *Vault) withRetry(operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var concErr interface{ IsConcurrencyError() bool }
		if errors.As(err, &concErr) && concErr.IsConcurrencyError() {
			if attempt == config.MaxRetries {
				return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
					operation, config.MaxRetries+1, err)
			}

			delay := config.BaseDelay * (1 << attempt)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}

			// 25% jitter
			jitter := time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))
			delay += jitter

			debug.Print("withRetry: %s conflict, retrying in %s\n", operation, delay)
			time.Sleep(delay)
			continue
		}

		return err
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

// saveSettingsWithRetry saves the settings record with optimistic concurrency control
func (v *Vault) saveSettingsWithRetry(data []byte) error {
	return v.withRetry("saveSettings", func() error {
		currentData, err := v.store.LoadSettings()
		var currentVersion string
		if err == nil {
			currentVersion = currentData.Version
		}

		_, err = v.store.SaveSettings(data, currentVersion)
		return err
	})
}

// saveDocumentWithRetry saves the document token with optimistic concurrency control
func (v *Vault) saveDocumentWithRetry(token []byte) error {
	return v.withRetry("saveDocument", func() error {
		currentData, err := v.store.LoadDocument()
		var currentVersion string
		if err == nil {
			currentVersion = currentData.Version
		}

		_, err = v.store.SaveDocument(token, currentVersion)
		return err
	})
}
