package provisionkey

import (
	"errors"
	"fmt"

	"github.com/tyler-james-bridges/provisionkey/internal/crypto"
)

var (
	// ErrSetupRequired is returned when an operation needs a settings record and none exists
	ErrSetupRequired = errors.New("vault is not set up")

	// ErrAlreadySetup is returned by Setup when a settings record already exists
	ErrAlreadySetup = errors.New("vault is already set up")

	// ErrVaultLocked is returned by document operations while no key is held
	ErrVaultLocked = errors.New("vault is locked")

	// ErrInvalidCurrentPin is returned by ChangePIN when the current PIN does not match
	ErrInvalidCurrentPin = errors.New("invalid current PIN")

	// ErrWrongPIN is returned when an unlock or import PIN does not match the verifier
	ErrWrongPIN = errors.New("wrong PIN")

	// ErrWiped is returned when a failed unlock reached the threshold and the vault was destroyed
	ErrWiped = errors.New("maximum failed attempts reached, vault wiped")

	// ErrInvalidPIN is returned when a PIN does not satisfy the PIN policy
	ErrInvalidPIN = errors.New("invalid PIN format")

	// ErrInvalidThreshold is returned for a max-failed-attempts value outside the allowed set
	ErrInvalidThreshold = errors.New("invalid max failed attempts")

	ErrEntryNotFound = errors.New("entry not found")

	ErrInvalidEntry = errors.New("invalid entry")

	ErrDecryption = crypto.ErrDecryption

	ErrRandomSource = crypto.ErrRandomSource

	ErrClosed = errors.New("vault is closed")

	// a stored counter at or above its threshold is an unfinished self-destruct
	errAttemptsExhausted = errors.New("failed attempts reached the threshold")
)

// AttemptsError reports a rejected PIN together with the attempts left before the vault is wiped.
// It matches ErrWrongPIN with errors.Is.
type AttemptsError struct {
	Failed    int
	Remaining int
	Max       int
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("wrong PIN: %d of %d attempts remaining", e.Remaining, e.Max)
}

func (e *AttemptsError) Unwrap() error {
	return ErrWrongPIN
}
