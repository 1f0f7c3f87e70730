// Package escrow caches the vault key behind a platform-protected store so a
// user can unlock without typing the PIN. The PIN path always remains available.
package escrow

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means no key has been escrowed
	ErrNotFound = errors.New("escrow: no key stored")

	// ErrDenied means the user cancelled or failed the platform authentication
	ErrDenied = errors.New("escrow: authentication denied")
)

// Escrow is the narrow put/get interface the vault uses for biometric unlock.
type Escrow interface {
	Put(ctx context.Context, key []byte) error

	// Get prompts the user with reason and returns a copy of the escrowed key.
	// It returns ErrNotFound or ErrDenied (possibly wrapped).
	Get(ctx context.Context, reason string) ([]byte, error)

	// Delete removes the escrowed key. Deleting a missing key is not an error.
	Delete(ctx context.Context) error

	Exists(ctx context.Context) (bool, error)
}

// Authenticator is the platform prompt (fingerprint, face, OS password).
// It returns nil on success and ErrDenied on cancel or failure.
type Authenticator interface {
	Authenticate(ctx context.Context, reason string) error
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(ctx context.Context, reason string) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, reason string) error {
	return f(ctx, reason)
}

// AllowAll approves every request. It suits backends where the keystore itself prompts.
var AllowAll Authenticator = AuthenticatorFunc(func(ctx context.Context, _ string) error {
	return ctx.Err()
})

// DenyAll rejects every request
var DenyAll Authenticator = AuthenticatorFunc(func(context.Context, string) error {
	return ErrDenied
})
