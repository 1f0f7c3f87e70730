package crypto

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/awnumar/memguard"
	"github.com/tyler-james-bridges/provisionkey/internal/misc"
	"golang.org/x/crypto/pbkdf2"
)

// GenerateSalt returns misc.SaltSize fresh random bytes
func GenerateSalt() ([]byte, error) {
	return readRandom(misc.SaltSize)
}

// DeriveKey stretches pin with salt into the document encryption key.
// The caller owns the returned buffer and must Destroy it.
func DeriveKey(pin, salt []byte) (*memguard.LockedBuffer, error) {
	derived := pbkdf2.Key(pin, salt, misc.KDFIterations, misc.KeyLen, sha256.New)

	// NewBufferFromBytes wipes derived
	return memguard.NewBufferFromBytes(derived), nil
}

// DeriveVerifier derives the value persisted to check a PIN. It mixes a
// fixed suffix into the salt so it never matches the output of DeriveKey.
func DeriveVerifier(pin, salt []byte) []byte {
	verifySalt := make([]byte, 0, len(salt)+len(misc.VerifierSuffix))
	verifySalt = append(verifySalt, salt...)
	verifySalt = append(verifySalt, misc.VerifierSuffix...)
	return pbkdf2.Key(pin, verifySalt, misc.KDFIterations, misc.KeyLen, sha256.New)
}

// VerifyPIN reports whether pin derives expected under salt
func VerifyPIN(pin, salt, expected []byte) bool {
	actual := DeriveVerifier(pin, salt)
	defer memguard.WipeBytes(actual)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}
