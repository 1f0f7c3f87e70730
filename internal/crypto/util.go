package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/tyler-james-bridges/provisionkey/internal/misc"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrRandomSource is returned when the host entropy source fails
	ErrRandomSource = errors.New("random source unavailable")

	// ErrDecryption is returned for malformed tokens and failed authentication
	ErrDecryption = errors.New("decryption failed")
)

// Rand is the random source for salts and nonces. Tests may replace it.
var Rand io.Reader = rand.Reader

func readRandom(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(Rand, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomSource, err)
	}
	return buf, nil
}

// passphraseSaltSize is the salt prefix length of passphrase-encrypted blobs
const passphraseSaltSize = 32

// EncryptWithPassphrase encrypts data using a passphrase with PBKDF2 + ChaCha20-Poly1305.
// The result is laid out as salt || nonce || ciphertext.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt, err := readRandom(passphraseSaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, misc.KDFIterations, misc.KeyLen, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce, err := readRandom(aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	result := make([]byte, 0, len(salt)+len(nonce)+len(data)+aead.Overhead())
	result = append(result, salt...)
	result = append(result, nonce...)
	return aead.Seal(result, nonce, data, nil), nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < passphraseSaltSize+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: encrypted data too short", ErrDecryption)
	}

	salt := encryptedData[:passphraseSaltSize]
	nonce := encryptedData[passphraseSaltSize : passphraseSaltSize+chacha20poly1305.NonceSize]
	ciphertext := encryptedData[passphraseSaltSize+chacha20poly1305.NonceSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, misc.KDFIterations, misc.KeyLen, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
