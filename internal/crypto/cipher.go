package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// TokenDelimiter separates the encoded nonce from the encoded ciphertext
const TokenDelimiter = ":"

// Encrypt seals plaintext under key with a fresh nonce and returns
// base64(nonce) + ":" + base64(ciphertext||tag).
func Encrypt(plaintext, key []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce, err := readRandom(aead.NonceSize())
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(nonce) + TokenDelimiter +
		base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Any malformed token or
// authentication failure yields an error wrapping ErrDecryption.
func Decrypt(token string, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if strings.Count(token, TokenDelimiter) != 1 {
		return nil, fmt.Errorf("%w: token must contain exactly one delimiter", ErrDecryption)
	}
	encNonce, encSealed, _ := strings.Cut(token, TokenDelimiter)
	if encNonce == "" || encSealed == "" {
		return nil, fmt.Errorf("%w: empty token segment", ErrDecryption)
	}

	nonce, err := base64.StdEncoding.Strict().DecodeString(encNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid nonce encoding", ErrDecryption)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrDecryption, aead.NonceSize(), len(nonce))
	}

	sealed, err := base64.StdEncoding.Strict().DecodeString(encSealed)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryption)
	}
	if len(sealed) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plaintext, nil
}
