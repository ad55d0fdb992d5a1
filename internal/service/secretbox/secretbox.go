// Package secretbox encrypts stored account credentials.
//
// Ciphertext format: base64( salt(16) || nonce(12) || AES-256-GCM ciphertext ).
// The AES key is derived from the master key with PBKDF2-HMAC-SHA256 at 100k
// iterations, one fresh salt per encryption. Stored values may also be legacy
// plaintext; IsCiphertext tells the two apart.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen    = 16
	nonceLen   = 12
	keyLen     = 32
	iterations = 100_000
	// A well-formed value decodes to at least salt + nonce bytes.
	minDecodedLen = saltLen + nonceLen
)

// Box performs authenticated symmetric encryption keyed off a master secret.
type Box struct {
	masterKey []byte
}

// New constructs a Box. The master key must be at least 32 characters.
func New(masterKey string) (*Box, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("op=secretbox.New: master key must be at least 32 characters")
	}
	return &Box{masterKey: []byte(masterKey)}, nil
}

func (b *Box) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(b.masterKey, salt, iterations, keyLen, sha256.New)
}

// Encrypt seals plaintext and returns the base64 envelope.
func (b *Box) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("op=secretbox.Encrypt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("op=secretbox.Encrypt: %w", err)
	}
	block, err := aes.NewCipher(b.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("op=secretbox.Encrypt: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("op=secretbox.Encrypt: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, 0, saltLen+nonceLen+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Plaintext values pass through
// unchanged so that legacy rows keep working.
func (b *Box) Decrypt(value string) (string, error) {
	if !b.IsCiphertext(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("op=secretbox.Decrypt: %w", err)
	}
	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+nonceLen]
	sealed := raw[saltLen+nonceLen:]
	block, err := aes.NewCipher(b.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("op=secretbox.Decrypt: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("op=secretbox.Decrypt: %w", err)
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("op=secretbox.Decrypt: %w", err)
	}
	return string(plain), nil
}

// IsCiphertext reports whether value looks like an encrypted envelope: valid
// base64 with a decoded length of at least 28 bytes.
func (b *Box) IsCiphertext(value string) bool {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	return len(raw) >= minDecodedLen
}
