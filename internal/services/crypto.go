package services

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix tags values written by Encrypt so plaintext written before a
// key was configured still reads back.
const sealedPrefix = "xc1:"

// CryptoService handles encryption and decryption of sensitive data.
// A nil *CryptoService passes values through unchanged.
type CryptoService struct {
	key []byte // 32-byte key for XChaCha20-Poly1305
}

// NewCryptoService creates a new CryptoService with the provided encryption key.
// An empty key yields nil, which stores secrets as-is.
func NewCryptoService(key []byte) (*CryptoService, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Newf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &CryptoService{key: key}, nil
}

// Enabled reports whether values are actually sealed.
func (s *CryptoService) Enabled() bool {
	return s != nil
}

// Encrypt seals plaintext and returns a tagged base64 string.
func (s *CryptoService) Encrypt(plaintext string) (string, error) {
	if s == nil || plaintext == "" {
		return plaintext, nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errors.Wrap(err, "init cipher")
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Untagged values are returned as-is.
func (s *CryptoService) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, sealedPrefix) {
		return ciphertext, nil
	}
	if s == nil {
		return "", errors.New("value is encrypted but no encryption key is configured")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, sealedPrefix))
	if err != nil {
		return "", errors.Wrap(err, "decode ciphertext")
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errors.Wrap(err, "init cipher")
	}
	if len(data) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, body := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", errors.Wrap(err, "open ciphertext")
	}
	return string(plaintext), nil
}
