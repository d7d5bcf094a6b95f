// Package cipher encrypts content identifiers so paid content can be listed
// publicly without exposing where the original lives.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

const (
	// IVSize is the per-message nonce length prefixed to every ciphertext.
	IVSize  = 16
	keySize = 32
)

var keyInfo = []byte("fixmypic content identifier v1")

// Cipher encrypts identifiers with AES-256-GCM. Output is
// hex(iv || ciphertext || tag).
type Cipher struct {
	aead stdcipher.AEAD
}

// New derives the key from secret and builds a Cipher.
func New(secret string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, svcerrors.Validation("encryption secret is required")
	}
	key, err := DeriveKey([]byte(secret))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, svcerrors.Crypto("init cipher", err)
	}
	aead, err := stdcipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, svcerrors.Crypto("init gcm", err)
	}
	return &Cipher{aead: aead}, nil
}

// DeriveKey expands secret to 32 raw key bytes with HKDF-SHA256.
func DeriveKey(secret []byte) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, keyInfo), key); err != nil {
		return nil, svcerrors.Crypto("derive key", err)
	}
	return key, nil
}

// Encrypt returns a fresh ciphertext for plainID. Two calls with the same
// input never return the same output.
func (c *Cipher) Encrypt(plainID string) (string, error) {
	if plainID == "" {
		return "", svcerrors.Validation("identifier is required")
	}
	iv := make([]byte, IVSize, IVSize+len(plainID)+c.aead.Overhead())
	if _, err := rand.Read(iv); err != nil {
		return "", svcerrors.Crypto("generate iv", err)
	}
	sealed := c.aead.Seal(iv, iv, []byte(plainID), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Malformed, truncated or tampered input fails
// with a crypto error.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(encrypted))
	if err != nil {
		return "", svcerrors.Crypto("decode ciphertext", err)
	}
	if len(raw) < IVSize+c.aead.Overhead() {
		return "", svcerrors.Crypto("ciphertext too short", fmt.Errorf("got %d bytes", len(raw)))
	}
	plain, err := c.aead.Open(nil, raw[:IVSize], raw[IVSize:], nil)
	if err != nil {
		return "", svcerrors.Crypto("authenticate ciphertext", err)
	}
	return string(plain), nil
}
