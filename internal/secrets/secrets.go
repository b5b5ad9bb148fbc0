// Package secrets provides field-level encryption for flat string records,
// used to protect provider OAuth credentials at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLength     = 32
	saltLength    = 16
	keyIterations = 120000

	// valuePrefix marks ciphertext produced by this codec so plaintext
	// values are never mistaken for encrypted ones.
	valuePrefix = "enc:v1:"
)

var (
	ErrSecretRequired = errors.New("secrets: encryption secret is required")
	ErrNotEncrypted   = errors.New("secrets: value is not encrypted")
)

// Codec encrypts and decrypts named fields of flat string records. It is
// generic over the record shape: callers pass the field-name list and receive
// a transformed copy, fields outside the list are untouched.
type Codec struct {
	secret []byte
}

// NewCodec builds a codec from a shared secret. The secret is stretched with
// PBKDF2 per value using a random salt.
func NewCodec(secret string) (*Codec, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, ErrSecretRequired
	}
	return &Codec{secret: []byte(trimmed)}, nil
}

// EncryptFields returns a copy of record with every named field replaced by
// its encrypted form. Absent and empty fields are left as-is.
func (c *Codec) EncryptFields(record map[string]string, fields []string) (map[string]string, error) {
	out := cloneRecord(record)
	for _, field := range fields {
		value, ok := out[field]
		if !ok || value == "" {
			continue
		}
		encrypted, err := c.encryptValue(value)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", field, err)
		}
		out[field] = encrypted
	}
	return out, nil
}

// DecryptFields reverses EncryptFields for the named fields. A named field
// that does not carry the ciphertext prefix is passed through unchanged,
// which lets records written before encryption was enabled keep working.
func (c *Codec) DecryptFields(record map[string]string, fields []string) (map[string]string, error) {
	out := cloneRecord(record)
	for _, field := range fields {
		value, ok := out[field]
		if !ok || value == "" {
			continue
		}
		if !strings.HasPrefix(value, valuePrefix) {
			continue
		}
		decrypted, err := c.decryptValue(value)
		if err != nil {
			return nil, fmt.Errorf("decrypt field %s: %w", field, err)
		}
		out[field] = decrypted
	}
	return out, nil
}

func (c *Codec) encryptValue(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)
	return valuePrefix + base64.StdEncoding.EncodeToString(payload), nil
}

func (c *Codec) decryptValue(value string) (string, error) {
	encoded := strings.TrimPrefix(value, valuePrefix)
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(payload) < saltLength {
		return "", ErrNotEncrypted
	}
	salt := payload[:saltLength]
	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	rest := payload[saltLength:]
	if len(rest) < gcm.NonceSize() {
		return "", ErrNotEncrypted
	}
	nonce := rest[:gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, rest[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}

func (c *Codec) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func cloneRecord(record map[string]string) map[string]string {
	out := make(map[string]string, len(record))
	for key, value := range record {
		out[key] = value
	}
	return out
}
