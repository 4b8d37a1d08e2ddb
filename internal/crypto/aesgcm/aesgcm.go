// Package aesgcm holds the AES-256-GCM primitives used for field and key encryption.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	ErrEmptyPlaintext       = errors.New("plaintext must not be empty")
	ErrInvalidKeySize       = errors.New("encryption key must be 32 bytes")
	ErrMalformedEnvelope    = errors.New("malformed encrypted data")
	ErrIntegrityCheckFailed = errors.New("data integrity check failed, data may have been tampered with")
)

// EncryptedData is the wire format of one encrypted value. All fields are base64.
type EncryptedData struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

// Encrypt seals plaintext under key with a fresh random IV.
func Encrypt(plaintext string, key []byte) (EncryptedData, error) {
	if plaintext == "" {
		return EncryptedData{}, ErrEmptyPlaintext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return EncryptedData{}, err
	}

	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedData{}, fmt.Errorf("failed to generate iv: %w", err)
	}

	// Seal returns ciphertext || tag.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return EncryptedData{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt verifies the tag and returns the plaintext. Tampering with any of
// ciphertext, iv or tag yields ErrIntegrityCheckFailed.
func Decrypt(data EncryptedData, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	ct, err := base64.StdEncoding.DecodeString(data.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}
	iv, err := base64.StdEncoding.DecodeString(data.IV)
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", ErrMalformedEnvelope, err)
	}
	tag, err := base64.StdEncoding.DecodeString(data.Tag)
	if err != nil {
		return "", fmt.Errorf("%w: tag: %v", ErrMalformedEnvelope, err)
	}

	// a flipped bit can still decode to a wrong length, which is tampering too
	if len(iv) != NonceSize || len(tag) != TagSize {
		return "", ErrIntegrityCheckFailed
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrIntegrityCheckFailed
	}
	return string(plaintext), nil
}

// EncryptJSON marshals v and encrypts the result.
func EncryptJSON(v any, key []byte) (EncryptedData, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return EncryptedData{}, fmt.Errorf("failed to marshal value: %w", err)
	}
	return Encrypt(string(raw), key)
}

// DecryptJSON decrypts data and unmarshals the plaintext into out.
func DecryptJSON(data EncryptedData, key []byte, out any) error {
	plaintext, err := Decrypt(data, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), out); err != nil {
		return fmt.Errorf("failed to unmarshal decrypted value: %w", err)
	}
	return nil
}

// SecureCompare reports whether a and b are equal in constant time.
func SecureCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateKey returns a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
