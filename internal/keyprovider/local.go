package keyprovider

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/frahmantamala/fieldguard/internal/crypto/aesgcm"
	"github.com/frahmantamala/fieldguard/internal/metrics"
)

// Local wraps DEKs under a statically configured master key.
// Wrapped layout: iv(12) || tag(16) || ciphertext.
type Local struct {
	aead    cipher.AEAD
	metrics *metrics.Metrics
}

// NewLocal parses a 64 hex character master key.
func NewLocal(masterKeyHex string) (*Local, error) {
	if len(masterKeyHex) != 2*aesgcm.KeySize {
		return nil, ErrInvalidMasterKey
	}
	master, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	defer aesgcm.Zero(master)

	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, fmt.Errorf("failed to create master cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create master gcm: %w", err)
	}
	return &Local{aead: aead}, nil
}

// GenerateMasterKey returns a random master key in the hex form NewLocal expects.
func GenerateMasterKey() (string, error) {
	key, err := aesgcm.GenerateKey()
	if err != nil {
		return "", err
	}
	defer aesgcm.Zero(key)
	return hex.EncodeToString(key), nil
}

func (l *Local) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	defer l.metrics.ObserveKMS(string(StrategyLocal), "generate", time.Now())

	dek, err := aesgcm.GenerateKey()
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aesgcm.NonceSize)
	if _, err := rand.Read(iv); err != nil {
		aesgcm.Zero(dek)
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := l.aead.Seal(nil, iv, dek, nil)
	ct, tag := sealed[:len(sealed)-aesgcm.TagSize], sealed[len(sealed)-aesgcm.TagSize:]

	wrapped := make([]byte, 0, len(iv)+len(tag)+len(ct))
	wrapped = append(wrapped, iv...)
	wrapped = append(wrapped, tag...)
	wrapped = append(wrapped, ct...)

	return &DataKey{Plaintext: dek, Wrapped: wrapped}, nil
}

func (l *Local) UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	defer l.metrics.ObserveKMS(string(StrategyLocal), "unwrap", time.Now())

	if len(wrapped) <= aesgcm.NonceSize+aesgcm.TagSize {
		return nil, ErrInvalidWrappedKey
	}
	iv := wrapped[:aesgcm.NonceSize]
	tag := wrapped[aesgcm.NonceSize : aesgcm.NonceSize+aesgcm.TagSize]
	ct := wrapped[aesgcm.NonceSize+aesgcm.TagSize:]

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	dek, err := l.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrKeyUnwrapFailed
	}
	if len(dek) != aesgcm.KeySize {
		aesgcm.Zero(dek)
		return nil, ErrInvalidDataKey
	}
	return dek, nil
}

func (l *Local) IsEnabled() bool { return true }

func (l *Local) HealthCheck(ctx context.Context) bool { return roundTrip(ctx, l) }

func (l *Local) Strategy() Strategy { return StrategyLocal }
