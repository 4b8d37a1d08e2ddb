// Package keyprovider generates and unwraps per-record data encryption keys.
// One Provider is selected at startup from configuration; call sites never
// branch on the strategy.
package keyprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/frahmantamala/fieldguard/internal/crypto/aesgcm"
	"github.com/frahmantamala/fieldguard/internal/metrics"
)

type Strategy string

const (
	StrategyDisabled   Strategy = "disabled"
	StrategyLocal      Strategy = "local"
	StrategyManagedKMS Strategy = "managed-kms"
)

var (
	ErrProviderDisabled  = errors.New("encryption is disabled")
	ErrKeyUnwrapFailed   = errors.New("failed to unwrap data key")
	ErrInvalidMasterKey  = errors.New("master key must be 64 hex characters (32 bytes)")
	ErrUnknownStrategy   = errors.New("unknown encryption strategy")
	ErrMissingKMSKeyID   = errors.New("managed kms requires a key id")
	ErrMissingKMSRegion  = errors.New("managed kms requires a region")
	ErrInvalidDataKey    = errors.New("key provider returned an invalid data key")
	ErrInvalidWrappedKey = errors.New("wrapped key is malformed")
)

// ParseStrategy accepts the configured strategy names. "aws_kms" is kept as an alias.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(StrategyDisabled):
		return StrategyDisabled, nil
	case string(StrategyLocal):
		return StrategyLocal, nil
	case string(StrategyManagedKMS), "aws_kms":
		return StrategyManagedKMS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// DataKey is a freshly generated DEK together with its wrapped form.
type DataKey struct {
	Plaintext []byte
	Wrapped   []byte
}

// Destroy zeroes the plaintext key.
func (k *DataKey) Destroy() {
	if k == nil {
		return
	}
	aesgcm.Zero(k.Plaintext)
}

type Provider interface {
	GenerateDataKey(ctx context.Context) (*DataKey, error)
	UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error)
	IsEnabled() bool
	HealthCheck(ctx context.Context) bool
	Strategy() Strategy
}

type Config struct {
	Strategy     string
	MasterKey    string
	KMSKeyID     string
	KMSRegion    string
	KMSEndpoint  string
	EnableTracer bool
}

// New builds the provider for cfg.Strategy. Invalid key material is an error,
// never a silent downgrade to the disabled provider.
func New(ctx context.Context, cfg Config, m *metrics.Metrics) (Provider, error) {
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	switch strategy {
	case StrategyLocal:
		p, err := NewLocal(cfg.MasterKey)
		if err != nil {
			return nil, err
		}
		p.metrics = m
		return p, nil
	case StrategyManagedKMS:
		p, err := NewManaged(ctx, ManagedConfig{
			KeyID:        cfg.KMSKeyID,
			Region:       cfg.KMSRegion,
			Endpoint:     cfg.KMSEndpoint,
			EnableTracer: cfg.EnableTracer,
		})
		if err != nil {
			return nil, err
		}
		p.metrics = m
		return p, nil
	default:
		return Disabled{}, nil
	}
}

// roundTrip generates a key, unwraps it again and compares both plaintexts.
func roundTrip(ctx context.Context, p Provider) bool {
	dk, err := p.GenerateDataKey(ctx)
	if err != nil {
		return false
	}
	defer dk.Destroy()

	unwrapped, err := p.UnwrapKey(ctx, dk.Wrapped)
	if err != nil {
		return false
	}
	defer aesgcm.Zero(unwrapped)

	return aesgcm.SecureCompare(dk.Plaintext, unwrapped)
}
