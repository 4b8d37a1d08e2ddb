package keyprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	awsv2xray "github.com/aws/aws-xray-sdk-go/instrumentation/awsv2"
	"github.com/aws/aws-xray-sdk-go/xray"

	"github.com/frahmantamala/fieldguard/internal/crypto/aesgcm"
	"github.com/frahmantamala/fieldguard/internal/metrics"
)

// KMSAPI is the subset of the AWS KMS client used by Managed.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type ManagedConfig struct {
	KeyID        string
	Region       string
	Endpoint     string
	EnableTracer bool
}

// Managed delegates data key generation and unwrapping to AWS KMS.
type Managed struct {
	client  KMSAPI
	keyID   string
	tracing bool
	metrics *metrics.Metrics
}

func NewManaged(ctx context.Context, cfg ManagedConfig) (*Managed, error) {
	if cfg.KeyID == "" {
		return nil, ErrMissingKMSKeyID
	}
	if cfg.Region == "" {
		return nil, ErrMissingKMSRegion
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	if cfg.EnableTracer {
		awsv2xray.AWSV2Instrumentor(&awsCfg.APIOptions)
	}

	client := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	m := NewManagedWithClient(client, cfg.KeyID)
	m.tracing = cfg.EnableTracer
	return m, nil
}

// NewManagedWithClient builds a Managed provider around an existing client.
func NewManagedWithClient(client KMSAPI, keyID string) *Managed {
	return &Managed{client: client, keyID: keyID}
}

func (m *Managed) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	defer m.metrics.ObserveKMS(string(StrategyManagedKMS), "generate", time.Now())

	var out *kms.GenerateDataKeyOutput
	err := m.capture(ctx, "KMS.GenerateDataKey", func(ctx context.Context) error {
		var err error
		out, err = m.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(m.keyID),
			KeySpec: types.DataKeySpecAes256,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kms generate data key: %w", err)
	}
	if len(out.Plaintext) != aesgcm.KeySize || len(out.CiphertextBlob) == 0 {
		aesgcm.Zero(out.Plaintext)
		return nil, ErrInvalidDataKey
	}

	return &DataKey{Plaintext: out.Plaintext, Wrapped: out.CiphertextBlob}, nil
}

func (m *Managed) UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	defer m.metrics.ObserveKMS(string(StrategyManagedKMS), "unwrap", time.Now())

	if len(wrapped) == 0 {
		return nil, ErrInvalidWrappedKey
	}

	var out *kms.DecryptOutput
	err := m.capture(ctx, "KMS.Decrypt", func(ctx context.Context) error {
		var err error
		out, err = m.client.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: wrapped,
			KeyId:          aws.String(m.keyID),
		})
		return err
	})
	if err != nil {
		var invalid *types.InvalidCiphertextException
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("%w: %v", ErrKeyUnwrapFailed, err)
		}
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}
	if len(out.Plaintext) != aesgcm.KeySize {
		aesgcm.Zero(out.Plaintext)
		return nil, ErrInvalidDataKey
	}
	return out.Plaintext, nil
}

func (m *Managed) IsEnabled() bool { return true }

func (m *Managed) HealthCheck(ctx context.Context) bool { return roundTrip(ctx, m) }

func (m *Managed) Strategy() Strategy { return StrategyManagedKMS }

func (m *Managed) capture(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.tracing {
		return fn(ctx)
	}
	return xray.Capture(ctx, name, fn)
}
