package encryption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/frahmantamala/fieldguard/internal/crypto/aesgcm"
	"github.com/frahmantamala/fieldguard/internal/keyprovider"
	"github.com/frahmantamala/fieldguard/internal/metrics"
)

const (
	EncryptedKey    = "_encrypted"
	EncryptedDEKKey = "_encryptedDek"
)

var (
	ErrIntegrityViolation = errors.New("encrypted data failed integrity check")
	ErrCorruptEnvelope    = errors.New("encryption envelope is corrupt")
	ErrAlreadyEncrypted   = errors.New("record is already encrypted")
)

// Record is the tree form of one document: a JSON object.
type Record = map[string]any

// FieldError names the field a record operation failed on.
type FieldError struct {
	Op    string
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("failed to %s field %q: %v", e.Op, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Result is the outcome of one record in an independent batch.
type Result struct {
	Record Record
	Err    error
}

type Info struct {
	Strategy string `json:"strategy"`
	Enabled  bool   `json:"enabled"`
}

type Service struct {
	provider    keyprovider.Provider
	logger      *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithConcurrency bounds how many records of a batch are processed at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewService(provider keyprovider.Provider, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		provider:    provider,
		logger:      logger,
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) IsEnabled() bool {
	return s.provider.IsEnabled()
}

func (s *Service) Info() Info {
	return Info{Strategy: string(s.provider.Strategy()), Enabled: s.provider.IsEnabled()}
}

// EncryptRecord returns a copy of record with fields moved into the envelope under
// a freshly generated data key. The input is never modified; on error nothing is returned.
func (s *Service) EncryptRecord(ctx context.Context, record Record, fields []string) (Record, error) {
	if !s.provider.IsEnabled() || record == nil || len(fields) == 0 {
		return record, nil
	}

	out, err := s.encryptRecord(ctx, record, fields)
	s.metrics.EncryptionOperation("encrypt", err)
	if err != nil {
		s.logger.Error("record encryption failed", "error", err, "fields", fields)
		return nil, err
	}
	return out, nil
}

func (s *Service) encryptRecord(ctx context.Context, record Record, fields []string) (Record, error) {
	_, hasEnc := record[EncryptedKey]
	_, hasDEK := record[EncryptedDEKKey]
	switch {
	case hasEnc && hasDEK:
		return nil, ErrAlreadyEncrypted
	case hasEnc || hasDEK:
		return nil, ErrCorruptEnvelope
	}

	plaintexts := make(map[string]string, len(fields))
	for _, field := range fields {
		value, ok := record[field]
		if !ok || value == nil {
			continue
		}
		pt, err := serialize(value)
		if err != nil {
			return nil, &FieldError{Op: "encrypt", Field: field, Err: err}
		}
		// empty strings carry nothing to protect
		if pt == "" {
			continue
		}
		plaintexts[field] = pt
	}
	if len(plaintexts) == 0 {
		return record, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dk, err := s.provider.GenerateDataKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	defer dk.Destroy()

	staged := make(map[string]aesgcm.EncryptedData, len(plaintexts))
	for field, pt := range plaintexts {
		enc, err := aesgcm.Encrypt(pt, dk.Plaintext)
		if err != nil {
			return nil, &FieldError{Op: "encrypt", Field: field, Err: err}
		}
		staged[field] = enc
	}

	out := make(Record, len(record)+2)
	for k, v := range record {
		if _, encrypted := staged[k]; encrypted {
			continue
		}
		out[k] = v
	}
	out[EncryptedKey] = staged
	out[EncryptedDEKKey] = dk.Wrapped
	return out, nil
}

// DecryptRecord restores fields from the envelope and strips it. Records without
// an envelope are returned unchanged.
func (s *Service) DecryptRecord(ctx context.Context, record Record, fields []string) (Record, error) {
	if !s.provider.IsEnabled() || record == nil {
		return record, nil
	}

	out, err := s.decryptRecord(ctx, record, fields)
	if out == nil && err == nil {
		return record, nil
	}
	s.metrics.EncryptionOperation("decrypt", err)
	if err != nil {
		if errors.Is(err, ErrIntegrityViolation) {
			s.logger.Warn("encrypted record failed integrity check", "error", err)
		} else {
			s.logger.Error("record decryption failed", "error", err)
		}
		return nil, err
	}
	return out, nil
}

func (s *Service) decryptRecord(ctx context.Context, record Record, fields []string) (Record, error) {
	rawEnc, hasEnc := record[EncryptedKey]
	rawDEK, hasDEK := record[EncryptedDEKKey]
	if !hasEnc && !hasDEK {
		return nil, nil
	}
	if hasEnc != hasDEK {
		return nil, ErrCorruptEnvelope
	}

	envelope, err := parseEnvelope(rawEnc)
	if err != nil {
		return nil, err
	}
	wrapped, err := parseWrappedKey(rawDEK)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := s.provider.UnwrapKey(ctx, wrapped)
	if err != nil {
		if errors.Is(err, keyprovider.ErrKeyUnwrapFailed) {
			return nil, fmt.Errorf("%w: %w", ErrIntegrityViolation, err)
		}
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}
	defer aesgcm.Zero(key)

	staged := make(map[string]any, len(fields))
	for _, field := range fields {
		data, ok := envelope[field]
		if !ok {
			continue
		}
		pt, err := aesgcm.Decrypt(data, key)
		if err != nil {
			if errors.Is(err, aesgcm.ErrIntegrityCheckFailed) || errors.Is(err, aesgcm.ErrMalformedEnvelope) {
				err = fmt.Errorf("%w: %w", ErrIntegrityViolation, err)
			}
			return nil, &FieldError{Op: "decrypt", Field: field, Err: err}
		}
		staged[field] = deserialize(pt)
	}

	out := make(Record, len(record)+len(staged))
	for k, v := range record {
		if k == EncryptedKey || k == EncryptedDEKKey {
			continue
		}
		out[k] = v
	}
	for k, v := range staged {
		out[k] = v
	}
	return out, nil
}

// EncryptRecords encrypts every record with its own data key. The first failure
// cancels the rest and no records are returned.
func (s *Service) EncryptRecords(ctx context.Context, records []Record, fields []string) ([]Record, error) {
	return s.allOrNothing(ctx, records, func(ctx context.Context, r Record) (Record, error) {
		return s.EncryptRecord(ctx, r, fields)
	})
}

func (s *Service) DecryptRecords(ctx context.Context, records []Record, fields []string) ([]Record, error) {
	return s.allOrNothing(ctx, records, func(ctx context.Context, r Record) (Record, error) {
		return s.DecryptRecord(ctx, r, fields)
	})
}

// EncryptEach encrypts records independently; a failure only affects its own result.
func (s *Service) EncryptEach(ctx context.Context, records []Record, fields []string) []Result {
	return s.each(ctx, records, func(ctx context.Context, r Record) (Record, error) {
		return s.EncryptRecord(ctx, r, fields)
	})
}

func (s *Service) DecryptEach(ctx context.Context, records []Record, fields []string) []Result {
	return s.each(ctx, records, func(ctx context.Context, r Record) (Record, error) {
		return s.DecryptRecord(ctx, r, fields)
	})
}

type recordFunc func(ctx context.Context, r Record) (Record, error)

func (s *Service) allOrNothing(ctx context.Context, records []Record, fn recordFunc) ([]Record, error) {
	out := make([]Record, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, r := range records {
		g.Go(func() error {
			res, err := fn(gctx, r)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) each(ctx context.Context, records []Record, fn recordFunc) []Result {
	results := make([]Result, len(records))
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, r := range records {
		g.Go(func() error {
			res, err := fn(ctx, r)
			results[i] = Result{Record: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ValidateEncryption reports whether record carries a complete, well-formed envelope.
func (s *Service) ValidateEncryption(record Record) bool {
	rawEnc, hasEnc := record[EncryptedKey]
	rawDEK, hasDEK := record[EncryptedDEKKey]
	if !hasEnc || !hasDEK {
		return false
	}
	envelope, err := parseEnvelope(rawEnc)
	if err != nil {
		return false
	}
	wrapped, err := parseWrappedKey(rawDEK)
	if err != nil || len(wrapped) == 0 {
		return false
	}
	for _, data := range envelope {
		if !wellFormed(data) {
			return false
		}
	}
	return true
}

// HealthCheck verifies the key provider and a full encrypt/decrypt cycle.
func (s *Service) HealthCheck(ctx context.Context) bool {
	if !s.provider.IsEnabled() || !s.provider.HealthCheck(ctx) {
		return false
	}

	canary := Record{"canary": "fieldguard-health"}
	enc, err := s.encryptRecord(ctx, canary, []string{"canary"})
	if err != nil {
		s.logger.Warn("encryption health check failed", "stage", "encrypt", "error", err)
		return false
	}
	dec, err := s.decryptRecord(ctx, enc, []string{"canary"})
	if err != nil {
		s.logger.Warn("encryption health check failed", "stage", "decrypt", "error", err)
		return false
	}
	return dec["canary"] == canary["canary"]
}

func serialize(v any) (string, error) {
	if str, ok := v.(string); ok {
		return str, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// deserialize parses JSON, falling back to the raw string for plain text values.
// Numbers stay json.Number so large integers survive the round trip.
func deserialize(pt string) any {
	dec := json.NewDecoder(strings.NewReader(pt))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return pt
	}
	if _, err := dec.Token(); err != io.EOF {
		return pt
	}
	return v
}
