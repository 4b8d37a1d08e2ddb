package encryption

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/keyprovider"
	"github.com/frahmantamala/fieldguard/internal/transport"
)

var errNotARecord = errors.New("array element is not an object")

// Middleware encrypts fields of JSON request bodies on POST, PUT and PATCH and
// decrypts them in successful JSON responses. Any failure fails the request;
// partially processed data is never passed on.
func (s *Service) Middleware(fields []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !s.provider.IsEnabled() || len(fields) == 0 {
			return next
		}
		base := transport.NewBaseHandler(s.logger)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWrite(r.Method) && r.Body != nil {
				if err := s.encryptRequestBody(r, fields); err != nil {
					base.WriteAppError(w, toAppError(err))
					return
				}
			}

			buf := transport.NewResponseBuffer()
			next.ServeHTTP(buf, r)

			if !buf.Rewritable() {
				buf.Passthrough(w)
				return
			}

			body, err := s.transformJSON(r.Context(), buf.Body(), fields, s.DecryptRecord, s.DecryptRecords)
			if err != nil {
				base.WriteAppError(w, toAppError(err))
				return
			}
			buf.Send(w, body)
		})
	}
}

func (s *Service) encryptRequestBody(r *http.Request, fields []string) error {
	raw, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return internal.NewValidationError("Failed to read request body", internal.ErrCodeInvalidPayload).WithCause(err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		raw, err = s.transformJSON(r.Context(), raw, fields, s.EncryptRecord, s.EncryptRecords)
		if err != nil {
			return err
		}
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	r.ContentLength = int64(len(raw))
	return nil
}

type singleFunc func(context.Context, Record, []string) (Record, error)
type batchFunc func(context.Context, []Record, []string) ([]Record, error)

func (s *Service) transformJSON(ctx context.Context, raw []byte, fields []string, one singleFunc, many batchFunc) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, internal.NewValidationError("Invalid JSON body", internal.ErrCodeInvalidPayload).WithCause(err)
	}

	var out any
	switch v := body.(type) {
	case map[string]any:
		rec, err := one(ctx, v, fields)
		if err != nil {
			return nil, err
		}
		out = rec
	case []any:
		records := make([]Record, len(v))
		for i, el := range v {
			rec, ok := el.(map[string]any)
			if !ok {
				return nil, internal.NewValidationError("Invalid JSON body", internal.ErrCodeInvalidPayload).
					WithCause(fmt.Errorf("element %d: %w", i, errNotARecord))
			}
			records[i] = rec
		}
		recs, err := many(ctx, records, fields)
		if err != nil {
			return nil, err
		}
		out = recs
	default:
		return raw, nil
	}

	return json.Marshal(out)
}

func toAppError(err error) error {
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrIntegrityViolation), errors.Is(err, ErrCorruptEnvelope):
		return internal.NewIntegrityError(err)
	case errors.Is(err, keyprovider.ErrProviderDisabled):
		return internal.NewConfigurationError("Encryption is not configured", err)
	case errors.Is(err, ErrAlreadyEncrypted):
		return internal.NewValidationError("Record is already encrypted", internal.ErrCodeInvalidPayload).WithCause(err)
	default:
		appErr := internal.NewInternalError("Failed to process encrypted fields", err)
		appErr.Code = internal.ErrCodeEncryptionFailed
		return appErr
	}
}

func isWrite(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}
