package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/frahmantamala/fieldguard/internal/encryption"
	"github.com/frahmantamala/fieldguard/pkg/logger"
)

const (
	redacted     = "[REDACTED]"
	maxBodyBytes = 64 << 10
)

// sensitiveHeaders are matched by substring on the lower-cased header name.
var sensitiveHeaders = []string{"authorization", "cookie", "token", "secret", "key"}

// LoggingMiddleware logs one line per request. Bodies are only captured when the
// logger is at DEBUG, and sensitive keys are redacted before they are written.
func LoggingMiddleware(base *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lg, ok := logger.FromContext(r.Context())
			if !ok {
				lg = base
			}
			debug := lg.Enabled(r.Context(), slog.LevelDebug)

			if debug {
				var body []byte
				if r.Body != nil {
					body, _ = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
					r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
				}
				lg.Debug("incoming request",
					"method", r.Method,
					"path", r.URL.Path,
					"query", r.URL.RawQuery,
					"headers", RedactHeaders(r.Header),
					"body", RedactBody(body),
				)
			}

			rw := &responseWriter{ResponseWriter: w, capture: debug}
			next.ServeHTTP(rw, r)

			status := rw.status()
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes", rw.size,
				"remote_addr", r.RemoteAddr,
			}
			if debug {
				attrs = append(attrs, "body", RedactBody(rw.body.Bytes()))
			}
			lg.Log(context.Background(), level, "request completed", attrs...)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
	capture    bool
	body       bytes.Buffer
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.statusCode == 0 {
		rw.statusCode = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.capture && rw.body.Len() < maxBodyBytes {
		rw.body.Write(b)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func (rw *responseWriter) status() int {
	if rw.statusCode == 0 {
		return http.StatusOK
	}
	return rw.statusCode
}

func RedactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		lower := strings.ToLower(name)
		out[name] = strings.Join(values, ", ")
		for _, s := range sensitiveHeaders {
			if strings.Contains(lower, s) {
				out[name] = redacted
				break
			}
		}
	}
	return out
}

// RedactBody returns body as a string with sensitive JSON values replaced.
// Non-JSON bodies are logged only by size.
func RedactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Sprintf("[non-json body, %d bytes]", len(body))
	}
	out, err := json.Marshal(redact(data))
	if err != nil {
		return "[unloggable body]"
	}
	return string(out)
}

func redact(data any) any {
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			if isSensitiveKey(key) {
				out[key] = redacted
				continue
			}
			out[key] = redact(value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redact(item)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	if key == encryption.EncryptedKey || key == encryption.EncryptedDEKKey {
		return true
	}
	return encryption.IsSensitiveName(key)
}
