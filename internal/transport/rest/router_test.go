package rest_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/auth"
	"github.com/frahmantamala/fieldguard/internal/encryption"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
	"github.com/frahmantamala/fieldguard/internal/keyprovider"
	"github.com/frahmantamala/fieldguard/internal/metrics"
	"github.com/frahmantamala/fieldguard/internal/transport"
	"github.com/frahmantamala/fieldguard/internal/transport/rest"
	"github.com/frahmantamala/fieldguard/pkg/logger"
)

var testMasterKey = strings.Repeat("00", 32)

// stubAuth accepts "<role>-token" as an access token for user "<role>-1".
type stubAuth struct{}

func (stubAuth) IssueSession(context.Context, internal.Principal, auth.ClientInfo) (*auth.TokenPair, error) {
	return nil, internal.ErrInvalidToken
}

func (stubAuth) Refresh(context.Context, string, auth.ClientInfo) (*auth.TokenPair, error) {
	return nil, internal.ErrInvalidRefreshToken
}

func (stubAuth) Logout(context.Context, string) error { return nil }

func (stubAuth) LogoutAll(context.Context, string) (int64, error) { return 0, nil }

func (stubAuth) Sessions(context.Context, string) ([]auth.SessionDTO, error) { return nil, nil }

func (stubAuth) ValidateAccessToken(token string) (*auth.Claims, error) {
	role, ok := strings.CutSuffix(token, "-token")
	if !ok {
		return nil, internal.ErrInvalidToken
	}
	return &auth.Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{Subject: role + "-1"}}, nil
}

type builtinResolver struct{}

func (builtinResolver) GetEffectivePolicy(_ context.Context, role, _ string) (fieldaccess.Policy, error) {
	return fieldaccess.GetPolicy(role), nil
}

func jsonResponse(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
}

var _ = Describe("Router", func() {
	var (
		router chi.Router
		deps   rest.Dependencies
		base   *transport.BaseHandler
	)

	BeforeEach(func() {
		base = transport.NewBaseHandler(logger.Discard())
		deps = rest.Dependencies{
			Logger:      logger.Discard(),
			Metrics:     metrics.New(prometheus.NewRegistry()),
			MetricsPath: "/internal/metrics",
			Auth:        auth.NewHandler(base, stubAuth{}),
			Encryption:  encryption.NewHandler(encryption.NewService(keyprovider.Disabled{}, logger.Discard()), base),
			FLAC:        fieldaccess.NewMiddleware(builtinResolver{}, nil, nil, base),
		}
	})

	serve := func(method, path, token, body string) *httptest.ResponseRecorder {
		router = chi.NewRouter()
		rest.RegisterAllRoutes(router, deps)
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("serves metrics on the configured path", func() {
		Expect(serve(http.MethodGet, "/internal/metrics", "", "").Code).To(Equal(http.StatusOK))
		Expect(serve(http.MethodGet, "/metrics", "", "").Code).To(Equal(http.StatusNotFound))
	})

	It("echoes a trace id", func() {
		rec := serve(http.MethodGet, "/api/v1/ping", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("X-Trace-ID")).NotTo(BeEmpty())
	})

	DescribeTable("guards the admin API",
		func(token string, status int) {
			Expect(serve(http.MethodGet, "/api/v1/encryption/status", token, "").Code).To(Equal(status))
		},
		Entry("anonymous", "", http.StatusUnauthorized),
		Entry("invalid token", "garbage", http.StatusUnauthorized),
		Entry("doctor", "doctor-token", http.StatusForbidden),
		Entry("admin", "admin-token", http.StatusOK),
		Entry("super admin", "super_admin-token", http.StatusOK),
	)

	Describe("resources", func() {
		It("filters list responses for the caller", func() {
			// Given a wrapped list with records of two users
			deps.Resources = []rest.Resource{{
				Method:  http.MethodGet,
				Pattern: "/records",
				Handler: jsonResponse(`{"data":[{"userId":"user-1","name":"a","internalNotes":"x"},{"userId":"other","name":"b"}],"count":2}`),
				Access:  fieldaccess.RouteConfig{RequireSelfOnly: true, ListKey: "data"},
			}}

			// When the owner lists them
			rec := serve(http.MethodGet, "/api/v1/records", "user-token", "")

			// Then only their record remains, without denied fields
			Expect(rec.Code).To(Equal(http.StatusOK))
			var resp struct {
				Data []map[string]any `json:"data"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Data).To(Equal([]map[string]any{{"userId": "user-1", "name": "a"}}))
		})

		It("respects the method restriction", func() {
			deps.Resources = []rest.Resource{{Method: http.MethodGet, Pattern: "/records", Handler: jsonResponse(`{}`)}}
			Expect(serve(http.MethodDelete, "/api/v1/records", "admin-token", "").Code).To(Equal(http.StatusMethodNotAllowed))
		})
	})
})

var _ = Describe("Protect", func() {
	var (
		flac     *fieldaccess.Middleware
		enc      *encryption.Service
		received []byte
		echo     http.Handler
	)

	BeforeEach(func() {
		base := transport.NewBaseHandler(logger.Discard())
		flac = fieldaccess.NewMiddleware(builtinResolver{}, nil, nil, base)
		local, err := keyprovider.NewLocal(testMasterKey)
		Expect(err).NotTo(HaveOccurred())
		enc = encryption.NewService(local, logger.Discard())
		echo = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received, _ = io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(received)
		})
	})

	It("encrypts the stored record and filters the decrypted response", func() {
		// Given
		h := rest.Protect(flac, enc, fieldaccess.RouteConfig{}, "ssn")(echo)
		req := httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader(`{"userId":"u1","ssn":"123","internalNotes":"x"}`))
		req = req.WithContext(internal.ContextWithPrincipal(req.Context(), internal.Principal{UserID: "u1", Role: "user"}))

		// When
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		// Then the handler never saw the plaintext
		Expect(string(received)).NotTo(ContainSubstring("123"))
		Expect(string(received)).To(ContainSubstring(encryption.EncryptedKey))

		// And the caller gets plaintext minus denied fields
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`{"userId":"u1","ssn":"123"}`))
	})

	It("skips what is not configured", func() {
		h := rest.Protect(nil, nil, fieldaccess.RouteConfig{})(echo)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"ssn":"1"}`)))
		Expect(rec.Body.String()).To(Equal(`{"ssn":"1"}`))
	})
})
