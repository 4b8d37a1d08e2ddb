package fieldaccess_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
	"github.com/frahmantamala/fieldguard/internal/transport"
	"github.com/frahmantamala/fieldguard/pkg/logger"
)

type builtinResolver struct {
	err error
}

func (b builtinResolver) GetEffectivePolicy(_ context.Context, role, _ string) (fieldaccess.Policy, error) {
	return fieldaccess.GetPolicy(role), b.err
}

func jsonHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

var _ = Describe("Field access middleware", func() {
	var (
		sink *recordingSink
		mw   *fieldaccess.Middleware
	)

	BeforeEach(func() {
		sink = &recordingSink{}
		mw = fieldaccess.NewMiddleware(builtinResolver{}, sink, nil, transport.NewBaseHandler(logger.Discard()))
	})

	serve := func(cfg fieldaccess.RouteConfig, h http.Handler, method string, p *apperrors.Principal) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/patients/1", nil)
		if p != nil {
			req = req.WithContext(apperrors.ContextWithPrincipal(req.Context(), *p))
		}
		rec := httptest.NewRecorder()
		mw.Route(cfg)(h).ServeHTTP(rec, req)
		return rec
	}

	It("filters a single record for the caller", func() {
		// Given a user fetching their own patient record
		h := jsonHandler(http.StatusOK, `{"id":"1","userId":"u1","name":"Jo","medicalNotes":"flu"}`)

		// When the response passes through the middleware
		rec := serve(fieldaccess.RouteConfig{}, h, http.MethodGet, &apperrors.Principal{UserID: "u1", Role: "user"})

		// Then the denied field is stripped and one audit event recorded
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`{"id":"1","userId":"u1","name":"Jo"}`))
		Expect(sink.Events()).To(HaveLen(1))
		Expect(sink.Events()[0].Action).To(Equal(fieldaccess.ActionRead))
		Expect(sink.Events()[0].Request.Endpoint).To(Equal("/patients/1"))
	})

	It("answers 404 for someone else's record", func() {
		h := jsonHandler(http.StatusOK, `{"id":"1","userId":"u2","name":"Jo"}`)
		rec := serve(fieldaccess.RouteConfig{}, h, http.MethodGet, &apperrors.Principal{UserID: "u1", Role: "user"})

		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(rec.Body.String()).NotTo(ContainSubstring("Jo"))
	})

	It("treats unauthenticated callers as public", func() {
		h := jsonHandler(http.StatusOK, `{"name":"Jo","email":"x"}`)
		rec := serve(fieldaccess.RouteConfig{}, h, http.MethodGet, nil)
		Expect(rec.Body.String()).To(MatchJSON(`{}`))
	})

	It("filters arrays and wrapped lists", func() {
		p := &apperrors.Principal{UserID: "u1", Role: "user"}
		arr := jsonHandler(http.StatusOK, `[{"userId":"u1","taxInfo":1},{"userId":"u2"}]`)
		rec := serve(fieldaccess.RouteConfig{}, arr, http.MethodGet, p)
		Expect(rec.Body.String()).To(MatchJSON(`[{"userId":"u1"}]`))

		wrapped := jsonHandler(http.StatusOK, `{"data":[{"userId":"u1","taxInfo":1},{"userId":"u2"}],"total":2}`)
		rec = serve(fieldaccess.RouteConfig{ListKey: "data"}, wrapped, http.MethodGet, p)
		Expect(rec.Body.String()).To(MatchJSON(`{"data":[{"userId":"u1"}],"total":2}`))
	})

	It("applies custom allow and deny after the policy", func() {
		h := jsonHandler(http.StatusOK, `{"name":"Jo","phone":"1","email":"e","note":"n"}`)
		cfg := fieldaccess.RouteConfig{CustomAllow: []string{"name", "phone", "email"}, CustomDeny: []string{"phone"}}
		rec := serve(cfg, h, http.MethodGet, &apperrors.Principal{UserID: "a1", Role: "admin"})
		Expect(rec.Body.String()).To(MatchJSON(`{"name":"Jo","email":"e"}`))
	})

	It("forbids actions the entity rule disallows", func() {
		called := false
		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
		rec := serve(fieldaccess.RouteConfig{EntityName: "Visit"}, h, http.MethodDelete, &apperrors.Principal{UserID: "d1", Role: "doctor"})

		Expect(rec.Code).To(Equal(http.StatusForbidden))
		Expect(called).To(BeFalse())
		Expect(sink.Events()).To(HaveLen(1))
		Expect(sink.Events()[0].DenialReason).To(Equal(fieldaccess.ReasonAction))
	})

	It("skips filtering when configured", func() {
		h := jsonHandler(http.StatusOK, `{"medicalNotes":"flu"}`)
		rec := serve(fieldaccess.RouteConfig{SkipFLAC: true}, h, http.MethodGet, nil)
		Expect(rec.Body.String()).To(Equal(`{"medicalNotes":"flu"}`))
	})

	It("does not audit when audit is skipped", func() {
		h := jsonHandler(http.StatusOK, `{"userId":"u1","medicalNotes":"flu"}`)
		serve(fieldaccess.RouteConfig{SkipAudit: true}, h, http.MethodGet, &apperrors.Principal{UserID: "u1", Role: "user"})
		Expect(sink.Events()).To(BeEmpty())
	})

	It("passes error responses through", func() {
		h := jsonHandler(http.StatusBadRequest, `{"error":{"medicalNotes":"bad"}}`)
		rec := serve(fieldaccess.RouteConfig{}, h, http.MethodPost, &apperrors.Principal{UserID: "u1", Role: "user"})
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(Equal(`{"error":{"medicalNotes":"bad"}}`))
	})

	It("fails closed on an unparseable JSON body", func() {
		h := jsonHandler(http.StatusOK, `{"medicalNotes":`)
		rec := serve(fieldaccess.RouteConfig{}, h, http.MethodGet, &apperrors.Principal{UserID: "u1", Role: "user"})
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).NotTo(ContainSubstring("medicalNotes"))
	})

	It("fails the request when the policy cannot be resolved", func() {
		// Given a rule store that is down
		mw = fieldaccess.NewMiddleware(builtinResolver{err: errors.New("db down")}, sink, nil, transport.NewBaseHandler(logger.Discard()))
		called := false
		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			jsonHandler(http.StatusOK, `{"userId":"u1","phone":"555","name":"Jo"}`).ServeHTTP(w, r)
		})

		// When the owner reads their record
		rec := serve(fieldaccess.RouteConfig{}, h, http.MethodGet, &apperrors.Principal{UserID: "u1", Role: "user"})

		// Then nothing of the record is served
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).NotTo(ContainSubstring("555"))
		Expect(called).To(BeFalse())
		Expect(sink.Events()).To(BeEmpty())
	})

	It("fails the request when persisted rules cannot be loaded", func() {
		svc := fieldaccess.NewService(failingRules{}, nil, logger.Discard())
		mw = fieldaccess.NewMiddleware(svc, sink, nil, transport.NewBaseHandler(logger.Discard()))
		h := jsonHandler(http.StatusOK, `{"userId":"u1","phone":"555","name":"Jo"}`)
		rec := serve(fieldaccess.RouteConfig{}, h, http.MethodGet, &apperrors.Principal{UserID: "u1", Role: "user"})
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).NotTo(ContainSubstring("Jo"))
	})
})
