package fieldaccess_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess/postgres"
	"github.com/frahmantamala/fieldguard/internal/transport"
	"github.com/frahmantamala/fieldguard/pkg/logger"
)

var _ = Describe("Field access admin handler", func() {
	var router chi.Router

	BeforeEach(func() {
		db := newTestDB()
		service := fieldaccess.NewService(postgres.NewRuleRepository(db), postgres.NewAccessLogRepository(db), logger.Discard())
		handler := fieldaccess.NewHandler(transport.NewBaseHandler(logger.Discard()), service)
		router = chi.NewRouter()
		router.Route("/field-access", handler.Routes)
	})

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, path, nil)
		} else {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		}
		req = req.WithContext(apperrors.ContextWithPrincipal(req.Context(), apperrors.Principal{UserID: "admin-1", Role: "admin"}))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("creates, reads, updates, deactivates and deletes a rule", func() {
		rec := do(http.MethodPost, "/field-access/rules", `{"role":"manager","deny":["salary"],"priority":5}`)
		Expect(rec.Code).To(Equal(http.StatusCreated))
		var created fieldaccess.Rule
		Expect(json.Unmarshal(rec.Body.Bytes(), &created)).To(Succeed())
		Expect(created.CreatedBy).To(Equal("admin-1"))

		rec = do(http.MethodGet, "/field-access/rules/"+created.ID, "")
		Expect(rec.Code).To(Equal(http.StatusOK))

		rec = do(http.MethodPut, "/field-access/rules/"+created.ID, `{"deny":["salary","bonus"]}`)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"bonus"`))

		rec = do(http.MethodPut, "/field-access/rules/"+created.ID+"/deactivate", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"isActive":false`))

		rec = do(http.MethodGet, "/field-access/rules?active=true", "")
		Expect(rec.Body.String()).To(ContainSubstring(`"count":0`))

		rec = do(http.MethodPut, "/field-access/rules/"+created.ID+"/activate", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"isActive":true`))

		rec = do(http.MethodPatch, "/field-access/rules/"+created.ID+"/deactivate", "")
		Expect(rec.Code).To(Equal(http.StatusOK))

		rec = do(http.MethodDelete, "/field-access/rules/"+created.ID, "")
		Expect(rec.Code).To(Equal(http.StatusNoContent))

		rec = do(http.MethodGet, "/field-access/rules/"+created.ID, "")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(rec.Body.String()).To(ContainSubstring("RULE_NOT_FOUND"))
	})

	It("rejects invalid patterns", func() {
		rec := do(http.MethodPost, "/field-access/rules", `{"role":"manager","deny":["bad pattern"]}`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring("INVALID_PATTERN"))
	})

	It("rejects malformed JSON", func() {
		rec := do(http.MethodPost, "/field-access/rules", `{"role":`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring("INVALID_PAYLOAD"))
	})

	It("shows the effective policy for a role and entity", func() {
		do(http.MethodPost, "/field-access/rules", `{"role":"doctor","entityName":"Visit","deny":["notes"]}`)

		rec := do(http.MethodGet, "/field-access/policy/doctor?entityName=Visit", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp fieldaccess.PolicyResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Policy.Deny).To(ContainElement("notes"))
		Expect(resp.EntityName).To(Equal("Visit"))
	})

	It("previews a redacted record", func() {
		rec := do(http.MethodPost, "/field-access/preview", `{"role":"manager","resource":{"name":"Jo","boardNotes":"x"}}`)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp fieldaccess.PreviewResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Resource).To(Equal(map[string]any{"name": "Jo"}))
		Expect(resp.DeniedFields).To(Equal([]string{"boardNotes"}))
	})

	It("bulk creates, exports and imports", func() {
		rec := do(http.MethodPost, "/field-access/rules/bulk", `{"rules":[{"role":"user","deny":["a"]},{"role":"admin","deny":["b"]}]}`)
		Expect(rec.Code).To(Equal(http.StatusCreated))

		rec = do(http.MethodGet, "/field-access/export", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Disposition")).To(ContainSubstring("field-access-rules-"))
		var export fieldaccess.RulesExport
		Expect(json.Unmarshal(rec.Body.Bytes(), &export)).To(Succeed())
		Expect(export.Rules).To(HaveLen(2))
		Expect(rec.Body.String()).NotTo(ContainSubstring(`"id"`))

		export.Rules = export.Rules[:1]
		body, _ := json.Marshal(export)
		rec = do(http.MethodPost, "/field-access/import", string(body))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`{"imported":1}`))

		rec = do(http.MethodGet, "/field-access/rules", "")
		Expect(rec.Body.String()).To(ContainSubstring(`"count":1`))
	})

	It("exports over POST as well", func() {
		do(http.MethodPost, "/field-access/rules", `{"role":"user","deny":["a"]}`)

		rec := do(http.MethodPost, "/field-access/export", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		var export fieldaccess.RulesExport
		Expect(json.Unmarshal(rec.Body.Bytes(), &export)).To(Succeed())
		Expect(export.Rules).To(HaveLen(1))
	})

	It("imports a bare array of rules with column defaults", func() {
		// Given an existing rule
		do(http.MethodPost, "/field-access/rules", `{"role":"admin","deny":["b"]}`)

		// When a plain list of rules is imported
		rec := do(http.MethodPost, "/field-access/import", `[{"role":"user","entityName":null,"deny":["phone"],"priority":2,"description":"backup"}]`)

		// Then it replaces the stored set and gets the create defaults
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`{"imported":1}`))

		rec = do(http.MethodGet, "/field-access/rules", "")
		var resp fieldaccess.RulesResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Rules).To(HaveLen(1))
		Expect(resp.Rules[0].Role).To(Equal("user"))
		Expect(resp.Rules[0].AllowRead).To(BeTrue())
		Expect(resp.Rules[0].IsActive).To(BeTrue())
	})

	DescribeTable("refuses import bodies that name no rules",
		func(body string) {
			// Given a stored rule
			do(http.MethodPost, "/field-access/rules", `{"role":"user","deny":["a"]}`)

			// When the import body is malformed
			rec := do(http.MethodPost, "/field-access/import", body)

			// Then it is rejected and the stored rule survives
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodGet, "/field-access/rules", "").Body.String()).To(ContainSubstring(`"count":1`))
		},
		Entry("empty object", `{}`),
		Entry("misspelled key", `{"rule":[{"role":"user"}]}`),
		Entry("null rules", `{"version":1,"rules":null}`),
		Entry("no body", ``),
		Entry("scalar", `42`),
		Entry("unknown rule field", `[{"role":"user","denny":["a"]}]`),
	)

	It("serves logs and stats", func() {
		rec := do(http.MethodGet, "/field-access/logs?limit=5", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`{"logs":[],"count":0,"limit":5,"offset":0}`))

		rec = do(http.MethodGet, "/field-access/stats", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`{"total":0,"granted":0,"denied":0,"denialRate":"0%","byAction":[],"byRole":[]}`))
	})
})
