package fieldaccess

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/transport"
)

type ServiceAPI interface {
	GetEffectivePolicy(ctx context.Context, role, entityName string) (Policy, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*Rule, error)
	RulesByRole(ctx context.Context, role string) ([]*Rule, error)
	RulesByEntity(ctx context.Context, entityName string) ([]*Rule, error)
	CreateRule(ctx context.Context, dto CreateRuleDTO, actor string) (*Rule, error)
	BulkCreate(ctx context.Context, dtos []CreateRuleDTO, actor string) ([]*Rule, error)
	UpdateRule(ctx context.Context, id string, dto UpdateRuleDTO, actor string) (*Rule, error)
	SetRuleActive(ctx context.Context, id string, active bool, actor string) (*Rule, error)
	DeleteRule(ctx context.Context, id, actor string) error
	ExportRules(ctx context.Context) (*RulesExport, error)
	ImportRules(ctx context.Context, in RulesExport, actor string) (*ImportResult, error)
	Preview(ctx context.Context, req PreviewRequest) (*PreviewResponse, error)
	AccessLogs(ctx context.Context, userID string, limit, offset int) ([]*AccessLog, error)
	DeniedLogs(ctx context.Context, limit, offset int) ([]*AccessLog, error)
	AccessStats(ctx context.Context, userID string) (*AccessStats, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

// Routes mounts the admin API. Callers wrap it in their own role check.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/rules", h.ListRules)
	r.Post("/rules", h.CreateRule)
	r.Post("/rules/bulk", h.BulkCreate)
	r.Get("/rules/role/{role}", h.RulesByRole)
	r.Get("/rules/entity/{entityName}", h.RulesByEntity)
	r.Get("/rules/{id}", h.GetRule)
	r.Put("/rules/{id}", h.UpdateRule)
	r.Delete("/rules/{id}", h.DeleteRule)
	r.Put("/rules/{id}/activate", h.ActivateRule)
	r.Put("/rules/{id}/deactivate", h.DeactivateRule)
	r.Patch("/rules/{id}/activate", h.ActivateRule)
	r.Patch("/rules/{id}/deactivate", h.DeactivateRule)
	r.Get("/policy/{role}", h.EffectivePolicy)
	r.Post("/preview", h.Preview)
	r.Get("/logs", h.AccessLogs)
	r.Get("/logs/denied", h.DeniedLogs)
	r.Get("/stats", h.Stats)
	r.Get("/export", h.Export)
	r.Post("/export", h.Export)
	r.Post("/import", h.Import)
}

type RulesResponse struct {
	Rules []*Rule `json:"rules"`
	Count int     `json:"count"`
}

type LogsResponse struct {
	Logs   []*AccessLog `json:"logs"`
	Count  int          `json:"count"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func rulesResponse(rules []*Rule) RulesResponse {
	if rules == nil {
		rules = []*Rule{}
	}
	return RulesResponse{Rules: rules, Count: len(rules)}
}

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Service.ListRules(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, rulesResponse(rules))
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Service.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, rule)
}

func (h *Handler) RulesByRole(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Service.RulesByRole(r.Context(), chi.URLParam(r, "role"))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, rulesResponse(rules))
}

func (h *Handler) RulesByEntity(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Service.RulesByEntity(r.Context(), chi.URLParam(r, "entityName"))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, rulesResponse(rules))
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var dto CreateRuleDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.WriteAppError(w, err)
		return
	}
	rule, err := h.Service.CreateRule(r.Context(), dto, errors.UserIDFromContext(r.Context()))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, rule)
}

type BulkCreateRequest struct {
	Rules []CreateRuleDTO `json:"rules"`
}

func (h *Handler) BulkCreate(w http.ResponseWriter, r *http.Request) {
	var req BulkCreateRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.WriteAppError(w, err)
		return
	}
	rules, err := h.Service.BulkCreate(r.Context(), req.Rules, errors.UserIDFromContext(r.Context()))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, rulesResponse(rules))
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var dto UpdateRuleDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.WriteAppError(w, err)
		return
	}
	rule, err := h.Service.UpdateRule(r.Context(), chi.URLParam(r, "id"), dto, errors.UserIDFromContext(r.Context()))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, rule)
}

func (h *Handler) ActivateRule(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	rule, err := h.Service.SetRuleActive(r.Context(), chi.URLParam(r, "id"), active, errors.UserIDFromContext(r.Context()))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, rule)
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteRule(r.Context(), chi.URLParam(r, "id"), errors.UserIDFromContext(r.Context())); err != nil {
		h.WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) EffectivePolicy(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "role")
	entity := r.URL.Query().Get("entityName")
	policy, err := h.Service.GetEffectivePolicy(r.Context(), role, entity)
	if err != nil {
		h.WriteAppError(w, errors.NewInternalError("failed to resolve policy", err))
		return
	}
	h.WriteJSON(w, http.StatusOK, PolicyResponse{Role: role, EntityName: entity, Policy: policy})
}

func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.WriteAppError(w, err)
		return
	}
	resp, err := h.Service.Preview(r.Context(), req)
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// AccessLogs lists a user's history when userId is given, otherwise denied accesses.
func (h *Handler) AccessLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(transport.QueryInt(r, "limit", defaultPageSize), transport.QueryInt(r, "offset", 0))
	logs, err := h.Service.AccessLogs(r.Context(), r.URL.Query().Get("userId"), limit, offset)
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.writeLogs(w, logs, limit, offset)
}

func (h *Handler) DeniedLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(transport.QueryInt(r, "limit", defaultPageSize), transport.QueryInt(r, "offset", 0))
	logs, err := h.Service.DeniedLogs(r.Context(), limit, offset)
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.writeLogs(w, logs, limit, offset)
}

func (h *Handler) writeLogs(w http.ResponseWriter, logs []*AccessLog, limit, offset int) {
	if logs == nil {
		logs = []*AccessLog{}
	}
	h.WriteJSON(w, http.StatusOK, LogsResponse{Logs: logs, Count: len(logs), Limit: limit, Offset: offset})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.AccessStats(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	export, err := h.Service.ExportRules(r.Context())
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="field-access-rules-`+time.Now().UTC().Format("20060102")+`.json"`)
	h.WriteJSON(w, http.StatusOK, export)
}

func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.WriteAppError(w, errors.NewValidationError("Invalid request body", errors.ErrCodeInvalidPayload).WithCause(err))
		return
	}
	in, appErr := ParseRulesImport(body)
	if appErr != nil {
		h.WriteAppError(w, appErr)
		return
	}
	result, err := h.Service.ImportRules(r.Context(), in, errors.UserIDFromContext(r.Context()))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}
