package fieldaccess

import (
	"context"
	"encoding/json"
	"net/http"

	errors "github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/metrics"
	"github.com/frahmantamala/fieldguard/internal/transport"
	"github.com/frahmantamala/fieldguard/pkg/logger"
)

// RouteConfig tunes field filtering for one route.
type RouteConfig struct {
	EntityName      string
	RequireSelfOnly bool
	SkipFLAC        bool
	CustomAllow     []string
	CustomDeny      []string
	SkipAudit       bool
	// ListKey names the array inside a wrapper object, e.g. "data" for {"data": [...], "total": 3}.
	ListKey string
}

type PolicyResolver interface {
	GetEffectivePolicy(ctx context.Context, role, entityName string) (Policy, error)
}

type Middleware struct {
	resolver PolicyResolver
	sink     AuditSink
	metrics  *metrics.Metrics
	base     *transport.BaseHandler
}

func NewMiddleware(resolver PolicyResolver, sink AuditSink, m *metrics.Metrics, base *transport.BaseHandler) *Middleware {
	return &Middleware{resolver: resolver, sink: sink, metrics: m, base: base}
}

// Route filters successful JSON responses of next according to the caller's policy.
func (m *Middleware) Route(cfg RouteConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfg.SkipFLAC {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			opts := FilterOptions{
				UserID:          errors.UserIDFromContext(ctx),
				Role:            errors.RoleFromContext(ctx),
				EntityName:      cfg.EntityName,
				Action:          ActionFromMethod(r.Method),
				RequireSelfOnly: cfg.RequireSelfOnly,
				Request: RequestInfo{
					IPAddress: r.RemoteAddr,
					UserAgent: r.UserAgent(),
					Endpoint:  r.URL.Path,
					Method:    r.Method,
				},
			}
			if !cfg.SkipAudit {
				opts.Sink = m.sink
			}
			log := logger.From(ctx).With("role", opts.Role, "entity", cfg.EntityName)

			policy, err := m.resolver.GetEffectivePolicy(ctx, opts.Role, cfg.EntityName)
			if err != nil {
				log.Error("failed to resolve policy", "error", err)
				m.base.WriteAppError(w, errors.NewInternalError("failed to resolve policy", err))
				return
			}

			if cfg.EntityName != "" && !policy.CanPerformAction(cfg.EntityName, opts.Action) {
				d := Decision{RecordDenied: true, Reason: ReasonAction}
				emit(ctx, opts, d)
				m.metrics.AccessDecision(opts.Role, string(opts.Action), false, 0, cfg.EntityName)
				log.Info("action denied", "action", opts.Action)
				m.base.WriteAppError(w, errors.ErrActionForbidden)
				return
			}

			buf := transport.NewResponseBuffer()
			next.ServeHTTP(buf, r)
			if !buf.Rewritable() {
				buf.Passthrough(w)
				return
			}

			tree, err := DecodeTree(buf.Body())
			if err != nil {
				log.Error("response is not valid JSON, refusing to pass it unfiltered", "error", err)
				m.base.WriteAppError(w, errors.NewInternalError("failed to filter response", err))
				return
			}

			out, d, ok := m.filter(ctx, policy, tree, opts, cfg)
			m.metrics.AccessDecision(opts.Role, string(opts.Action), d.Granted(), len(d.DeniedFields), cfg.EntityName)
			if !ok {
				m.base.WriteAppError(w, errors.ErrResourceNotFound)
				return
			}

			body, err := json.Marshal(out)
			if err != nil {
				m.base.WriteAppError(w, errors.NewInternalError("failed to encode response", err))
				return
			}
			buf.Send(w, body)
		})
	}
}

// filter returns ok=false when the whole record must be hidden.
func (m *Middleware) filter(ctx context.Context, policy Policy, tree any, opts FilterOptions, cfg RouteConfig) (any, Decision, bool) {
	var (
		out any
		d   Decision
	)
	switch t := tree.(type) {
	case map[string]any:
		if list, isList := t[cfg.ListKey].([]any); cfg.ListKey != "" && isList {
			filtered, dd := FilterArray(ctx, policy, list, opts)
			wrapper := make(map[string]any, len(t))
			for k, v := range t {
				wrapper[k] = v
			}
			wrapper[cfg.ListKey] = filtered
			out, d = wrapper, dd
			break
		}
		record, dd := Filter(ctx, policy, t, opts)
		if dd.RecordDenied {
			return nil, dd, false
		}
		out, d = record, dd
	case []any:
		out, d = FilterArray(ctx, policy, t, opts)
	default:
		return tree, Decision{}, true
	}

	if cfg.ListKey != "" {
		if wrapper, isWrapper := out.(map[string]any); isWrapper {
			if list, isList := wrapper[cfg.ListKey].([]any); isList {
				wrapper[cfg.ListKey] = applyCustom(list, cfg)
				return wrapper, d, true
			}
		}
	}
	return applyCustom(out, cfg), d, true
}

func applyCustom(v any, cfg RouteConfig) any {
	v, _ = ApplyCustomAllow(v, cfg.CustomAllow)
	v, _ = ApplyCustomDeny(v, cfg.CustomDeny)
	return v
}
