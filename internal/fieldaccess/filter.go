package fieldaccess

import (
	"context"
	"time"

	"github.com/frahmantamala/fieldguard/pkg/logger"
)

const (
	ReasonSelfOnly     = "self-only access violation"
	ReasonFieldsDenied = "fields denied by policy"
	ReasonAction       = "action not permitted"
)

// Decision describes what a filter pass withheld.
type Decision struct {
	ResourceID    string
	RecordDenied  bool
	DeniedRecords int
	DeniedFields  []string
	Reason        string
}

// Granted is true when nothing was withheld.
func (d Decision) Granted() bool {
	return !d.RecordDenied && d.DeniedRecords == 0 && len(d.DeniedFields) == 0
}

type RequestInfo struct {
	IPAddress string
	UserAgent string
	Endpoint  string
	Method    string
}

// AccessEvent is emitted once per filtered request.
type AccessEvent struct {
	UserID       string
	Role         string
	EntityName   string
	ResourceID   string
	Action       Action
	DeniedFields []string
	Granted      bool
	DenialReason string
	Request      RequestInfo
	OccurredAt   time.Time
}

// AuditSink receives access events. Implementations must not block the caller.
type AuditSink interface {
	RecordAccess(ctx context.Context, event AccessEvent)
}

type FilterOptions struct {
	UserID          string
	Role            string
	EntityName      string
	Action          Action
	RequireSelfOnly bool
	Request         RequestInfo
	Sink            AuditSink
}

// Filter returns a redacted copy of resource, or nil when the caller may not see the
// record at all. The input is never modified.
func Filter(ctx context.Context, policy Policy, resource map[string]any, opts FilterOptions) (map[string]any, Decision) {
	out, d := filterRecord(policy, resource, opts)
	if d.RecordDenied {
		logger.From(ctx).Warn("self-only access violation",
			"user_id", opts.UserID, "role", opts.Role, "entity", opts.EntityName, "resource_id", d.ResourceID)
	}
	emit(ctx, opts, d)
	return out, d
}

// FilterArray filters every element, dropping denied records and keeping order.
// The returned decision aggregates all elements into one audit event.
func FilterArray(ctx context.Context, policy Policy, resources []any, opts FilterOptions) ([]any, Decision) {
	out := make([]any, 0, len(resources))
	agg := Decision{}
	seen := map[string]struct{}{}
	for _, el := range resources {
		record, ok := el.(map[string]any)
		if !ok {
			out = append(out, DeepCopy(el))
			continue
		}
		filtered, d := filterRecord(policy, record, opts)
		if d.RecordDenied {
			agg.DeniedRecords++
			continue
		}
		for _, p := range d.DeniedFields {
			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				agg.DeniedFields = append(agg.DeniedFields, p)
			}
		}
		out = append(out, filtered)
	}
	switch {
	case agg.DeniedRecords > 0:
		agg.Reason = ReasonSelfOnly
		logger.From(ctx).Warn("self-only access violation",
			"user_id", opts.UserID, "role", opts.Role, "entity", opts.EntityName, "dropped", agg.DeniedRecords)
	case len(agg.DeniedFields) > 0:
		agg.Reason = ReasonFieldsDenied
	}
	emit(ctx, opts, agg)
	return out, agg
}

func filterRecord(policy Policy, resource map[string]any, opts FilterOptions) (map[string]any, Decision) {
	if resource == nil {
		return nil, Decision{}
	}
	d := Decision{ResourceID: ResourceID(resource)}

	if policy.AllowSelfOnly || opts.RequireSelfOnly {
		if owner, ok := OwnerID(resource); ok && owner != opts.UserID {
			d.RecordDenied = true
			d.Reason = ReasonSelfOnly
			return nil, d
		}
	}

	scoped := policy.ForEntity(opts.EntityName)
	out := DeepCopy(resource).(map[string]any)
	d.DeniedFields = removeWhere(out, func(path string) bool {
		if scoped.CanAccessField(path) {
			return false
		}
		// keep a container when an allow pattern addresses something inside it
		return matchAny(scoped.Deny, path) || !isContainer(lookup(out, path)) || !scoped.allowsBelow(path)
	})
	if len(d.DeniedFields) > 0 {
		d.Reason = ReasonFieldsDenied
	}
	return out, d
}

// removeWhere unsets every path of root for which drop is true. Paths below an
// already removed path are skipped.
func removeWhere(root any, drop func(path string) bool) []string {
	var removed []string
	for _, p := range FieldPaths(root) {
		if len(removed) > 0 && isUnder(p, removed[len(removed)-1]) {
			continue
		}
		if drop(p) {
			Unset(root, p)
			removed = append(removed, p)
		}
	}
	return removed
}

// ApplyCustomDeny removes paths matching any of patterns from a copy of v.
func ApplyCustomDeny(v any, patterns []string) (any, []string) {
	if len(patterns) == 0 {
		return v, nil
	}
	out := DeepCopy(v)
	if list, ok := out.([]any); ok {
		var all []string
		for _, el := range list {
			all = append(all, removeWhere(el, func(p string) bool { return matchAny(patterns, p) })...)
		}
		return out, all
	}
	return out, removeWhere(out, func(p string) bool { return matchAny(patterns, p) })
}

// ApplyCustomAllow narrows a copy of v to paths matching patterns. Ancestors and
// descendants of a matching path are kept.
func ApplyCustomAllow(v any, patterns []string) (any, []string) {
	if len(patterns) == 0 {
		return v, nil
	}
	out := DeepCopy(v)
	if list, ok := out.([]any); ok {
		var all []string
		for _, el := range list {
			all = append(all, narrow(el, patterns)...)
		}
		return out, all
	}
	return out, narrow(out, patterns)
}

func narrow(root any, patterns []string) []string {
	paths := FieldPaths(root)
	var matched []string
	for _, p := range paths {
		if matchAny(patterns, p) {
			matched = append(matched, p)
		}
	}
	return removeWhere(root, func(p string) bool {
		for _, m := range matched {
			if p == m || isUnder(p, m) || isUnder(m, p) {
				return false
			}
		}
		return true
	})
}

func emit(ctx context.Context, opts FilterOptions, d Decision) {
	if opts.Sink == nil {
		return
	}
	opts.Sink.RecordAccess(ctx, AccessEvent{
		UserID:       opts.UserID,
		Role:         opts.Role,
		EntityName:   opts.EntityName,
		ResourceID:   d.ResourceID,
		Action:       opts.Action,
		DeniedFields: d.DeniedFields,
		Granted:      d.Granted(),
		DenialReason: d.Reason,
		Request:      opts.Request,
		OccurredAt:   time.Now().UTC(),
	})
}
