package fieldaccess

import (
	"net/http"
	"slices"
	"strings"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionRead, ActionWrite, ActionDelete:
		return a, true
	}
	return "", false
}

// ActionFromMethod maps GET/HEAD to read, DELETE to delete and everything else to write.
func ActionFromMethod(method string) Action {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ActionRead
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionWrite
	}
}

const (
	RolePublic     = "public"
	RoleUser       = "user"
	RoleManager    = "manager"
	RoleDoctor     = "doctor"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// EntityRule overrides action permissions for one entity type. A nil flag permits the action.
type EntityRule struct {
	Allow       []string `json:"allow,omitempty"`
	Deny        []string `json:"deny,omitempty"`
	AllowRead   *bool    `json:"allowRead,omitempty"`
	AllowWrite  *bool    `json:"allowWrite,omitempty"`
	AllowDelete *bool    `json:"allowDelete,omitempty"`
}

func (e EntityRule) Permits(action Action) bool {
	var flag *bool
	switch action {
	case ActionRead:
		flag = e.AllowRead
	case ActionWrite:
		flag = e.AllowWrite
	case ActionDelete:
		flag = e.AllowDelete
	default:
		return false
	}
	return flag == nil || *flag
}

type Policy struct {
	AllowSelfOnly bool                  `json:"allowSelfOnly"`
	Allow         []string              `json:"allow"`
	Deny          []string              `json:"deny"`
	EntityRules   map[string]EntityRule `json:"entityRules,omitempty"`
}

// CanAccessField checks deny patterns first; the default is deny.
func (p Policy) CanAccessField(path string) bool {
	if matchAny(p.Deny, path) {
		return false
	}
	if slices.Contains(p.Allow, "*") {
		return true
	}
	return matchAny(p.Allow, path)
}

func (p Policy) allowsBelow(path string) bool {
	prefix := NormalizePath(path) + "."
	for _, pattern := range p.Allow {
		if strings.HasPrefix(NormalizePath(pattern), prefix) {
			return true
		}
	}
	return false
}

// CanPerformAction uses the entity override when one exists, otherwise a wildcard allow list.
func (p Policy) CanPerformAction(entity string, action Action) bool {
	if entity != "" {
		if rule, ok := p.EntityRules[entity]; ok {
			return rule.Permits(action)
		}
	}
	return slices.Contains(p.Allow, "*")
}

// ForEntity folds the entity override's patterns into the role-wide lists.
func (p Policy) ForEntity(entity string) Policy {
	rule, ok := p.EntityRules[entity]
	if entity == "" || !ok {
		return p
	}
	scoped := p
	scoped.Allow = union(p.Allow, rule.Allow)
	scoped.Deny = union(p.Deny, rule.Deny)
	return scoped
}

func (p Policy) Clone() Policy {
	cp := Policy{
		AllowSelfOnly: p.AllowSelfOnly,
		Allow:         slices.Clone(p.Allow),
		Deny:          slices.Clone(p.Deny),
	}
	if p.Allow == nil {
		cp.Allow = []string{}
	}
	if p.Deny == nil {
		cp.Deny = []string{}
	}
	if len(p.EntityRules) > 0 {
		cp.EntityRules = make(map[string]EntityRule, len(p.EntityRules))
		for name, rule := range p.EntityRules {
			cp.EntityRules[name] = EntityRule{
				Allow:       slices.Clone(rule.Allow),
				Deny:        slices.Clone(rule.Deny),
				AllowRead:   clonePtr(rule.AllowRead),
				AllowWrite:  clonePtr(rule.AllowWrite),
				AllowDelete: clonePtr(rule.AllowDelete),
			}
		}
	}
	return cp
}

var defaultPolicies = map[string]Policy{
	RolePublic: {
		Allow: []string{},
		Deny:  []string{"*"},
	},
	RoleUser: {
		AllowSelfOnly: true,
		Allow:         []string{"*"},
		Deny: []string{
			"sensitiveEncrypted.*",
			"encryptedData.*",
			"internalNotes",
			"adminNotes",
			"internalFlags",
			"systemMetadata",
			"bankDetails",
			"taxInfo",
			"salaryInfo",
			"medicalNotes",
			"diagnoses",
			"prescriptions",
			"labResults",
			"visitHistory",
			"performanceReviews",
			"disciplinaryRecords",
			"backgroundCheck",
			"supplierCosts",
			"profitMargins",
			"vendorContracts",
		},
	},
	RoleManager: {
		Allow: []string{"*"},
		Deny: []string{
			"adminNotes",
			"systemMetadata",
			"companyFinancials",
			"boardNotes",
			"executiveCompensation",
		},
	},
	RoleDoctor: {
		Allow: []string{"*"},
		Deny: []string{
			"adminNotes",
			"hospitalFinancials",
			"employeeSalaries",
			"contractDetails",
		},
		EntityRules: map[string]EntityRule{
			"Worker": {
				Allow:       []string{"*"},
				Deny:        []string{"adminNotes"},
				AllowRead:   boolPtr(true),
				AllowWrite:  boolPtr(true),
				AllowDelete: boolPtr(false),
			},
			"Visit": {
				Allow:       []string{"*"},
				AllowRead:   boolPtr(true),
				AllowWrite:  boolPtr(true),
				AllowDelete: boolPtr(false),
			},
			"Document": {
				Allow:       []string{"*"},
				Deny:        []string{"billingInfo"},
				AllowRead:   boolPtr(true),
				AllowWrite:  boolPtr(true),
				AllowDelete: boolPtr(false),
			},
		},
	},
	RoleAdmin: {
		Allow: []string{"*"},
		Deny:  []string{"superAdminNotes", "systemSecrets", "encryptionKeys"},
	},
	RoleSuperAdmin: {
		Allow: []string{"*"},
		Deny:  []string{},
	},
}

func IsKnownRole(role string) bool {
	_, ok := defaultPolicies[role]
	return ok
}

func KnownRoles() []string {
	roles := make([]string, 0, len(defaultPolicies))
	for role := range defaultPolicies {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	return roles
}

// GetPolicy returns a copy of the built-in policy. Unknown roles get the public policy.
func GetPolicy(role string) Policy {
	if p, ok := defaultPolicies[role]; ok {
		return p.Clone()
	}
	return defaultPolicies[RolePublic].Clone()
}

func CanAccessField(role, path string) bool {
	return GetPolicy(role).CanAccessField(path)
}

func CanPerformAction(role, entity string, action Action) bool {
	return GetPolicy(role).CanPerformAction(entity, action)
}

func boolPtr(b bool) *bool { return &b }

func clonePtr(b *bool) *bool {
	if b == nil {
		return nil
	}
	return boolPtr(*b)
}

// union appends unseen items of b to a copy of a.
func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, item := range list {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}
