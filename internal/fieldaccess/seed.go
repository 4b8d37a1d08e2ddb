package fieldaccess

import (
	"fmt"
	"sort"
	"time"
)

// DefaultRuleSet renders the built-in entity overrides as persisted rules so
// they can be edited from the admin API after seeding.
func DefaultRuleSet(now time.Time) RulesExport {
	out := RulesExport{Version: 1, ExportedAt: now, Rules: []RuleExport{}}
	for _, role := range KnownRoles() {
		policy := GetPolicy(role)
		entities := make([]string, 0, len(policy.EntityRules))
		for name := range policy.EntityRules {
			entities = append(entities, name)
		}
		sort.Strings(entities)

		for _, name := range entities {
			er := policy.EntityRules[name]
			entity := name
			out.Rules = append(out.Rules, RuleExport{
				Role:        role,
				EntityName:  &entity,
				Allow:       nonNil(er.Allow),
				Deny:        nonNil(er.Deny),
				AllowRead:   er.Permits(ActionRead),
				AllowWrite:  er.Permits(ActionWrite),
				AllowDelete: er.Permits(ActionDelete),
				Priority:    10,
				IsActive:    true,
				Description: fmt.Sprintf("default %s rules for %s", entity, role),
			})
		}
	}
	return out
}
