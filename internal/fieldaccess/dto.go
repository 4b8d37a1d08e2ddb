package fieldaccess

import (
	"bytes"
	"encoding/json"
	"regexp"
	"time"

	errors "github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/core/common/validation"
)

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

type CreateRuleDTO struct {
	Role          string     `json:"role"`
	EntityName    *string    `json:"entityName,omitempty"`
	AllowSelfOnly *bool      `json:"allowSelfOnly,omitempty"`
	Allow         []string   `json:"allow"`
	Deny          []string   `json:"deny"`
	AllowRead     *bool      `json:"allowRead,omitempty"`
	AllowWrite    *bool      `json:"allowWrite,omitempty"`
	AllowDelete   *bool      `json:"allowDelete,omitempty"`
	Priority      int        `json:"priority"`
	IsActive      *bool      `json:"isActive,omitempty"`
	Description   string     `json:"description,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

func (dto CreateRuleDTO) Validate() *errors.AppError {
	v := validation.NewValidator()
	v.Field("role", dto.Role).Required().MaxLength(64).Matches(namePattern, errors.ErrCodeInvalidRole)
	v.Field("entityName", dto.EntityName).MaxLength(128).Matches(namePattern, errors.ErrCodeValidationFailed)
	v.Field("allow", dto.Allow).Each(ValidatePattern, errors.ErrCodeInvalidPattern)
	v.Field("deny", dto.Deny).Each(ValidatePattern, errors.ErrCodeInvalidPattern)
	v.Field("priority", dto.Priority).MinInt(0)
	v.Field("description", dto.Description).MaxLength(500)
	v.Field("expiresAt", dto.ExpiresAt).Future()
	return v.Validate()
}

// ToRule applies the column defaults: read allowed, write and delete denied, active.
func (dto CreateRuleDTO) ToRule() *Rule {
	return &Rule{
		Role:          dto.Role,
		EntityName:    dto.EntityName,
		AllowSelfOnly: dto.AllowSelfOnly,
		Allow:         nonNil(dto.Allow),
		Deny:          nonNil(dto.Deny),
		AllowRead:     boolOr(dto.AllowRead, true),
		AllowWrite:    boolOr(dto.AllowWrite, false),
		AllowDelete:   boolOr(dto.AllowDelete, false),
		Priority:      dto.Priority,
		IsActive:      boolOr(dto.IsActive, true),
		Description:   dto.Description,
		ExpiresAt:     dto.ExpiresAt,
	}
}

// UpdateRuleDTO is a partial update; nil fields are left unchanged.
type UpdateRuleDTO struct {
	EntityName    *string    `json:"entityName,omitempty"`
	AllowSelfOnly *bool      `json:"allowSelfOnly,omitempty"`
	Allow         []string   `json:"allow,omitempty"`
	Deny          []string   `json:"deny,omitempty"`
	AllowRead     *bool      `json:"allowRead,omitempty"`
	AllowWrite    *bool      `json:"allowWrite,omitempty"`
	AllowDelete   *bool      `json:"allowDelete,omitempty"`
	Priority      *int       `json:"priority,omitempty"`
	IsActive      *bool      `json:"isActive,omitempty"`
	Description   *string    `json:"description,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

func (dto UpdateRuleDTO) Validate() *errors.AppError {
	v := validation.NewValidator()
	v.Field("entityName", dto.EntityName).MaxLength(128).Matches(namePattern, errors.ErrCodeValidationFailed)
	v.Field("allow", dto.Allow).Each(ValidatePattern, errors.ErrCodeInvalidPattern)
	v.Field("deny", dto.Deny).Each(ValidatePattern, errors.ErrCodeInvalidPattern)
	v.Field("priority", dto.Priority).MinInt(0)
	v.Field("description", dto.Description).MaxLength(500)
	v.Field("expiresAt", dto.ExpiresAt).Future()
	return v.Validate()
}

func (dto UpdateRuleDTO) ApplyTo(r *Rule) {
	if dto.EntityName != nil {
		r.EntityName = dto.EntityName
	}
	if dto.AllowSelfOnly != nil {
		r.AllowSelfOnly = dto.AllowSelfOnly
	}
	if dto.Allow != nil {
		r.Allow = dto.Allow
	}
	if dto.Deny != nil {
		r.Deny = dto.Deny
	}
	if dto.AllowRead != nil {
		r.AllowRead = *dto.AllowRead
	}
	if dto.AllowWrite != nil {
		r.AllowWrite = *dto.AllowWrite
	}
	if dto.AllowDelete != nil {
		r.AllowDelete = *dto.AllowDelete
	}
	if dto.Priority != nil {
		r.Priority = *dto.Priority
	}
	if dto.IsActive != nil {
		r.IsActive = *dto.IsActive
	}
	if dto.Description != nil {
		r.Description = *dto.Description
	}
	if dto.ExpiresAt != nil {
		r.ExpiresAt = dto.ExpiresAt
	}
}

// RuleExport is the portable form of a rule; ids and audit columns are dropped.
type RuleExport struct {
	Role          string     `json:"role"`
	EntityName    *string    `json:"entityName,omitempty"`
	AllowSelfOnly *bool      `json:"allowSelfOnly,omitempty"`
	Allow         []string   `json:"allow"`
	Deny          []string   `json:"deny"`
	AllowRead     bool       `json:"allowRead"`
	AllowWrite    bool       `json:"allowWrite"`
	AllowDelete   bool       `json:"allowDelete"`
	Priority      int        `json:"priority"`
	IsActive      bool       `json:"isActive"`
	Description   string     `json:"description,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

func ExportRule(r *Rule) RuleExport {
	return RuleExport{
		Role:          r.Role,
		EntityName:    r.EntityName,
		AllowSelfOnly: r.AllowSelfOnly,
		Allow:         nonNil(r.Allow),
		Deny:          nonNil(r.Deny),
		AllowRead:     r.AllowRead,
		AllowWrite:    r.AllowWrite,
		AllowDelete:   r.AllowDelete,
		Priority:      r.Priority,
		IsActive:      r.IsActive,
		Description:   r.Description,
		ExpiresAt:     r.ExpiresAt,
	}
}

func (e RuleExport) toCreateDTO() CreateRuleDTO {
	return CreateRuleDTO{
		Role:          e.Role,
		EntityName:    e.EntityName,
		AllowSelfOnly: e.AllowSelfOnly,
		Allow:         e.Allow,
		Deny:          e.Deny,
		AllowRead:     boolPtr(e.AllowRead),
		AllowWrite:    boolPtr(e.AllowWrite),
		AllowDelete:   boolPtr(e.AllowDelete),
		Priority:      e.Priority,
		IsActive:      boolPtr(e.IsActive),
		Description:   e.Description,
	}
}

type RulesExport struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exportedAt"`
	Rules      []RuleExport `json:"rules"`
}

// ParseRulesImport accepts an export document or a bare array of rules. A
// document without a rules key is rejected so that a malformed body cannot
// clear the rule store.
func ParseRulesImport(data []byte) (RulesExport, *errors.AppError) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return RulesExport{}, errors.NewValidationError("import body is empty", errors.ErrCodeInvalidPayload)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	switch trimmed[0] {
	case '[':
		var dtos []CreateRuleDTO
		if err := dec.Decode(&dtos); err != nil {
			return RulesExport{}, errors.NewValidationError("Invalid request body", errors.ErrCodeInvalidPayload).WithCause(err)
		}
		out := RulesExport{Version: 1, Rules: make([]RuleExport, 0, len(dtos))}
		for _, dto := range dtos {
			out.Rules = append(out.Rules, ExportRule(dto.ToRule()))
		}
		return out, nil
	case '{':
		var doc struct {
			Version    int           `json:"version"`
			ExportedAt time.Time     `json:"exportedAt"`
			Rules      *[]RuleExport `json:"rules"`
		}
		if err := dec.Decode(&doc); err != nil {
			return RulesExport{}, errors.NewValidationError("Invalid request body", errors.ErrCodeInvalidPayload).WithCause(err)
		}
		if doc.Rules == nil {
			return RulesExport{}, errors.NewValidationFieldError("rules", "rules is required", errors.ErrCodeInvalidPayload)
		}
		return RulesExport{Version: doc.Version, ExportedAt: doc.ExportedAt, Rules: *doc.Rules}, nil
	}
	return RulesExport{}, errors.NewValidationError("import body must be an array of rules or an export document", errors.ErrCodeInvalidPayload)
}

type ImportResult struct {
	Imported int `json:"imported"`
}

type PreviewRequest struct {
	Role       string         `json:"role"`
	UserID     string         `json:"userId,omitempty"`
	EntityName string         `json:"entityName,omitempty"`
	Resource   map[string]any `json:"resource"`
}

func (req PreviewRequest) Validate() *errors.AppError {
	v := validation.NewValidator()
	v.Field("role", req.Role).Required().MaxLength(64)
	v.Field("resource", req.Resource).Custom(func(value interface{}) *errors.AppError {
		if req.Resource == nil {
			return errors.NewValidationFieldError("resource", "resource is required", errors.ErrCodeValidationFailed)
		}
		return nil
	})
	return v.Validate()
}

type PreviewResponse struct {
	Policy       Policy         `json:"policy"`
	Resource     map[string]any `json:"resource"`
	RecordDenied bool           `json:"recordDenied"`
	DeniedFields []string       `json:"deniedFields"`
}

type PolicyResponse struct {
	Role       string `json:"role"`
	EntityName string `json:"entityName,omitempty"`
	Policy     Policy `json:"policy"`
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
