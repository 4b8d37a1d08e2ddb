package fieldaccess

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	errors "github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/core/ids"
)

type RuleRepository interface {
	// FindApplicable returns active, unexpired rules for role that are global or
	// scoped to entityName, highest priority first.
	FindApplicable(ctx context.Context, role string, entityName *string, now time.Time) ([]*Rule, error)
	FindAll(ctx context.Context, activeOnly bool) ([]*Rule, error)
	FindByRole(ctx context.Context, role string) ([]*Rule, error)
	FindByEntity(ctx context.Context, entityName string) ([]*Rule, error)
	GetByID(ctx context.Context, id string) (*Rule, error)
	Create(ctx context.Context, rule *Rule) error
	CreateBatch(ctx context.Context, rules []*Rule) error
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
	ReplaceAll(ctx context.Context, rules []*Rule) error
}

type AccessLogRepository interface {
	Create(ctx context.Context, log *AccessLog) error
	FindByUser(ctx context.Context, userID string, limit, offset int) ([]*AccessLog, error)
	FindDenied(ctx context.Context, limit, offset int) ([]*AccessLog, error)
	Stats(ctx context.Context, userID string) (*AccessStats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

type Service struct {
	rules  RuleRepository
	logs   AccessLogRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(rules RuleRepository, logs AccessLogRepository, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		rules:  rules,
		logs:   logs,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// GetEffectivePolicy merges persisted rules onto the built-in policy for role.
// Rule patterns are unioned into the lists, so a deny anywhere stays a deny.
// On a repository error the public deny-all policy is returned along with the
// error; callers must not serve data with it.
func (s *Service) GetEffectivePolicy(ctx context.Context, role, entityName string) (Policy, error) {
	policy, known := basePolicy(role)

	var entity *string
	if entityName != "" {
		entity = &entityName
	}
	now := s.clock()
	rules, err := s.rules.FindApplicable(ctx, role, entity, now)
	if err != nil {
		s.logger.Error("failed to load field access rules", "role", role, "entity", entityName, "error", err)
		return GetPolicy(RolePublic), fmt.Errorf("load rules for %s: %w", role, err)
	}

	entityFlagsSet := false
	for _, r := range rules {
		if !r.AppliesAt(now) {
			continue
		}
		policy.Allow = union(policy.Allow, r.Allow)
		policy.Deny = union(policy.Deny, r.Deny)

		// rules arrive highest priority first; the last one that sets it wins
		if r.AllowSelfOnly != nil {
			policy.AllowSelfOnly = *r.AllowSelfOnly
		}
		if entity != nil && r.Targets(entityName) && !entityFlagsSet {
			if policy.EntityRules == nil {
				policy.EntityRules = map[string]EntityRule{}
			}
			er := policy.EntityRules[entityName]
			er.AllowRead = boolPtr(r.AllowRead)
			er.AllowWrite = boolPtr(r.AllowWrite)
			er.AllowDelete = boolPtr(r.AllowDelete)
			policy.EntityRules[entityName] = er
			entityFlagsSet = true
		}
	}

	if !known && len(rules) == 0 {
		s.logger.Debug("no policy for role, denying all fields", "role", role)
	}
	return policy, nil
}

// basePolicy is the built-in policy, or an empty self-only policy for custom roles
// so persisted rules can grant them fields.
func basePolicy(role string) (Policy, bool) {
	if IsKnownRole(role) {
		return GetPolicy(role), true
	}
	return Policy{AllowSelfOnly: true, Allow: []string{}, Deny: []string{}}, false
}

func (s *Service) GetRule(ctx context.Context, id string) (*Rule, error) {
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		s.logger.Error("failed to get rule", "id", id, "error", err)
		return nil, errors.NewInternalError("failed to get rule", err)
	}
	if rule == nil {
		return nil, errors.ErrRuleNotFound
	}
	return rule, nil
}

func (s *Service) ListRules(ctx context.Context, activeOnly bool) ([]*Rule, error) {
	rules, err := s.rules.FindAll(ctx, activeOnly)
	if err != nil {
		s.logger.Error("failed to list rules", "error", err)
		return nil, errors.NewInternalError("failed to list rules", err)
	}
	return rules, nil
}

func (s *Service) RulesByRole(ctx context.Context, role string) ([]*Rule, error) {
	rules, err := s.rules.FindByRole(ctx, role)
	if err != nil {
		s.logger.Error("failed to list rules by role", "role", role, "error", err)
		return nil, errors.NewInternalError("failed to list rules", err)
	}
	return rules, nil
}

func (s *Service) RulesByEntity(ctx context.Context, entityName string) ([]*Rule, error) {
	rules, err := s.rules.FindByEntity(ctx, entityName)
	if err != nil {
		s.logger.Error("failed to list rules by entity", "entity", entityName, "error", err)
		return nil, errors.NewInternalError("failed to list rules", err)
	}
	return rules, nil
}

func (s *Service) newRule(dto CreateRuleDTO, actor string, now time.Time) *Rule {
	rule := dto.ToRule()
	rule.ID = ids.New()
	rule.CreatedBy = actor
	rule.ModifiedBy = actor
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return rule
}

func (s *Service) CreateRule(ctx context.Context, dto CreateRuleDTO, actor string) (*Rule, error) {
	if appErr := dto.Validate(); appErr != nil {
		return nil, appErr
	}
	rule := s.newRule(dto, actor, s.clock())
	if err := s.rules.Create(ctx, rule); err != nil {
		s.logger.Error("failed to create rule", "role", dto.Role, "error", err)
		return nil, errors.NewInternalError("failed to create rule", err)
	}
	s.logger.Info("field access rule created", "id", rule.ID, "role", rule.Role, "actor", actor)
	return rule, nil
}

// BulkCreate validates every rule before inserting any of them.
func (s *Service) BulkCreate(ctx context.Context, dtos []CreateRuleDTO, actor string) ([]*Rule, error) {
	if len(dtos) == 0 {
		return nil, errors.NewValidationError("rules must not be empty", errors.ErrCodeValidationFailed)
	}
	now := s.clock()
	rules := make([]*Rule, 0, len(dtos))
	for i, dto := range dtos {
		if appErr := dto.Validate(); appErr != nil {
			return nil, appErr.WithDetails(map[string]any{"index": i, "errors": appErr.Details})
		}
		rules = append(rules, s.newRule(dto, actor, now))
	}
	if err := s.rules.CreateBatch(ctx, rules); err != nil {
		s.logger.Error("failed to bulk create rules", "count", len(rules), "error", err)
		return nil, errors.NewInternalError("failed to create rules", err)
	}
	s.logger.Info("field access rules created", "count", len(rules), "actor", actor)
	return rules, nil
}

func (s *Service) UpdateRule(ctx context.Context, id string, dto UpdateRuleDTO, actor string) (*Rule, error) {
	if appErr := dto.Validate(); appErr != nil {
		return nil, appErr
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	dto.ApplyTo(rule)
	return s.save(ctx, rule, actor)
}

func (s *Service) SetRuleActive(ctx context.Context, id string, active bool, actor string) (*Rule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.IsActive = active
	return s.save(ctx, rule, actor)
}

func (s *Service) save(ctx context.Context, rule *Rule, actor string) (*Rule, error) {
	rule.ModifiedBy = actor
	rule.UpdatedAt = s.clock()
	if err := s.rules.Update(ctx, rule); err != nil {
		s.logger.Error("failed to update rule", "id", rule.ID, "error", err)
		return nil, errors.NewInternalError("failed to update rule", err)
	}
	s.logger.Info("field access rule updated", "id", rule.ID, "active", rule.IsActive, "actor", actor)
	return rule, nil
}

func (s *Service) DeleteRule(ctx context.Context, id, actor string) error {
	if _, err := s.GetRule(ctx, id); err != nil {
		return err
	}
	if err := s.rules.Delete(ctx, id); err != nil {
		s.logger.Error("failed to delete rule", "id", id, "error", err)
		return errors.NewInternalError("failed to delete rule", err)
	}
	s.logger.Info("field access rule deleted", "id", id, "actor", actor)
	return nil
}

func (s *Service) ExportRules(ctx context.Context) (*RulesExport, error) {
	rules, err := s.ListRules(ctx, false)
	if err != nil {
		return nil, err
	}
	out := &RulesExport{Version: 1, ExportedAt: s.clock(), Rules: make([]RuleExport, 0, len(rules))}
	for _, r := range rules {
		out.Rules = append(out.Rules, ExportRule(r))
	}
	return out, nil
}

// ImportRules replaces every stored rule with the given set in one transaction.
func (s *Service) ImportRules(ctx context.Context, in RulesExport, actor string) (*ImportResult, error) {
	now := s.clock()
	rules := make([]*Rule, 0, len(in.Rules))
	for i, e := range in.Rules {
		dto := e.toCreateDTO()
		if appErr := dto.Validate(); appErr != nil {
			return nil, appErr.WithDetails(map[string]any{"index": i, "errors": appErr.Details})
		}
		rule := s.newRule(dto, actor, now)
		rule.ExpiresAt = e.ExpiresAt
		rules = append(rules, rule)
	}
	if err := s.rules.ReplaceAll(ctx, rules); err != nil {
		s.logger.Error("failed to import rules", "count", len(rules), "error", err)
		return nil, errors.NewInternalError("failed to import rules", err)
	}
	s.logger.Warn("field access rules replaced by import", "count", len(rules), "actor", actor)
	return &ImportResult{Imported: len(rules)}, nil
}

// Preview shows what a role would see of a sample record, without auditing.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewResponse, error) {
	if appErr := req.Validate(); appErr != nil {
		return nil, appErr
	}
	policy, err := s.GetEffectivePolicy(ctx, req.Role, req.EntityName)
	if err != nil {
		return nil, errors.NewInternalError("failed to resolve policy", err)
	}
	filtered, d := Filter(ctx, policy, req.Resource, FilterOptions{
		UserID:     req.UserID,
		Role:       req.Role,
		EntityName: req.EntityName,
		Action:     ActionRead,
	})
	denied := d.DeniedFields
	if denied == nil {
		denied = []string{}
	}
	return &PreviewResponse{
		Policy:       policy,
		Resource:     filtered,
		RecordDenied: d.RecordDenied,
		DeniedFields: denied,
	}, nil
}

func (s *Service) LogAccess(ctx context.Context, log *AccessLog) error {
	if log.ID == "" {
		log.ID = ids.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.clock()
	}
	if log.DeniedFields == nil {
		log.DeniedFields = []string{}
	}
	if err := s.logs.Create(ctx, log); err != nil {
		s.logger.Error("failed to write access log", "user_id", log.UserID, "error", err)
		return err
	}
	return nil
}

// AccessLogs lists a user's access history, or every denied access when userID is empty.
func (s *Service) AccessLogs(ctx context.Context, userID string, limit, offset int) ([]*AccessLog, error) {
	limit, offset = page(limit, offset)
	var (
		logs []*AccessLog
		err  error
	)
	if userID == "" {
		logs, err = s.logs.FindDenied(ctx, limit, offset)
	} else {
		logs, err = s.logs.FindByUser(ctx, userID, limit, offset)
	}
	if err != nil {
		s.logger.Error("failed to read access logs", "user_id", userID, "error", err)
		return nil, errors.NewInternalError("failed to read access logs", err)
	}
	return logs, nil
}

func (s *Service) DeniedLogs(ctx context.Context, limit, offset int) ([]*AccessLog, error) {
	return s.AccessLogs(ctx, "", limit, offset)
}

func (s *Service) AccessStats(ctx context.Context, userID string) (*AccessStats, error) {
	stats, err := s.logs.Stats(ctx, userID)
	if err != nil {
		s.logger.Error("failed to compute access stats", "user_id", userID, "error", err)
		return nil, errors.NewInternalError("failed to compute access stats", err)
	}
	stats.DenialRate = denialRate(stats.Denied, stats.Total)
	if stats.ByAction == nil {
		stats.ByAction = []CountByKey{}
	}
	if stats.ByRole == nil {
		stats.ByRole = []CountByKey{}
	}
	return stats, nil
}

// PurgeExpiredLogs deletes access logs older than retention.
func (s *Service) PurgeExpiredLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock().Add(-retention)
	n, err := s.logs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to purge access logs", "cutoff", cutoff, "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged access logs", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func denialRate(denied, total int64) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", float64(denied)/float64(total)*100)
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
