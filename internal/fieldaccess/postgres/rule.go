package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	fieldaccessDatamodel "github.com/frahmantamala/fieldguard/internal/core/datamodel/fieldaccess"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
)

type RuleRepository struct {
	db *gorm.DB
}

func NewRuleRepository(db *gorm.DB) fieldaccess.RuleRepository {
	return &RuleRepository{db: db}
}

func (r *RuleRepository) FindApplicable(ctx context.Context, role string, entityName *string, now time.Time) ([]*fieldaccess.Rule, error) {
	q := r.db.WithContext(ctx).
		Where("role = ? AND is_active = ?", role, true).
		Where("(expires_at IS NULL OR expires_at > ?)", now)
	if entityName != nil {
		q = q.Where("(entity_name = ? OR entity_name IS NULL)", *entityName)
	} else {
		q = q.Where("entity_name IS NULL")
	}

	var rows []*fieldaccessDatamodel.Rule
	if err := q.Order("priority DESC").Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toRules(rows), nil
}

func (r *RuleRepository) FindAll(ctx context.Context, activeOnly bool) ([]*fieldaccess.Rule, error) {
	q := r.db.WithContext(ctx)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var rows []*fieldaccessDatamodel.Rule
	if err := q.Order("role ASC").Order("priority DESC").Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toRules(rows), nil
}

func (r *RuleRepository) FindByRole(ctx context.Context, role string) ([]*fieldaccess.Rule, error) {
	var rows []*fieldaccessDatamodel.Rule
	err := r.db.WithContext(ctx).Where("role = ?", role).Order("priority DESC").Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRules(rows), nil
}

func (r *RuleRepository) FindByEntity(ctx context.Context, entityName string) ([]*fieldaccess.Rule, error) {
	var rows []*fieldaccessDatamodel.Rule
	err := r.db.WithContext(ctx).Where("entity_name = ?", entityName).Order("priority DESC").Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRules(rows), nil
}

// GetByID returns nil, nil when the rule does not exist.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*fieldaccess.Rule, error) {
	var row fieldaccessDatamodel.Rule
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return fieldaccess.RuleFromDataModel(&row), nil
}

func (r *RuleRepository) Create(ctx context.Context, rule *fieldaccess.Rule) error {
	return r.db.WithContext(ctx).Create(fieldaccess.RuleToDataModel(rule)).Error
}

func (r *RuleRepository) CreateBatch(ctx context.Context, rules []*fieldaccess.Rule) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertAll(tx, rules)
	})
}

func (r *RuleRepository) Update(ctx context.Context, rule *fieldaccess.Rule) error {
	return r.db.WithContext(ctx).Save(fieldaccess.RuleToDataModel(rule)).Error
}

func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&fieldaccessDatamodel.Rule{}).Error
}

func (r *RuleRepository) ReplaceAll(ctx context.Context, rules []*fieldaccess.Rule) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&fieldaccessDatamodel.Rule{}).Error; err != nil {
			return err
		}
		return insertAll(tx, rules)
	})
}

func insertAll(tx *gorm.DB, rules []*fieldaccess.Rule) error {
	if len(rules) == 0 {
		return nil
	}
	rows := make([]*fieldaccessDatamodel.Rule, 0, len(rules))
	for _, rule := range rules {
		rows = append(rows, fieldaccess.RuleToDataModel(rule))
	}
	return tx.CreateInBatches(rows, 100).Error
}

func toRules(rows []*fieldaccessDatamodel.Rule) []*fieldaccess.Rule {
	rules := make([]*fieldaccess.Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, fieldaccess.RuleFromDataModel(row))
	}
	return rules
}
