package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"

	fieldaccessDatamodel "github.com/frahmantamala/fieldguard/internal/core/datamodel/fieldaccess"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
)

type AccessLogRepository struct {
	db *gorm.DB
}

func NewAccessLogRepository(db *gorm.DB) fieldaccess.AccessLogRepository {
	return &AccessLogRepository{db: db}
}

func (r *AccessLogRepository) Create(ctx context.Context, log *fieldaccess.AccessLog) error {
	return r.db.WithContext(ctx).Create(fieldaccess.AccessLogToDataModel(log)).Error
}

func (r *AccessLogRepository) FindByUser(ctx context.Context, userID string, limit, offset int) ([]*fieldaccess.AccessLog, error) {
	var rows []*fieldaccessDatamodel.AccessLog
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toLogs(rows), nil
}

func (r *AccessLogRepository) FindDenied(ctx context.Context, limit, offset int) ([]*fieldaccess.AccessLog, error) {
	var rows []*fieldaccessDatamodel.AccessLog
	err := r.db.WithContext(ctx).
		Where("granted = ?", false).
		Order("created_at DESC").Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toLogs(rows), nil
}

func (r *AccessLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&fieldaccessDatamodel.AccessLog{})
	return res.RowsAffected, res.Error
}

// Stats aggregates with hand-written SQL through sqlx on gorm's connection pool.
func (r *AccessLogRepository) Stats(ctx context.Context, userID string) (*fieldaccess.AccessStats, error) {
	sqlDB, err := r.db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	db := sqlx.NewDb(sqlDB, bindDriver(r.db.Dialector.Name()))

	where, args := "", []any{}
	if userID != "" {
		where, args = " WHERE user_id = ?", []any{userID}
	}

	var totals struct {
		Total   int64 `db:"total"`
		Granted int64 `db:"granted"`
	}
	q := db.Rebind(`SELECT COUNT(*) AS total, COALESCE(SUM(CASE WHEN granted THEN 1 ELSE 0 END), 0) AS granted FROM field_access_logs` + where)
	if err := db.GetContext(ctx, &totals, q, args...); err != nil {
		return nil, fmt.Errorf("count access logs: %w", err)
	}

	stats := &fieldaccess.AccessStats{
		Total:   totals.Total,
		Granted: totals.Granted,
		Denied:  totals.Total - totals.Granted,
	}
	if stats.ByAction, err = groupCount(ctx, db, "action", where, args); err != nil {
		return nil, err
	}
	if stats.ByRole, err = groupCount(ctx, db, "role", where, args); err != nil {
		return nil, err
	}
	return stats, nil
}

func groupCount(ctx context.Context, db *sqlx.DB, column, where string, args []any) ([]fieldaccess.CountByKey, error) {
	q := db.Rebind(fmt.Sprintf(
		`SELECT %[1]s AS bucket, COUNT(*) AS n FROM field_access_logs%[2]s GROUP BY %[1]s ORDER BY n DESC, bucket ASC`,
		column, where))
	var out []fieldaccess.CountByKey
	if err := db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("group access logs by %s: %w", column, err)
	}
	return out, nil
}

func bindDriver(dialect string) string {
	if dialect == "postgres" {
		return "pgx"
	}
	return "sqlite3"
}

func toLogs(rows []*fieldaccessDatamodel.AccessLog) []*fieldaccess.AccessLog {
	logs := make([]*fieldaccess.AccessLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, fieldaccess.AccessLogFromDataModel(row))
	}
	return logs
}
