package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const alarmColumns = `
	alarm_id, tag_id, fault_family, fault_member, fault_code,
	condition, metadata,
	active, internal_active, oscillating,
	trigger_ts, source_ts, COALESCE(info, '')`

// AlarmRepository 报警仓库（读取报警定义及最后状态，回写状态）
type AlarmRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlarmRepository 创建报警仓库
func NewAlarmRepository(db *sql.DB, logger *zap.Logger) *AlarmRepository {
	return &AlarmRepository{db: db, logger: logger}
}

// LoadByID 实现 cache.Loader
func (r *AlarmRepository) LoadByID(ctx context.Context, id int64) (*models.Alarm, error) {
	query := `SELECT ` + alarmColumns + ` FROM alarms WHERE alarm_id = $1`

	alarm, err := scanAlarm(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alarm %d: %w", id, cache.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query alarm %d: %w", id, err)
	}
	return alarm, nil
}

// LoadAll 实现 cache.Loader
// 条件无法解析的报警记录日志后跳过
func (r *AlarmRepository) LoadAll(ctx context.Context) ([]*models.Alarm, error) {
	query := `SELECT ` + alarmColumns + ` FROM alarms ORDER BY alarm_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarms: %w", err)
	}
	defer rows.Close()

	var alarms []*models.Alarm
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			r.logger.Warn("Skipping undecodable alarm row", zap.Error(err))
			continue
		}
		alarms = append(alarms, alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alarms: %w", err)
	}
	return alarms, nil
}

// UpdateAlarmStates 在一个事务中批量写入报警状态
func (r *AlarmRepository) UpdateAlarmStates(ctx context.Context, alarms []*models.Alarm) error {
	if len(alarms) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE alarms SET
			active = $2, internal_active = $3, oscillating = $4,
			trigger_ts = $5, source_ts = $6, info = $7
		WHERE alarm_id = $1`)
	if err != nil {
		return fmt.Errorf("failed to prepare alarm update: %w", err)
	}
	defer stmt.Close()

	for _, alarm := range alarms {
		if _, err := stmt.ExecContext(ctx,
			alarm.ID, alarm.Active, alarm.InternalActive, alarm.Oscillating,
			nullTime(alarm.TriggerTimestamp), nullTime(alarm.SourceTimestamp), alarm.Info,
		); err != nil {
			return fmt.Errorf("failed to update alarm %d: %w", alarm.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit alarm updates: %w", err)
	}
	return nil
}

func scanAlarm(row rowScanner) (*models.Alarm, error) {
	var (
		alarm               models.Alarm
		condition, metadata []byte
		triggerTS, sourceTS sql.NullTime
	)
	if err := row.Scan(
		&alarm.ID, &alarm.TagID, &alarm.FaultFamily, &alarm.FaultMember, &alarm.FaultCode,
		&condition, &metadata,
		&alarm.Active, &alarm.InternalActive, &alarm.Oscillating,
		&triggerTS, &sourceTS, &alarm.Info,
	); err != nil {
		return nil, err
	}

	c, err := models.ParseCondition(condition)
	if err != nil {
		return nil, fmt.Errorf("alarm %d: %w", alarm.ID, err)
	}
	alarm.Condition = c
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &alarm.Metadata); err != nil {
			return nil, fmt.Errorf("alarm %d metadata: %w", alarm.ID, err)
		}
	}
	alarm.TriggerTimestamp = triggerTS.Time
	alarm.SourceTimestamp = sourceTS.Time
	return &alarm, nil
}
