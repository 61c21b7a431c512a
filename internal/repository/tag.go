package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const tagColumns = `
	tag_id, name,
	COALESCE(process_id, 0), COALESCE(equipment_id, 0), COALESCE(sub_equipment_id, 0),
	data_type, value, COALESCE(value_description, ''),
	quality_initialised, quality_invalid, mode, simulated,
	source_ts, daq_ts, server_ts,
	COALESCE((SELECT array_agg(a.alarm_id ORDER BY a.alarm_id) FROM alarms a WHERE a.tag_id = t.tag_id), '{}')`

// TagRepository 标签仓库（读取配置及最后值，回写值）
type TagRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTagRepository 创建标签仓库
func NewTagRepository(db *sql.DB, logger *zap.Logger) *TagRepository {
	return &TagRepository{db: db, logger: logger}
}

// LoadByID 实现 cache.Loader
func (r *TagRepository) LoadByID(ctx context.Context, id int64) (*models.Tag, error) {
	query := `SELECT ` + tagColumns + ` FROM tags t WHERE t.tag_id = $1`

	tag, err := scanTag(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tag %d: %w", id, cache.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query tag %d: %w", id, err)
	}
	return tag, nil
}

// LoadAll 实现 cache.Loader
// 无法解析的行记录日志后跳过
func (r *TagRepository) LoadAll(ctx context.Context) ([]*models.Tag, error) {
	query := `SELECT ` + tagColumns + ` FROM tags t ORDER BY t.tag_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var tags []*models.Tag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			r.logger.Warn("Skipping undecodable tag row", zap.Error(err))
			continue
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tags: %w", err)
	}
	return tags, nil
}

// UpdateTagValues 在一个事务中批量写入 tag 的值、质量、模式和时间戳
func (r *TagRepository) UpdateTagValues(ctx context.Context, tags []*models.Tag) error {
	if len(tags) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE tags SET
			value = $2, value_description = $3,
			quality_initialised = $4, quality_invalid = $5,
			mode = $6, simulated = $7,
			source_ts = $8, daq_ts = $9, server_ts = $10
		WHERE tag_id = $1`)
	if err != nil {
		return fmt.Errorf("failed to prepare tag update: %w", err)
	}
	defer stmt.Close()

	for _, tag := range tags {
		value, err := json.Marshal(tag.Value)
		if err != nil {
			return fmt.Errorf("failed to marshal value of tag %d: %w", tag.ID, err)
		}
		invalid, err := json.Marshal(tag.Quality.Invalid)
		if err != nil {
			return fmt.Errorf("failed to marshal quality of tag %d: %w", tag.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			tag.ID, string(value), tag.ValueDescription,
			tag.Quality.Initialised, string(invalid),
			tag.Mode.String(), tag.Simulated,
			nullTime(tag.SourceTimestamp), nullTime(tag.DAQTimestamp), nullTime(tag.ServerTimestamp),
		); err != nil {
			return fmt.Errorf("failed to update tag %d: %w", tag.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tag updates: %w", err)
	}
	return nil
}

func scanTag(row rowScanner) (*models.Tag, error) {
	var (
		tag                       models.Tag
		value, invalid            []byte
		mode                      string
		sourceTS, daqTS, serverTS sql.NullTime
		alarmIDs                  pq.Int64Array
	)
	if err := row.Scan(
		&tag.ID, &tag.Name,
		&tag.ProcessID, &tag.EquipmentID, &tag.SubEquipmentID,
		&tag.DataType, &value, &tag.ValueDescription,
		&tag.Quality.Initialised, &invalid, &mode, &tag.Simulated,
		&sourceTS, &daqTS, &serverTS,
		&alarmIDs,
	); err != nil {
		return nil, err
	}

	if len(value) > 0 {
		if err := json.Unmarshal(value, &tag.Value); err != nil {
			return nil, fmt.Errorf("tag %d value: %w", tag.ID, err)
		}
	}
	if len(invalid) > 0 {
		if err := json.Unmarshal(invalid, &tag.Quality.Invalid); err != nil {
			return nil, fmt.Errorf("tag %d quality: %w", tag.ID, err)
		}
	}
	m, err := models.ParseTagMode(mode)
	if err != nil {
		return nil, fmt.Errorf("tag %d: %w", tag.ID, err)
	}
	tag.Mode = m
	tag.SourceTimestamp = sourceTS.Time
	tag.DAQTimestamp = daqTS.Time
	tag.ServerTimestamp = serverTS.Time
	tag.AlarmIDs = []int64(alarmIDs)
	return &tag, nil
}
