package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"

	"go.uber.org/zap"
)

const supervisionColumns = `
	entity_id, kind, COALESCE(name, ''), COALESCE(parent_id, 0),
	status, status_time, COALESCE(status_description, ''),
	COALESCE(alive_tag_id, 0), COALESCE(alive_interval_ms, 0)`

// SupervisionRepository 监控实体仓库（每种类型一个）
type SupervisionRepository struct {
	db     *sql.DB
	kind   models.EntityKind
	logger *zap.Logger
}

// NewSupervisionRepository 创建 process/equipment/sub-equipment 仓库
func NewSupervisionRepository(db *sql.DB, kind models.EntityKind, logger *zap.Logger) *SupervisionRepository {
	return &SupervisionRepository{db: db, kind: kind, logger: logger}
}

// LoadByID 实现 cache.Loader
func (r *SupervisionRepository) LoadByID(ctx context.Context, id int64) (*models.SupervisedEntity, error) {
	query := `SELECT ` + supervisionColumns + ` FROM supervised_entities WHERE entity_id = $1 AND kind = $2`

	entity, err := scanEntity(r.db.QueryRowContext(ctx, query, id, string(r.kind)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %d: %w", r.kind, id, cache.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query %s %d: %w", r.kind, id, err)
	}
	return entity, nil
}

// LoadAll 实现 cache.Loader
func (r *SupervisionRepository) LoadAll(ctx context.Context) ([]*models.SupervisedEntity, error) {
	query := `SELECT ` + supervisionColumns + ` FROM supervised_entities WHERE kind = $1 ORDER BY entity_id`

	rows, err := r.db.QueryContext(ctx, query, string(r.kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s entities: %w", r.kind, err)
	}
	defer rows.Close()

	var entities []*models.SupervisedEntity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			r.logger.Warn("Skipping undecodable supervision row", zap.String("kind", string(r.kind)), zap.Error(err))
			continue
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s entities: %w", r.kind, err)
	}
	return entities, nil
}

// UpdateStatuses 在一个事务中批量写入监控状态
func (r *SupervisionRepository) UpdateStatuses(ctx context.Context, entities []*models.SupervisedEntity) error {
	if len(entities) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE supervised_entities SET status = $3, status_time = $4, status_description = $5
		WHERE entity_id = $1 AND kind = $2`)
	if err != nil {
		return fmt.Errorf("failed to prepare status update: %w", err)
	}
	defer stmt.Close()

	for _, e := range entities {
		if _, err := stmt.ExecContext(ctx, e.ID, string(r.kind), string(e.Status), nullTime(e.StatusTime), e.StatusDescription); err != nil {
			return fmt.Errorf("failed to update %s %d: %w", r.kind, e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status updates: %w", err)
	}
	return nil
}

func scanEntity(row rowScanner) (*models.SupervisedEntity, error) {
	var (
		entity     models.SupervisedEntity
		kind       string
		status     string
		statusTime sql.NullTime
		intervalMs int64
	)
	if err := row.Scan(
		&entity.ID, &kind, &entity.Name, &entity.ParentID,
		&status, &statusTime, &entity.StatusDescription,
		&entity.AliveTagID, &intervalMs,
	); err != nil {
		return nil, err
	}

	s, err := models.ParseSupervisionStatus(status)
	if err != nil {
		return nil, fmt.Errorf("entity %d: %w", entity.ID, err)
	}
	entity.Kind = models.EntityKind(kind)
	entity.Status = s
	entity.StatusTime = statusTime.Time
	entity.AliveInterval = time.Duration(intervalMs) * time.Millisecond
	return &entity, nil
}
