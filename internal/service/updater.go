package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"

	"go.uber.org/zap"
)

// TagUpdater 将接收到的值更新写入 tag store
// 每次写入都会通知 tag 监听器（包括报警引擎）
type TagUpdater struct {
	tags     *cache.Store[int64, *models.Tag]
	executor *cache.Executor
	now      func() time.Time
	logger   *zap.Logger
}

// NewTagUpdater 创建 tag 更新器
func NewTagUpdater(tags *cache.Store[int64, *models.Tag], executor *cache.Executor, logger *zap.Logger) *TagUpdater {
	return &TagUpdater{tags: tags, executor: executor, now: time.Now, logger: logger}
}

// Update 写入更新，返回是否已应用
// 早于已存 source 时间戳的更新被丢弃；未知 tag 返回 cache.ErrNotFound
func (u *TagUpdater) Update(ctx context.Context, update models.TagUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if update.TagID == 0 {
		return false, fmt.Errorf("%w: update without tag id", cache.ErrInvalidArgument)
	}

	return cache.ExecuteResult(u.executor, []cache.KeyRef{u.tags.Ref(update.TagID)}, func(tx *cache.Tx) (bool, error) {
		current, err := u.tags.GetTx(tx, update.TagID)
		if err != nil {
			return false, err
		}
		if !update.SourceTimestamp.IsZero() && update.SourceTimestamp.Before(current.SourceTimestamp) {
			u.logger.Debug("Dropping stale tag update",
				zap.Int64("tag_id", update.TagID),
				zap.Time("update_timestamp", update.SourceTimestamp),
				zap.Time("stored_timestamp", current.SourceTimestamp),
			)
			return false, nil
		}

		tag, err := cache.Clone(current)
		if err != nil {
			return false, err
		}
		tag.Value = update.Value
		tag.ValueDescription = update.ValueDescription
		tag.Quality.Initialised = true
		tag.Quality.Invalid = maps.Clone(update.Invalid)
		if update.Mode != nil {
			tag.Mode = *update.Mode
		}
		tag.Simulated = update.Simulated
		tag.SourceTimestamp = update.SourceTimestamp
		tag.DAQTimestamp = update.DAQTimestamp
		tag.ServerTimestamp = u.now()

		if err := u.tags.PutTx(tx, tag.ID, tag); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Invalidate 将 tag 当前值标记为无效（不修改值）
func (u *TagUpdater) Invalidate(ctx context.Context, tagID int64, flag models.QualityFlag, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return u.executor.Execute([]cache.KeyRef{u.tags.Ref(tagID)}, func(tx *cache.Tx) error {
		tag, err := u.tags.GetCopyTx(tx, tagID)
		if err != nil {
			return err
		}
		if desc, ok := tag.Quality.Invalid[flag]; ok && desc == description {
			return nil
		}
		tag.Quality.AddInvalidFlag(flag, description)
		tag.ServerTimestamp = u.now()
		return u.tags.PutTx(tx, tagID, tag)
	})
}

// SupervisionUpdater 将状态事件写入监控 store
type SupervisionUpdater struct {
	stores   map[models.EntityKind]*cache.Store[int64, *models.SupervisedEntity]
	executor *cache.Executor
	logger   *zap.Logger
}

// NewSupervisionUpdater 创建监控状态更新器
func NewSupervisionUpdater(stores map[models.EntityKind]*cache.Store[int64, *models.SupervisedEntity], executor *cache.Executor, logger *zap.Logger) *SupervisionUpdater {
	return &SupervisionUpdater{stores: stores, executor: executor, logger: logger}
}

// Apply 写入事件状态，返回是否有变化
// 早于已存状态时间的事件被忽略；store 中不存在的实体会被创建
func (s *SupervisionUpdater) Apply(ctx context.Context, event models.SupervisionEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	store, ok := s.stores[event.Kind]
	if !ok {
		return false, fmt.Errorf("%w: unknown entity kind %q", cache.ErrInvalidArgument, event.Kind)
	}
	if event.EntityID == 0 {
		return false, fmt.Errorf("%w: event without entity id", cache.ErrInvalidArgument)
	}

	return cache.ExecuteResult(s.executor, []cache.KeyRef{store.Ref(event.EntityID)}, func(tx *cache.Tx) (bool, error) {
		entity, err := store.GetCopyTx(tx, event.EntityID)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			entity = &models.SupervisedEntity{ID: event.EntityID, Kind: event.Kind}
		case err != nil:
			return false, err
		}

		if event.Timestamp.Before(entity.StatusTime) {
			s.logger.Debug("Ignoring outdated supervision event",
				zap.String("kind", string(event.Kind)),
				zap.Int64("entity_id", event.EntityID),
				zap.Time("event_time", event.Timestamp),
				zap.Time("status_time", entity.StatusTime),
			)
			return false, nil
		}
		if entity.Status == event.Status && entity.StatusDescription == event.Description && entity.StatusTime.Equal(event.Timestamp) {
			return false, nil
		}

		previous := entity.Status
		entity.Status = event.Status
		entity.StatusTime = event.Timestamp
		entity.StatusDescription = event.Description
		if err := store.PutTx(tx, entity.ID, entity); err != nil {
			return false, err
		}
		if previous != event.Status {
			s.logger.Info("Supervision status changed",
				zap.String("kind", string(event.Kind)),
				zap.Int64("entity_id", event.EntityID),
				zap.String("from", string(previous)),
				zap.String("to", string(event.Status)),
			)
		}
		return true, nil
	})
}
