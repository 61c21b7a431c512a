package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"

	"go.uber.org/zap"
)

// TagWriter 持久化 tag 值
type TagWriter interface {
	UpdateTagValues(ctx context.Context, tags []*models.Tag) error
}

// AlarmWriter 持久化报警状态
type AlarmWriter interface {
	UpdateAlarmStates(ctx context.Context, alarms []*models.Alarm) error
}

// StatusWriter 持久化监控状态
type StatusWriter interface {
	UpdateStatuses(ctx context.Context, entities []*models.SupervisedEntity) error
}

// BatchPersister 将 store 中的脏数据批量写回数据库
// 写入失败的 key 重新标记为脏，下次 flush 时重试
type BatchPersister[V cache.Cacheable[int64]] struct {
	store    *cache.Store[int64, V]
	write    func(ctx context.Context, values []V) error
	interval time.Duration
	logger   *zap.Logger
}

// NewTagPersister 创建 tag store 的持久化器
func NewTagPersister(store *cache.Store[int64, *models.Tag], w TagWriter, interval time.Duration, logger *zap.Logger) *BatchPersister[*models.Tag] {
	return newBatchPersister(store, w.UpdateTagValues, interval, logger)
}

// NewAlarmPersister 创建报警 store 的持久化器
func NewAlarmPersister(store *cache.Store[int64, *models.Alarm], w AlarmWriter, interval time.Duration, logger *zap.Logger) *BatchPersister[*models.Alarm] {
	return newBatchPersister(store, w.UpdateAlarmStates, interval, logger)
}

// NewStatusPersister 创建监控 store 的持久化器
func NewStatusPersister(store *cache.Store[int64, *models.SupervisedEntity], w StatusWriter, interval time.Duration, logger *zap.Logger) *BatchPersister[*models.SupervisedEntity] {
	return newBatchPersister(store, w.UpdateStatuses, interval, logger)
}

func newBatchPersister[V cache.Cacheable[int64]](store *cache.Store[int64, V], write func(context.Context, []V) error, interval time.Duration, logger *zap.Logger) *BatchPersister[V] {
	return &BatchPersister[V]{
		store:    store,
		write:    write,
		interval: interval,
		logger:   logger.With(zap.String("store", store.Name())),
	}
}

// Flush 写入所有脏 key 的当前副本，返回写入数量
// 期间已从 store 删除的 key 直接丢弃
func (p *BatchPersister[V]) Flush(ctx context.Context) (int, error) {
	keys := p.store.DrainDirty()
	if len(keys) == 0 {
		return 0, nil
	}

	values := make([]V, 0, len(keys))
	written := make([]int64, 0, len(keys))
	for _, key := range keys {
		v, err := p.store.GetCopy(key)
		if err != nil {
			if !errors.Is(err, cache.ErrNotFound) {
				p.store.MarkDirty(key)
				p.logger.Warn("Failed to read dirty entry", zap.Int64("key", key), zap.Error(err))
			}
			continue
		}
		values = append(values, v)
		written = append(written, key)
	}

	if err := p.write(ctx, values); err != nil {
		p.store.MarkDirty(written...)
		return 0, fmt.Errorf("failed to persist %d %s entries: %w", len(values), p.store.Name(), err)
	}
	return len(values), nil
}

// Run 每个 interval flush 一次，ctx 结束后再 flush 一次
func (p *BatchPersister[V]) Run(ctx context.Context) error {
	if p.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := p.Flush(flushCtx); err != nil {
				p.logger.Error("Final flush failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			n, err := p.Flush(ctx)
			if err != nil {
				p.logger.Error("Flush failed, entries kept dirty", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Debug("Persisted dirty entries", zap.Int("count", n))
			}
		}
	}
}
