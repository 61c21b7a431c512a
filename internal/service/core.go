package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/config"
	applog "wisefido-tagcache/internal/logger"
	"wisefido-tagcache/internal/evaluator"
	"wisefido-tagcache/internal/models"

	"go.uber.org/zap"
)

// Loaders Core 各 store 的加载器（可为 nil，此时 store 只通过写入填充）
type Loaders struct {
	Tags        cache.Loader[int64, *models.Tag]
	Alarms      cache.Loader[int64, *models.Alarm]
	Supervision map[models.EntityKind]cache.Loader[int64, *models.SupervisedEntity]
}

// Core 服务的内存部分：store、报警引擎和更新入口（不依赖网络）
type Core struct {
	Tags        *cache.Store[int64, *models.Tag]
	Alarms      *cache.Store[int64, *models.Alarm]
	Supervision map[models.EntityKind]*cache.Store[int64, *models.SupervisedEntity]

	Executor           *cache.Executor
	Engine             *evaluator.Engine
	TagUpdater         *TagUpdater
	SupervisionUpdater *SupervisionUpdater

	logger *zap.Logger
}

var supervisedKinds = []models.EntityKind{models.KindProcess, models.KindEquipment, models.KindSubEquipment}

// NewCore 创建 store 并在 tag store 上注册报警引擎
func NewCore(cfg *config.Config, loaders Loaders, logger *zap.Logger) (*Core, error) {
	opts := StoreOptions(cfg)

	c := &Core{
		Tags:        cache.NewStore[int64, *models.Tag]("tag", loaders.Tags, opts, logger),
		Alarms:      cache.NewStore[int64, *models.Alarm]("alarm", loaders.Alarms, opts, logger),
		Supervision: make(map[models.EntityKind]*cache.Store[int64, *models.SupervisedEntity], len(supervisedKinds)),
		Executor:    cache.NewExecutor(logger),
		logger:      logger,
	}
	for _, kind := range supervisedKinds {
		name := strings.ToLower(string(kind))
		c.Supervision[kind] = cache.NewStore[int64, *models.SupervisedEntity](name, loaders.Supervision[kind], opts, logger)
	}

	gate := evaluator.NewSupervisionGate(evaluator.NewStoreStatusProvider(c.Supervision), logger)
	tracker := evaluator.NewOscillationTracker(evaluator.OscillationConfig{
		Threshold:        cfg.Oscillation.Threshold,
		Window:           cfg.Oscillation.Window,
		ReleaseThreshold: cfg.Oscillation.ReleaseThreshold,
		QuietPeriod:      cfg.Oscillation.QuietPeriod,
	})
	c.Engine = evaluator.NewEngine(c.Tags, c.Alarms, c.Executor, gate, tracker, applog.Component(logger, "alarm-engine"))
	if _, err := c.Tags.Register(c.Engine, EngineDelivery(cfg)); err != nil {
		return nil, fmt.Errorf("failed to register alarm engine: %w", err)
	}

	c.TagUpdater = NewTagUpdater(c.Tags, c.Executor, logger)
	c.SupervisionUpdater = NewSupervisionUpdater(c.Supervision, c.Executor, logger)
	return c, nil
}

// EngineDelivery 返回报警引擎在 tag store 上的投递方式
// LISTENER_ENGINE_WORKERS=0 时在写入方的 goroutine 上同步评估（tag key 仍被持有），
// 大于 0 时使用多 worker 池，过期的评估由引擎自己丢弃
func EngineDelivery(cfg *config.Config) cache.DeliveryMode {
	if cfg.Listeners.EngineWorkers > 0 {
		return cache.MultiWorker(cfg.Listeners.QueueCapacity, cfg.Listeners.EngineWorkers)
	}
	return cache.Sync()
}

// StoreOptions 将缓存配置转换为 store 选项
func StoreOptions(cfg *config.Config) cache.Options {
	opts := cache.DefaultOptions()
	if cfg.Cache.LockRetries > 0 {
		opts.LockRetries = cfg.Cache.LockRetries
	}
	if cfg.Cache.LockMaxDelay > 0 {
		opts.LockMaxDelay = cfg.Cache.LockMaxDelay
	}
	if cfg.Cache.LockBaseDelay > 0 {
		opts.LockBaseDelay = cfg.Cache.LockBaseDelay
	}
	if cfg.Cache.LoadTimeout > 0 {
		opts.LoadTimeout = cfg.Cache.LoadTimeout
	}
	return opts
}

// Preload 从加载器预加载所有 store
// 先加载监控实体，保证第一批 tag 更新已能看到所属进程/设备
func (c *Core) Preload(ctx context.Context) error {
	start := time.Now()
	for _, kind := range supervisedKinds {
		if _, err := c.Supervision[kind].Preload(ctx); err != nil {
			return err
		}
	}
	alarms, err := c.Alarms.Preload(ctx)
	if err != nil {
		return err
	}
	tags, err := c.Tags.Preload(ctx)
	if err != nil {
		return err
	}
	restored := c.Engine.RestoreOscillations()

	c.logger.Info("Stores preloaded",
		zap.Int("tags", tags),
		zap.Int("alarms", alarms),
		zap.Int("oscillating", restored),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Close 停止引擎并排空所有 store 监听器
func (c *Core) Close() {
	c.Tags.Listeners().Close()
	c.Engine.Close()
	c.Alarms.Listeners().Close()
	for _, store := range c.Supervision {
		store.Listeners().Close()
	}
}
