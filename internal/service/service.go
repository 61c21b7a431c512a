package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/config"
	applog "wisefido-tagcache/internal/logger"
	"wisefido-tagcache/internal/consumer"
	"wisefido-tagcache/internal/database"
	"wisefido-tagcache/internal/models"
	mqttclient "wisefido-tagcache/internal/mqtt"
	"wisefido-tagcache/internal/publisher"
	rediscommon "wisefido-tagcache/internal/redis"
	"wisefido-tagcache/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runner 服务中长期运行的部分
type runner struct {
	name string
	run  func(ctx context.Context) error
}

// TagCacheService 标签缓存服务（连接 Postgres、Redis 和 MQTT）
type TagCacheService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttclient.Client
	logger      *zap.Logger

	core        *Core
	tagConsumer atomic.Pointer[consumer.TagConsumer]
	runners     []runner
	stopped     chan struct{}
}

// NewTagCacheService 连接后端并创建所有组件
func NewTagCacheService(cfg *config.Config, logger *zap.Logger) (*TagCacheService, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := &TagCacheService{config: cfg, logger: logger, stopped: make(chan struct{})}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	s.db = db

	redisClient, err := rediscommon.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.redisClient = redisClient

	mqttClient, err := mqttclient.NewClient(&cfg.MQTT, applog.Component(logger, "mqtt"), func(*mqttclient.Client) {
		// 重连后重新订阅；首次订阅在 Start 中进行
		if c := s.tagConsumer.Load(); c != nil {
			if err := c.Subscribe(); err != nil {
				logger.Error("Failed to resubscribe tag consumer", zap.Error(err))
			}
		}
	})
	if err != nil {
		redisClient.Close()
		db.Close()
		return nil, err
	}
	s.mqttClient = mqttClient

	tagRepo := repository.NewTagRepository(db, logger)
	alarmRepo := repository.NewAlarmRepository(db, logger)
	supervisionRepos := make(map[models.EntityKind]*repository.SupervisionRepository, len(supervisedKinds))
	supervisionLoaders := make(map[models.EntityKind]cache.Loader[int64, *models.SupervisedEntity], len(supervisedKinds))
	for _, kind := range supervisedKinds {
		supervisionRepos[kind] = repository.NewSupervisionRepository(db, kind, logger)
		supervisionLoaders[kind] = supervisionRepos[kind]
	}

	core, err := NewCore(cfg, Loaders{Tags: tagRepo, Alarms: alarmRepo, Supervision: supervisionLoaders}, logger)
	if err != nil {
		s.closeBackends()
		return nil, err
	}
	s.core = core

	if err := s.registerPublishers(); err != nil {
		core.Close()
		s.closeBackends()
		return nil, err
	}

	tagConsumer := consumer.NewTagConsumer(mqttClient, cfg.Topics.TagValues, cfg.MQTT.QoS, core.TagUpdater, applog.Component(logger, "tag-consumer"))
	s.tagConsumer.Store(tagConsumer)
	supervisionConsumer := consumer.NewSupervisionConsumer(redisClient, consumer.StreamConfig{
		Stream:   cfg.Topics.SupervisionStream,
		Group:    cfg.Topics.ConsumerGroup,
		Consumer: cfg.Topics.ConsumerName,
		Batch:    cfg.Topics.SupervisionBatch,
		Block:    time.Duration(cfg.Topics.SupervisionBlockMs) * time.Millisecond,
	}, core.SupervisionUpdater, applog.Component(logger, "supervision-consumer"))

	s.runners = []runner{
		{"tag-consumer", tagConsumer.Start},
		{"supervision-consumer", supervisionConsumer.Start},
		{"oscillation-sweep", func(ctx context.Context) error {
			return core.Engine.RunOscillationSweep(ctx, cfg.Oscillation.SweepInterval)
		}},
		{"tag-persister", repository.NewTagPersister(core.Tags, tagRepo, cfg.Cache.PersistInterval, logger).Run},
		{"alarm-persister", repository.NewAlarmPersister(core.Alarms, alarmRepo, cfg.Cache.PersistInterval, logger).Run},
	}
	for _, kind := range supervisedKinds {
		p := repository.NewStatusPersister(core.Supervision[kind], supervisionRepos[kind], cfg.Cache.PersistInterval, logger)
		s.runners = append(s.runners, runner{"status-persister-" + string(kind), p.Run})
	}

	return s, nil
}

func (s *TagCacheService) registerPublishers() error {
	cfg := s.config

	redisPublisher := publisher.NewRedisPublisher(s.redisClient, publisher.RedisPublisherConfig{
		Stream:         cfg.Topics.TagWithAlarms,
		StreamMaxLen:   cfg.Topics.StreamMaxLen,
		AlarmKeyPrefix: cfg.Topics.AlarmKeyPrefix,
		AlarmTTL:       cfg.Topics.AlarmTTL,
	}, applog.Component(s.logger, "redis-publisher"))
	if _, err := s.core.Engine.RegisterAggregator(redisPublisher, cache.MultiWorker(cfg.Listeners.QueueCapacity, cfg.Listeners.PublisherWorkers)); err != nil {
		return fmt.Errorf("failed to register redis publisher: %w", err)
	}

	alarmPublisher := publisher.NewMQTTAlarmPublisher(s.mqttClient, cfg.Topics.AlarmPrefix, cfg.MQTT.QoS, applog.Component(s.logger, "alarm-publisher"))
	if _, err := s.core.Alarms.Register(alarmPublisher, cache.SingleWorker(cfg.Listeners.QueueCapacity)); err != nil {
		return fmt.Errorf("failed to register alarm publisher: %w", err)
	}

	snapshotWriter := publisher.NewTagSnapshotWriter(s.redisClient, cfg.Topics.TagSnapshotHash, applog.Component(s.logger, "snapshot-writer"))
	if _, err := s.core.Tags.Register(snapshotWriter, cache.Buffered(cfg.Listeners.SnapshotFlushPeriod)); err != nil {
		return fmt.Errorf("failed to register tag snapshot writer: %w", err)
	}
	return nil
}

// Core 返回 store 和引擎
func (s *TagCacheService) Core() *Core {
	return s.core
}

// Start 启动服务
// 预加载 store，然后运行消费者、振荡扫描和持久化器，直到 ctx 结束或其中之一失败
func (s *TagCacheService) Start(ctx context.Context) error {
	defer close(s.stopped)

	s.logger.Info("Starting tag cache service")
	if s.config.Cache.Preload {
		if err := s.core.Preload(ctx); err != nil {
			return fmt.Errorf("failed to preload stores: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		r := r
		g.Go(func() error {
			if err := r.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop 停止服务
// 等待 Start 返回，投递队列中的事件并关闭后端连接（需先取消传给 Start 的 ctx）
func (s *TagCacheService) Stop() error {
	s.logger.Info("Stopping tag cache service")

	select {
	case <-s.stopped:
	case <-time.After(10 * time.Second):
		s.logger.Warn("Service did not stop in time, closing anyway")
	}

	s.core.Close()
	s.closeBackends()
	s.logger.Info("Tag cache service stopped")
	return nil
}

func (s *TagCacheService) closeBackends() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}
}
