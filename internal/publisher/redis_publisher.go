package publisher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"
	rediscommon "wisefido-tagcache/internal/redis"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RedisPublisherConfig RedisPublisher 的 Stream 和 key 配置
type RedisPublisherConfig struct {
	Stream         string
	StreamMaxLen   int64
	AlarmKeyPrefix string
	AlarmTTL       time.Duration
	Timeout        time.Duration
}

// RedisPublisher 将 TagWithAlarms 事件发布到 Redis Stream，
// 并在 <prefix><alarm_id> 下保存每个报警的最新快照
type RedisPublisher struct {
	client *redis.Client
	cfg    RedisPublisherConfig
	logger *zap.Logger
}

// NewRedisPublisher 创建发布器
func NewRedisPublisher(client *redis.Client, cfg RedisPublisherConfig, logger *zap.Logger) *RedisPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &RedisPublisher{client: client, cfg: cfg, logger: logger}
}

// Name 实现 cache.Named
func (p *RedisPublisher) Name() string {
	return "redis-tag-with-alarms-publisher"
}

// OnEvent 实现 cache.Listener
func (p *RedisPublisher) OnEvent(event cache.Event[int64, *models.TagWithAlarms]) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	twa := event.Value
	eventID := uuid.New().String()
	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.cfg.Stream, p.cfg.StreamMaxLen, twa, map[string]interface{}{
		"event_id":      eventID,
		"tag_id":        event.Key,
		"active_alarms": len(twa.ActiveAlarms()),
	}); err != nil {
		return fmt.Errorf("failed to publish tag %d: %w", event.Key, err)
	}

	if err := p.storeAlarms(ctx, twa.Alarms); err != nil {
		return err
	}

	p.logger.Debug("Published tag with alarms",
		zap.String("event_id", eventID),
		zap.Int64("tag_id", event.Key),
		zap.Int("alarms", len(twa.Alarms)),
	)
	return nil
}

// storeAlarms 用一个 pipeline 写入报警快照（已删除的报警执行 DEL）
func (p *RedisPublisher) storeAlarms(ctx context.Context, alarms []*models.Alarm) error {
	if len(alarms) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, alarm := range alarms {
		key := p.AlarmKey(alarm.ID)
		if alarm.Info == models.InfoRemoved {
			pipe.Del(ctx, key)
			continue
		}
		data, err := json.Marshal(alarm)
		if err != nil {
			return fmt.Errorf("failed to marshal alarm %d: %w", alarm.ID, err)
		}
		pipe.Set(ctx, key, data, p.cfg.AlarmTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store alarm snapshots: %w", err)
	}
	return nil
}

// AlarmKey 返回报警快照的 Redis key
func (p *RedisPublisher) AlarmKey(alarmID int64) string {
	return p.cfg.AlarmKeyPrefix + strconv.FormatInt(alarmID, 10)
}
