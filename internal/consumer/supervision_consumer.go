package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"wisefido-tagcache/internal/models"
	rediscommon "wisefido-tagcache/internal/redis"

	"github.com/cenkalti/backoff"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// SupervisionApplier 写入监控状态事件
type SupervisionApplier interface {
	Apply(ctx context.Context, event models.SupervisionEvent) (bool, error)
}

// StreamConfig 监控 Stream 的消费者组配置
type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	Batch    int64
	Block    time.Duration
}

// SupervisionConsumer 从 Redis Stream 消费监控状态事件
// 处理后确认消息，无法解析的消息也会确认
type SupervisionConsumer struct {
	client     *redis.Client
	cfg        StreamConfig
	applier    SupervisionApplier
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

// NewSupervisionConsumer 创建监控状态消费者
func NewSupervisionConsumer(client *redis.Client, cfg StreamConfig, applier SupervisionApplier, logger *zap.Logger) *SupervisionConsumer {
	return &SupervisionConsumer{
		client:     client,
		cfg:        cfg,
		applier:    applier,
		logger:     logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Start 创建消费者组并持续消费，直到 ctx 结束
// 读取失败时指数退避（最长30秒）
func (c *SupervisionConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.client, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}
	c.logger.Info("Supervision consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("consumer_group", c.cfg.Group),
		zap.String("consumer_name", c.cfg.Consumer),
	)

	b := c.newBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		_, err := c.ConsumeOnce(ctx)
		if err == nil {
			b.Reset()
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		c.logger.Error("Failed to consume supervision stream", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// ConsumeOnce 读取并处理一批消息，返回处理数量
func (c *SupervisionConsumer) ConsumeOnce(ctx context.Context) (int, error) {
	messages, err := rediscommon.ReadFromStream(ctx, c.client, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.Batch, c.cfg.Block)
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream %s: %w", c.cfg.Stream, err)
	}

	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to process supervision message",
				zap.String("stream", msg.Stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		ids = append(ids, msg.ID)
	}
	if err := rediscommon.Ack(ctx, c.client, c.cfg.Stream, c.cfg.Group, ids...); err != nil {
		return len(messages), fmt.Errorf("failed to ack %d messages: %w", len(ids), err)
	}
	return len(messages), nil
}

func (c *SupervisionConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	event, err := ParseSupervisionEvent(msg)
	if err != nil {
		return err
	}
	_, err = c.applier.Apply(ctx, event)
	return err
}

// ParseSupervisionEvent 解析 Stream 消息
// 支持 JSON "data" 字段，或平铺字段 entity_id/kind/status/timestamp/description
// timestamp 为 RFC3339 或 unix 毫秒
func ParseSupervisionEvent(msg rediscommon.StreamMessage) (models.SupervisionEvent, error) {
	var event models.SupervisionEvent
	if data := msg.Field("data"); data != "" {
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return event, fmt.Errorf("failed to unmarshal supervision event: %w", err)
		}
	} else {
		id, err := strconv.ParseInt(msg.Field("entity_id"), 10, 64)
		if err != nil {
			return event, fmt.Errorf("invalid entity_id %q", msg.Field("entity_id"))
		}
		ts, err := parseTimestamp(msg.Field("timestamp"))
		if err != nil {
			return event, err
		}
		event = models.SupervisionEvent{
			EntityID:    id,
			Kind:        models.EntityKind(msg.Field("kind")),
			Status:      models.SupervisionStatus(msg.Field("status")),
			Timestamp:   ts,
			Description: msg.Field("description"),
		}
	}

	status, err := models.ParseSupervisionStatus(string(event.Status))
	if err != nil {
		return event, err
	}
	event.Status = status
	switch event.Kind {
	case models.KindProcess, models.KindEquipment, models.KindSubEquipment:
	default:
		return event, fmt.Errorf("unknown entity kind %q", event.Kind)
	}
	if event.Timestamp.IsZero() {
		return event, errors.New("supervision event without timestamp")
	}
	return event, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("supervision event without timestamp")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return ts, nil
}
