package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"
	mqttclient "wisefido-tagcache/internal/mqtt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// TagUpdateApplier 写入 tag 值更新
type TagUpdateApplier interface {
	Update(ctx context.Context, update models.TagUpdate) (bool, error)
}

// TagConsumer MQTT tag 值消费者
// 消息可以是单个对象或数组；没有 tag_id 时使用 topic 最后一段（如 tagcache/tags/42）
type TagConsumer struct {
	subscriber mqttclient.Subscriber
	topic      string
	qos        byte
	updater    TagUpdateApplier
	logger     *zap.Logger
	ctx        context.Context
}

// NewTagConsumer 创建 tag 消费者
func NewTagConsumer(subscriber mqttclient.Subscriber, topic string, qos byte, updater TagUpdateApplier, logger *zap.Logger) *TagConsumer {
	return &TagConsumer{
		subscriber: subscriber,
		topic:      topic,
		qos:        qos,
		updater:    updater,
		logger:     logger,
		ctx:        context.Background(),
	}
}

// Start 订阅并阻塞，直到 ctx 结束
func (c *TagConsumer) Start(ctx context.Context) error {
	c.ctx = ctx
	if err := c.Subscribe(); err != nil {
		return err
	}
	c.logger.Info("Tag consumer started", zap.String("topic", c.topic))

	<-ctx.Done()

	if err := c.subscriber.Unsubscribe(c.topic); err != nil {
		c.logger.Warn("Failed to unsubscribe", zap.String("topic", c.topic), zap.Error(err))
	}
	c.logger.Info("Tag consumer stopped")
	return nil
}

// Subscribe （重新）订阅 tag topic，重连后调用
func (c *TagConsumer) Subscribe() error {
	if err := c.subscriber.Subscribe(c.topic, c.qos, c.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to tag topic: %w", err)
	}
	return nil
}

// HandleMessage 解析并处理一条 MQTT 消息
// 未知 tag 和过期更新只记录日志，不返回错误
func (c *TagConsumer) HandleMessage(topic string, payload []byte) error {
	updates, err := decodeTagUpdates(topic, payload)
	if err != nil {
		return err
	}

	var errs []error
	for _, update := range updates {
		applied, err := c.updater.Update(c.ctx, update)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			c.logger.Warn("Update for unknown tag", zap.Int64("tag_id", update.TagID), zap.String("topic", topic))
		case err != nil:
			errs = append(errs, fmt.Errorf("tag %d: %w", update.TagID, err))
		case !applied:
			c.logger.Debug("Tag update not applied", zap.Int64("tag_id", update.TagID))
		}
	}
	return errors.Join(errs...)
}

func decodeTagUpdates(topic string, payload []byte) ([]models.TagUpdate, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil, errors.New("empty tag update payload")
	}

	var updates []models.TagUpdate
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(payload, &updates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tag updates: %w", err)
		}
	} else {
		var update models.TagUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tag update: %w", err)
		}
		updates = append(updates, update)
	}

	for i := range updates {
		if updates[i].TagID != 0 {
			continue
		}
		id, err := tagIDFromTopic(topic)
		if err != nil {
			return nil, err
		}
		updates[i].TagID = id
	}
	return updates, nil
}

func tagIDFromTopic(topic string) (int64, error) {
	segment := topic[strings.LastIndex(topic, "/")+1:]
	id, err := strconv.ParseInt(segment, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("no tag id in payload or topic %q", topic)
	}
	return id, nil
}
