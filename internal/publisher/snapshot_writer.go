package publisher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// TagSnapshotWriter 将每个 tag 的最新值写入一个 Redis Hash（field = tag id）
// 使用 cache.Buffered 注册，同一 tag 的连续更新每次 flush 只执行一次 HSET
type TagSnapshotWriter struct {
	client *redis.Client
	hash   string
	logger *zap.Logger
}

// NewTagSnapshotWriter 创建快照写入器
func NewTagSnapshotWriter(client *redis.Client, hash string, logger *zap.Logger) *TagSnapshotWriter {
	return &TagSnapshotWriter{client: client, hash: hash, logger: logger}
}

// Name 实现 cache.Named
func (w *TagSnapshotWriter) Name() string {
	return "redis-tag-snapshot-writer"
}

// OnEvent 实现 cache.Listener
func (w *TagSnapshotWriter) OnEvent(event cache.Event[int64, *models.Tag]) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	field := strconv.FormatInt(event.Key, 10)
	if event.Kind == cache.Removed {
		if err := w.client.HDel(ctx, w.hash, field).Err(); err != nil {
			return fmt.Errorf("failed to delete snapshot of tag %d: %w", event.Key, err)
		}
		return nil
	}

	data, err := json.Marshal(event.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal tag %d: %w", event.Key, err)
	}
	if err := w.client.HSet(ctx, w.hash, field, data).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot of tag %d: %w", event.Key, err)
	}
	return nil
}
