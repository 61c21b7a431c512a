package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisPublisher_OnEvent(t *testing.T) {
	mr, client := setupTestRedis(t)
	pub := NewRedisPublisher(client, RedisPublisherConfig{
		Stream:         "tag-with-alarms",
		StreamMaxLen:   1000,
		AlarmKeyPrefix: "tagcache:alarm:",
		AlarmTTL:       time.Hour,
	}, zap.NewNop())

	mr.Set("tagcache:alarm:101", `{"id":101}`)
	twa := &models.TagWithAlarms{
		Tag: &models.Tag{ID: 10, Name: "boiler.temp", Value: 81.0},
		Alarms: []*models.Alarm{
			{ID: 100, TagID: 10, Active: true, Info: "[M]"},
			{ID: 101, TagID: 10, Info: models.InfoRemoved},
		},
	}
	err := pub.OnEvent(cache.Event[int64, *models.TagWithAlarms]{Kind: cache.Updated, Key: 10, Value: twa})
	require.NoError(t, err)

	entries, err := client.XRange(context.Background(), "tag-with-alarms", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	values := entries[0].Values
	assert.Equal(t, "10", values["tag_id"])
	assert.Equal(t, "1", values["active_alarms"])
	_, err = uuid.Parse(values["event_id"].(string))
	assert.NoError(t, err)

	var published models.TagWithAlarms
	require.NoError(t, json.Unmarshal([]byte(values["data"].(string)), &published))
	assert.Equal(t, "boiler.temp", published.Tag.Name)
	require.Len(t, published.Alarms, 2)
	assert.True(t, published.Alarms[0].Active)

	stored, err := mr.Get("tagcache:alarm:100")
	require.NoError(t, err)
	assert.Contains(t, stored, `"info":"[M]"`)
	assert.Equal(t, time.Hour, mr.TTL("tagcache:alarm:100"))
	assert.False(t, mr.Exists("tagcache:alarm:101"))
}

func TestRedisPublisher_OnEvent_RedisDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	pub := NewRedisPublisher(client, RedisPublisherConfig{Stream: "s", Timeout: 200 * time.Millisecond}, zap.NewNop())
	mr.Close()

	err := pub.OnEvent(cache.Event[int64, *models.TagWithAlarms]{
		Kind: cache.Updated, Key: 1, Value: &models.TagWithAlarms{Tag: &models.Tag{ID: 1}},
	})
	assert.ErrorContains(t, err, "failed to publish tag 1")
}

type fakeMQTT struct {
	mu       sync.Mutex
	fail     error
	messages []publishedMessage
}

type publishedMessage struct {
	topic    string
	retained bool
	payload  []byte
}

func (f *fakeMQTT) Publish(topic string, _ byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.messages = append(f.messages, publishedMessage{topic: topic, retained: retained, payload: payload})
	return nil
}

func TestMQTTAlarmPublisher(t *testing.T) {
	mqtt := &fakeMQTT{}
	pub := NewMQTTAlarmPublisher(mqtt, "tagcache/alarms", 1, zap.NewNop())

	alarm := &models.Alarm{ID: 100, TagID: 10, Active: true, Condition: &models.ValueCondition{AlarmValue: true}}
	require.NoError(t, pub.OnEvent(cache.Event[int64, *models.Alarm]{Kind: cache.Updated, Key: 100, Value: alarm}))
	require.NoError(t, pub.OnEvent(cache.Event[int64, *models.Alarm]{Kind: cache.Removed, Key: 100, Value: alarm}))

	require.Len(t, mqtt.messages, 2)
	assert.Equal(t, "tagcache/alarms/100", mqtt.messages[0].topic)
	assert.True(t, mqtt.messages[0].retained)
	assert.Contains(t, string(mqtt.messages[0].payload), `"active":true`)
	assert.NotContains(t, string(mqtt.messages[0].payload), "Condition")
	assert.Empty(t, mqtt.messages[1].payload)

	mqtt.fail = errors.New("not connected")
	assert.Error(t, pub.OnEvent(cache.Event[int64, *models.Alarm]{Kind: cache.Updated, Key: 100, Value: alarm}))
}

func TestMQTTAlarmPublisher_OrderedPerAlarm(t *testing.T) {
	mqtt := &fakeMQTT{}
	pub := NewMQTTAlarmPublisher(mqtt, "alarms", 1, zap.NewNop())
	registry := cache.NewRegistry[int64, *models.Alarm]("alarm", cache.Clone[*models.Alarm], zap.NewNop())
	_, err := registry.Register(pub, cache.SingleWorker(100))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		registry.Notify(cache.Event[int64, *models.Alarm]{
			Kind: cache.Updated, Key: 1, Value: &models.Alarm{ID: 1, Active: i%2 == 0, FaultCode: i},
		})
	}
	registry.Close()

	require.Len(t, mqtt.messages, 20)
	for i, msg := range mqtt.messages {
		var alarm models.Alarm
		require.NoError(t, json.Unmarshal(msg.payload, &alarm))
		assert.Equal(t, i, alarm.FaultCode)
	}
}

func TestTagSnapshotWriter(t *testing.T) {
	mr, client := setupTestRedis(t)
	writer := NewTagSnapshotWriter(client, "tagcache:tags", zap.NewNop())

	tag := &models.Tag{ID: 10, Name: "boiler.temp", Value: 21.5}
	require.NoError(t, writer.OnEvent(cache.Event[int64, *models.Tag]{Kind: cache.Updated, Key: 10, Value: tag}))
	assert.Contains(t, mr.HGet("tagcache:tags", "10"), `"value":21.5`)

	require.NoError(t, writer.OnEvent(cache.Event[int64, *models.Tag]{Kind: cache.Removed, Key: 10, Value: tag}))
	assert.Equal(t, "", mr.HGet("tagcache:tags", "10"))
}

func TestTagSnapshotWriter_BufferedKeepsLatest(t *testing.T) {
	mr, client := setupTestRedis(t)
	writer := NewTagSnapshotWriter(client, "tagcache:tags", zap.NewNop())
	registry := cache.NewRegistry[int64, *models.Tag]("tag", cache.Clone[*models.Tag], zap.NewNop())
	_, err := registry.Register(writer, cache.Buffered(time.Hour))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		registry.Notify(cache.Event[int64, *models.Tag]{Kind: cache.Updated, Key: 10, Value: &models.Tag{ID: 10, Value: float64(i)}})
	}
	registry.Notify(cache.Event[int64, *models.Tag]{Kind: cache.Updated, Key: 11, Value: &models.Tag{ID: 11, Value: "OPEN"}})
	// Close flushes the pending snapshots
	registry.Close()

	assert.Contains(t, mr.HGet("tagcache:tags", "10"), `"value":5`)
	assert.Contains(t, mr.HGet("tagcache:tags", "11"), `"value":"OPEN"`)
}
