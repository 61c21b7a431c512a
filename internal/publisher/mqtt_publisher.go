package publisher

import (
	"fmt"
	"strconv"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"
	mqttclient "wisefido-tagcache/internal/mqtt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// MQTTAlarmPublisher 报警 MQTT 发布器
// 每次报警变化发布一条 retained 消息到 <prefix>/<alarm_id>，报警删除时清除 retained 消息
type MQTTAlarmPublisher struct {
	publisher mqttclient.Publisher
	prefix    string
	qos       byte
	logger    *zap.Logger
}

// NewMQTTAlarmPublisher 创建报警发布器
func NewMQTTAlarmPublisher(publisher mqttclient.Publisher, prefix string, qos byte, logger *zap.Logger) *MQTTAlarmPublisher {
	return &MQTTAlarmPublisher{publisher: publisher, prefix: prefix, qos: qos, logger: logger}
}

// Name 实现 cache.Named
func (p *MQTTAlarmPublisher) Name() string {
	return "mqtt-alarm-publisher"
}

// Topic 返回报警的 topic
func (p *MQTTAlarmPublisher) Topic(alarmID int64) string {
	return p.prefix + "/" + strconv.FormatInt(alarmID, 10)
}

// OnEvent 实现 cache.Listener
func (p *MQTTAlarmPublisher) OnEvent(event cache.Event[int64, *models.Alarm]) error {
	topic := p.Topic(event.Key)

	var payload []byte
	if event.Kind == cache.Updated {
		data, err := json.Marshal(event.Value)
		if err != nil {
			return fmt.Errorf("failed to marshal alarm %d: %w", event.Key, err)
		}
		payload = data
	}

	if err := p.publisher.Publish(topic, p.qos, true, payload); err != nil {
		return err
	}
	p.logger.Debug("Published alarm",
		zap.Int64("alarm_id", event.Key),
		zap.String("kind", event.Kind.String()),
		zap.String("topic", topic),
	)
	return nil
}
