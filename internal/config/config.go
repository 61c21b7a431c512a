package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config 标签缓存服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	Cache struct {
		LockRetries     int           // TryLock 重试次数，用尽后返回 ErrLockTimeout
		LockMaxDelay    time.Duration // 两次重试之间退避的上限
		LockBaseDelay   time.Duration
		LoadTimeout     time.Duration
		Preload         bool
		PersistInterval time.Duration // 0 表示不回写数据库
	}

	Listeners struct {
		QueueCapacity       int // 单/多 worker 监听器的队列容量
		PublisherWorkers    int // RedisPublisher 的 worker 数
		EngineWorkers       int // 0：在写 tag 的 goroutine 上同步评估报警
		SnapshotFlushPeriod time.Duration
	}

	Oscillation struct {
		Threshold        int
		Window           time.Duration
		ReleaseThreshold int
		QuietPeriod      time.Duration
		SweepInterval    time.Duration
	}

	Topics struct {
		TagValues          string // 接收 tag 值的 MQTT topic
		AlarmPrefix        string // 报警 retained 消息的 MQTT topic 前缀
		SupervisionStream  string
		ConsumerGroup      string
		ConsumerName       string
		TagWithAlarms      string // 发布 tag 快照的 Redis Stream
		AlarmKeyPrefix     string
		AlarmTTL           time.Duration
		TagSnapshotHash    string
		StreamMaxLen       int64
		SupervisionBatch   int64
		SupervisionBlockMs int
	}

	Metrics struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-tagcache")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))

	cfg.Cache.LockRetries = getEnvInt("CACHE_LOCK_RETRIES", 800)
	cfg.Cache.LockMaxDelay = getEnvDuration("CACHE_LOCK_MAX_DELAY", 100*time.Millisecond)
	cfg.Cache.LockBaseDelay = getEnvDuration("CACHE_LOCK_BASE_DELAY", 10*time.Nanosecond)
	cfg.Cache.LoadTimeout = getEnvDuration("CACHE_LOAD_TIMEOUT", 5*time.Second)
	cfg.Cache.Preload = getEnvBool("CACHE_PRELOAD", true)
	cfg.Cache.PersistInterval = getEnvDuration("CACHE_PERSIST_INTERVAL", 10*time.Second)

	cfg.Listeners.QueueCapacity = getEnvInt("LISTENER_QUEUE_CAPACITY", 10000)
	cfg.Listeners.PublisherWorkers = getEnvInt("LISTENER_PUBLISHER_WORKERS", 4)
	cfg.Listeners.EngineWorkers = getEnvInt("LISTENER_ENGINE_WORKERS", 0)
	cfg.Listeners.SnapshotFlushPeriod = getEnvDuration("LISTENER_SNAPSHOT_FLUSH", time.Second)

	cfg.Oscillation.Threshold = getEnvInt("OSCILLATION_THRESHOLD", 3)
	cfg.Oscillation.Window = getEnvDuration("OSCILLATION_WINDOW", time.Minute)
	cfg.Oscillation.ReleaseThreshold = getEnvInt("OSCILLATION_RELEASE_THRESHOLD", 1)
	cfg.Oscillation.QuietPeriod = getEnvDuration("OSCILLATION_QUIET_PERIOD", time.Minute)
	cfg.Oscillation.SweepInterval = getEnvDuration("OSCILLATION_SWEEP_INTERVAL", 5*time.Second)

	cfg.Topics.TagValues = getEnv("TOPIC_TAG_VALUES", "tagcache/tags/#")
	cfg.Topics.AlarmPrefix = getEnv("TOPIC_ALARM_PREFIX", "tagcache/alarms")
	cfg.Topics.SupervisionStream = getEnv("STREAM_SUPERVISION", "tagcache:supervision")
	cfg.Topics.ConsumerGroup = getEnv("STREAM_CONSUMER_GROUP", "tagcache-supervision-group")
	cfg.Topics.ConsumerName = getEnv("STREAM_CONSUMER_NAME", "tagcache-1")
	cfg.Topics.TagWithAlarms = getEnv("STREAM_TAG_WITH_ALARMS", "tagcache:tag-with-alarms")
	cfg.Topics.AlarmKeyPrefix = getEnv("CACHE_ALARM_PREFIX", "tagcache:alarm:")
	cfg.Topics.AlarmTTL = getEnvDuration("CACHE_ALARM_TTL", 24*time.Hour)
	cfg.Topics.TagSnapshotHash = getEnv("CACHE_TAG_SNAPSHOT_HASH", "tagcache:tags")
	cfg.Topics.StreamMaxLen = int64(getEnvInt("STREAM_MAX_LEN", 100000))
	cfg.Topics.SupervisionBatch = int64(getEnvInt("STREAM_SUPERVISION_BATCH", 10))
	cfg.Topics.SupervisionBlockMs = getEnvInt("STREAM_SUPERVISION_BLOCK_MS", 1000)

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9102")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置，返回所有错误
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.LockRetries <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_LOCK_RETRIES must be positive, got %d", c.Cache.LockRetries))
	}
	if c.Listeners.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("LISTENER_QUEUE_CAPACITY must be positive, got %d", c.Listeners.QueueCapacity))
	}
	if c.Listeners.PublisherWorkers <= 0 {
		errs = append(errs, fmt.Errorf("LISTENER_PUBLISHER_WORKERS must be positive, got %d", c.Listeners.PublisherWorkers))
	}
	if c.Listeners.EngineWorkers < 0 {
		errs = append(errs, fmt.Errorf("LISTENER_ENGINE_WORKERS must not be negative, got %d", c.Listeners.EngineWorkers))
	}
	if c.Listeners.SnapshotFlushPeriod <= 0 {
		errs = append(errs, fmt.Errorf("LISTENER_SNAPSHOT_FLUSH must be positive, got %s", c.Listeners.SnapshotFlushPeriod))
	}
	if c.Oscillation.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("OSCILLATION_THRESHOLD must be positive, got %d", c.Oscillation.Threshold))
	}
	if c.Oscillation.ReleaseThreshold <= 0 || c.Oscillation.ReleaseThreshold > c.Oscillation.Threshold {
		errs = append(errs, fmt.Errorf("OSCILLATION_RELEASE_THRESHOLD must be in [1, %d], got %d",
			c.Oscillation.Threshold, c.Oscillation.ReleaseThreshold))
	}
	if c.Oscillation.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("OSCILLATION_SWEEP_INTERVAL must be positive, got %s", c.Oscillation.SweepInterval))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration 支持 Go duration（"500ms"）或秒数（"30"）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
