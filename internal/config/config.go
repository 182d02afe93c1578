package config

import (
	"os"
	"strconv"
)

// Config 节点与汇聚端配置
type Config struct {
	// 节点配置
	Node struct {
		ControlAddr     string // 控制/UI API 监听地址，如 ":8090"
		SenderPrefix    string // 发送者显示身份前缀，如 "EmergencyBeacon"
		LocationTimeout int    // 定位超时（秒），默认 5秒
	}

	// 本地对等传输配置（MQTT 代理模拟无线电信道）
	Transport struct {
		Broker      string // MQTT Broker 地址，如 "tcp://localhost:1883"
		TopicPrefix string // 主题前缀，默认 "sosmesh"
		QoS         int    // 消息 QoS，默认 1
	}

	// 转发网关配置
	Relay struct {
		SinkURL string // 汇聚端地址，如 "http://localhost:8080"
		Timeout int    // 提交超时（秒），默认 10秒

		// 已转发 Alert ID 集合（去重）
		Seen struct {
			Backend string // "memory" 或 "redis"
			Cap     int    // memory 后端容量上限，默认 512
			TTL     int    // redis 后端 TTL（秒），默认 86400
			Prefix  string // redis 键前缀，如 "sosmesh:seen:"
		}
	}

	// 汇聚端配置
	Sink struct {
		ListenAddr  string // HTTP 监听地址，如 ":8080"
		CachePrefix string // 最近告警缓存键，如 "sosmesh:alerts:recent"
		CacheTTL    int    // 缓存 TTL（秒），默认 30秒
		RecentLimit int    // 最近告警默认条数，默认 50
	}

	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Database string
		SSLMode  string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 节点配置
	cfg.Node.ControlAddr = getEnv("NODE_CONTROL_ADDR", ":8090")
	cfg.Node.SenderPrefix = getEnv("NODE_SENDER_PREFIX", "EmergencyBeacon")
	cfg.Node.LocationTimeout = getEnvInt("NODE_LOCATION_TIMEOUT", 5)

	// 传输配置
	cfg.Transport.Broker = getEnv("TRANSPORT_BROKER", "tcp://localhost:1883")
	cfg.Transport.TopicPrefix = getEnv("TRANSPORT_TOPIC_PREFIX", "sosmesh")
	cfg.Transport.QoS = getEnvInt("TRANSPORT_QOS", 1)

	// 转发网关配置
	cfg.Relay.SinkURL = getEnv("RELAY_SINK_URL", "http://localhost:8080")
	cfg.Relay.Timeout = getEnvInt("RELAY_TIMEOUT", 10)
	cfg.Relay.Seen.Backend = getEnv("SEEN_ALERTS_BACKEND", "memory")
	cfg.Relay.Seen.Cap = getEnvInt("SEEN_ALERTS_CAP", 512)
	cfg.Relay.Seen.TTL = getEnvInt("SEEN_ALERTS_TTL", 86400)
	cfg.Relay.Seen.Prefix = getEnv("SEEN_ALERTS_PREFIX", "sosmesh:seen:")

	// 汇聚端配置
	cfg.Sink.ListenAddr = getEnv("SINK_LISTEN_ADDR", ":8080")
	cfg.Sink.CachePrefix = getEnv("SINK_CACHE_PREFIX", "sosmesh:alerts:recent")
	cfg.Sink.CacheTTL = getEnvInt("SINK_CACHE_TTL", 30)
	cfg.Sink.RecentLimit = getEnvInt("SINK_RECENT_LIMIT", 50)

	// 数据库配置（仅汇聚端使用）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "sosmesh")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
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
