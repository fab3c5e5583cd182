package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Leader     LeaderConfig     `mapstructure:"leader"`
	Instance   InstanceConfig   `mapstructure:"instance"`
	AuctionAPI AuctionAPIConfig `mapstructure:"auction_api"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type WebSocketConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SendBuffer     int      `mapstructure:"send_buffer"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LeaderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

type AuctionAPIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	SessionCookie  string        `mapstructure:"session_cookie"`
	BidderID       string        `mapstructure:"bidder_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type SchedulerConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	Jitter            float64 `mapstructure:"jitter"`
	NotFoundThreshold int     `mapstructure:"not_found_threshold"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type StreamConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
}

type MonitorConfig struct {
	EndedGracePeriod    time.Duration `mapstructure:"ended_grace_period"`
	MaintenanceSchedule string        `mapstructure:"maintenance_schedule"`
}

type AuthConfig struct {
	Tokens []string `mapstructure:"tokens"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8081)
	v.SetDefault("websocket.allowed_origins", []string{"*"})
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mysql.dsn", "monitor_user:monitor_pass@tcp(localhost:3306)/auction_monitor?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 10)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("leader.enabled", false)
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("instance.id", "auction-monitor-1")
	v.SetDefault("auction_api.base_url", "http://localhost:9000/api")
	v.SetDefault("auction_api.stream_url", "http://localhost:9000/stream")
	v.SetDefault("auction_api.session_cookie", "")
	v.SetDefault("auction_api.bidder_id", "")
	v.SetDefault("auction_api.request_timeout", 10*time.Second)
	v.SetDefault("scheduler.requests_per_second", 10.0)
	v.SetDefault("scheduler.burst", 1)
	v.SetDefault("scheduler.jitter", 0.05)
	v.SetDefault("scheduler.not_found_threshold", 3)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_timeout", 60*time.Second)
	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.backoff_base", 1*time.Second)
	v.SetDefault("stream.backoff_max", 30*time.Second)
	v.SetDefault("stream.idle_timeout", 90*time.Second)
	v.SetDefault("monitor.ended_grace_period", 5*time.Minute)
	v.SetDefault("monitor.maintenance_schedule", "@every 30s")
	v.SetDefault("auth.tokens", []string{})
	v.SetDefault("log.level", "info")
}

// envBindings maps config keys to the environment variables operators set in deployments.
var envBindings = map[string]string{
	"server.port":                   "SERVER_PORT",
	"server.host":                   "SERVER_HOST",
	"websocket.port":                "WEBSOCKET_PORT",
	"redis.enabled":                 "REDIS_ENABLED",
	"redis.address":                 "REDIS_ADDRESS",
	"redis.password":                "REDIS_PASSWORD",
	"redis.db":                      "REDIS_DB",
	"mysql.dsn":                     "MYSQL_DSN",
	"leader.enabled":                "LEADER_ENABLED",
	"leader.ttl":                    "LEADER_TTL",
	"instance.id":                   "INSTANCE_ID",
	"auction_api.base_url":          "AUCTION_API_BASE_URL",
	"auction_api.stream_url":        "AUCTION_API_STREAM_URL",
	"auction_api.session_cookie":    "AUCTION_API_SESSION_COOKIE",
	"auction_api.bidder_id":         "AUCTION_API_BIDDER_ID",
	"auction_api.request_timeout":   "AUCTION_API_REQUEST_TIMEOUT",
	"scheduler.requests_per_second": "SCHEDULER_REQUESTS_PER_SECOND",
	"breaker.failure_threshold":     "BREAKER_FAILURE_THRESHOLD",
	"breaker.open_timeout":          "BREAKER_OPEN_TIMEOUT",
	"stream.enabled":                "STREAM_ENABLED",
	"stream.max_reconnect_attempts": "STREAM_MAX_RECONNECT_ATTEMPTS",
	"auth.tokens":                   "AUTH_TOKENS",
	"log.level":                     "LOG_LEVEL",
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	return v
}

func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/auction-monitor/")

	// Config file is optional; defaults and environment variables still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return decode(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, WebSocket: %d, Redis: %s (enabled=%t), API: %s, Instance: %s",
		c.Server.Host,
		c.Server.Port,
		c.WebSocket.Port,
		c.Redis.Address,
		c.Redis.Enabled,
		c.AuctionAPI.BaseURL,
		c.Instance.ID,
	)
}
