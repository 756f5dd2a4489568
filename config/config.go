package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Guild    GuildConfig    `mapstructure:"guild"`
	Hub      HubConfig      `mapstructure:"hub"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// GuildConfig holds the tunables of the guild subsystem.
type GuildConfig struct {
	MaxMembers   int           `mapstructure:"max_members"`
	CreationCost int64         `mapstructure:"creation_cost"`
	RetryLimit   int           `mapstructure:"retry_limit"`
	ChatHistory  int           `mapstructure:"chat_history"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	NameMin      int           `mapstructure:"name_min"`
	NameMax      int           `mapstructure:"name_max"`
}

// HubConfig describes this process's place in the shard/hub topology.
// ServerID tags presence entries owned by a shard; Port is only used by the hub.
type HubConfig struct {
	ServerID          int           `mapstructure:"server_id"`
	Port              int           `mapstructure:"port"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PruneAfter        time.Duration `mapstructure:"prune_after"`
	AdminIPs          []string      `mapstructure:"admin_ips"`
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/kaetram.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("guild.max_members", 10)
	v.SetDefault("guild.creation_cost", 30000)
	v.SetDefault("guild.retry_limit", 5)
	v.SetDefault("guild.chat_history", 50)
	v.SetDefault("guild.cache_ttl", "5m")
	v.SetDefault("guild.name_min", 3)
	v.SetDefault("guild.name_max", 16)
	v.SetDefault("hub.server_id", 1)
	v.SetDefault("hub.port", 9526)
	v.SetDefault("hub.query_timeout", "2s")
	v.SetDefault("hub.heartbeat_interval", "10s")
	v.SetDefault("hub.prune_after", "30s")
}
