// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	AI        AIConfig        `mapstructure:"ai"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the read-API HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeSec int    `mapstructure:"conn_lifetime_seconds"`
}

// RedisConfig locates the fast queue/cache store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig sets the session blob bucket and local session directory.
type StorageConfig struct {
	GCSBucket  string `mapstructure:"gcs_bucket"`
	Prefix     string `mapstructure:"prefix"`
	SessionDir string `mapstructure:"session_dir"`
}

// AIConfig configures the completion endpoint client.
type AIConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
}

// ProxyConfig lists egress endpoints and allocator limits.
type ProxyConfig struct {
	Endpoints         []EndpointConfig `mapstructure:"endpoints"`
	MaxClientsPerIP   int              `mapstructure:"max_clients_per_ip"`
	ExpiryGraceHours  int              `mapstructure:"expiry_grace_hours"`
	LocalClientsLimit int              `mapstructure:"local_clients_limit"`
}

// EndpointConfig describes one proxy endpoint.
type EndpointConfig struct {
	IP       string `mapstructure:"ip"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Type     string `mapstructure:"type"`
	Region   string `mapstructure:"region"`
	Expiry   string `mapstructure:"expiry"`
}

// PoolConfig governs account pool behavior.
type PoolConfig struct {
	HeartbeatSeconds     int `mapstructure:"heartbeat_seconds"`
	SessionUploadSeconds int `mapstructure:"session_upload_seconds"`
	MinWatchers          int `mapstructure:"min_watchers"`
	JoinIntervalSeconds  int `mapstructure:"join_interval_seconds"`
}

// IngestConfig governs the capture-dedup-flush pipeline.
type IngestConfig struct {
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
	BatchSize       int `mapstructure:"batch_size"`
	FlushWorkers    int `mapstructure:"flush_workers"`
}

// LifecycleConfig governs the chat lifecycle engine.
type LifecycleConfig struct {
	IntervalSeconds      int     `mapstructure:"interval_seconds"`
	Concurrency          int     `mapstructure:"concurrency"`
	LowQualityThreshold  float64 `mapstructure:"low_quality_threshold"`
	MinMessagesThreshold int     `mapstructure:"min_messages_threshold"`
	InactiveHours        int     `mapstructure:"inactive_hours"`
	MaxTranscriptChars   int     `mapstructure:"max_transcript_chars"`
	SampleLimit          int     `mapstructure:"sample_limit"`
	WeightedScoring      bool    `mapstructure:"weighted_scoring"`
}

// PubSubConfig holds metadata for transition notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SNIPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_seconds", 1800)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("storage.prefix", "sessions")
	v.SetDefault("storage.session_dir", "sessions")
	v.SetDefault("ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.temperature", 0.2)
	v.SetDefault("ai.timeout_seconds", 120)
	v.SetDefault("ai.rps", 2)
	v.SetDefault("ai.burst", 4)
	v.SetDefault("proxy.max_clients_per_ip", 10)
	v.SetDefault("proxy.expiry_grace_hours", 24)
	v.SetDefault("proxy.local_clients_limit", 10)
	v.SetDefault("pool.heartbeat_seconds", 60)
	v.SetDefault("pool.session_upload_seconds", 600)
	v.SetDefault("pool.min_watchers", 2)
	v.SetDefault("pool.join_interval_seconds", 300)
	v.SetDefault("ingest.flush_interval_ms", 1000)
	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("ingest.flush_workers", 1)
	v.SetDefault("lifecycle.interval_seconds", 300)
	v.SetDefault("lifecycle.concurrency", 4)
	v.SetDefault("lifecycle.low_quality_threshold", 5.0)
	v.SetDefault("lifecycle.min_messages_threshold", 10)
	v.SetDefault("lifecycle.inactive_hours", 24)
	v.SetDefault("lifecycle.max_transcript_chars", 16000)
	v.SetDefault("lifecycle.sample_limit", 50)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Proxy.MaxClientsPerIP <= 0 {
		return fmt.Errorf("proxy.max_clients_per_ip must be > 0")
	}
	if c.Pool.MinWatchers <= 0 {
		return fmt.Errorf("pool.min_watchers must be > 0")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be > 0")
	}
	if c.Lifecycle.Concurrency <= 0 {
		return fmt.Errorf("lifecycle.concurrency must be > 0")
	}
	if c.Lifecycle.LowQualityThreshold <= 0 || c.Lifecycle.LowQualityThreshold > 10 {
		return fmt.Errorf("lifecycle.low_quality_threshold must be in (0,10]")
	}
	return nil
}

// HeartbeatInterval returns the pool heartbeat cadence.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Pool.HeartbeatSeconds) * time.Second
}

// SessionUploadInterval returns how often session blobs are re-uploaded.
func (c Config) SessionUploadInterval() time.Duration {
	return time.Duration(c.Pool.SessionUploadSeconds) * time.Second
}

// FlushInterval returns the pipeline flush cadence.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Ingest.FlushIntervalMs) * time.Millisecond
}

// ProxyEndpoints converts the configured endpoint list into domain endpoints.
// Entries with malformed expiry timestamps are treated as already expired.
func (c Config) ProxyEndpoints() []sniper.Endpoint {
	out := make([]sniper.Endpoint, 0, len(c.Proxy.Endpoints))
	for _, e := range c.Proxy.Endpoints {
		et := sniper.EndpointDatacenter
		if e.Type == string(sniper.EndpointResidential) {
			et = sniper.EndpointResidential
		}
		exp, err := time.Parse(time.RFC3339, e.Expiry)
		if err != nil {
			exp = time.Time{}
		}
		out = append(out, sniper.Endpoint{
			IP:       e.IP,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			Type:     et,
			Region:   e.Region,
			Expiry:   exp,
		})
	}
	return out
}
