package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the goal execution service
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Collaborator CollaboratorConfig `mapstructure:"collaborator"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Streams      StreamsConfig      `mapstructure:"streams"`
	Manifest     ManifestConfig     `mapstructure:"manifest"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug       bool   `mapstructure:"debug"`
	ServiceName string `mapstructure:"service_name"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	RequireScope bool          `mapstructure:"require_scope"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
}

// EngineConfig tunes plan execution.
type EngineConfig struct {
	Workers        int           `mapstructure:"workers"`
	StepTimeout    time.Duration `mapstructure:"step_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	PruneInterval  time.Duration `mapstructure:"prune_interval"`
}

// Normalize applies defaults for unset engine values.
func (c EngineConfig) Normalize() EngineConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Minute
	}
	return c
}

// Validate ensures engine settings are usable.
func (c EngineConfig) Validate() error {
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("engine.backoff_max must be >= engine.backoff_initial")
	}
	if c.Workers > 256 {
		return fmt.Errorf("engine.workers must be <= 256")
	}
	return nil
}

// CollaboratorConfig points at the CRM REST API that implements the action catalog.
type CollaboratorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (c CollaboratorConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return nil
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("collaborator.base_url must be an absolute url")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceVersion string `mapstructure:"service_version"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// StreamsConfig names the Redis streams used for async goal intake.
type StreamsConfig struct {
	GoalStream   string `mapstructure:"goal_stream"`
	ResultStream string `mapstructure:"result_stream"`
	Group        string `mapstructure:"group"`
	Consumer     string `mapstructure:"consumer"`
	MaxLen       int64  `mapstructure:"max_len"`
}

// Normalize applies stream defaults. An empty consumer name falls back to the hostname.
func (s StreamsConfig) Normalize() StreamsConfig {
	if s.GoalStream == "" {
		s.GoalStream = "voiceplanner.goals"
	}
	if s.ResultStream == "" {
		s.ResultStream = "voiceplanner.results"
	}
	if s.Group == "" {
		s.Group = "voiceplanner-workers"
	}
	if s.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		s.Consumer = host
	}
	if s.MaxLen <= 0 {
		s.MaxLen = 10000
	}
	return s
}

// ManifestConfig controls trace manifest signing. An empty secret stores checksums only.
type ManifestConfig struct {
	Secret string `mapstructure:"secret"`
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		c.Engine,
		c.Collaborator,
		c.Storage.Redis,
		c.Storage.Postgres,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads configuration from path, or from the default search paths when path is empty.
// A missing file in the search paths is not an error: defaults and VOICEPLANNER_* variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetDefault("general.service_name", "voiceplanner")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("collaborator.timeout", "30s")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("VOICEPLANNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Engine = cfg.Engine.Normalize()
	cfg.Streams = cfg.Streams.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig is Load for process start-up: it panics on invalid configuration.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

// AutomaticEnv only resolves keys viper already knows, so keys without defaults are bound explicitly.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"general.debug",
		"server.jwt_secret",
		"server.require_scope",
		"engine.workers",
		"engine.step_timeout",
		"engine.session_ttl",
		"collaborator.base_url",
		"collaborator.token",
		"telemetry.enabled",
		"telemetry.otlp_endpoint",
		"storage.redis.enabled",
		"storage.redis.password",
		"storage.postgres.enabled",
		"storage.postgres.url",
		"storage.postgres.host",
		"storage.postgres.user",
		"storage.postgres.password",
		"storage.postgres.dbname",
		"streams.consumer",
		"manifest.secret",
	} {
		_ = v.BindEnv(key)
	}
}
