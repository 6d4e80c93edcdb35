package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the satlog backbone
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Storage    StorageConfig    `mapstructure:"storage"`
	EventLog   EventLogConfig   `mapstructure:"event_log"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Replay     ReplayConfig     `mapstructure:"replay"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"` // text, json, logfmt
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// Normalize applies defaults for unset general values.
func (g GeneralConfig) Normalize() GeneralConfig {
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.LogFormat == "" {
		g.LogFormat = "text"
	}
	if g.DefaultTimeout <= 0 {
		g.DefaultTimeout = 10 * time.Second
	}
	return g
}

func (g GeneralConfig) Validate() error {
	switch g.LogFormat {
	case "text", "json", "logfmt":
		return nil
	default:
		return fmt.Errorf("general.log_format must be text, json or logfmt")
	}
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	APIToken     string        `mapstructure:"api_token"`  // static bearer token
	JWTSecret    string        `mapstructure:"jwt_secret"` // optional HS256 verification secret
	ContextSince time.Duration `mapstructure:"context_since"`
	MaxPageSize  int           `mapstructure:"max_page_size"`
}

// Normalize applies defaults for unset server values.
func (s ServerConfig) Normalize() ServerConfig {
	if strings.TrimSpace(s.Address) == "" {
		s.Address = ":4701"
	}
	if s.ContextSince <= 0 {
		s.ContextSince = 7 * 24 * time.Hour
	}
	if s.MaxPageSize <= 0 {
		s.MaxPageSize = 500
	}
	return s
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.APIToken) == "" && strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.api_token or server.jwt_secret required")
	}
	return nil
}

// TelemetryConfig contains tracing settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && strings.TrimSpace(t.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry.otlp_endpoint required when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // postgres, memory
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

func (s StorageConfig) Validate() error {
	switch s.Driver {
	case "postgres":
		return s.Postgres.Validate()
	case "memory":
		return nil
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", s.Driver)
	}
}

// RedisConfig contains Redis connection settings. Redis is optional; an empty host disables it.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when storage.redis.host is set")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
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
	if strings.TrimSpace(p.URL) != "" {
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

// EventLogConfig selects and configures the ordered event log.
type EventLogConfig struct {
	Driver string            `mapstructure:"driver"` // kafka, redis, memory
	Kafka  KafkaConfig       `mapstructure:"kafka"`
	Stream RedisStreamConfig `mapstructure:"stream"`
}

// KafkaConfig contains Kafka-protocol settings.
type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	GroupID  string        `mapstructure:"group_id"`
	ClientID string        `mapstructure:"client_id"`
	MinBytes int           `mapstructure:"min_bytes"`
	MaxBytes int           `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// RedisStreamConfig configures the Redis Streams log driver.
type RedisStreamConfig struct {
	Stream   string        `mapstructure:"stream"`
	Group    string        `mapstructure:"group"`
	Consumer string        `mapstructure:"consumer"`
	Block    time.Duration `mapstructure:"block"`
	MaxLen   int64         `mapstructure:"max_len"`
}

// Normalize applies defaults for unset event log values.
func (e EventLogConfig) Normalize() EventLogConfig {
	e.Driver = strings.ToLower(strings.TrimSpace(e.Driver))
	if e.Driver == "" {
		e.Driver = "kafka"
	}
	if e.Kafka.Topic == "" {
		e.Kafka.Topic = "satlog.events"
	}
	if e.Kafka.GroupID == "" {
		e.Kafka.GroupID = "satlog-projector"
	}
	if e.Kafka.ClientID == "" {
		e.Kafka.ClientID = "satlog"
	}
	if e.Kafka.MinBytes <= 0 {
		e.Kafka.MinBytes = 1
	}
	if e.Kafka.MaxBytes <= 0 {
		e.Kafka.MaxBytes = 10 << 20
	}
	if e.Kafka.MaxWait <= 0 {
		e.Kafka.MaxWait = 500 * time.Millisecond
	}
	if e.Stream.Stream == "" {
		e.Stream.Stream = "satlog:events"
	}
	if e.Stream.Group == "" {
		e.Stream.Group = "satlog-projector"
	}
	if e.Stream.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "satlog"
		}
		e.Stream.Consumer = host
	}
	if e.Stream.Block <= 0 {
		e.Stream.Block = 2 * time.Second
	}
	return e
}

func (e EventLogConfig) Validate() error {
	switch e.Driver {
	case "kafka":
		if len(e.Kafka.Brokers) == 0 {
			return fmt.Errorf("event_log.kafka.brokers required for kafka driver")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("event_log.driver must be kafka, redis or memory, got %q", e.Driver)
	}
	return nil
}

// IngestConfig controls envelope acceptance and consumer retry behaviour.
type IngestConfig struct {
	RedactionMode   string        `mapstructure:"redaction_mode"` // redact, reject
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
	UnhealthyAfter  int           `mapstructure:"unhealthy_after"`
}

// Normalize applies defaults for unset ingest values.
func (c IngestConfig) Normalize() IngestConfig {
	c.RedactionMode = strings.ToLower(strings.TrimSpace(c.RedactionMode))
	if c.RedactionMode == "" {
		c.RedactionMode = "redact"
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 256 << 10
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 5
	}
	return c
}

func (c IngestConfig) Validate() error {
	if c.RedactionMode != "redact" && c.RedactionMode != "reject" {
		return fmt.Errorf("ingest.redaction_mode must be redact or reject")
	}
	if c.RetryMax < c.RetryInitial {
		return fmt.Errorf("ingest.retry_max must be >= ingest.retry_initial")
	}
	return nil
}

// GovernanceConfig tunes the memory promotion rule.
type GovernanceConfig struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	MinReferences       int           `mapstructure:"min_references"`
	ReferenceWindow     time.Duration `mapstructure:"reference_window"`
	EphemeralTTL        time.Duration `mapstructure:"ephemeral_ttl"`
}

// Normalize applies defaults for unset governance values.
func (g GovernanceConfig) Normalize() GovernanceConfig {
	if g.ConfidenceThreshold <= 0 {
		g.ConfidenceThreshold = 0.75
	}
	if g.MinReferences <= 0 {
		g.MinReferences = 2
	}
	if g.ReferenceWindow <= 0 {
		g.ReferenceWindow = 7 * 24 * time.Hour
	}
	if g.EphemeralTTL <= 0 {
		g.EphemeralTTL = 24 * time.Hour
	}
	return g
}

func (g GovernanceConfig) Validate() error {
	if g.ConfidenceThreshold > 1 {
		return fmt.Errorf("governance.confidence_threshold must be within [0,1]")
	}
	return nil
}

// ReplayConfig controls replay exclusivity. LockTTL is the Redis lease length;
// a running replay renews it, so it only bounds recovery after a crashed holder.
// Postgres advisory locks end with the holder's session and ignore it.
type ReplayConfig struct {
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// SyncConfig configures the memory sync writer.
type SyncConfig struct {
	VaultRoot     string   `mapstructure:"vault_root"`
	Namespace     string   `mapstructure:"namespace"`
	DecisionLimit int      `mapstructure:"decision_limit"`
	Daily         bool     `mapstructure:"daily"`
	Index         bool     `mapstructure:"index"`
	Integrations  []string `mapstructure:"integrations"`
	Schedule      string   `mapstructure:"schedule"`
}

// Normalize applies defaults for unset sync values.
func (s SyncConfig) Normalize() SyncConfig {
	s.Namespace = strings.TrimSpace(s.Namespace)
	if s.Namespace == "" {
		s.Namespace = "satlog"
	}
	if s.DecisionLimit <= 0 {
		s.DecisionLimit = 20
	}
	if strings.TrimSpace(s.Schedule) == "" {
		s.Schedule = "*/15 * * * *"
	}
	return s
}

func (s SyncConfig) Validate() error {
	if strings.ContainsAny(s.Namespace, `/\`) || s.Namespace == ".." || s.Namespace == "." {
		return fmt.Errorf("sync.namespace must be a single path segment")
	}
	return nil
}

// WorkspaceConfig controls how external session identifiers map to workspace ids.
type WorkspaceConfig struct {
	MaxLength int `mapstructure:"max_length"`
}

// Normalize applies defaults for unset workspace values.
func (w WorkspaceConfig) Normalize() WorkspaceConfig {
	if w.MaxLength <= 0 {
		w.MaxLength = 64
	}
	return w
}

func (w WorkspaceConfig) Validate() error {
	if w.MaxLength < 16 {
		return fmt.Errorf("workspace.max_length must be >= 16")
	}
	return nil
}

// Load reads config from file and environment, returning an error instead of panicking.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("event_log.driver", "kafka")
	v.SetDefault("ingest.redaction_mode", "redact")
	v.SetDefault("replay.lock_ttl", "10m")
	v.SetDefault("sync.daily", true)
	v.SetDefault("sync.index", true)

	if path == "" {
		v.AddConfigPath("./config") // path to look for the config file in
		v.AddConfigPath(".")        // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SATLOG")
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)

	v.AutomaticEnv() // read in environment variables that match (SATLOG_*)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfig loads config from file and panics on failure.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

// Normalize applies defaults to every section in place.
func (c *Config) Normalize() {
	c.General = c.General.Normalize()
	c.Server = c.Server.Normalize()
	c.EventLog = c.EventLog.Normalize()
	c.Ingest = c.Ingest.Normalize()
	c.Governance = c.Governance.Normalize()
	c.Sync = c.Sync.Normalize()
	c.Workspace = c.Workspace.Normalize()
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "satlog"
	}
	if c.Replay.LockTTL <= 0 {
		c.Replay.LockTTL = 10 * time.Minute
	}
}

// Validate checks every section, returning the first failure.
func (c *Config) Validate() error {
	checks := []func() error{
		c.General.Validate,
		c.Server.Validate,
		c.Telemetry.Validate,
		c.Storage.Validate,
		c.Storage.Redis.Validate,
		c.EventLog.Validate,
		c.Ingest.Validate,
		c.Governance.Validate,
		c.Sync.Validate,
		c.Workspace.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	if c.EventLog.Driver == "redis" && !c.Storage.Redis.Enabled() {
		return fmt.Errorf("event_log.driver=redis requires storage.redis.host")
	}
	return nil
}
