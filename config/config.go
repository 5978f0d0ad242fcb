// Package config loads the YAML configuration shared by the serve and
// consume commands.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jito-foundation/solana-accountsdb-connector/selector"
)

// Config represents the service configuration
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Publisher PublisherConfig `yaml:"publisher"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
}

// ServiceConfig holds process-level settings
type ServiceConfig struct {
	Name       string `yaml:"name"`
	HealthPort int    `yaml:"health_port"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

// PublisherConfig holds settings for the serve command
type PublisherConfig struct {
	BindAddress           string `yaml:"bind_address"`
	BroadcastBufferSize   int    `yaml:"broadcast_buffer_size"`
	SubscriberBufferSize  int    `yaml:"subscriber_buffer_size"`
	HeartbeatIntervalSecs int    `yaml:"heartbeat_interval_secs"`
	// ActiveAccountsCapacity bounds the active set; 0 keeps every key.
	ActiveAccountsCapacity int `yaml:"active_accounts_capacity"`
	// EventsFile is the JSON-lines event feed; "-" reads stdin.
	EventsFile       string           `yaml:"events_file"`
	AccountsSelector *selector.Config `yaml:"accounts_selector,omitempty"`
}

// ConsumerConfig holds settings for the consume command
type ConsumerConfig struct {
	DedupQueueSize       int                `yaml:"dedup_queue_size"`
	SinkQueueSize        int                `yaml:"sink_queue_size"`
	MaxBatchSize         int                `yaml:"max_batch_size"`
	FlushIntervalMs      int                `yaml:"flush_interval_ms"`
	HeartbeatTimeoutSecs int                `yaml:"heartbeat_timeout_secs"`
	GrpcSources          []GrpcSourceConfig `yaml:"grpc_sources"`
	Snapshot             *SnapshotConfig    `yaml:"snapshot,omitempty"`
	Sink                 SinkConfig         `yaml:"sink"`
}

// GrpcSourceConfig describes one redundant publisher
type GrpcSourceConfig struct {
	Name                     string     `yaml:"name"`
	ConnectionString         string     `yaml:"connection_string"`
	RetryConnectionSleepSecs int        `yaml:"retry_connection_sleep_secs"`
	Compression              string     `yaml:"compression"`
	TLS                      *TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig holds client certificate settings for a source
type TLSConfig struct {
	CACertPath     string `yaml:"ca_cert_path"`
	ClientCertPath string `yaml:"client_cert_path"`
	ClientKeyPath  string `yaml:"client_key_path"`
	DomainName     string `yaml:"domain_name"`
}

// SnapshotConfig enables bootstrapping from a getProgramAccounts snapshot
type SnapshotConfig struct {
	RPCHTTPURL             string `yaml:"rpc_http_url"`
	ProgramID              string `yaml:"program_id"`
	Commitment             string `yaml:"commitment"`
	TimeoutSecs            int    `yaml:"timeout_secs"`
	PendingBufferSize      int    `yaml:"pending_buffer_size"`
	RetryInitialIntervalMs int    `yaml:"retry_initial_interval_ms"`
	RetryMaxIntervalSecs   int    `yaml:"retry_max_interval_secs"`
}

// SinkConfig selects where reconciled events go
type SinkConfig struct {
	// Type is "log" or "postgres".
	Type     string          `yaml:"type"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
}

// PostgresConfig holds postgres sink settings
type PostgresConfig struct {
	ConnectionString   string `yaml:"connection_string"`
	MaxConns           int32  `yaml:"max_conns"`
	RetryQueryMaxCount int    `yaml:"retry_query_max_count"`
}

// Default returns a configuration with every tunable set.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:       "account-stream",
			HealthPort: 8088,
			LogLevel:   "info",
			LogFormat:  "json",
		},
		Publisher: PublisherConfig{
			BindAddress:           "0.0.0.0:10000",
			BroadcastBufferSize:   4096,
			SubscriberBufferSize:  1024,
			HeartbeatIntervalSecs: 5,
			EventsFile:            "-",
		},
		Consumer: ConsumerConfig{
			DedupQueueSize:       4096,
			SinkQueueSize:        16,
			MaxBatchSize:         512,
			FlushIntervalMs:      100,
			HeartbeatTimeoutSecs: 30,
			Sink:                 SinkConfig{Type: "log"},
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applySourceDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Service.LogLevel = getEnvOrDefault("LOG_LEVEL", c.Service.LogLevel)
	c.Service.HealthPort = getIntEnv("HEALTH_PORT", c.Service.HealthPort)
	c.Publisher.BindAddress = getEnvOrDefault("BIND_ADDRESS", c.Publisher.BindAddress)
	c.Publisher.EventsFile = getEnvOrDefault("EVENTS_FILE", c.Publisher.EventsFile)
}

func (c *Config) applySourceDefaults() {
	for i := range c.Consumer.GrpcSources {
		src := &c.Consumer.GrpcSources[i]
		if src.Name == "" {
			src.Name = fmt.Sprintf("source-%d", i)
		}
		if src.RetryConnectionSleepSecs == 0 {
			src.RetryConnectionSleepSecs = 1
		}
	}
	if s := c.Consumer.Snapshot; s != nil {
		if s.Commitment == "" {
			s.Commitment = "processed"
		}
		if s.TimeoutSecs == 0 {
			s.TimeoutSecs = 60
		}
		if s.PendingBufferSize == 0 {
			s.PendingBufferSize = 100_000
		}
		if s.RetryInitialIntervalMs == 0 {
			s.RetryInitialIntervalMs = 500
		}
		if s.RetryMaxIntervalSecs == 0 {
			s.RetryMaxIntervalSecs = 30
		}
	}
}

// Selector returns the configured selector settings, or the select-all
// default when none are configured.
func (p *PublisherConfig) Selector() selector.Config {
	if p.AccountsSelector == nil {
		return selector.DefaultConfig()
	}
	return *p.AccountsSelector
}

// HeartbeatInterval returns the ping period.
func (p *PublisherConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalSecs) * time.Second
}

// FlushInterval returns how long the reconciler holds a partial batch.
func (c *ConsumerConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns how long a source may stay silent.
func (c *ConsumerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSecs) * time.Second
}

// RetryConnectionSleep returns the reconnect delay for the source.
func (g *GrpcSourceConfig) RetryConnectionSleep() time.Duration {
	return time.Duration(g.RetryConnectionSleepSecs) * time.Second
}

// Timeout returns the per-attempt snapshot deadline.
func (s *SnapshotConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *SnapshotConfig) RetryInitialInterval() time.Duration {
	return time.Duration(s.RetryInitialIntervalMs) * time.Millisecond
}

func (s *SnapshotConfig) RetryMaxInterval() time.Duration {
	return time.Duration(s.RetryMaxIntervalSecs) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
