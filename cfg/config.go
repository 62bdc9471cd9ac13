package cfg

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Consumer kinds a tailed table can be wired to
const (
	ConsumerReplicator = "replicator"
	ConsumerPrinter    = "printer"
)

// Start positions for tables without a checkpoint
const (
	StartEarliest = "earliest"
	StartNow      = "now"
)

// ScyllaConfiguration controls the primary store session
type ScyllaConfiguration struct {
	Hosts       []string `toml:"hosts"`
	Keyspace    string   `toml:"keyspace"`
	Consistency string   `toml:"consistency"`
	TimeoutMS   int      `toml:"timeout_ms"`
	Username    string   `toml:"username"`
	Password    string   `toml:"password"`
}

// TableConfiguration describes one CDC-enabled table to tail
type TableConfiguration struct {
	Name             string `toml:"name"`
	Consumer         string `toml:"consumer"` // "replicator" or "printer"
	WindowSizeMS     int    `toml:"window_size_ms"`
	SafetyIntervalMS int    `toml:"safety_interval_ms"`
	PollIntervalMS   int    `toml:"poll_interval_ms"`
}

// CDCConfiguration controls the change tailers
type CDCConfiguration struct {
	Enabled   bool                 `toml:"enabled"`
	StartFrom string               `toml:"start_from"` // "earliest" or "now"
	Shards    int                  `toml:"shards"`
	Tables    []TableConfiguration `toml:"tables"`
}

// PrinterConfiguration controls the diagnostic row printer
type PrinterConfiguration struct {
	RedactColumns []string `toml:"redact_columns"`
}

// BrokerConfiguration controls the message broker used between replicator and queue consumer
type BrokerConfiguration struct {
	Type           string   `toml:"type"` // "kafka" or "nats"
	Brokers        []string `toml:"brokers"`
	NatsURL        string   `toml:"nats_url"`
	UserTopic      string   `toml:"user_topic"`
	GroupID        string   `toml:"group_id"`
	BatchSize      int      `toml:"batch_size"`
	FetchWaitMS    int      `toml:"fetch_wait_ms"`
	TickIntervalMS int      `toml:"tick_interval_ms"`
	ConsumerEnable bool     `toml:"consumer_enabled"`
}

// SearchConfiguration controls the full-text index client
type SearchConfiguration struct {
	URL        string `toml:"url"`
	APIKey     string `toml:"api_key"`
	UsersIndex string `toml:"users_index"`
	TimeoutMS  int    `toml:"timeout_ms"`
}

// CacheConfiguration controls the credential cache
type CacheConfiguration struct {
	Backend       string `toml:"backend"` // "redis" or "memory"
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	TTLSeconds    int    `toml:"ttl_seconds"`
	MemorySize    int    `toml:"memory_size"`
}

// CredentialConfiguration controls client secret encryption
type CredentialConfiguration struct {
	SecretKey string `toml:"secret_key"` // hex encoded, 32 bytes
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics and the admin router
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // bearer token for /status, empty disables auth
}

// TracingConfiguration for OpenTelemetry export
type TracingConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Scylla     ScyllaConfiguration     `toml:"scylla"`
	CDC        CDCConfiguration        `toml:"cdc"`
	Printer    PrinterConfiguration    `toml:"printer"`
	Broker     BrokerConfiguration     `toml:"broker"`
	Search     SearchConfiguration     `toml:"search"`
	Cache      CacheConfiguration      `toml:"cache"`
	Credential CredentialConfiguration `toml:"credential"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Tracing    TracingConfiguration    `toml:"tracing"`
}

// Overrides carries command line values that take precedence over the file
type Overrides struct {
	DataDir string
	NodeID  uint64
	Verbose bool
}

// Config is the process-wide configuration, initialised with defaults
var Config = Default()

// Default returns the default configuration
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./keygate-data",

		Scylla: ScyllaConfiguration{
			Hosts:       []string{"127.0.0.1"},
			Keyspace:    "identity",
			Consistency: "LOCAL_QUORUM",
			TimeoutMS:   5000,
		},

		CDC: CDCConfiguration{
			Enabled:   true,
			StartFrom: StartEarliest,
			Shards:    4,
			Tables: []TableConfiguration{
				{
					Name:             "users",
					Consumer:         ConsumerReplicator,
					WindowSizeMS:     10_000,
					SafetyIntervalMS: 30_000,
					PollIntervalMS:   1_000,
				},
			},
		},

		Printer: PrinterConfiguration{
			RedactColumns: []string{"*password*", "*secret*"},
		},

		Broker: BrokerConfiguration{
			Type:           "kafka",
			Brokers:        []string{"localhost:9092"},
			UserTopic:      "identity.users",
			GroupID:        "keygate-indexer",
			BatchSize:      500,
			FetchWaitMS:    250,
			TickIntervalMS: 1000,
			ConsumerEnable: true,
		},

		Search: SearchConfiguration{
			URL:        "http://localhost:7700",
			UsersIndex: "users",
			TimeoutMS:  5000,
		},

		Cache: CacheConfiguration{
			Backend:    "redis",
			RedisAddr:  "localhost:6379",
			TTLSeconds: 300,
			MemorySize: 10_000,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},

		Tracing: TracingConfiguration{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "keygate",
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string, overrides Overrides) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if overrides.DataDir != "" {
		Config.DataDir = overrides.DataDir
	}
	if overrides.NodeID != 0 {
		Config.NodeID = overrides.NodeID
	}
	if overrides.Verbose {
		Config.Logging.Verbose = true
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("keygate")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks the global configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks configuration for errors
func (c *Configuration) Validate() error {
	if len(c.Scylla.Hosts) == 0 {
		return fmt.Errorf("at least one scylla host is required")
	}
	if c.Scylla.Keyspace == "" {
		return fmt.Errorf("scylla keyspace is required")
	}

	if c.CDC.Enabled {
		if len(c.CDC.Tables) == 0 {
			return fmt.Errorf("cdc is enabled but no tables are configured")
		}
		if c.CDC.StartFrom != StartEarliest && c.CDC.StartFrom != StartNow {
			return fmt.Errorf("invalid cdc start_from: %s", c.CDC.StartFrom)
		}
		if c.CDC.Shards < 1 {
			return fmt.Errorf("cdc shards must be >= 1")
		}
		seen := make(map[string]bool, len(c.CDC.Tables))
		for _, t := range c.CDC.Tables {
			if t.Name == "" {
				return fmt.Errorf("cdc table name is required")
			}
			if seen[t.Name] {
				return fmt.Errorf("cdc table %s configured twice", t.Name)
			}
			seen[t.Name] = true
			if t.Consumer != ConsumerReplicator && t.Consumer != ConsumerPrinter {
				return fmt.Errorf("invalid consumer %q for table %s", t.Consumer, t.Name)
			}
			if t.WindowSizeMS < 1 {
				return fmt.Errorf("window size for table %s must be >= 1ms", t.Name)
			}
			if t.PollIntervalMS < 1 {
				return fmt.Errorf("poll interval for table %s must be >= 1ms", t.Name)
			}
			if t.SafetyIntervalMS < 0 {
				return fmt.Errorf("safety interval for table %s must be >= 0", t.Name)
			}
		}
	}

	switch c.Broker.Type {
	case "kafka":
		if len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("kafka broker requires at least one broker address")
		}
	case "nats":
		if c.Broker.NatsURL == "" {
			return fmt.Errorf("nats broker requires nats_url")
		}
	default:
		return fmt.Errorf("invalid broker type: %s", c.Broker.Type)
	}
	if c.Broker.UserTopic == "" {
		return fmt.Errorf("broker user_topic is required")
	}
	if c.Broker.TickIntervalMS < 1 {
		return fmt.Errorf("broker tick interval must be >= 1ms")
	}

	switch c.Cache.Backend {
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis cache requires redis_addr")
		}
	case "memory":
		if c.Cache.MemorySize < 1 {
			return fmt.Errorf("memory cache size must be >= 1")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}
	if c.Cache.TTLSeconds < 1 {
		return fmt.Errorf("cache ttl must be >= 1 second")
	}

	if c.Credential.SecretKey != "" {
		key, err := hex.DecodeString(c.Credential.SecretKey)
		if err != nil {
			return fmt.Errorf("credential secret_key is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("credential secret_key must be 32 bytes, got %d", len(key))
		}
	}

	if c.Prometheus.Enabled && (c.Prometheus.Port < 1 || c.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", c.Prometheus.Port)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// Table returns the configuration of the named table
func (c *Configuration) Table(name string) (TableConfiguration, bool) {
	for _, t := range c.CDC.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfiguration{}, false
}

// GetCheckpointPath returns the directory holding tailer checkpoints
func GetCheckpointPath() string {
	return path.Join(Config.DataDir, "checkpoints")
}
