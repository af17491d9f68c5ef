package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/vss-twin-bridge/logger"
	"github.com/eddielth/vss-twin-bridge/validator"
)

// EnvPrefix prefixes environment variables overriding config keys, e.g.
// BRIDGE_MQTT_BROKER for mqtt.broker.
const EnvPrefix = "BRIDGE"

// Config is the bridge configuration.
type Config struct {
	MQTT         MQTTConfig    `mapstructure:"mqtt"`
	Kuksa        KuksaConfig   `mapstructure:"kuksa"`
	Twin         TwinConfig    `mapstructure:"twin"`
	Transformers []Transformer `mapstructure:"transformers"`
	Storage      StorageConfig `mapstructure:"storage"`
	Logger       LoggerConfig  `mapstructure:"logger"`
}

// MQTTConfig is the connection to the local MQTT broker shared with the edge
// cloud connector.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      byte   `mapstructure:"qos"`
}

// KuksaConfig is the connection to the vehicle signal broker.
type KuksaConfig struct {
	URL            string        `mapstructure:"url"`
	TreePath       string        `mapstructure:"tree_path"`
	Paths          []string      `mapstructure:"paths"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TwinConfig holds the topics of the identity handshake and the twin command
// channel.
type TwinConfig struct {
	IdentityRequestTopic  string `mapstructure:"identity_request_topic"`
	IdentityResponseTopic string `mapstructure:"identity_response_topic"`
	// CommandTopic may contain {tenantId} and {thingId}.
	CommandTopic string `mapstructure:"command_topic"`
}

// Transformer is a JavaScript value transformer for one signal path. Paths
// are kept in a list since viper treats dots in map keys as nesting.
type Transformer struct {
	Path       string `mapstructure:"path"`
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// LoggerConfig is the logger configuration.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// StorageConfig selects the journal backends recording emitted twin updates.
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
	Redis    RedisStorageConfig    `mapstructure:"redis"`
}

// FileStorageConfig writes one JSON file per update.
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig writes updates to MySQL or PostgreSQL.
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// RedisStorageConfig appends updates to a Redis stream.
type RedisStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
	Stream  string `mapstructure:"stream"`
	MaxLen  int64  `mapstructure:"max_len"`
}

// ConfigChangeCallback is called with the reloaded configuration.
type ConfigChangeCallback func(cfg *Config) error

var (
	v  = newViper()
	mu sync.Mutex
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("kuksa.url", "ws://localhost:8090")
	v.SetDefault("kuksa.tree_path", "Vehicle.*")
	v.SetDefault("kuksa.paths", []string{
		"Vehicle.CurrentLocation.Altitude",
		"Vehicle.CurrentLocation.Latitude",
		"Vehicle.CurrentLocation.Longitude",
		"Vehicle.Speed",
	})
	v.SetDefault("kuksa.request_timeout", 10*time.Second)

	v.SetDefault("twin.identity_request_topic", "edge/thing/request")
	v.SetDefault("twin.identity_response_topic", "edge/thing/response")
	v.SetDefault("twin.command_topic", "e/{tenantId}/{thingId}")

	v.SetDefault("storage.file.path", "./data")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.stream", "vss-twin-updates")
	v.SetDefault("storage.redis.max_len", 10000)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
}

// LoadConfig reads the YAML configuration file at configPath. A missing
// file is an error; keys absent from the file take their defaults.
func LoadConfig(configPath string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// A comma separated string is accepted as well, as set through the
	// environment.
	if len(cfg.Kuksa.Paths) == 1 && strings.Contains(cfg.Kuksa.Paths[0], ",") {
		cfg.Kuksa.Paths = splitPaths(cfg.Kuksa.Paths[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitPaths(s string) []string {
	var paths []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Kuksa.URL == "" {
		return fmt.Errorf("kuksa.url is required")
	}
	if len(c.Kuksa.Paths) == 0 {
		return fmt.Errorf("kuksa.paths must name at least one signal")
	}

	pv := &validator.PathValidator{}
	for _, p := range c.Kuksa.Paths {
		if err := pv.Validate(p); err != nil {
			return fmt.Errorf("kuksa.paths: %w", err)
		}
	}
	if err := (&validator.PathValidator{AllowWildcard: true}).Validate(c.Kuksa.TreePath); err != nil {
		return fmt.Errorf("kuksa.tree_path: %w", err)
	}
	seen := make(map[string]bool, len(c.Transformers))
	for _, t := range c.Transformers {
		if err := pv.Validate(t.Path); err != nil {
			return fmt.Errorf("transformers: %w", err)
		}
		if seen[t.Path] {
			return fmt.Errorf("transformers: duplicate path %s", t.Path)
		}
		seen[t.Path] = true
		if t.ScriptCode == "" && t.ScriptPath == "" {
			return fmt.Errorf("transformers: %s has neither script_code nor script_path", t.Path)
		}
	}

	if c.Twin.IdentityRequestTopic == "" || c.Twin.IdentityResponseTopic == "" {
		return fmt.Errorf("twin identity topics are required")
	}
	if c.Twin.CommandTopic == "" {
		return fmt.Errorf("twin.command_topic is required")
	}
	if _, err := logger.ParseLogLevel(c.Logger.Level); err != nil {
		return fmt.Errorf("logger.level: %w", err)
	}
	return nil
}

// WatchConfig watches the loaded config file and calls callback with the
// reloaded configuration. Bursts of writes within two seconds are folded
// into one reload.
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	var lastChangeTime time.Time
	const debounceInterval = 2 * time.Second

	mu.Lock()
	defer mu.Unlock()

	v.SetConfigFile(absPath)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("config file changed: %s", e.Name)

		mu.Lock()
		newConfig, err := decode(v)
		mu.Unlock()
		if err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}

		if err := callback(newConfig); err != nil {
			logger.Error("failed to apply updated config: %v", err)
			return
		}
		logger.Info("config reloaded")
	})
	v.WatchConfig()

	return nil
}
