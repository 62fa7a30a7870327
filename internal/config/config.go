// Package config loads the actuator configuration from file, env vars,
// and defaults. Credentials may be stored as ENC[...] age-encrypted
// values; they are decrypted in-place at load.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zactuator/zactuator/internal/secrets"
)

// Config holds all configuration for the actuator process.
type Config struct {
	Identity    string `mapstructure:"identity"`
	VerboseName string `mapstructure:"verbose_name"`

	Stream    StreamConfig    `mapstructure:"stream"`
	Zabbix    ZabbixConfig    `mapstructure:"zabbix"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
}

// StreamConfig holds settings for the inbound command stream.
type StreamConfig struct {
	// URLTemplate is the stream endpoint with a %s placeholder for the
	// actuator identity, e.g. "https://hub.example/sse/%s".
	URLTemplate string `mapstructure:"url_template"`

	QueueDepth     int           `mapstructure:"queue_depth"`
	ReconnectBase  time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap   time.Duration `mapstructure:"reconnect_cap"`
	FatalThreshold int           `mapstructure:"fatal_threshold"`
}

// URL substitutes the actuator identity into the stream URL template.
func (s StreamConfig) URL(identity string) string {
	return fmt.Sprintf(s.URLTemplate, identity)
}

// ZabbixConfig holds monitoring API credentials and retry budget.
type ZabbixConfig struct {
	Host         string        `mapstructure:"host"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
}

// NATSConfig holds broker connection settings.
type NATSConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// QueueConfig holds outbound publish settings.
type QueueConfig struct {
	PublishRetries int           `mapstructure:"publish_retries"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	// NoticesEnabled turns on the best-effort secondary notice path
	// used when a response exhausts its publish budget.
	NoticesEnabled bool `mapstructure:"notices_enabled"`
}

// TemplatesConfig names the two hot-key template files.
type TemplatesConfig struct {
	HostFile      string `mapstructure:"host_file"`
	ItemGraphFile string `mapstructure:"item_graph_file"`
	Watch         bool   `mapstructure:"watch"`
}

// DispatchConfig bounds the dispatcher's concurrency and deadlines.
type DispatchConfig struct {
	Workers         int           `mapstructure:"workers"`
	CommandDeadline time.Duration `mapstructure:"command_deadline"`
	DeadlineGrace   time.Duration `mapstructure:"deadline_grace"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

// Load reads the actuator configuration from file, env vars, and defaults.
func Load(cfgFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("stream.queue_depth", 100)
	v.SetDefault("stream.reconnect_base", time.Second)
	v.SetDefault("stream.reconnect_cap", 30*time.Second)
	v.SetDefault("stream.fatal_threshold", 10)
	v.SetDefault("zabbix.query_timeout", 10*time.Second)
	v.SetDefault("zabbix.max_retries", 3)
	v.SetDefault("zabbix.retry_base", 500*time.Millisecond)
	v.SetDefault("queue.publish_retries", 5)
	v.SetDefault("queue.retry_base", time.Second)
	v.SetDefault("queue.notices_enabled", true)
	v.SetDefault("templates.host_file", "host_info.json")
	v.SetDefault("templates.item_graph_file", "hot_keys.json")
	v.SetDefault("templates.watch", true)
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.command_deadline", 30*time.Second)
	v.SetDefault("dispatch.deadline_grace", 5*time.Second)
	v.SetDefault("dispatch.shutdown_grace", 10*time.Second)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("zactuator")
		v.AddConfigPath("/etc/zactuator")
		v.AddConfigPath("$HOME/.config/zactuator")
		v.AddConfigPath(".")
	}

	v.BindEnv("identity", "ZACTUATOR_IDENTITY")
	v.BindEnv("stream.url_template", "ZACTUATOR_STREAM_URL")
	v.BindEnv("zabbix.host", "ZABBIX_HOST")
	v.BindEnv("zabbix.user", "ZABBIX_USER")
	v.BindEnv("zabbix.password", "ZABBIX_PASSWORD")
	v.BindEnv("nats.url", "ZACTUATOR_NATS_URL")
	v.BindEnv("nats.token", "ZACTUATOR_NATS_TOKEN")

	_ = v.ReadInConfig() // config file is optional when env vars cover it

	// Decrypt any ENC[...] values in config.
	identities, err := secrets.ResolveIdentity(v)
	if err != nil {
		return Config{}, fmt.Errorf("resolve encryption identity: %w", err)
	}
	if identities != nil {
		if err := secrets.DecryptViperConfig(v, identities); err != nil {
			return Config{}, fmt.Errorf("decrypt config: %w", err)
		}
	} else if secrets.HasEncryptedValues(v) {
		return Config{}, fmt.Errorf("config contains encrypted values but no age identity is configured; set %s, %s, or secrets.identity", secrets.EnvAgeKey, secrets.EnvAgeKeyFile)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Identity == "" {
		return fmt.Errorf("identity is required (set via config file or ZACTUATOR_IDENTITY env var)")
	}
	if c.Stream.URLTemplate == "" {
		return fmt.Errorf("stream.url_template is required (set via config file or ZACTUATOR_STREAM_URL env var)")
	}
	if !strings.Contains(c.Stream.URLTemplate, "%s") {
		return fmt.Errorf("stream.url_template must contain a %%s placeholder for the actuator identity")
	}
	if c.Zabbix.Host == "" {
		return fmt.Errorf("zabbix.host is required (set via config file or ZABBIX_HOST env var)")
	}
	if c.Zabbix.User == "" || c.Zabbix.Password == "" {
		return fmt.Errorf("zabbix.user and zabbix.password are required")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if c.Stream.QueueDepth < 1 {
		return fmt.Errorf("stream.queue_depth must be positive")
	}
	return nil
}
