package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the rule service.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// Capacity of the evaluation queue shared by HTTP and Kafka ingest.
	QueueSize int `yaml:"queue_size"`
	// Entries kept of recent notifications and deviations.
	HistorySize int `yaml:"history_size"`

	HTTP   HTTPConfig   `yaml:"http"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	Worker WorkerConfig `yaml:"worker"`
	Rule   RuleSettings `yaml:"rule"`

	// Parsed from command line (not YAML)
	ConfigPath string `yaml:"-"`
	EnvFile    string `yaml:"-"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size"`
}

// KafkaConfig configures reading consumption and notification publishing.
type KafkaConfig struct {
	Enabled            bool           `yaml:"enabled"`
	Brokers            []string       `yaml:"brokers"`
	ReadingsTopic      string         `yaml:"readings_topic"`
	NotificationsTopic string         `yaml:"notifications_topic"`
	GroupID            string         `yaml:"group_id"`
	Producer           ProducerConfig `yaml:"producer"`
}

// ProducerConfig tunes the notification producer.
type ProducerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Compression  string        `yaml:"compression"`
}

// WorkerConfig configures the notification worker pool.
type WorkerConfig struct {
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		QueueSize:   1000,
		HistorySize: 256,
		HTTP: HTTPConfig{
			Listen:       ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodySize:  10 * 1024 * 1024,
		},
		Kafka: KafkaConfig{
			Enabled:            false,
			Brokers:            []string{"localhost:9092"},
			ReadingsTopic:      "readings",
			NotificationsTopic: "notifications",
			GroupID:            "averagerule",
			Producer: ProducerConfig{
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
				Compression:  "snappy",
			},
		},
		Worker: WorkerConfig{
			Workers:      1,
			BatchSize:    50,
			BatchTimeout: 100 * time.Millisecond,
		},
		Rule:       DefaultRuleSettings(),
		ConfigPath: "config.yaml",
		EnvFile:    ".env",
	}
}

// Load reads configuration with priority: defaults < config file < env vars < flags.
// args excludes the program name. A missing config or env file is not an error.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("averagerule", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", cfg.ConfigPath, "Path to config.yaml")
	envFile := fs.String("env-file", cfg.EnvFile, "Path to a .env file")
	listen := fs.String("listen", "", "HTTP listen address (host:port)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	brokers := fs.String("kafka-brokers", "", "Comma separated Kafka brokers; enables Kafka")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	cfg.ConfigPath = *configPath
	cfg.EnvFile = *envFile

	if err := cfg.loadFile(cfg.ConfigPath); err != nil {
		return nil, err
	}

	if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", cfg.EnvFile, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *brokers != "" {
		cfg.Kafka.Brokers = splitList(*brokers)
		cfg.Kafka.Enabled = true
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// envSettings are the settings read from AVERAGERULE_* environment
// variables. Unset or empty variables leave the field zero.
type envSettings struct {
	Listen             string   `mapstructure:"listen"`
	LogLevel           string   `mapstructure:"log_level"`
	QueueSize          int      `mapstructure:"queue_size"`
	HistorySize        int      `mapstructure:"history_size"`
	KafkaBrokers       string   `mapstructure:"kafka_brokers"`
	ReadingsTopic      string   `mapstructure:"readings_topic"`
	NotificationsTopic string   `mapstructure:"notifications_topic"`
	Asset              string   `mapstructure:"asset"`
	Deviation          *float64 `mapstructure:"deviation"`
	Direction          string   `mapstructure:"direction"`
	AverageType        string   `mapstructure:"average_type"`
	Factor             *int     `mapstructure:"factor"`
}

var envKeys = []string{
	"listen", "log_level", "queue_size", "history_size",
	"kafka_brokers", "readings_topic", "notifications_topic",
	"asset", "deviation", "direction", "average_type", "factor",
}

func (c *Config) applyEnv() error {
	v := viper.New()
	v.SetEnvPrefix("averagerule")
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var env envSettings
	if err := v.Unmarshal(&env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	if env.Listen != "" {
		c.HTTP.Listen = env.Listen
	}
	if env.LogLevel != "" {
		c.LogLevel = env.LogLevel
	}
	if env.QueueSize > 0 {
		c.QueueSize = env.QueueSize
	}
	if env.HistorySize > 0 {
		c.HistorySize = env.HistorySize
	}
	if env.KafkaBrokers != "" {
		c.Kafka.Brokers = splitList(env.KafkaBrokers)
		c.Kafka.Enabled = true
	}
	if env.ReadingsTopic != "" {
		c.Kafka.ReadingsTopic = env.ReadingsTopic
	}
	if env.NotificationsTopic != "" {
		c.Kafka.NotificationsTopic = env.NotificationsTopic
	}
	if env.Asset != "" {
		c.Rule.Asset = env.Asset
	}
	if env.Deviation != nil {
		c.Rule.Deviation = env.Deviation
	}
	if env.Direction != "" {
		c.Rule.Direction = env.Direction
	}
	if env.AverageType != "" {
		c.Rule.AverageType = env.AverageType
	}
	if env.Factor != nil {
		c.Rule.Factor = env.Factor
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
