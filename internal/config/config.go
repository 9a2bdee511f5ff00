// Package config loads process settings: defaults, then an optional YAML
// file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/consumer"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

type Config struct {
	ServiceName string `yaml:"service_name"`
	HTTPPort    string `yaml:"http_port"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	Kafka    urbandash.KafkaConfig `yaml:"kafka"`
	Consumer consumer.Options      `yaml:"consumer"`

	StoreDriver string `yaml:"store_driver"`
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`
	RedisAddr   string `yaml:"redis_addr"`

	CorrelationWindow time.Duration `yaml:"correlation_window"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
	OutboxInterval    time.Duration `yaml:"outbox_interval"`

	GeocoderURL    string   `yaml:"geocoder_url"`
	DeliveryAgents []string `yaml:"delivery_agents"`
	Drivers        []string `yaml:"drivers"`
}

func Default() Config {
	return Config{
		ServiceName: "urbanfoodride",
		HTTPPort:    "5000",
		LogLevel:    "info",
		LogJSON:     true,
		Kafka: urbandash.KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			ClientID:          "urbanfoodride",
			DialTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			Partitions:        3,
			ReplicationFactor: 1,
		},
		Consumer:          consumer.DefaultOptions(),
		StoreDriver:       DriverBolt,
		DataDir:           "./data",
		CorrelationWindow: 30 * time.Second,
		ReadyTimeout:      30 * time.Second,
		OutboxInterval:    400 * time.Millisecond,
		DeliveryAgents:    []string{"agent-1", "agent-2", "agent-3"},
		Drivers:           []string{"driver-1", "driver-2", "driver-3"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("SERVICE_NAME", &c.ServiceName)
	e.str("HTTP_PORT", &c.HTTPPort)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.boolean("LOG_JSON", &c.LogJSON)

	e.csv("KAFKA_BROKERS", &c.Kafka.Brokers)
	e.str("KAFKA_CLIENT_ID", &c.Kafka.ClientID)
	e.duration("KAFKA_DIAL_TIMEOUT", &c.Kafka.DialTimeout)
	e.duration("KAFKA_WRITE_TIMEOUT", &c.Kafka.WriteTimeout)
	e.integer("KAFKA_PARTITIONS", &c.Kafka.Partitions)
	e.integer("KAFKA_REPLICATION", &c.Kafka.ReplicationFactor)

	e.str("STORE_DRIVER", &c.StoreDriver)
	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("DATA_DIR", &c.DataDir)
	e.str("REDIS_ADDR", &c.RedisAddr)

	e.duration("HANDLER_TIMEOUT", &c.Consumer.HandlerTimeout)
	e.integer("MAX_ATTEMPTS", &c.Consumer.MaxAttempts)
	e.duration("RETRY_BACKOFF", &c.Consumer.Backoff)
	e.duration("RETRY_BACKOFF_MAX", &c.Consumer.MaxBackoff)

	e.duration("CORRELATION_WINDOW", &c.CorrelationWindow)
	e.duration("READY_TIMEOUT", &c.ReadyTimeout)
	e.duration("OUTBOX_INTERVAL", &c.OutboxInterval)

	e.str("GEOCODER_URL", &c.GeocoderURL)
	e.csv("DELIVERY_AGENTS", &c.DeliveryAgents)
	e.csv("DRIVERS", &c.Drivers)

	return errors.Join(e.errs...)
}

// Validate rejects settings the process cannot start with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case DriverBolt:
		if c.DataDir == "" {
			errs = append(errs, errors.New("DATA_DIR is required for the bolt store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	for name, d := range map[string]time.Duration{
		"KAFKA_DIAL_TIMEOUT":  c.Kafka.DialTimeout,
		"KAFKA_WRITE_TIMEOUT": c.Kafka.WriteTimeout,
		"HANDLER_TIMEOUT":     c.Consumer.HandlerTimeout,
		"RETRY_BACKOFF":       c.Consumer.Backoff,
		"RETRY_BACKOFF_MAX":   c.Consumer.MaxBackoff,
		"CORRELATION_WINDOW":  c.CorrelationWindow,
		"READY_TIMEOUT":       c.ReadyTimeout,
		"OUTBOX_INTERVAL":     c.OutboxInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Consumer.MaxAttempts <= 0 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be positive"))
	} else if c.Consumer.Backoff > 0 && c.Consumer.MaxBackoff > 0 && c.CorrelationWindow > 0 {
		// A ride waiting on its order is retried until the window closes and
		// then priced standalone; dead-lettering it earlier leaves it PENDING.
		if budget := c.Consumer.RetryBudget(); budget < c.CorrelationWindow {
			errs = append(errs, fmt.Errorf("MAX_ATTEMPTS %d with RETRY_BACKOFF %s retries for %s, shorter than CORRELATION_WINDOW %s",
				c.Consumer.MaxAttempts, c.Consumer.Backoff, budget, c.CorrelationWindow))
		}
	}
	if len(c.DeliveryAgents) == 0 {
		errs = append(errs, errors.New("DELIVERY_AGENTS is empty"))
	}
	if len(c.Drivers) == 0 {
		errs = append(errs, errors.New("DRIVERS is empty"))
	}
	return errors.Join(errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) csv(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		*dst = parseCSV(v)
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func parseCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
