package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Reservation ReservationConfig `yaml:"reservation"`
	Sweeper     SweeperConfig     `yaml:"sweeper"`
	HTTP        ServerConfig      `yaml:"http"`
	GRPC        ServerConfig      `yaml:"grpc"`
	Log         LogConfig         `yaml:"log"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig is optional; an empty Addr disables the catalog cache and the
// sweeper lease.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	PoolSize   int           `yaml:"pool_size"`
	CatalogTTL time.Duration `yaml:"catalog_ttl"`
}

// KafkaConfig is optional; without brokers events are logged.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ReservationConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

type SweeperConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	BatchSize          int           `yaml:"batch_size"`
	ExpiryScanInterval time.Duration `yaml:"expiry_scan_interval"`
	ExpiryAlertDays    int           `yaml:"expiry_alert_days"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:          DriverMySQL,
			DSN:             "root:root@tcp(localhost:3306)/medstock?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:   100,
			CatalogTTL: time.Hour,
		},
		Kafka: KafkaConfig{
			Topic: "inventory-events",
		},
		Reservation: ReservationConfig{
			DefaultTTL: 30 * time.Minute,
		},
		Sweeper: SweeperConfig{
			Enabled:            true,
			Interval:           time.Minute,
			BatchSize:          500,
			ExpiryScanInterval: time.Hour,
			ExpiryAlertDays:    30,
			LeaseTTL:           2 * time.Minute,
		},
		HTTP: ServerConfig{Addr: ":8080", ShutdownTimeout: 5 * time.Second},
		GRPC: ServerConfig{Addr: ":50051", ShutdownTimeout: 5 * time.Second},
		Log:  LogConfig{Level: "info"},
		Tracing: TracingConfig{
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	str("STORE_DRIVER", &c.Store.Driver)
	str("MYSQL_DSN", &c.Store.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("OTEL_ENDPOINT", &c.Tracing.Endpoint)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("GRPC_ADDR", &c.GRPC.Addr)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	if v, ok := lookup("RESERVATION_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RESERVATION_TTL: %w", err)
		}
		c.Reservation.DefaultTTL = d
	}
	if v, ok := lookup("SWEEPER_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SWEEPER_ENABLED: %w", err)
		}
		c.Sweeper.Enabled = enabled
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the mysql driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of mysql, memory", c.Store.Driver))
	}
	if c.Reservation.DefaultTTL <= 0 {
		errs = append(errs, errors.New("reservation.default_ttl must be positive"))
	}
	if c.Sweeper.Enabled {
		if c.Sweeper.Interval <= 0 {
			errs = append(errs, errors.New("sweeper.interval must be positive"))
		}
		if c.Sweeper.BatchSize <= 0 {
			errs = append(errs, errors.New("sweeper.batch_size must be positive"))
		}
		if c.Redis.Addr != "" && c.Sweeper.LeaseTTL < c.Sweeper.Interval {
			errs = append(errs, errors.New("sweeper.lease_ttl must cover at least one interval"))
		}
	}
	if c.Sweeper.ExpiryAlertDays < 0 {
		errs = append(errs, errors.New("sweeper.expiry_alert_days must not be negative"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

func (s SweeperConfig) ExpiryAlertWindow() time.Duration {
	return time.Duration(s.ExpiryAlertDays) * 24 * time.Hour
}
