package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cuemby/txrelay/pkg/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TXRELAY_"

// Config is the complete runtime configuration
type Config struct {
	Log           log.Config    `yaml:"log" envPrefix:"LOG_"`
	Broker        Broker        `yaml:"broker" envPrefix:"BROKER_"`
	Notifications Notifications `yaml:"notifications" envPrefix:"NOTIFICATIONS_"`
	Storage       Storage       `yaml:"storage" envPrefix:"STORAGE_"`
	API           API           `yaml:"api" envPrefix:"API_"`
}

// Broker holds AMQP connection parameters. An empty Host means the broker is
// not configured.
type Broker struct {
	Host        string        `yaml:"host" env:"HOST"`
	Port        int           `yaml:"port" env:"PORT"`
	Username    string        `yaml:"username" env:"USERNAME"`
	Password    string        `yaml:"password" env:"PASSWORD"`
	Transport   string        `yaml:"transport" env:"TRANSPORT"`
	SendTimeout time.Duration `yaml:"sendTimeout" env:"SEND_TIMEOUT"`
}

// Configured reports whether connection parameters were supplied
func (b Broker) Configured() bool {
	return b.Host != ""
}

// Address renders the AMQP dial address
func (b Broker) Address() string {
	transport := b.Transport
	if transport == "" {
		transport = "amqp"
	}
	port := b.Port
	if port == 0 {
		port = 5672
		if transport == "amqps" {
			port = 5671
		}
	}
	return fmt.Sprintf("%s://%s:%d", transport, b.Host, port)
}

// Notifications controls subscription handshakes and webhook delivery
type Notifications struct {
	MaxTries         int           `yaml:"maxTries" env:"MAX_TRIES"`
	RetryInterval    time.Duration `yaml:"retryInterval" env:"RETRY_INTERVAL"`
	TTL              time.Duration `yaml:"ttl" env:"TTL"`
	LegitimacySecret string        `yaml:"legitimacySecret" env:"LEGITIMACY_SECRET"`
	RequestTimeout   time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`
}

// Storage selects where events, subscriptions and notifications live
type Storage struct {
	DataDir  string `yaml:"dataDir" env:"DATA_DIR"`
	InMemory bool   `yaml:"inMemory" env:"IN_MEMORY"`
}

// API configures the query HTTP surface
type API struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Log: log.Config{
			Level: log.InfoLevel,
		},
		Broker: Broker{
			Transport:   "amqp",
			SendTimeout: 10 * time.Second,
		},
		Notifications: Notifications{
			MaxTries:       5,
			RetryInterval:  5 * time.Second,
			TTL:            24 * time.Hour,
			RequestTimeout: 10 * time.Second,
		},
		Storage: Storage{
			DataDir: "./data",
		},
		API: API{
			Addr: ":8080",
		},
	}
}

// Load reads the YAML file at path (skipped when empty) over the defaults and
// then applies TXRELAY_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the delivery loop cannot run with
func (c Config) Validate() error {
	var errs []error
	if err := c.Log.Level.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Notifications.MaxTries <= 0 {
		errs = append(errs, fmt.Errorf("notifications.maxTries must be positive, got %d", c.Notifications.MaxTries))
	}
	if c.Notifications.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("notifications.retryInterval must be positive, got %s", c.Notifications.RetryInterval))
	}
	if c.Notifications.TTL <= 0 {
		errs = append(errs, fmt.Errorf("notifications.ttl must be positive, got %s", c.Notifications.TTL))
	}
	if c.Notifications.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("notifications.requestTimeout must be positive, got %s", c.Notifications.RequestTimeout))
	}
	if c.Broker.Configured() && c.Broker.SendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("broker.sendTimeout must be positive, got %s", c.Broker.SendTimeout))
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.dataDir is required unless storage.inMemory is set"))
	}
	return errors.Join(errs...)
}
