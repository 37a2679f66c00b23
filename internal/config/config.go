package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	HTTP       HTTPConfig       `yaml:"http"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Google     GoogleConfig     `yaml:"google"`
	Microsoft  MicrosoftConfig  `yaml:"microsoft"`
	Watch      WatchConfig      `yaml:"watch"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type AuthConfig struct {
	JWKSURL string `yaml:"jwks_url"`
}

type DatabaseConfig struct {
	// SubscriptionPath is the sqlite file holding watch subscriptions.
	SubscriptionPath string `yaml:"subscription_path"`
	// DirectoryPath is the sqlite file holding positions, rounds and tokens.
	DirectoryPath string `yaml:"directory_path"`
}

type IngestConfig struct {
	NATSURL   string `yaml:"nats_url"`
	Stream    string `yaml:"stream"`
	SpoolPath string `yaml:"spool_path"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// PubSubTopic is the fully qualified topic Gmail pushes to,
	// e.g. projects/<project>/topics/cv-mail-push.
	PubSubTopic string `yaml:"pubsub_topic"`
}

type MicrosoftConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Tenant       string `yaml:"tenant"`
	// NotificationURL is the public URL Graph change notifications are
	// delivered to (our /push/outlook endpoint).
	NotificationURL string `yaml:"notification_url"`
}

type WatchConfig struct {
	// RenewalWindow controls how close to expiry a watch must be before
	// the renewal sweep re-registers it.
	RenewalWindow time.Duration `yaml:"renewal_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

// Load reads the YAML config at configPath, expanding ${ENV} references.
// A .env file next to the binary is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.SubscriptionPath == "" {
		return errors.New("database subscription_path is required")
	}
	if c.Database.DirectoryPath == "" {
		return errors.New("database directory_path is required")
	}
	if c.Google.ClientID != "" && c.Google.PubSubTopic == "" {
		return errors.New("google pubsub_topic is required when google client is configured")
	}
	if c.Microsoft.ClientID != "" && c.Microsoft.NotificationURL == "" {
		return errors.New("microsoft notification_url is required when microsoft client is configured")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "mailwatch"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Ingest.Stream == "" {
		c.Ingest.Stream = "CV_EVENTS"
	}
	if c.Ingest.SpoolPath == "" {
		c.Ingest.SpoolPath = "data/spool"
	}
	if c.Microsoft.Tenant == "" {
		c.Microsoft.Tenant = "common"
	}
	if c.Watch.RenewalWindow == 0 {
		c.Watch.RenewalWindow = 24 * time.Hour
	}
	if c.Watch.SweepInterval == 0 {
		c.Watch.SweepInterval = time.Hour
	}
}
