package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment variable name.
const envPrefix = "CAMPUSFEED_"

// Config holds all configuration for the application.
type Config struct {
	// Hostname is the public hostname where this service is reachable.
	Hostname string `yaml:"hostname" env:"HOSTNAME"`

	// Port is the HTTP server port.
	Port int `yaml:"port" env:"PORT"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path" env:"DATABASE_PATH"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// AdminEmails may delete any post.
	AdminEmails []string `yaml:"admin_emails" env:"ADMIN_EMAILS"`

	// AllowedEmailDomain restricts signups, e.g. "@s.amity.edu".
	AllowedEmailDomain string `yaml:"allowed_email_domain" env:"ALLOWED_EMAIL_DOMAIN"`

	// TokenSecret signs bearer tokens. Empty runs the server without
	// authentication. Only read from the environment.
	TokenSecret string `yaml:"-" env:"TOKEN_SECRET"`

	// ServerURL is the websocket endpoint clients connect to.
	ServerURL string `yaml:"server_url" env:"SERVER_URL"`

	// StrikeThreshold is the number of reports that deletes a post.
	StrikeThreshold int `yaml:"strike_threshold" env:"STRIKE_THRESHOLD"`

	// SweepInterval is how often the server deletes posts that reached the
	// threshold without being removed.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// TickInterval is how often clients re-render relative timestamps.
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`

	SiteName string `yaml:"site_name" env:"SITE_NAME"`
	SiteURL  string `yaml:"site_url" env:"SITE_URL"`

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`

	Media Media `yaml:"media" envPrefix:"MEDIA_"`
}

// Media configures image compression and upload.
type Media struct {
	// UploadURL is the unsigned upload endpoint of the image host.
	UploadURL    string `yaml:"upload_url" env:"UPLOAD_URL"`
	UploadPreset string `yaml:"upload_preset" env:"UPLOAD_PRESET"`

	// MaxBytes and MaxDimension bound compressed images.
	MaxBytes     int `yaml:"max_bytes" env:"MAX_BYTES"`
	MaxDimension int `yaml:"max_dimension" env:"MAX_DIMENSION"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Hostname:           "localhost",
		Port:               3000,
		DatabasePath:       "campusfeed.db",
		LogLevel:           "info",
		LogFormat:          "json",
		AllowedEmailDomain: "@s.amity.edu",
		ServerURL:          "ws://localhost:3000/v1/live",
		StrikeThreshold:    8,
		SweepInterval:      10 * time.Minute,
		TickInterval:       time.Minute,
		SiteName:           "Campus Feed",
		SiteURL:            "http://localhost:3000",
		Media: Media{
			MaxBytes:     512 * 1024,
			MaxDimension: 1920,
		},
	}
}

// Load reads the YAML file named by CAMPUSFEED_CONFIG, if any, then applies
// environment overrides.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(envPrefix + "CONFIG"))
}

// LoadFile loads configuration from path, which may be empty, followed by
// environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	for i, email := range cfg.AdminEmails {
		cfg.AdminEmails[i] = strings.ToLower(strings.TrimSpace(email))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	if c.StrikeThreshold < 1 {
		errs = append(errs, errors.New("strike_threshold must be at least 1"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}
	if c.Media.MaxBytes <= 0 || c.Media.MaxDimension <= 0 {
		errs = append(errs, errors.New("media limits must be positive"))
	}
	return errors.Join(errs...)
}
