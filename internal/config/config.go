package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains server configuration parameters.
type Config struct {
	LogLevel     int        `env:"LOG_LEVEL" envDefault:"0"`
	Domain       string     `env:"SERVER_DOMAIN" envDefault:"localhost:8080"`
	IdentityFile string     `env:"SERVER_IDENTITY_FILE" envDefault:"server-identity.json"`
	HTTP         HTTP       `envPrefix:"HTTP_"`
	GRPC         GRPC       `envPrefix:"GRPC_"`
	Database     Database   `envPrefix:"DATABASE_"`
	JWT          JWT        `envPrefix:"JWT_"`
	Storage      Storage    `envPrefix:"MINIO_"`
	Federation   Federation `envPrefix:"FEDERATION_"`
}

// HTTP contains parameters of the federation and client API server.
type HTTP struct {
	Port               string `env:"PORT" envDefault:"8080"`
	EnableHTTPS        bool   `env:"ENABLE_HTTPS" envDefault:"false"`
	CertFileName       string `env:"CERT_FILE_NAME" envDefault:"cert.pem"`
	PrivateKeyFileName string `env:"PRIVATE_KEY_FILE_NAME" envDefault:"key.pem"`
}

// GRPC contains parameters of the health and ops server.
type GRPC struct {
	Port               string `env:"PORT" envDefault:"50051"`
	EnableHTTPS        bool   `env:"ENABLE_HTTPS" envDefault:"false"`
	CertFileName       string `env:"CERT_FILE_NAME" envDefault:"cert.pem"`
	PrivateKeyFileName string `env:"PRIVATE_KEY_FILE_NAME" envDefault:"key.pem"`
}

// Database contains database connection parameters. An empty DSN keeps all
// state in memory.
type Database struct {
	DSN string `env:"DSN"`
}

// JWT contains parameters for verifying client bearer tokens.
type JWT struct {
	Secret string        `env:"SECRET" envDefault:"devsecret"`
	TTL    time.Duration `env:"TTL" envDefault:"15m"`
}

// Storage contains object storage parameters for document snapshots.
type Storage struct {
	Enabled   bool   `env:"ENABLED" envDefault:"false"`
	Endpoint  string `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"ACCESS_KEY" envDefault:"notesfed-access-key"`
	SecretKey string `env:"SECRET_KEY" envDefault:"notesfed-secret-key"`
	Bucket    string `env:"BUCKET_NAME" envDefault:"notesfed-snapshots"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
}

// Federation contains server-to-server parameters.
type Federation struct {
	ReplayWindow    time.Duration `env:"REPLAY_WINDOW" envDefault:"5m"`
	KeepAlive       time.Duration `env:"KEEP_ALIVE" envDefault:"30s"`
	ReconnectDelay  time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	PeerKeyTTL      time.Duration `env:"PEER_KEY_TTL" envDefault:"5m"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	InsecureDomains []string      `env:"INSECURE_DOMAINS" envDefault:"localhost,127.0.0.1" envSeparator:","`
	// Polling follows remote documents with periodic pulls instead of event streams.
	Polling bool `env:"POLLING" envDefault:"false"`
}

// NewConfig loads configuration from environment variables.
func NewConfig() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	c.Domain = strings.TrimSpace(c.Domain)
	if c.Domain == "" || strings.ContainsAny(c.Domain, "/ ") {
		errs = append(errs, fmt.Errorf("SERVER_DOMAIN %q is not a host[:port]", c.Domain))
	}
	if c.Federation.ReplayWindow <= 0 {
		errs = append(errs, errors.New("FEDERATION_REPLAY_WINDOW must be positive"))
	}
	if c.Federation.KeepAlive <= 0 {
		errs = append(errs, errors.New("FEDERATION_KEEP_ALIVE must be positive"))
	}
	if c.Federation.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("FEDERATION_RECONNECT_DELAY must be positive"))
	}
	if c.Federation.PollInterval <= 0 {
		errs = append(errs, errors.New("FEDERATION_POLL_INTERVAL must be positive"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	}

	return errors.Join(errs...)
}
