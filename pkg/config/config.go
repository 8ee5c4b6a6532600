package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable pointing at an optional YAML config file.
const FileEnv = "TAXDOCS_CONFIG"

// Backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds runtime configuration shared by the taxdocs binaries.
// Values resolve as defaults, then the YAML file, then the environment.
type Config struct {
	Addr           string        `env:"ADDR,overwrite,default=:8080" yaml:"addr"`
	Backend        string        `env:"BACKEND,overwrite,default=memory" yaml:"backend"`
	DBDSN          string        `env:"DB_DSN,overwrite" yaml:"db_dsn"`
	NATSURL        string        `env:"NATS_URL,overwrite" yaml:"nats_url"`
	S3             S3Config      `env:",prefix=S3_" yaml:"s3"`
	JWTSigningKey  string        `env:"JWT_SIGNING_KEY,overwrite" yaml:"jwt_signing_key"`
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL,overwrite,default=12h" yaml:"access_token_ttl"`
	SessionFile    string        `env:"SESSION_FILE,overwrite" yaml:"session_file"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT,overwrite" yaml:"otlp_endpoint"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS,overwrite,default=http://localhost:5173" yaml:"cors_allowed_origins"`
	LogLevel       string        `env:"LOG_LEVEL,overwrite,default=info" yaml:"log_level"`
	UploadRollback bool          `env:"UPLOAD_ROLLBACK,overwrite" yaml:"upload_rollback"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES,overwrite,default=33554432" yaml:"max_upload_bytes"`
}

// S3Config configures the object store.
type S3Config struct {
	Endpoint       string        `env:"ENDPOINT,overwrite" yaml:"endpoint"`
	AccessKey      string        `env:"ACCESS_KEY,overwrite" yaml:"access_key"`
	SecretKey      string        `env:"SECRET_KEY,overwrite" yaml:"secret_key"`
	Region         string        `env:"REGION,overwrite,default=us-east-1" yaml:"region"`
	Bucket         string        `env:"BUCKET,overwrite,default=taxdocs" yaml:"bucket"`
	DisableTLS     bool          `env:"DISABLE_TLS,overwrite" yaml:"disable_tls"`
	ForcePathStyle bool          `env:"FORCE_PATH_STYLE,overwrite" yaml:"force_path_style"`
	PublicBaseURL  string        `env:"PUBLIC_BASE_URL,overwrite" yaml:"public_base_url"`
	URLTTL         time.Duration `env:"URL_TTL,overwrite,default=168h" yaml:"url_ttl"`
}

// Load reads an optional .env file and returns the resolved Config from the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith resolves configuration using lookuper for environment values.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config

	if path, ok := lookuper.Lookup(FileEnv); ok && strings.TrimSpace(path) != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.DBDSN) == "" {
			return errors.New("DB_DSN is required for the postgres backend")
		}
		if strings.TrimSpace(c.JWTSigningKey) == "" {
			return errors.New("JWT_SIGNING_KEY is required for the postgres backend")
		}
		if strings.TrimSpace(c.S3.Endpoint) == "" {
			return errors.New("S3_ENDPOINT is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	if c.AccessTokenTTL <= 0 {
		return errors.New("ACCESS_TOKEN_TTL must be positive")
	}
	return nil
}

// SessionPath returns the token file location, defaulting under the user config dir.
func (c Config) SessionPath() (string, error) {
	if c.SessionFile != "" {
		return c.SessionFile, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "taxdocs", "session.json"), nil
}
