package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/staging"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of
// library defaults. Options run in order, so later options win.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

const defaultSQLiteURL = "file:simplemedia.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

func defaults() ServerConfig {
	return ServerConfig{
		Port:           "8080",
		Environment:    "development",
		LogLevel:       "info",
		DatabaseType:   "sqlite",
		DatabaseURL:    defaultSQLiteURL,
		AutoMigrate:    true,
		StorageBackend: "fs",
		FS:             FSConfig{BaseDir: "./data/media"},
		S3:             S3Config{Region: "us-east-1"},
		MaxUploadBytes: staging.DefaultMaxBytes,
		PutTimeout:     simplemedia.DefaultPutTimeout,
		SweepGrace:     time.Hour,
	}
}

// ServerConfig represents configuration for the media server and CLI.
// Tags drive cleanenv for both environment variables and YAML files.
type ServerConfig struct {
	Port        string `yaml:"port" env:"PORT" env-default:"8080"`
	Environment string `yaml:"environment" env:"ENVIRONMENT" env-default:"development"` // development, production, testing
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT"` // text or json; empty picks by environment

	// Database configuration
	DatabaseType string `yaml:"database_type" env:"DATABASE_TYPE" env-default:"sqlite"` // "sqlite", "postgres"
	DatabaseURL  string `yaml:"database_url" env:"DATABASE_URL" env-default:"file:simplemedia.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"`
	DBSchema     string `yaml:"db_schema" env:"MEDIA_DB_SCHEMA"` // Postgres search_path
	AutoMigrate  bool   `yaml:"auto_migrate" env:"AUTO_MIGRATE" env-default:"true"`

	// Object storage configuration
	StorageBackend string      `yaml:"storage_backend" env:"STORAGE_BACKEND" env-default:"fs"` // "memory", "fs", "s3", "storj"
	FS             FSConfig    `yaml:"fs" env-prefix:"FS_"`
	S3             S3Config    `yaml:"s3" env-prefix:"S3_"`
	Storj          StorjConfig `yaml:"storj" env-prefix:"STORJ_"`

	// Upload pipeline
	StagingDir     string        `yaml:"staging_dir" env:"STAGING_DIR"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES" env-default:"10485760"`
	PutTimeout     time.Duration `yaml:"put_timeout" env:"PUT_TIMEOUT" env-default:"2m"`
	AllowedTypes   []string      `yaml:"allowed_types" env:"ALLOWED_TYPES" env-separator:","`

	// Orphan sweep. A zero interval disables the background sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" env-default:"0s"`
	SweepGrace    time.Duration `yaml:"sweep_grace" env:"SWEEP_GRACE" env-default:"1h"`

	// HMAC secret for bearer tokens
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// FSConfig configures the filesystem object store
type FSConfig struct {
	BaseDir string `yaml:"base_dir" env:"BASE_DIR" env-default:"./data/media"`
}

// S3Config configures the S3 object store
type S3Config struct {
	Region                 string `yaml:"region" env:"REGION" env-default:"us-east-1"`
	Bucket                 string `yaml:"bucket" env:"BUCKET"`
	AccessKeyID            string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey        string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	Endpoint               string `yaml:"endpoint" env:"ENDPOINT"`
	UsePathStyle           bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
	EnableSSE              bool   `yaml:"enable_sse" env:"ENABLE_SSE"`
	SSEAlgorithm           string `yaml:"sse_algorithm" env:"SSE_ALGORITHM"`
	SSEKMSKeyID            string `yaml:"sse_kms_key_id" env:"SSE_KMS_KEY_ID"`
	CreateBucketIfNotExist bool   `yaml:"create_bucket_if_not_exist" env:"CREATE_BUCKET_IF_NOT_EXIST"`
}

// StorjConfig configures the Storj object store
type StorjConfig struct {
	AccessGrant string `yaml:"access_grant" env:"ACCESS_GRANT"`
	Bucket      string `yaml:"bucket" env:"BUCKET"`
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be 'text' or 'json', got: %s", c.LogFormat)
	}

	switch c.DatabaseType {
	case "sqlite", "postgres":
	default:
		return errors.New("database_type must be 'sqlite' or 'postgres'")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required when using %s", c.DatabaseType)
	}

	switch c.StorageBackend {
	case "memory":
	case "fs":
		if c.FS.BaseDir == "" {
			return errors.New("fs base_dir is required when using the fs storage backend")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return errors.New("s3 bucket is required when using the s3 storage backend")
		}
	case "storj":
		if c.Storj.AccessGrant == "" || c.Storj.Bucket == "" {
			return errors.New("storj access_grant and bucket are required when using the storj storage backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.StorageBackend)
	}

	if c.MaxUploadBytes <= 0 {
		return errors.New("max_upload_bytes must be positive")
	}
	if c.PutTimeout <= 0 {
		return errors.New("put_timeout must be positive")
	}
	if c.SweepInterval < 0 {
		return errors.New("sweep_interval cannot be negative")
	}
	if c.SweepGrace <= c.PutTimeout {
		return fmt.Errorf("sweep_grace (%s) must exceed put_timeout (%s)", c.SweepGrace, c.PutTimeout)
	}

	return nil
}
