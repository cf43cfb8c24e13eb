package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// WithEnv reads every tagged field from the process environment. Unset
// variables fall back to their env-default tag.
//
//	PORT, ENVIRONMENT, LOG_LEVEL, LOG_FORMAT
//	DATABASE_TYPE, DATABASE_URL, MEDIA_DB_SCHEMA, AUTO_MIGRATE
//	STORAGE_BACKEND, FS_BASE_DIR, S3_BUCKET, S3_REGION, S3_ENDPOINT, ...
//	STORJ_ACCESS_GRANT, STORJ_BUCKET
//	STAGING_DIR, MAX_UPLOAD_BYTES, PUT_TIMEOUT, ALLOWED_TYPES
//	SWEEP_INTERVAL, SWEEP_GRACE, JWT_SECRET
func WithEnv() Option {
	return func(c *ServerConfig) error {
		if err := cleanenv.ReadEnv(c); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		return nil
	}
}

// WithFile reads a YAML file, then lets the environment override it.
func WithFile(path string) Option {
	return func(c *ServerConfig) error {
		if err := cleanenv.ReadConfig(path, c); err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		return nil
	}
}

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithDatabase configures the relational store
func WithDatabase(dbType, url string) Option {
	return func(c *ServerConfig) error {
		if dbType != "sqlite" && dbType != "postgres" {
			return fmt.Errorf("database type must be 'sqlite' or 'postgres', got: %s", dbType)
		}
		if url == "" {
			return fmt.Errorf("database URL is required for %s", dbType)
		}
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

// WithMemoryStorage keeps objects in process memory
func WithMemoryStorage() Option {
	return func(c *ServerConfig) error {
		c.StorageBackend = "memory"
		return nil
	}
}

// WithFilesystemStorage stores objects under baseDir
func WithFilesystemStorage(baseDir string) Option {
	return func(c *ServerConfig) error {
		if baseDir == "" {
			return fmt.Errorf("fs base directory cannot be empty")
		}
		c.StorageBackend = "fs"
		c.FS.BaseDir = baseDir
		return nil
	}
}

// WithS3Storage stores objects in an S3 bucket
func WithS3Storage(s3 S3Config) Option {
	return func(c *ServerConfig) error {
		if s3.Bucket == "" {
			return fmt.Errorf("s3 bucket cannot be empty")
		}
		c.StorageBackend = "s3"
		c.S3 = s3
		return nil
	}
}

// WithStorjStorage stores objects in a Storj bucket
func WithStorjStorage(storj StorjConfig) Option {
	return func(c *ServerConfig) error {
		c.StorageBackend = "storj"
		c.Storj = storj
		return nil
	}
}

// WithUploadLimits sets the upload ceiling and the PUT deadline
func WithUploadLimits(maxBytes int64, putTimeout time.Duration) Option {
	return func(c *ServerConfig) error {
		c.MaxUploadBytes = maxBytes
		c.PutTimeout = putTimeout
		return nil
	}
}

// WithStagingDir sets where uploads are staged
func WithStagingDir(dir string) Option {
	return func(c *ServerConfig) error {
		c.StagingDir = dir
		return nil
	}
}

// WithSweep sets the background sweep interval and grace period
func WithSweep(interval, grace time.Duration) Option {
	return func(c *ServerConfig) error {
		c.SweepInterval = interval
		c.SweepGrace = grace
		return nil
	}
}

// WithJWTSecret sets the HMAC secret for bearer tokens
func WithJWTSecret(secret string) Option {
	return func(c *ServerConfig) error {
		c.JWTSecret = secret
		return nil
	}
}
