package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/sqlite"
	"github.com/tendant/simple-media/pkg/simplemedia/staging"
	fsstorage "github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	s3storage "github.com/tendant/simple-media/pkg/simplemedia/storage/s3"
	storjstorage "github.com/tendant/simple-media/pkg/simplemedia/storage/storj"
)

// Database is a relational store that can migrate and close itself.
type Database interface {
	simplemedia.Store
	Migrate(ctx context.Context) error
	Close() error
}

// NewLogger builds the process logger: JSON in production, colored text elsewhere.
func (c *ServerConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	format := c.LogFormat
	if format == "" {
		format = "text"
		if c.Environment == "production" {
			format = "json"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
}

// SQLiteBusyTimeout is how long a SQLite writer waits for the write lock.
// A publishing transaction stays open for up to PutTimeout, so a waiting
// upload must outlast one full PUT plus its commit.
func (c *ServerConfig) SQLiteBusyTimeout() time.Duration {
	return c.PutTimeout + 30*time.Second
}

// BuildStore opens the configured relational store and migrates it when
// AutoMigrate is set.
func (c *ServerConfig) BuildStore(ctx context.Context) (Database, error) {
	var db Database
	switch c.DatabaseType {
	case "sqlite":
		store, err := sqlite.Open(ctx, c.DatabaseURL, sqlite.WithBusyTimeout(c.SQLiteBusyTimeout()))
		if err != nil {
			return nil, err
		}
		db = store
	case "postgres":
		store, err := postgres.Open(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, err
		}
		db = store
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}

	if c.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// BuildObjectStore creates the configured object store
func (c *ServerConfig) BuildObjectStore(ctx context.Context) (simplemedia.ObjectStore, error) {
	switch c.StorageBackend {
	case "memory":
		return memorystorage.New(), nil
	case "fs":
		backend, err := fsstorage.New(fsstorage.Config{BaseDir: c.FS.BaseDir})
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "s3":
		backend, err := s3storage.New(ctx, s3storage.Config{
			Region:                 c.S3.Region,
			Bucket:                 c.S3.Bucket,
			AccessKeyID:            c.S3.AccessKeyID,
			SecretAccessKey:        c.S3.SecretAccessKey,
			Endpoint:               c.S3.Endpoint,
			UsePathStyle:           c.S3.UsePathStyle,
			EnableSSE:              c.S3.EnableSSE,
			SSEAlgorithm:           c.S3.SSEAlgorithm,
			SSEKMSKeyID:            c.S3.SSEKMSKeyID,
			CreateBucketIfNotExist: c.S3.CreateBucketIfNotExist,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "storj":
		backend, err := storjstorage.New(ctx, storjstorage.Config{
			AccessGrant: c.Storj.AccessGrant,
			Bucket:      c.Storj.Bucket,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", c.StorageBackend)
	}
}

// Runtime holds everything a process built from the configuration.
type Runtime struct {
	DB       Database
	Objects  simplemedia.ObjectStore
	Pipeline *simplemedia.Pipeline
}

// Close releases the database and any object store with a Close method.
func (r *Runtime) Close() error {
	var errs []error
	if closer, ok := r.Objects.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if r.DB != nil {
		errs = append(errs, r.DB.Close())
	}
	return errors.Join(errs...)
}

// Build opens the stores and assembles the pipeline.
func (c *ServerConfig) Build(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	db, err := c.BuildStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build store: %w", err)
	}

	objects, err := c.BuildObjectStore(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to build object store: %w", err)
	}

	pipeline, err := simplemedia.New(
		simplemedia.WithStore(db),
		simplemedia.WithObjectStore(objects),
		simplemedia.WithStager(&staging.Stager{Dir: c.StagingDir, MaxBytes: c.MaxUploadBytes}),
		simplemedia.WithPutTimeout(c.PutTimeout),
		simplemedia.WithAllowedTypes(c.AllowedTypes),
		simplemedia.WithLogger(logger),
	)
	if err != nil {
		rt := &Runtime{DB: db, Objects: objects}
		_ = rt.Close()
		return nil, err
	}

	return &Runtime{DB: db, Objects: objects, Pipeline: pipeline}, nil
}
