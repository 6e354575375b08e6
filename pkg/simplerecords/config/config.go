package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/api"
	"github.com/tendant/simple-records/pkg/simplerecords/repo/memory"
	repopg "github.com/tendant/simple-records/pkg/simplerecords/repo/postgres"
	reposqlite "github.com/tendant/simple-records/pkg/simplerecords/repo/sqlite"
	"github.com/tendant/simple-records/pkg/simplerecords/storage/inline"
	s3storage "github.com/tendant/simple-records/pkg/simplerecords/storage/s3"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
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

func defaults() ServerConfig {
	return ServerConfig{
		Port:            "8080",
		Environment:     "development",
		DatabaseType:    "memory",
		BlobBackend:     "inline",
		StreamChunkSize: simplerecords.DefaultChunkSize,
		MaxMatrixBytes:  64 << 20,
		MaxBlockBytes:   256 << 20,
	}
}

// ServerConfig represents server configuration for the simple-records service
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	// Database configuration
	DatabaseType string // "memory", "postgres", "sqlite"
	DatabaseURL  string // Postgres connection string or SQLite file path
	DBSchema     string // Postgres search_path, empty keeps the server default

	// Blob backend, one per deployment
	BlobBackend string // "inline", "s3"
	S3          s3storage.Config

	// Transfer limits
	StreamChunkSize int
	MaxMatrixBytes  int64 // zero disables the limit
	MaxBlockBytes   int64 // zero disables the limit
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	switch c.DatabaseType {
	case "memory":
	case "postgres", "sqlite":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required when using %s", c.DatabaseType)
		}
	default:
		return errors.New("database_type must be 'memory', 'postgres' or 'sqlite'")
	}

	switch c.BlobBackend {
	case "inline":
	case "s3":
		if c.S3.Bucket == "" {
			return errors.New("s3 bucket is required when using the s3 blob backend")
		}
	default:
		return fmt.Errorf("unsupported blob backend '%s'", c.BlobBackend)
	}

	if c.StreamChunkSize <= 0 {
		return errors.New("stream chunk size must be positive")
	}
	if c.MaxMatrixBytes < 0 || c.MaxBlockBytes < 0 {
		return errors.New("size limits cannot be negative")
	}
	return nil
}

// BuildService creates a Service instance from the server configuration.
// extra options are applied after the configured repository and backend, an
// event sink for instance. The returned cleanup releases database handles.
func (c *ServerConfig) BuildService(ctx context.Context, extra ...simplerecords.Option) (simplerecords.Service, func(), error) {
	repo, cleanup, err := c.buildRepository(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build repository: %w", err)
	}

	backend, err := c.buildBlobBackend(repo)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to build blob backend %s: %w", c.BlobBackend, err)
	}

	options := []simplerecords.Option{
		simplerecords.WithRepository(repo),
		simplerecords.WithBlobBackend(backend),
	}
	options = append(options, extra...)

	svc, err := simplerecords.New(options...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return svc, cleanup, nil
}

// HandlerOptions returns the api options carrying the configured transfer limits
func (c *ServerConfig) HandlerOptions() []api.HandlerOption {
	return []api.HandlerOption{
		api.WithChunkSize(c.StreamChunkSize),
		api.WithMaxMatrixBytes(c.MaxMatrixBytes),
		api.WithMaxBlockBytes(c.MaxBlockBytes),
	}
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context) (simplerecords.Repository, func(), error) {
	switch c.DatabaseType {
	case "memory":
		return memory.New(), func() {}, nil
	case "postgres":
		pool, err := c.newPostgresPool(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := repopg.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repopg.NewWithPool(pool), pool.Close, nil
	case "sqlite":
		repo, err := reposqlite.Open(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

func (c *ServerConfig) newPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema := c.DBSchema; schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// buildBlobBackend creates the deployment's BlobBackend
func (c *ServerConfig) buildBlobBackend(repo simplerecords.Repository) (simplerecords.BlobBackend, error) {
	switch c.BlobBackend {
	case "inline":
		return inline.New(repo), nil
	case "s3":
		return s3storage.New(c.S3)
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", c.BlobBackend)
	}
}
