package config

import (
	"fmt"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// envConfig is the environment surface of the server.
//
// Database:
//
//	DATABASE_URL - "memory" (default), "postgres://..." / "postgresql://...",
//	               or "sqlite://path/to/records.db"
//	DB_SCHEMA    - Postgres search_path
//
// Blob backend:
//
//	BLOB_BACKEND - "inline" (default) or "s3"; S3_* and AWS_* apply to s3
type envConfig struct {
	Port        string `env:"PORT"`
	Environment string `env:"ENVIRONMENT"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBSchema    string `env:"DB_SCHEMA"`

	BlobBackend string `env:"BLOB_BACKEND"`
	S3          struct {
		Bucket          string `env:"S3_BUCKET"`
		Region          string `env:"AWS_REGION" env-default:"us-east-1"`
		Endpoint        string `env:"S3_ENDPOINT"`
		AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
		SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
		UsePathStyle    bool   `env:"S3_USE_PATH_STYLE"`
		CreateBucket    bool   `env:"S3_CREATE_BUCKET"`
	}

	StreamChunkSize int   `env:"STREAM_CHUNK_SIZE"`
	MaxMatrixBytes  int64 `env:"MAX_MATRIX_BYTES" env-default:"-1"`
	MaxBlockBytes   int64 `env:"MAX_BLOCK_BYTES" env-default:"-1"`
}

// WithEnv applies environment variable overrides. Unset variables keep the
// values already in the config.
func WithEnv() Option {
	return func(c *ServerConfig) error {
		var env envConfig
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}

		if env.Port != "" {
			c.Port = env.Port
		}
		if env.Environment != "" {
			c.Environment = env.Environment
		}
		if env.DBSchema != "" {
			c.DBSchema = env.DBSchema
		}
		if err := applyDatabaseURL(env.DatabaseURL, c); err != nil {
			return err
		}
		if err := applyBlobBackend(&env, c); err != nil {
			return err
		}

		if env.StreamChunkSize != 0 {
			c.StreamChunkSize = env.StreamChunkSize
		}
		// -1 marks an unset limit; 0 is a valid "no limit"
		if env.MaxMatrixBytes >= 0 {
			c.MaxMatrixBytes = env.MaxMatrixBytes
		}
		if env.MaxBlockBytes >= 0 {
			c.MaxBlockBytes = env.MaxBlockBytes
		}
		return nil
	}
}

// applyDatabaseURL picks the repository from DATABASE_URL
func applyDatabaseURL(dbURL string, c *ServerConfig) error {
	switch {
	case dbURL == "":
		return nil
	case dbURL == "memory":
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if path == "" {
			return fmt.Errorf("sqlite path cannot be empty in DATABASE_URL")
		}
		c.DatabaseType = "sqlite"
		c.DatabaseURL = path
	default:
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory', 'postgresql://...' or 'sqlite://...')", dbURL)
	}
	return nil
}

func applyBlobBackend(env *envConfig, c *ServerConfig) error {
	switch env.BlobBackend {
	case "":
		return nil
	case "inline":
		c.BlobBackend = "inline"
	case "s3":
		if env.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND=s3")
		}
		c.BlobBackend = "s3"
		c.S3.Bucket = env.S3.Bucket
		c.S3.Region = env.S3.Region
		c.S3.Endpoint = env.S3.Endpoint
		c.S3.AccessKeyID = env.S3.AccessKeyID
		c.S3.SecretAccessKey = env.S3.SecretAccessKey
		c.S3.UsePathStyle = env.S3.UsePathStyle
		c.S3.CreateBucketIfNotExist = env.S3.CreateBucket
	default:
		return fmt.Errorf("unsupported BLOB_BACKEND: %s (use 'inline' or 's3')", env.BlobBackend)
	}
	return nil
}
