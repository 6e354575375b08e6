package config

import (
	"fmt"
)

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

// WithDatabase configures the repository. url is a Postgres connection
// string for "postgres" and a file path for "sqlite".
func WithDatabase(dbType, url string) Option {
	return func(c *ServerConfig) error {
		switch dbType {
		case "memory":
			url = ""
		case "postgres", "sqlite":
			if url == "" {
				return fmt.Errorf("database URL is required for %s", dbType)
			}
		default:
			return fmt.Errorf("database type must be 'memory', 'postgres' or 'sqlite', got: %s", dbType)
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

// WithInlineStorage keeps file bytes in the repository
func WithInlineStorage() Option {
	return func(c *ServerConfig) error {
		c.BlobBackend = "inline"
		return nil
	}
}

// WithS3Storage stores file bytes in an S3 bucket
func WithS3Storage(bucket, region string) Option {
	return func(c *ServerConfig) error {
		if bucket == "" {
			return fmt.Errorf("S3 bucket cannot be empty")
		}
		if region == "" {
			region = "us-east-1"
		}
		c.BlobBackend = "s3"
		c.S3.Bucket = bucket
		c.S3.Region = region
		return nil
	}
}

// WithS3Credentials sets static credentials for the S3 backend
func WithS3Credentials(accessKeyID, secretAccessKey string) Option {
	return func(c *ServerConfig) error {
		if accessKeyID == "" || secretAccessKey == "" {
			return fmt.Errorf("both access key ID and secret access key are required")
		}
		c.S3.AccessKeyID = accessKeyID
		c.S3.SecretAccessKey = secretAccessKey
		return nil
	}
}

// WithS3Endpoint points the S3 backend at an S3-compatible service such as MinIO
func WithS3Endpoint(endpoint string, usePathStyle, createBucket bool) Option {
	return func(c *ServerConfig) error {
		if endpoint == "" {
			return fmt.Errorf("S3 endpoint cannot be empty")
		}
		c.S3.Endpoint = endpoint
		c.S3.UsePathStyle = usePathStyle
		c.S3.CreateBucketIfNotExist = createBucket
		return nil
	}
}

// WithStreamChunkSize sets the piece size file content is streamed out in
func WithStreamChunkSize(size int) Option {
	return func(c *ServerConfig) error {
		if size <= 0 {
			return fmt.Errorf("stream chunk size must be positive, got: %d", size)
		}
		c.StreamChunkSize = size
		return nil
	}
}

// WithUploadLimits caps matrix bodies and staged blocks. Zero disables a limit.
func WithUploadLimits(maxMatrixBytes, maxBlockBytes int64) Option {
	return func(c *ServerConfig) error {
		if maxMatrixBytes < 0 || maxBlockBytes < 0 {
			return fmt.Errorf("upload limits cannot be negative")
		}
		c.MaxMatrixBytes = maxMatrixBytes
		c.MaxBlockBytes = maxBlockBytes
		return nil
	}
}
