// Package s3 implements the artifact store on AWS S3 and S3-compatible storage.
package s3

import "strings"

// Config configures an S3 artifact store.
//
// Authentication follows the AWS SDK v2 default chain unless explicit keys
// are set: environment, shared credentials, shared config profile, then
// instance or task roles.
//
// For S3-compatible stores (MinIO, Wasabi), set Endpoint and typically
// ForcePathStyle. No default region is applied when Endpoint is set.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `mapstructure:"bucket"`

	// Prefix is prepended to every artifact key ("kgextract/" style).
	Prefix string `mapstructure:"prefix"`

	// Region is the AWS region. Defaults to us-east-1 for AWS S3.
	Region string `mapstructure:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint"`

	// Profile is the AWS shared config profile.
	Profile string `mapstructure:"profile"`

	// AccessKeyID is an explicit access key. Requires SecretAccessKey.
	AccessKeyID string `mapstructure:"access_key_id"`

	// SecretAccessKey is an explicit secret key.
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// ForcePathStyle forces path-style URLs.
	ForcePathStyle bool `mapstructure:"force_path_style"`

	// MaxKeys is the page size for List. Zero uses DefaultMaxKeys.
	MaxKeys int `mapstructure:"max_keys"`
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.MaxKeys < 0 {
		return &ConfigError{Field: "MaxKeys", Message: "must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 artifact config: " + e.Field + ": " + e.Message
}
