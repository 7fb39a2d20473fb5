package s3

import (
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kgextract/pkg/artifact"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "valid", cfg: Config{Bucket: "b"}},
		{name: "missing bucket", cfg: Config{}, wantErr: "Bucket"},
		{name: "half credentials", cfg: Config{Bucket: "b", AccessKeyID: "x"}, wantErr: "AccessKeyID"},
		{name: "negative max keys", cfg: Config{Bucket: "b", MaxKeys: -1}, wantErr: "MaxKeys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, cfgErr.Field, tt.wantErr)
		})
	}
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}

func TestClampMaxKeys(t *testing.T) {
	assert.Equal(t, DefaultMaxKeys, clampMaxKeys(0))
	assert.Equal(t, 10, clampMaxKeys(10))
	assert.Equal(t, MaxAllowedKeys, clampMaxKeys(5000))
}

func TestWrapError_MapsAPICodes(t *testing.T) {
	s := &Store{bucket: "b"}

	tests := []struct {
		code string
		want error
	}{
		{"NoSuchKey", artifact.ErrNotFound},
		{"AccessDenied", artifact.ErrAccessDenied},
		{"SlowDown", artifact.ErrThrottled},
		{"InternalError", artifact.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := s.wrapError("Get", "k", &smithy.GenericAPIError{Code: tt.code, Message: "boom"})
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}

func TestPrefixMapping(t *testing.T) {
	s := &Store{prefix: "kg"}
	assert.Equal(t, "kg/jobs/a.json", s.objectKey("jobs/a.json"))
	assert.Equal(t, "jobs/a.json", s.artifactKey("kg/jobs/a.json"))
}
