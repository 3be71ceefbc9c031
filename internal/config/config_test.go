package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/exambridge")
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("ENCRYPTION_KEY", strings.Repeat("k", 32))
	t.Setenv("MOODLE_BASE_URL", "https://moodle.test.edu/")
}

func TestFromEnvDefaults(t *testing.T) {
	validEnv(t)
	cfg := FromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, int64(50), cfg.MaxFileSizeMB)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxFileSizeBytes())
	assert.Equal(t, 60, cfg.AccessTokenExpireMinutes)
	assert.Equal(t, 24, cfg.SessionExpireHours)
	assert.Equal(t, "./uploads", cfg.UploadDir)
	// Trailing slash trimmed so URL joins stay predictable.
	assert.Equal(t, "https://moodle.test.edu", cfg.MoodleBaseURL)
}

func TestValidateRequired(t *testing.T) {
	cases := []struct {
		name  string
		unset string
		want  string
	}{
		{"database", "DATABASE_URL", "DATABASE_URL"},
		{"secret", "SECRET_KEY", "SECRET_KEY"},
		{"moodle", "MOODLE_BASE_URL", "MOODLE_BASE_URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			validEnv(t)
			t.Setenv(tc.unset, "")
			err := FromEnv().Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateEncryptionKeyLength(t *testing.T) {
	validEnv(t)
	t.Setenv("ENCRYPTION_KEY", "too-short")
	err := FromEnv().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestEnvOverrides(t *testing.T) {
	validEnv(t)
	t.Setenv("MAX_FILE_SIZE_MB", "10")
	t.Setenv("ACCESS_TOKEN_EXPIRE_MINUTES", "15")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := FromEnv()
	assert.Equal(t, int64(10), cfg.MaxFileSizeMB)
	assert.Equal(t, 15, cfg.AccessTokenExpireMinutes)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}
