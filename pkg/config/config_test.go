package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/observability"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestLoaderGetEnv(t *testing.T) {
	l := loader{file: map[string]string{"CORE_FROM_FILE": "file", "CORE_BOTH": "file"}}
	t.Setenv("CORE_BOTH", "env")

	assert.Equal(t, "file", l.getEnv("CORE_FROM_FILE", "default"))
	assert.Equal(t, "env", l.getEnv("CORE_BOTH", "default"))
	assert.Equal(t, "default", l.getEnv("CORE_MISSING", "default"))
}

func TestLoaderTypedValues(t *testing.T) {
	l := loader{file: map[string]string{
		"CORE_B1":  "true",
		"CORE_B2":  "1",
		"CORE_B3":  "no",
		"CORE_I":   "42",
		"CORE_BAD": "x",
		"CORE_D":   "5m",
	}}

	assert.True(t, l.getEnvBool("CORE_B1", false))
	assert.True(t, l.getEnvBool("CORE_B2", false))
	assert.False(t, l.getEnvBool("CORE_B3", true))
	assert.True(t, l.getEnvBool("CORE_MISSING", true))
	assert.Equal(t, 42, l.getEnvInt("CORE_I", 0))
	assert.Equal(t, 7, l.getEnvInt("CORE_BAD", 7))
	assert.Equal(t, int64(42), l.getEnvInt64("CORE_I", 0))
	assert.Equal(t, 5*time.Minute, l.getEnvDuration("CORE_D", time.Second))
	assert.Equal(t, time.Second, l.getEnvDuration("CORE_BAD", time.Second))
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corefacility.yaml")
	require.NoError(t, WriteFile(path, map[string]string{
		"CORE_SECRET_KEY":  testKey,
		"CORE_DB_DRIVER":   "sqlite3",
		"CORE_DB_DSN":      ":memory:",
		"CORE_MEDIA_ROOT":  dir,
		"CORE_LOG_LEVEL":   "debug",
		"CORE_COOKIE_NAME": "cf",
	}))

	t.Setenv("CORE_ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("CORE_CONFIG_FILE", path)
	t.Setenv("CORE_PROFILE", "virtual_server")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "cf", cfg.Security.CookieName)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.Equal(t, VirtualServer, cfg.Profile.Name)
	assert.Equal(t, "http://localhost:8000", cfg.Server.BaseURL)
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("CORE_SECRET_KEY="+testKey+"\nCORE_PORT=9001\n"), 0o600))

	t.Setenv("CORE_ENV_FILE", envPath)
	t.Setenv("CORE_CONFIG_FILE", "")
	t.Setenv("CORE_PROFILE", "virtual_server")
	// registered so both variables are restored after godotenv sets them
	t.Setenv("CORE_PORT", "")
	t.Setenv("CORE_SECRET_KEY", "")
	os.Unsetenv("CORE_PORT")
	os.Unsetenv("CORE_SECRET_KEY")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "9001", cfg.Server.Port)
	assert.Equal(t, testKey, cfg.Security.SigningKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return loader{file: map[string]string{
			"CORE_SECRET_KEY": testKey,
			"CORE_PROFILE":    "virtual_server",
		}}.load()
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short signing key", func(c *Config) { c.Security.SigningKey = "short" }},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"bad media backend", func(c *Config) { c.Media.Backend = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Media.Backend = "s3"; c.Media.S3Bucket = "" }},
		{"bad profile", func(c *Config) { c.Profile.Name = "cloud" }},
		{"full server without posix", func(c *Config) { c.Profile.Name = FullServer; c.Profile.POSIXHost = false }},
		{"zero token ttl", func(c *Config) { c.Security.TokenTTL = 0 }},
		{"empty cookie", func(c *Config) { c.Security.CookieName = "" }},
		{"short passwords", func(c *Config) { c.Security.PasswordLength = 4 }},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestProfilePosixMode(t *testing.T) {
	tests := []struct {
		profile Profile
		want    PosixMode
	}{
		{Profile{Name: VirtualServer, Privileged: true}, PosixOff},
		{Profile{Name: PartServer}, PosixSuggest},
		{Profile{Name: FullServer, Privileged: true}, PosixInline},
		{Profile{Name: FullServer}, PosixDeferred},
	}
	for _, tt := range tests {
		t.Run(string(tt.profile.Name), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.PosixMode())
			assert.Equal(t, tt.want != PosixOff, tt.profile.AdministersPosix())
		})
	}
}
