package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/corefacility/corefacility/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Media         MediaConfig
	Redis         RedisConfig
	Profile       Profile
	Security      SecurityConfig
	Daemon        DaemonConfig
	Health        HealthConfig
	Supervisor    SupervisorConfig
	Observability ObservabilityConfig

	// File is the YAML file the configuration was read from, empty if none
	File string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	// BaseURL is the externally visible address used in redirects and SSO metadata
	BaseURL string
	// UIURL is where the browser lands after an external login
	UIURL string
}

// DatabaseConfig holds relational store configuration
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MediaConfig holds blob storage configuration
type MediaConfig struct {
	Root          string
	Backend       string
	MaxUploadSize int64

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// RedisConfig holds Redis configuration. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	SessionStore bool
	LoginLimit   int
	LoginWindow  time.Duration
}

// SecurityConfig holds keys and credential lifetimes
type SecurityConfig struct {
	SigningKey     string
	TokenTTL       time.Duration
	CookieName     string
	ActivationTTL  time.Duration
	SessionTTL     time.Duration
	PasswordLength int
}

// DaemonConfig holds privileged administration daemon settings
type DaemonConfig struct {
	PollInterval time.Duration
	AbandonAfter time.Duration
	GCSchedule   string
}

// HealthConfig holds health sampler settings
type HealthConfig struct {
	Schedule  string
	Mounts    []string
	Retention time.Duration
}

// SupervisorConfig holds child supervision settings
type SupervisorConfig struct {
	VMCeiling      uint64
	RestartBackoff time.Duration
	CheckInterval  time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// OTel converts the settings to the observability package form
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
	}
}

// LoadConfig loads configuration from the environment. A .env file in the
// working directory (or CORE_ENV_FILE) is applied first without overriding
// variables that are already set; CORE_CONFIG_FILE names a YAML file of
// CORE_* keys used as defaults.
func LoadConfig() (*Config, error) {
	envFile := os.Getenv("CORE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	l := loader{}
	if path := os.Getenv("CORE_CONFIG_FILE"); path != "" {
		values, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		l.file = values
	}

	cfg := l.load()
	cfg.File = os.Getenv("CORE_CONFIG_FILE")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ReadFile reads a YAML file of CORE_* keys
func ReadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return values, nil
}

// WriteFile stores values as a YAML file readable by ReadFile
func WriteFile(path string, values map[string]string) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode config file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// loader resolves a key from the environment, then the config file, then the default
type loader struct {
	file map[string]string
}

func (l loader) load() *Config {
	return &Config{
		Server:        l.loadServerConfig(),
		Database:      l.loadDatabaseConfig(),
		Media:         l.loadMediaConfig(),
		Redis:         l.loadRedisConfig(),
		Profile:       l.loadProfile(),
		Security:      l.loadSecurityConfig(),
		Daemon:        l.loadDaemonConfig(),
		Health:        l.loadHealthConfig(),
		Supervisor:    l.loadSupervisorConfig(),
		Observability: l.loadObservabilityConfig(),
	}
}

func (l loader) loadServerConfig() ServerConfig {
	port := l.getEnv("CORE_PORT", "8000")
	return ServerConfig{
		Host:            l.getEnv("CORE_HOST", "0.0.0.0"),
		Port:            port,
		ReadTimeout:     l.getEnvDuration("CORE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    l.getEnvDuration("CORE_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     l.getEnvDuration("CORE_IDLE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: l.getEnvDuration("CORE_SHUTDOWN_TIMEOUT", 30*time.Second),
		RequestTimeout:  l.getEnvDuration("CORE_REQUEST_TIMEOUT", 50*time.Second),
		BaseURL:         strings.TrimRight(l.getEnv("CORE_BASE_URL", "http://localhost:"+port), "/"),
		UIURL:           l.getEnv("CORE_UI_URL", "/"),
	}
}

func (l loader) loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          l.getEnv("CORE_DB_DRIVER", "postgres"),
		DSN:             l.getEnv("CORE_DB_DSN", "postgres://corefacility@localhost/corefacility?sslmode=disable"),
		MaxOpenConns:    l.getEnvInt("CORE_DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    l.getEnvInt("CORE_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: l.getEnvDuration("CORE_DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func (l loader) loadMediaConfig() MediaConfig {
	return MediaConfig{
		Root:           l.getEnv("CORE_MEDIA_ROOT", "/var/lib/corefacility/media"),
		Backend:        l.getEnv("CORE_MEDIA_BACKEND", "filesystem"),
		MaxUploadSize:  l.getEnvInt64("CORE_MAX_UPLOAD_SIZE", 64<<20),
		S3Endpoint:     l.getEnv("CORE_S3_ENDPOINT", ""),
		S3Region:       l.getEnv("CORE_S3_REGION", "us-east-1"),
		S3Bucket:       l.getEnv("CORE_S3_BUCKET", ""),
		S3AccessKey:    l.getEnv("CORE_S3_ACCESS_KEY", ""),
		S3SecretKey:    l.getEnv("CORE_S3_SECRET_KEY", ""),
		S3UsePathStyle: l.getEnvBool("CORE_S3_USE_PATH_STYLE", false),
	}
}

func (l loader) loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          l.getEnv("CORE_REDIS_URL", ""),
		SessionStore: l.getEnvBool("CORE_REDIS_SESSIONS", true),
		LoginLimit:   l.getEnvInt("CORE_LOGIN_RATE_LIMIT", 10),
		LoginWindow:  l.getEnvDuration("CORE_LOGIN_RATE_WINDOW", time.Minute),
	}
}

func (l loader) loadProfile() Profile {
	return Profile{
		Name:           ProfileName(l.getEnv("CORE_PROFILE", string(VirtualServer))),
		EmailSupport:   l.getEnvBool("CORE_EMAIL_SUPPORT", false),
		POSIXHost:      l.getEnvBool("CORE_POSIX_HOST", runtime.GOOS != "windows"),
		Privileged:     l.getEnvBool("CORE_PRIVILEGED", os.Geteuid() == 0),
		HomeDir:        l.getEnv("CORE_UNIX_HOME_DIR", "/home"),
		ProjectBaseDir: l.getEnv("CORE_PROJECT_BASEDIR", "/home/corefacility/projects"),
		UnixPrefix:     l.getEnv("CORE_UNIX_GROUP_PREFIX", "cf_"),
	}
}

func (l loader) loadSecurityConfig() SecurityConfig {
	return SecurityConfig{
		SigningKey:     l.getEnv("CORE_SECRET_KEY", ""),
		TokenTTL:       l.getEnvDuration("CORE_AUTH_TOKEN_TTL", 24*time.Hour),
		CookieName:     l.getEnv("CORE_COOKIE_NAME", "corefacility_token"),
		ActivationTTL:  l.getEnvDuration("CORE_ACTIVATION_TTL", 72*time.Hour),
		SessionTTL:     l.getEnvDuration("CORE_EXTERNAL_SESSION_TTL", 10*time.Minute),
		PasswordLength: l.getEnvInt("CORE_PASSWORD_LENGTH", 12),
	}
}

func (l loader) loadDaemonConfig() DaemonConfig {
	return DaemonConfig{
		PollInterval: l.getEnvDuration("CORE_DAEMON_POLL_INTERVAL", 2*time.Second),
		AbandonAfter: l.getEnvDuration("CORE_DAEMON_ABANDON_AFTER", time.Hour),
		GCSchedule:   l.getEnv("CORE_DAEMON_GC_SCHEDULE", "@every 10m"),
	}
}

func (l loader) loadHealthConfig() HealthConfig {
	var mounts []string
	if raw := l.getEnv("CORE_HEALTH_MOUNTS", ""); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				mounts = append(mounts, m)
			}
		}
	}
	return HealthConfig{
		Schedule:  l.getEnv("CORE_HEALTH_SCHEDULE", "@every 1m"),
		Mounts:    mounts,
		Retention: l.getEnvDuration("CORE_HEALTH_RETENTION", 30*24*time.Hour),
	}
}

func (l loader) loadSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		VMCeiling:      uint64(l.getEnvInt64("CORE_SUPERVISOR_VM_CEILING", 4<<30)),
		RestartBackoff: l.getEnvDuration("CORE_SUPERVISOR_BACKOFF", time.Second),
		CheckInterval:  l.getEnvDuration("CORE_SUPERVISOR_CHECK_INTERVAL", 5*time.Second),
	}
}

func (l loader) loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(l.getEnv("CORE_LOG_LEVEL", "info")),
		MetricsEnabled:     l.getEnvBool("CORE_METRICS_ENABLED", true),
		OTelEnabled:        l.getEnvBool("CORE_OTEL_ENABLED", false),
		OTelEndpoint:       l.getEnv("CORE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    l.getEnv("CORE_OTEL_SERVICE_NAME", "corefacility"),
		OTelServiceVersion: l.getEnv("CORE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       l.getEnvBool("CORE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	switch c.Media.Backend {
	case "filesystem":
		if c.Media.Root == "" {
			return fmt.Errorf("media root is required for filesystem media storage")
		}
	case "s3":
		if c.Media.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 media storage")
		}
	default:
		return fmt.Errorf("invalid media backend: %s (must be filesystem or s3)", c.Media.Backend)
	}
	if c.Media.MaxUploadSize <= 0 {
		return fmt.Errorf("max upload size must be positive")
	}

	if err := c.Profile.Validate(); err != nil {
		return err
	}

	if len(c.Security.SigningKey) < 32 {
		return fmt.Errorf("signing key must be at least 32 characters (run `corefacility configure`)")
	}
	if c.Security.TokenTTL <= 0 || c.Security.SessionTTL <= 0 || c.Security.ActivationTTL <= 0 {
		return fmt.Errorf("token, session and activation lifetimes must be positive")
	}
	if c.Security.CookieName == "" {
		return fmt.Errorf("cookie name is required")
	}
	if c.Security.PasswordLength < 8 {
		return fmt.Errorf("generated password length must be at least 8")
	}

	if c.Daemon.PollInterval <= 0 {
		return fmt.Errorf("daemon poll interval must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value, a config file value or a default
func (l loader) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := l.file[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean setting or a default
func (l loader) getEnvBool(key string, defaultValue bool) bool {
	if value := l.getEnv(key, ""); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer setting or a default
func (l loader) getEnvInt(key string, defaultValue int) int {
	if value := l.getEnv(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 setting or a default
func (l loader) getEnvInt64(key string, defaultValue int64) int64 {
	if value := l.getEnv(key, ""); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration setting or a default
func (l loader) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := l.getEnv(key, ""); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
