package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all sidecar configuration
type Config struct {
	Server       ServerConfig
	JWT          JWTConfig
	Backend      BackendConfig
	Firebase     FirebaseConfig
	Storage      StorageConfig
	Local        LocalConfig
	Connectivity ConnectivityConfig
	Sync         SyncConfig
	CORS         CORSConfig
	RateLimit    RateLimitConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Port        string
	Host        string
	Environment string
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

// BackendConfig selects the RemoteBackend implementation: "firestore" or "memory".
type BackendConfig struct {
	Kind string
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsPath string
}

type StorageConfig struct {
	Bucket        string
	PublicBaseURL string
}

type LocalConfig struct {
	DatabasePath string
}

// ConnectivityConfig controls the reachability probe. An empty ProbeURL
// disables probing; the monitor then relies on platform reports only.
type ConnectivityConfig struct {
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

type SyncConfig struct {
	DrainInterval time.Duration
	MaxAttempts   int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

const defaultJWTSecret = "dev-secret-key"

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8787"),
			Host:        getEnv("HOST", "127.0.0.1"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", defaultJWTSecret),
			Expiration: parseDuration(getEnv("JWT_EXPIRATION", "12h"), 12*time.Hour),
		},
		Backend: BackendConfig{
			Kind: strings.ToLower(getEnv("BACKEND", "firestore")),
		},
		Firebase: FirebaseConfig{
			ProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
			CredentialsPath: getEnv("FIREBASE_CREDENTIALS_PATH", "./serviceAccountKey.json"),
		},
		Storage: StorageConfig{
			Bucket:        getEnv("STORAGE_BUCKET", "field-evidence"),
			PublicBaseURL: getEnv("STORAGE_PUBLIC_BASE_URL", "https://storage.googleapis.com"),
		},
		Local: LocalConfig{
			DatabasePath: getEnv("LOCAL_DB_PATH", "data/fieldsync.db"),
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:      getEnv("CONNECTIVITY_PROBE_URL", ""),
			ProbeInterval: parseDuration(getEnv("CONNECTIVITY_PROBE_INTERVAL", "15s"), 15*time.Second),
			ProbeTimeout:  parseDuration(getEnv("CONNECTIVITY_PROBE_TIMEOUT", "5s"), 5*time.Second),
		},
		Sync: SyncConfig{
			DrainInterval: parseDuration(getEnv("SYNC_DRAIN_INTERVAL", "0"), 0),
			MaxAttempts:   parseInt(getEnv("SYNC_MAX_ATTEMPTS", "5"), 5),
		},
		CORS: CORSConfig{
			AllowedOrigins: parseStringSlice(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		},
		RateLimit: RateLimitConfig{
			Requests: parseInt(getEnv("RATE_LIMIT_REQUESTS", "120"), 120),
			Window:   parseDuration(getEnv("RATE_LIMIT_WINDOW", "60"), 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, defaultValue int) int {
	if i, err := strconv.Atoi(s); err == nil && i >= 0 {
		return i
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	// Handle simple formats like "30m", "7d", "60"
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if strings.HasSuffix(s, "d") {
		if days, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
	}
	// If it's just a number, assume seconds
	if i, err := strconv.Atoi(s); err == nil {
		return time.Duration(i) * time.Second
	}
	return defaultValue
}

func parseStringSlice(s string) []string {
	result := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// UsesFirestore reports whether the cloud backend is configured.
func (c *Config) UsesFirestore() bool {
	return c.Backend.Kind == "firestore"
}

// Addr is the loopback listen address of the sidecar API.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// Validate reports the first configuration problem found
func (c *Config) Validate() error {
	if c.JWT.Secret == defaultJWTSecret && c.IsProduction() {
		return errors.New("JWT_SECRET must be set in production")
	}
	switch c.Backend.Kind {
	case "firestore":
		if c.Firebase.ProjectID == "" {
			return errors.New("FIREBASE_PROJECT_ID must be set")
		}
		if _, err := os.Stat(c.Firebase.CredentialsPath); os.IsNotExist(err) {
			return fmt.Errorf("firebase credentials file not found: %s", c.Firebase.CredentialsPath)
		}
	case "memory":
		if c.IsProduction() {
			return errors.New("memory backend is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown BACKEND %q", c.Backend.Kind)
	}
	if c.Storage.Bucket == "" {
		return errors.New("STORAGE_BUCKET must be set")
	}
	if c.Local.DatabasePath == "" {
		return errors.New("LOCAL_DB_PATH must be set")
	}
	if c.Connectivity.ProbeURL != "" && c.Connectivity.ProbeInterval <= 0 {
		return errors.New("CONNECTIVITY_PROBE_INTERVAL must be positive when a probe URL is set")
	}
	return nil
}
