package conf

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Realtime drivers
const (
	RealtimeWebSocket = "websocket"
	RealtimeRedis     = "redis"
	RealtimeNone      = "none"
)

// Config represents application configuration
type Config struct {
	// Primary REST backend
	API APIConfig

	// Embedded fallback store
	Store StoreConfig

	// Realtime channel
	Realtime RealtimeConfig

	// Bearer credential supplied by the auth layer
	Credential CredentialConfig

	// Local HTTP API
	HTTP HTTPConfig

	Log LogConfig

	// Timing tuning (loaded from YAML)
	Tuning *TuningConfig

	// Debug mode
	Debug bool
}

// APIConfig contains REST backend configuration
type APIConfig struct {
	URL     string
	Timeout time.Duration
}

// StoreConfig contains SQLite fallback configuration
type StoreConfig struct {
	DBPath string
}

// RealtimeConfig contains realtime channel configuration
type RealtimeConfig struct {
	Driver   string // websocket, redis or none
	URL      string // WebSocket endpoint
	RedisURL string
}

// CredentialConfig locates the bearer token
type CredentialConfig struct {
	Path  string // Token file, re-read on every request
	Token string // Static token, used when Path is empty
}

// HTTPConfig contains local API configuration
type HTTPConfig struct {
	Port int
}

// LogConfig contains logger configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Fallback DB path
	dbPath := os.Getenv("LIVECORE_DB_PATH")
	if dbPath == "" {
		homeDir, _ := os.UserHomeDir()
		dbPath = filepath.Join(homeDir, ".livecore", "livecore.db")
	}

	apiTimeout := 30 * time.Second
	if val := os.Getenv("LIVECORE_API_TIMEOUT"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			apiTimeout = parsed
		}
	}

	httpPort := 8080
	if val := os.Getenv("LIVECORE_HTTP_PORT"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			httpPort = parsed
		}
	}

	realtimeURL := os.Getenv("LIVECORE_REALTIME_URL")
	redisURL := os.Getenv("LIVECORE_REDIS_URL")
	driver := strings.ToLower(os.Getenv("LIVECORE_REALTIME_DRIVER"))
	if driver == "" {
		switch {
		case realtimeURL != "":
			driver = RealtimeWebSocket
		case redisURL != "":
			driver = RealtimeRedis
		default:
			driver = RealtimeNone
		}
	}

	logLevel := os.Getenv("LIVECORE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LIVECORE_LOG_FORMAT")
	if logFormat == "" {
		logFormat = "text"
	}

	debug := os.Getenv("DEBUG") == "true"
	if debug {
		logLevel = "debug"
	}

	// Load timing tuning from YAML
	tuning, err := LoadTuningConfig(os.Getenv("LIVECORE_TUNING_PATH"))
	if err != nil {
		slog.Warn("[Config] Invalid tuning file, using defaults", "error", err)
		tuning = DefaultTuningConfig()
	}
	tuning.applyEnv()

	return &Config{
		API: APIConfig{
			URL:     strings.TrimRight(os.Getenv("LIVECORE_API_URL"), "/"),
			Timeout: apiTimeout,
		},
		Store: StoreConfig{
			DBPath: dbPath,
		},
		Realtime: RealtimeConfig{
			Driver:   driver,
			URL:      realtimeURL,
			RedisURL: redisURL,
		},
		Credential: CredentialConfig{
			Path:  os.Getenv("LIVECORE_CREDENTIAL_PATH"),
			Token: os.Getenv("LIVECORE_TOKEN"),
		},
		HTTP: HTTPConfig{
			Port: httpPort,
		},
		Log: LogConfig{
			Level:  logLevel,
			Format: logFormat,
		},
		Tuning: tuning,
		Debug:  debug,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Credential.Path == "" && c.Credential.Token == "" {
		return &ConfigError{Field: "LIVECORE_CREDENTIAL_PATH/LIVECORE_TOKEN", Message: "required"}
	}
	switch c.Realtime.Driver {
	case RealtimeWebSocket:
		if c.Realtime.URL == "" {
			return &ConfigError{Field: "LIVECORE_REALTIME_URL", Message: "required for the websocket driver"}
		}
	case RealtimeRedis:
		if c.Realtime.RedisURL == "" {
			return &ConfigError{Field: "LIVECORE_REDIS_URL", Message: "required for the redis driver"}
		}
	case RealtimeNone:
	default:
		return &ConfigError{Field: "LIVECORE_REALTIME_DRIVER", Message: fmt.Sprintf("unknown driver %q", c.Realtime.Driver)}
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return &ConfigError{Field: "LIVECORE_HTTP_PORT", Message: "out of range"}
	}
	if c.Tuning != nil {
		if err := c.Tuning.ToPresenceConfig().Validate(); err != nil {
			return &ConfigError{Field: "presence", Message: err.Error()}
		}
		if c.Tuning.Typing.Timeout <= 0 {
			return &ConfigError{Field: "typing.timeout", Message: "must be positive"}
		}
	}
	return nil
}

// SlogLevel returns the configured log level
func (c *LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
