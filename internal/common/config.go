package common

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Extraction ExtractionConfig
	Raster     RasterConfig
	Storage    StorageConfig
	Prompt     PromptConfig
	Queue      QueueConfig
	Log        LogConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	MaxUploadMB     int
	SessionTTL      time.Duration
}

// ExtractionConfig holds settings for the remote extraction service
type ExtractionConfig struct {
	BaseURL      string
	APIToken     string
	DefaultModel string
	Timeout      time.Duration
	ModelsRetry  int
}

// RasterConfig holds PDF rendering configuration
type RasterConfig struct {
	Scale       float64
	Format      string
	JPEGQuality int
	BatchSize   int
}

// StorageConfig holds run persistence configuration
type StorageConfig struct {
	Driver          string // sqlite, postgres or none
	SQLitePath      string
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// PromptConfig holds prompt construction settings
type PromptConfig struct {
	HintsFile string
	Fresh     bool
}

// QueueConfig holds settings for the background persistence queue
type QueueConfig struct {
	Workers int
	Size    int
	Timeout time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is read first when present; real env vars win.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr:        getEnv("GRPC_ADDR", ":8081"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			MaxUploadMB:     getEnvAsInt("MAX_UPLOAD_MB", 50),
			SessionTTL:      getEnvAsDuration("SESSION_TTL", 2*time.Hour),
		},
		Extraction: ExtractionConfig{
			BaseURL:      strings.TrimRight(getEnv("EXTRACTION_API_URL", "http://localhost:5000"), "/"),
			APIToken:     getEnv("EXTRACTION_API_TOKEN", ""),
			DefaultModel: getEnv("EXTRACTION_MODEL", "gemini-2.0-flash"),
			Timeout:      getEnvAsDuration("EXTRACTION_TIMEOUT", 15*time.Minute),
			ModelsRetry:  getEnvAsInt("EXTRACTION_MODELS_RETRY", 3),
		},
		Raster: RasterConfig{
			Scale:       getEnvAsFloat("RASTER_SCALE", 1.5),
			Format:      strings.ToLower(getEnv("RASTER_FORMAT", "png")),
			JPEGQuality: getEnvAsInt("RASTER_JPEG_QUALITY", 90),
			BatchSize:   getEnvAsInt("RASTER_BATCH_SIZE", 4),
		},
		Storage: StorageConfig{
			Driver:          strings.ToLower(getEnv("STORAGE_DRIVER", "sqlite")),
			SQLitePath:      getEnv("SQLITE_PATH", "./tmp/runs.db"),
			DSN:             getEnv("DB_URL", ""),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 1),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Prompt: PromptConfig{
			HintsFile: getEnv("PROMPT_HINTS_FILE", ""),
			Fresh:     getEnvAsBool("PROMPT_FRESH", false),
		},
		Queue: QueueConfig{
			Workers: getEnvAsInt("PERSIST_WORKERS", 2),
			Size:    getEnvAsInt("PERSIST_QUEUE_SIZE", 64),
			Timeout: getEnvAsDuration("PERSIST_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Extraction.BaseURL == "" {
		return NewAppError(CodeConfig, "EXTRACTION_API_URL is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError(CodeConfig, "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Raster.Scale <= 0 {
		return NewAppError(CodeConfig, "RASTER_SCALE must be positive", ErrInvalidInput)
	}
	if c.Raster.Format != "png" && c.Raster.Format != "jpeg" {
		return NewAppError(CodeConfig, "RASTER_FORMAT must be png or jpeg", ErrInvalidInput)
	}
	if c.Raster.BatchSize < 1 {
		return NewAppError(CodeConfig, "RASTER_BATCH_SIZE must be at least 1", ErrInvalidInput)
	}
	switch c.Storage.Driver {
	case "none":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return NewAppError(CodeConfig, "SQLITE_PATH is required for the sqlite driver", ErrInvalidInput)
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return NewAppError(CodeConfig, "DB_URL is required for the postgres driver", ErrInvalidInput)
		}
	default:
		return NewAppError(CodeConfig, "STORAGE_DRIVER must be sqlite, postgres or none", ErrInvalidInput)
	}
	return nil
}

// NewLogger builds the process logger from LogConfig.
func (c LogConfig) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
