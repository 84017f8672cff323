package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config application configuration
type Config struct {
	Port      int
	Comfy     ComfyConfig
	Workflows WorkflowConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Worker    WorkerConfig
}

// ComfyConfig ComfyUI backend configuration
type ComfyConfig struct {
	Host string `env:"COMFY_HOST"`

	// availability probe
	ProbeInterval    time.Duration `env:"COMFY_API_AVAILABLE_INTERVAL_MS"`
	ProbeMaxAttempts int           `env:"COMFY_API_AVAILABLE_MAX_RETRIES"`
	RequireBackend   bool          `env:"COMFY_REQUIRE_BACKEND"`

	// completion polling
	PollInterval    time.Duration `env:"COMFY_POLLING_INTERVAL_MS"`
	PollMaxAttempts int           `env:"COMFY_POLLING_MAX_RETRIES"`

	OutputPath     string        `env:"COMFY_OUTPUT_PATH"`
	RecentWindow   time.Duration `env:"COMFY_OUTPUT_RECENT_SECONDS"`
	RequestTimeout time.Duration `env:"COMFY_REQUEST_TIMEOUT"`
}

// WorkflowConfig workflow catalog configuration
type WorkflowConfig struct {
	Dir string `env:"WORKFLOW_DIR"`
}

// StorageConfig object storage configuration, enabled when EndpointURL is set
type StorageConfig struct {
	EndpointURL     string        `env:"BUCKET_ENDPOINT_URL"`
	Bucket          string        `env:"BUCKET_NAME"`
	Region          string        `env:"BUCKET_REGION"`
	AccessKeyID     string        `env:"BUCKET_ACCESS_KEY_ID"`
	SecretAccessKey string        `env:"BUCKET_SECRET_ACCESS_KEY"`
	PresignTTL      time.Duration `env:"BUCKET_PRESIGN_TTL"`
}

// Enabled reports whether outputs should be uploaded instead of returned inline.
func (s StorageConfig) Enabled() bool {
	return s.EndpointURL != ""
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	QueueName string
	ResultTTL time.Duration
}

// WorkerConfig worker process configuration
type WorkerConfig struct {
	// ID names this worker's in-flight list in Redis; defaults to the hostname.
	ID string `env:"WORKER_ID"`
	// RefreshWorker asks the host to recycle the process after each job.
	RefreshWorker bool   `env:"REFRESH_WORKER"`
	LogLevel      string `env:"LOG_LEVEL"`
}

// Load loads configuration
func Load() *Config {
	cfg := &Config{
		Port: getEnvInt("PORT", 8080),
		Comfy: ComfyConfig{
			Host: getEnv("COMFY_HOST", "127.0.0.1:8188"),

			ProbeInterval:    getEnvMillis("COMFY_API_AVAILABLE_INTERVAL_MS", 50),
			ProbeMaxAttempts: getEnvInt("COMFY_API_AVAILABLE_MAX_RETRIES", 500),
			RequireBackend:   getEnvBool("COMFY_REQUIRE_BACKEND", false),

			PollInterval:    getEnvMillis("COMFY_POLLING_INTERVAL_MS", 250),
			PollMaxAttempts: getEnvInt("COMFY_POLLING_MAX_RETRIES", 500),

			OutputPath:     getEnv("COMFY_OUTPUT_PATH", "/comfyui/output"),
			RecentWindow:   time.Duration(getEnvInt("COMFY_OUTPUT_RECENT_SECONDS", 30)) * time.Second,
			RequestTimeout: time.Duration(getEnvInt("COMFY_REQUEST_TIMEOUT", 30)) * time.Second,
		},
		Workflows: WorkflowConfig{
			Dir: getEnv("WORKFLOW_DIR", "/runpod-volume/workflows"),
		},
		Storage: StorageConfig{
			EndpointURL:     getEnv("BUCKET_ENDPOINT_URL", ""),
			Bucket:          getEnv("BUCKET_NAME", ""),
			Region:          getEnv("BUCKET_REGION", "us-east-1"),
			AccessKeyID:     getEnv("BUCKET_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BUCKET_SECRET_ACCESS_KEY", ""),
			PresignTTL:      time.Duration(getEnvInt("BUCKET_PRESIGN_TTL", 7*24*3600)) * time.Second,
		},
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnvInt("REDIS_PORT", 6379),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			QueueName: getEnv("JOB_QUEUE_NAME", "comfy:jobs"),
			ResultTTL: time.Duration(getEnvInt("JOB_RESULT_TTL", 24*3600)) * time.Second,
		},
		Worker: WorkerConfig{
			ID:            getEnv("WORKER_ID", hostname()),
			RefreshWorker: getEnvBool("REFRESH_WORKER", false),
			LogLevel:      getEnv("LOG_LEVEL", "info"),
		},
	}

	return cfg
}

// Validate validates configuration
func (c *Config) Validate() error {
	if c.Comfy.Host == "" {
		return ErrComfyHostRequired
	}
	if c.Comfy.ProbeMaxAttempts <= 0 || c.Comfy.PollMaxAttempts <= 0 {
		return ErrAttemptsInvalid
	}
	if c.Comfy.ProbeInterval < 0 || c.Comfy.PollInterval < 0 {
		return ErrIntervalInvalid
	}
	if c.Comfy.OutputPath == "" {
		return ErrOutputPathRequired
	}
	if c.Storage.Enabled() && c.Storage.Bucket == "" {
		return ErrBucketRequired
	}
	return nil
}

// configuration validation errors
var (
	ErrComfyHostRequired  = fmt.Errorf("comfy host is required")
	ErrAttemptsInvalid    = fmt.Errorf("probe and polling attempts must be positive")
	ErrIntervalInvalid    = fmt.Errorf("probe and polling intervals must not be negative")
	ErrOutputPathRequired = fmt.Errorf("comfy output path is required")
	ErrBucketRequired     = fmt.Errorf("bucket name is required when a bucket endpoint is set")
)

// getEnv gets environment variable, returns default value if not exists
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets integer environment variable, returns default value if not exists
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool accepts the strconv.ParseBool spellings; anything else yields the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker"
}

func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}
