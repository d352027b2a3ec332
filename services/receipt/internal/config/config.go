package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string `yaml:"port"`
	LogLevel                 string `yaml:"logLevel"`
	DatabaseURL              string `yaml:"databaseURL"`
	RedisAddr                string `yaml:"redisAddr"`
	RedisPassword            string `yaml:"redisPassword"`
	MinioEndpoint            string `yaml:"minioEndpoint"`
	MinioAccessKey           string `yaml:"minioAccessKey"`
	MinioSecretKey           string `yaml:"minioSecretKey"`
	MinioBucket              string `yaml:"minioBucket"`
	MinioUseSSL              bool   `yaml:"minioUseSSL"`
	ExtractionBaseURL        string `yaml:"extractionBaseURL"`
	ExtractionAPIKey         string `yaml:"extractionApiKey"`
	ExtractionTimeoutSeconds int    `yaml:"extractionTimeoutSeconds"`
	QueueName                string `yaml:"queueName"`
	QueueGroup               string `yaml:"queueGroup"`
	QueueConcurrency         int    `yaml:"queueConcurrency"`
	QueueMaxRetries          int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds   int    `yaml:"queueRetryDelaySeconds"`
	RateLimitJobs            int    `yaml:"rateLimitJobs"`
	RateLimitWindowSeconds   int    `yaml:"rateLimitWindowSeconds"`
	MaxUploadBytes           int64  `yaml:"maxUploadBytes"`
	PresignTTLSeconds        int    `yaml:"presignTtlSeconds"`
	DefaultCurrency          string `yaml:"defaultCurrency"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("EXTRACTION_BASE_URL"); v != "" {
		cfg.ExtractionBaseURL = v
	}
	if v := os.Getenv("EXTRACTION_API_KEY"); v != "" {
		cfg.ExtractionAPIKey = v
	}
	if v := os.Getenv("EXTRACTION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExtractionTimeoutSeconds = n
		}
	}
	if v := os.Getenv("RECEIPT_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("RECEIPT_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("RECEIPT_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("RECEIPT_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxRetries = n
		}
	}
	if v := os.Getenv("RECEIPT_QUEUE_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueRetryDelaySeconds = n
		}
	}
	if v := os.Getenv("RECEIPT_RATE_LIMIT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitJobs = n
		}
	}
	if v := os.Getenv("RECEIPT_RATE_LIMIT_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitWindowSeconds = n
		}
	}
	if v := os.Getenv("RECEIPT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("RECEIPT_PRESIGN_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PresignTTLSeconds = n
		}
	}
	if v := os.Getenv("RECEIPT_DEFAULT_CURRENCY"); v != "" {
		cfg.DefaultCurrency = v
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.ExtractionTimeoutSeconds <= 0 {
		cfg.ExtractionTimeoutSeconds = 30
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "receipts:extract"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 3
	}
	if cfg.QueueMaxRetries <= 0 {
		cfg.QueueMaxRetries = 3
	}
	if cfg.QueueRetryDelaySeconds <= 0 {
		cfg.QueueRetryDelaySeconds = 5
	}
	if cfg.RateLimitJobs <= 0 {
		cfg.RateLimitJobs = 10
	}
	if cfg.RateLimitWindowSeconds <= 0 {
		cfg.RateLimitWindowSeconds = 1
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.PresignTTLSeconds <= 0 {
		// Presigned URLs must outlive slow, retried extraction calls.
		cfg.PresignTTLSeconds = cfg.ExtractionTimeoutSeconds * 10
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
		return errors.New("config: minio endpoint, access key, secret key and bucket are required")
	}
	if cfg.ExtractionBaseURL == "" {
		return errors.New("config: extractionBaseURL is required (set in config.yaml or EXTRACTION_BASE_URL)")
	}
	if cfg.ExtractionAPIKey == "" {
		return errors.New("config: extractionApiKey is required (set in config.yaml or EXTRACTION_API_KEY)")
	}
	if cfg.PresignTTLSeconds < 5*cfg.ExtractionTimeoutSeconds {
		return fmt.Errorf("config: presignTtlSeconds (%d) must be at least 5x extractionTimeoutSeconds (%d) so retried extractions keep access to the image", cfg.PresignTTLSeconds, cfg.ExtractionTimeoutSeconds)
	}
	return nil
}
