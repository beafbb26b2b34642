package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location inside the container.
const ConfigPath = "configs/api.yaml"

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

type OpenAIConfig struct {
	APIKey   string `yaml:"apiKey"`
	BaseURL  string `yaml:"baseURL"`
	Model    string `yaml:"model"`
	TTSModel string `yaml:"ttsModel"`
	TTSVoice string `yaml:"ttsVoice"`
}

type RateLimitConfig struct {
	AuthPerMinute   int `yaml:"authPerMinute"`
	UploadPerMinute int `yaml:"uploadPerMinute"`
	ChatPerMinute   int `yaml:"chatPerMinute"`
}

type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	JWTSecret      string        `yaml:"jwtSecret"`
	SessionBackend string        `yaml:"sessionBackend"`
	SessionTTL     time.Duration `yaml:"sessionTTL"`

	Minio  MinioConfig  `yaml:"minio"`
	OpenAI OpenAIConfig `yaml:"openai"`

	// AMQPURL is optional; without it training events are dropped.
	AMQPURL string `yaml:"amqpURL"`

	// StorageDir switches the object store to local disk when Minio
	// endpoint is unset. Meant for development.
	StorageDir string `yaml:"storageDir"`

	MaxUploadBytes   int64    `yaml:"maxUploadBytes"`
	AllowedMimeTypes []string `yaml:"allowedMimeTypes"`

	ReadinessThreshold int `yaml:"readinessThreshold"`
	ProgressStep       int `yaml:"progressStep"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

func defaults() Config {
	return Config{
		Port:           8080,
		LogLevel:       "info",
		SessionBackend: "redis",
		SessionTTL:     24 * time.Hour,
		MaxUploadBytes: 50 << 20,
		AllowedMimeTypes: []string{
			"audio/mpeg", "audio/mp4", "audio/x-m4a", "audio/wav",
		},
		ReadinessThreshold: 5,
		ProgressStep:       10,
		RateLimit: RateLimitConfig{
			AuthPerMinute:   10,
			UploadPerMinute: 30,
			ChatPerMinute:   60,
		},
	}
}

// Load reads the yaml config file, then applies environment overrides.
// A missing file is fine, env alone can configure the service.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setInt(&cfg.Port, "PORT")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.SessionBackend, "SESSION_BACKEND")
	setDuration(&cfg.SessionTTL, "SESSION_TTL")
	setString(&cfg.Minio.Endpoint, "MINIO_ENDPOINT")
	setString(&cfg.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.Minio.SecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.Minio.Bucket, "MINIO_BUCKET")
	setBool(&cfg.Minio.UseSSL, "MINIO_USE_SSL")
	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.OpenAI.Model, "OPENAI_MODEL")
	setString(&cfg.OpenAI.TTSModel, "OPENAI_TTS_MODEL")
	setString(&cfg.OpenAI.TTSVoice, "OPENAI_TTS_VOICE")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.StorageDir, "STORAGE_DIR")
	setInt64(&cfg.MaxUploadBytes, "MAX_UPLOAD_BYTES")
	setInt(&cfg.ReadinessThreshold, "READINESS_THRESHOLD")
	setInt(&cfg.ProgressStep, "PROGRESS_STEP")
	if v := strings.TrimSpace(os.Getenv("ALLOWED_MIME_TYPES")); v != "" {
		parts := strings.Split(v, ",")
		types := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				types = append(types, part)
			}
		}
		if len(types) > 0 {
			cfg.AllowedMimeTypes = types
		}
	}
}

func validate(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	switch cfg.SessionBackend {
	case "redis", "jwt":
	default:
		return fmt.Errorf("invalid session backend %q", cfg.SessionBackend)
	}
	if cfg.SessionBackend == "jwt" && len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return errors.New("jwtSecret must be at least 32 bytes for jwt sessions")
	}
	if cfg.SessionBackend == "redis" && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("redisAddr is required for redis sessions")
	}
	if cfg.MaxUploadBytes <= 0 {
		return errors.New("maxUploadBytes must be positive")
	}
	if cfg.ReadinessThreshold <= 0 {
		return errors.New("readinessThreshold must be positive")
	}
	if cfg.ProgressStep <= 0 || cfg.ProgressStep > 100 {
		return errors.New("progressStep must be in 1..100")
	}
	if len(cfg.AllowedMimeTypes) == 0 {
		return errors.New("allowedMimeTypes must not be empty")
	}
	return nil
}

func setString(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

func setInt64(target *int64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func setBool(target *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

func setDuration(target *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*target = parsed
		}
	}
}
