package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Azure Speech: diarized transcription, short STT, TTS.
	SpeechKey    string `env:"SPEECH_KEY"`
	SpeechRegion string `env:"SPEECH_REGION"`
	// Optional override of https://{region}.api.cognitive.microsoft.com
	SpeechEndpoint string `env:"SPEECH_ENDPOINT"`

	// Azure Language: summarization jobs.
	LanguageKey      string `env:"LANGUAGE_KEY"`
	LanguageEndpoint string `env:"LANGUAGE_ENDPOINT"`
	SummaryLanguage  string `env:"SUMMARY_LANGUAGE" envDefault:"es"`

	// Azure Translator: optional, enables translate-then-speak.
	TranslatorKey    string `env:"TRANSLATOR_KEY"`
	TranslatorRegion string `env:"TRANSLATOR_REGION"`

	SummaryPollInterval time.Duration `env:"SUMMARY_POLL_INTERVAL" envDefault:"2s"`
	SummaryMaxAttempts  int           `env:"SUMMARY_MAX_ATTEMPTS" envDefault:"60"`
	SummaryCacheTTL     time.Duration `env:"SUMMARY_CACHE_TTL" envDefault:"10m"`
	AzureTimeout        time.Duration `env:"AZURE_TIMEOUT" envDefault:"10m"`

	TempDir       string        `env:"TEMP_DIR"`
	TrustWAV      bool          `env:"TRUST_WAV" envDefault:"false"`
	MaxUploadMB   int64         `env:"MAX_UPLOAD_MB" envDefault:"200"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"2h"`
	DefaultLocale string        `env:"DEFAULT_LOCALE" envDefault:"es-ES"`

	// Optional run history. Runs older than RunRetention are purged daily;
	// 0 keeps everything.
	DatabaseURL  string        `env:"DATABASE_URL"`
	RunRetention time.Duration `env:"RUN_RETENTION" envDefault:"720h"`

	// Optional run notifications.
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"transcriptor"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"transcriptor"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	// Export archive. Local directory unless S3 is configured.
	ArchiveDir string   `env:"ARCHIVE_DIR" envDefault:"./archive"`
	S3         S3Config `envPrefix:"S3_"`

	// Inbox: audio dropped here is transcribed and archived.
	WatchDir     string        `env:"WATCH_DIR"`
	WatchWorkers int           `env:"WATCH_WORKERS" envDefault:"1"`
	WatchQueue   int           `env:"WATCH_QUEUE" envDefault:"32"`
	WatchTimeout time.Duration `env:"WATCH_TIMEOUT" envDefault:"30m"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15m"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	CORSOrigins  []string      `env:"CORS_ORIGINS" envSeparator:","`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// S3Config configures the S3-compatible export archive.
type S3Config struct {
	Bucket    string `env:"BUCKET"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Prefix    string `env:"PREFIX"`

	PresignExpiry time.Duration `env:"PRESIGN_EXPIRY" envDefault:"1h"`
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// MissingConfigurationError lists required settings that are absent. The
// service cannot start without them.
type MissingConfigurationError struct {
	Vars []string
}

func (e *MissingConfigurationError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Vars, ", "))
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	WatchDir    string
	ArchiveDir  string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}
	if overrides.ArchiveDir != "" {
		cfg.ArchiveDir = overrides.ArchiveDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the Azure credentials are present.
func (c *Config) Validate() error {
	var missing []string
	for _, v := range []struct{ name, value string }{
		{"SPEECH_KEY", c.SpeechKey},
		{"SPEECH_REGION", c.SpeechRegion},
		{"LANGUAGE_KEY", c.LanguageKey},
		{"LANGUAGE_ENDPOINT", c.LanguageEndpoint},
	} {
		if strings.TrimSpace(v.value) == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return &MissingConfigurationError{Vars: missing}
	}
	if c.TranslatorKey != "" && c.TranslatorRegion == "" {
		return errors.New("TRANSLATOR_REGION is required when TRANSLATOR_KEY is set")
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 { return c.MaxUploadMB << 20 }
