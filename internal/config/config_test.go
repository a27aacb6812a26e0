package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var requiredEnv = map[string]string{
	"SPEECH_KEY":        "speech-key",
	"SPEECH_REGION":     "westeurope",
	"LANGUAGE_KEY":      "lang-key",
	"LANGUAGE_ENDPOINT": "https://lang.cognitiveservices.azure.com",
}

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, requiredEnv)
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.SummaryPollInterval != 2*time.Second {
			t.Errorf("SummaryPollInterval = %v, want 2s", cfg.SummaryPollInterval)
		}
		if cfg.SummaryMaxAttempts != 60 {
			t.Errorf("SummaryMaxAttempts = %d, want 60", cfg.SummaryMaxAttempts)
		}
		if cfg.SummaryCacheTTL != 10*time.Minute {
			t.Errorf("SummaryCacheTTL = %v, want 10m", cfg.SummaryCacheTTL)
		}
		if cfg.SummaryLanguage != "es" {
			t.Errorf("SummaryLanguage = %q, want es", cfg.SummaryLanguage)
		}
		if cfg.MaxUploadBytes() != 200<<20 {
			t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes())
		}
		if cfg.S3.Enabled() {
			t.Error("S3 enabled without a bucket")
		}
		if cfg.S3.Region != "us-east-1" {
			t.Errorf("S3.Region = %q, want us-east-1", cfg.S3.Region)
		}
		if cfg.RunRetention != 30*24*time.Hour {
			t.Errorf("RunRetention = %v, want 720h", cfg.RunRetention)
		}
		if cfg.MQTTClientID != "transcriptor" {
			t.Errorf("MQTTClientID = %q, want transcriptor", cfg.MQTTClientID)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
			WatchDir:    "/tmp/inbox",
			ArchiveDir:  "/tmp/archive",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.WatchDir != "/tmp/inbox" {
			t.Errorf("WatchDir = %q, want /tmp/inbox", cfg.WatchDir)
		}
		if cfg.ArchiveDir != "/tmp/archive" {
			t.Errorf("ArchiveDir = %q, want /tmp/archive", cfg.ArchiveDir)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		restore := setEnvs(t, map[string]string{
			"S3_BUCKET":    "exports",
			"S3_ENDPOINT":  "http://minio:9000",
			"CORS_ORIGINS": "http://a.test,http://b.test",
		})
		defer restore()

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.SpeechRegion != "westeurope" {
			t.Errorf("SpeechRegion = %q, want westeurope", cfg.SpeechRegion)
		}
		if !cfg.S3.Enabled() || cfg.S3.Endpoint != "http://minio:9000" {
			t.Errorf("S3 = %+v", cfg.S3)
		}
		want := []string{"http://a.test", "http://b.test"}
		if !reflect.DeepEqual(cfg.CORSOrigins, want) {
			t.Errorf("CORSOrigins = %v, want %v", cfg.CORSOrigins, want)
		}
	})

	t.Run("dotenv_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.env")
		if err := os.WriteFile(path, []byte("SUMMARY_MAX_ATTEMPTS=5\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		restore := setEnvs(t, map[string]string{})
		defer func() {
			os.Unsetenv("SUMMARY_MAX_ATTEMPTS")
			restore()
		}()

		cfg, err := Load(Overrides{EnvFile: path})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.SummaryMaxAttempts != 5 {
			t.Errorf("SummaryMaxAttempts = %d, want 5 from .env", cfg.SummaryMaxAttempts)
		}
	})

	t.Run("translator_needs_region", func(t *testing.T) {
		restore := setEnvs(t, map[string]string{"TRANSLATOR_KEY": "tk"})
		defer restore()
		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected error for translator key without region")
		}
	})
}

func TestLoadMissingRequired(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"SPEECH_KEY":    "speech-key",
		"SPEECH_REGION": "",
	})
	defer cleanup()
	os.Unsetenv("LANGUAGE_KEY")
	os.Unsetenv("LANGUAGE_ENDPOINT")

	_, err := Load(Overrides{EnvFile: "nonexistent.env"})
	var mce *MissingConfigurationError
	if !errors.As(err, &mce) {
		t.Fatalf("err = %v, want *MissingConfigurationError", err)
	}
	want := []string{"SPEECH_REGION", "LANGUAGE_KEY", "LANGUAGE_ENDPOINT"}
	if !reflect.DeepEqual(mce.Vars, want) {
		t.Errorf("Vars = %v, want %v", mce.Vars, want)
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
