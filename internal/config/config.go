// Package config reads FurnitureDate settings from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
)

// DefaultDBFileName is the SQLite file created in the state directory when no
// DATABASE_URL is set.
const DefaultDBFileName = "furnituredate.db"

type Config struct {
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`
	StateDir string `env:"FURNITUREDATE_STATE_DIR" envDefault:"/var/lib/furnituredate"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"debug"`

	// Storage
	DatabaseURL  string        `env:"DATABASE_URL"`
	LogRetention time.Duration `env:"LOG_RETENTION"`

	// LLM settings
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	PersonaFile   string `env:"PERSONA_FILE"`

	// Content
	CatalogSource string `env:"CATALOG_SOURCE" envDefault:"data/furniture_data.json"`
	PromptsFile   string `env:"PROMPTS_FILE" envDefault:"data/questions.json"`

	// Speech
	SpeechProvider   string `env:"SPEECH_PROVIDER" envDefault:"none"`
	SpeechVoice      string `env:"SPEECH_VOICE"`
	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`

	// Sessions
	RoundSeconds     int           `env:"ROUND_SECONDS" envDefault:"90"`
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"3"`
	Rounds           int           `env:"ROUNDS" envDefault:"5"`
	AutoAdvance      time.Duration `env:"AUTO_ADVANCE"`
	SessionIdle      time.Duration `env:"SESSION_IDLE" envDefault:"30m"`
	HousekeepingCron string        `env:"HOUSEKEEPING_CRON" envDefault:"@every 1m"`

	// PublicURL is printed as a QR code for visitors' phones.
	PublicURL string `env:"PUBLIC_URL"`
}

// New parses the environment into a Config.
func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.RoundSeconds <= 0 {
		return nil, fmt.Errorf("ROUND_SECONDS must be positive, got %d", cfg.RoundSeconds)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	return cfg, nil
}

// DSN returns DATABASE_URL, or the SQLite file in the state directory.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// SpeechAPIKey returns the key for the configured speech provider.
func (c *Config) SpeechAPIKey() string {
	if c.SpeechProvider == "elevenlabs" {
		return c.ElevenLabsAPIKey
	}
	return c.OpenAIAPIKey
}
