package main

import (
	"bytes"
	"flag"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/FurnitureDate/internal/api"
	"github.com/BTreeMap/FurnitureDate/internal/config"
	"github.com/BTreeMap/FurnitureDate/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		APIAddr:          ":8080",
		StateDir:         "/var/lib/furnituredate",
		CatalogSource:    "data/furniture_data.json",
		SpeechProvider:   "none",
		OpenAIModel:      "gpt-4o-mini",
		RoundSeconds:     90,
		BatchSize:        3,
		Rounds:           5,
		HousekeepingCron: "@every 1m",
	}
}

func parse(t *testing.T, cfg *config.Config, args ...string) Flags {
	t.Helper()
	return parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), args, cfg)
}

func TestParseFlags_StateDirMovesDefaultDSN(t *testing.T) {
	dir := t.TempDir()
	flags := parse(t, testConfig(), "-state-dir", dir)
	if want := filepath.Join(dir, config.DefaultDBFileName); *flags.dbDSN != want {
		t.Errorf("expected DSN %q, got %q", want, *flags.dbDSN)
	}

	cfg := testConfig()
	cfg.DatabaseURL = "postgres://localhost/furniture"
	flags = parse(t, cfg, "-state-dir", dir)
	if *flags.dbDSN != cfg.DatabaseURL {
		t.Errorf("DATABASE_URL should not follow the state dir, got %q", *flags.dbDSN)
	}

	flags = parse(t, cfg, "-db-dsn", "custom.db")
	if *flags.dbDSN != "custom.db" {
		t.Errorf("explicit -db-dsn should win, got %q", *flags.dbDSN)
	}
}

func TestBuildStoreOptions(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"sqlite", []string{"-db-dsn", "/tmp/furniture.db"}, "/tmp/furniture.db"},
		{"postgres", []string{"-db-dsn", "postgres://user@localhost/db"}, "postgres://user@localhost/db"},
		{"memory", []string{"-in-memory"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := buildStoreOptions(parse(t, testConfig(), tt.args...))
			var got store.Opts
			for _, opt := range opts {
				opt(&got)
			}
			if got.DSN != tt.want {
				t.Errorf("expected DSN %q, got %q", tt.want, got.DSN)
			}
			if tt.want == "" && len(opts) != 0 {
				t.Errorf("in-memory mode should produce no store options, got %d", len(opts))
			}
		})
	}
}

func TestBuildSpeechOptions(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAIAPIKey = "sk-env"
	cfg.ElevenLabsAPIKey = "xi-env"
	cfg.OpenAIBaseURL = "http://localhost:9999/v1"

	if opts := buildSpeechOptions(cfg, parse(t, cfg, "-speech", "elevenlabs")); len(opts) != 1 {
		t.Errorf("elevenlabs should only receive its API key, got %d options", len(opts))
	}
	if opts := buildSpeechOptions(cfg, parse(t, cfg, "-speech", "openai")); len(opts) != 2 {
		t.Errorf("openai should receive key and base URL, got %d options", len(opts))
	}
}

func TestBuildAPIOptions(t *testing.T) {
	cfg := testConfig()
	opts := buildAPIOptions(cfg, parse(t, cfg, "-api-addr", ":9090", "-catalog", "https://example.org/catalog.json"))
	var got api.Opts
	for _, opt := range opts {
		opt(&got)
	}
	if got.Addr != ":9090" || got.CatalogLocation != "https://example.org/catalog.json" || got.RoundSeconds != 90 || got.HousekeepingCron != "@every 1m" {
		t.Errorf("unexpected API options %+v", got)
	}
}

func TestPrintQRCode(t *testing.T) {
	var buf bytes.Buffer
	if err := printQRCode(&buf, "https://museum.example.org/date"); err != nil {
		t.Fatalf("printQRCode: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "https://museum.example.org/date") || len(strings.Split(out, "\n")) < 5 {
		t.Errorf("expected URL and QR block, got %q", out)
	}
	if err := printQRCode(&buf, " "); err == nil {
		t.Error("expected error without a public URL")
	}
}
