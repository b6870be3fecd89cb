package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/FurnitureDate/internal/api"
	"github.com/BTreeMap/FurnitureDate/internal/config"
	"github.com/BTreeMap/FurnitureDate/internal/dialogue"
	"github.com/BTreeMap/FurnitureDate/internal/genai"
	"github.com/BTreeMap/FurnitureDate/internal/lockfile"
	"github.com/BTreeMap/FurnitureDate/internal/speech"
	"github.com/BTreeMap/FurnitureDate/internal/store"
	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg, err := config.New()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	initializeLogger(cfg.LogLevel)

	flags := parseCommandLineFlags(cfg)

	if *flags.qr {
		if err := printQRCode(os.Stdout, *flags.publicURL); err != nil {
			slog.Error("Failed to print QR code", "error", err)
			os.Exit(1)
		}
		return
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(cfg, flags)
	dialogueOpts := buildDialogueOptions(cfg)
	speechOpts := buildSpeechOptions(cfg, flags)
	apiOpts := buildAPIOptions(cfg, flags)

	slog.Info("Bootstrapping FurnitureDate with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr,
		"catalog", *flags.catalog, "speech", *flags.speechProvider)
	if err := api.Run(storeOpts, genaiOpts, dialogueOpts, speechOpts, apiOpts); err != nil {
		slog.Error("FurnitureDate failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("FurnitureDate exited successfully")
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	inMemory       *bool
	openaiKey      *string
	apiAddr        *string
	catalog        *string
	speechProvider *string
	publicURL      *string
	qr             *bool
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(cfg *config.Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], cfg)
}

func parseFlags(fs *flag.FlagSet, args []string, cfg *config.Config) Flags {
	flags := Flags{
		stateDir:       fs.String("state-dir", cfg.StateDir, "state directory for FurnitureDate data (overrides $FURNITUREDATE_STATE_DIR)"),
		dbDSN:          fs.String("db-dsn", "", "database DSN (overrides $DATABASE_URL, defaults to SQLite in the state directory)"),
		inMemory:       fs.Bool("in-memory", false, "keep session logs and preferences in memory only"),
		openaiKey:      fs.String("openai-api-key", cfg.OpenAIAPIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:        fs.String("api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)"),
		catalog:        fs.String("catalog", cfg.CatalogSource, "catalog file or http(s) URL (overrides $CATALOG_SOURCE)"),
		speechProvider: fs.String("speech", cfg.SpeechProvider, "speech provider: openai, elevenlabs or none (overrides $SPEECH_PROVIDER)"),
		publicURL:      fs.String("public-url", cfg.PublicURL, "visitor-facing URL (overrides $PUBLIC_URL)"),
		qr:             fs.Bool("qr", false, "print the public URL as a QR code and exit"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	// An explicit state dir moves the default SQLite file with it.
	if *flags.dbDSN == "" {
		c := *cfg
		c.StateDir = *flags.stateDir
		*flags.dbDSN = c.DSN()
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"inMemory", *flags.inMemory,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"catalog", *flags.catalog,
		"speech", *flags.speechProvider)
	return flags
}

// printQRCode renders url as a terminal QR code for visitors' phones.
func printQRCode(w io.Writer, url string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("no public URL configured, set $PUBLIC_URL or -public-url")
	}
	fmt.Fprintf(w, "Scan to start dating furniture: %s\n", url)
	qrterminal.GenerateHalfBlock(url, qrterminal.L, w)
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if *flags.inMemory || *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(cfg *config.Config, flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if cfg.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAIModel))
	}
	return genaiOpts
}

// buildDialogueOptions constructs dialogue configuration options
func buildDialogueOptions(cfg *config.Config) []dialogue.Option {
	var opts []dialogue.Option
	if cfg.PersonaFile != "" {
		opts = append(opts, dialogue.WithPersonaFile(cfg.PersonaFile))
	}
	return opts
}

// buildSpeechOptions constructs speech configuration options
func buildSpeechOptions(cfg *config.Config, flags Flags) []speech.Option {
	var opts []speech.Option
	c := *cfg
	c.SpeechProvider = *flags.speechProvider
	if c.SpeechProvider == speech.ProviderOpenAI && *flags.openaiKey != "" {
		c.OpenAIAPIKey = *flags.openaiKey
	}
	if key := c.SpeechAPIKey(); key != "" {
		opts = append(opts, speech.WithAPIKey(key))
	}
	if c.SpeechProvider == speech.ProviderOpenAI && c.OpenAIBaseURL != "" {
		opts = append(opts, speech.WithBaseURL(c.OpenAIBaseURL))
	}
	if c.SpeechVoice != "" {
		opts = append(opts, speech.WithVoice(c.SpeechVoice))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg *config.Config, flags Flags) []api.Option {
	return []api.Option{
		api.WithAddr(*flags.apiAddr),
		api.WithCatalogLocation(*flags.catalog),
		api.WithPromptFile(cfg.PromptsFile),
		api.WithSpeechProvider(*flags.speechProvider),
		api.WithRoundSeconds(cfg.RoundSeconds),
		api.WithBatchSize(cfg.BatchSize),
		api.WithRounds(cfg.Rounds),
		api.WithAutoAdvance(cfg.AutoAdvance),
		api.WithSessionIdle(cfg.SessionIdle),
		api.WithHousekeepingCron(cfg.HousekeepingCron),
		api.WithLogRetention(cfg.LogRetention),
	}
}
