// Package api provides the HTTP server for FurnitureDate.
//
// It exposes JSON endpoints for the catalog, stateless questions, speech, visitor
// preferences and timed dating sessions, and wires the catalog, dialogue, speech and
// store modules together.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/FurnitureDate/internal/catalog"
	"github.com/BTreeMap/FurnitureDate/internal/dialogue"
	"github.com/BTreeMap/FurnitureDate/internal/genai"
	"github.com/BTreeMap/FurnitureDate/internal/scheduler"
	"github.com/BTreeMap/FurnitureDate/internal/session"
	"github.com/BTreeMap/FurnitureDate/internal/speech"
	"github.com/BTreeMap/FurnitureDate/internal/store"
)

// Default server settings
const (
	DefaultAddr             = ":8080"
	DefaultCatalogLocation  = "data/furniture_data.json"
	DefaultHousekeepingCron = "@every 1m"
	DefaultSessionIdle      = 30 * time.Minute
	DefaultShutdownTimeout  = 10 * time.Second
	// DefaultRequestTimeout bounds dialogue and speech calls made on behalf of a request.
	DefaultRequestTimeout = 60 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr             string
	CatalogLocation  string
	PromptFile       string
	SpeechProvider   string
	RoundSeconds     int
	BatchSize        int
	Rounds           int
	AutoAdvance      time.Duration
	SessionIdle      time.Duration
	HousekeepingCron string
	LogRetention     time.Duration

	speaker *speech.Speaker
	prompts session.PromptSource
	timer   session.Scheduler
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCatalogLocation sets the catalog file path or http(s) URL.
func WithCatalogLocation(location string) Option {
	return func(o *Opts) { o.CatalogLocation = location }
}

// WithPromptFile sets the JSON file holding the suggested questions.
func WithPromptFile(path string) Option {
	return func(o *Opts) { o.PromptFile = path }
}

// WithSpeechProvider selects the speech provider ("openai", "elevenlabs" or "none").
func WithSpeechProvider(provider string) Option {
	return func(o *Opts) { o.SpeechProvider = provider }
}

// WithRoundSeconds sets the countdown length of every round.
func WithRoundSeconds(seconds int) Option {
	return func(o *Opts) { o.RoundSeconds = seconds }
}

// WithBatchSize sets how many prompts are suggested at a time.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithRounds sets the default number of rounds per session.
func WithRounds(n int) Option {
	return func(o *Opts) { o.Rounds = n }
}

// WithAutoAdvance starts the next round this long after a round expires.
func WithAutoAdvance(d time.Duration) Option {
	return func(o *Opts) { o.AutoAdvance = d }
}

// WithSessionIdle sets how long an untouched session survives housekeeping.
func WithSessionIdle(d time.Duration) Option {
	return func(o *Opts) { o.SessionIdle = d }
}

// WithHousekeepingCron sets the cron expression of the housekeeping job.
func WithHousekeepingCron(expr string) Option {
	return func(o *Opts) { o.HousekeepingCron = expr }
}

// WithLogRetention deletes session logs older than d during housekeeping. Zero keeps them.
func WithLogRetention(d time.Duration) Option {
	return func(o *Opts) { o.LogRetention = d }
}

// WithSpeaker sets the speech front end.
func WithSpeaker(sp *speech.Speaker) Option {
	return func(o *Opts) { o.speaker = sp }
}

// WithPromptSource sets the suggested question source.
func WithPromptSource(p session.PromptSource) Option {
	return func(o *Opts) { o.prompts = p }
}

// WithTimer sets the scheduler that drives round countdowns.
func WithTimer(t session.Scheduler) Option {
	return func(o *Opts) { o.timer = t }
}

// catalogSource is a catalog that can also be refreshed by housekeeping.
type catalogSource interface {
	session.CatalogSource
	Refresh(ctx context.Context) error
}

// Server holds the API dependencies.
type Server struct {
	dialogue session.Dialogue
	catalog  catalogSource
	prompts  session.PromptSource
	speaker  *speech.Speaker
	st       store.Store
	timer    session.Scheduler
	sessions *session.Registry
	opts     Opts
}

// NewServer creates a server around its collaborators.
func NewServer(d session.Dialogue, cat catalogSource, st store.Store, opts ...Option) *Server {
	cfg := Opts{
		Addr:             DefaultAddr,
		HousekeepingCron: DefaultHousekeepingCron,
		SessionIdle:      DefaultSessionIdle,
		RoundSeconds:     session.DefaultRoundSeconds,
		BatchSize:        session.DefaultBatchSize,
		Rounds:           session.DefaultRounds,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.prompts == nil {
		cfg.prompts = catalog.NewPromptFile(cfg.PromptFile)
	}
	if cfg.speaker == nil {
		cfg.speaker = speech.NewSpeaker(nil)
	}
	if st == nil {
		st = store.NewInMemoryStore()
	}
	return &Server{
		dialogue: d,
		catalog:  cat,
		prompts:  cfg.prompts,
		speaker:  cfg.speaker,
		st:       st,
		timer:    cfg.timer,
		sessions: session.NewRegistry(),
		opts:     cfg,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog", s.catalogHandler)
	mux.HandleFunc("/questions", s.questionsHandler)
	mux.HandleFunc("/ask", s.askHandler)
	mux.HandleFunc("/speak", s.speakHandler)
	mux.HandleFunc("/preferences/{visitor}", s.preferencesHandler)
	mux.HandleFunc("/sessions", s.createSessionHandler)
	mux.HandleFunc("/sessions/{id}", s.sessionHandler)
	mux.HandleFunc("/sessions/{id}/prompts", s.submitPromptHandler)
	mux.HandleFunc("/sessions/{id}/advance", s.advanceHandler)
	mux.HandleFunc("/logs", s.logsHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	return mux
}

// Housekeep prunes finished or idle sessions, refreshes the catalog cache and applies
// the log retention policy.
func (s *Server) Housekeep(ctx context.Context) {
	pruned := s.sessions.Prune(ctx, time.Now(), s.opts.SessionIdle)
	if err := s.catalog.Refresh(ctx); err != nil {
		slog.Warn("Server.Housekeep: catalog refresh failed", "error", err)
	}
	var removed int64
	if s.opts.LogRetention > 0 {
		n, err := s.st.PruneLogs(time.Now().Add(-s.opts.LogRetention))
		if err != nil {
			slog.Warn("Server.Housekeep: log pruning failed", "error", err)
		}
		removed = n
	}
	slog.Debug("Server.Housekeep: done", "pruned_sessions", pruned, "pruned_logs", removed, "live_sessions", s.sessions.Len())
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down gracefully and
// ends every live session.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob("housekeeping", s.opts.HousekeepingCron, func() { s.Housekeep(ctx) }); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("FurnitureDate API running", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Serve: listener failed", "error", err)
			return err
		}
	case <-ctx.Done():
		slog.Info("Server.Serve: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Serve: graceful shutdown failed", "error", err)
		}
	}

	s.sessions.CloseAll(context.Background())
	return nil
}

// Run builds every module from options and serves until SIGINT or SIGTERM.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, dialogueOpts []dialogue.Option, speechOpts []speech.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	st, err := openStore(storeOpts)
	if err != nil {
		return err
	}
	defer st.Close()

	var client genai.ClientInterface
	if gc, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("GenAI client not configured, questions will fail", "error", err)
	} else {
		client = gc
	}
	dlg, err := dialogue.NewService(client, dialogueOpts...)
	if err != nil {
		return fmt.Errorf("failed to create dialogue service: %w", err)
	}

	var synth speech.Synthesizer
	if s, err := speech.New(cfg.SpeechProvider, speechOpts...); err != nil {
		slog.Warn("Speech synthesis disabled", "provider", cfg.SpeechProvider, "error", err)
	} else {
		synth = s
	}

	location := cfg.CatalogLocation
	if location == "" {
		location = DefaultCatalogLocation
	}
	cache := catalog.NewCache(catalog.NewSource(location))

	timer := session.NewSimpleTimer()
	defer timer.Stop()

	opts := append([]Option{WithSpeaker(speech.NewSpeaker(synth)), WithTimer(timer)}, apiOpts...)
	server := NewServer(dlg, cache, st, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cache.Refresh(ctx); err != nil {
		slog.Warn("Initial catalog load failed, sessions will fail until it recovers", "location", location, "error", err)
	}
	return server.Serve(ctx)
}

// openStore picks the backend from the configured DSN.
func openStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("No database DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		pg, err := store.NewPostgresStore(storeOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return pg, nil
	}
	lite, err := store.NewSQLiteStore(storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return lite, nil
}
