// Package session sequences a visitor through timed speed-dating rounds.
//
// A Controller owns the round counter, the item bound to the current round, the
// countdown, the prompts already shown and the round's conversation. It is driven by
// HTTP handlers and timer callbacks running on different goroutines, so every state
// change happens under one mutex; the dialogue request itself runs unlocked so the
// countdown keeps ticking while an answer is pending.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FurnitureDate/internal/dialogue"
	"github.com/BTreeMap/FurnitureDate/internal/models"
)

// Default session settings
const (
	DefaultRoundSeconds = 90
	DefaultBatchSize    = 3
	DefaultRounds       = 5
	TickInterval        = time.Second
)

// ConnectionFailureMessage is shown in place of an answer when the dialogue backend is unreachable.
const ConnectionFailureMessage = "Sorry, I lost my train of thought. Could you ask me again?"

var (
	ErrEmptyCatalog        = errors.New("catalog is empty")
	ErrNotInitialized      = errors.New("session not initialized")
	ErrAlreadyInitialized  = errors.New("session already initialized")
	ErrSessionComplete     = errors.New("session complete")
	ErrSessionFailed       = errors.New("session failed")
	ErrRoundInProgress     = errors.New("round already in progress")
	ErrRoundNotActive      = errors.New("no active round")
	ErrRoundExpired        = errors.New("round time is up")
	ErrEmptyPrompt         = errors.New("prompt is empty")
	ErrRequestInFlight     = errors.New("a question is already waiting for an answer")
	ErrStaleResponse       = errors.New("answer arrived after the round ended")
	ErrDialogueUnavailable = errors.New("dialogue service unavailable")
)

// State is the controller's position in the session lifecycle.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateRoundActive     State = "round_active"
	StateRoundExpired    State = "round_expired"
	StateSessionComplete State = "session_complete"
	StateFailed          State = "failed"
)

// Dialogue answers a question in character.
type Dialogue interface {
	Ask(ctx context.Context, req dialogue.Request) (string, error)
}

// LogSink receives the conversation of each finished round.
type LogSink interface {
	AppendLog(entry models.SessionLog) error
}

// CatalogSource supplies the items a session can pick from.
type CatalogSource interface {
	FetchItems(ctx context.Context) ([]models.CatalogItem, error)
}

// PromptSource supplies the suggested question pool.
type PromptSource interface {
	FetchPrompts(ctx context.Context) []string
}

// Round is a snapshot of the controller for callers and the API.
type Round struct {
	SessionID        string              `json:"session_id"`
	State            State               `json:"state"`
	Index            int                 `json:"round"`
	Total            int                 `json:"total_rounds"`
	Item             *models.CatalogItem `json:"item,omitempty"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	Prompts          []string            `json:"prompts,omitempty"`
	Turns            []models.Turn       `json:"turns,omitempty"`
	Pending          bool                `json:"pending"`
	Failure          string              `json:"failure,omitempty"`
}

// Exchange is the outcome of one submitted prompt.
type Exchange struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer,omitempty"`
	Error    string   `json:"error,omitempty"`
	Prompts  []string `json:"prompts"`
}

// Opts holds configuration options for a Controller.
type Opts struct {
	ID           string
	RoundSeconds int
	BatchSize    int
	Rounds       int
	AutoAdvance  time.Duration
	Scheduler    Scheduler
	Sink         LogSink
	Rand         *rand.Rand
	Now          func() time.Time
	OnExpired    func(Round)
}

// Option defines a configuration option for a Controller.
type Option func(*Opts)

// WithID sets the session id. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(o *Opts) { o.ID = id }
}

// WithRoundSeconds sets the countdown length of every round.
func WithRoundSeconds(seconds int) Option {
	return func(o *Opts) { o.RoundSeconds = seconds }
}

// WithBatchSize sets how many prompts are suggested at a time.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithRounds sets the default number of rounds when preferences leave it open.
func WithRounds(n int) Option {
	return func(o *Opts) { o.Rounds = n }
}

// WithAutoAdvance moves to the next round this long after a round expires.
// Zero leaves the decision to the caller.
func WithAutoAdvance(d time.Duration) Option {
	return func(o *Opts) { o.AutoAdvance = d }
}

// WithScheduler drives the countdown from real timers. Without one, callers tick manually.
func WithScheduler(s Scheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// WithLogSink sets the collaborator that receives finished rounds.
func WithLogSink(sink LogSink) Option {
	return func(o *Opts) { o.Sink = sink }
}

// WithRand injects the random source used for shuffles.
func WithRand(r *rand.Rand) Option {
	return func(o *Opts) { o.Rand = r }
}

// WithClock overrides time.Now for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithExpiryHook is called once, outside the lock, when a round runs out of time.
func WithExpiryHook(fn func(Round)) Option {
	return func(o *Opts) { o.OnExpired = fn }
}

// Controller is the session state machine.
type Controller struct {
	mu sync.Mutex

	id           string
	dialogue     Dialogue
	sink         LogSink
	scheduler    Scheduler
	rng          *rand.Rand
	now          func() time.Time
	onExpired    func(Round)
	roundSeconds int
	batchSize    int
	rounds       int
	autoAdvance  time.Duration

	state       State
	initialized bool
	failure     error
	selected    []models.CatalogItem
	next        int
	roundIndex  int
	current     *models.CatalogItem
	remaining   int
	pool        []string
	used        map[string]struct{}
	prompts     []string
	turns       []models.Turn
	inFlight    bool
	token       uint64
	tickID      string
	advanceID   string
	lastActive  time.Time

	flushes sync.WaitGroup
}

// New creates a controller in the Uninitialized state.
func New(d Dialogue, opts ...Option) *Controller {
	cfg := Opts{
		RoundSeconds: DefaultRoundSeconds,
		BatchSize:    DefaultBatchSize,
		Rounds:       DefaultRounds,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RoundSeconds <= 0 {
		cfg.RoundSeconds = DefaultRoundSeconds
	}

	slog.Debug("session.New: creating controller", "id", cfg.ID, "roundSeconds", cfg.RoundSeconds, "batchSize", cfg.BatchSize, "rounds", cfg.Rounds, "timed", cfg.Scheduler != nil)
	return &Controller{
		id:           cfg.ID,
		dialogue:     d,
		sink:         cfg.Sink,
		scheduler:    cfg.Scheduler,
		rng:          cfg.Rand,
		now:          cfg.Now,
		onExpired:    cfg.OnExpired,
		roundSeconds: cfg.RoundSeconds,
		batchSize:    cfg.BatchSize,
		rounds:       cfg.Rounds,
		autoAdvance:  cfg.AutoAdvance,
		state:        StateUninitialized,
		used:         make(map[string]struct{}),
		lastActive:   cfg.Now(),
	}
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// InitializeFrom fetches the catalog and prompt pool, then initializes. A catalog
// failure is fatal: the controller moves to StateFailed and is never retried.
func (c *Controller) InitializeFrom(ctx context.Context, catalog CatalogSource, prompts PromptSource, prefs models.Preferences) error {
	items, err := catalog.FetchItems(ctx)
	if err != nil {
		c.fail(err)
		return err
	}
	var pool []string
	if prompts != nil {
		pool = prompts.FetchPrompts(ctx)
	}
	return c.Initialize(items, pool, prefs)
}

// Initialize selects the session's items and loads the prompt pool.
func (c *Controller) Initialize(items []models.CatalogItem, prompts []string, prefs models.Preferences) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized || c.state != StateUninitialized {
		return ErrAlreadyInitialized
	}
	selected, err := SelectItems(c.rng, items, prefs, c.rounds)
	if err != nil {
		c.failLocked(err)
		return err
	}
	c.selected = selected
	c.pool = NormalizePool(prompts)
	c.initialized = true
	c.lastActive = c.now()
	slog.Info("Controller.Initialize: session initialized", "id", c.id, "items", len(selected), "prompts", len(c.pool))
	return nil
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(err)
}

func (c *Controller) failLocked(err error) {
	c.cancelEventsLocked()
	c.state = StateFailed
	c.failure = err
	c.token++
	slog.Error("Controller: session failed", "id", c.id, "error", err)
}

// StartRound binds the next selected item and resets the round bookkeeping.
func (c *Controller) StartRound() (Round, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRoundActive, StateRoundExpired:
		return c.snapshotLocked(), ErrRoundInProgress
	}
	if err := c.startRoundLocked(); err != nil {
		return c.snapshotLocked(), err
	}
	return c.snapshotLocked(), nil
}

func (c *Controller) startRoundLocked() error {
	switch c.state {
	case StateSessionComplete:
		return ErrSessionComplete
	case StateFailed:
		return ErrSessionFailed
	}
	if !c.initialized {
		return ErrNotInitialized
	}
	if c.next >= len(c.selected) {
		c.completeLocked()
		return ErrSessionComplete
	}

	c.cancelEventsLocked()
	item := c.selected[c.next]
	c.next++
	c.roundIndex++
	c.current = &item
	c.remaining = c.roundSeconds
	c.used = make(map[string]struct{})
	c.turns = nil
	c.inFlight = false
	c.token++
	c.state = StateRoundActive
	c.lastActive = c.now()
	c.prompts = c.nextBatchLocked()

	if c.scheduler != nil {
		token := c.token
		id, err := c.scheduler.ScheduleEvery(TickInterval, func() { c.tickFor(token) })
		if err != nil {
			slog.Error("Controller.startRound: failed to schedule countdown", "error", err, "id", c.id)
		}
		c.tickID = id
	}

	slog.Info("Controller.startRound: round started", "id", c.id, "round", c.roundIndex, "of", len(c.selected), "item", item.Title)
	return nil
}

// nextBatchLocked picks a prompt batch and records it as shown.
func (c *Controller) nextBatchLocked() []string {
	batch := SelectPrompts(c.rng, c.pool, c.used, c.batchSize)
	for _, p := range batch {
		c.used[p] = struct{}{}
	}
	return batch
}

// Tick decrements the countdown by one second. It returns true on the single tick
// that expires the round.
func (c *Controller) Tick() bool {
	c.mu.Lock()
	return c.tickLocked()
}

func (c *Controller) tickFor(token uint64) {
	c.mu.Lock()
	if token != c.token {
		c.mu.Unlock()
		return
	}
	c.tickLocked()
}

// tickLocked must be entered with the lock held; it releases it.
func (c *Controller) tickLocked() bool {
	if c.state != StateRoundActive {
		c.mu.Unlock()
		return false
	}
	c.remaining--
	if c.remaining >= 0 {
		c.mu.Unlock()
		return false
	}

	c.remaining = -1
	c.state = StateRoundExpired
	c.cancelTickLocked()
	if c.scheduler != nil && c.autoAdvance > 0 {
		token := c.token
		id, err := c.scheduler.ScheduleAfter(c.autoAdvance, func() { c.autoAdvanceFor(token) })
		if err != nil {
			slog.Error("Controller.tick: failed to schedule auto-advance", "error", err, "id", c.id)
		}
		c.advanceID = id
	}
	snap := c.snapshotLocked()
	hook := c.onExpired
	c.mu.Unlock()

	slog.Info("Controller.tick: round expired", "id", c.id, "round", snap.Index)
	if hook != nil {
		hook(snap)
	}
	return true
}

// autoAdvanceFor checks the token and advances under one lock so a manual advance
// racing the callback cannot move the session twice.
func (c *Controller) autoAdvanceFor(token uint64) {
	c.mu.Lock()
	if token != c.token || c.state != StateRoundExpired {
		c.mu.Unlock()
		return
	}
	c.advanceID = ""
	if _, err := c.advanceLocked(); err != nil {
		slog.Warn("Controller.autoAdvance: advance failed", "error", err, "id", c.id)
	}
}

// SubmitPrompt asks the current item a question.
//
// Empty text and submissions outside an active round are rejected without recording
// anything. A transport failure removes the pending user turn and returns
// ErrDialogueUnavailable; a refusal keeps the turn and carries the message in Exchange.Error.
func (c *Controller) SubmitPrompt(ctx context.Context, text string) (Exchange, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if text == "" {
		c.mu.Unlock()
		slog.Debug("Controller.SubmitPrompt: ignoring empty prompt", "id", c.id)
		return Exchange{}, ErrEmptyPrompt
	}
	switch c.state {
	case StateRoundActive:
	case StateRoundExpired:
		c.mu.Unlock()
		return Exchange{}, ErrRoundExpired
	case StateSessionComplete:
		c.mu.Unlock()
		return Exchange{}, ErrSessionComplete
	default:
		c.mu.Unlock()
		return Exchange{}, ErrRoundNotActive
	}
	if len(text) > models.MaxPromptLength {
		c.mu.Unlock()
		return Exchange{}, models.ErrPromptTooLong
	}
	if c.inFlight {
		c.mu.Unlock()
		slog.Warn("Controller.SubmitPrompt: request already in flight", "id", c.id)
		return Exchange{}, ErrRequestInFlight
	}

	c.inFlight = true
	token := c.token
	item := *c.current
	history := append([]models.Turn(nil), c.turns...)
	pendingAt := len(c.turns)
	c.turns = append(c.turns, models.Turn{Speaker: models.SpeakerUser, Text: text, Time: c.now()})
	c.used[text] = struct{}{}
	c.lastActive = c.now()
	c.mu.Unlock()

	answer, err := c.dialogue.Ask(ctx, dialogue.Request{
		ItemID:   item.ID(),
		Question: text,
		Context:  item.Context(),
		History:  history,
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if token != c.token {
		slog.Info("Controller.SubmitPrompt: discarding answer for a finished round", "id", c.id, "item", item.Title)
		return Exchange{Question: text}, ErrStaleResponse
	}
	c.inFlight = false

	if err != nil {
		var refusal *dialogue.RefusalError
		if errors.As(err, &refusal) {
			c.prompts = c.nextBatchLocked()
			slog.Info("Controller.SubmitPrompt: dialogue refused", "id", c.id, "item", item.Title, "message", refusal.Message)
			return Exchange{Question: text, Error: refusal.Message, Prompts: c.prompts}, nil
		}
		c.turns = c.turns[:pendingAt]
		slog.Warn("Controller.SubmitPrompt: dialogue failed, rolled back user turn", "error", err, "id", c.id, "item", item.Title)
		return Exchange{Question: text, Error: ConnectionFailureMessage, Prompts: c.prompts}, fmt.Errorf("%w: %v", ErrDialogueUnavailable, err)
	}

	c.turns = append(c.turns, models.Turn{Speaker: models.SpeakerSubject, Text: answer, Time: c.now()})
	c.prompts = c.nextBatchLocked()
	slog.Debug("Controller.SubmitPrompt: exchange recorded", "id", c.id, "round", c.roundIndex, "turns", len(c.turns))
	return Exchange{Question: text, Answer: answer, Prompts: c.prompts}, nil
}

// AdvanceOrEnd finishes the current round and starts the next one, or completes the
// session when no items remain. Calling it after completion is a no-op.
func (c *Controller) AdvanceOrEnd(ctx context.Context) (Round, error) {
	c.mu.Lock()
	return c.advanceLocked()
}

// advanceLocked must be entered with the lock held; it releases it before the final flush.
func (c *Controller) advanceLocked() (Round, error) {
	switch c.state {
	case StateSessionComplete:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	case StateFailed:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrSessionFailed
	}
	if !c.initialized {
		c.mu.Unlock()
		return Round{State: StateUninitialized, SessionID: c.id}, ErrNotInitialized
	}

	entry, hasEntry := c.finishRoundLocked()
	if c.next < len(c.selected) {
		if hasEntry {
			c.flushAsync(entry)
		}
		err := c.startRoundLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, err
	}

	c.completeLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if hasEntry {
		c.flush(entry)
	}
	return snap, nil
}

// End completes the session immediately, flushing the current round.
func (c *Controller) End(ctx context.Context) Round {
	c.mu.Lock()
	if c.state == StateSessionComplete || c.state == StateFailed {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	entry, hasEntry := c.finishRoundLocked()
	c.completeLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if hasEntry {
		c.flush(entry)
	}
	return snap
}

// finishRoundLocked cancels round events and captures the round for logging.
func (c *Controller) finishRoundLocked() (models.SessionLog, bool) {
	c.cancelEventsLocked()
	turns := c.turns
	// An unanswered question is not part of the conversation.
	if c.inFlight && len(turns) > 0 && turns[len(turns)-1].Speaker == models.SpeakerUser {
		turns = turns[:len(turns)-1]
	}
	if c.current == nil || len(turns) == 0 {
		return models.SessionLog{}, false
	}
	return models.SessionLog{
		ID:        uuid.NewString(),
		SessionID: c.id,
		ItemID:    c.current.ID(),
		Round:     c.roundIndex,
		Turns:     append([]models.Turn(nil), turns...),
		CreatedAt: c.now(),
	}, true
}

func (c *Controller) completeLocked() {
	c.cancelEventsLocked()
	c.state = StateSessionComplete
	c.current = nil
	c.prompts = nil
	c.inFlight = false
	c.token++
	slog.Info("Controller: session complete", "id", c.id, "rounds", c.roundIndex)
}

func (c *Controller) cancelTickLocked() {
	if c.scheduler != nil && c.tickID != "" {
		_ = c.scheduler.Cancel(c.tickID)
	}
	c.tickID = ""
}

func (c *Controller) cancelEventsLocked() {
	c.cancelTickLocked()
	if c.scheduler != nil && c.advanceID != "" {
		_ = c.scheduler.Cancel(c.advanceID)
	}
	c.advanceID = ""
}

func (c *Controller) flushAsync(entry models.SessionLog) {
	if c.sink == nil {
		return
	}
	c.flushes.Add(1)
	go func() {
		defer c.flushes.Done()
		c.flush(entry)
	}()
}

// flush writes a round to the log sink. Failures are logged, never returned.
func (c *Controller) flush(entry models.SessionLog) {
	if c.sink == nil {
		return
	}
	if err := c.sink.AppendLog(entry); err != nil {
		slog.Warn("Controller.flush: failed to append session log", "error", err, "id", c.id, "round", entry.Round)
		return
	}
	slog.Debug("Controller.flush: session log appended", "id", c.id, "round", entry.Round, "turns", len(entry.Turns))
}

// Close cancels pending events and waits for outstanding log flushes.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelEventsLocked()
	c.mu.Unlock()
	c.flushes.Wait()
}

// Snapshot returns the current view of the session.
func (c *Controller) Snapshot() Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActive reports when the session last started a round or received a prompt.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Controller) snapshotLocked() Round {
	r := Round{
		SessionID:        c.id,
		State:            c.state,
		Index:            c.roundIndex,
		Total:            len(c.selected),
		RemainingSeconds: c.remaining,
		Prompts:          append([]string(nil), c.prompts...),
		Turns:            append([]models.Turn(nil), c.turns...),
		Pending:          c.inFlight,
	}
	if c.current != nil {
		item := *c.current
		r.Item = &item
	}
	if c.failure != nil {
		r.Failure = c.failure.Error()
	}
	return r
}
