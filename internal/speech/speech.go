// Package speech turns furniture answers into audio.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Provider names accepted by New.
const (
	ProviderNone       = "none"
	ProviderOpenAI     = "openai"
	ProviderElevenLabs = "elevenlabs"
)

var (
	// ErrDisabled is returned when no speech provider is configured.
	ErrDisabled = errors.New("speech synthesis disabled")
	// ErrUnknownProvider is returned by New for an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown speech provider")
	// ErrSynthesisFailed wraps provider failures.
	ErrSynthesisFailed = errors.New("speech synthesis failed")
	// ErrSuperseded is returned to a request that was cancelled by a newer one.
	ErrSuperseded = errors.New("speech request superseded")
	// ErrEmptyText is returned when there is nothing to say.
	ErrEmptyText = errors.New("speech text is empty")
)

// Synthesizer converts text to MP3 audio. voice is a provider-specific hint such as an
// accent name; empty selects the provider default.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Opts holds configuration options for the speech providers.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
}

// Option defines a configuration option for the speech providers.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the provider at another endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel overrides the provider's speech model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithVoice sets the default voice.
func WithVoice(voice string) Option {
	return func(o *Opts) { o.Voice = voice }
}

// New builds the synthesizer for provider. ProviderNone and "" return ErrDisabled.
func New(provider string, opts ...Option) (Synthesizer, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", ProviderNone:
		return nil, ErrDisabled
	case ProviderOpenAI:
		s, err := NewOpenAI(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case ProviderElevenLabs:
		s, err := NewElevenLabs(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// Speaker serializes speech requests: at most one runs at a time and a new request
// cancels the one still in progress.
type Speaker struct {
	synth Synthesizer

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewSpeaker wraps synth. A nil synth makes every call return ErrDisabled.
func NewSpeaker(synth Synthesizer) *Speaker {
	return &Speaker{synth: synth}
}

// Enabled reports whether a provider is configured.
func (s *Speaker) Enabled() bool {
	return s != nil && s.synth != nil
}

// Speak synthesizes text, cancelling any request still in flight.
func (s *Speaker) Speak(ctx context.Context, text, voice string) ([]byte, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		slog.Debug("Speaker.Speak: cancelling previous request", "seq", s.seq)
		s.cancel()
	}
	s.seq++
	seq := s.seq
	s.cancel = cancel
	s.mu.Unlock()

	audio, err := s.synth.Synthesize(ctx, text, voice)

	s.mu.Lock()
	current := seq == s.seq
	if current {
		s.cancel = nil
	}
	s.mu.Unlock()
	cancel()

	if !current {
		return nil, ErrSuperseded
	}
	if err != nil {
		return nil, err
	}
	return audio, nil
}
