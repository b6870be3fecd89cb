package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/FurnitureDate/internal/genai"
)

// Default OpenAI speech settings
const (
	DefaultOpenAIModel = "tts-1"
	DefaultOpenAIVoice = "alloy"
)

// openAIAccents maps accent names shared with ElevenLabs onto OpenAI voices.
var openAIAccents = map[string]string{
	"french_male":   "onyx",
	"french_female": "nova",
}

var openAIVoices = map[string]bool{
	"alloy": true, "ash": true, "ballad": true, "coral": true, "echo": true, "fable": true,
	"onyx": true, "nova": true, "sage": true, "shimmer": true, "verse": true,
}

// audioService is the subset of the SDK audio speech service used here.
type audioService interface {
	New(ctx context.Context, body openai.AudioSpeechNewParams, opts ...option.RequestOption) (*http.Response, error)
}

// OpenAISynthesizer uses the OpenAI audio speech endpoint.
type OpenAISynthesizer struct {
	audio audioService
	model string
	voice string
}

// NewOpenAI creates an OpenAI synthesizer. The API key falls back to OPENAI_API_KEY.
func NewOpenAI(opts ...Option) (*OpenAISynthesizer, error) {
	cfg := Opts{Model: DefaultOpenAIModel, Voice: DefaultOpenAIVoice}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, genai.ErrAPIKeyNotSet
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("speech.NewOpenAI: created synthesizer", "model", cfg.Model, "voice", cfg.Voice)
	return &OpenAISynthesizer{audio: &cli.Audio.Speech, model: cfg.Model, voice: cfg.Voice}, nil
}

// Synthesize returns MP3 audio for text. voice overrides the configured voice.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	voice = s.resolveVoice(voice)
	resp, err := s.audio.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(s.model),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		slog.Error("OpenAISynthesizer.Synthesize: request failed", "error", err, "model", s.model)
		return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", ErrSynthesisFailed, err)
	}
	slog.Debug("OpenAISynthesizer.Synthesize: audio ready", "bytes", len(audio), "voice", voice)
	return audio, nil
}

// resolveVoice accepts an accent name or an OpenAI voice; anything else gets the default.
func (s *OpenAISynthesizer) resolveVoice(voice string) string {
	voice = strings.ToLower(strings.TrimSpace(voice))
	if v, ok := openAIAccents[voice]; ok {
		return v
	}
	if openAIVoices[voice] {
		return voice
	}
	return s.voice
}
