package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Default ElevenLabs settings
const (
	DefaultElevenLabsURL    = "https://api.elevenlabs.io"
	DefaultElevenLabsModel  = "eleven_multilingual_v2"
	DefaultElevenLabsAccent = "french_male"
	elevenLabsOutputFormat  = "mp3_44100_128"
)

// AccentVoices maps accent names to ElevenLabs voice ids.
var AccentVoices = map[string]string{
	"french_male":   "K8nDX2f6wjv6bCh5UeZi",
	"french_female": "xNtG3W2oqJs0cJZuTyBc",
}

// ElevenLabsSynthesizer calls the ElevenLabs text-to-speech REST API.
type ElevenLabsSynthesizer struct {
	baseURL string
	apiKey  string
	model   string
	voice   string
	client  *http.Client
}

// NewElevenLabs creates an ElevenLabs synthesizer. The API key falls back to ELEVENLABS_API_KEY.
func NewElevenLabs(opts ...Option) (*ElevenLabsSynthesizer, error) {
	cfg := Opts{BaseURL: DefaultElevenLabsURL, Model: DefaultElevenLabsModel, Voice: DefaultElevenLabsAccent}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ELEVENLABS_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ELEVENLABS_API_KEY not set")
	}
	return &ElevenLabsSynthesizer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		voice:   cfg.Voice,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// VoiceID resolves an accent name or a raw voice id. Anything else uses the default voice.
func (s *ElevenLabsSynthesizer) VoiceID(voice string) string {
	if voice == "" {
		voice = s.voice
	}
	if id, ok := AccentVoices[strings.ToLower(voice)]; ok {
		return id
	}
	if isVoiceID(voice) {
		return voice
	}
	return AccentVoices[DefaultElevenLabsAccent]
}

// isVoiceID reports whether s has the shape of an ElevenLabs voice id.
func isVoiceID(s string) bool {
	if len(s) != 20 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize returns MP3 audio for text.
func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	voiceID := s.VoiceID(voice)
	body, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: s.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, url.PathEscape(voiceID), elevenLabsOutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Error("ElevenLabsSynthesizer.Synthesize: request failed", "error", err, "voice", voiceID)
		return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("ElevenLabsSynthesizer.Synthesize: unexpected status", "status", resp.StatusCode, "voice", voiceID)
		return nil, fmt.Errorf("%w: status %d: %s", ErrSynthesisFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", ErrSynthesisFailed, err)
	}
	slog.Debug("ElevenLabsSynthesizer.Synthesize: audio ready", "bytes", len(audio), "voice", voiceID)
	return audio, nil
}
