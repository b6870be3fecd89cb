// Package dialogue answers visitor questions in character as a piece of furniture.
//
// It turns a catalog item, the visitor's question and the round's prior turns into a
// chat completion request and classifies failures into transport errors (the exchange
// should be rolled back) and logic-level refusals (shown to the visitor as-is).
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/FurnitureDate/internal/genai"
	"github.com/BTreeMap/FurnitureDate/internal/models"
)

// DefaultMaxHistory limits how many prior turns are sent with a question.
const DefaultMaxHistory = 30

// SpeechlessAnswer is returned when the model produced no text.
const SpeechlessAnswer = "I am speechless..."

// DefaultPersona is the in-character system prompt template.
const DefaultPersona = `You are the piece of furniture "{{.Title}}" on a speed date with a museum visitor.
Answer the visitor's question in natural, first-person language and flirt subtly.
Use only the information below; if it does not cover the question, stay playful and vague.
Keep answers under four sentences.
{{if .Context}}
{{.Context}}
{{end}}`

var (
	// ErrServiceUnavailable wraps transport-level failures of the text generation backend.
	ErrServiceUnavailable = errors.New("dialogue service unavailable")
	// ErrEmptyQuestion is returned when no question text was given.
	ErrEmptyQuestion = errors.New("question cannot be empty")
)

// RefusalError is a logic-level error: the service answered, but with an error message
// meant for the visitor.
type RefusalError struct {
	Message string
}

func (e *RefusalError) Error() string {
	return e.Message
}

// Request is one question addressed to a catalog item.
type Request struct {
	ItemID   string
	Question string
	Context  string
	History  []models.Turn
}

// Opts holds configuration options for the dialogue service.
type Opts struct {
	PersonaFile string
	MaxHistory  int
}

// Option defines a configuration option for the dialogue service.
type Option func(*Opts)

// WithPersonaFile loads the system prompt template from a file.
func WithPersonaFile(path string) Option {
	return func(o *Opts) { o.PersonaFile = path }
}

// WithMaxHistory limits the number of prior turns sent (-1 = no limit, 0 = none).
func WithMaxHistory(n int) Option {
	return func(o *Opts) { o.MaxHistory = n }
}

// Service answers questions through a GenAI client.
type Service struct {
	client     genai.ClientInterface
	persona    *template.Template
	maxHistory int
}

// NewService creates a dialogue service. A missing persona file falls back to DefaultPersona.
func NewService(client genai.ClientInterface, opts ...Option) (*Service, error) {
	cfg := Opts{MaxHistory: DefaultMaxHistory}
	for _, opt := range opts {
		opt(&cfg)
	}

	text := DefaultPersona
	if cfg.PersonaFile != "" {
		data, err := os.ReadFile(cfg.PersonaFile)
		if err != nil {
			slog.Warn("dialogue.NewService: persona file unreadable, using default", "error", err, "file", cfg.PersonaFile)
		} else if strings.TrimSpace(string(data)) != "" {
			text = string(data)
		}
	}
	tmpl, err := template.New("persona").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse persona template: %w", err)
	}
	slog.Debug("dialogue.NewService: created", "hasClient", client != nil, "maxHistory", cfg.MaxHistory)
	return &Service{client: client, persona: tmpl, maxHistory: cfg.MaxHistory}, nil
}

// Ask returns the item's answer to the question.
func (s *Service) Ask(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Question) == "" {
		return "", ErrEmptyQuestion
	}
	if s.client == nil {
		return "", fmt.Errorf("%w: no GenAI client configured", ErrServiceUnavailable)
	}

	messages, err := s.buildMessages(req)
	if err != nil {
		return "", err
	}

	slog.Debug("Service.Ask: asking", "itemID", req.ItemID, "history", len(req.History))
	answer, err := s.client.GenerateWithMessages(ctx, messages)
	if err != nil {
		var refusal *genai.RefusalError
		switch {
		case errors.As(err, &refusal):
			slog.Info("Service.Ask: model refused", "itemID", req.ItemID, "reason", refusal.Reason)
			return "", &RefusalError{Message: "I'd rather not talk about that. Ask me something else?"}
		case errors.Is(err, genai.ErrNoChoicesReturned):
			return SpeechlessAnswer, nil
		default:
			slog.Error("Service.Ask: generation failed", "error", err, "itemID", req.ItemID)
			return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = SpeechlessAnswer
	}
	slog.Info("Service.Ask: answered", "itemID", req.ItemID, "length", len(answer))
	return answer, nil
}

// buildMessages assembles system persona, prior turns and the question.
func (s *Service) buildMessages(req Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	var sb strings.Builder
	data := struct {
		Title   string
		Context string
	}{Title: req.ItemID, Context: req.Context}
	if err := s.persona.Execute(&sb, data); err != nil {
		return nil, fmt.Errorf("failed to render persona: %w", err)
	}

	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(strings.TrimSpace(sb.String()))}

	history := req.History
	switch {
	case s.maxHistory == 0:
		history = nil
	case s.maxHistory > 0 && len(history) > s.maxHistory:
		history = history[len(history)-s.maxHistory:]
	}
	for _, turn := range history {
		switch turn.Speaker {
		case models.SpeakerUser:
			messages = append(messages, openai.UserMessage(turn.Text))
		case models.SpeakerSubject:
			messages = append(messages, openai.AssistantMessage(turn.Text))
		}
	}

	messages = append(messages, openai.UserMessage(req.Question))
	return messages, nil
}
