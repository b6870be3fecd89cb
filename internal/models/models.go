// Package models defines the core data structures for FurnitureDate.
//
// It includes the catalog, conversation and preference types shared across modules,
// plus the JSON envelope used by every API response.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxPromptLength defines the maximum allowed length for a submitted question
	MaxPromptLength = 1000
	// MaxRounds caps the number of rounds a visitor may request
	MaxRounds = 20
	// MaxSpeechLength defines the maximum text length accepted for speech synthesis
	MaxSpeechLength = 4096
	// MaxHistoryTurns caps the prior turns a stateless question may carry
	MaxHistoryTurns = 50
)

// Error variables for better error handling and testability
var (
	ErrEmptyTitle      = errors.New("catalog item title cannot be empty")
	ErrPromptTooLong   = errors.New("prompt exceeds maximum length")
	ErrInvalidRounds   = errors.New("rounds must be between 0 and the maximum")
	ErrEmptySpeechText = errors.New("text is required for speech synthesis")
	ErrSpeechTooLong   = errors.New("speech text exceeds maximum length")
	ErrEmptyFurniture  = errors.New("furniture is required")
	ErrEmptyQuestion   = errors.New("question is required")
	ErrInvalidSpeaker  = errors.New("invalid speaker")
	ErrEmptyTurnText   = errors.New("turn text cannot be empty")
	ErrHistoryTooLong  = errors.New("history exceeds maximum length")
)

// DefaultPrompts is the built-in question pool used when no prompt source is available.
var DefaultPrompts = []string{
	"Tell me something about your origin and style.",
	"What makes you unique compared to other pieces of furniture?",
	"Have you ever experienced an interesting event?",
}

// CatalogItem is one piece of furniture a visitor can date.
type CatalogItem struct {
	Title       string `json:"title"`
	Image       string `json:"image,omitempty"`       // shown during the round
	RevealImage string `json:"image_after,omitempty"` // shown when the round ends
	Period      string `json:"period,omitempty"`
	Description string `json:"description,omitempty"`
	History     string `json:"history,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ID returns the identifier used to address the item. Titles are unique per catalog.
func (c CatalogItem) ID() string {
	return c.Title
}

// Context joins the descriptive text handed to the dialogue service.
func (c CatalogItem) Context() string {
	var parts []string
	if d := strings.TrimSpace(c.Description); d != "" {
		parts = append(parts, "Description: "+d)
	}
	if h := strings.TrimSpace(c.History); h != "" {
		parts = append(parts, "History: "+h)
	}
	return strings.Join(parts, "\n")
}

// Validate checks the item invariants.
func (c CatalogItem) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return ErrEmptyTitle
	}
	return nil
}

// MatchesID reports whether id addresses this item (case-insensitive, trimmed).
func (c CatalogItem) MatchesID(id string) bool {
	return NormalizeID(c.Title) == NormalizeID(id)
}

// NormalizeID canonicalizes an item identifier for comparison.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	// SpeakerUser is the visitor asking questions.
	SpeakerUser Speaker = "user"
	// SpeakerSubject is the furniture piece answering in character.
	SpeakerSubject Speaker = "subject"
)

// Turn is one line of a round's conversation.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

// Validate checks the turn invariants.
func (t Turn) Validate() error {
	if t.Speaker != SpeakerUser && t.Speaker != SpeakerSubject {
		return ErrInvalidSpeaker
	}
	if strings.TrimSpace(t.Text) == "" {
		return ErrEmptyTurnText
	}
	return nil
}

// Preferences are the visitor settings read at session start.
type Preferences struct {
	Rounds  int      `json:"rounds,omitempty"`
	Period  string   `json:"period,omitempty"`
	ItemIDs []string `json:"item_ids,omitempty"`
}

// Validate checks preference bounds.
func (p Preferences) Validate() error {
	if p.Rounds < 0 || p.Rounds > MaxRounds {
		return ErrInvalidRounds
	}
	return nil
}

// IsZero reports whether no preference has been set.
func (p Preferences) IsZero() bool {
	return p.Rounds == 0 && p.Period == "" && len(p.ItemIDs) == 0
}

// SessionLog is the record of one finished round.
type SessionLog struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ItemID    string    `json:"item_id"`
	Round     int       `json:"round"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
}

// AskRequest is the body of a stateless question (POST /ask).
type AskRequest struct {
	Furniture string `json:"furniture"`
	Question  string `json:"question"`
	History   []Turn `json:"history,omitempty"`
}

// Validate performs validation on an AskRequest.
func (r *AskRequest) Validate() error {
	if strings.TrimSpace(r.Furniture) == "" {
		return ErrEmptyFurniture
	}
	if strings.TrimSpace(r.Question) == "" {
		return ErrEmptyQuestion
	}
	if len(r.Question) > MaxPromptLength {
		return ErrPromptTooLong
	}
	if len(r.History) > MaxHistoryTurns {
		return ErrHistoryTooLong
	}
	for i, turn := range r.History {
		if err := turn.Validate(); err != nil {
			return fmt.Errorf("history[%d]: %w", i, err)
		}
	}
	return nil
}

// SpeakRequest is the body of POST /speak.
type SpeakRequest struct {
	Text   string `json:"text"`
	Accent string `json:"accent,omitempty"`
}

// Validate performs validation on a SpeakRequest.
func (r *SpeakRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return ErrEmptySpeechText
	}
	if len(r.Text) > MaxSpeechLength {
		return ErrSpeechTooLong
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ErrorWithResult creates an error API response that still carries result data,
// used when a conversational error message must reach the widget.
func ErrorWithResult(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		WithResult(result).
		Build()
}
