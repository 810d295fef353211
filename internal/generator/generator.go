// Package generator produces replies for debounced turns.
package generator

import (
	"context"
	"errors"

	"github.com/KafClaw/wagate/internal/message"
	"github.com/KafClaw/wagate/internal/timeline"
)

// ErrNoAPIKey is returned when no model credentials are configured.
var ErrNoAPIKey = errors.New("generator: no api key configured")

// Generator turns one combined turn into reply text. Failures are returned,
// never panicked; callers answer with a fallback reply.
type Generator interface {
	Generate(ctx context.Context, turn message.Turn, senderID, displayName, tenantID string) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, turn message.Turn, senderID, displayName, tenantID string) (string, error)

func (f Func) Generate(ctx context.Context, turn message.Turn, senderID, displayName, tenantID string) (string, error) {
	return f(ctx, turn, senderID, displayName, tenantID)
}

// History stores the conversation with each sender.
type History interface {
	ChatHistory(tenantID, senderID string, limit int) ([]timeline.ChatMessage, error)
	AddChatMessage(m *timeline.ChatMessage) error
}

// Config configures the OpenAI-compatible generator.
type Config struct {
	APIKey             string  `json:"apiKey" envconfig:"API_KEY"`
	APIBase            string  `json:"apiBase" envconfig:"API_BASE"`
	Model              string  `json:"model" envconfig:"MODEL"`
	TranscriptionModel string  `json:"transcriptionModel" envconfig:"TRANSCRIPTION_MODEL"`
	SystemPrompt       string  `json:"systemPrompt" envconfig:"SYSTEM_PROMPT"`
	HistoryLimit       int     `json:"historyLimit" envconfig:"HISTORY_LIMIT"`
	MaxTokens          int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature        float64 `json:"temperature" envconfig:"TEMPERATURE"`
	TimeoutSeconds     int     `json:"timeoutSeconds" envconfig:"TIMEOUT_SECONDS"`
}

// DefaultConfig returns the generator defaults.
func DefaultConfig() Config {
	return Config{
		APIBase:            "https://api.openai.com/v1",
		Model:              "gpt-4o-mini",
		TranscriptionModel: "whisper-1",
		SystemPrompt:       "You are a helpful customer service assistant replying on WhatsApp. Keep answers short and friendly, in the customer's language.",
		HistoryLimit:       20,
		MaxTokens:          512,
		Temperature:        0.7,
		TimeoutSeconds:     60,
	}
}
