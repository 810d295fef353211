package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/KafClaw/wagate/internal/message"
	"github.com/KafClaw/wagate/internal/timeline"
)

// OpenAIGenerator answers through an OpenAI-compatible chat completions API,
// transcribing audio parts first and keeping per-sender history.
type OpenAIGenerator struct {
	cfg        Config
	apiBase    string
	history    History
	httpClient *http.Client
}

// NewOpenAIGenerator creates a generator. history may be nil.
func NewOpenAIGenerator(cfg Config, history History) *OpenAIGenerator {
	def := DefaultConfig()
	if cfg.APIBase == "" {
		cfg.APIBase = def.APIBase
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = def.TranscriptionModel
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = def.TimeoutSeconds
	}
	return &OpenAIGenerator{
		cfg:     cfg,
		apiBase: strings.TrimSuffix(cfg.APIBase, "/"),
		history: history,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *OpenAIGenerator) Generate(ctx context.Context, turn message.Turn, senderID, displayName, tenantID string) (string, error) {
	if g.cfg.APIKey == "" {
		return "", ErrNoAPIKey
	}

	text := turn.Render(func(a message.Audio) (string, error) {
		return g.Transcribe(ctx, a)
	})

	msgs := []chatMessage{{Role: "system", Content: g.systemPrompt(displayName)}}
	if g.history != nil {
		past, err := g.history.ChatHistory(tenantID, senderID, g.cfg.HistoryLimit)
		if err != nil {
			slog.Warn("generator: history unavailable", "tenant", tenantID, "sender", senderID, "error", err)
		}
		for _, m := range past {
			msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
		}
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: text})

	reply, err := g.chat(ctx, msgs)
	if err != nil {
		return "", err
	}

	if g.history != nil {
		for _, m := range []*timeline.ChatMessage{
			{TenantID: tenantID, SenderID: senderID, Role: timeline.RoleUser, Content: text},
			{TenantID: tenantID, SenderID: senderID, Role: timeline.RoleAssistant, Content: reply},
		} {
			if err := g.history.AddChatMessage(m); err != nil {
				slog.Warn("generator: failed to store history", "tenant", tenantID, "sender", senderID, "error", err)
			}
		}
	}
	return reply, nil
}

func (g *OpenAIGenerator) systemPrompt(displayName string) string {
	prompt := g.cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultConfig().SystemPrompt
	}
	if name := strings.TrimSpace(displayName); name != "" {
		prompt += "\nThe customer's name is " + name + "."
	}
	return prompt
}

func (g *OpenAIGenerator) chat(ctx context.Context, msgs []chatMessage) (string, error) {
	body := map[string]any{
		"model":       g.cfg.Model,
		"messages":    msgs,
		"max_tokens":  g.cfg.MaxTokens,
		"temperature": g.cfg.Temperature,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	respBody, err := g.do(httpReq)
	if err != nil {
		return "", err
	}

	var apiResp struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	reply := strings.TrimSpace(apiResp.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("empty reply")
	}
	return reply, nil
}

// Transcribe converts audio bytes to text with the transcription endpoint.
func (g *OpenAIGenerator) Transcribe(ctx context.Context, a message.Audio) (string, error) {
	if len(a.Data) == 0 {
		return "", fmt.Errorf("audio has no data")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "audio"+audioExt(a.MimeType))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(a.Data); err != nil {
		return "", fmt.Errorf("copy audio to form: %w", err)
	}
	_ = writer.WriteField("model", g.cfg.TranscriptionModel)
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close form writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.apiBase+"/audio/transcriptions", body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	respBody, err := g.do(httpReq)
	if err != nil {
		return "", err
	}
	var audioResp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &audioResp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	return audioResp.Text, nil
}

func (g *OpenAIGenerator) do(req *http.Request) ([]byte, error) {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func audioExt(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"):
		return ".m4a"
	case strings.Contains(mimeType, "mpeg"):
		return ".mp3"
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	default:
		return ".ogg"
	}
}
