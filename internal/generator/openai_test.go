package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/KafClaw/wagate/internal/message"
	"github.com/KafClaw/wagate/internal/timeline"
)

type fakeAPI struct {
	mu         sync.Mutex
	lastChat   []chatMessage
	transcribe int
	status     int
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		if f.status != 0 {
			http.Error(w, "rate limited", f.status)
			return
		}
		switch r.URL.Path {
		case "/v1/chat/completions":
			var req struct {
				Messages []chatMessage `json:"messages"`
			}
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &req)
			f.mu.Lock()
			f.lastChat = req.Messages
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Custa R$10.  "}}]}`))
		case "/v1/audio/transcriptions":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			if r.FormValue("model") != "whisper-1" {
				t.Errorf("unexpected model %q", r.FormValue("model"))
			}
			f.mu.Lock()
			f.transcribe++
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"text":"quero saber o preço"}`))
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestHistory(t *testing.T) *timeline.TimelineService {
	t.Helper()
	svc, err := timeline.NewTimelineService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestGenerateUsesHistoryAndStoresTurn(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	hist := newTestHistory(t)
	if err := hist.AddChatMessage(&timeline.ChatMessage{TenantID: "t1", SenderID: "alice", Role: timeline.RoleUser, Content: "bom dia"}); err != nil {
		t.Fatal(err)
	}

	g := NewOpenAIGenerator(Config{APIKey: "test-key", APIBase: srv.URL + "/v1/"}, hist)
	turn := message.Turn{message.Text{Body: "oi"}, message.Text{Body: "quanto custa"}}
	reply, err := g.Generate(context.Background(), turn, "alice", "Alice", "t1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "Custa R$10." {
		t.Fatalf("unexpected reply %q", reply)
	}

	api.mu.Lock()
	msgs := api.lastChat
	api.mu.Unlock()
	if len(msgs) != 3 {
		t.Fatalf("expected system, history and user messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "Alice") {
		t.Fatalf("unexpected system prompt %+v", msgs[0])
	}
	if msgs[1].Content != "bom dia" {
		t.Fatalf("expected history first, got %+v", msgs[1])
	}
	if msgs[2].Content != "[Message 1]: oi\n[Message 2]: quanto custa" {
		t.Fatalf("unexpected user content %q", msgs[2].Content)
	}

	stored, err := hist.ChatHistory("t1", "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 || stored[2].Role != timeline.RoleAssistant || stored[2].Content != "Custa R$10." {
		t.Fatalf("unexpected stored history %+v", stored)
	}
}

func TestGenerateTranscribesAudio(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	g := NewOpenAIGenerator(Config{APIKey: "test-key", APIBase: srv.URL + "/v1"}, nil)
	turn := message.Turn{message.Audio{Data: []byte("OggS"), MimeType: "audio/ogg"}}
	if _, err := g.Generate(context.Background(), turn, "alice", "", "t1"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.transcribe != 1 {
		t.Fatalf("expected one transcription call, got %d", api.transcribe)
	}
	last := api.lastChat[len(api.lastChat)-1]
	if last.Content != "[Audio Transcript]: quero saber o preço" {
		t.Fatalf("unexpected user content %q", last.Content)
	}
}

func TestGenerateWithoutKey(t *testing.T) {
	g := NewOpenAIGenerator(Config{}, nil)
	_, err := g.Generate(context.Background(), message.Turn{message.Text{Body: "oi"}}, "a", "", "t1")
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestGenerateAPIError(t *testing.T) {
	api := &fakeAPI{status: http.StatusTooManyRequests}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	g := NewOpenAIGenerator(Config{APIKey: "test-key", APIBase: srv.URL + "/v1"}, nil)
	_, err := g.Generate(context.Background(), message.Turn{message.Text{Body: "oi"}}, "a", "", "t1")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected API error with status, got %v", err)
	}
}
