package channels

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/KafClaw/wagate/internal/message"
)

type eventLog struct {
	mu  sync.Mutex
	evs []Event
}

func (l *eventLog) emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.evs...)
}

func newTestProvider(t *testing.T, cfg WhatsAppConfig) (*WhatsAppProvider, *eventLog) {
	t.Helper()
	log := &eventLog{}
	p := NewWhatsAppProvider("t1", filepath.Join(t.TempDir(), "t1.db"), cfg, NewWALogger(nil, "test"), log.emit)
	return p, log
}

func userJID(user string) types.JID {
	return types.NewJID(user, types.DefaultUserServer)
}

func textMessage(from types.JID, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: from, Sender: from},
			ID:            "msg-1",
			PushName:      "Alice",
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func TestStorePath(t *testing.T) {
	got, err := StorePath("/var/lib/wagate", "acme")
	if err != nil || got != filepath.Join("/var/lib/wagate", "acme.db") {
		t.Fatalf("StorePath = %q, %v", got, err)
	}
	if _, err := StorePath("/var/lib/wagate", "../escape"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestLifecycleEventsMapToProviderEvents(t *testing.T) {
	p, log := newTestProvider(t, WhatsAppConfig{})

	p.handleEvent(&events.PairSuccess{})
	p.handleEvent(&events.Connected{})
	p.handleEvent(&events.LoggedOut{})
	p.handleEvent(&events.StreamReplaced{})
	p.handleEvent(&events.Disconnected{})
	p.handleEvent(&events.ConnectFailure{Message: "nope"})

	got := log.all()
	if len(got) != 6 {
		t.Fatalf("expected 6 events, got %d: %#v", len(got), got)
	}
	if _, ok := got[0].(Authenticated); !ok {
		t.Fatalf("expected Authenticated, got %T", got[0])
	}
	if _, ok := got[1].(Ready); !ok {
		t.Fatalf("expected Ready, got %T", got[1])
	}
	if af, ok := got[2].(AuthFailure); !ok || !strings.Contains(af.Reason, "Logged out") {
		t.Fatalf("expected AuthFailure with reason, got %#v", got[2])
	}
	if d, ok := got[3].(Disconnected); !ok || d.Reason == "" {
		t.Fatalf("expected Disconnected with reason, got %#v", got[3])
	}
	if _, ok := got[4].(Disconnected); !ok {
		t.Fatalf("expected Disconnected, got %T", got[4])
	}
	if e, ok := got[5].(Error); !ok || !strings.Contains(e.Err.Error(), "nope") {
		t.Fatalf("expected Error, got %#v", got[5])
	}
}

func TestQRChannelMapping(t *testing.T) {
	p, log := newTestProvider(t, WhatsAppConfig{})
	items := make(chan qrItem, 4)
	items <- qrItem{event: "code", code: "2@abc"}
	items <- qrItem{event: "success"}
	close(items)
	for it := range items {
		p.consumeQRItem(it.event, it.code, nil)
	}

	got := log.all()
	if qr, ok := got[0].(QR); !ok || qr.Code != "2@abc" {
		t.Fatalf("expected QR event, got %#v", got[0])
	}
	if _, ok := got[1].(Authenticated); !ok {
		t.Fatalf("expected Authenticated, got %#v", got[1])
	}
}

type qrItem struct {
	event string
	code  string
}

func TestInboundTextMessage(t *testing.T) {
	p, log := newTestProvider(t, WhatsAppConfig{})
	from := userJID("5511999990000")

	p.handleEvent(textMessage(from, "oi"))

	got := log.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	in, ok := got[0].(Inbound)
	if !ok {
		t.Fatalf("expected Inbound, got %T", got[0])
	}
	if in.SenderID != from.String() || in.ChatRef != from.String() || in.DisplayName != "Alice" || in.MessageID != "msg-1" {
		t.Fatalf("unexpected inbound metadata %+v", in)
	}
	if txt, ok := in.Message.(message.Text); !ok || txt.Body != "oi" {
		t.Fatalf("unexpected message %#v", in.Message)
	}
}

func TestInboundSkipsOwnGroupAndBroadcast(t *testing.T) {
	p, log := newTestProvider(t, WhatsAppConfig{})

	own := textMessage(userJID("1"), "me")
	own.Info.IsFromMe = true
	group := textMessage(types.NewJID("123-456", types.GroupServer), "group")
	group.Info.IsGroup = true
	broadcast := textMessage(types.NewJID("status", types.BroadcastServer), "story")
	unsupported := textMessage(userJID("2"), "")
	unsupported.Message = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}

	for _, m := range []*events.Message{own, group, broadcast, unsupported} {
		p.handleEvent(m)
	}
	if got := log.all(); len(got) != 0 {
		t.Fatalf("expected no inbound events, got %#v", got)
	}
}

func TestInboundAudioIsDownloaded(t *testing.T) {
	p, log := newTestProvider(t, WhatsAppConfig{DownloadAudio: true})
	p.downloadFn = func(context.Context, *waE2E.AudioMessage) ([]byte, error) {
		return []byte("OggS"), nil
	}
	m := textMessage(userJID("3"), "")
	m.Message = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg; codecs=opus"), FileLength: proto.Uint64(4)}}

	p.handleEvent(m)

	got := log.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	a, ok := got[0].(Inbound).Message.(message.Audio)
	if !ok || !bytes.Equal(a.Data, []byte("OggS")) || !strings.HasPrefix(a.MimeType, "audio/ogg") {
		t.Fatalf("unexpected audio %#v", got[0])
	}
}

func TestInboundAudioDownloadFailureKeepsMessage(t *testing.T) {
	p, log := newTestProvider(t, WhatsAppConfig{DownloadAudio: true})
	p.downloadFn = func(context.Context, *waE2E.AudioMessage) ([]byte, error) {
		return nil, errors.New("media expired")
	}
	m := textMessage(userJID("3"), "")
	m.Message = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}

	p.handleEvent(m)

	got := log.all()
	if len(got) != 1 {
		t.Fatalf("expected audio message without data, got %d events", len(got))
	}
	if a := got[0].(Inbound).Message.(message.Audio); a.Data != nil {
		t.Fatalf("expected no audio data, got %d bytes", len(a.Data))
	}
}

func TestReplyAndTypingUseChatJID(t *testing.T) {
	p, _ := newTestProvider(t, WhatsAppConfig{})
	var sent []string
	var states []types.ChatPresence
	p.sendFn = func(_ context.Context, to types.JID, text string) error {
		sent = append(sent, to.String()+":"+text)
		return nil
	}
	p.presenceFn = func(_ context.Context, _ types.JID, state types.ChatPresence) error {
		states = append(states, state)
		return nil
	}

	chat := userJID("5511").String()
	ctx := context.Background()
	if err := p.SendTyping(ctx, chat); err != nil {
		t.Fatal(err)
	}
	if err := p.ClearTyping(ctx, chat); err != nil {
		t.Fatal(err)
	}
	if err := p.Reply(ctx, chat, "olá"); err != nil {
		t.Fatal(err)
	}

	if len(sent) != 1 || sent[0] != chat+":olá" {
		t.Fatalf("unexpected sends %v", sent)
	}
	if len(states) != 2 || states[0] != types.ChatPresenceComposing || states[1] != types.ChatPresencePaused {
		t.Fatalf("unexpected presence states %v", states)
	}
}

func TestCommandsWithoutClient(t *testing.T) {
	p, _ := newTestProvider(t, WhatsAppConfig{})
	err := p.Reply(context.Background(), userJID("1").String(), "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := p.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy without client: %v", err)
	}
}

func TestLogoutRemovesStore(t *testing.T) {
	p, _ := newTestProvider(t, WhatsAppConfig{})
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.WriteFile(p.dbPath+suffix, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if _, err := os.Stat(p.dbPath + suffix); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed", p.dbPath+suffix)
		}
	}
}

func TestWALoggerBridgesToSlog(t *testing.T) {
	var buf bytes.Buffer
	l := NewWALogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), "whatsapp")
	l.Sub("Client").Warnf("socket %s", "closed")
	out := buf.String()
	if !strings.Contains(out, "socket closed") || !strings.Contains(out, "module=whatsapp/Client") {
		t.Fatalf("unexpected log output %q", out)
	}
}
