package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/KafClaw/wagate/internal/message"
	"github.com/KafClaw/wagate/internal/session"
)

// ErrNotConnected is returned by commands sent to a provider that has no
// live client.
var ErrNotConnected = errors.New("whatsapp client not connected")

// WhatsAppConfig configures the whatsmeow-backed provider.
type WhatsAppConfig struct {
	StoreDir      string `json:"storeDir" envconfig:"STORE_DIR"`
	DownloadAudio bool   `json:"downloadAudio" envconfig:"DOWNLOAD_AUDIO"`
	MaxAudioBytes int64  `json:"maxAudioBytes" envconfig:"MAX_AUDIO_BYTES"`
}

// StorePath returns the device store of a tenant inside dir.
func StorePath(dir, tenantID string) (string, error) {
	if err := session.ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	return filepath.Join(dir, tenantID+".db"), nil
}

// WhatsAppFactory creates one WhatsAppProvider per tenant.
type WhatsAppFactory struct {
	cfg    WhatsAppConfig
	logger *slog.Logger
}

func NewWhatsAppFactory(cfg WhatsAppConfig, logger *slog.Logger) *WhatsAppFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsAppFactory{cfg: cfg, logger: logger}
}

func (f *WhatsAppFactory) New(tenantID string, emit func(Event)) (Provider, error) {
	path, err := StorePath(f.cfg.StoreDir, tenantID)
	if err != nil {
		return nil, err
	}
	return NewWhatsAppProvider(tenantID, path, f.cfg, NewWALogger(f.logger.With("tenant", tenantID), "whatsapp"), emit), nil
}

// WhatsAppProvider is a whatsmeow client bound to one tenant's device store.
type WhatsAppProvider struct {
	tenantID string
	dbPath   string
	cfg      WhatsAppConfig
	log      waLog.Logger
	emit     func(Event)

	mu        sync.Mutex
	client    *whatsmeow.Client
	container *sqlstore.Container
	cancel    context.CancelFunc

	// sendFn, presenceFn and downloadFn default to the live client; tests
	// replace them.
	sendFn     func(ctx context.Context, to types.JID, text string) error
	presenceFn func(ctx context.Context, to types.JID, state types.ChatPresence) error
	downloadFn func(ctx context.Context, audio *waE2E.AudioMessage) ([]byte, error)
}

func NewWhatsAppProvider(tenantID, dbPath string, cfg WhatsAppConfig, log waLog.Logger, emit func(Event)) *WhatsAppProvider {
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = 16 << 20
	}
	if emit == nil {
		emit = func(Event) {}
	}
	p := &WhatsAppProvider{
		tenantID: tenantID,
		dbPath:   dbPath,
		cfg:      cfg,
		log:      log,
		emit:     emit,
	}
	p.sendFn = p.send
	p.presenceFn = p.presence
	p.downloadFn = p.download
	return p
}

// Initialize opens the tenant's device store and connects. Without stored
// credentials it starts QR pairing; codes arrive as QR events.
func (p *WhatsAppProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.dbPath), 0o700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite", "file:"+p.dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", p.log.Sub("Database"))
	if err != nil {
		return fmt.Errorf("failed to init whatsapp db: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(device, p.log.Sub("Client"))
	client.AddEventHandler(p.handleEvent)
	runCtx, cancel := context.WithCancel(context.Background())

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(runCtx)
		if err != nil {
			cancel()
			_ = container.Close()
			return fmt.Errorf("failed to open qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			cancel()
			_ = container.Close()
			return fmt.Errorf("failed to connect: %w", err)
		}
		go p.consumeQR(qrChan)
	} else if err := client.Connect(); err != nil {
		cancel()
		_ = container.Close()
		return fmt.Errorf("failed to connect: %w", err)
	}

	p.client = client
	p.container = container
	p.cancel = cancel
	return nil
}

func (p *WhatsAppProvider) consumeQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		p.consumeQRItem(item.Event, item.Code, item.Error)
	}
}

func (p *WhatsAppProvider) consumeQRItem(event, code string, err error) {
	switch event {
	case "code":
		p.emit(QR{Code: code})
	case "success":
		p.emit(Authenticated{})
	case "timeout":
		p.emit(Disconnected{Reason: "QR pairing timed out"})
	case "error":
		p.emit(Error{Err: err})
	default:
		p.emit(AuthFailure{Reason: "QR pairing failed: " + event})
	}
}

func (p *WhatsAppProvider) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		p.emit(Authenticated{})
	case *events.Connected:
		p.emit(Ready{})
	case *events.LoggedOut:
		p.emit(AuthFailure{Reason: fmt.Sprintf("Logged out from phone (%v)", v.Reason)})
	case *events.TemporaryBan:
		p.emit(AuthFailure{Reason: fmt.Sprintf("Temporarily banned: %v", v)})
	case *events.StreamReplaced:
		p.emit(Disconnected{Reason: "Connection replaced by another client"})
	case *events.Disconnected:
		p.emit(Disconnected{Reason: "Connection lost"})
	case *events.ConnectFailure:
		p.emit(Error{Err: fmt.Errorf("connect failure %v: %s", v.Reason, v.Message)})
	case *events.Message:
		p.handleMessage(v)
	}
}

func (p *WhatsAppProvider) handleMessage(v *events.Message) {
	if v.Info.IsFromMe || v.Info.IsGroup || v.Info.Chat.Server == types.BroadcastServer {
		return
	}
	var m message.Message
	switch {
	case v.Message.GetConversation() != "":
		m = message.Text{Body: v.Message.GetConversation()}
	case v.Message.GetExtendedTextMessage().GetText() != "":
		m = message.Text{Body: v.Message.GetExtendedTextMessage().GetText()}
	case v.Message.GetAudioMessage() != nil:
		audio := v.Message.GetAudioMessage()
		a := message.Audio{MimeType: audio.GetMimetype()}
		if p.cfg.DownloadAudio && int64(audio.GetFileLength()) <= p.cfg.MaxAudioBytes {
			data, err := p.downloadFn(context.Background(), audio)
			if err != nil {
				p.log.Warnf("audio download failed for %s: %v", v.Info.ID, err)
			} else {
				a.Data = data
			}
		}
		m = a
	default:
		return
	}

	p.emit(Inbound{
		MessageID:   v.Info.ID,
		SenderID:    v.Info.Sender.ToNonAD().String(),
		ChatRef:     v.Info.Chat.String(),
		DisplayName: v.Info.PushName,
		Message:     m,
	})
}

func (p *WhatsAppProvider) liveClient() (*whatsmeow.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, ErrNotConnected
	}
	return p.client, nil
}

func (p *WhatsAppProvider) send(ctx context.Context, to types.JID, text string) error {
	client, err := p.liveClient()
	if err != nil {
		return err
	}
	_, err = client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (p *WhatsAppProvider) presence(ctx context.Context, to types.JID, state types.ChatPresence) error {
	client, err := p.liveClient()
	if err != nil {
		return err
	}
	return client.SendChatPresence(ctx, to, state, types.ChatPresenceMediaText)
}

func (p *WhatsAppProvider) download(ctx context.Context, audio *waE2E.AudioMessage) ([]byte, error) {
	client, err := p.liveClient()
	if err != nil {
		return nil, err
	}
	return client.Download(ctx, audio)
}

func (p *WhatsAppProvider) SendTyping(ctx context.Context, chatRef string) error {
	jid, err := types.ParseJID(chatRef)
	if err != nil {
		return fmt.Errorf("invalid chat ref %q: %w", chatRef, err)
	}
	return p.presenceFn(ctx, jid, types.ChatPresenceComposing)
}

func (p *WhatsAppProvider) ClearTyping(ctx context.Context, chatRef string) error {
	jid, err := types.ParseJID(chatRef)
	if err != nil {
		return fmt.Errorf("invalid chat ref %q: %w", chatRef, err)
	}
	return p.presenceFn(ctx, jid, types.ChatPresencePaused)
}

func (p *WhatsAppProvider) Reply(ctx context.Context, chatRef, text string) error {
	jid, err := types.ParseJID(chatRef)
	if err != nil {
		return fmt.Errorf("invalid chat ref %q: %w", chatRef, err)
	}
	return p.sendFn(ctx, jid, text)
}

// Destroy disconnects and closes the device store. Credentials stay on disk.
func (p *WhatsAppProvider) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardownLocked()
}

func (p *WhatsAppProvider) teardownLocked() error {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.client != nil {
		p.client.Disconnect()
		p.client = nil
	}
	var err error
	if p.container != nil {
		err = p.container.Close()
		p.container = nil
	}
	return err
}

// Logout unlinks the device from the phone when paired, then removes the
// tenant's device store.
func (p *WhatsAppProvider) Logout(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.Store.ID != nil {
		if err := p.client.Logout(ctx); err != nil {
			p.log.Warnf("logout request failed, removing local credentials anyway: %v", err)
		}
	}
	if err := p.teardownLocked(); err != nil {
		p.log.Warnf("closing device store: %v", err)
	}

	var errs []string
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(p.dbPath + suffix); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove device store: %s", strings.Join(errs, "; "))
	}
	return nil
}
