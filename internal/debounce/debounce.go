// Package debounce batches a sender's inbound messages into a single turn.
//
// The first message from a sender waits for a grace period. Follow-ups that
// arrive while the sender is plausibly still typing stretch the wait in
// proportion to the queue; a late follow-up gets a short fixed wait. Each
// arrival replaces the pending timer, so a buffer has at most one.
package debounce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/KafClaw/wagate/internal/message"
)

// Config holds the batching timings.
type Config struct {
	FirstMessageDelay time.Duration `json:"firstMessageDelay" envconfig:"FIRST_MESSAGE_DELAY"`
	TypingWindow      time.Duration `json:"typingWindow" envconfig:"TYPING_WINDOW"`
	TypingBase        time.Duration `json:"typingBase" envconfig:"TYPING_BASE"`
	TypingPerMessage  time.Duration `json:"typingPerMessage" envconfig:"TYPING_PER_MESSAGE"`
	TypingMin         time.Duration `json:"typingMin" envconfig:"TYPING_MIN"`
	IdleDelay         time.Duration `json:"idleDelay" envconfig:"IDLE_DELAY"`
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		FirstMessageDelay: 15 * time.Second,
		TypingWindow:      3 * time.Second,
		TypingBase:        6 * time.Second,
		TypingPerMessage:  2 * time.Second,
		TypingMin:         8 * time.Second,
		IdleDelay:         6 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FirstMessageDelay <= 0 {
		c.FirstMessageDelay = def.FirstMessageDelay
	}
	if c.TypingWindow <= 0 {
		c.TypingWindow = def.TypingWindow
	}
	if c.TypingBase <= 0 {
		c.TypingBase = def.TypingBase
	}
	if c.TypingPerMessage <= 0 {
		c.TypingPerMessage = def.TypingPerMessage
	}
	if c.TypingMin <= 0 {
		c.TypingMin = def.TypingMin
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = def.IdleDelay
	}
	return c
}

// Delay computes the flush timeout for a message arriving sinceLast after the
// previous one, with queued messages in the buffer including the new one.
// first marks the message that created the buffer.
func (c Config) Delay(first bool, sinceLast time.Duration, queued int) time.Duration {
	if first {
		return c.FirstMessageDelay
	}
	if sinceLast < c.TypingWindow {
		d := c.TypingBase + c.TypingPerMessage*time.Duration(queued)
		if d < c.TypingMin {
			d = c.TypingMin
		}
		return d
	}
	return c.IdleDelay
}

// Flush is one combined turn handed to the responder.
type Flush struct {
	TraceID     string
	TenantID    string
	SenderID    string
	ChatRef     string
	DisplayName string
	Turn        message.Turn
}

// FlushFunc receives a flushed turn. It runs on a timer goroutine; ctx is
// cancelled when the debouncer is closed.
type FlushFunc func(ctx context.Context, f Flush)

type buffer struct {
	turn        message.Turn
	chatRef     string
	displayName string
	lastAt      time.Time
	timer       clockwork.Timer
	seq         uint64
}

// Debouncer holds the per-sender buffers of one tenant.
type Debouncer struct {
	tenantID string
	cfg      Config
	clock    clockwork.Clock
	flush    FlushFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	buffers map[string]*buffer
	closed  bool
}

// New creates a Debouncer for tenantID. A nil clock uses the real clock.
func New(tenantID string, cfg Config, clock clockwork.Clock, flush FlushFunc) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		tenantID: tenantID,
		cfg:      cfg.withDefaults(),
		clock:    clock,
		flush:    flush,
		ctx:      ctx,
		cancel:   cancel,
		buffers:  make(map[string]*buffer),
	}
}

// Add appends msg to the sender's buffer and reschedules its flush. It
// returns false once the debouncer is closed.
func (d *Debouncer) Add(senderID, chatRef, displayName string, msg message.Message) bool {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}

	b, ok := d.buffers[senderID]
	var delay time.Duration
	if !ok {
		b = &buffer{}
		d.buffers[senderID] = b
		b.turn = append(b.turn, msg)
		delay = d.cfg.Delay(true, 0, len(b.turn))
	} else {
		sinceLast := now.Sub(b.lastAt)
		b.turn = append(b.turn, msg)
		delay = d.cfg.Delay(false, sinceLast, len(b.turn))
	}
	b.lastAt = now
	if chatRef != "" {
		b.chatRef = chatRef
	}
	if displayName != "" {
		b.displayName = displayName
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.seq++
	seq := b.seq
	b.timer = d.clock.AfterFunc(delay, func() { d.fire(senderID, seq) })

	slog.Debug("debounce: message buffered", "tenant", d.tenantID, "sender", senderID, "queued", len(b.turn), "delay", delay)
	return true
}

func (d *Debouncer) fire(senderID string, seq uint64) {
	d.mu.Lock()
	b, ok := d.buffers[senderID]
	if d.closed || !ok || b.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.buffers, senderID)
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	f := Flush{
		TraceID:     uuid.NewString(),
		TenantID:    d.tenantID,
		SenderID:    senderID,
		ChatRef:     b.chatRef,
		DisplayName: b.displayName,
		Turn:        b.turn,
	}
	if f.ChatRef == "" {
		f.ChatRef = senderID
	}
	slog.Debug("debounce: flushing turn", "tenant", d.tenantID, "sender", senderID, "messages", len(f.Turn), "trace_id", f.TraceID)
	d.flush(d.ctx, f)
}

// Pending returns the number of senders with buffered messages.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// Close cancels every pending timer, drops buffered messages and waits for
// running flushes to return. No flush starts after Close.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.closed = true
	dropped := 0
	for id, b := range d.buffers {
		if b.timer != nil {
			b.timer.Stop()
		}
		dropped += len(b.turn)
		delete(d.buffers, id)
	}
	d.cancel()
	d.mu.Unlock()

	if dropped > 0 {
		slog.Info("debounce: dropped buffered messages on close", "tenant", d.tenantID, "messages", dropped)
	}
	d.wg.Wait()
}
