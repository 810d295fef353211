// Package statussync propagates significant session transitions to the
// control plane, the live subscriber bus and the configured fan-out sinks.
package statussync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/wagate/internal/observability"
	"github.com/KafClaw/wagate/internal/session"
)

// Push is the control-plane view of a tenant status.
type Push struct {
	TenantID      string `json:"tenantId"`
	Connected     bool   `json:"connected"`
	Authenticated bool   `json:"authenticated"`
	QRCode        string `json:"qrCode"`
	Message       string `json:"message"`
}

// PushFromSnapshot builds the control-plane body for a snapshot.
func PushFromSnapshot(s session.Snapshot) Push {
	return Push{
		TenantID:      s.TenantID,
		Connected:     s.Connected,
		Authenticated: s.Authenticated,
		QRCode:        s.QRCode,
		Message:       s.Message,
	}
}

// Sink receives propagated statuses.
type Sink interface {
	Name() string
	Send(ctx context.Context, s session.Snapshot) error
}

// Publisher delivers statuses to live subscribers.
type Publisher interface {
	Publish(s session.Snapshot) bool
}

// Significant reports whether next differs from prev in a way the control
// plane must hear about.
func Significant(prev, next session.Snapshot) bool {
	switch {
	case prev.Connected != next.Connected:
		return true
	case prev.Authenticated != next.Authenticated:
		return true
	case next.QRCode != "" && next.QRCode != prev.QRCode:
		return true
	case prev.Message != next.Message:
		return true
	}
	return false
}

// Options configures a Synchronizer.
type Options struct {
	Sinks       []Sink
	Publisher   Publisher
	QueueSize   int
	SendTimeout time.Duration
}

// Synchronizer filters transitions and pushes the significant ones from a
// single worker goroutine, so pushes for a tenant leave in transition order.
type Synchronizer struct {
	sinks       []Sink
	publisher   Publisher
	sendTimeout time.Duration
	queue       chan session.Snapshot

	mu       sync.Mutex
	last     map[string]session.Snapshot
	closed   bool
	inflight sync.WaitGroup

	done chan struct{}
}

// New creates a Synchronizer. Call Run to start its worker.
func New(opts Options) *Synchronizer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &Synchronizer{
		sinks:       opts.Sinks,
		publisher:   opts.Publisher,
		sendTimeout: opts.SendTimeout,
		queue:       make(chan session.Snapshot, opts.QueueSize),
		last:        make(map[string]session.Snapshot),
		done:        make(chan struct{}),
	}
}

// OnTransition implements session.Notifier. It never blocks.
func (s *Synchronizer) OnTransition(prev, next session.Snapshot) {
	observability.Transitions.WithLabelValues(next.Status.String()).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	base, ok := s.last[next.TenantID]
	if !ok {
		base = prev
	}
	if !Significant(base, next) {
		return
	}
	s.last[next.TenantID] = next
	s.enqueueLocked(next)
}

// Resync pushes snapshots regardless of significance, as after a control
// plane outage.
func (s *Synchronizer) Resync(snapshots []session.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, snap := range snapshots {
		s.last[snap.TenantID] = snap
		s.enqueueLocked(snap)
	}
}

// Forget drops the remembered status of a tenant.
func (s *Synchronizer) Forget(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, tenantID)
}

func (s *Synchronizer) enqueueLocked(snap session.Snapshot) {
	select {
	case s.queue <- snap:
		s.inflight.Add(1)
	default:
		observability.StatusDropped.Inc()
		slog.Warn("statussync: queue full, dropping status", "tenant", snap.TenantID, "status", snap.Status.String())
	}
}

// Run delivers queued statuses until ctx is cancelled or Close is called.
// This should be run as a goroutine.
func (s *Synchronizer) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case snap, ok := <-s.queue:
			if !ok {
				return
			}
			s.deliver(ctx, snap)
		}
	}
}

func (s *Synchronizer) drain() {
	for {
		select {
		case _, ok := <-s.queue:
			if !ok {
				return
			}
			s.inflight.Done()
		default:
			return
		}
	}
}

func (s *Synchronizer) deliver(ctx context.Context, snap session.Snapshot) {
	defer s.inflight.Done()

	if s.publisher != nil && !s.publisher.Publish(snap) {
		slog.Warn("statussync: subscriber bus full", "tenant", snap.TenantID)
	}
	for _, sink := range s.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		err := sink.Send(sendCtx, snap)
		cancel()
		if err != nil {
			observability.StatusPushes.WithLabelValues(sink.Name(), "error").Inc()
			slog.Warn("statussync: push failed", "sink", sink.Name(), "tenant", snap.TenantID, "status", snap.Status.String(), "error", err)
			continue
		}
		observability.StatusPushes.WithLabelValues(sink.Name(), "ok").Inc()
	}
}

// Flush waits until every queued status has been delivered.
func (s *Synchronizer) Flush() {
	s.inflight.Wait()
}

// Close stops accepting transitions and waits for the worker to deliver what
// is queued. Run must have been started.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}
