package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Machine is the connection state machine of one tenant. Provider events are
// fed in through the Handle* methods; every transition is reported to the
// Notifier while the machine lock is held, so notifications for a tenant are
// delivered in transition order.
type Machine struct {
	cfg      Config
	clock    clockwork.Clock
	notifier Notifier

	mu         sync.Mutex
	tenantID   string
	status     Status
	qrCode     string
	qrAttempts int
	qrIssuedAt time.Time
	message    string
	updatedAt  time.Time
	qrTimer    clockwork.Timer
	qrSeq      uint64
	terminal   bool
	closed     bool
}

// NewMachine creates an Uninitialized machine for tenantID.
func NewMachine(tenantID string, cfg Config, clock clockwork.Clock, notifier Notifier) *Machine {
	def := DefaultConfig()
	if cfg.MaxQRAttempts <= 0 {
		cfg.MaxQRAttempts = def.MaxQRAttempts
	}
	if cfg.QRExpiry <= 0 {
		cfg.QRExpiry = def.QRExpiry
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(Snapshot, Snapshot) {})
	}
	return &Machine{
		cfg:       cfg,
		clock:     clock,
		notifier:  notifier,
		tenantID:  tenantID,
		status:    StatusUninitialized,
		updatedAt: clock.Now(),
	}
}

// TenantID returns the owning tenant.
func (m *Machine) TenantID() string { return m.tenantID }

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Terminal reports whether the machine is waiting for an explicit restart.
func (m *Machine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// HandleQR records a newly issued QR token. When the token would exceed the
// attempt cap it is discarded, the machine goes Disconnected and terminal,
// and ErrQRAttemptsExhausted is returned.
func (m *Machine) HandleQR(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.terminal {
		return nil
	}

	if m.qrAttempts+1 > m.cfg.MaxQRAttempts {
		m.transitionLocked(func() {
			m.stopQRTimerLocked()
			m.status = StatusDisconnected
			m.qrCode = ""
			m.qrIssuedAt = time.Time{}
			m.message = MsgQRExhausted
			m.terminal = true
		})
		slog.Warn("session: qr attempts exhausted", "tenant", m.tenantID, "attempts", m.qrAttempts)
		return ErrQRAttemptsExhausted
	}

	m.transitionLocked(func() {
		m.qrAttempts++
		m.status = StatusQRPending
		m.qrCode = token
		m.qrIssuedAt = m.clock.Now()
		m.message = fmt.Sprintf("%s (attempt %d of %d)", MsgScanQR, m.qrAttempts, m.cfg.MaxQRAttempts)
		m.armQRTimerLocked()
	})
	return nil
}

// HandleAuthenticated moves to Authenticating and clears the QR expiry timer.
func (m *Machine) HandleAuthenticated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.terminal {
		return
	}
	m.transitionLocked(func() {
		m.stopQRTimerLocked()
		m.status = StatusAuthenticating
		m.qrCode = ""
		m.message = MsgAuthenticated
	})
}

// HandleReady moves to Connected. A successful connection forgives earlier
// QR attempts.
func (m *Machine) HandleReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.terminal {
		return
	}
	m.transitionLocked(func() {
		m.stopQRTimerLocked()
		m.status = StatusConnected
		m.qrCode = ""
		m.qrAttempts = 0
		m.qrIssuedAt = time.Time{}
		m.message = MsgConnected
	})
}

// HandleAuthFailure moves to Disconnected with the provider's reason.
func (m *Machine) HandleAuthFailure(reason string) {
	m.disconnect(reason, MsgAuthFailed)
}

// HandleDisconnected moves to Disconnected with the provider's reason.
func (m *Machine) HandleDisconnected(reason string) {
	m.disconnect(reason, MsgDisconnected)
}

func (m *Machine) disconnect(reason, fallback string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.terminal {
		return
	}
	msg := strings.TrimSpace(reason)
	if msg == "" {
		msg = fallback
	}
	m.transitionLocked(func() {
		m.stopQRTimerLocked()
		m.status = StatusDisconnected
		m.qrCode = ""
		m.message = msg
	})
}

// HandleError logs a non-fatal provider error. The status does not change.
func (m *Machine) HandleError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()
	slog.Warn("session: provider error", "tenant", m.tenantID, "status", status.String(), "error", err)
}

// MarkStarting records that a provider handle is being initialized.
func (m *Machine) MarkStarting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.terminal {
		return
	}
	m.transitionLocked(func() {
		m.message = MsgStarting
	})
}

// MarkFailed moves to Error after a provider could not be initialized.
func (m *Machine) MarkFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.transitionLocked(func() {
		m.stopQRTimerLocked()
		m.status = StatusError
		m.qrCode = ""
		m.message = MsgInitFailedPrefix + err.Error()
	})
}

// MarkLoggedOut moves to Disconnected after credentials were erased.
func (m *Machine) MarkLoggedOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.transitionLocked(func() {
		m.stopQRTimerLocked()
		m.status = StatusDisconnected
		m.qrCode = ""
		m.qrAttempts = 0
		m.qrIssuedAt = time.Time{}
		m.message = MsgLoggedOut
		m.terminal = false
	})
}

// Reset clears QR and auth counters ahead of a restart and leaves the machine
// Uninitialized.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.transitionLocked(func() {
		m.stopQRTimerLocked()
		m.status = StatusUninitialized
		m.qrCode = ""
		m.qrAttempts = 0
		m.qrIssuedAt = time.Time{}
		m.message = MsgRestarting
		m.terminal = false
	})
}

// StopTimers cancels the QR expiry timer without changing state.
func (m *Machine) StopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopQRTimerLocked()
}

// Close stops all timers and ignores every later event.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopQRTimerLocked()
	m.closed = true
}

func (m *Machine) transitionLocked(mutate func()) {
	prev := m.snapshotLocked()
	mutate()
	m.updatedAt = m.clock.Now()
	next := m.snapshotLocked()
	m.notifier.OnTransition(prev, next)
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		TenantID:      m.tenantID,
		Status:        m.status,
		Connected:     m.status == StatusConnected,
		Authenticated: m.status == StatusAuthenticating || m.status == StatusConnected,
		QRCode:        m.qrCode,
		QRAttempts:    m.qrAttempts,
		QRIssuedAt:    m.qrIssuedAt,
		Message:       m.message,
		UpdatedAt:     m.updatedAt,
	}
}

func (m *Machine) armQRTimerLocked() {
	m.stopQRTimerLocked()
	m.qrSeq++
	seq := m.qrSeq
	m.qrTimer = m.clock.AfterFunc(m.cfg.QRExpiry, func() { m.expireQR(seq) })
}

func (m *Machine) stopQRTimerLocked() {
	if m.qrTimer != nil {
		m.qrTimer.Stop()
		m.qrTimer = nil
	}
	m.qrSeq++
}

func (m *Machine) expireQR(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || seq != m.qrSeq || m.status != StatusQRPending {
		return
	}
	m.qrTimer = nil
	m.transitionLocked(func() {
		m.status = StatusDisconnected
		m.qrCode = ""
		m.message = MsgQRExpired
	})
	slog.Info("session: qr code expired", "tenant", m.tenantID, "attempts", m.qrAttempts)
}
