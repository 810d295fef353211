// Package session implements the per-tenant connection lifecycle.
package session

import (
	"errors"
	"time"
)

// Status is the connection state of a tenant session.
type Status int

const (
	StatusUninitialized Status = iota
	StatusQRPending
	StatusAuthenticating
	StatusConnected
	StatusDisconnected
	StatusError
)

var statusNames = map[Status]string{
	StatusUninitialized:  "uninitialized",
	StatusQRPending:      "qr_pending",
	StatusAuthenticating: "authenticating",
	StatusConnected:      "connected",
	StatusDisconnected:   "disconnected",
	StatusError:          "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, bool) {
	for s, n := range statusNames {
		if n == name {
			return s, true
		}
	}
	return StatusUninitialized, false
}

// MarshalText renders the status by name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	v, ok := ParseStatus(string(b))
	if !ok {
		return errors.New("unknown session status: " + string(b))
	}
	*s = v
	return nil
}

// Status messages shown to operators.
const (
	MsgStarting         = "Starting session"
	MsgRestarting       = "Restarting session"
	MsgScanQR           = "Scan the QR code to connect"
	MsgQRExhausted      = "QR code attempts exhausted; manual restart required"
	MsgQRExpired        = "QR code expired; waiting for a new code"
	MsgAuthenticated    = "Authenticated; connecting"
	MsgConnected        = "Connected"
	MsgAuthFailed       = "Authentication failed"
	MsgDisconnected     = "Disconnected"
	MsgLoggedOut        = "Logged out; a new QR code scan will be required"
	MsgInitFailedPrefix = "Initialization failed: "
)

// ErrQRAttemptsExhausted is returned by HandleQR when the token would exceed
// the attempt cap. The session is Disconnected and terminal until Reset.
var ErrQRAttemptsExhausted = errors.New("qr attempts exhausted")

// Snapshot is a point-in-time copy of a TenantSession's observable state.
type Snapshot struct {
	TenantID      string    `json:"tenantId"`
	Status        Status    `json:"status"`
	Connected     bool      `json:"connected"`
	Authenticated bool      `json:"authenticated"`
	QRCode        string    `json:"qrCode,omitempty"`
	QRAttempts    int       `json:"qrAttempts"`
	QRIssuedAt    time.Time `json:"qrIssuedAt,omitempty"`
	Message       string    `json:"message"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Notifier observes every state transition.
type Notifier interface {
	OnTransition(prev, next Snapshot)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(prev, next Snapshot)

// OnTransition calls f.
func (f NotifierFunc) OnTransition(prev, next Snapshot) { f(prev, next) }

// Config holds the QR policy.
type Config struct {
	MaxQRAttempts int           `json:"maxQrAttempts" envconfig:"MAX_QR_ATTEMPTS"`
	QRExpiry      time.Duration `json:"qrExpiry" envconfig:"QR_EXPIRY"`
}

// DefaultConfig returns the production QR policy.
func DefaultConfig() Config {
	return Config{
		MaxQRAttempts: 3,
		QRExpiry:      2 * time.Minute,
	}
}

// ErrInvalidTenantID rejects ids that are empty, too long or unsafe as a
// file name.
var ErrInvalidTenantID = errors.New("invalid tenant id")

// ValidateTenantID checks that id is 1-64 characters of letters, digits,
// '.', '_' or '-' and is not a relative path element.
func ValidateTenantID(id string) error {
	if id == "" || len(id) > 64 || id == "." || id == ".." {
		return ErrInvalidTenantID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return ErrInvalidTenantID
		}
	}
	return nil
}
