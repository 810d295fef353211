// Package channels abstracts the chat provider behind a tenant session.
package channels

import (
	"context"

	"github.com/KafClaw/wagate/internal/message"
)

// Provider is one live connection to a chat network for a single tenant.
type Provider interface {
	// Initialize connects, pairing through QR codes when no credentials exist.
	Initialize(ctx context.Context) error
	// Destroy disconnects and releases resources. Credentials are kept.
	Destroy(ctx context.Context) error
	// Logout unlinks the device and erases stored credentials.
	Logout(ctx context.Context) error
	// SendTyping shows a typing indicator in a chat.
	SendTyping(ctx context.Context, chatRef string) error
	// ClearTyping removes the typing indicator.
	ClearTyping(ctx context.Context, chatRef string) error
	// Reply sends text to a chat.
	Reply(ctx context.Context, chatRef, text string) error
}

// Factory creates providers. emit receives every provider event; it may be
// called from any goroutine.
type Factory interface {
	New(tenantID string, emit func(Event)) (Provider, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(tenantID string, emit func(Event)) (Provider, error)

func (f FactoryFunc) New(tenantID string, emit func(Event)) (Provider, error) {
	return f(tenantID, emit)
}

// Event is a provider notification.
type Event interface {
	isEvent()
}

// QR carries a newly issued pairing token.
type QR struct{ Code string }

// Authenticated means the pairing succeeded.
type Authenticated struct{}

// Ready means the connection is usable.
type Ready struct{}

// AuthFailure means the credentials were rejected or revoked.
type AuthFailure struct{ Reason string }

// Disconnected means the connection dropped.
type Disconnected struct{ Reason string }

// Inbound is a chat message addressed to the tenant.
type Inbound struct {
	MessageID   string
	SenderID    string
	ChatRef     string
	DisplayName string
	Message     message.Message
}

// Error is a non-fatal provider error.
type Error struct{ Err error }

func (QR) isEvent()            {}
func (Authenticated) isEvent() {}
func (Ready) isEvent()         {}
func (AuthFailure) isEvent()   {}
func (Disconnected) isEvent()  {}
func (Inbound) isEvent()       {}
func (Error) isEvent()         {}
