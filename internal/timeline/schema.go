package timeline

import (
	"time"
)

// StatusEvent is one propagated session status.
type StatusEvent struct {
	ID            string    `json:"id"` // ULID, sortable by creation
	TenantID      string    `json:"tenant_id"`
	Status        string    `json:"status"`
	Connected     bool      `json:"connected"`
	Authenticated bool      `json:"authenticated"`
	QRAttempts    int       `json:"qr_attempts"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

// TenantRecord is the roster entry for a tenant that has had a session.
type TenantRecord struct {
	TenantID      string    `json:"tenant_id"`
	LastStatus    string    `json:"last_status"`
	LastMessage   string    `json:"last_message"`
	Connected     bool      `json:"connected"`
	Authenticated bool      `json:"authenticated"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one side of a conversation with a sender.
type ChatMessage struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id"`
	TenantID  string    `json:"tenant_id"`
	SenderID  string    `json:"sender_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS tenants (
	tenant_id TEXT PRIMARY KEY,
	last_status TEXT NOT NULL DEFAULT 'uninitialized',
	last_message TEXT NOT NULL DEFAULT '',
	connected BOOLEAN NOT NULL DEFAULT 0,
	authenticated BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(last_status);

CREATE TABLE IF NOT EXISTS status_events (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	connected BOOLEAN NOT NULL DEFAULT 0,
	authenticated BOOLEAN NOT NULL DEFAULT 0,
	qr_attempts INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_status_events_tenant ON status_events(tenant_id, id);

CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT,
	tenant_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_sender ON chat_messages(tenant_id, sender_id, id);
`
