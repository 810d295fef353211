package timeline

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/KafClaw/wagate/internal/session"
)

type TimelineService struct {
	db *sql.DB

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &TimelineService{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (s *TimelineService) Close() error {
	return s.db.Close()
}

func (s *TimelineService) newEventID(t time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// RecordStatus appends a status event and updates the tenant roster.
func (s *TimelineService) RecordStatus(snap session.Snapshot) error {
	now := time.Now().UTC()
	at := snap.UpdatedAt.UTC()
	if snap.UpdatedAt.IsZero() {
		at = now
	}
	status := snap.Status.String()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO status_events (id, tenant_id, status, connected, authenticated, qr_attempts, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.newEventID(now), snap.TenantID, status, snap.Connected, snap.Authenticated, snap.QRAttempts, snap.Message, at); err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO tenants (tenant_id, last_status, last_message, connected, authenticated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			last_status = excluded.last_status,
			last_message = excluded.last_message,
			connected = excluded.connected,
			authenticated = excluded.authenticated,
			updated_at = excluded.updated_at
	`, snap.TenantID, status, snap.Message, snap.Connected, snap.Authenticated, now, at); err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return tx.Commit()
}

// StatusHistory returns the tenant's status events, newest first.
func (s *TimelineService) StatusHistory(tenantID string, limit int) ([]StatusEvent, error) {
	query := `SELECT id, tenant_id, status, connected, authenticated, qr_attempts, message, created_at
		FROM status_events WHERE tenant_id = ? ORDER BY id DESC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StatusEvent
	for rows.Next() {
		var e StatusEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Status, &e.Connected, &e.Authenticated, &e.QRAttempts, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetTenant returns the roster entry for tenantID.
func (s *TimelineService) GetTenant(tenantID string) (*TenantRecord, error) {
	var t TenantRecord
	err := s.db.QueryRow(`SELECT tenant_id, last_status, last_message, connected, authenticated, created_at, updated_at
		FROM tenants WHERE tenant_id = ?`, tenantID).
		Scan(&t.TenantID, &t.LastStatus, &t.LastMessage, &t.Connected, &t.Authenticated, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTenants returns every known tenant ordered by id.
func (s *TimelineService) ListTenants() ([]TenantRecord, error) {
	rows, err := s.db.Query(`SELECT tenant_id, last_status, last_message, connected, authenticated, created_at, updated_at
		FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TenantRecord
	for rows.Next() {
		var t TenantRecord
		if err := rows.Scan(&t.TenantID, &t.LastStatus, &t.LastMessage, &t.Connected, &t.Authenticated, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResumableTenants returns tenants whose last known status implies saved
// credentials, so their sessions can resume without a QR scan.
func (s *TimelineService) ResumableTenants() ([]string, error) {
	rows, err := s.db.Query(`SELECT tenant_id FROM tenants WHERE last_status IN (?, ?) ORDER BY updated_at`,
		session.StatusConnected.String(), session.StatusAuthenticating.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddChatMessage appends one conversation message.
func (s *TimelineService) AddChatMessage(m *ChatMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO chat_messages (trace_id, tenant_id, sender_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.TraceID, m.TenantID, m.SenderID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return err
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// ChatHistory returns the last limit messages with a sender, oldest first.
func (s *TimelineService) ChatHistory(tenantID, senderID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, COALESCE(trace_id,''), tenant_id, sender_id, role, content, created_at FROM (
			SELECT * FROM chat_messages WHERE tenant_id = ? AND sender_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, tenantID, senderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.TraceID, &m.TenantID, &m.SenderID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearChatHistory removes every chat message of a tenant, as after logout.
func (s *TimelineService) ClearChatHistory(tenantID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM chat_messages WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetSetting returns a setting value by key.
func (s *TimelineService) GetSetting(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetSetting persists a setting value.
func (s *TimelineService) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}

// IsSilentMode reports whether replies are suppressed for tenantID. Defaults
// to false.
func (s *TimelineService) IsSilentMode(tenantID string) bool {
	val, err := s.GetSetting(SilentModeKey(tenantID))
	if err != nil {
		return false
	}
	return val == "true"
}

// SetSilentMode turns reply suppression for tenantID on or off.
func (s *TimelineService) SetSilentMode(tenantID string, on bool) error {
	return s.SetSetting(SilentModeKey(tenantID), strconv.FormatBool(on))
}

// SilentModeKey is the settings key holding a tenant's silent mode flag.
func SilentModeKey(tenantID string) string {
	return "silent_mode:" + tenantID
}
