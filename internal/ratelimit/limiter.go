// Package ratelimit gates how often an operator may start or restart sessions.
//
// Records are keyed by the operator, not by tenant, so one operator cannot
// bypass the limit by spreading retries across many tenants.
package ratelimit

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

var (
	// ErrCooldown means the operator attempted again before the cooldown elapsed.
	ErrCooldown = errors.New("initialization cooldown active")
	// ErrWindowExhausted means the operator used every attempt of the current window.
	ErrWindowExhausted = errors.New("initialization attempts exhausted for this window")
	// ErrNoOperator means the attempt carried no operator identity.
	ErrNoOperator = errors.New("operator id is required")
)

// Config holds the limiter policy.
type Config struct {
	Window      time.Duration `json:"window" envconfig:"WINDOW"`
	MaxAttempts int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	Cooldown    time.Duration `json:"cooldown" envconfig:"COOLDOWN"`
}

// DefaultConfig returns the production policy: 10 attempts per hour with a
// 60 second gap between attempts.
func DefaultConfig() Config {
	return Config{
		Window:      time.Hour,
		MaxAttempts: 10,
		Cooldown:    60 * time.Second,
	}
}

// Record is the per-operator attempt bookkeeping.
type Record struct {
	WindowStart      time.Time `json:"window_start"`
	AttemptsInWindow int       `json:"attempts_in_window"`
	LastAttemptAt    time.Time `json:"last_attempt_at"`
}

// Decision is the outcome of an attempt.
type Decision struct {
	Allowed    bool
	Err        error
	RetryAfter time.Duration
	Record     Record
}

type entry struct {
	rec      Record
	cooldown *rate.Limiter
}

// Limiter tracks initialization attempts per operator.
type Limiter struct {
	cfg     Config
	clock   clockwork.Clock
	mu      sync.Mutex
	records map[string]*entry
}

// New creates a Limiter. A nil clock uses the real clock.
func New(cfg Config, clock clockwork.Clock) *Limiter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clock,
		records: make(map[string]*entry),
	}
}

// CanAttempt reports whether the operator may start a session now and, if so,
// records the attempt.
func (l *Limiter) CanAttempt(userID string) bool {
	return l.Attempt(userID).Allowed
}

// Attempt evaluates and, when allowed, records an attempt. Rejected attempts
// leave the operator's record untouched.
func (l *Limiter) Attempt(userID string) Decision {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Decision{Err: ErrNoOperator}
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.records[userID]
	if !ok {
		e = &entry{cooldown: rate.NewLimiter(rate.Every(l.cfg.Cooldown), 1)}
		l.records[userID] = e
	}

	windowExpired := e.rec.AttemptsInWindow == 0 || now.Sub(e.rec.WindowStart) > l.cfg.Window
	if !windowExpired && e.rec.AttemptsInWindow >= l.cfg.MaxAttempts {
		return Decision{
			Err:        ErrWindowExhausted,
			RetryAfter: e.rec.WindowStart.Add(l.cfg.Window).Sub(now),
			Record:     e.rec,
		}
	}
	if !e.cooldown.AllowN(now, 1) {
		return Decision{
			Err:        ErrCooldown,
			RetryAfter: e.rec.LastAttemptAt.Add(l.cfg.Cooldown).Sub(now),
			Record:     e.rec,
		}
	}

	if windowExpired {
		e.rec.WindowStart = now
		e.rec.AttemptsInWindow = 1
	} else {
		e.rec.AttemptsInWindow++
	}
	e.rec.LastAttemptAt = now
	return Decision{Allowed: true, Record: e.rec}
}

// Record returns the operator's current record.
func (l *Limiter) Record(userID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.records[strings.TrimSpace(userID)]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Prune drops records whose window ended more than one window ago and whose
// cooldown has passed. Returns the number of removed records.
func (l *Limiter) Prune() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, e := range l.records {
		if now.Sub(e.rec.WindowStart) > 2*l.cfg.Window && now.Sub(e.rec.LastAttemptAt) > l.cfg.Cooldown {
			delete(l.records, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked operators.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
