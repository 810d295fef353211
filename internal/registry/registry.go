// Package registry owns the tenant sessions of the gateway process.
//
// Each tenant has at most one TenantSession. A session outlives its provider
// handles: restart and logout swap the handle while the state machine keeps
// reporting. Provider callbacks carry the handle generation they were created
// for and are resolved through the registry on every event, so a callback
// from a torn-down handle can never reach the current one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/KafClaw/wagate/internal/channels"
	"github.com/KafClaw/wagate/internal/debounce"
	"github.com/KafClaw/wagate/internal/generator"
	"github.com/KafClaw/wagate/internal/observability"
	"github.com/KafClaw/wagate/internal/session"
)

var (
	// ErrClosed is returned once Shutdown has started.
	ErrClosed = errors.New("registry is shut down")
	// ErrNotFound is returned for tenants without a session.
	ErrNotFound = errors.New("tenant session not found")
	// ErrRestartRequired is returned by Initialize once a session ran out of
	// QR attempts. Only Restart or Destroy leave that state.
	ErrRestartRequired = errors.New("session requires a manual restart")
)

// DefaultFallbackReply is sent when a reply cannot be generated.
const DefaultFallbackReply = "Sorry, I couldn't process your message right now. Please try again in a moment."

// Options configures a Registry.
type Options struct {
	Factory   channels.Factory
	Notifier  session.Notifier
	Generator generator.Generator
	Clock     clockwork.Clock

	Session  session.Config
	Debounce debounce.Config

	// SettleDelay is the pause between tearing a provider down and starting
	// its replacement on restart.
	SettleDelay time.Duration
	// ColdStartStagger is the minimum gap between provider starts across
	// tenants. Zero disables staggering.
	ColdStartStagger time.Duration
	InitTimeout      time.Duration
	GenerateTimeout  time.Duration
	FallbackReply    string

	// Silent reports whether replies are suppressed for a tenant.
	Silent func(tenantID string) bool
	// OnLogout runs after a tenant's credentials were erased.
	OnLogout func(tenantID string)
}

// TenantSession is the registry's record for one tenant.
type TenantSession struct {
	tenantID string
	machine  *session.Machine

	mu        sync.Mutex
	provider  channels.Provider
	debouncer *debounce.Debouncer
	gen       uint64
	startGen  uint64
}

// TenantID returns the owning tenant.
func (s *TenantSession) TenantID() string { return s.tenantID }

// Snapshot returns the session state.
func (s *TenantSession) Snapshot() session.Snapshot { return s.machine.Snapshot() }

// Live reports whether a provider handle is attached or starting.
func (s *TenantSession) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider != nil || s.startingLocked()
}

// startingLocked reports whether a start for the current generation is in
// progress.
func (s *TenantSession) startingLocked() bool {
	return s.startGen != 0 && s.startGen == s.gen
}

// Pending returns the number of senders with buffered messages.
func (s *TenantSession) Pending() int {
	s.mu.Lock()
	d := s.debouncer
	s.mu.Unlock()
	if d == nil {
		return 0
	}
	return d.Pending()
}

// detach removes the current handle and invalidates its callbacks.
func (s *TenantSession) detach() (channels.Provider, *debounce.Debouncer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	p, d := s.provider, s.debouncer
	s.provider, s.debouncer = nil, nil
	return p, d
}

// detachGen is detach limited to handle generation gen. It reports false
// when a newer handle has replaced it.
func (s *TenantSession) detachGen(gen uint64) (channels.Provider, *debounce.Debouncer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil, nil, false
	}
	s.gen++
	p, d := s.provider, s.debouncer
	s.provider, s.debouncer = nil, nil
	return p, d, true
}

type creation struct {
	done chan struct{}
	s    *TenantSession
	err  error
}

// Registry maps tenants to their sessions.
type Registry struct {
	opts    Options
	clock   clockwork.Clock
	starts  *rate.Limiter
	startMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*TenantSession
	inflight map[string]*creation
	closed   bool
}

// New creates a Registry.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Notifier == nil {
		opts.Notifier = session.NotifierFunc(func(session.Snapshot, session.Snapshot) {})
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 60 * time.Second
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = 90 * time.Second
	}
	if opts.FallbackReply == "" {
		opts.FallbackReply = DefaultFallbackReply
	}
	limit := rate.Inf
	if opts.ColdStartStagger > 0 {
		limit = rate.Every(opts.ColdStartStagger)
	}
	return &Registry{
		opts:     opts,
		clock:    opts.Clock,
		starts:   rate.NewLimiter(limit, 1),
		sessions: make(map[string]*TenantSession),
		inflight: make(map[string]*creation),
	}
}

// GetOrCreate returns the tenant's session, constructing it on first use.
// Concurrent callers for the same tenant share one construction.
func (r *Registry) GetOrCreate(tenantID string) (*TenantSession, error) {
	if err := session.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := r.sessions[tenantID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if c, ok := r.inflight[tenantID]; ok {
		r.mu.Unlock()
		<-c.done
		return c.s, c.err
	}
	c := &creation{done: make(chan struct{})}
	r.inflight[tenantID] = c
	r.mu.Unlock()

	s := &TenantSession{
		tenantID: tenantID,
		machine:  session.NewMachine(tenantID, r.opts.Session, r.clock, r.opts.Notifier),
	}

	r.mu.Lock()
	delete(r.inflight, tenantID)
	if r.closed {
		c.err = ErrClosed
	} else {
		r.sessions[tenantID] = s
		c.s = s
		observability.Sessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()
	close(c.done)

	if c.err == nil {
		slog.Info("registry: session created", "tenant", tenantID)
	}
	return c.s, c.err
}

// Get returns an existing session.
func (r *Registry) Get(tenantID string) (*TenantSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Snapshot returns one tenant's state.
func (r *Registry) Snapshot(tenantID string) (session.Snapshot, error) {
	s, err := r.Get(tenantID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Snapshots returns every tenant's state ordered by tenant id.
func (r *Registry) Snapshots() []session.Snapshot {
	r.mu.Lock()
	list := make([]*TenantSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]session.Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Initialize gets or creates the tenant's session and starts a provider for
// it unless one is already live. A session that exhausted its QR attempts is
// left untouched and ErrRestartRequired is returned.
func (r *Registry) Initialize(ctx context.Context, tenantID string) (session.Snapshot, error) {
	s, err := r.GetOrCreate(tenantID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if s.machine.Terminal() {
		return s.Snapshot(), ErrRestartRequired
	}
	if err := r.start(ctx, s); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// Restart tears the tenant's provider down, clears its QR and auth counters,
// waits the settle delay and starts a fresh provider.
func (r *Registry) Restart(ctx context.Context, tenantID string) (session.Snapshot, error) {
	s, err := r.GetOrCreate(tenantID)
	if err != nil {
		return session.Snapshot{}, err
	}
	r.teardown(ctx, s, false)
	s.machine.Reset()

	if err := r.sleep(ctx, r.opts.SettleDelay); err != nil {
		return s.Snapshot(), err
	}
	if err := r.start(ctx, s); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// Destroy logs the tenant out: the provider is torn down, stored credentials
// are erased and the session is left Disconnected.
func (r *Registry) Destroy(ctx context.Context, tenantID string) (session.Snapshot, error) {
	s, err := r.GetOrCreate(tenantID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if err := r.teardown(ctx, s, true); err != nil {
		return s.Snapshot(), err
	}
	s.machine.MarkLoggedOut()
	if r.opts.OnLogout != nil {
		r.opts.OnLogout(tenantID)
	}
	slog.Info("registry: tenant logged out", "tenant", tenantID)
	return s.Snapshot(), nil
}

// Autostart initializes each tenant in order, staggered by the cold-start
// limiter. Failures are logged and do not stop the remaining tenants.
func (r *Registry) Autostart(ctx context.Context, tenantIDs []string) int {
	started := 0
	for _, id := range tenantIDs {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.Initialize(ctx, id); err != nil {
			slog.Warn("registry: autostart failed", "tenant", id, "error", err)
			continue
		}
		started++
	}
	return started
}

// Shutdown stops every provider, keeping stored credentials, and refuses
// further work.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	list := make([]*TenantSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func(s *TenantSession) {
			defer wg.Done()
			r.teardown(ctx, s, false)
			s.machine.Close()
		}(s)
	}
	wg.Wait()
	slog.Info("registry: shut down", "sessions", len(list))
}

func (r *Registry) start(ctx context.Context, s *TenantSession) error {
	s.mu.Lock()
	if s.provider != nil || s.startingLocked() {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.startGen = gen
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.startGen == gen {
			s.startGen = 0
		}
		s.mu.Unlock()
	}()

	if err := r.waitColdStart(ctx); err != nil {
		return err
	}
	s.machine.MarkStarting()

	p, err := r.opts.Factory.New(s.tenantID, func(ev channels.Event) { r.dispatch(s.tenantID, gen, ev) })
	if err != nil {
		s.machine.MarkFailed(err)
		return fmt.Errorf("create provider: %w", err)
	}
	d := debounce.New(s.tenantID, r.opts.Debounce, r.clock, r.respond(p))

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		d.Close()
		_ = p.Destroy(ctx)
		return nil
	}
	s.provider, s.debouncer = p, d
	s.mu.Unlock()

	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.InitTimeout)
	defer cancel()
	if err := p.Initialize(initCtx); err != nil {
		s.mu.Lock()
		current := s.gen == gen
		if current {
			s.provider, s.debouncer = nil, nil
		}
		s.mu.Unlock()
		d.Close()
		_ = p.Destroy(initCtx)
		if current {
			s.machine.MarkFailed(err)
		}
		slog.Error("registry: provider initialization failed", "tenant", s.tenantID, "error", err)
		return fmt.Errorf("initialize provider: %w", err)
	}

	s.mu.Lock()
	superseded := s.gen != gen
	s.mu.Unlock()
	if superseded {
		d.Close()
		if err := p.Destroy(initCtx); err != nil {
			slog.Warn("registry: destroying superseded provider failed", "tenant", s.tenantID, "error", err)
		}
		slog.Info("registry: provider superseded during initialization", "tenant", s.tenantID, "generation", gen)
		return nil
	}
	slog.Info("registry: provider started", "tenant", s.tenantID, "generation", gen)
	return nil
}

// teardown detaches the provider, cancels buffered flushes and QR timers,
// then destroys the handle, or logs it out when logout is set.
func (r *Registry) teardown(ctx context.Context, s *TenantSession, logout bool) error {
	p, d := s.detach()
	return r.release(ctx, s, p, d, logout)
}

// retire tears down the handle of generation gen after its QR attempts ran
// out. A handle started since then is left alone.
func (r *Registry) retire(s *TenantSession, gen uint64) {
	p, d, ok := s.detachGen(gen)
	if !ok {
		return
	}
	_ = r.release(context.Background(), s, p, d, false)
}

func (r *Registry) release(ctx context.Context, s *TenantSession, p channels.Provider, d *debounce.Debouncer, logout bool) error {
	if d != nil {
		d.Close()
	}
	s.machine.StopTimers()

	if !logout {
		if p == nil {
			return nil
		}
		if err := p.Destroy(ctx); err != nil {
			slog.Warn("registry: provider destroy failed", "tenant", s.tenantID, "error", err)
		}
		return nil
	}

	if p == nil {
		var err error
		p, err = r.opts.Factory.New(s.tenantID, func(channels.Event) {})
		if err != nil {
			return fmt.Errorf("create provider for logout: %w", err)
		}
	}
	if err := p.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// dispatch routes a provider event to the tenant's current session. Events
// from superseded handles are dropped.
func (r *Registry) dispatch(tenantID string, gen uint64, ev channels.Event) {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	stale := s.gen != gen
	d := s.debouncer
	s.mu.Unlock()
	if stale {
		slog.Debug("registry: dropping event from stale provider", "tenant", tenantID, "generation", gen, "event", fmt.Sprintf("%T", ev))
		return
	}

	switch e := ev.(type) {
	case channels.QR:
		if err := s.machine.HandleQR(e.Code); errors.Is(err, session.ErrQRAttemptsExhausted) {
			go r.retire(s, gen)
		}
	case channels.Authenticated:
		s.machine.HandleAuthenticated()
	case channels.Ready:
		s.machine.HandleReady()
	case channels.AuthFailure:
		s.machine.HandleAuthFailure(e.Reason)
	case channels.Disconnected:
		s.machine.HandleDisconnected(e.Reason)
	case channels.Error:
		s.machine.HandleError(e.Err)
	case channels.Inbound:
		if d == nil || e.Message == nil {
			return
		}
		if !d.Add(e.SenderID, e.ChatRef, e.DisplayName, e.Message) {
			slog.Debug("registry: inbound after teardown dropped", "tenant", tenantID, "sender", e.SenderID)
		}
	}
}

// waitColdStart spaces provider starts by the stagger interval.
func (r *Registry) waitColdStart(ctx context.Context) error {
	r.startMu.Lock()
	now := r.clock.Now()
	res := r.starts.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	r.startMu.Unlock()

	if err := r.sleep(ctx, delay); err != nil {
		res.CancelAt(r.clock.Now())
		return err
	}
	return nil
}

func (r *Registry) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-r.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
