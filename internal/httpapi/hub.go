package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KafClaw/wagate/internal/bus"
	"github.com/KafClaw/wagate/internal/session"
)

const writeWait = 5 * time.Second

// connectionPool holds the websocket connections watching one tenant.
type connectionPool struct {
	tenantID string
	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
}

func newConnectionPool(tenantID string) *connectionPool {
	return &connectionPool{tenantID: tenantID, conns: map[*websocket.Conn]struct{}{}}
}

func (cp *connectionPool) add(conn *websocket.Conn) {
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.mu.Unlock()
}

// remove drops conn and returns the connections left.
func (cp *connectionPool) remove(conn *websocket.Conn) int {
	cp.mu.Lock()
	delete(cp.conns, conn)
	n := len(cp.conns)
	cp.mu.Unlock()
	_ = conn.Close()
	return n
}

func (cp *connectionPool) count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *connectionPool) sendToOne(conn *websocket.Conn, data []byte) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	if err := write(conn, data); err != nil {
		slog.Warn("httpapi: ws send failed, dropping connection", "tenant", cp.tenantID, "error", err)
		delete(cp.conns, conn)
		_ = conn.Close()
	}
}

func (cp *connectionPool) broadcast(data []byte) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.conns {
		if err := write(conn, data); err != nil {
			slog.Warn("httpapi: ws broadcast failed, dropping connection", "tenant", cp.tenantID, "error", err)
			delete(cp.conns, conn)
			_ = conn.Close()
		}
	}
}

func (cp *connectionPool) closeAll() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.conns {
		_ = conn.Close()
		delete(cp.conns, conn)
	}
}

func write(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Hub streams tenant-scoped status broadcasts to websocket clients. Clients
// of the wildcard tenant receive every tenant's updates.
type Hub struct {
	bus      *bus.StatusBus
	upgrader websocket.Upgrader

	mu    sync.Mutex
	pools map[string]*connectionPool
	unsub func()
}

// NewHub subscribes the hub to every tenant on b. Browser clients must come
// from the gateway's own host or one of allowedOrigins ("*" allows any).
func NewHub(b *bus.StatusBus, allowedOrigins []string) *Hub {
	h := &Hub{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		pools: make(map[string]*connectionPool),
	}
	h.unsub = b.Subscribe(bus.Wildcard, h.deliver)
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

func (h *Hub) pool(tenantID string) *connectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pools[tenantID]
}

func (h *Hub) join(tenantID string, conn *websocket.Conn) *connectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pools[tenantID]
	if !ok {
		p = newConnectionPool(tenantID)
		h.pools[tenantID] = p
	}
	p.add(conn)
	return p
}

// leave removes conn and drops the tenant's pool once it is empty.
func (h *Hub) leave(p *connectionPool, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.remove(conn) == 0 && h.pools[p.tenantID] == p {
		delete(h.pools, p.tenantID)
	}
}

func (h *Hub) deliver(s session.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	for _, id := range []string{s.TenantID, bus.Wildcard} {
		if p := h.pool(id); p != nil {
			p.broadcast(data)
		}
	}
}

// Clients returns the number of connections watching a tenant.
func (h *Hub) Clients(tenantID string) int {
	if p := h.pool(tenantID); p != nil {
		return p.count()
	}
	return 0
}

// Serve upgrades the request and streams updates for tenantID. initial,
// when non-nil, is sent before any broadcast.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tenantID string, initial *session.Snapshot) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("httpapi: ws upgrade failed", "tenant", tenantID, "error", err)
		return
	}
	p := h.join(tenantID, conn)
	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			p.sendToOne(conn, data)
		}
	}
	slog.Debug("httpapi: ws client connected", "tenant", tenantID)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.leave(p, conn)
	slog.Debug("httpapi: ws client disconnected", "tenant", tenantID)
}

// Close unsubscribes from the bus and drops every connection.
func (h *Hub) Close() {
	if h.unsub != nil {
		h.unsub()
	}
	h.mu.Lock()
	pools := make([]*connectionPool, 0, len(h.pools))
	for _, p := range h.pools {
		pools = append(pools, p)
	}
	h.mu.Unlock()
	for _, p := range pools {
		p.closeAll()
	}
}
