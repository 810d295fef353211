package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/KafClaw/wagate/internal/bus"
	"github.com/KafClaw/wagate/internal/observability"
	"github.com/KafClaw/wagate/internal/ratelimit"
	"github.com/KafClaw/wagate/internal/registry"
	"github.com/KafClaw/wagate/internal/session"
	"github.com/KafClaw/wagate/internal/timeline"
)

type fakeSessions struct {
	mu       sync.Mutex
	snaps    map[string]session.Snapshot
	calls    []string
	startErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{snaps: map[string]session.Snapshot{}}
}

func (f *fakeSessions) record(op, id string, status session.Status) session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+id)
	s := session.Snapshot{TenantID: id, Status: status, Message: op}
	f.snaps[id] = s
	return s
}

func (f *fakeSessions) Initialize(_ context.Context, id string) (session.Snapshot, error) {
	if f.startErr != nil {
		return session.Snapshot{}, f.startErr
	}
	return f.record("initialize", id, session.StatusUninitialized), nil
}

func (f *fakeSessions) Restart(_ context.Context, id string) (session.Snapshot, error) {
	return f.record("restart", id, session.StatusUninitialized), nil
}

func (f *fakeSessions) Destroy(_ context.Context, id string) (session.Snapshot, error) {
	return f.record("logout", id, session.StatusDisconnected), nil
}

func (f *fakeSessions) Snapshot(id string) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	if !ok {
		return session.Snapshot{}, registry.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) Snapshots() []session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Snapshot, 0, len(f.snaps))
	for _, s := range f.snaps {
		out = append(out, s)
	}
	return out
}

func (f *fakeSessions) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSilence struct {
	mu     sync.Mutex
	values map[string]bool
}

func (f *fakeSilence) SetSilentMode(tenantID string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = map[string]bool{}
	}
	f.values[tenantID] = on
	return nil
}

func (f *fakeSilence) get(tenantID string) (on, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	on, ok = f.values[tenantID]
	return on, ok
}

type fakeHistory struct{}

func (fakeHistory) StatusHistory(tenantID string, limit int) ([]timeline.StatusEvent, error) {
	return []timeline.StatusEvent{{TenantID: tenantID, Status: "connected"}}, nil
}

func newTestServer(t *testing.T, api *API, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(api, token))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, operator, body string) (*http.Response, Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if operator != "" {
		req.Header.Set(OperatorHeader, operator)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out Response
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestInitializeAndRateLimit(t *testing.T) {
	sessions := newFakeSessions()
	clock := clockwork.NewFakeClock()
	api := &API{Sessions: sessions, Limiter: ratelimit.New(ratelimit.DefaultConfig(), clock)}
	srv := newTestServer(t, api, "")

	resp, out := post(t, srv.URL+"/initialize", "op-1", `{"tenantId":"acme"}`)
	if resp.StatusCode != http.StatusOK || !out.Success || out.Status == nil || out.Status.TenantID != "acme" {
		t.Fatalf("unexpected initialize response %d %+v", resp.StatusCode, out)
	}

	resp, out = post(t, srv.URL+"/initialize", "op-1", `{"tenantId":"other"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if out.Success || !strings.Contains(out.Message, "try again later") || out.RetryAfterSeconds != 60 {
		t.Fatalf("unexpected rate limit body %+v", out)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("unexpected Retry-After %q", resp.Header.Get("Retry-After"))
	}
	if sessions.callCount() != 1 {
		t.Fatalf("rejected attempt reached the registry")
	}

	clock.Advance(61 * time.Second)
	resp, _ = post(t, srv.URL+"/restart", "op-1", `{"tenantId":"other"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected restart after cooldown, got %d", resp.StatusCode)
	}
}

func TestOperatorFromBody(t *testing.T) {
	sessions := newFakeSessions()
	api := &API{Sessions: sessions, Limiter: ratelimit.New(ratelimit.DefaultConfig(), clockwork.NewFakeClock())}
	srv := newTestServer(t, api, "")

	resp, _ := post(t, srv.URL+"/initialize", "", `{"tenantId":"acme","operatorId":"op-2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected body operator to be accepted, got %d", resp.StatusCode)
	}
	resp, out := post(t, srv.URL+"/initialize", "", `{"tenantId":"acme"}`)
	if resp.StatusCode != http.StatusBadRequest || out.Success {
		t.Fatalf("expected missing operator to be rejected, got %d %+v", resp.StatusCode, out)
	}
}

func TestCommandValidation(t *testing.T) {
	srv := newTestServer(t, &API{Sessions: newFakeSessions()}, "")

	for _, body := range []string{`not json`, `{"tenantId":""}`, `{"tenantId":"../x"}`} {
		resp, out := post(t, srv.URL+"/logout", "op", body)
		if resp.StatusCode != http.StatusBadRequest || out.Success {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestCommandErrorsMapToStatusCodes(t *testing.T) {
	sessions := newFakeSessions()
	sessions.startErr = registry.ErrClosed
	srv := newTestServer(t, &API{Sessions: sessions}, "")

	resp, out := post(t, srv.URL+"/initialize", "op", `{"tenantId":"acme"}`)
	if resp.StatusCode != http.StatusServiceUnavailable || out.Success {
		t.Fatalf("expected 503, got %d %+v", resp.StatusCode, out)
	}

	sessions.startErr = fmt.Errorf("initialize: %w", registry.ErrRestartRequired)
	resp, out = post(t, srv.URL+"/initialize", "op", `{"tenantId":"acme"}`)
	if resp.StatusCode != http.StatusConflict || out.Success {
		t.Fatalf("expected 409 for a session needing restart, got %d %+v", resp.StatusCode, out)
	}

	sessions.startErr = errors.New("store locked")
	resp, out = post(t, srv.URL+"/initialize", "op", `{"tenantId":"acme"}`)
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(out.Message, "store locked") {
		t.Fatalf("expected 500 with cause, got %d %+v", resp.StatusCode, out)
	}
}

func TestStatusEndpoints(t *testing.T) {
	sessions := newFakeSessions()
	sessions.record("initialize", "acme", session.StatusConnected)
	srv := newTestServer(t, &API{Sessions: sessions, History: fakeHistory{}}, "")

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var all struct {
		Sessions []session.Snapshot `json:"sessions"`
		Count    int                `json:"count"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&all)
	resp.Body.Close()
	if all.Count != 1 || all.Sessions[0].Status != session.StatusConnected {
		t.Fatalf("unexpected status list %+v", all)
	}

	resp, err = http.Get(srv.URL + "/status/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/status/acme/history?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	var hist struct {
		Events []timeline.StatusEvent `json:"events"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&hist)
	resp.Body.Close()
	if len(hist.Events) != 1 || hist.Events[0].TenantID != "acme" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestQRPNG(t *testing.T) {
	sessions := newFakeSessions()
	sessions.snaps["acme"] = session.Snapshot{TenantID: "acme", Status: session.StatusQRPending, QRCode: "2@token"}
	srv := newTestServer(t, &API{Sessions: sessions}, "")

	resp, err := http.Get(srv.URL + "/qr/acme.png")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Fatal("body is not a PNG")
	}

	resp2, err := http.Get(srv.URL + "/qr/none.png")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without QR, got %d", resp2.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	srv := newTestServer(t, &API{Sessions: newFakeSessions()}, "s3cret")

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected open healthz, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	observability.Register(reg)
	srv := newTestServer(t, &API{Sessions: newFakeSessions(), Gatherer: reg}, "")

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `wagate_api_requests_total{route="/healthz",status="200"}`) {
		t.Fatalf("request counter missing from metrics output")
	}
}

func TestWebsocketStreamsTenantStatus(t *testing.T) {
	b := bus.NewStatusBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Dispatch(ctx) }()

	hub := NewHub(b, nil)
	defer hub.Close()
	sessions := newFakeSessions()
	sessions.snaps["acme"] = session.Snapshot{TenantID: "acme", Status: session.StatusQRPending, QRCode: "2@a"}
	srv := newTestServer(t, &API{Sessions: sessions, Hub: hub}, "")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/acme"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first session.Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first.QRCode != "2@a" {
		t.Fatalf("unexpected initial frame %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients("acme") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(session.Snapshot{TenantID: "other", Status: session.StatusConnected})
	b.Publish(session.Snapshot{TenantID: "acme", Status: session.StatusConnected, Connected: true})

	var next session.Snapshot
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if next.TenantID != "acme" || next.Status != session.StatusConnected {
		t.Fatalf("expected only acme updates, got %+v", next)
	}
}

func TestSilentModeToggle(t *testing.T) {
	silence := &fakeSilence{}
	srv := newTestServer(t, &API{Sessions: newFakeSessions(), Silence: silence}, "")

	resp, out := post(t, srv.URL+"/silent", "op", `{"tenantId":"acme","enabled":true}`)
	if resp.StatusCode != http.StatusOK || !out.Success {
		t.Fatalf("enable: %d %+v", resp.StatusCode, out)
	}
	if on, ok := silence.get("acme"); !ok || !on {
		t.Fatal("expected silent mode enabled for acme")
	}

	resp, _ = post(t, srv.URL+"/silent", "op", `{"tenantId":"acme","enabled":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable: %d", resp.StatusCode)
	}
	if on, _ := silence.get("acme"); on {
		t.Fatal("expected silent mode disabled")
	}

	resp, _ = post(t, srv.URL+"/silent", "op", `{"tenantId":"acme"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without enabled, got %d", resp.StatusCode)
	}
}

func TestWebsocketOriginPolicy(t *testing.T) {
	b := bus.NewStatusBus(8)
	hub := NewHub(b, []string{"https://console.example.com"})
	defer hub.Close()
	srv := newTestServer(t, &API{Sessions: newFakeSessions(), Hub: hub}, "")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/acme"

	cases := []struct {
		origin string
		ok     bool
	}{
		{"https://console.example.com", true},
		{srv.URL, true},
		{"https://evil.example.net", false},
	}
	for _, tc := range cases {
		header := http.Header{"Origin": []string{tc.origin}}
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		if tc.ok {
			if err != nil {
				t.Fatalf("origin %s: expected upgrade, got %v", tc.origin, err)
			}
			conn.Close()
			continue
		}
		if err == nil {
			conn.Close()
			t.Fatalf("origin %s: expected rejection", tc.origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %s: expected 403, got %v", tc.origin, resp)
		}
	}
}

func TestWebsocketPoolDroppedWhenEmpty(t *testing.T) {
	b := bus.NewStatusBus(8)
	hub := NewHub(b, nil)
	defer hub.Close()
	srv := newTestServer(t, &API{Sessions: newFakeSessions(), Hub: hub}, "")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/acme"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients("acme") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients("acme") != 1 {
		t.Fatal("client never registered")
	}
	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		n := len(hub.pools)
		hub.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected empty pools to be dropped, %d left", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
