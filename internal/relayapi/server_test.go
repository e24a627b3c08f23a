package relayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"

	"Pulse-Relay/internal/envelope"
	"Pulse-Relay/internal/metrics"
	"Pulse-Relay/internal/relay"
)

type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (c *fakeConn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func newTestServer(t *testing.T) (*http.ServeMux, *relay.Hub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	hub := relay.NewHub("test-node", relay.NewRegistry(), nil, logger, m)
	srv := NewServer(hub, logger, m, nil)
	mux := http.NewServeMux()
	srv.Register(mux)
	return mux, hub
}

func postJSON(mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestIngestBroadcastScenario(t *testing.T) {
	mux, hub := newTestServer(t)
	a, b := &fakeConn{}, &fakeConn{}
	for _, c := range []*fakeConn{a, b} {
		if err := hub.Connect(relay.NewObserver(c)); err != nil {
			t.Fatalf("connect observer: %v", err)
		}
	}

	rec := postJSON(mux, "/api/telemetry", `{"agentId":"Agent-01","status":"working","metrics":{"cpu":50},"logs":["start"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest failed: %d %s", rec.Code, rec.Body.String())
	}

	var ack struct {
		Status         string `json:"status"`
		BroadcastCount int    `json:"broadcast_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Status != "ok" || ack.BroadcastCount != 2 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	for _, c := range []*fakeConn{a, b} {
		got := c.messages()
		if len(got) != 2 {
			t.Fatalf("expected greeting + telemetry, got %d", len(got))
		}
		var msg envelope.Message
		if err := json.Unmarshal(got[1], &msg); err != nil {
			t.Fatalf("decode telemetry: %v", err)
		}
		if msg.Type != envelope.MessageTelemetry || msg.Payload == nil {
			t.Fatalf("unexpected message: %#v", msg)
		}
		if msg.Payload.AgentID != "Agent-01" || msg.Payload.Status != "working" || msg.Payload.Timestamp == "" {
			t.Fatalf("unexpected payload: %#v", msg.Payload)
		}
		if msg.Payload.Metrics["cpu"] != 50.0 || len(msg.Payload.Logs) != 1 {
			t.Fatalf("optional fields not forwarded: %#v", msg.Payload)
		}
	}
}

func TestIngestRejectsInvalidJSON(t *testing.T) {
	mux, hub := newTestServer(t)
	c := &fakeConn{}
	if err := hub.Connect(relay.NewObserver(c)); err != nil {
		t.Fatalf("connect observer: %v", err)
	}

	for _, body := range []string{
		`{"agentId":`,
		`{"agentId":"a","status":"working"}garbage`,
	} {
		rec := postJSON(mux, "/api/telemetry", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
		if !bytes.Contains(rec.Body.Bytes(), []byte(`"error":"Invalid JSON"`)) {
			t.Fatalf("body %q: unexpected error body: %s", body, rec.Body.String())
		}
	}
	if len(c.messages()) != 1 {
		t.Fatal("malformed payloads must not reach observers")
	}
}

func TestIngestRejectsMissingAgentID(t *testing.T) {
	mux, hub := newTestServer(t)
	c := &fakeConn{}
	if err := hub.Connect(relay.NewObserver(c)); err != nil {
		t.Fatalf("connect observer: %v", err)
	}

	rec := postJSON(mux, "/api/telemetry", `{"status":"working"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"error":"Invalid schema: agentId and status are required."`)) {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
	if len(c.messages()) != 1 {
		t.Fatal("schema violation must not reach observers")
	}
}

func TestIngestMethodHandling(t *testing.T) {
	mux, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/telemetry", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/telemetry", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("preflight must allow any origin")
	}
}

func TestIngestSurvivesBrokenObserver(t *testing.T) {
	mux, hub := newTestServer(t)
	broken, healthy := &fakeConn{}, &fakeConn{}
	for _, c := range []*fakeConn{broken, healthy} {
		if err := hub.Connect(relay.NewObserver(c)); err != nil {
			t.Fatalf("connect observer: %v", err)
		}
	}
	broken.mu.Lock()
	broken.fail = true
	broken.mu.Unlock()

	rec := postJSON(mux, "/api/telemetry", `{"agentId":"a","status":"offline"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("delivery failure must not surface to the agent: %d %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"broadcast_count":1`)) {
		t.Fatalf("expected count 1, got %s", rec.Body.String())
	}
	if hub.Observers() != 1 {
		t.Fatalf("broken observer should be evicted, registry has %d", hub.Observers())
	}
}

func TestStatusAndHealthEndpoints(t *testing.T) {
	mux, hub := newTestServer(t)
	if err := hub.Connect(relay.NewObserver(&fakeConn{})); err != nil {
		t.Fatalf("connect observer: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status failed: %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"observers":1`)) {
		t.Fatalf("unexpected status body: %s", rec.Body.String())
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s failed: %d", path, rec.Code)
		}

		req = httptest.NewRequest(http.MethodPost, path, nil)
		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405 for POST, got %d", path, rec.Code)
		}
	}
}

func TestWebSocketObserverRoundTrip(t *testing.T) {
	mux, _ := newTestServer(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/api/telemetry/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The greeting arrives before anything else; reading it also guarantees
	// registration completed before we ingest.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	var greeting envelope.Message
	if err := json.Unmarshal(data, &greeting); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if greeting.Type != envelope.MessageSystem || greeting.Timestamp == "" {
		t.Fatalf("unexpected greeting: %#v", greeting)
	}

	resp, err := http.Post(ts.URL+"/api/telemetry", "application/json",
		strings.NewReader(`{"agentId":"Agent-07","status":"online"}`))
	if err != nil {
		t.Fatalf("post telemetry: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest failed: %d %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte(`"broadcast_count":1`)) {
		t.Fatalf("expected one live observer, got %s", body)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read telemetry: %v", err)
	}
	var msg envelope.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode telemetry: %v", err)
	}
	if msg.Type != envelope.MessageTelemetry || msg.Payload == nil || msg.Payload.AgentID != "Agent-07" {
		t.Fatalf("unexpected telemetry message: %#v", msg)
	}
}
