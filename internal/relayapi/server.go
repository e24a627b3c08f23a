package relayapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"Pulse-Relay/internal/envelope"
	"Pulse-Relay/internal/metrics"
	"Pulse-Relay/internal/relay"
)

const defaultWriteTimeout = 5 * time.Second

// PeerInfo exposes mesh transport details for the status endpoint.
type PeerInfo interface {
	PeerID() string
	ListenAddrs() []string
	ConnectedPeerAddrs() []string
}

type Server struct {
	hub          *relay.Hub
	logger       *slog.Logger
	metrics      *metrics.Metrics
	peers        PeerInfo // nil when the mesh is disabled
	writeTimeout time.Duration
}

func NewServer(hub *relay.Hub, logger *slog.Logger, m *metrics.Metrics, peers PeerInfo) *Server {
	return &Server{
		hub:          hub,
		logger:       logger,
		metrics:      m,
		peers:        peers,
		writeTimeout: defaultWriteTimeout,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/telemetry", s.handleIngest)
	mux.HandleFunc("/api/telemetry/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
}

// handleIngest accepts one telemetry submission and fans it out. Rejections
// never reach the hub; observer-side failures never reach the agent.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var raw map[string]any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil {
		s.metrics.EventsInvalidTotal.Inc()
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	// A body with trailing content after the JSON value is malformed too.
	if _, err := dec.Token(); err != io.EOF {
		s.metrics.EventsInvalidTotal.Inc()
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	env, err := envelope.Normalize(raw)
	if err != nil {
		s.metrics.EventsInvalidTotal.Inc()
		writeError(w, http.StatusBadRequest, "Invalid schema: agentId and status are required.")
		return
	}
	count := s.hub.Broadcast(env)
	s.metrics.EventsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "broadcast_count": count})
}

// handleStream upgrades the request to a WebSocket and parks it as an
// observer until the client goes away. The connection is write-only after the
// handshake; CloseRead discards anything the client sends and wakes us on
// close or transport error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	obs := relay.NewObserver(newWSConn(c, s.writeTimeout))
	if err := s.hub.Connect(obs); err != nil {
		s.logger.Warn("observer greeting failed", "observer", obs.Label(), "error", err)
		return
	}

	ctx := c.CloseRead(r.Context())
	<-ctx.Done()
	s.hub.Disconnect(obs)
	s.logger.Info("observer disconnected", "observer", obs.Label())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out := map[string]any{"observers": s.hub.Observers()}
	if s.peers != nil {
		out["mesh"] = map[string]any{
			"peer_id":         s.peers.PeerID(),
			"listen_addrs":    s.peers.ListenAddrs(),
			"connected_peers": s.peers.ConnectedPeerAddrs(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
