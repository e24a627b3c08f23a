package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"Pulse-Relay/internal/core/network"
	"Pulse-Relay/internal/envelope"
	"Pulse-Relay/internal/metrics"
)

// TelemetryTopic carries telemetry fan-out between relay nodes.
const TelemetryTopic = "relay.telemetry"

// bridgeFrame wraps serialized wire bytes for the mesh. Origin lets a node
// skip its own publications when they gossip back around.
type bridgeFrame struct {
	Origin  string          `json:"origin"`
	Message json.RawMessage `json:"message"`
}

// Hub fans normalized telemetry out to every live local observer and, when a
// mesh transport is attached, to peer relays for their observers.
type Hub struct {
	nodeID   string
	registry *Registry
	bus      network.PubSub
	logger   *slog.Logger
	metrics  *metrics.Metrics

	stopBridge func()
}

// NewHub wires the hub. bus may be nil for a standalone relay.
func NewHub(nodeID string, registry *Registry, bus network.PubSub, logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		nodeID:   nodeID,
		registry: registry,
		bus:      bus,
		logger:   logger,
		metrics:  m,
	}
}

// Start subscribes to the mesh topic so telemetry ingested on peer relays
// reaches local observers. No-op without a mesh transport.
func (h *Hub) Start() error {
	if h.bus == nil {
		return nil
	}
	ch, cancel, err := h.bus.Subscribe(TelemetryTopic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TelemetryTopic, err)
	}
	h.stopBridge = cancel
	go h.consumeBridge(ch)
	return nil
}

func (h *Hub) Stop() {
	if h.stopBridge != nil {
		h.stopBridge()
		h.stopBridge = nil
	}
}

// Connect greets a new observer and registers it. The greeting goes out
// before registration so no concurrent broadcast can beat it onto the wire.
func (h *Hub) Connect(o *Observer) error {
	greeting := envelope.Message{
		Type:      envelope.MessageSystem,
		Message:   "connected to telemetry relay",
		Timestamp: envelope.NowTS(),
	}
	b, _ := json.Marshal(greeting)
	if err := o.Send(b); err != nil {
		o.MarkClosed()
		return fmt.Errorf("send greeting: %w", err)
	}
	h.registry.Register(o)
	h.metrics.ObserversConnected.Set(float64(h.registry.Len()))
	h.logger.Info("observer connected", "observer", o.Label())
	return nil
}

// Disconnect closes and removes an observer. Idempotent, so the transport
// close handler and broadcast eviction can race on it safely.
func (h *Hub) Disconnect(o *Observer) {
	o.MarkClosed()
	h.registry.Unregister(o)
	h.metrics.ObserversConnected.Set(float64(h.registry.Len()))
}

// Broadcast wraps env in a TELEMETRY message, serializes it once, and hands
// the same bytes to every live observer. Returns the number of observers the
// message was successfully handed to the transport for; delivery beyond that
// is not guaranteed.
func (h *Hub) Broadcast(env envelope.Envelope) int {
	msg := envelope.Message{Type: envelope.MessageTelemetry, Payload: &env}
	b, _ := json.Marshal(msg)

	delivered := h.deliver(b)

	if h.bus != nil {
		frame, _ := json.Marshal(bridgeFrame{Origin: h.nodeID, Message: b})
		if err := h.bus.Publish(TelemetryTopic, frame); err != nil {
			h.logger.Warn("mesh publish failed", "error", err)
		}
	}
	return delivered
}

// Observers reports current registry membership.
func (h *Hub) Observers() int { return h.registry.Len() }

// deliver sends payload to every live observer. A failed send evicts that
// observer; the fan-out continues with the rest.
func (h *Hub) deliver(payload []byte) int {
	delivered := 0
	h.registry.ForEachLive(func(o *Observer) {
		if err := o.Send(payload); err != nil {
			h.logger.Warn("observer send failed, evicting", "observer", o.Label(), "error", err)
			h.metrics.SendFailuresTotal.Inc()
			h.Disconnect(o)
			return
		}
		delivered++
		h.metrics.DeliveriesTotal.Inc()
	})
	return delivered
}

func (h *Hub) consumeBridge(ch <-chan network.Message) {
	for msg := range ch {
		var frame bridgeFrame
		if err := json.Unmarshal(msg.Payload, &frame); err != nil {
			continue
		}
		if frame.Origin == h.nodeID || len(frame.Message) == 0 {
			continue
		}
		h.deliver(frame.Message)
	}
}
