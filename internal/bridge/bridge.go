package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/audiomesh/fabric/internal/metrics"
	"github.com/audiomesh/fabric/internal/registry"
	"github.com/audiomesh/fabric/internal/routing"
	"github.com/audiomesh/fabric/internal/server"
	"github.com/audiomesh/fabric/internal/wire"
)

const writeTimeout = 5 * time.Second

// timingPollInterval is how often pacer health is summarized to bridge
// clients as a timing_update event.
const timingPollInterval = time.Second

// clientMessage is the envelope for every message a bridge client can send.
type clientMessage struct {
	Type      string   `json:"type"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Sequence  uint16   `json:"sequence,omitempty"`
	Opus      string   `json:"opus,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	DeviceID  string   `json:"deviceId,omitempty"`
	Target    string   `json:"target,omitempty"`
	Targets   []string `json:"targets,omitempty"`
}

type bridgeClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	bridge *Bridge

	mu        sync.Mutex
	listening map[string]bool

	closeOnce sync.Once
}

// Bridge is the virtual-endpoint "DSH" audio channel. It registers DSH in
// the registry, accepts audio-only websocket clients, and hands inbound
// audio_packet messages into the datagram server's own egress pipeline.
type Bridge struct {
	logger   *slog.Logger
	registry *registry.Registry
	routing  *routing.Engine
	udp      *server.UDPServer
	metrics  *metrics.Metrics

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*bridgeClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bridge. Call Start to register the virtual endpoint and
// launch background loops; register HandleWS on an HTTP mux to accept
// clients.
func New(logger *slog.Logger, reg *registry.Registry, routingEngine *routing.Engine, udp *server.UDPServer, m *metrics.Metrics) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		logger:   logger,
		registry: reg,
		routing:  routingEngine,
		udp:      udp,
		metrics:  m,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		clients:  make(map[string]*bridgeClient),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the virtual endpoint "DSH" as online, wires the
// datagram server's egress path to this bridge, and launches the timing
// poll loop.
func (b *Bridge) Start() {
	b.registry.RegisterVirtual(server.VirtualEndpointID)
	b.udp.SetBridgeSink(b.onDatagramForBridge)

	b.wg.Add(1)
	go b.pollTiming()
}

// Stop cancels background loops and disconnects every client.
func (b *Bridge) Stop() {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	clients := make([]*bridgeClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// HandleWS upgrades an HTTP request to a websocket connection and admits a
// new bridge client.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("bridge upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &bridgeClient{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, 256),
		bridge:    b,
		listening: make(map[string]bool),
	}

	b.addClient(c)

	go c.writePump()
	go c.readPump()
}

func (b *Bridge) addClient(c *bridgeClient) {
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	b.metrics.BridgeClients.Inc()
	b.logger.Info("bridge client connected", slog.String("client_id", c.id))

	b.sendTo(c, map[string]interface{}{"type": "connected", "endpoint_id": server.VirtualEndpointID})
}

func (b *Bridge) removeClient(c *bridgeClient) {
	b.mu.Lock()
	_, existed := b.clients[c.id]
	delete(b.clients, c.id)
	b.mu.Unlock()

	if !existed {
		return
	}

	c.mu.Lock()
	deviceIDs := make([]string, 0, len(c.listening))
	for d := range c.listening {
		deviceIDs = append(deviceIDs, d)
	}
	c.listening = nil
	c.mu.Unlock()

	for _, d := range deviceIDs {
		b.routing.RemoveRoute(d, server.VirtualEndpointID)
	}

	c.closeOnce.Do(func() { close(c.send) })
	b.metrics.BridgeClients.Dec()
	b.logger.Info("bridge client disconnected", slog.String("client_id", c.id))
}

func (b *Bridge) sendTo(c *bridgeClient, msg map[string]interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal bridge event", slog.String("error", err.Error()))
		return
	}

	select {
	case c.send <- data:
	default:
		b.logger.Warn("bridge client send buffer full, dropping client", slog.String("client_id", c.id))
		go b.removeClient(c)
	}
}

func (b *Bridge) broadcast(msg map[string]interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal bridge broadcast", slog.String("error", err.Error()))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("bridge client send buffer full during broadcast, dropping client",
				slog.String("client_id", c.id),
			)
			go b.removeClient(c)
		}
	}
}

func (c *bridgeClient) readPump() {
	defer c.bridge.removeClient(c)
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(2 * timingPollInterval * 5))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * timingPollInterval * 5))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.bridge.handleMessage(c, data)
	}
}

func (c *bridgeClient) writePump() {
	ticker := time.NewTicker(timingPollInterval * 5)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.bridge.ctx.Done():
			return
		}
	}
}

func (b *Bridge) handleMessage(c *bridgeClient, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.metrics.RecordControlError("bridge-malformed")
		b.sendTo(c, map[string]interface{}{"type": "error", "message": "malformed message: " + err.Error()})
		return
	}

	b.metrics.RecordControlMessage("bridge-" + msg.Type)

	switch msg.Type {
	case "audio_packet":
		b.handleAudioPacket(c, msg)
	case "start_listening":
		if msg.DeviceID == "" {
			b.sendTo(c, map[string]interface{}{"type": "error", "message": "start_listening requires deviceId"})
			return
		}
		b.routing.SetRoute(msg.DeviceID, server.VirtualEndpointID)
		c.mu.Lock()
		c.listening[msg.DeviceID] = true
		c.mu.Unlock()
		b.sendTo(c, map[string]interface{}{"type": "listening_started", "deviceId": msg.DeviceID})
	case "stop_listening":
		if msg.DeviceID == "" {
			b.sendTo(c, map[string]interface{}{"type": "error", "message": "stop_listening requires deviceId"})
			return
		}
		b.routing.RemoveRoute(msg.DeviceID, server.VirtualEndpointID)
		c.mu.Lock()
		delete(c.listening, msg.DeviceID)
		c.mu.Unlock()
		b.sendTo(c, map[string]interface{}{"type": "listening_stopped", "deviceId": msg.DeviceID})
	case "request_stats":
		b.sendTo(c, map[string]interface{}{"type": "audio_stats", "devices": b.registry.AllStats()})
	case "set_route":
		switch {
		case len(msg.Targets) > 0:
			b.routing.SetMultipleRoutes(server.VirtualEndpointID, msg.Targets)
		case msg.Target != "":
			b.routing.SetRoute(server.VirtualEndpointID, msg.Target)
		default:
			b.sendTo(c, map[string]interface{}{"type": "error", "message": "set_route requires target or targets"})
		}
	default:
		b.metrics.RecordControlError("bridge-unknown-command")
		b.sendTo(c, map[string]interface{}{"type": "error", "message": "unknown command: " + msg.Type})
	}
}

func (b *Bridge) handleAudioPacket(c *bridgeClient, msg clientMessage) {
	if msg.To == "" {
		b.sendTo(c, map[string]interface{}{"type": "error", "message": "audio_packet requires to"})
		return
	}

	opus, err := base64.StdEncoding.DecodeString(msg.Opus)
	if err != nil {
		b.sendTo(c, map[string]interface{}{"type": "error", "message": "invalid base64 opus payload"})
		return
	}

	datagram := wire.BuildPacket(server.VirtualEndpointID, msg.Sequence, wire.TypeAudio, opus)
	b.udp.InjectFromBridge(datagram, server.VirtualEndpointID, []string{msg.To})
}

// onDatagramForBridge is the datagram server's bridge sink: it is invoked
// in place of a UDP socket write whenever an effective target set includes
// the virtual endpoint.
func (b *Bridge) onDatagramForBridge(datagram []byte) {
	parsed, err := wire.ParsePacket(datagram)
	if err != nil {
		b.logger.Warn("bridge received unparseable datagram", slog.String("error", err.Error()))
		return
	}

	b.broadcast(map[string]interface{}{
		"type":      "audio_received",
		"from":      parsed.Header.ID(),
		"sequence":  parsed.Header.Sequence,
		"opus":      base64.StdEncoding.EncodeToString(parsed.Payload),
		"timestamp": time.Now().UnixMilli(),
	})
}

// pollTiming summarizes pacer health to every bridge client at a fixed
// cadence, and surfaces newly recorded pacing violations as they appear.
func (b *Bridge) pollTiming() {
	defer b.wg.Done()

	ticker := time.NewTicker(timingPollInterval)
	defer ticker.Stop()

	lastViolationCount := 0

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			stats := b.udp.Pacer().Stats()

			b.broadcast(map[string]interface{}{
				"type":            "timing_update",
				"min_interval_ms": stats.MinIntervalMs,
				"max_interval_ms": stats.MaxIntervalMs,
				"avg_interval_ms": stats.AvgIntervalMs,
				"total_sent":      stats.TotalSent,
				"total_dropped":   stats.TotalDropped,
			})

			if len(stats.Violations) != lastViolationCount {
				if len(stats.Violations) > lastViolationCount {
					for _, v := range stats.Violations[lastViolationCount:] {
						b.broadcast(map[string]interface{}{
							"type":   "timing_violation",
							"kind":   v.Kind,
							"src":    v.Key.Src,
							"tgt":    v.Key.Tgt,
							"at":     v.At,
							"detail": v.Detail,
						})
					}
				}
				lastViolationCount = len(stats.Violations)
			}
		}
	}
}
