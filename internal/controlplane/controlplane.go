package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/audiomesh/fabric/internal/config"
	"github.com/audiomesh/fabric/internal/metrics"
	"github.com/audiomesh/fabric/internal/registry"
	"github.com/audiomesh/fabric/internal/routing"
	"github.com/audiomesh/fabric/internal/server"
)

const writeTimeout = 5 * time.Second

// clientMessage is the envelope for every command a control-plane client
// can send. Not every field applies to every command kind.
type clientMessage struct {
	Type     string                 `json:"type"`
	Source   string                 `json:"source,omitempty"`
	Target   string                 `json:"target,omitempty"`
	Targets  []string               `json:"targets,omitempty"`
	A        string                 `json:"a,omitempty"`
	B        string                 `json:"b,omitempty"`
	Scenario string                 `json:"scenario,omitempty"`
	Config   *routing.ExportedConfig `json:"config,omitempty"`
}

// client is one connected control-plane websocket peer: a single writer
// goroutine draining send, and a single reader goroutine dispatching
// commands.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	closeOnce sync.Once
}

// Server is the control channel: it multiplexes registry liveness events
// and throttled monitor events to every connected client, and applies
// client commands to the registry and routing engine.
type Server struct {
	logger   *slog.Logger
	registry *registry.Registry
	routing  *routing.Engine
	udp      *server.UDPServer
	metrics  *metrics.Metrics
	audioCfg config.AudioConfig

	pingInterval time.Duration
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a control-plane server. Call Start to launch its background
// fan-out loops, and register HandleWS on an HTTP mux to accept clients.
func New(wsCfg config.WebSocketConfig, audioCfg config.AudioConfig, logger *slog.Logger,
	reg *registry.Registry, routingEngine *routing.Engine, udp *server.UDPServer, m *metrics.Metrics) *Server {

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		logger:       logger,
		registry:     reg,
		routing:      routingEngine,
		udp:          udp,
		metrics:      m,
		audioCfg:     audioCfg,
		pingInterval: wsCfg.PingIntervalValue(),
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		clients:      make(map[string]*client),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the registry-event forwarder and the throttled monitor
// fan-out loop.
func (s *Server) Start() {
	s.wg.Add(2)
	go s.forwardRegistryEvents()
	go s.monitorFanOut()
}

// Stop cancels background loops and disconnects every client.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// HandleWS upgrades an HTTP request to a websocket connection and admits a
// new control-plane client.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control-plane upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.addClient(c)

	go c.writePump()
	go c.readPump()
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.metrics.ControlClients.Inc()
	s.logger.Info("control-plane client connected", slog.String("client_id", c.id))

	s.sendTo(c, s.initialStateEvent())
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, existed := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()

	if !existed {
		return
	}

	c.closeOnce.Do(func() { close(c.send) })
	s.metrics.ControlClients.Dec()
	s.logger.Info("control-plane client disconnected", slog.String("client_id", c.id))
}

func (s *Server) sendTo(c *client, msg map[string]interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal control-plane event", slog.String("error", err.Error()))
		return
	}

	select {
	case c.send <- data:
	default:
		s.logger.Warn("control-plane client send buffer full, dropping client",
			slog.String("client_id", c.id),
		)
		go s.removeClient(c)
	}
}

func (s *Server) broadcast(msg map[string]interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal control-plane broadcast", slog.String("error", err.Error()))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("control-plane client send buffer full during broadcast, dropping client",
				slog.String("client_id", c.id),
			)
			go s.removeClient(c)
		}
	}
}

func (c *client) readPump() {
	defer c.server.removeClient(c)
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(2 * c.server.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * c.server.pingInterval))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.server.handleMessage(c, data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.pingInterval)
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
		case <-c.server.ctx.Done():
			return
		}
	}
}

func (s *Server) handleMessage(c *client, data []byte) {
	var cmd clientMessage
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.metrics.RecordControlError("malformed")
		s.sendTo(c, s.errorEvent("malformed message: "+err.Error()))
		return
	}

	s.metrics.RecordControlMessage(cmd.Type)

	switch cmd.Type {
	case "get-devices":
		s.sendTo(c, s.devicesEvent())
	case "get-routes":
		s.sendTo(c, s.routesEvent())
	case "get-stats":
		s.sendTo(c, s.statsEvent())
	case "set-route":
		s.handleSetRoute(c, cmd)
	case "remove-route":
		if cmd.Source == "" || cmd.Target == "" {
			s.sendTo(c, s.errorEvent("remove-route requires source and target"))
			return
		}
		s.routing.RemoveRoute(cmd.Source, cmd.Target)
		s.metrics.RouteMutations.Inc()
		s.broadcast(s.routeRemovedEvent(cmd.Source, cmd.Target))
	case "create-bidirectional":
		if cmd.A == "" || cmd.B == "" {
			s.sendTo(c, s.errorEvent("create-bidirectional requires a and b"))
			return
		}
		s.routing.CreateBidirectional(cmd.A, cmd.B)
		s.metrics.RouteMutations.Inc()
		s.broadcast(s.routeCreatedEvent(cmd.A, []string{cmd.B}))
		s.broadcast(s.routeCreatedEvent(cmd.B, []string{cmd.A}))
	case "enable-broadcast":
		s.mutateAndBroadcastRoutes(cmd.Source, s.routing.EnableBroadcast)
	case "disable-broadcast":
		s.mutateAndBroadcastRoutes(cmd.Source, s.routing.DisableBroadcast)
	case "mute-device":
		s.mutateAndBroadcastRoutes(cmd.Target, s.routing.Mute)
	case "unmute-device":
		s.mutateAndBroadcastRoutes(cmd.Target, s.routing.Unmute)
	case "apply-scenario":
		if err := s.routing.Apply(cmd.Scenario); err != nil {
			s.metrics.RecordControlError("apply-scenario")
			s.sendTo(c, s.errorEvent(err.Error()))
			return
		}
		s.metrics.ScenarioApplied.WithLabelValues(cmd.Scenario).Inc()
		s.broadcast(s.routesEvent())
	case "export-config":
		exported := s.routing.Export()
		s.sendTo(c, map[string]interface{}{"type": "routes", "config": exported})
	case "import-config":
		if cmd.Config == nil {
			s.sendTo(c, s.errorEvent("import-config requires config"))
			return
		}
		if err := s.routing.Import(*cmd.Config); err != nil {
			s.metrics.RecordControlError("import-config")
			s.sendTo(c, s.errorEvent(err.Error()))
			return
		}
		s.metrics.RouteMutations.Inc()
		s.broadcast(s.routesEvent())
	case "ping":
		s.sendTo(c, map[string]interface{}{"type": "pong"})
	default:
		s.metrics.RecordControlError("unknown-command")
		s.sendTo(c, s.errorEvent("unknown command: "+cmd.Type))
	}
}

func (s *Server) handleSetRoute(c *client, cmd clientMessage) {
	if cmd.Source == "" {
		s.sendTo(c, s.errorEvent("set-route requires source"))
		return
	}

	var targets []string
	switch {
	case len(cmd.Targets) > 0:
		s.routing.SetMultipleRoutes(cmd.Source, cmd.Targets)
		targets = cmd.Targets
	case cmd.Target != "":
		s.routing.SetRoute(cmd.Source, cmd.Target)
		targets = []string{cmd.Target}
	default:
		s.sendTo(c, s.errorEvent("set-route requires target or targets"))
		return
	}

	s.metrics.RouteMutations.Inc()
	s.broadcast(s.routeCreatedEvent(cmd.Source, targets))
}

func (s *Server) mutateAndBroadcastRoutes(id string, mutate func(string)) {
	if id == "" {
		return
	}
	mutate(id)
	s.metrics.RouteMutations.Inc()
	s.broadcast(s.routesEvent())
}

func (s *Server) initialStateEvent() map[string]interface{} {
	return map[string]interface{}{
		"type":    "initial-state",
		"devices": s.registry.List(),
		"routes":  s.routing.RoutingMatrix(),
		"stats":   s.udp.GetStatistics(),
		"audio": map[string]interface{}{
			"sample_rate":    s.audioCfg.SampleRate,
			"frame_duration": s.audioCfg.FrameDuration,
			"channels":       s.audioCfg.Channels,
		},
	}
}

func (s *Server) devicesEvent() map[string]interface{} {
	return map[string]interface{}{"type": "devices", "devices": s.registry.AllStats()}
}

func (s *Server) routesEvent() map[string]interface{} {
	return map[string]interface{}{"type": "routes", "routes": s.routing.RoutingMatrix()}
}

func (s *Server) statsEvent() map[string]interface{} {
	return map[string]interface{}{
		"type":    "stats",
		"server":  s.udp.GetStatistics(),
		"pacer":   s.udp.Pacer().Stats(),
		"devices": s.registry.AllStats(),
	}
}

func (s *Server) routeCreatedEvent(source string, targets []string) map[string]interface{} {
	return map[string]interface{}{"type": "route-created", "source": source, "targets": targets}
}

func (s *Server) routeRemovedEvent(source, target string) map[string]interface{} {
	return map[string]interface{}{"type": "route-removed", "source": source, "target": target}
}

func (s *Server) errorEvent(message string) map[string]interface{} {
	return map[string]interface{}{"type": "error", "message": message}
}

// forwardRegistryEvents relays liveness transitions from the registry to
// every connected client, unmultiplexed from the single registry producer.
func (s *Server) forwardRegistryEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.registry.Events():
			if !ok {
				return
			}
			s.broadcast(map[string]interface{}{
				"type":        string(ev.Kind),
				"endpoint_id": ev.EndpointID,
				"at":          ev.At,
			})
		}
	}
}

// monitorFanOut batches datagram arrival events from the datagram server
// and flushes them to clients at most once every 100ms.
func (s *Server) monitorFanOut() {
	defer s.wg.Done()

	const flushInterval = 100 * time.Millisecond
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []server.MonitorEvent

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.udp.Monitor():
			if !ok {
				return
			}
			batch = append(batch, ev)
		case <-ticker.C:
			if len(batch) == 0 {
				continue
			}
			s.broadcast(map[string]interface{}{"type": "packets", "packets": batch})
			batch = nil
		}
	}
}
