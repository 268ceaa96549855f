package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiomesh/fabric/internal/config"
	"github.com/audiomesh/fabric/internal/metrics"
	"github.com/audiomesh/fabric/internal/pacer"
	"github.com/audiomesh/fabric/internal/registry"
	"github.com/audiomesh/fabric/internal/routing"
	"github.com/audiomesh/fabric/internal/wire"
)

// VirtualEndpointID is the bridge's fixed endpoint id inside the routing
// fabric.
const VirtualEndpointID = "DSH"

// MonitorEvent describes a single datagram arrival, fanned out to the
// control plane at a throttled cadence.
type MonitorEvent struct {
	SourceID string
	Sequence uint16
	Type     uint16
	Size     int
	At       time.Time
}

type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// UDPServer is the datagram ingress/egress loop: it parses, updates
// liveness, consults routing, and egresses either directly or through the
// paced queue.
type UDPServer struct {
	conn *net.UDPConn

	cfg      config.UDPConfig
	logger   *slog.Logger
	registry *registry.Registry
	routing  *routing.Engine
	pacer    *pacer.Pacer
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	packetChan chan *incomingPacket
	monitor    chan MonitorEvent

	packetsReceived atomic.Uint64
	packetsRouted   atomic.Uint64
	packetsDropped  atomic.Uint64

	bridgeMu   sync.RWMutex
	bridgeSink func(datagram []byte)
}

// New creates a datagram server bound to the configured port once Start is
// called.
func New(cfg config.UDPConfig, logger *slog.Logger, reg *registry.Registry, routingEngine *routing.Engine, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &UDPServer{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		routing:    routingEngine,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		packetChan: make(chan *incomingPacket, 1000),
		monitor:    make(chan MonitorEvent, 1000),
	}
	s.pacer = pacer.New(s, logger, m)
	return s
}

// Pacer returns the server's paced egress queue, for diagnostics readers.
// The server's own pacerTickLoop drives its ticks once Start is called.
func (s *UDPServer) Pacer() *pacer.Pacer {
	return s.pacer
}

// Monitor returns the throttled fan-out channel of datagram arrivals.
func (s *UDPServer) Monitor() <-chan MonitorEvent {
	return s.monitor
}

// SetBridgeSink registers the callback that receives datagrams egressed
// toward the virtual endpoint, in place of a UDP socket write. The bridge
// calls this once at startup.
func (s *UDPServer) SetBridgeSink(fn func(datagram []byte)) {
	s.bridgeMu.Lock()
	defer s.bridgeMu.Unlock()
	s.bridgeSink = fn
}

func (s *UDPServer) callBridgeSink(datagram []byte) bool {
	s.bridgeMu.RLock()
	fn := s.bridgeSink
	s.bridgeMu.RUnlock()
	if fn == nil {
		return false
	}
	fn(datagram)
	return true
}

// Start binds the UDP socket and launches the receive loop and worker pool.
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", s.cfg.ServerPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	s.logger.Info("datagram server started",
		slog.String("address", addr.String()),
		slog.Int("max_packet_size", s.cfg.MaxPacketSize),
	)

	numWorkers := 4
	for i := 0; i < numWorkers; i++ {
		s.wg.Add(1)
		go s.packetProcessor(i)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	s.wg.Add(1)
	go s.pacerTickLoop()

	return nil
}

// pacerTickLoop drives the paced egress queue at its fixed release cadence
// until the server is stopped.
func (s *UDPServer) pacerTickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(pacer.PacketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.pacer.Tick(now)
		}
	}
}

// Stop closes the socket and waits for in-flight packets to finish.
func (s *UDPServer) Stop() error {
	s.logger.Info("stopping datagram server...")

	s.cancel()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("error closing UDP connection", slog.String("error", err.Error()))
		}
	}
	close(s.packetChan)
	s.wg.Wait()
	close(s.monitor)

	s.logger.Info("datagram server stopped",
		slog.Uint64("packets_received", s.packetsReceived.Load()),
		slog.Uint64("packets_routed", s.packetsRouted.Load()),
		slog.Uint64("packets_dropped", s.packetsDropped.Load()),
	)
	return nil
}

func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()

	buffer := make([]byte, s.cfg.MaxPacketSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			s.logger.Error("failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.packetsReceived.Add(1)
		s.metrics.PacketsReceived.Inc()

		data := make([]byte, n)
		copy(data, buffer[:n])

		packet := &incomingPacket{data: data, remoteAddr: remoteAddr, timestamp: time.Now()}
		select {
		case s.packetChan <- packet:
		default:
			s.packetsDropped.Add(1)
			s.metrics.RecordDropped("queue_full")
			s.logger.Warn("packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
			)
		}
	}
}

func (s *UDPServer) packetProcessor(workerID int) {
	defer s.wg.Done()
	for packet := range s.packetChan {
		s.handlePacket(packet, workerID)
	}
}

func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	if len(packet.data) < wire.HeaderSize {
		s.packetsDropped.Add(1)
		s.metrics.RecordDropped("too_short")
		s.logger.Warn("dropping undersized datagram",
			slog.Int("size", len(packet.data)),
			slog.String("remote_addr", packet.remoteAddr.String()),
		)
		return
	}

	parsed, err := wire.ParsePacket(packet.data)
	if err != nil {
		s.packetsDropped.Add(1)
		s.metrics.RecordDropped("parse_error")
		s.logger.Warn("failed to parse datagram", slog.String("error", err.Error()))
		return
	}

	id := parsed.Header.ID()
	snap, err := s.registry.UpdateFromDatagram(id, packet.remoteAddr, parsed.Header.Sequence, packet.timestamp)
	if err != nil {
		s.packetsDropped.Add(1)
		s.metrics.RecordDropped("registry_capacity")
		s.logger.Warn("registry rejected datagram",
			slog.String("endpoint_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	_ = snap

	s.emitMonitor(MonitorEvent{SourceID: id, Sequence: parsed.Header.Sequence, Type: parsed.Header.Type, Size: len(packet.data), At: packet.timestamp})

	switch parsed.Header.Type {
	case wire.TypeAudio:
		s.routeAudio(id, packet.data, workerID)
	case wire.TypeControl:
		s.handleControl(id, parsed.Payload, workerID)
	case wire.TypeHeartbeat:
		s.registry.UpdateHeartbeat(id, packet.timestamp)
		s.metrics.HeartbeatsSeen.Inc()
		if _, err := s.conn.WriteToUDP(wire.HeartbeatReply(), packet.remoteAddr); err != nil {
			s.logger.Warn("failed to send heartbeat reply",
				slog.String("endpoint_id", id),
				slog.String("error", err.Error()),
			)
		}
	default:
		s.packetsDropped.Add(1)
		s.metrics.RecordDropped("unknown_type")
		s.logger.Warn("dropping datagram with unknown type",
			slog.String("endpoint_id", id),
			slog.Int("type", int(parsed.Header.Type)),
			slog.Int("worker_id", workerID),
		)
	}
}

func (s *UDPServer) routeAudio(src string, datagram []byte, workerID int) {
	s.egress(src, datagram, s.routing.GetRoutes(src), workerID)
}

// InjectFromBridge enters datagram into the same egress pipeline a
// datagram-socket arrival would use, but with an explicit target list
// instead of a routing-engine lookup: the bridge already carries its
// target in the message.
func (s *UDPServer) InjectFromBridge(datagram []byte, src string, targets []string) {
	s.egress(src, datagram, targets, -1)
}

func (s *UDPServer) egress(src string, datagram []byte, targets []string, workerID int) {
	for _, tgt := range targets {
		if !s.registry.IsOnline(tgt) {
			continue
		}

		if tgt == VirtualEndpointID {
			if s.callBridgeSink(datagram) {
				s.packetsRouted.Add(1)
				s.metrics.PacketsRouted.Inc()
			}
			continue
		}

		if pacer.ShouldPace(src, tgt) {
			s.pacer.Enqueue(datagram, src, tgt, time.Now())
			continue
		}

		if err := s.Send(tgt, datagram); err != nil {
			s.packetsDropped.Add(1)
			s.metrics.RecordDropped("send_error")
			s.logger.Warn("failed to egress audio datagram",
				slog.String("src", src),
				slog.String("tgt", tgt),
				slog.String("error", err.Error()),
				slog.Int("worker_id", workerID),
			)
			continue
		}
		s.packetsRouted.Add(1)
		s.metrics.PacketsRouted.Inc()
	}
}

type controlCommand struct {
	Command string   `json:"command"`
	Target  string   `json:"target,omitempty"`
	Targets []string `json:"targets,omitempty"`
	Enable  *bool    `json:"enable,omitempty"`
}

func (s *UDPServer) handleControl(src string, payload []byte, workerID int) {
	var cmd controlCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.logger.Warn("malformed control payload, ignoring",
			slog.String("endpoint_id", src),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	switch cmd.Command {
	case "route":
		if len(cmd.Targets) > 0 {
			s.routing.SetMultipleRoutes(src, cmd.Targets)
		} else if cmd.Target != "" {
			s.routing.SetRoute(src, cmd.Target)
		}
	case "broadcast":
		if cmd.Enable != nil && *cmd.Enable {
			s.routing.EnableBroadcast(src)
		} else {
			s.routing.DisableBroadcast(src)
		}
	case "mute":
		if cmd.Enable != nil && *cmd.Enable {
			s.routing.Mute(src)
		} else {
			s.routing.Unmute(src)
		}
	default:
		s.logger.Warn("unknown control command, ignoring",
			slog.String("endpoint_id", src),
			slog.String("command", cmd.Command),
			slog.Int("worker_id", workerID),
		)
	}
}

func (s *UDPServer) emitMonitor(ev MonitorEvent) {
	select {
	case s.monitor <- ev:
	default:
		// throttled consumer is behind; drop the arrival event, never the datagram itself.
	}
}

// Send transmits payload to tgt's registered address. It implements
// pacer.Sender so the pacer can hand released packets back to this server.
func (s *UDPServer) Send(tgt string, payload []byte) error {
	addr, ok := s.registry.Addr(tgt)
	if !ok {
		return fmt.Errorf("server: no known address for %s", tgt)
	}
	_, err := s.conn.WriteToUDP(payload, addr)
	return err
}

// Stats is the server-level counters exposed to the control plane.
type Stats struct {
	PacketsReceived uint64 `json:"packets_received"`
	PacketsRouted   uint64 `json:"packets_routed"`
	PacketsDropped  uint64 `json:"packets_dropped"`
	QueueSize       uint64 `json:"queue_size"`
	QueueCapacity   uint64 `json:"queue_capacity"`
}

// GetStatistics returns a loose, non-transactional snapshot of the server's
// counters.
func (s *UDPServer) GetStatistics() Stats {
	return Stats{
		PacketsReceived: s.packetsReceived.Load(),
		PacketsRouted:   s.packetsRouted.Load(),
		PacketsDropped:  s.packetsDropped.Load(),
		QueueSize:       uint64(len(s.packetChan)),
		QueueCapacity:   uint64(cap(s.packetChan)),
	}
}
