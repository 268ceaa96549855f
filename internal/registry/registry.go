package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/audiomesh/fabric/internal/metrics"
)

// EventKind names a liveness transition emitted by the registry.
type EventKind string

// Event kinds emitted on endpoint liveness transitions.
const (
	EventConnected    EventKind = "device-connected"
	EventReconnected  EventKind = "device-reconnected"
	EventDisconnected EventKind = "device-disconnected"
)

// Event is a liveness transition pushed to the control plane.
type Event struct {
	Kind       EventKind
	EndpointID string
	At         time.Time
}

// jitterRingSize is the number of inter-arrival deltas retained per endpoint.
const jitterRingSize = 100

// noSequence marks an endpoint that has not yet received a sequenced
// datagram, so the first arrival never triggers a loss computation.
const noSequence = -1

// Endpoint is a single fabric participant: physical (datagram-backed) or
// virtual (control-plane-backed).
type Endpoint struct {
	id      string
	virtual bool

	mu              sync.RWMutex
	addr            *net.UDPAddr
	online          bool
	firstSeen       time.Time
	lastSeen        time.Time
	lastSequence    int32
	packetsReceived uint64
	packetsLost     uint64
	lastPacketTime  time.Time
	jitterRing      []float64
	jitterPos       int
	lastHeartbeat   time.Time
}

// Snapshot is a point-in-time, lock-free copy of an endpoint's state.
type Snapshot struct {
	ID              string
	Addr            *net.UDPAddr
	Online          bool
	Virtual         bool
	FirstSeen       time.Time
	LastSeen        time.Time
	PacketsReceived uint64
	PacketsLost     uint64
}

// Stats is the aggregate snapshot exposed to the control plane.
type Stats struct {
	ID              string
	Addr            string
	Online          bool
	Virtual         bool
	UptimeSeconds   float64
	PacketsReceived uint64
	PacketsLost     uint64
	LossRate        float64
	AvgJitterMs     float64
}

func (e *Endpoint) snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		ID:              e.id,
		Addr:            e.addr,
		Online:          e.online,
		Virtual:         e.virtual,
		FirstSeen:       e.firstSeen,
		LastSeen:        e.lastSeen,
		PacketsReceived: e.packetsReceived,
		PacketsLost:     e.packetsLost,
	}
}

func (e *Endpoint) stats(now time.Time) Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	lossRate := float64(0)
	if total := e.packetsReceived + e.packetsLost; total > 0 {
		lossRate = float64(e.packetsLost) / float64(total)
	}

	addr := ""
	if e.addr != nil {
		addr = e.addr.String()
	}

	return Stats{
		ID:              e.id,
		Addr:            addr,
		Online:          e.online,
		Virtual:         e.virtual,
		UptimeSeconds:   now.Sub(e.firstSeen).Seconds(),
		PacketsReceived: e.packetsReceived,
		PacketsLost:     e.packetsLost,
		LossRate:        lossRate,
		AvgJitterMs:     e.avgJitterLocked(),
	}
}

func (e *Endpoint) avgJitterLocked() float64 {
	if len(e.jitterRing) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range e.jitterRing {
		sum += v
	}
	return sum / float64(len(e.jitterRing))
}

func (e *Endpoint) pushJitter(v float64) {
	if len(e.jitterRing) < jitterRingSize {
		e.jitterRing = append(e.jitterRing, v)
		return
	}
	e.jitterRing[e.jitterPos] = v
	e.jitterPos = (e.jitterPos + 1) % jitterRingSize
}

// Config configures the registry's liveness and capacity policy.
type Config struct {
	Timeout       time.Duration // T_timeout: marks an endpoint offline
	GC            time.Duration // T_gc: removes an endpoint offline this long
	FrameDuration time.Duration // nominal inter-packet interval, for jitter
	MaxDevices    int           // 0 means unbounded
}

// Registry is the concurrency-safe store of all fabric endpoints.
type Registry struct {
	logger  *slog.Logger
	cfg     Config
	metrics *metrics.Metrics

	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty registry. m may be nil in tests that don't care
// about Prometheus instrumentation.
func New(logger *slog.Logger, cfg Config, m *metrics.Metrics) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:    logger,
		cfg:       cfg,
		metrics:   m,
		endpoints: make(map[string]*Endpoint),
		events:    make(chan Event, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// refreshGauges recomputes the endpoint-count gauges from the current
// endpoint set. Called after any mutation that creates, removes, or flips
// the online state of an endpoint.
func (r *Registry) refreshGauges() {
	if r.metrics == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	active, physical, virtual := 0, 0, 0
	for _, ep := range r.endpoints {
		ep.mu.RLock()
		if ep.virtual {
			virtual++
		} else {
			physical++
		}
		if ep.online {
			active++
		}
		ep.mu.RUnlock()
	}

	r.metrics.ActiveEndpoints.Set(float64(active))
	r.metrics.EndpointsPhysical.Set(float64(physical))
	r.metrics.EndpointsVirtual.Set(float64(virtual))
}

// Start launches the background loop that drives CheckTimeouts and Cleanup
// at a fixed cadence. The registry is usable without calling Start; liveness
// simply won't age out on its own until something calls CheckTimeouts.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.gcLoop()
}

// Stop halts the background GC loop and waits for it to exit.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) gcLoop() {
	defer r.wg.Done()

	interval := r.cfg.Timeout / 2
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			timedOut := r.CheckTimeouts(now)
			removed := r.Cleanup(now)
			if timedOut > 0 || removed > 0 {
				r.logger.Debug("registry gc pass",
					slog.Int("timed_out", timedOut),
					slog.Int("removed", removed),
				)
			}
		}
	}
}

// Events returns the channel of liveness transitions. There is exactly one
// intended consumer: the control plane, which multiplexes to its clients.
func (r *Registry) Events() <-chan Event {
	return r.events
}

func (r *Registry) emit(kind EventKind, id string, now time.Time) {
	select {
	case r.events <- Event{Kind: kind, EndpointID: id, At: now}:
	default:
		r.logger.Warn("registry event channel full, dropping event",
			slog.String("kind", string(kind)),
			slog.String("endpoint_id", id),
		)
	}
}

func (r *Registry) getOrCreate(id string, now time.Time, virtual bool) (*Endpoint, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, exists := r.endpoints[id]; exists {
		return ep, false, nil
	}

	if r.cfg.MaxDevices > 0 && len(r.endpoints) >= r.cfg.MaxDevices {
		return nil, false, errCapacity(id, r.cfg.MaxDevices)
	}

	ep := &Endpoint{
		id:           id,
		virtual:      virtual,
		firstSeen:    now,
		lastSeen:     now,
		lastSequence: noSequence,
	}
	r.endpoints[id] = ep
	return ep, true, nil
}

// UpdateFromDatagram creates the endpoint on first use, updates its address
// and sequence state, and returns a snapshot. Packet loss and jitter are
// tracked per §4.2.
func (r *Registry) UpdateFromDatagram(id string, addr *net.UDPAddr, seq uint16, now time.Time) (Snapshot, error) {
	ep, created, err := r.getOrCreate(id, now, false)
	if err != nil {
		return Snapshot{}, err
	}

	ep.mu.Lock()
	ep.addr = addr
	wasOnline := ep.online
	ep.online = true
	ep.lastSeen = now
	ep.packetsReceived++

	if !created && !ep.virtual && ep.lastSequence != noSequence {
		expected := uint16((ep.lastSequence + 1) % 65536)
		if seq != expected {
			lost := seq - expected // uint16 wraparound gives the forward distance
			if lost < 1000 {
				ep.packetsLost += uint64(lost)
				if r.metrics != nil {
					r.metrics.PacketsLostTotal.Add(float64(lost))
				}
			}
			// else: treated as a sequence reset/heavy reorder, not loss.
		}
	}
	ep.lastSequence = int32(seq)

	if !ep.lastPacketTime.IsZero() && r.cfg.FrameDuration > 0 {
		delta := now.Sub(ep.lastPacketTime)
		drift := delta.Seconds()*1000 - float64(r.cfg.FrameDuration.Milliseconds())
		if drift < 0 {
			drift = -drift
		}
		ep.pushJitter(drift)
		if r.metrics != nil {
			r.metrics.JitterMs.Observe(drift)
		}
	}
	ep.lastPacketTime = now
	ep.mu.Unlock()

	switch {
	case created:
		r.emit(EventConnected, id, now)
	case !wasOnline:
		r.emit(EventReconnected, id, now)
	}

	if created || !wasOnline {
		r.refreshGauges()
	}

	return ep.snapshot(), nil
}

// RegisterVirtual registers a control-plane-backed endpoint. Virtual
// endpoints never participate in datagram sequence/loss accounting and are
// exempt from timeout-based liveness checks.
func (r *Registry) RegisterVirtual(id string) Snapshot {
	now := time.Now()
	ep, created, _ := r.getOrCreate(id, now, true)

	ep.mu.Lock()
	ep.online = true
	ep.lastSeen = now
	ep.mu.Unlock()

	if created {
		r.emit(EventConnected, id, now)
		r.refreshGauges()
	}
	return ep.snapshot()
}

// UpdateHeartbeat records the arrival of a heartbeat packet without
// touching sequence or jitter accounting.
func (r *Registry) UpdateHeartbeat(id string, now time.Time) {
	r.mu.RLock()
	ep, exists := r.endpoints[id]
	r.mu.RUnlock()
	if !exists {
		return
	}
	ep.mu.Lock()
	ep.lastHeartbeat = now
	ep.lastSeen = now
	ep.mu.Unlock()
}

// CheckTimeouts marks endpoints offline whose last activity exceeds the
// configured timeout. Virtual endpoints are exempt: their liveness is
// governed by their control-plane connection, not datagram arrival.
func (r *Registry) CheckTimeouts(now time.Time) int {
	r.mu.RLock()
	endpoints := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		endpoints = append(endpoints, ep)
	}
	r.mu.RUnlock()

	count := 0
	for _, ep := range endpoints {
		ep.mu.Lock()
		if ep.virtual || !ep.online {
			ep.mu.Unlock()
			continue
		}
		if now.Sub(ep.lastSeen) > r.cfg.Timeout {
			ep.online = false
			id := ep.id
			ep.mu.Unlock()
			count++
			r.emit(EventDisconnected, id, now)
			continue
		}
		ep.mu.Unlock()
	}
	if count > 0 {
		r.refreshGauges()
	}
	return count
}

// Cleanup removes endpoints that have been offline longer than the
// configured GC window. Virtual endpoints are never garbage collected.
func (r *Registry) Cleanup(now time.Time) int {
	r.mu.Lock()
	removed := 0
	for id, ep := range r.endpoints {
		ep.mu.RLock()
		expired := !ep.virtual && !ep.online && now.Sub(ep.lastSeen) > r.cfg.GC
		ep.mu.RUnlock()
		if expired {
			delete(r.endpoints, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.refreshGauges()
	}
	return removed
}

// Get returns a snapshot of a single endpoint.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	ep, exists := r.endpoints[id]
	r.mu.RUnlock()
	if !exists {
		return Snapshot{}, false
	}
	return ep.snapshot(), true
}

// Stats returns the control-plane-facing statistics snapshot for id.
func (r *Registry) Stats(id string) (Stats, bool) {
	r.mu.RLock()
	ep, exists := r.endpoints[id]
	r.mu.RUnlock()
	if !exists {
		return Stats{}, false
	}
	return ep.stats(time.Now()), true
}

// List returns a copy-on-read snapshot of every registered endpoint.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep.snapshot())
	}
	return out
}

// AllStats returns the control-plane stats snapshot for every endpoint.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	endpoints := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		endpoints = append(endpoints, ep)
	}
	r.mu.RUnlock()

	now := time.Now()
	out := make([]Stats, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, ep.stats(now))
	}
	return out
}

// OnlineIDs returns the ids of every endpoint currently marked online.
func (r *Registry) OnlineIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.endpoints))
	for id, ep := range r.endpoints {
		ep.mu.RLock()
		online := ep.online
		ep.mu.RUnlock()
		if online {
			out = append(out, id)
		}
	}
	return out
}

// AllIDs returns the ids of every registered endpoint, online or not.
func (r *Registry) AllIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		out = append(out, id)
	}
	return out
}

// IsOnline reports whether id is registered and currently online.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	ep, exists := r.endpoints[id]
	r.mu.RUnlock()
	if !exists {
		return false
	}
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.online
}

// Addr returns the network address registered for id, if any.
func (r *Registry) Addr(id string) (*net.UDPAddr, bool) {
	r.mu.RLock()
	ep, exists := r.endpoints[id]
	r.mu.RUnlock()
	if !exists {
		return nil, false
	}
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.addr, ep.addr != nil
}

// Count returns the number of registered endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

func errCapacity(id string, max int) error {
	return fmt.Errorf("registry: at capacity (%d devices), rejecting %s", max, id)
}
