package pacer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/audiomesh/fabric/internal/metrics"
	"github.com/audiomesh/fabric/internal/wire"
)

// Tunable constants governing pacing behavior.
const (
	PacketInterval = 20 * time.Millisecond
	MaxBufferSize  = 10
	MaxLatency     = 100 * time.Millisecond

	headAgeCatchup        = 60 * time.Millisecond
	antiBurstGuard        = PacketInterval - 2*time.Millisecond
	initialBufferHeadAge  = 20 * time.Millisecond
	queueBuildupThreshold = 5
	queueBuildupRateLimit = time.Second
	intervalDriftBound    = 10 * time.Millisecond
	historySize           = 20
	violationLogSize      = 100
)

// Violation kinds.
const (
	ViolationIntervalDrift  = "interval_drift"
	ViolationQueueBuildup   = "queue_buildup"
	ViolationHighLatency    = "high_latency"
	ViolationPacketInterval = "packet_interval"
)

// Sender hands a released datagram off to the datagram server for
// transmission to tgt.
type Sender interface {
	Send(tgt string, payload []byte) error
}

// FlowKey identifies a paced flow by its source and target endpoint ids.
type FlowKey struct {
	Src string
	Tgt string
}

// MarshalText renders a FlowKey as "src->tgt" so it can be used as a JSON
// object key (encoding/json only accepts string-like map keys).
func (k FlowKey) MarshalText() ([]byte, error) {
	return []byte(k.Src + "->" + k.Tgt), nil
}

// QueuedPacket is a single buffered datagram awaiting release.
type QueuedPacket struct {
	Payload     []byte
	EnqueueTime time.Time
	Sequence    uint16
}

// PacedFlow is a single (src,tgt) FIFO, reordered on enqueue by sequence.
type PacedFlow struct {
	key                  FlowKey
	queue                []QueuedPacket
	lastSendTime         time.Time
	lastBuildupViolation time.Time
}

// Violation is a single recorded pacing anomaly.
type Violation struct {
	Kind   string
	Key    FlowKey
	At     time.Time
	Detail string
}

// Stats is the diagnostics snapshot exposed to the control plane.
type Stats struct {
	TotalSent     uint64
	TotalDropped  uint64
	MinIntervalMs float64
	MaxIntervalMs float64
	AvgIntervalMs float64
	FlowDepths    map[FlowKey]int
	Violations    []Violation
}

// Pacer is the paced egress queue: per-flow FIFOs released one at a time on
// a fixed cadence, fair across flows via round-robin.
type Pacer struct {
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu                 sync.Mutex
	flows              map[FlowKey]*PacedFlow
	order              []FlowKey
	rrIndex            int
	lastGlobalSendTime time.Time
	lastTickTime       time.Time
	hasEverSent        bool

	intervalHistory []float64
	violations      []Violation

	totalSent    uint64
	totalDropped uint64
}

// New creates an empty pacer. sender is the datagram server's send path.
func New(sender Sender, logger *slog.Logger, m *metrics.Metrics) *Pacer {
	return &Pacer{
		sender:  sender,
		logger:  logger,
		metrics: m,
		flows:   make(map[FlowKey]*PacedFlow),
	}
}

// ShouldPace reports whether traffic from src to tgt must go through the
// pacer rather than being sent directly. True iff src is the virtual
// endpoint and tgt is not.
func ShouldPace(src, tgt string) bool {
	return src == "DSH" && tgt != "DSH"
}

func (p *Pacer) getOrCreateFlowLocked(key FlowKey) *PacedFlow {
	flow, ok := p.flows[key]
	if !ok {
		flow = &PacedFlow{key: key}
		p.flows[key] = flow
		p.order = append(p.order, key)
	}
	return flow
}

// Enqueue appends datagram to the (src,tgt) flow, evicting from the head on
// overflow and re-sorting by sequence to absorb intra-burst reordering.
func (p *Pacer) Enqueue(datagram []byte, src, tgt string, now time.Time) {
	header, err := wire.ParseHeader(datagram)
	seq := uint16(0)
	if err == nil {
		seq = header.Sequence
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	flow := p.getOrCreateFlowLocked(FlowKey{Src: src, Tgt: tgt})
	flow.queue = append(flow.queue, QueuedPacket{Payload: datagram, EnqueueTime: now, Sequence: seq})

	for len(flow.queue) > MaxBufferSize {
		flow.queue = flow.queue[1:]
		p.totalDropped++
		if p.metrics != nil {
			p.metrics.PacerPacketsDropped.Inc()
		}
	}

	sortQueueBySequence(flow.queue)

	if p.metrics != nil {
		p.metrics.PacerQueueDepth.WithLabelValues(src, tgt).Set(float64(len(flow.queue)))
	}
}

// sortQueueBySequence orders queue entries by modular distance from the
// head's sequence number, treating the 16-bit space as circular. Queue
// depth is small (at most MaxBufferSize), so this is a stable partial
// reorder rather than a full total order.
func sortQueueBySequence(queue []QueuedPacket) {
	if len(queue) < 2 {
		return
	}
	ref := queue[0].Sequence
	sort.SliceStable(queue, func(i, j int) bool {
		di := queue[i].Sequence - ref
		dj := queue[j].Sequence - ref
		return di < dj
	})
}

func (p *Pacer) recordViolation(v Violation) {
	p.violations = append(p.violations, v)
	if len(p.violations) > violationLogSize {
		p.violations = p.violations[len(p.violations)-violationLogSize:]
	}
	p.logger.Warn("pacer violation",
		slog.String("kind", v.Kind),
		slog.String("src", v.Key.Src),
		slog.String("tgt", v.Key.Tgt),
		slog.String("detail", v.Detail),
	)
	if p.metrics != nil {
		p.metrics.RecordPacerViolation(v.Kind)
	}
}

func (p *Pacer) recordInterval(delta time.Duration) {
	ms := delta.Seconds() * 1000
	p.intervalHistory = append(p.intervalHistory, ms)
	if len(p.intervalHistory) > historySize {
		p.intervalHistory = p.intervalHistory[len(p.intervalHistory)-historySize:]
	}
	if p.metrics != nil {
		p.metrics.PacerInterSendMs.Observe(ms)
	}
	if ms < 15 || ms > 25 {
		severity := "minor"
		if ms < 10 || ms > 30 {
			severity = "severe"
		}
		p.recordViolation(Violation{
			Kind:   ViolationPacketInterval,
			At:     time.Now(),
			Detail: severityDetail(severity, ms),
		})
	}
}

func severityDetail(severity string, ms float64) string {
	if severity == "severe" {
		return "severe inter-send interval"
	}
	return "inter-send interval outside nominal window"
}

// Tick fires once per PacketInterval. It releases at most one packet across
// all flows, chosen by round-robin, honoring the anti-burst guard and
// initial buffering window.
func (p *Pacer) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastTickTime.IsZero() {
		drift := now.Sub(p.lastTickTime) - PacketInterval
		if drift < 0 {
			drift = -drift
		}
		if drift > intervalDriftBound && p.hasEverSent {
			p.recordViolation(Violation{Kind: ViolationIntervalDrift, At: now, Detail: "tick fired off cadence"})
		}
	}
	p.lastTickTime = now

	needsCatchup := false
	for _, key := range p.order {
		flow := p.flows[key]
		if len(flow.queue) == 0 {
			continue
		}
		if now.Sub(flow.queue[0].EnqueueTime) > headAgeCatchup {
			needsCatchup = true
			break
		}
	}

	if !needsCatchup && !p.lastGlobalSendTime.IsZero() && now.Sub(p.lastGlobalSendTime) < antiBurstGuard {
		return
	}

	n := len(p.order)
	if n == 0 {
		return
	}

	for i := 0; i < n; i++ {
		idx := (p.rrIndex + i) % n
		key := p.order[idx]
		flow := p.flows[key]

		if len(flow.queue) == 0 {
			continue
		}

		headAge := now.Sub(flow.queue[0].EnqueueTime)

		if !p.hasEverSent && len(flow.queue) < 2 && headAge < initialBufferHeadAge {
			continue
		}

		if len(flow.queue) > queueBuildupThreshold {
			if flow.lastBuildupViolation.IsZero() || now.Sub(flow.lastBuildupViolation) >= queueBuildupRateLimit {
				flow.lastBuildupViolation = now
				p.recordViolation(Violation{Kind: ViolationQueueBuildup, Key: key, At: now, Detail: "flow queue depth exceeds threshold"})
			}
		}

		if headAge > MaxLatency {
			p.recordViolation(Violation{Kind: ViolationHighLatency, Key: key, At: now, Detail: "head of queue exceeds max latency"})
		}

		packet := flow.queue[0]
		flow.queue = flow.queue[1:]

		if !p.lastGlobalSendTime.IsZero() {
			p.recordInterval(now.Sub(p.lastGlobalSendTime))
		}

		if err := p.sender.Send(key.Tgt, packet.Payload); err != nil {
			p.logger.Warn("pacer send failed",
				slog.String("tgt", key.Tgt),
				slog.String("error", err.Error()),
			)
		} else {
			p.totalSent++
			if p.metrics != nil {
				p.metrics.PacerPacketsSent.Inc()
			}
		}

		if p.metrics != nil {
			p.metrics.PacerQueueDepth.WithLabelValues(key.Src, key.Tgt).Set(float64(len(flow.queue)))
		}

		flow.lastSendTime = now
		p.lastGlobalSendTime = now
		p.hasEverSent = true
		p.rrIndex = (idx + 1) % n
		return
	}

	p.rrIndex = (p.rrIndex + 1) % n
}

// Stats returns the current diagnostics snapshot.
func (p *Pacer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	depths := make(map[FlowKey]int, len(p.flows))
	for key, flow := range p.flows {
		depths[key] = len(flow.queue)
	}

	minMs, maxMs, sum := 0.0, 0.0, 0.0
	if len(p.intervalHistory) > 0 {
		minMs, maxMs = p.intervalHistory[0], p.intervalHistory[0]
		for _, v := range p.intervalHistory {
			if v < minMs {
				minMs = v
			}
			if v > maxMs {
				maxMs = v
			}
			sum += v
		}
	}

	avgMs := 0.0
	if len(p.intervalHistory) > 0 {
		avgMs = sum / float64(len(p.intervalHistory))
	}

	violations := make([]Violation, len(p.violations))
	copy(violations, p.violations)

	return Stats{
		TotalSent:     p.totalSent,
		TotalDropped:  p.totalDropped,
		MinIntervalMs: minMs,
		MaxIntervalMs: maxMs,
		AvgIntervalMs: avgMs,
		FlowDepths:    depths,
		Violations:    violations,
	}
}
