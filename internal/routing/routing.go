package routing

import (
	"fmt"
	"sort"
	"sync"
)

// Scenario names accepted by Apply.
const (
	ScenarioAllToAll = "all-to-all"
	ScenarioPairs    = "pairs"
	ScenarioChain    = "chain"
	ScenarioHub      = "hub"
	ScenarioClear    = "clear"
)

// OnlineSource supplies the current online endpoint set and the full
// registered id set. The engine never touches the registry directly; it
// asks this interface, matching the single-direction dependency used
// elsewhere between components.
type OnlineSource interface {
	OnlineIDs() []string
	AllIDs() []string
}

// Group is a named conference: a set of endpoints that are all-to-all routed
// to each other via CreateConference.
type Group struct {
	ID      string
	Members map[string]bool
}

// DeviceRoutes is the per-endpoint snapshot exported by RoutingMatrix.
type DeviceRoutes struct {
	ID        string
	Online    bool
	Muted     bool
	Broadcast bool
	Routes    []string
	Groups    []string
}

// ExportedConfig is the transactional export/import payload.
type ExportedConfig struct {
	Routes    map[string][]string `json:"routes"`
	Broadcast map[string]bool     `json:"broadcast"`
	Muted     map[string]bool     `json:"muted"`
}

// Engine is the directed routing multigraph and its policy state: explicit
// routes, broadcast flags, mute flags, and conference groups. A single lock
// guards everything; GetRoutes is the hot path and is O(targets).
type Engine struct {
	online       OnlineSource
	maxGroupSize int

	mu        sync.Mutex
	routes    map[string]map[string]bool
	broadcast map[string]bool
	muted     map[string]bool
	groups    map[string]*Group
	nextGroup int
}

// New creates an empty routing engine. maxGroupSize of 0 means unbounded.
func New(online OnlineSource, maxGroupSize int) *Engine {
	return &Engine{
		online:       online,
		maxGroupSize: maxGroupSize,
		routes:       make(map[string]map[string]bool),
		broadcast:    make(map[string]bool),
		muted:        make(map[string]bool),
		groups:       make(map[string]*Group),
	}
}

// SetRoute adds tgt to routes[src]. Self-routing is permitted and is the
// only mechanism for server-side echo.
func (e *Engine) SetRoute(src, tgt string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addRouteLocked(src, tgt)
}

func (e *Engine) addRouteLocked(src, tgt string) {
	set, ok := e.routes[src]
	if !ok {
		set = make(map[string]bool)
		e.routes[src] = set
	}
	set[tgt] = true
}

// SetMultipleRoutes replaces routes[src] with the given target set.
func (e *Engine) SetMultipleRoutes(src string, targets []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setMultipleRoutesLocked(src, targets)
}

func (e *Engine) setMultipleRoutesLocked(src string, targets []string) {
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t] = true
	}
	e.routes[src] = set
}

// RemoveRoute removes tgt from routes[src]; deletes the entry if empty.
func (e *Engine) RemoveRoute(src, tgt string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, ok := e.routes[src]
	if !ok {
		return
	}
	delete(set, tgt)
	if len(set) == 0 {
		delete(e.routes, src)
	}
}

// ClearRoutes deletes the entire routes[src] entry.
func (e *Engine) ClearRoutes(src string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.routes, src)
}

// EnableBroadcast marks id as a broadcast source.
func (e *Engine) EnableBroadcast(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcast[id] = true
}

// DisableBroadcast clears id's broadcast flag.
func (e *Engine) DisableBroadcast(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.broadcast, id)
}

// Mute excludes id from being a source or destination of routing.
func (e *Engine) Mute(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted[id] = true
}

// Unmute clears id's mute flag.
func (e *Engine) Unmute(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.muted, id)
}

// CreateBidirectional is equivalent to SetRoute(a,b) and SetRoute(b,a).
func (e *Engine) CreateBidirectional(a, b string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addRouteLocked(a, b)
	e.addRouteLocked(b, a)
}

// CreateConference registers a new all-to-all group over ids: for each
// s in ids, routes[s] is replaced with ids minus s. Fails if |ids| exceeds
// the configured maxGroupSize.
func (e *Engine) CreateConference(ids []string) (string, error) {
	if e.maxGroupSize > 0 && len(ids) > e.maxGroupSize {
		return "", fmt.Errorf("routing: conference of %d members exceeds max group size %d", len(ids), e.maxGroupSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}

	for _, s := range ids {
		others := make([]string, 0, len(ids)-1)
		for _, o := range ids {
			if o != s {
				others = append(others, o)
			}
		}
		e.setMultipleRoutesLocked(s, others)
	}

	e.nextGroup++
	groupID := fmt.Sprintf("group-%d", e.nextGroup)
	e.groups[groupID] = &Group{ID: groupID, Members: members}
	return groupID, nil
}

// GetRoutes is the hot path: returns the effective target set for src.
//
// Rules in order:
//  1. If src is muted, return empty.
//  2. If src is a broadcast source, return all online endpoints except src
//     and any muted endpoint.
//  3. Otherwise, the union of explicit routes[src] and src's group
//     co-members, minus muted endpoints.
func (e *Engine) GetRoutes(src string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getRoutesLocked(src)
}

func (e *Engine) getRoutesLocked(src string) []string {
	if e.muted[src] {
		return nil
	}

	if e.broadcast[src] {
		online := e.online.OnlineIDs()
		out := make([]string, 0, len(online))
		for _, id := range online {
			if id == src || e.muted[id] {
				continue
			}
			out = append(out, id)
		}
		return out
	}

	targets := make(map[string]bool)
	for t := range e.routes[src] {
		targets[t] = true
	}
	for _, g := range e.groups {
		if !g.Members[src] {
			continue
		}
		for m := range g.Members {
			if m != src {
				targets[m] = true
			}
		}
	}

	out := make([]string, 0, len(targets))
	for t := range targets {
		if !e.muted[t] {
			out = append(out, t)
		}
	}
	return out
}

// groupIDsContainingLocked returns the ids of every group src belongs to.
func (e *Engine) groupIDsContainingLocked(src string) []string {
	var out []string
	for id, g := range e.groups {
		if g.Members[src] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RoutingMatrix exports a per-endpoint snapshot for every registered
// endpoint (online or not), plus any id that appears only as a route
// source/target, a broadcast source, a muted id, or a group member (so a
// stale route to an id no longer registered still surfaces).
func (e *Engine) RoutingMatrix() []DeviceRoutes {
	e.mu.Lock()
	defer e.mu.Unlock()

	online := make(map[string]bool)
	for _, id := range e.online.OnlineIDs() {
		online[id] = true
	}

	ids := make(map[string]bool)
	for _, id := range e.online.AllIDs() {
		ids[id] = true
	}
	for src, set := range e.routes {
		ids[src] = true
		for tgt := range set {
			ids[tgt] = true
		}
	}
	for id := range e.broadcast {
		ids[id] = true
	}
	for id := range e.muted {
		ids[id] = true
	}
	for _, g := range e.groups {
		for m := range g.Members {
			ids[m] = true
		}
	}

	out := make([]DeviceRoutes, 0, len(ids))
	for id := range ids {
		out = append(out, DeviceRoutes{
			ID:        id,
			Online:    online[id],
			Muted:     e.muted[id],
			Broadcast: e.broadcast[id],
			Routes:    e.getRoutesLocked(id),
			Groups:    e.groupIDsContainingLocked(id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply runs a named scenario preset over the current online set.
func (e *Engine) Apply(scenario string) error {
	online := e.online.OnlineIDs()
	sort.Strings(online)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch scenario {
	case ScenarioClear:
		e.routes = make(map[string]map[string]bool)
		e.broadcast = make(map[string]bool)
		e.muted = make(map[string]bool)
		e.groups = make(map[string]*Group)
		return nil

	case ScenarioAllToAll:
		for _, s := range online {
			others := make([]string, 0, len(online)-1)
			for _, o := range online {
				if o != s {
					others = append(others, o)
				}
			}
			e.setMultipleRoutesLocked(s, others)
		}
		return nil

	case ScenarioPairs:
		for i := 0; i+1 < len(online); i += 2 {
			a, b := online[i], online[i+1]
			e.addRouteLocked(a, b)
			e.addRouteLocked(b, a)
		}
		return nil

	case ScenarioChain:
		for i := 0; i+1 < len(online); i++ {
			e.addRouteLocked(online[i], online[i+1])
		}
		return nil

	case ScenarioHub:
		if len(online) == 0 {
			return nil
		}
		hub := online[0]
		for _, o := range online[1:] {
			e.addRouteLocked(hub, o)
			e.addRouteLocked(o, hub)
		}
		return nil

	default:
		return fmt.Errorf("routing: unknown scenario %q", scenario)
	}
}

// Export captures the current routes, broadcast flags, and muted set as a
// serializable configuration. Groups are not exported, and Import does not
// recreate them; the explicit routes a conference set are exported as
// ordinary routes.
func (e *Engine) Export() ExportedConfig {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := ExportedConfig{
		Routes:    make(map[string][]string, len(e.routes)),
		Broadcast: make(map[string]bool, len(e.broadcast)),
		Muted:     make(map[string]bool, len(e.muted)),
	}
	for src, set := range e.routes {
		targets := make([]string, 0, len(set))
		for t := range set {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		cfg.Routes[src] = targets
	}
	for id := range e.broadcast {
		cfg.Broadcast[id] = true
	}
	for id := range e.muted {
		cfg.Muted[id] = true
	}
	return cfg
}

// Import applies cfg transactionally: state is cleared first, then cfg is
// applied in full. On any failure, the engine is left empty rather than
// partially applied.
func (e *Engine) Import(cfg ExportedConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.routes = make(map[string]map[string]bool)
	e.broadcast = make(map[string]bool)
	e.muted = make(map[string]bool)
	e.groups = make(map[string]*Group)

	for src, targets := range cfg.Routes {
		if src == "" {
			e.routes = make(map[string]map[string]bool)
			e.broadcast = make(map[string]bool)
			e.muted = make(map[string]bool)
			return fmt.Errorf("routing: import failed, empty source id")
		}
		e.setMultipleRoutesLocked(src, targets)
	}
	for id, v := range cfg.Broadcast {
		if v {
			e.broadcast[id] = true
		}
	}
	for id, v := range cfg.Muted {
		if v {
			e.muted[id] = true
		}
	}
	return nil
}
