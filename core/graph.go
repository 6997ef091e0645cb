package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

var (
	ErrNodeExists        = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrLinkExists        = errors.New("link already exists")
	ErrLinkNotFound      = errors.New("link not found")
	ErrLinkBadInput      = errors.New("invalid link")
	ErrLayerExists       = errors.New("layer already exists")
	ErrLayerNotFound     = errors.New("layer not found")
	ErrServiceNotOnLayer = errors.New("service not registered on layer")
	ErrInvalidDuration   = errors.New("invalid restriction duration")
)

// Default physical constants.
const (
	DefaultWalkSpeed = 1.42 // m/s
	DefaultMinSpeed  = 0.1  // m/s, floor applied to every speed update
)

// View is the read-only surface of the graph handed to policies and
// routing code.
type View interface {
	NumNodes() int
	Node(id NodeID) Node
	NodeByName(name string) (NodeID, bool)
	Link(id LinkID) Link
	LinkByName(name string) (LinkID, bool)
	Outgoing(id NodeID) []LinkID
	Cost(id LinkID, key CostKey) float64
	IsAvailable(id LinkID, service string) bool
	Restricted(id LinkID, service string) (int, bool)
}

// Graph is the multi-layer network. Nodes and links live in arenas
// addressed by integer ids; every node keeps the ids of its outgoing links
// in insertion order so traversals are deterministic.
//
// Graph is safe for concurrent readers. Writers (builders, the flow motor
// and the restriction controller) run between routing passes.
type Graph struct {
	mu sync.RWMutex

	nodes      []*Node
	nodeByName map[string]NodeID
	links      []*Link
	linkByName map[string]LinkID
	linkByEnds map[[2]NodeID]LinkID
	out        [][]LinkID

	layers     map[string]*Layer
	layerOrder []string

	origins      []NodeID
	destinations []NodeID

	restrictions map[restrictionKey]int

	walkSpeed float64
	minSpeed  float64
}

// Option customises Graph construction.
type Option func(*Graph)

// WithWalkSpeed sets the speed used on transit links.
func WithWalkSpeed(v float64) Option {
	return func(g *Graph) {
		if v > 0 {
			g.walkSpeed = v
		}
	}
}

// WithMinSpeed sets the speed floor applied to every speed update.
func WithMinSpeed(v float64) Option {
	return func(g *Graph) {
		if v > 0 {
			g.minSpeed = v
		}
	}
}

// New constructs an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		nodeByName:   make(map[string]NodeID),
		linkByName:   make(map[string]LinkID),
		linkByEnds:   make(map[[2]NodeID]LinkID),
		layers:       make(map[string]*Layer),
		restrictions: make(map[restrictionKey]int),
		walkSpeed:    DefaultWalkSpeed,
		minSpeed:     DefaultMinSpeed,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WalkSpeed returns the speed used on transit links.
func (g *Graph) WalkSpeed() float64 { return g.walkSpeed }

// MinSpeed returns the speed floor.
func (g *Graph) MinSpeed() float64 { return g.minSpeed }

// AddLayer registers a mode layer.
func (g *Graph) AddLayer(id, vehicleType string, defaultSpeed float64, services ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id == "" || id == OriginLayer || id == DestinationLayer {
		return fmt.Errorf("%w: reserved or empty layer id %q", ErrLayerExists, id)
	}
	if _, exists := g.layers[id]; exists {
		return fmt.Errorf("%w: %q", ErrLayerExists, id)
	}
	if defaultSpeed <= 0 {
		return fmt.Errorf("layer %q: default speed must be positive, got %v", id, defaultSpeed)
	}
	g.layers[id] = &Layer{
		ID:           id,
		VehicleType:  vehicleType,
		DefaultSpeed: defaultSpeed,
		Services:     append([]string(nil), services...),
	}
	g.layerOrder = append(g.layerOrder, id)
	return nil
}

// RegisterService adds a mobility service to an existing layer.
func (g *Graph) RegisterService(layer, service string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.layers[layer]
	if !ok {
		return fmt.Errorf("%w: %q", ErrLayerNotFound, layer)
	}
	if !l.HasService(service) {
		l.Services = append(l.Services, service)
	}
	return nil
}

// AddNode adds a node to a mode layer, or to the OD layer when layer is
// OriginLayer or DestinationLayer.
func (g *Graph) AddNode(name string, pos orb.Point, layer, ref string) (NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addNodeLocked(name, pos, layer, ref)
}

func (g *Graph) addNodeLocked(name string, pos orb.Point, layer, ref string) (NodeID, error) {
	if name == "" {
		return NoNode, fmt.Errorf("%w: empty node name", ErrNodeNotFound)
	}
	if _, exists := g.nodeByName[name]; exists {
		return NoNode, fmt.Errorf("%w: %q", ErrNodeExists, name)
	}
	var l *Layer
	switch layer {
	case OriginLayer, DestinationLayer:
	default:
		var ok bool
		if l, ok = g.layers[layer]; !ok {
			return NoNode, fmt.Errorf("%w: %q (node %q)", ErrLayerNotFound, layer, name)
		}
	}

	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, &Node{ID: id, Name: name, Pos: pos, Layer: layer, Ref: ref})
	g.nodeByName[name] = id
	g.out = append(g.out, nil)

	switch {
	case layer == OriginLayer:
		g.origins = append(g.origins, id)
	case layer == DestinationLayer:
		g.destinations = append(g.destinations, id)
	default:
		l.nodes = append(l.nodes, id)
	}
	return id, nil
}

// AddLink adds a road link between two nodes of the same mode layer. Its
// initial speed is the layer's default speed.
func (g *Graph) AddLink(name, up, down string, length float64, pieces []SectionPiece) (LinkID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	upID, downID, err := g.endpointsLocked(name, up, down)
	if err != nil {
		return -1, err
	}
	layer := g.nodes[upID].Layer
	if g.nodes[downID].Layer != layer {
		return -1, fmt.Errorf("%w: %q joins layers %q and %q; use a transit link", ErrLinkBadInput, name, layer, g.nodes[downID].Layer)
	}
	l, ok := g.layers[layer]
	if !ok {
		return -1, fmt.Errorf("%w: %q is not in a mode layer", ErrLinkBadInput, name)
	}
	id, err := g.addLinkLocked(&Link{
		Name:   name,
		Up:     upID,
		Down:   downID,
		Layer:  layer,
		Kind:   LinkRoad,
		Length: length,
		Pieces: append([]SectionPiece(nil), pieces...),
	}, l.DefaultSpeed)
	if err != nil {
		return -1, err
	}
	l.links = append(l.links, id)
	return id, nil
}

// AddTransitLink adds a walking link between any two nodes.
func (g *Graph) AddTransitLink(name, up, down string, length float64) (LinkID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	upID, downID, err := g.endpointsLocked(name, up, down)
	if err != nil {
		return -1, err
	}
	return g.addLinkLocked(&Link{
		Name:   name,
		Up:     upID,
		Down:   downID,
		Kind:   LinkTransit,
		Length: length,
	}, g.walkSpeed)
}

func (g *Graph) endpointsLocked(name, up, down string) (NodeID, NodeID, error) {
	upID, ok := g.nodeByName[up]
	if !ok {
		return NoNode, NoNode, fmt.Errorf("%w: %q (upstream of %q)", ErrNodeNotFound, up, name)
	}
	downID, ok := g.nodeByName[down]
	if !ok {
		return NoNode, NoNode, fmt.Errorf("%w: %q (downstream of %q)", ErrNodeNotFound, down, name)
	}
	return upID, downID, nil
}

func (g *Graph) addLinkLocked(l *Link, speed float64) (LinkID, error) {
	if l.Name == "" {
		return -1, fmt.Errorf("%w: empty link name", ErrLinkBadInput)
	}
	if l.Length < 0 || math.IsNaN(l.Length) || math.IsInf(l.Length, 0) {
		return -1, fmt.Errorf("%w: %q length %v", ErrLinkBadInput, l.Name, l.Length)
	}
	if _, exists := g.linkByName[l.Name]; exists {
		return -1, fmt.Errorf("%w: %q", ErrLinkExists, l.Name)
	}
	ends := [2]NodeID{l.Up, l.Down}
	if _, exists := g.linkByEnds[ends]; exists {
		return -1, fmt.Errorf("%w: %q duplicates %s -> %s", ErrLinkExists, l.Name, g.nodes[l.Up].Name, g.nodes[l.Down].Name)
	}

	l.ID = LinkID(len(g.links))
	l.travelTime, l.speed = travelTimeFor(l.Length, speed, g.minSpeed)
	g.links = append(g.links, l)
	g.linkByName[l.Name] = l.ID
	g.linkByEnds[ends] = l.ID
	g.out[l.Up] = append(g.out[l.Up], l.ID)
	return l.ID, nil
}

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// NumLinks returns the number of links.
func (g *Graph) NumLinks() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.links)
}

// Node returns a copy of node id. It panics on an id not issued by g.
func (g *Graph) Node(id NodeID) Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return *g.nodes[id]
}

// NodeByName resolves a node name.
func (g *Graph) NodeByName(name string) (NodeID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.nodeByName[name]
	return id, ok
}

// Link returns a copy of link id. It panics on an id not issued by g.
func (g *Graph) Link(id LinkID) Link {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return *g.links[id]
}

// LinkByName resolves a link name.
func (g *Graph) LinkByName(name string) (LinkID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.linkByName[name]
	return id, ok
}

// LinkBetween returns the link from up to down, if any.
func (g *Graph) LinkBetween(up, down NodeID) (LinkID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.linkByEnds[[2]NodeID{up, down}]
	return id, ok
}

// LinkLabel renders a link as "UP DOWN" node names, the form used in traces.
func (g *Graph) LinkLabel(id LinkID) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l := g.links[id]
	return g.nodes[l.Up].Name + " " + g.nodes[l.Down].Name
}

// Outgoing returns the outgoing link ids of a node in insertion order. The
// slice is shared and must not be modified.
func (g *Graph) Outgoing(id NodeID) []LinkID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.out[id]
}

// Cost returns the current cost of a link. It is always finite and
// non-negative.
func (g *Graph) Cost(id LinkID, key CostKey) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.links[id].Cost(key)
}

// SetLinkSpeed updates a link's speed, clamped at the floor, and derives the
// travel time as length / speed.
func (g *Graph) SetLinkSpeed(id LinkID, speed float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.links[id]
	l.travelTime, l.speed = travelTimeFor(l.Length, speed, g.minSpeed)
}

// SetLinkTravelTime sets the travel time of a link whose pieces run at
// different speeds. The effective speed becomes length / travelTime.
func (g *Graph) SetLinkTravelTime(id LinkID, travelTime float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.links[id]
	if l.Length <= 0 {
		l.travelTime = 0
		return
	}
	if math.IsNaN(travelTime) || math.IsInf(travelTime, 0) || travelTime <= 0 {
		l.travelTime, l.speed = travelTimeFor(l.Length, 0, g.minSpeed)
		return
	}
	l.travelTime, l.speed = travelTimeFor(l.Length, l.Length/travelTime, g.minSpeed)
}

// Layer returns metadata of a mode layer.
func (g *Graph) Layer(id string) (LayerInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.layers[id]
	if !ok {
		return LayerInfo{}, false
	}
	return l.info(), true
}

// Layers returns all mode layers in registration order.
func (g *Graph) Layers() []LayerInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]LayerInfo, 0, len(g.layerOrder))
	for _, id := range g.layerOrder {
		out = append(out, g.layers[id].info())
	}
	return out
}

// LayerNodes returns the nodes of a mode layer in insertion order.
func (g *Graph) LayerNodes(layer string) []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if l, ok := g.layers[layer]; ok {
		return append([]NodeID(nil), l.nodes...)
	}
	return nil
}

// LayerLinks returns the links of a mode layer in insertion order.
func (g *Graph) LayerLinks(layer string) []LinkID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if l, ok := g.layers[layer]; ok {
		return append([]LinkID(nil), l.links...)
	}
	return nil
}

// Origins returns the origin nodes in insertion order.
func (g *Graph) Origins() []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]NodeID(nil), g.origins...)
}

// Destinations returns the destination nodes in insertion order.
func (g *Graph) Destinations() []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]NodeID(nil), g.destinations...)
}

// NodesWithin returns the candidates within radius of p, nearest first.
// Equal distances keep candidate order.
func (g *Graph) NodesWithin(candidates []NodeID, p orb.Point, radius float64) []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	type hit struct {
		id NodeID
		d  float64
	}
	var hits []hit
	for _, id := range candidates {
		if d := planar.Distance(g.nodes[id].Pos, p); d <= radius {
			hits = append(hits, hit{id, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	out := make([]NodeID, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out
}

// Nearest returns the candidate closest to p, or NoNode when candidates is
// empty.
func (g *Graph) Nearest(candidates []NodeID, p orb.Point) NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	best, bestD := NoNode, math.Inf(1)
	for _, id := range candidates {
		if d := planar.Distance(g.nodes[id].Pos, p); d < bestD {
			best, bestD = id, d
		}
	}
	return best
}

// MaxSpeed returns the highest current speed of any link, used to scale
// distance heuristics.
func (g *Graph) MaxSpeed() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v := g.walkSpeed
	for _, l := range g.links {
		if l.speed > v {
			v = l.speed
		}
	}
	return v
}
