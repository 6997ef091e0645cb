// Package roads holds the road topology a mobility network is built on:
// road nodes, directed sections between them, public transport stops placed
// on sections, and zones grouping sections for congestion modelling.
package roads

import (
	"errors"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

var (
	// ErrNodeExists indicates a road node already exists.
	ErrNodeExists = errors.New("road node already exists")
	// ErrNodeNotFound indicates a referenced road node is missing.
	ErrNodeNotFound = errors.New("road node not found")
	// ErrSectionExists indicates a section already exists.
	ErrSectionExists = errors.New("section already exists")
	// ErrSectionNotFound indicates a referenced section is missing.
	ErrSectionNotFound = errors.New("section not found")
	// ErrZoneExists indicates a zone already exists.
	ErrZoneExists = errors.New("zone already exists")
	// ErrStopExists indicates a stop already exists.
	ErrStopExists = errors.New("stop already exists")
	// ErrInvalidStop indicates a stop position outside its section.
	ErrInvalidStop = errors.New("invalid stop")
)

// Node is a road intersection.
type Node struct {
	ID  string
	Pos orb.Point
}

// Section is a directed road segment between two nodes.
type Section struct {
	ID     string
	Up     string
	Down   string
	Length float64
}

// Stop is a public transport stop located on a section.
type Stop struct {
	ID      string
	Section string
	// RelPos is the position along the section in [0, 1].
	RelPos float64
	Pos    orb.Point
}

// Zone groups sections sharing a congestion relationship.
type Zone struct {
	ID       string
	Sections []string
}

// Descriptor is an in-memory, thread-safe store for road topology.
// Iteration helpers return entities in insertion order so that everything
// derived from a descriptor is deterministic.
type Descriptor struct {
	mu sync.RWMutex

	nodes    map[string]Node
	sections map[string]Section
	stops    map[string]Stop
	zones    map[string]Zone

	nodeOrder    []string
	sectionOrder []string
	stopOrder    []string
	zoneOrder    []string
}

// New constructs an empty descriptor.
func New() *Descriptor {
	return &Descriptor{
		nodes:    make(map[string]Node),
		sections: make(map[string]Section),
		stops:    make(map[string]Stop),
		zones:    make(map[string]Zone),
	}
}

// AddNode registers a road node.
func (d *Descriptor) AddNode(id string, pos orb.Point) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.nodes[id]; exists {
		return fmt.Errorf("%w: %q", ErrNodeExists, id)
	}
	d.nodes[id] = Node{ID: id, Pos: pos}
	d.nodeOrder = append(d.nodeOrder, id)
	return nil
}

// AddSection registers a directed section. A non-positive length is replaced
// by the planar distance between the endpoints.
func (d *Descriptor) AddSection(id, up, down string, length float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.sections[id]; exists {
		return fmt.Errorf("%w: %q", ErrSectionExists, id)
	}
	upNode, ok := d.nodes[up]
	if !ok {
		return fmt.Errorf("%w: %q (upstream of section %q)", ErrNodeNotFound, up, id)
	}
	downNode, ok := d.nodes[down]
	if !ok {
		return fmt.Errorf("%w: %q (downstream of section %q)", ErrNodeNotFound, down, id)
	}
	if length <= 0 {
		length = planar.Distance(upNode.Pos, downNode.Pos)
	}
	d.sections[id] = Section{ID: id, Up: up, Down: down, Length: length}
	d.sectionOrder = append(d.sectionOrder, id)
	return nil
}

// AddStop places a stop on a section at the relative position relPos.
func (d *Descriptor) AddStop(id, section string, relPos float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.stops[id]; exists {
		return fmt.Errorf("%w: %q", ErrStopExists, id)
	}
	sec, ok := d.sections[section]
	if !ok {
		return fmt.Errorf("%w: %q (stop %q)", ErrSectionNotFound, section, id)
	}
	if relPos < 0 || relPos > 1 {
		return fmt.Errorf("%w: %q relative position %v not in [0,1]", ErrInvalidStop, id, relPos)
	}
	pos := lerp(d.nodes[sec.Up].Pos, d.nodes[sec.Down].Pos, relPos)
	d.stops[id] = Stop{ID: id, Section: section, RelPos: relPos, Pos: pos}
	d.stopOrder = append(d.stopOrder, id)
	return nil
}

// AddZone registers a zone over existing sections.
func (d *Descriptor) AddZone(id string, sections []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.zones[id]; exists {
		return fmt.Errorf("%w: %q", ErrZoneExists, id)
	}
	for _, s := range sections {
		if _, ok := d.sections[s]; !ok {
			return fmt.Errorf("%w: %q (zone %q)", ErrSectionNotFound, s, id)
		}
	}
	d.zones[id] = Zone{ID: id, Sections: append([]string(nil), sections...)}
	d.zoneOrder = append(d.zoneOrder, id)
	return nil
}

// Node returns the road node with the given ID.
func (d *Descriptor) Node(id string) (Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	return n, ok
}

// Section returns the section with the given ID.
func (d *Descriptor) Section(id string) (Section, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sections[id]
	return s, ok
}

// Stop returns the stop with the given ID.
func (d *Descriptor) Stop(id string) (Stop, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.stops[id]
	return s, ok
}

// Zone returns the zone with the given ID.
func (d *Descriptor) Zone(id string) (Zone, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	z, ok := d.zones[id]
	return z, ok
}

// Nodes returns all road nodes in insertion order.
func (d *Descriptor) Nodes() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Node, 0, len(d.nodeOrder))
	for _, id := range d.nodeOrder {
		out = append(out, d.nodes[id])
	}
	return out
}

// Sections returns all sections in insertion order.
func (d *Descriptor) Sections() []Section {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Section, 0, len(d.sectionOrder))
	for _, id := range d.sectionOrder {
		out = append(out, d.sections[id])
	}
	return out
}

// Stops returns all stops in insertion order.
func (d *Descriptor) Stops() []Stop {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Stop, 0, len(d.stopOrder))
	for _, id := range d.stopOrder {
		out = append(out, d.stops[id])
	}
	return out
}

// Zones returns all zones in insertion order.
func (d *Descriptor) Zones() []Zone {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Zone, 0, len(d.zoneOrder))
	for _, id := range d.zoneOrder {
		out = append(out, d.zones[id])
	}
	return out
}

// PointAlong returns the point at relPos along section id.
func (d *Descriptor) PointAlong(id string, relPos float64) (orb.Point, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sec, ok := d.sections[id]
	if !ok {
		return orb.Point{}, fmt.Errorf("%w: %q", ErrSectionNotFound, id)
	}
	return lerp(d.nodes[sec.Up].Pos, d.nodes[sec.Down].Pos, relPos), nil
}

func lerp(a, b orb.Point, r float64) orb.Point {
	return orb.Point{a[0] + (b[0]-a[0])*r, a[1] + (b[1]-a[1])*r}
}
