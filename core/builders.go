package core

import (
	"fmt"

	"github.com/paulmach/orb/planar"

	"github.com/signalsfoundry/mobility-simulator/roads"
)

// LayerSpec describes a mode layer generated from road topology.
type LayerSpec struct {
	ID             string
	VehicleType    string
	DefaultSpeed   float64
	Services       []string
	BannedNodes    []string
	BannedSections []string
}

// BuildRoadLayer creates a mode layer mirroring the road topology: node
// "<layer>_<road node>" per road node and link "<layer>_<section>" per
// section, minus the banned ones.
func (g *Graph) BuildRoadLayer(d *roads.Descriptor, spec LayerSpec) error {
	if err := g.AddLayer(spec.ID, spec.VehicleType, spec.DefaultSpeed, spec.Services...); err != nil {
		return err
	}
	bannedNodes := toSet(spec.BannedNodes)
	bannedSections := toSet(spec.BannedSections)

	for _, n := range d.Nodes() {
		if bannedNodes[n.ID] {
			continue
		}
		if _, err := g.AddNode(LayerNodeName(spec.ID, n.ID), n.Pos, spec.ID, n.ID); err != nil {
			return err
		}
	}
	for _, s := range d.Sections() {
		if bannedSections[s.ID] || bannedNodes[s.Up] || bannedNodes[s.Down] {
			continue
		}
		pieces := []SectionPiece{{Section: s.ID, Length: s.Length}}
		if _, err := g.AddLink(spec.ID+"_"+s.ID, LayerNodeName(spec.ID, s.Up), LayerNodeName(spec.ID, s.Down), s.Length, pieces); err != nil {
			return err
		}
	}
	return nil
}

// LayerNodeName is the name of the layer node generated for a road node.
func LayerNodeName(layer, roadNode string) string { return layer + "_" + roadNode }

// AddPublicTransportLine adds one line to an existing layer: a node
// "<line>_<stop>" per stop and a link between consecutive stops.
// sections[i] lists the road sections driven from stops[i] to stops[i+1],
// starting with the section of stops[i] and ending with that of stops[i+1].
func (g *Graph) AddPublicTransportLine(layer, line string, d *roads.Descriptor, stops []string, sections [][]string) ([]NodeID, []LinkID, error) {
	if _, ok := g.Layer(layer); !ok {
		return nil, nil, fmt.Errorf("%w: %q (line %q)", ErrLayerNotFound, layer, line)
	}
	if len(stops) < 2 {
		return nil, nil, fmt.Errorf("%w: line %q needs at least two stops", ErrLinkBadInput, line)
	}
	if len(sections) != len(stops)-1 {
		return nil, nil, fmt.Errorf("%w: line %q has %d stops but %d section legs", ErrLinkBadInput, line, len(stops), len(sections))
	}

	resolved := make([]roads.Stop, len(stops))
	nodes := make([]NodeID, len(stops))
	for i, sid := range stops {
		st, ok := d.Stop(sid)
		if !ok {
			return nil, nil, fmt.Errorf("%w: stop %q (line %q)", ErrNodeNotFound, sid, line)
		}
		resolved[i] = st
		id, err := g.AddNode(line+"_"+sid, st.Pos, layer, sid)
		if err != nil {
			return nil, nil, err
		}
		nodes[i] = id
	}

	links := make([]LinkID, 0, len(sections))
	for i, leg := range sections {
		from, to := resolved[i], resolved[i+1]
		pieces, err := legPieces(d, line, from, to, leg)
		if err != nil {
			return nil, nil, err
		}
		length := 0.0
		for _, p := range pieces {
			length += p.Length
		}
		name := fmt.Sprintf("%s_%s_%s", line, from.ID, to.ID)
		id, err := g.AddLink(name, line+"_"+from.ID, line+"_"+to.ID, length, pieces)
		if err != nil {
			return nil, nil, err
		}
		links = append(links, id)
	}
	return nodes, links, nil
}

func legPieces(d *roads.Descriptor, line string, from, to roads.Stop, leg []string) ([]SectionPiece, error) {
	if len(leg) == 0 || leg[0] != from.Section || leg[len(leg)-1] != to.Section {
		return nil, fmt.Errorf("%w: line %q leg %s -> %s must start on %q and end on %q", ErrLinkBadInput, line, from.ID, to.ID, from.Section, to.Section)
	}
	secs := make([]roads.Section, len(leg))
	for i, id := range leg {
		s, ok := d.Section(id)
		if !ok {
			return nil, fmt.Errorf("%w: section %q (line %q)", ErrLinkBadInput, id, line)
		}
		secs[i] = s
	}
	if len(secs) == 1 {
		if to.RelPos < from.RelPos {
			return nil, fmt.Errorf("%w: line %q stop %s precedes %s on %q", ErrLinkBadInput, line, to.ID, from.ID, from.Section)
		}
		return []SectionPiece{{Section: secs[0].ID, Length: (to.RelPos - from.RelPos) * secs[0].Length}}, nil
	}
	pieces := make([]SectionPiece, 0, len(secs))
	pieces = append(pieces, SectionPiece{Section: secs[0].ID, Length: (1 - from.RelPos) * secs[0].Length})
	for _, s := range secs[1 : len(secs)-1] {
		pieces = append(pieces, SectionPiece{Section: s.ID, Length: s.Length})
	}
	last := secs[len(secs)-1]
	pieces = append(pieces, SectionPiece{Section: last.ID, Length: to.RelPos * last.Length})
	return pieces, nil
}

// GenerateODLayer adds an ORIGIN_<id> and a DESTINATION_<id> node at every
// road node.
func (g *Graph) GenerateODLayer(d *roads.Descriptor) error {
	for _, n := range d.Nodes() {
		if _, err := g.AddNode(OriginLayer+"_"+n.ID, n.Pos, OriginLayer, n.ID); err != nil {
			return err
		}
		if _, err := g.AddNode(DestinationLayer+"_"+n.ID, n.Pos, DestinationLayer, n.ID); err != nil {
			return err
		}
	}
	return nil
}

// ConnectODLayer links every origin to the mode-layer nodes within radius
// and every mode-layer node within radius to each destination. Link length
// is the planar distance. It returns the number of links created.
func (g *Graph) ConnectODLayer(radius float64) (int, error) {
	created := 0
	layers := g.Layers()
	for _, o := range g.Origins() {
		on := g.Node(o)
		for _, l := range layers {
			for _, n := range g.NodesWithin(g.LayerNodes(l.ID), on.Pos, radius) {
				ok, err := g.connect(o, n)
				if err != nil {
					return created, err
				}
				if ok {
					created++
				}
			}
		}
	}
	for _, dst := range g.Destinations() {
		dn := g.Node(dst)
		for _, l := range layers {
			for _, n := range g.NodesWithin(g.LayerNodes(l.ID), dn.Pos, radius) {
				ok, err := g.connect(n, dst)
				if err != nil {
					return created, err
				}
				if ok {
					created++
				}
			}
		}
	}
	return created, nil
}

// ConnectLayers adds an explicit mode-to-mode transfer link.
func (g *Graph) ConnectLayers(name, up, down string, length float64) (LinkID, error) {
	upID, ok := g.NodeByName(up)
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrNodeNotFound, up)
	}
	downID, ok := g.NodeByName(down)
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrNodeNotFound, down)
	}
	if g.Node(upID).IsOD() || g.Node(downID).IsOD() {
		return -1, fmt.Errorf("%w: %q joins an OD node; use ConnectODLayer", ErrLinkBadInput, name)
	}
	return g.AddTransitLink(name, up, down, length)
}

// ConnectLayersWithin adds transfer links in both directions between nodes
// of different mode layers closer than distance. It returns the number of
// links created.
func (g *Graph) ConnectLayersWithin(distance float64) (int, error) {
	created := 0
	layers := g.Layers()
	for _, a := range layers {
		for _, b := range layers {
			if a.ID == b.ID {
				continue
			}
			targets := g.LayerNodes(b.ID)
			for _, n := range g.LayerNodes(a.ID) {
				for _, m := range g.NodesWithin(targets, g.Node(n).Pos, distance) {
					ok, err := g.connect(n, m)
					if err != nil {
						return created, err
					}
					if ok {
						created++
					}
				}
			}
		}
	}
	return created, nil
}

// connect adds a transit link up -> down unless one already exists.
func (g *Graph) connect(up, down NodeID) (bool, error) {
	if _, exists := g.LinkBetween(up, down); exists {
		return false, nil
	}
	un, dn := g.Node(up), g.Node(down)
	_, err := g.AddTransitLink(un.Name+"_"+dn.Name, un.Name, dn.Name, planar.Distance(un.Pos, dn.Pos))
	if err != nil {
		return false, err
	}
	return true, nil
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}
