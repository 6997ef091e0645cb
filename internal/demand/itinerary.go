package demand

import (
	"github.com/signalsfoundry/mobility-simulator/core"
)

// Segment is a run of consecutive itinerary links [Start, End) travelled
// the same way: on foot when Service is empty, otherwise with Service on
// Layer.
type Segment struct {
	Start, End int
	Layer      string
	Service    string
}

// Walking reports whether the segment is travelled on foot.
func (s Segment) Walking() bool { return s.Service == "" }

// Itinerary is the planned path of a user.
type Itinerary struct {
	Nodes     []core.NodeID
	NodeNames []string
	Links     []core.LinkID
	Labels    []string // "UP DOWN" label of each link
	Segments  []Segment
	Cost      float64
}

// Destination is the last node of the itinerary.
func (it Itinerary) Destination() core.NodeID {
	if len(it.Nodes) == 0 {
		return core.NoNode
	}
	return it.Nodes[len(it.Nodes)-1]
}

// SegmentAt returns the segment containing link index i.
func (it Itinerary) SegmentAt(i int) (Segment, bool) {
	for _, s := range it.Segments {
		if i >= s.Start && i < s.End {
			return s, true
		}
	}
	return Segment{}, false
}

// Services lists the services used, in travel order.
func (it Itinerary) Services() []string {
	var out []string
	for _, s := range it.Segments {
		if !s.Walking() {
			out = append(out, s.Service)
		}
	}
	return out
}

// LinkSource resolves links while building itineraries.
type LinkSource interface {
	Node(id core.NodeID) core.Node
	Link(id core.LinkID) core.Link
	LinkLabel(id core.LinkID) string
}

// BuildItinerary splits a path into walking and service segments. Road
// links of one layer form one segment served by services[layer].
func BuildItinerary(g LinkSource, nodes []core.NodeID, links []core.LinkID, cost float64, services map[string]string) Itinerary {
	it := Itinerary{
		Nodes:     append([]core.NodeID(nil), nodes...),
		NodeNames: make([]string, len(nodes)),
		Links:     append([]core.LinkID(nil), links...),
		Labels:    make([]string, len(links)),
		Cost:      cost,
	}
	for i, id := range nodes {
		it.NodeNames[i] = g.Node(id).Name
	}
	for i, id := range links {
		l := g.Link(id)
		it.Labels[i] = g.LinkLabel(id)

		layer, service := "", ""
		if l.Kind == core.LinkRoad {
			layer, service = l.Layer, services[l.Layer]
		}
		if n := len(it.Segments); n > 0 {
			last := &it.Segments[n-1]
			if last.Layer == layer && last.Service == service {
				last.End = i + 1
				continue
			}
		}
		it.Segments = append(it.Segments, Segment{Start: i, End: i + 1, Layer: layer, Service: service})
	}
	return it
}
