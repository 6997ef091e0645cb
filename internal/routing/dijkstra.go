// Package routing computes least-cost paths over the current state of the
// multi-layer graph.
package routing

import (
	"container/heap"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/signalsfoundry/mobility-simulator/core"
)

// Filter restricts which links a search may use and where a traveler may
// board or leave a mode layer.
type Filter interface {
	// LinkAllowed reports whether the search may traverse l.
	LinkAllowed(l core.Link) bool
	// CanEnter reports whether a traveler standing at node may start riding
	// in layer.
	CanEnter(node core.NodeID, layer string) bool
	// CanExit reports whether a traveler riding in layer may get off at node.
	CanExit(node core.NodeID, layer string) bool
}

// AllowAll is a Filter accepting every link and transfer.
type AllowAll struct{}

func (AllowAll) LinkAllowed(core.Link) bool        { return true }
func (AllowAll) CanEnter(core.NodeID, string) bool { return true }
func (AllowAll) CanExit(core.NodeID, string) bool  { return true }

// Heuristic estimates the remaining cost from a node. It must never
// overestimate for the result to stay optimal.
type Heuristic func(core.NodeID) float64

// Query describes one shortest path search.
type Query struct {
	Origin       core.NodeID
	Destinations []core.NodeID
	Key          core.CostKey
	Filter       Filter
	// Heuristic turns the search into A*. Optional.
	Heuristic Heuristic
}

// Path is a search result. Nodes has one more element than Links.
type Path struct {
	Nodes       []core.NodeID
	Links       []core.LinkID
	Cost        float64
	Destination core.NodeID
}

// ShortestPath runs Dijkstra (or A* when q.Heuristic is set) from q.Origin
// and stops at the first destination settled, i.e. the nearest reachable
// one. The boolean is false when no destination is reachable.
//
// Each node is searched in two states: reached on foot or reached riding
// a mode layer, so that boarding and alighting constraints of the filter
// are honoured exactly. Equal costs are resolved by push order.
func ShortestPath(g core.View, q Query) (Path, bool) {
	if len(q.Destinations) == 0 || q.Origin == core.NoNode {
		return Path{}, false
	}
	filter := q.Filter
	if filter == nil {
		filter = AllowAll{}
	}

	targets := make(map[core.NodeID]bool, len(q.Destinations))
	for _, d := range q.Destinations {
		targets[d] = true
	}

	n := g.NumNodes()
	dist := make([]float64, 2*n)
	prevLink := make([]core.LinkID, 2*n)
	prevState := make([]int, 2*n)
	for i := range dist {
		dist[i] = math.Inf(1)
		prevLink[i] = -1
		prevState[i] = -1
	}

	h := func(core.NodeID) float64 { return 0 }
	if q.Heuristic != nil {
		h = q.Heuristic
	}

	start := stateOf(q.Origin, false)
	dist[start] = 0
	pq := &searchHeap{}
	var seq uint64
	heap.Push(pq, &searchItem{state: start, g: 0, f: h(q.Origin), seq: seq})

	for pq.Len() > 0 {
		it := heap.Pop(pq).(*searchItem)
		if it.g > dist[it.state] {
			continue
		}
		node, riding := nodeOf(it.state)
		if targets[node] {
			return buildPath(node, it.state, dist[it.state], prevLink, prevState, g), true
		}

		var layer string
		if riding {
			layer = g.Node(node).Layer
		}
		for _, lid := range g.Outgoing(node) {
			l := g.Link(lid)
			if !filter.LinkAllowed(l) {
				continue
			}
			next := false
			switch l.Kind {
			case core.LinkRoad:
				if !riding && !filter.CanEnter(node, l.Layer) {
					continue
				}
				next = true
			case core.LinkTransit:
				if riding && !filter.CanExit(node, layer) {
					continue
				}
			}
			ns := stateOf(l.Down, next)
			cost := it.g + l.Cost(q.Key)
			if cost < dist[ns] {
				dist[ns] = cost
				prevLink[ns] = lid
				prevState[ns] = it.state
				seq++
				heap.Push(pq, &searchItem{state: ns, g: cost, f: cost + h(l.Down), seq: seq})
			}
		}
	}
	return Path{}, false
}

// EuclideanHeuristic estimates travel time as the planar distance to the
// nearest destination divided by maxSpeed. It is admissible when link
// lengths are at least the distance between their endpoints and no link is
// faster than maxSpeed.
func EuclideanHeuristic(g core.View, destinations []core.NodeID, maxSpeed float64) Heuristic {
	if maxSpeed <= 0 {
		return nil
	}
	pts := make([]orb.Point, len(destinations))
	for i, d := range destinations {
		pts[i] = g.Node(d).Pos
	}
	return func(n core.NodeID) float64 {
		p := g.Node(n).Pos
		best := math.Inf(1)
		for _, q := range pts {
			if d := planar.Distance(p, q); d < best {
				best = d
			}
		}
		return best / maxSpeed
	}
}

func stateOf(n core.NodeID, riding bool) int {
	if riding {
		return int(n)*2 + 1
	}
	return int(n) * 2
}

func nodeOf(state int) (core.NodeID, bool) {
	return core.NodeID(state / 2), state%2 == 1
}

func buildPath(dest core.NodeID, state int, cost float64, prevLink []core.LinkID, prevState []int, g core.View) Path {
	var links []core.LinkID
	for s := state; prevLink[s] != -1; s = prevState[s] {
		links = append(links, prevLink[s])
	}
	for i, j := 0, len(links)-1; i < j; i, j = i+1, j-1 {
		links[i], links[j] = links[j], links[i]
	}
	nodes := make([]core.NodeID, 0, len(links)+1)
	if len(links) == 0 {
		nodes = append(nodes, dest)
	} else {
		nodes = append(nodes, g.Link(links[0]).Up)
		for _, lid := range links {
			nodes = append(nodes, g.Link(lid).Down)
		}
	}
	return Path{Nodes: nodes, Links: links, Cost: cost, Destination: dest}
}

type searchItem struct {
	state int
	g     float64
	f     float64
	seq   uint64
	index int
}

// searchHeap implements heap.Interface ordered by (f, seq).
type searchHeap []*searchItem

func (h searchHeap) Len() int { return len(h) }
func (h searchHeap) Less(i, j int) bool {
	if h[i].f != h[j].f {
		return h[i].f < h[j].f
	}
	return h[i].seq < h[j].seq
}
func (h searchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *searchHeap) Push(x any) {
	it := x.(*searchItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *searchHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}
