package routing

import (
	"context"
	"math"
	"testing"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/roads"
)

// gridGraph builds a 2x2 grid:
//
//	1 --- 3
//	|     |
//	0 --- 2
//
// with 1000 m sections, an RH layer served by UBER at 10 m/s and an OD layer
// connected only to co-located layer nodes.
func gridGraph(t *testing.T) *core.Graph {
	t.Helper()
	d, err := roads.Grid(2, 1000, "RES")
	if err != nil {
		t.Fatalf("Grid error: %v", err)
	}
	g := core.New()
	if err := g.BuildRoadLayer(d, core.LayerSpec{ID: "RH", VehicleType: "CAR", DefaultSpeed: 10, Services: []string{"UBER"}}); err != nil {
		t.Fatalf("BuildRoadLayer error: %v", err)
	}
	if err := g.GenerateODLayer(d); err != nil {
		t.Fatalf("GenerateODLayer error: %v", err)
	}
	if _, err := g.ConnectODLayer(1); err != nil {
		t.Fatalf("ConnectODLayer error: %v", err)
	}
	return g
}

func node(t *testing.T, g *core.Graph, name string) core.NodeID {
	t.Helper()
	id, ok := g.NodeByName(name)
	if !ok {
		t.Fatalf("node %s missing", name)
	}
	return id
}

func names(g *core.Graph, p Path) []string {
	out := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		out[i] = g.Node(n).Name
	}
	return out
}

func uberFilter(g *core.Graph) Filter {
	return ServiceFilter{Graph: g, Services: map[string]string{"RH": "UBER"}}
}

func TestShortestPathTieBreakIsDeterministic(t *testing.T) {
	g := gridGraph(t)
	q := Query{
		Origin:       node(t, g, "ORIGIN_0"),
		Destinations: []core.NodeID{node(t, g, "DESTINATION_3")},
		Filter:       uberFilter(g),
	}
	for i := 0; i < 5; i++ {
		p, ok := ShortestPath(g, q)
		if !ok {
			t.Fatalf("no path found")
		}
		got := names(g, p)
		want := []string{"ORIGIN_0", "RH_0", "RH_1", "RH_3", "DESTINATION_3"}
		if len(got) != len(want) {
			t.Fatalf("path = %v, want %v", got, want)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("path = %v, want %v", got, want)
			}
		}
		if p.Cost != 200 {
			t.Fatalf("cost = %v, want 200", p.Cost)
		}
	}
}

func TestShortestPathHonoursBans(t *testing.T) {
	g := gridGraph(t)
	q := Query{
		Origin:       node(t, g, "ORIGIN_0"),
		Destinations: []core.NodeID{node(t, g, "DESTINATION_3")},
		Filter:       uberFilter(g),
	}
	banned, _ := g.LinkByName("RH_0_1")

	if err := g.ApplyRestriction("RH_0_1", "UBER", 1); err != nil {
		t.Fatalf("ApplyRestriction error: %v", err)
	}
	p, ok := ShortestPath(g, q)
	if !ok {
		t.Fatalf("expected detour path")
	}
	for _, l := range p.Links {
		if l == banned {
			t.Fatalf("path %v uses banned link", names(g, p))
		}
	}
	if got := names(g, p)[2]; got != "RH_2" {
		t.Fatalf("detour goes through %s, want RH_2", got)
	}

	// A different service is not affected by the UBER ban.
	other := ServiceFilter{Graph: g, Services: map[string]string{"RH": "OTHER"}}
	p, _ = ShortestPath(g, Query{Origin: q.Origin, Destinations: q.Destinations, Filter: other})
	if got := names(g, p)[2]; got != "RH_1" {
		t.Fatalf("OTHER path goes through %s, want RH_1", got)
	}

	g.TickRestrictions()
	p, _ = ShortestPath(g, q)
	if got := names(g, p)[2]; got != "RH_1" {
		t.Fatalf("after expiry path goes through %s, want RH_1", got)
	}
}

func TestShortestPathNoPathIsAResult(t *testing.T) {
	g := gridGraph(t)
	for _, l := range []string{"RH_0_1", "RH_0_2"} {
		if err := g.ApplyRestriction(l, "UBER", 3); err != nil {
			t.Fatalf("ApplyRestriction error: %v", err)
		}
	}
	_, ok := ShortestPath(g, Query{
		Origin:       node(t, g, "ORIGIN_0"),
		Destinations: []core.NodeID{node(t, g, "DESTINATION_3")},
		Filter:       uberFilter(g),
	})
	if ok {
		t.Fatalf("expected no path")
	}
	if _, ok := ShortestPath(g, Query{Origin: node(t, g, "ORIGIN_0")}); ok {
		t.Fatalf("query without destinations must fail")
	}
}

func TestShortestPathMultiDestinationReturnsNearest(t *testing.T) {
	g := gridGraph(t)
	p, ok := ShortestPath(g, Query{
		Origin:       node(t, g, "ORIGIN_0"),
		Destinations: []core.NodeID{node(t, g, "DESTINATION_3"), node(t, g, "DESTINATION_2")},
		Filter:       uberFilter(g),
	})
	if !ok {
		t.Fatalf("no path")
	}
	if got := g.Node(p.Destination).Name; got != "DESTINATION_2" {
		t.Fatalf("destination = %s, want DESTINATION_2", got)
	}
	if p.Cost != 100 {
		t.Fatalf("cost = %v, want 100", p.Cost)
	}
}

type pickupOnly struct{ node core.NodeID }

func (a pickupOnly) CanPickup(n core.NodeID) bool { return n == a.node }
func (a pickupOnly) CanDropoff(core.NodeID) bool  { return true }

func TestShortestPathHonoursPickupAccess(t *testing.T) {
	g := gridGraph(t)
	// Walking straight to RH_2 is the only way to reach a pickup point.
	if _, err := g.AddTransitLink("walk", "ORIGIN_0", "RH_2", 1000); err != nil {
		t.Fatalf("AddTransitLink error: %v", err)
	}
	f := ServiceFilter{
		Graph:    g,
		Services: map[string]string{"RH": "UBER"},
		Access:   map[string]Access{"UBER": pickupOnly{node: node(t, g, "RH_2")}},
	}
	p, ok := ShortestPath(g, Query{
		Origin:       node(t, g, "ORIGIN_0"),
		Destinations: []core.NodeID{node(t, g, "DESTINATION_3")},
		Filter:       f,
	})
	if !ok {
		t.Fatalf("no path")
	}
	got := names(g, p)
	if got[1] != "RH_2" {
		t.Fatalf("path = %v, want boarding at RH_2", got)
	}
	want := 1000/core.DefaultWalkSpeed + 100
	if math.Abs(p.Cost-want) > 1e-9 {
		t.Fatalf("cost = %v, want %v", p.Cost, want)
	}
}

func TestAStarMatchesDijkstra(t *testing.T) {
	g := gridGraph(t)
	dest := []core.NodeID{node(t, g, "DESTINATION_3")}
	base := Query{Origin: node(t, g, "ORIGIN_0"), Destinations: dest, Filter: uberFilter(g)}
	want, _ := ShortestPath(g, base)

	withH := base
	withH.Heuristic = EuclideanHeuristic(g, dest, g.MaxSpeed())
	got, ok := ShortestPath(g, withH)
	if !ok || got.Cost != want.Cost {
		t.Fatalf("A* cost = %v (found=%v), want %v", got.Cost, ok, want.Cost)
	}
}

func TestLayerFilterStaysInLayer(t *testing.T) {
	g := gridGraph(t)
	p, ok := ShortestPath(g, Query{
		Origin:       node(t, g, "RH_0"),
		Destinations: []core.NodeID{node(t, g, "RH_3")},
		Filter:       LayerFilter{Graph: g, Layer: "RH", Service: "UBER"},
	})
	if !ok || len(p.Links) != 2 {
		t.Fatalf("path = %+v", p)
	}
	if _, ok := ShortestPath(g, Query{
		Origin:       node(t, g, "RH_0"),
		Destinations: []core.NodeID{node(t, g, "DESTINATION_3")},
		Filter:       LayerFilter{Graph: g, Layer: "RH", Service: "UBER"},
	}); ok {
		t.Fatalf("layer filter must not reach OD nodes")
	}
}

func TestRouteAllPreservesOrder(t *testing.T) {
	g := gridGraph(t)
	var qs []Query
	for _, d := range []string{"DESTINATION_3", "DESTINATION_1", "DESTINATION_2", "DESTINATION_0"} {
		qs = append(qs, Query{Origin: node(t, g, "ORIGIN_0"), Destinations: []core.NodeID{node(t, g, d)}, Filter: uberFilter(g)})
	}
	seq := New(g).RouteAll(context.Background(), qs)
	par := New(g, WithWorkers(4)).RouteAll(context.Background(), qs)
	for i := range qs {
		if seq[i].Found != par[i].Found || seq[i].Path.Cost != par[i].Path.Cost || seq[i].Path.Destination != par[i].Path.Destination {
			t.Fatalf("result %d differs: %+v vs %+v", i, seq[i], par[i])
		}
	}
	if par[3].Path.Cost != 0 || len(par[3].Path.Links) != 2 {
		t.Fatalf("ORIGIN_0 -> DESTINATION_0 = %+v, want two zero-cost transfers", par[3].Path)
	}
}
