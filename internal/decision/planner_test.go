package decision

import (
	"context"
	"testing"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/demand"
	"github.com/signalsfoundry/mobility-simulator/internal/routing"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/roads"
)

type fakeService struct {
	id, layer string
	pickup    func(core.NodeID) bool
}

func (s fakeService) ID() string    { return s.id }
func (s fakeService) Layer() string { return s.layer }
func (s fakeService) CanPickup(n core.NodeID) bool {
	return s.pickup == nil || s.pickup(n)
}
func (s fakeService) CanDropoff(core.NodeID) bool { return true }

// lineGraph builds CAR_0 -> CAR_1 -> CAR_2 (1000 m apart, 10 m/s) with
// co-located OD nodes.
func lineGraph(t *testing.T) *core.Graph {
	t.Helper()
	d, err := roads.LineRoad(orb.Point{0, 0}, orb.Point{2000, 0}, 3, "RES", false)
	if err != nil {
		t.Fatalf("LineRoad error: %v", err)
	}
	g := core.New()
	if err := g.BuildRoadLayer(d, core.LayerSpec{ID: "CAR", VehicleType: "CAR", DefaultSpeed: 10, Services: []string{"PV", "TAXI"}}); err != nil {
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

func user(id string, allowed ...string) *demand.User {
	return demand.NewUser(model.DemandRecord{
		ID:              id,
		Origin:          orb.Point{0, 0},
		Destination:     orb.Point{1990, 0},
		AllowedServices: allowed,
	})
}

func TestPlanChoosesServicePerLayer(t *testing.T) {
	t.Parallel()
	g := lineGraph(t)
	p := NewPlanner(g, routing.New(g, routing.WithWorkers(2)))
	services := []Service{fakeService{id: "PV", layer: "CAR"}, fakeService{id: "TAXI", layer: "CAR"}}

	tests := []struct {
		name    string
		allowed []string
		found   bool
		service string
	}{
		{"any service takes the first registered", nil, true, "PV"},
		{"allowed list skips PV", []string{"TAXI"}, true, "TAXI"},
		{"no allowed service on the layer", []string{"BUS"}, false, ""},
	}
	users := make([]*demand.User, len(tests))
	for i, tt := range tests {
		users[i] = user(tt.name, tt.allowed...)
	}
	got := p.Plan(context.Background(), users, services)
	for i, tt := range tests {
		d := got[i]
		if d.User != users[i] || d.Found != tt.found {
			t.Fatalf("%s: found = %v, want %v", tt.name, d.Found, tt.found)
		}
		if !tt.found {
			continue
		}
		if s := d.Itinerary.Services(); len(s) != 1 || s[0] != tt.service {
			t.Fatalf("%s: services = %v, want [%s]", tt.name, s, tt.service)
		}
		want := []string{"ORIGIN_0", "CAR_0", "CAR_1", "CAR_2", "DESTINATION_2"}
		if len(d.Itinerary.NodeNames) != len(want) {
			t.Fatalf("%s: nodes = %v", tt.name, d.Itinerary.NodeNames)
		}
		for j := range want {
			if d.Itinerary.NodeNames[j] != want[j] {
				t.Fatalf("%s: nodes = %v, want %v", tt.name, d.Itinerary.NodeNames, want)
			}
		}
		if d.Itinerary.Cost != 200 {
			t.Fatalf("%s: cost = %v, want 200", tt.name, d.Itinerary.Cost)
		}
	}
}

func TestPlanHonoursPickupAccess(t *testing.T) {
	t.Parallel()
	g := lineGraph(t)
	car1, _ := g.NodeByName("CAR_1")
	only := fakeService{id: "PV", layer: "CAR", pickup: func(n core.NodeID) bool { return n == car1 }}
	p := NewPlanner(g, routing.New(g))
	got := p.Plan(context.Background(), []*demand.User{user("U0")}, []Service{only})
	if got[0].Found {
		t.Fatalf("boarding at CAR_0 should be refused: %v", got[0].Itinerary.NodeNames)
	}
}

func TestPlanRestartsFromCurrentNode(t *testing.T) {
	t.Parallel()
	g := lineGraph(t)
	u := user("U0")
	car1, _ := g.NodeByName("CAR_1")
	car2, _ := g.NodeByName("CAR_2")
	l, _ := g.LinkBetween(car1, car2)
	u.Assign(demand.BuildItinerary(g, []core.NodeID{car1, car2}, []core.LinkID{l}, 0, nil), 0)

	p := NewPlanner(g, routing.New(g))
	got := p.Plan(context.Background(), []*demand.User{u}, []Service{fakeService{id: "PV", layer: "CAR"}})
	if !got[0].Found || got[0].Itinerary.NodeNames[0] != "CAR_1" || got[0].Itinerary.Cost != 100 {
		t.Fatalf("decision = %+v", got[0])
	}
}

func TestPlanFallsBackToNearestDestination(t *testing.T) {
	t.Parallel()
	g := lineGraph(t)
	u := user("U0")
	u.Destination = orb.Point{5000, 0}
	p := NewPlanner(g, routing.New(g), WithDestinationRadius(10))
	got := p.Plan(context.Background(), []*demand.User{u}, []Service{fakeService{id: "PV", layer: "CAR"}})
	if !got[0].Found || got[0].Itinerary.NodeNames[len(got[0].Itinerary.NodeNames)-1] != "DESTINATION_2" {
		t.Fatalf("decision = %+v", got[0])
	}
}
