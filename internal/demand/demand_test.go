package demand

import (
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/roads"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// odGraph builds a two node CAR layer 1000 m long with OD nodes 142 m off
// each end, so every transfer takes 100 s at the default walk speed.
func odGraph(t *testing.T) (*core.Graph, []core.NodeID, []core.LinkID) {
	t.Helper()
	d, err := roads.LineRoad(orb.Point{0, 0}, orb.Point{1000, 0}, 2, "RES", false)
	if err != nil {
		t.Fatalf("LineRoad error: %v", err)
	}
	g := core.New()
	if err := g.BuildRoadLayer(d, core.LayerSpec{ID: "CAR", VehicleType: "CAR", DefaultSpeed: 10, Services: []string{"PV"}}); err != nil {
		t.Fatalf("BuildRoadLayer error: %v", err)
	}
	mustAdd := func(name string, p orb.Point, layer string) core.NodeID {
		id, err := g.AddNode(name, p, layer, "")
		if err != nil {
			t.Fatalf("AddNode error: %v", err)
		}
		return id
	}
	o := mustAdd("ORIGIN_0", orb.Point{0, 142}, core.OriginLayer)
	dst := mustAdd("DESTINATION_1", orb.Point{1000, 142}, core.DestinationLayer)
	if n, err := g.ConnectODLayer(142); err != nil || n != 2 {
		t.Fatalf("ConnectODLayer = %d, %v", n, err)
	}
	car0, _ := g.NodeByName("CAR_0")
	car1, _ := g.NodeByName("CAR_1")
	l0, _ := g.LinkBetween(o, car0)
	l1, _ := g.LinkBetween(car0, car1)
	l2, _ := g.LinkBetween(car1, dst)
	return g, []core.NodeID{o, car0, car1, dst}, []core.LinkID{l0, l1, l2}
}

func TestBuildItinerarySegments(t *testing.T) {
	t.Parallel()
	g, nodes, links := odGraph(t)
	it := BuildItinerary(g, nodes, links, 300, map[string]string{"CAR": "PV"})

	if len(it.Segments) != 3 {
		t.Fatalf("segments = %+v, want walk/PV/walk", it.Segments)
	}
	if !it.Segments[0].Walking() || it.Segments[1].Service != "PV" || it.Segments[1].Layer != "CAR" || !it.Segments[2].Walking() {
		t.Fatalf("segments = %+v", it.Segments)
	}
	if it.Labels[1] != "CAR_0 CAR_1" || it.NodeNames[3] != "DESTINATION_1" {
		t.Fatalf("labels = %v names = %v", it.Labels, it.NodeNames)
	}
	if s := it.Services(); len(s) != 1 || s[0] != "PV" {
		t.Fatalf("Services = %v", s)
	}
	if it.Destination() != nodes[3] {
		t.Fatalf("Destination = %v", it.Destination())
	}
}

func TestUserLifecycle(t *testing.T) {
	t.Parallel()
	g, nodes, links := odGraph(t)
	dep := timectrl.MustParseTime("07:00:00")
	u := NewUser(model.DemandRecord{ID: "U0", Departure: dep})
	u.Assign(BuildItinerary(g, nodes, links, 0, map[string]string{"CAR": "PV"}), dep)

	walk := timectrl.Seconds(142 / core.DefaultWalkSpeed)

	// Not enough time to finish the first transfer.
	if got := u.Walk(g, dep.Add(50*time.Second)); got != Blocked {
		t.Fatalf("Walk = %v, want Blocked", got)
	}
	if u.State() != model.UserWalk {
		t.Fatalf("state = %s, want WALK", u.State())
	}
	if got := u.Walk(g, dep.Add(time.Hour)); got != AtService {
		t.Fatalf("Walk = %v, want AtService", got)
	}
	if u.Clock() != dep.Add(walk) {
		t.Fatalf("clock = %s, want %s", u.Clock(), dep.Add(walk))
	}
	if got := u.SegmentLinks(); len(got) != 1 || got[0] != links[1] {
		t.Fatalf("SegmentLinks = %v", got)
	}
	if u.SegmentEnd() != nodes[2] {
		t.Fatalf("SegmentEnd = %v", u.SegmentEnd())
	}

	boarded := u.Clock()
	u.Board("PV_0", "PV", boarded)
	u.Reach(boarded.Add(100 * time.Second))
	u.Alight(boarded.Add(100 * time.Second))
	if got := u.Walk(g, dep.Add(time.Hour)); got != Arrived {
		t.Fatalf("Walk = %v, want Arrived", got)
	}
	want := dep.Add(walk).Add(100 * time.Second).Add(walk)
	if u.ArrivalTime() != want || !u.Done() {
		t.Fatalf("arrival = %s done=%v, want %s", u.ArrivalTime(), u.Done(), want)
	}

	var states []model.UserState
	var links2 []string
	for _, r := range u.Drain() {
		states = append(states, r.State)
		links2 = append(links2, r.Link)
	}
	wantStates := []model.UserState{model.UserWaiting, model.UserWalk, model.UserInVehicle, model.UserWalk, model.UserArrived}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Fatalf("states = %v, want %v", states, wantStates)
		}
	}
	if links2[2] != "CAR_0 CAR_1" || links2[4] != "CAR_1 DESTINATION_1" {
		t.Fatalf("links = %v", links2)
	}
	if len(u.Drain()) != 0 {
		t.Fatalf("Drain should clear the buffer")
	}
}

func TestUserFailAndHalt(t *testing.T) {
	t.Parallel()
	g, nodes, links := odGraph(t)
	dep := timectrl.MustParseTime("07:00:00")
	u := NewUser(model.DemandRecord{ID: "U0", Departure: dep, AllowedServices: []string{"PV"}})
	if !u.Allows("PV") || u.Allows("UBER") {
		t.Fatalf("Allows does not honour the filter")
	}
	u.Assign(BuildItinerary(g, nodes, links, 0, map[string]string{"CAR": "PV"}), dep)
	u.Walk(g, dep.Add(time.Hour))
	u.Fail("no vehicle", u.Clock())
	if u.State() != model.UserStop || u.Done() || u.Retries() != 1 || u.Node() != nodes[1] {
		t.Fatalf("after Fail: state=%s done=%v retries=%d node=%v", u.State(), u.Done(), u.Retries(), u.Node())
	}
	if got := u.Walk(g, dep.Add(2*time.Hour)); got != Blocked {
		t.Fatalf("stopped user must not walk, got %v", got)
	}
	u.Halt("station full", u.Clock())
	if !u.Done() || !u.Halted() || u.Reason() != "station full" {
		t.Fatalf("after Halt: done=%v halted=%v reason=%q", u.Done(), u.Halted(), u.Reason())
	}
}

func TestStreamOrdering(t *testing.T) {
	t.Parallel()
	at := timectrl.MustParseTime
	s, err := NewStream(
		model.DemandRecord{ID: "late", Departure: at("07:10:00")},
		model.DemandRecord{ID: "a", Departure: at("07:00:00")},
		model.DemandRecord{ID: "b", Departure: at("07:00:00")},
	)
	if err != nil {
		t.Fatalf("NewStream error: %v", err)
	}
	if err := s.Add(model.DemandRecord{ID: "a"}); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("duplicate error = %v", err)
	}
	if err := s.Add(model.DemandRecord{}); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("empty id error = %v", err)
	}

	due := s.Due(at("07:10:00"))
	if len(due) != 2 || due[0].ID != "a" || due[1].ID != "b" {
		t.Fatalf("Due = %v, want [a b]", ids(due))
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if due := s.Due(at("07:10:00")); len(due) != 0 {
		t.Fatalf("second Due = %v", ids(due))
	}
	if due := s.Due(at("07:10:01")); len(due) != 1 || due[0].ID != "late" {
		t.Fatalf("final Due = %v", ids(due))
	}
}

func ids(us []*User) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.ID
	}
	return out
}
