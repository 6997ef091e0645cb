package sim

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/flow"
	"github.com/signalsfoundry/mobility-simulator/internal/mobility"
	"github.com/signalsfoundry/mobility-simulator/internal/observer"
	"github.com/signalsfoundry/mobility-simulator/internal/spacesharing"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/roads"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

var (
	seven = timectrl.MustParseTime("07:00:00")
	eight = timectrl.MustParseTime("08:00:00")
)

// lineNetwork builds a 2 km road 0 -> 1 -> 2 with one mode layer and OD
// nodes on every road node.
func lineNetwork(t *testing.T, layer string, speed float64) (*core.Graph, *roads.Descriptor) {
	t.Helper()
	d, err := roads.LineRoad(orb.Point{0, 0}, orb.Point{2000, 0}, 3, "RES", false)
	if err != nil {
		t.Fatalf("LineRoad error: %v", err)
	}
	g := core.New()
	if err := g.BuildRoadLayer(d, core.LayerSpec{ID: layer, VehicleType: layer, DefaultSpeed: speed}); err != nil {
		t.Fatalf("BuildRoadLayer error: %v", err)
	}
	if err := g.GenerateODLayer(d); err != nil {
		t.Fatalf("GenerateODLayer error: %v", err)
	}
	if _, err := g.ConnectODLayer(1); err != nil {
		t.Fatalf("ConnectODLayer error: %v", err)
	}
	return g, d
}

func trip(id string, from, to orb.Point, dep timectrl.Time, allowed ...string) model.DemandRecord {
	return model.DemandRecord{ID: id, Origin: from, Destination: to, Departure: dep, AllowedServices: allowed}
}

func mustAddService(t *testing.T, s *Supervisor, svc mobility.Service, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("service constructor error: %v", err)
	}
	if err := s.AddService(svc); err != nil {
		t.Fatalf("AddService error: %v", err)
	}
}

func lastState(t *testing.T, rec *observer.Recorder, id string) model.UserRecord {
	t.Helper()
	tr := rec.UserTrace(id)
	if len(tr) == 0 {
		t.Fatalf("no trace for %s", id)
	}
	return tr[len(tr)-1]
}

func TestPersonalCarArrivesAtFreeFlowTime(t *testing.T) {
	t.Parallel()
	g, _ := lineNetwork(t, "CAR", 10)
	rec := observer.NewRecorder()
	s := New(g, WithObserver(rec))
	pv, err := mobility.NewPersonal("PV", g, "CAR")
	mustAddService(t, s, pv, err)
	if err := s.AddDemand(trip("U0", orb.Point{0, 0}, orb.Point{2000, 0}, seven)); err != nil {
		t.Fatalf("AddDemand error: %v", err)
	}

	rep, err := s.Run(context.Background(), seven, eight, 5*time.Minute, 1)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if rep.Steps != 12 || rep.Admitted != 1 || rep.Arrived != 1 || len(rep.Unserved) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	last := lastState(t, rec, "U0")
	if last.State != model.UserArrived || last.Time != seven.Add(200*time.Second) {
		t.Fatalf("last record = %+v, want ARRIVED at 07:03:20", last)
	}

	var links []string
	for _, r := range rec.UserTrace("U0") {
		if r.State == model.UserInVehicle {
			links = append(links, r.Link)
		}
	}
	if !reflect.DeepEqual(links, []string{"CAR_0 CAR_1", "CAR_1 CAR_2"}) {
		t.Fatalf("ride links = %v", links)
	}

	vs := rec.Vehicles()
	if len(vs) == 0 || vs[len(vs)-1].State != model.VehicleParked || vs[len(vs)-1].X != 2000 {
		t.Fatalf("vehicle trace = %+v", vs)
	}
	if got, ok := s.User("U0"); !ok || got.State != model.UserArrived {
		t.Fatalf("User(U0) = %+v, %v", got, ok)
	}
}

func TestFlowMotorSlowsTravelBeforeRouting(t *testing.T) {
	t.Parallel()
	g, d := lineNetwork(t, "CAR", 10)
	motor := flow.NewMotor(g, d)
	if err := motor.AddZoneReservoir("RES", []string{"CAR"}, flow.Constant(map[string]float64{"CAR": 5})); err != nil {
		t.Fatalf("AddZoneReservoir error: %v", err)
	}
	rec := observer.NewRecorder()
	s := New(g, WithObserver(rec), WithFlowMotor(motor))
	pv, err := mobility.NewPersonal("PV", g, "CAR")
	mustAddService(t, s, pv, err)
	if err := s.AddDemand(trip("U0", orb.Point{0, 0}, orb.Point{2000, 0}, seven)); err != nil {
		t.Fatalf("AddDemand error: %v", err)
	}
	if _, err := s.Run(context.Background(), seven, eight, 5*time.Minute, 1); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if last := lastState(t, rec, "U0"); last.Time != seven.Add(400*time.Second) {
		t.Fatalf("arrival = %s, want 07:06:40", last.Time)
	}
	res := rec.Reservoirs()
	if len(res) != 12 {
		t.Fatalf("reservoir records = %d, want one per step", len(res))
	}
	if res[0].State != model.ReservoirIdle || res[0].Speed["CAR"] != 5 {
		t.Fatalf("first reservoir record = %+v", res[0])
	}
	if res[1].State != model.ReservoirFlowing || res[1].Accumulation["CAR"] != 1 {
		t.Fatalf("second reservoir record = %+v", res[1])
	}
}

// gridNetwork is the 2x2 grid 0-1, 0-2, 1-3, 2-3 with 1000 m sections and an
// RH layer at 10 m/s.
func gridNetwork(t *testing.T) *core.Graph {
	t.Helper()
	d, err := roads.Grid(2, 1000, "RES")
	if err != nil {
		t.Fatalf("Grid error: %v", err)
	}
	g := core.New()
	if err := g.BuildRoadLayer(d, core.LayerSpec{ID: "RH", VehicleType: "CAR", DefaultSpeed: 10}); err != nil {
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

func TestBannedLinkIsAvoidedByOnDemandRide(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		ban   bool
		links []string
	}{
		{"free network takes the first tie", false, []string{"RH_0 RH_1", "RH_1 RH_3"}},
		{"ban detours via RH_2", true, []string{"RH_0 RH_2", "RH_2 RH_3"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := gridNetwork(t)
			ctrl := spacesharing.NewController(g)
			if tt.ban {
				ban := spacesharing.PolicyFunc(func(core.View, timectrl.Time) []core.Restriction {
					return []core.Restriction{{Link: "RH_0_1", Service: "UBER"}}
				})
				if err := ctrl.Register("ban", ban, 1); err != nil {
					t.Fatalf("Register error: %v", err)
				}
			}
			rec := observer.NewRecorder()
			s := New(g, WithObserver(rec), WithController(ctrl))
			uber, err := mobility.NewOnDemand("UBER", g, "RH")
			mustAddService(t, s, uber, err)
			if _, err := uber.CreateWaitingVehicle("0"); err != nil {
				t.Fatalf("CreateWaitingVehicle error: %v", err)
			}
			if err := s.AddDemand(trip("U0", orb.Point{0, 0}, orb.Point{1000, 1000}, seven)); err != nil {
				t.Fatalf("AddDemand error: %v", err)
			}
			if _, err := s.Run(context.Background(), seven, eight, time.Minute, 1); err != nil {
				t.Fatalf("Run error: %v", err)
			}

			var links []string
			for _, r := range rec.UserTrace("U0") {
				if r.State == model.UserInVehicle {
					links = append(links, r.Link)
				}
			}
			if !reflect.DeepEqual(links, tt.links) {
				t.Fatalf("ride links = %v, want %v", links, tt.links)
			}
			if last := lastState(t, rec, "U0"); last.State != model.UserArrived || last.Time != seven.Add(200*time.Second) {
				t.Fatalf("last = %+v", last)
			}
		})
	}
}

func stationScenario(t *testing.T, rec *observer.Recorder, workers int) *Supervisor {
	t.Helper()
	g, _ := lineNetwork(t, "BIKE", 5)
	s := New(g, WithObserver(rec), WithMaxRetries(2), WithWorkers(workers))
	velib, err := mobility.NewStationSharing("VELIB", g, "BIKE")
	mustAddService(t, s, velib, err)
	if _, err := velib.CreateStation("S0", "0", 2, 1); err != nil {
		t.Fatalf("CreateStation error: %v", err)
	}
	if _, err := velib.CreateStation("S2", "2", 2, 0); err != nil {
		t.Fatalf("CreateStation error: %v", err)
	}
	err = s.AddDemand(
		trip("A", orb.Point{0, 0}, orb.Point{2000, 0}, seven),
		trip("B", orb.Point{0, 0}, orb.Point{2000, 0}, seven),
		trip("C", orb.Point{0, 0}, orb.Point{2000, 0}, seven.Add(2*time.Minute)),
	)
	if err != nil {
		t.Fatalf("AddDemand error: %v", err)
	}
	return s
}

func TestStationContentionFollowsDemandOrder(t *testing.T) {
	t.Parallel()
	rec := observer.NewRecorder()
	s := stationScenario(t, rec, 1)
	rep, err := s.Run(context.Background(), seven, eight, 5*time.Minute, 1)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if last := lastState(t, rec, "A"); last.State != model.UserArrived || last.Time != seven.Add(400*time.Second) {
		t.Fatalf("A last = %+v", last)
	}
	if !reflect.DeepEqual(rep.Unserved, []string{"B", "C"}) {
		t.Fatalf("unserved = %v, want [B C]", rep.Unserved)
	}
	var stops int
	for _, r := range rec.UserTrace("B") {
		if r.State == model.UserStop {
			stops++
			if !strings.Contains(r.Reason, "no vehicle available") {
				t.Fatalf("stop reason = %q", r.Reason)
			}
		}
	}
	if stops != 3 {
		t.Fatalf("B stopped %d times, want 3 with two retries", stops)
	}
	if last := lastState(t, rec, "B"); last.State != model.UserUnserved || last.Time != eight {
		t.Fatalf("B last = %+v, want UNSERVED at 08:00:00", last)
	}
}

// TestStationSharingAlongFourKilometres runs a 4 km line with stations at
// road nodes 0, 2 and 4 holding 3, 2 and 0 bikes. Four users start at node
// 0, so the fourth finds S0 empty; riders bound for node 3 dock at S2 and
// walk the last kilometre.
func TestStationSharingAlongFourKilometres(t *testing.T) {
	t.Parallel()
	d, err := roads.LineRoad(orb.Point{0, 0}, orb.Point{0, 4000}, 5, "RES", false)
	if err != nil {
		t.Fatalf("LineRoad error: %v", err)
	}
	g := core.New()
	if err := g.BuildRoadLayer(d, core.LayerSpec{ID: "BIKESHARING", VehicleType: "BIKE", DefaultSpeed: 5.55}); err != nil {
		t.Fatalf("BuildRoadLayer error: %v", err)
	}
	if err := g.GenerateODLayer(d); err != nil {
		t.Fatalf("GenerateODLayer error: %v", err)
	}
	motor := flow.NewMotor(g, d)
	if err := motor.AddZoneReservoir("RES", []string{"BIKE"}, flow.Constant(map[string]float64{"BIKE": 5.55})); err != nil {
		t.Fatalf("AddZoneReservoir error: %v", err)
	}

	rec := observer.NewRecorder()
	s := New(g, WithObserver(rec), WithFlowMotor(motor))
	velov, err := mobility.NewStationSharing("VELOV", g, "BIKESHARING")
	mustAddService(t, s, velov, err)
	for _, st := range []struct {
		id, attach string
		initial    int
	}{
		{"S0", "0", 3},
		{"S2", "BIKESHARING_2", 2},
		{"S4", "4", 0},
	} {
		if _, err := velov.CreateStation(st.id, st.attach, 10, st.initial); err != nil {
			t.Fatalf("CreateStation(%s) error: %v", st.id, err)
		}
	}
	if _, err := g.ConnectODLayer(1001); err != nil {
		t.Fatalf("ConnectODLayer error: %v", err)
	}

	err = s.AddDemand(
		trip("U0", orb.Point{0, 0}, orb.Point{0, 4000}, seven),
		trip("U1", orb.Point{0, 0}, orb.Point{0, 3000}, seven),
		trip("U2", orb.Point{0, 0}, orb.Point{0, 2000}, seven),
		trip("U3", orb.Point{0, 0}, orb.Point{0, 4000}, seven),
		trip("U4", orb.Point{0, 1000}, orb.Point{0, 4000}, seven),
		trip("U5", orb.Point{0, 2000}, orb.Point{0, 4000}, seven.Add(10*time.Minute)),
	)
	if err != nil {
		t.Fatalf("AddDemand error: %v", err)
	}

	end := timectrl.MustParseTime("07:40:00")
	rep, err := s.Run(context.Background(), seven, end, time.Minute, 10)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !reflect.DeepEqual(rep.Unserved, []string{"U3"}) {
		t.Fatalf("unserved = %v, want [U3]", rep.Unserved)
	}

	arrivals := map[string]string{
		"U0": "07:12:00",
		"U1": "07:17:44",
		"U2": "07:06:00",
		"U4": "07:17:44",
		"U5": "07:16:00",
	}
	for id, at := range arrivals {
		last := lastState(t, rec, id)
		want := timectrl.MustParseTime(at)
		late := time.Duration(last.Time) - time.Duration(want)
		if last.State != model.UserArrived || late < 0 || late >= time.Second {
			t.Fatalf("%s last = %+v, want ARRIVED within a second after %s", id, last, at)
		}
	}

	refused := false
	for _, r := range rec.UserTrace("U3") {
		if r.State == model.UserStop && strings.Contains(r.Reason, "no vehicle available") {
			refused = true
		}
	}
	if !refused {
		t.Fatalf("U3 trace = %+v, want a STOP for an empty station", rec.UserTrace("U3"))
	}
	if last := lastState(t, rec, "U3"); last.State != model.UserUnserved || last.Time != end {
		t.Fatalf("U3 last = %+v, want UNSERVED at 07:40:00", last)
	}

	for id, want := range map[string]int{"S0": 0, "S2": 2, "S4": 3} {
		st, ok := velov.Station(id)
		if !ok {
			t.Fatalf("station %s missing", id)
		}
		if st.Waiting() != want {
			t.Fatalf("station %s holds %d bikes, want %d", id, st.Waiting(), want)
		}
	}
}

func TestRunIsDeterministic(t *testing.T) {
	t.Parallel()
	var traces [3]*observer.Recorder
	for i, workers := range []int{1, 1, 4} {
		traces[i] = observer.NewRecorder()
		s := stationScenario(t, traces[i], workers)
		if _, err := s.Run(context.Background(), seven, eight, 5*time.Minute, 2); err != nil {
			t.Fatalf("Run error: %v", err)
		}
	}
	for i := 1; i < len(traces); i++ {
		if !reflect.DeepEqual(traces[0].Users(), traces[i].Users()) {
			t.Fatalf("user traces differ between runs 0 and %d", i)
		}
		if !reflect.DeepEqual(traces[0].Vehicles(), traces[i].Vehicles()) {
			t.Fatalf("vehicle traces differ between runs 0 and %d", i)
		}
	}
}

func TestUnreachableAndLateUsers(t *testing.T) {
	t.Parallel()
	g, _ := lineNetwork(t, "CAR", 10)
	rec := observer.NewRecorder()
	s := New(g, WithObserver(rec))
	pv, err := mobility.NewPersonal("PV", g, "CAR")
	mustAddService(t, s, pv, err)
	err = s.AddDemand(
		trip("NOPE", orb.Point{0, 0}, orb.Point{2000, 0}, seven, "BUS"),
		trip("LATE", orb.Point{0, 0}, orb.Point{2000, 0}, eight.Add(time.Minute)),
	)
	if err != nil {
		t.Fatalf("AddDemand error: %v", err)
	}
	rep, err := s.Run(context.Background(), seven, eight, 10*time.Minute, 3)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if rep.Admitted != 1 || !reflect.DeepEqual(rep.Unserved, []string{"NOPE"}) {
		t.Fatalf("report = %+v", rep)
	}
	tr := rec.UserTrace("NOPE")
	if len(tr) < 2 || tr[0].State != model.UserStop || tr[0].Reason != "no path" {
		t.Fatalf("trace = %+v", tr)
	}
	if last := tr[len(tr)-1]; last.State != model.UserUnserved || last.Time != eight {
		t.Fatalf("last = %+v", last)
	}
	if len(rec.UserTrace("LATE")) != 0 {
		t.Fatalf("users departing after the end must not be admitted")
	}
	snap := s.Snapshot()
	if snap.Phase != PhaseFinished || snap.Users[model.UserUnserved] != 1 || snap.Pending != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunParametersAndLifecycle(t *testing.T) {
	t.Parallel()
	g, _ := lineNetwork(t, "CAR", 10)
	s := New(g)
	pv, err := mobility.NewPersonal("PV", g, "CAR")
	mustAddService(t, s, pv, err)
	if err := s.AddService(pv); !errors.Is(err, ErrDuplicateService) {
		t.Fatalf("duplicate AddService err = %v", err)
	}

	bad := []struct {
		name       string
		start, end timectrl.Time
		dt         time.Duration
		factor     int
	}{
		{"zero dt", seven, eight, 0, 1},
		{"end before start", eight, seven, time.Minute, 1},
		{"zero factor", seven, eight, time.Minute, 0},
	}
	for _, tt := range bad {
		if _, err := s.Run(context.Background(), tt.start, tt.end, tt.dt, tt.factor); !errors.Is(err, ErrInvalidRunParams) {
			t.Fatalf("%s: err = %v, want ErrInvalidRunParams", tt.name, err)
		}
	}

	if _, err := s.Run(context.Background(), seven, seven.Add(time.Minute), time.Minute, 1); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if _, err := s.Run(context.Background(), seven, eight, time.Minute, 1); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run err = %v, want ErrAlreadyRun", err)
	}
	if err := s.AddDemand(trip("U0", orb.Point{}, orb.Point{}, seven)); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("AddDemand after run err = %v", err)
	}
}

func TestRunEmitsStepAndPhaseSpans(t *testing.T) {
	t.Parallel()
	g, _ := lineNetwork(t, "CAR", 10)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	s := New(g, WithTracerProvider(tp))
	if _, err := s.Run(context.Background(), seven, seven.Add(2*time.Minute), time.Minute, 1); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	counts := make(map[string]int)
	for _, sp := range sr.Ended() {
		counts[sp.Name()]++
	}
	want := map[string]int{
		"sim.run":                1,
		"sim.step":               2,
		"sim.phase.restrictions": 2,
		"sim.phase.assignment":   2,
		"sim.phase.advance":      2,
	}
	for name, n := range want {
		if counts[name] != n {
			t.Fatalf("span %s ended %d times, want %d (all: %v)", name, counts[name], n, counts)
		}
	}
	if counts["sim.phase.flow"] != 0 {
		t.Fatalf("flow phase should be skipped without a motor")
	}
}
