package observer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

func TestRecorderCopiesMutableFields(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	acc := map[string]float64{"CAR": 3}
	passengers := []string{"U0"}
	r.Reservoir(model.ReservoirRecord{Zone: "RES", Accumulation: acc, Speed: map[string]float64{"CAR": 5}})
	r.Vehicle(model.VehicleRecord{ID: "V0", Passengers: passengers})
	acc["CAR"] = 9
	passengers[0] = "U9"

	if got := r.Reservoirs()[0].Accumulation["CAR"]; got != 3 {
		t.Fatalf("accumulation = %v, want 3", got)
	}
	if got := r.Vehicles()[0].Passengers[0]; got != "U0" {
		t.Fatalf("passenger = %q, want U0", got)
	}
}

func TestMultiFansOutInOrder(t *testing.T) {
	t.Parallel()
	a, b := NewRecorder(), NewRecorder()
	m := Multi{a, Discard{}, b}
	m.User(model.UserRecord{ID: "U0", State: model.UserWalk})
	m.User(model.UserRecord{ID: "U1", State: model.UserWalk})
	m.User(model.UserRecord{ID: "U0", State: model.UserArrived})

	for _, r := range []*Recorder{a, b} {
		if len(r.Users()) != 3 {
			t.Fatalf("users = %v", r.Users())
		}
		tr := r.UserTrace("U0")
		if len(tr) != 2 || tr[1].State != model.UserArrived {
			t.Fatalf("U0 trace = %+v", tr)
		}
	}
}

func TestLogSinkWritesRows(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := logging.New(logging.Config{Level: "debug", Format: "json", Output: &buf})
	s := NewLogSink(l)
	s.User(model.UserRecord{ID: "U0", Time: timectrl.MustParseTime("07:00:00"), State: model.UserWalk})
	s.Vehicle(model.VehicleRecord{ID: "V0", State: model.VehicleEnRoute})
	s.Reservoir(model.ReservoirRecord{Zone: "RES", State: model.ReservoirIdle})

	out := buf.String()
	for _, want := range []string{`"id":"U0"`, `"state":"EN_ROUTE"`, `"zone":"RES"`, `"component":"trace"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s:\n%s", want, out)
		}
	}
}
