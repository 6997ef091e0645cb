package mobility

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/demand"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

type activityKind int

const (
	actDrive activityKind = iota
	actPickup
	actDropoff
)

type activity struct {
	kind  activityKind
	links []core.LinkID
	user  *demand.User
}

// Vehicle is owned by exactly one service. It keeps its own clock, which
// may run ahead of or behind the step being simulated while it is idle.
type Vehicle struct {
	id       string
	service  string
	vtype    string
	capacity int
	g        Graph

	clock      timectrl.Time
	idleSince  timectrl.Time
	node       core.NodeID
	route      []core.LinkID
	offset     float64
	plan       []activity
	passengers []*demand.User
	state      model.VehicleState
	retired    bool

	events []model.VehicleRecord
}

func (v *Vehicle) ID() string                { return v.id }
func (v *Vehicle) Service() string           { return v.service }
func (v *Vehicle) Type() string              { return v.vtype }
func (v *Vehicle) State() model.VehicleState { return v.state }
func (v *Vehicle) Clock() timectrl.Time      { return v.clock }
func (v *Vehicle) Node() core.NodeID         { return v.node }
func (v *Vehicle) Capacity() int             { return v.capacity }

// Busy reports whether the vehicle has work planned or passengers aboard.
func (v *Vehicle) Busy() bool { return len(v.plan) > 0 || len(v.route) > 0 || len(v.passengers) > 0 }

// Passengers lists the ids of the users aboard.
func (v *Vehicle) Passengers() []string {
	out := make([]string, len(v.passengers))
	for i, p := range v.passengers {
		out[i] = p.ID
	}
	return out
}

// Link returns the link the vehicle is driving on and its offset.
func (v *Vehicle) Link() (core.LinkID, float64, bool) {
	if len(v.route) == 0 {
		return -1, 0, false
	}
	return v.route[0], v.offset, true
}

// Position returns the planar coordinates of the vehicle.
func (v *Vehicle) Position() orb.Point {
	if len(v.route) == 0 {
		return v.g.Node(v.node).Pos
	}
	l := v.g.Link(v.route[0])
	a, b := v.g.Node(l.Up).Pos, v.g.Node(l.Down).Pos
	if l.Length <= 0 {
		return a
	}
	r := v.offset / l.Length
	return orb.Point{a[0] + (b[0]-a[0])*r, a[1] + (b[1]-a[1])*r}
}

func (v *Vehicle) setState(s model.VehicleState) {
	v.state = s
	v.record()
}

func (v *Vehicle) record() {
	p := v.Position()
	rec := model.VehicleRecord{
		ID:         v.id,
		Service:    v.service,
		Type:       v.vtype,
		Time:       v.clock,
		Offset:     v.offset,
		X:          p[0],
		Y:          p[1],
		State:      v.state,
		Passengers: v.Passengers(),
	}
	if len(v.route) > 0 {
		rec.Link = v.g.LinkLabel(v.route[0])
	}
	v.events = append(v.events, rec)
}

func (v *Vehicle) drain() []model.VehicleRecord {
	out := v.events
	v.events = nil
	return out
}

// drive moves the vehicle along its route until until. onNode runs at
// every node reached. It reports whether the route was completed.
func (v *Vehicle) drive(until timectrl.Time, onNode func(node core.NodeID, at timectrl.Time)) bool {
	for len(v.route) > 0 {
		l := v.g.Link(v.route[0])
		speed := l.Speed()
		var need time.Duration
		if rem := l.Length - v.offset; rem > 0 {
			need = timectrl.Seconds(rem / speed)
		}
		if v.clock.Add(need) > until {
			if v.clock < until {
				v.offset += speed * until.Sub(v.clock).Seconds()
				v.clock = until
			}
			return false
		}
		v.clock = v.clock.Add(need)
		v.offset = 0
		v.node = l.Down
		v.route = v.route[1:]
		if onNode != nil {
			onNode(l.Down, v.clock)
		}
		if len(v.route) > 0 {
			v.record()
		}
	}
	return true
}

// carry moves the passengers along with the vehicle.
func (v *Vehicle) carry(_ core.NodeID, at timectrl.Time) {
	for _, p := range v.passengers {
		p.Reach(at)
	}
}

// run executes the plan up to until. finish is called for every drop-off;
// an error halts the passenger there instead of letting it alight.
func (v *Vehicle) run(until timectrl.Time, finish func(v *Vehicle, u *demand.User) error) {
	for len(v.plan) > 0 {
		act := &v.plan[0]
		switch act.kind {
		case actDrive:
			if len(act.links) > 0 {
				v.route = act.links
				act.links = nil
				v.setState(model.VehicleEnRoute)
			}
			if !v.drive(until, v.carry) {
				return
			}
		case actPickup:
			u := act.user
			if u.Clock() > until {
				return
			}
			if u.Clock() > v.clock {
				v.clock = u.Clock()
			}
			v.passengers = append(v.passengers, u)
			u.Board(v.id, v.service, v.clock)
			v.setState(model.VehicleEnRoute)
		case actDropoff:
			u := act.user
			v.removePassenger(u)
			if err := finish(v, u); err != nil {
				u.Halt(err.Error(), v.clock)
			} else {
				u.Alight(v.clock)
			}
		}
		v.plan = v.plan[1:]
	}
	v.plan = nil
	v.idleSince = v.clock
}

func (v *Vehicle) removePassenger(u *demand.User) {
	for i, p := range v.passengers {
		if p == u {
			v.passengers = append(v.passengers[:i], v.passengers[i+1:]...)
			return
		}
	}
}

// startAt sets the clock of an idle vehicle for a new job. Idle vehicles
// may be rewound up to the moment they became idle.
func (v *Vehicle) startAt(at timectrl.Time) {
	if at < v.idleSince {
		at = v.idleSince
	}
	v.clock = at
}

// tripPlan is pickup, ride over links, drop-off.
func tripPlan(u *demand.User, links []core.LinkID) []activity {
	return []activity{
		{kind: actPickup, user: u},
		{kind: actDrive, links: append([]core.LinkID(nil), links...)},
		{kind: actDropoff, user: u},
	}
}
