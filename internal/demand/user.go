// Package demand holds travelers, their itineraries and the stream they
// are admitted from.
package demand

import (
	"slices"
	"time"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// Links resolves itinerary links while a user walks.
type Links interface {
	Link(id core.LinkID) core.Link
}

// Outcome tells why Walk returned.
type Outcome int

const (
	// Blocked: the user used up the time budget or is not walking.
	Blocked Outcome = iota
	// AtService: the user stands at the first node of a service segment.
	AtService
	// Arrived: the user reached the end of the itinerary.
	Arrived
)

// User is one traveler. Users are owned by the supervisor and advanced from
// one goroutine; vehicles act on their passengers through the exported
// transition methods.
type User struct {
	ID              string
	Origin          orb.Point
	Destination     orb.Point
	Departure       timectrl.Time
	AllowedServices []string

	state   model.UserState
	clock   timectrl.Time
	it      *Itinerary
	cursor  int
	offset  float64
	entered int // last link index a trace row was written for
	node    core.NodeID
	name    string

	vehicle string
	service string
	retries int
	halted  bool
	reason  string
	arrival timectrl.Time

	events []model.UserRecord
}

// NewUser creates a user from a demand record.
func NewUser(rec model.DemandRecord) *User {
	return &User{
		ID:              rec.ID,
		Origin:          rec.Origin,
		Destination:     rec.Destination,
		Departure:       rec.Departure,
		AllowedServices: append([]string(nil), rec.AllowedServices...),
		clock:           rec.Departure,
		node:            core.NoNode,
		entered:         -1,
	}
}

// Allows reports whether the user accepts service.
func (u *User) Allows(service string) bool {
	return len(u.AllowedServices) == 0 || slices.Contains(u.AllowedServices, service)
}

func (u *User) State() model.UserState     { return u.state }
func (u *User) Clock() timectrl.Time       { return u.clock }
func (u *User) Node() core.NodeID          { return u.node }
func (u *User) Itinerary() *Itinerary      { return u.it }
func (u *User) Vehicle() string            { return u.vehicle }
func (u *User) Service() string            { return u.service }
func (u *User) Retries() int               { return u.retries }
func (u *User) Halted() bool               { return u.halted }
func (u *User) Reason() string             { return u.reason }
func (u *User) ArrivalTime() timectrl.Time { return u.arrival }

// Done reports whether the user needs no more simulation.
func (u *User) Done() bool { return u.state.Terminal() || u.halted }

// Position returns the current link and distance along it.
func (u *User) Position() (core.LinkID, float64, bool) {
	if u.it == nil || u.cursor >= len(u.it.Links) || u.state == model.UserWaiting || u.state == model.UserStop {
		return -1, 0, false
	}
	return u.it.Links[u.cursor], u.offset, true
}

// Assign gives the user a new itinerary starting no earlier than at.
func (u *User) Assign(it Itinerary, at timectrl.Time) {
	u.it = &it
	u.cursor = 0
	u.offset = 0
	u.entered = -1
	u.reason = ""
	if u.clock < at {
		u.clock = at
	}
	if len(it.Nodes) > 0 {
		u.node = it.Nodes[0]
		u.name = it.NodeNames[0]
	}
	u.state = model.UserWaiting
	u.record("")
}

// Segment returns the segment of the current link.
func (u *User) Segment() (Segment, bool) {
	if u.it == nil {
		return Segment{}, false
	}
	return u.it.SegmentAt(u.cursor)
}

// SegmentLinks returns the links of the current segment still ahead.
func (u *User) SegmentLinks() []core.LinkID {
	seg, ok := u.Segment()
	if !ok {
		return nil
	}
	return append([]core.LinkID(nil), u.it.Links[u.cursor:seg.End]...)
}

// SegmentEnd returns the node where the current segment ends.
func (u *User) SegmentEnd() core.NodeID {
	seg, ok := u.Segment()
	if !ok {
		return core.NoNode
	}
	return u.it.Nodes[seg.End]
}

// Walk moves the user along walking links until until, until it reaches the
// start of a service segment or the end of its itinerary.
func (u *User) Walk(g Links, until timectrl.Time) Outcome {
	if u.it == nil || u.Done() || u.state == model.UserStop ||
		u.state == model.UserWaitingVehicle || u.state == model.UserInVehicle {
		return Blocked
	}
	for {
		if u.cursor >= len(u.it.Links) {
			u.arrive()
			return Arrived
		}
		seg, _ := u.it.SegmentAt(u.cursor)
		if !seg.Walking() && u.offset == 0 {
			return AtService
		}
		if u.clock >= until {
			return Blocked
		}
		if u.entered != u.cursor || u.state != model.UserWalk {
			u.state = model.UserWalk
			u.service = ""
			u.entered = u.cursor
			u.record("")
		}
		l := g.Link(u.it.Links[u.cursor])
		speed := l.Speed()
		var need time.Duration
		if remaining := l.Length - u.offset; remaining > 0 {
			need = timectrl.Seconds(remaining / speed)
		}
		if u.clock.Add(need) <= until {
			u.clock = u.clock.Add(need)
			u.step()
			continue
		}
		u.offset += speed * until.Sub(u.clock).Seconds()
		u.clock = until
		return Blocked
	}
}

// WaitFor marks the user waiting at the current node for service.
func (u *User) WaitFor(service string, at timectrl.Time) {
	u.advanceClock(at)
	u.state = model.UserWaitingVehicle
	u.service = service
	u.record("")
}

// Board puts the user inside vehicle.
func (u *User) Board(vehicle, service string, at timectrl.Time) {
	u.advanceClock(at)
	u.state = model.UserInVehicle
	u.vehicle = vehicle
	u.service = service
	u.entered = u.cursor
	u.record("")
}

// Reach is called by the carrying vehicle each time it completes one of
// the user's links.
func (u *User) Reach(at timectrl.Time) {
	if u.it == nil || u.cursor >= len(u.it.Links) {
		return
	}
	u.advanceClock(at)
	u.step()
	if seg, ok := u.it.SegmentAt(u.cursor); ok && !seg.Walking() && u.state == model.UserInVehicle {
		u.entered = u.cursor
		u.record("")
	}
}

// Alight drops the user at the current node.
func (u *User) Alight(at timectrl.Time) {
	u.advanceClock(at)
	u.vehicle = ""
	u.state = model.UserWalk
	u.entered = -1
	if u.it != nil && u.cursor >= len(u.it.Links) {
		u.arrive()
	}
}

// Fail records a retryable failure: the user stops at its current node and
// waits to be planned again.
func (u *User) Fail(reason string, at timectrl.Time) {
	u.advanceClock(at)
	u.retries++
	u.stop(reason)
}

// Halt records a terminal failure.
func (u *User) Halt(reason string, at timectrl.Time) {
	u.advanceClock(at)
	u.halted = true
	u.stop(reason)
}

// Unserve writes the end-of-run record of a user that never arrived.
func (u *User) Unserve(at timectrl.Time) {
	u.clock = at
	u.state = model.UserUnserved
	u.record(u.reason)
}

// Drain returns and clears the pending trace rows.
func (u *User) Drain() []model.UserRecord {
	out := u.events
	u.events = nil
	return out
}

func (u *User) stop(reason string) {
	u.state = model.UserStop
	u.vehicle = ""
	u.service = ""
	u.reason = reason
	u.offset = 0
	u.record(reason)
}

func (u *User) arrive() {
	u.state = model.UserArrived
	u.arrival = u.clock
	u.service = ""
	u.record("")
}

func (u *User) step() {
	u.cursor++
	u.offset = 0
	u.node = u.it.Nodes[u.cursor]
	u.name = u.it.NodeNames[u.cursor]
}

func (u *User) advanceClock(at timectrl.Time) {
	if u.clock < at {
		u.clock = at
	}
}

func (u *User) record(reason string) {
	rec := model.UserRecord{
		ID:      u.ID,
		Time:    u.clock,
		Node:    u.name,
		State:   u.state,
		Vehicle: u.vehicle,
		Service: u.service,
		Reason:  reason,
	}
	if u.it != nil && len(u.it.Labels) > 0 {
		i := u.cursor
		if i >= len(u.it.Labels) {
			i = len(u.it.Labels) - 1
		}
		if u.state != model.UserWaiting {
			rec.Link = u.it.Labels[i]
		}
	}
	u.events = append(u.events, rec)
}
