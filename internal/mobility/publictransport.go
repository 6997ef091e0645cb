package mobility

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// DefaultTransitCapacity is the passenger capacity of scheduled vehicles.
const DefaultTransitCapacity = 50

// Line is a fixed stop sequence driven by one vehicle per departure.
// Links[i] joins Stops[i] and Stops[i+1].
type Line struct {
	ID        string
	Stops     []core.NodeID
	Links     []core.LinkID
	Timetable []timectrl.Time
}

// TimetableEvery lists departures from start (inclusive) to end
// (exclusive) every interval.
func TimetableEvery(start, end timectrl.Time, every time.Duration) []timectrl.Time {
	if every <= 0 {
		return nil
	}
	var out []timectrl.Time
	for t := start; t < end; t = t.Add(every) {
		out = append(out, t)
	}
	return out
}

type line struct {
	Line
	next  int
	index map[core.NodeID]int
}

// PublicTransport runs scheduled vehicles along lines. Users queue at
// stops and board, first come first served, any vehicle of the line that
// has room when it calls at the stop.
type PublicTransport struct {
	*fleet
	lines   []*line
	byStop  map[core.NodeID]*line
	waiting map[core.NodeID][]TripRequest
	riders  map[string]core.NodeID // user id -> drop-off stop
}

// NewPublicTransport creates a scheduled transit service on layer.
func NewPublicTransport(id string, g Graph, layer string, opts ...Option) (*PublicTransport, error) {
	f, err := newFleet(id, KindPublicTransport, g, layer, DefaultTransitCapacity, opts)
	if err != nil {
		return nil, err
	}
	return &PublicTransport{
		fleet:   f,
		byStop:  make(map[core.NodeID]*line),
		waiting: make(map[core.NodeID][]TripRequest),
		riders:  make(map[string]core.NodeID),
	}, nil
}

// AddLine registers a line. Its stops must be layer nodes not shared with
// another line of the service and its timetable must be sorted.
func (s *PublicTransport) AddLine(l Line) error {
	if len(l.Stops) < 2 || len(l.Links) != len(l.Stops)-1 {
		return fmt.Errorf("%w: line %q has %d stops and %d links", core.ErrLinkBadInput, l.ID, len(l.Stops), len(l.Links))
	}
	for i, lid := range l.Links {
		lk := s.g.Link(lid)
		if lk.Up != l.Stops[i] || lk.Down != l.Stops[i+1] || lk.Layer != s.layer {
			return fmt.Errorf("%w: line %q link %q does not join its stops on layer %q", core.ErrLinkBadInput, l.ID, lk.Name, s.layer)
		}
	}
	for i := 1; i < len(l.Timetable); i++ {
		if l.Timetable[i] < l.Timetable[i-1] {
			return fmt.Errorf("line %q: timetable not sorted at %s", l.ID, l.Timetable[i])
		}
	}
	ln := &line{
		Line: Line{
			ID:        l.ID,
			Stops:     append([]core.NodeID(nil), l.Stops...),
			Links:     append([]core.LinkID(nil), l.Links...),
			Timetable: append([]timectrl.Time(nil), l.Timetable...),
		},
		index: make(map[core.NodeID]int, len(l.Stops)),
	}
	for i, n := range l.Stops {
		if other, taken := s.byStop[n]; taken {
			return fmt.Errorf("%w: stop %s of %q already on line %q", ErrStationExists, s.g.Node(n).Name, l.ID, other.ID)
		}
		ln.index[n] = i
	}
	for _, n := range l.Stops {
		s.byStop[n] = ln
	}
	s.lines = append(s.lines, ln)
	return nil
}

// CanPickup reports whether node is a stop with a later stop on its line.
func (s *PublicTransport) CanPickup(node core.NodeID) bool {
	ln, ok := s.byStop[node]
	return ok && ln.index[node] < len(ln.Stops)-1
}

// CanDropoff reports whether node is a stop past the first one.
func (s *PublicTransport) CanDropoff(node core.NodeID) bool {
	ln, ok := s.byStop[node]
	return ok && ln.index[node] > 0
}

// RequestTrip queues the user at the pickup stop. It never returns a
// vehicle: boarding happens when a vehicle with room calls at the stop.
func (s *PublicTransport) RequestTrip(ctx context.Context, req TripRequest) (*Vehicle, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	ln, ok := s.byStop[req.Pickup]
	if !ok {
		return nil, fmt.Errorf("%w: %s pickup %s", ErrNotOnLine, s.id, s.g.Node(req.Pickup).Name)
	}
	if j, ok := ln.index[req.Dropoff]; !ok || j <= ln.index[req.Pickup] {
		return nil, fmt.Errorf("%w: %s drop-off %s after %s", ErrNotOnLine, s.id, s.g.Node(req.Dropoff).Name, s.g.Node(req.Pickup).Name)
	}
	s.waiting[req.Pickup] = append(s.waiting[req.Pickup], req)
	req.User.WaitFor(s.id, req.At)
	s.log.Debug(ctx, "user queued at stop",
		logging.String("line", ln.ID),
		logging.String("user", req.User.ID),
		logging.Int("queue", len(s.waiting[req.Pickup])),
	)
	return nil, nil
}

// AdvanceTo launches the departures due before until and drives every
// vehicle. Vehicles retire at the terminal.
func (s *PublicTransport) AdvanceTo(_ context.Context, until timectrl.Time) error {
	for _, ln := range s.lines {
		for ln.next < len(ln.Timetable) && ln.Timetable[ln.next] < until {
			dep := ln.Timetable[ln.next]
			ln.next++
			v := s.spawn(ln.Stops[0], dep, model.VehicleEnRoute)
			v.route = append([]core.LinkID(nil), ln.Links...)
			s.call(v, ln.Stops[0], dep)
		}
	}
	for _, v := range s.vehicles {
		if v.retired {
			continue
		}
		done := v.drive(until, func(node core.NodeID, at timectrl.Time) {
			v.carry(node, at)
			s.call(v, node, at)
		})
		if done {
			s.retire(v)
		}
	}
	return nil
}

// call alights riders whose stop is node, then boards queued users who
// reached the stop no later than at, while room remains.
func (s *PublicTransport) call(v *Vehicle, node core.NodeID, at timectrl.Time) {
	changed := false
	kept := v.passengers[:0]
	for _, p := range v.passengers {
		if s.riders[p.ID] == node {
			delete(s.riders, p.ID)
			p.Alight(at)
			changed = true
			continue
		}
		kept = append(kept, p)
	}
	v.passengers = kept

	if queue := s.waiting[node]; len(queue) > 0 {
		left := queue[:0]
		for _, req := range queue {
			if req.User.Clock() <= at && len(v.passengers) < v.capacity {
				v.passengers = append(v.passengers, req.User)
				s.riders[req.User.ID] = req.Dropoff
				req.User.Board(v.id, s.id, at)
				changed = true
				continue
			}
			left = append(left, req)
		}
		if len(left) == 0 {
			delete(s.waiting, node)
		} else {
			s.waiting[node] = left
		}
	}
	if changed {
		v.record()
	}
}

func (s *PublicTransport) retire(v *Vehicle) {
	for _, p := range v.passengers {
		delete(s.riders, p.ID)
	}
	s.release(v)
	v.setState(model.VehicleParked)
	v.retired = true
}

func (s *PublicTransport) Release(v *Vehicle) error {
	if _, err := s.find(v.id); err != nil {
		return err
	}
	s.retire(v)
	return nil
}

// Waiting returns the number of users queued at node.
func (s *PublicTransport) Waiting(node core.NodeID) int { return len(s.waiting[node]) }
