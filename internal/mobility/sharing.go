package mobility

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/demand"
	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// Station is a dock of a sharing service. The number of waiting vehicles
// never exceeds Capacity.
type Station struct {
	ID       string
	Node     core.NodeID
	Capacity int
	// FreeFloating marks stations materialised from parked free-floating
	// vehicles.
	FreeFloating bool

	waiting []*Vehicle
}

// Waiting returns the number of vehicles docked.
func (st *Station) Waiting() int { return len(st.waiting) }

// VehicleIDs lists docked vehicles in docking order.
func (st *Station) VehicleIDs() []string {
	return lo.Map(st.waiting, func(v *Vehicle, _ int) string { return v.id })
}

func (st *Station) take() *Vehicle {
	if len(st.waiting) == 0 {
		return nil
	}
	v := st.waiting[0]
	st.waiting = st.waiting[1:]
	return v
}

// StationSharing is station-based vehicle sharing: vehicles are picked up
// from and returned to capacity-bounded stations.
type StationSharing struct {
	*fleet
	stations []*Station
	byNode   map[core.NodeID]*Station
	byID     map[string]*Station
}

// NewStationSharing creates a station-based sharing service on layer.
func NewStationSharing(id string, g Graph, layer string, opts ...Option) (*StationSharing, error) {
	f, err := newFleet(id, KindStationSharing, g, layer, 1, opts)
	if err != nil {
		return nil, err
	}
	return &StationSharing{
		fleet:  f,
		byNode: make(map[core.NodeID]*Station),
		byID:   make(map[string]*Station),
	}, nil
}

// CreateStation adds a station at an attachment point (a layer node name or
// a road node id) with capacity docks, initial of them occupied.
func (s *StationSharing) CreateStation(id, attach string, capacity, initial int) (*Station, error) {
	if _, exists := s.byID[id]; exists {
		return nil, fmt.Errorf("%w: %q", ErrStationExists, id)
	}
	if capacity < 1 || initial < 0 || initial > capacity {
		return nil, fmt.Errorf("%w: station %q capacity %d with %d vehicles", ErrInvalidCapacity, id, capacity, initial)
	}
	node, err := s.resolveAttach(attach)
	if err != nil {
		return nil, err
	}
	if other, taken := s.byNode[node]; taken {
		return nil, fmt.Errorf("%w: node of %q already hosts %q", ErrStationExists, id, other.ID)
	}
	st := &Station{ID: id, Node: node, Capacity: capacity}
	for i := 0; i < initial; i++ {
		st.waiting = append(st.waiting, s.spawn(node, 0, model.VehicleWaiting))
	}
	s.stations = append(s.stations, st)
	s.byNode[node] = st
	s.byID[id] = st
	return st, nil
}

// Station returns a station by id.
func (s *StationSharing) Station(id string) (*Station, bool) {
	st, ok := s.byID[id]
	return st, ok
}

// Stations lists stations in creation order.
func (s *StationSharing) Stations() []*Station { return append([]*Station(nil), s.stations...) }

func (s *StationSharing) CanPickup(node core.NodeID) bool {
	_, ok := s.byNode[node]
	return ok
}

func (s *StationSharing) CanDropoff(node core.NodeID) bool {
	_, ok := s.byNode[node]
	return ok
}

// RequestTrip takes the longest-docked vehicle of the station at the
// pickup node.
func (s *StationSharing) RequestTrip(ctx context.Context, req TripRequest) (*Vehicle, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	st, ok := s.byNode[req.Pickup]
	if !ok {
		return nil, fmt.Errorf("%w: %s pickup for %q", ErrNoStation, s.id, req.User.ID)
	}
	v := st.take()
	if v == nil {
		return nil, fmt.Errorf("%w: station %q empty for %q", ErrNoVehicleAvailable, st.ID, req.User.ID)
	}
	v.startAt(req.At)
	v.plan = tripPlan(req.User, req.Links)
	s.log.Debug(ctx, "vehicle taken",
		logging.String("station", st.ID),
		logging.String("vehicle", v.id),
		logging.String("user", req.User.ID),
		logging.Int("left", st.Waiting()),
	)
	return v, nil
}

func (s *StationSharing) AdvanceTo(_ context.Context, until timectrl.Time) error {
	for _, v := range s.vehicles {
		if v.retired {
			continue
		}
		v.run(until, s.dock)
	}
	return nil
}

// dock returns a vehicle to the station at its node. A missing or full
// station stops both vehicle and rider.
func (s *StationSharing) dock(v *Vehicle, _ *demand.User) error {
	st, ok := s.byNode[v.node]
	if !ok {
		v.setState(model.VehicleStop)
		return fmt.Errorf("%w: %s", ErrNoStation, s.g.Node(v.node).Name)
	}
	if st.Waiting() >= st.Capacity {
		v.setState(model.VehicleStop)
		return fmt.Errorf("%w: %q", ErrStationFull, st.ID)
	}
	st.waiting = append(st.waiting, v)
	v.setState(model.VehicleWaiting)
	return nil
}

func (s *StationSharing) Release(v *Vehicle) error {
	if _, err := s.find(v.id); err != nil {
		return err
	}
	s.release(v)
	v.idleSince = v.clock
	return s.dock(v, nil)
}

// FreeFloating is vehicle sharing without docks: vehicles may be picked up
// wherever one waits and left at any node of the layer.
type FreeFloating struct {
	*fleet
	parked map[core.NodeID][]*Vehicle
}

// NewFreeFloating creates a free-floating sharing service on layer.
func NewFreeFloating(id string, g Graph, layer string, opts ...Option) (*FreeFloating, error) {
	f, err := newFleet(id, KindFreeFloating, g, layer, 1, opts)
	if err != nil {
		return nil, err
	}
	return &FreeFloating{fleet: f, parked: make(map[core.NodeID][]*Vehicle)}, nil
}

// InitFreeFloatingVehicles parks count vehicles at an attachment point.
func (s *FreeFloating) InitFreeFloatingVehicles(attach string, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: %d vehicles", ErrInvalidCapacity, count)
	}
	node, err := s.resolveAttach(attach)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		s.parked[node] = append(s.parked[node], s.spawn(node, 0, model.VehicleWaiting))
	}
	return nil
}

// Stations materialises one station per node holding parked vehicles,
// named ff_station_<service>_<node>, ordered by node id.
func (s *FreeFloating) Stations() []*Station {
	nodes := lo.Filter(lo.Keys(s.parked), func(n core.NodeID, _ int) bool { return len(s.parked[n]) > 0 })
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return lo.Map(nodes, func(n core.NodeID, _ int) *Station {
		vs := s.parked[n]
		return &Station{
			ID:           fmt.Sprintf("ff_station_%s_%s", s.id, s.g.Node(n).Name),
			Node:         n,
			Capacity:     len(vs),
			FreeFloating: true,
			waiting:      append([]*Vehicle(nil), vs...),
		}
	})
}

func (s *FreeFloating) CanPickup(node core.NodeID) bool { return len(s.parked[node]) > 0 }
func (s *FreeFloating) CanDropoff(core.NodeID) bool     { return true }

// RequestTrip takes the first vehicle parked at the pickup node. When two
// users target the last vehicle in the same step, the first request wins.
func (s *FreeFloating) RequestTrip(ctx context.Context, req TripRequest) (*Vehicle, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	vs := s.parked[req.Pickup]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: %s at %s for %q", ErrNoVehicleAvailable, s.id, s.g.Node(req.Pickup).Name, req.User.ID)
	}
	v := vs[0]
	s.parked[req.Pickup] = vs[1:]
	if len(s.parked[req.Pickup]) == 0 {
		delete(s.parked, req.Pickup)
	}
	v.startAt(req.At)
	v.plan = tripPlan(req.User, req.Links)
	s.log.Debug(ctx, "vehicle taken",
		logging.String("vehicle", v.id),
		logging.String("user", req.User.ID),
	)
	return v, nil
}

func (s *FreeFloating) AdvanceTo(_ context.Context, until timectrl.Time) error {
	for _, v := range s.vehicles {
		if v.retired {
			continue
		}
		v.run(until, s.park)
	}
	return nil
}

func (s *FreeFloating) park(v *Vehicle, _ *demand.User) error {
	s.parked[v.node] = append(s.parked[v.node], v)
	v.setState(model.VehicleWaiting)
	return nil
}

func (s *FreeFloating) Release(v *Vehicle) error {
	if _, err := s.find(v.id); err != nil {
		return err
	}
	s.release(v)
	v.idleSince = v.clock
	return s.park(v, nil)
}
