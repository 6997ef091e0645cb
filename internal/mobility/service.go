// Package mobility implements the mobility services that own vehicles:
// personal cars, on-demand fleets, scheduled public transport and vehicle
// sharing (station-based and free-floating).
package mobility

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/demand"
	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

var (
	ErrNoVehicleAvailable  = errors.New("no vehicle available")
	ErrStationFull         = errors.New("station full")
	ErrNoStation           = errors.New("no station at node")
	ErrStationExists       = errors.New("station already exists")
	ErrAttachPointNotFound = errors.New("attachment point not found")
	ErrInvalidCapacity     = errors.New("invalid capacity")
	ErrVehicleNotFound     = errors.New("vehicle not found")
	ErrNotOnLine           = errors.New("node is not served by a line")
)

// Kind tags the service variants.
type Kind string

const (
	KindPersonal        Kind = "personal"
	KindOnDemand        Kind = "on_demand"
	KindPublicTransport Kind = "public_transport"
	KindStationSharing  Kind = "station_sharing"
	KindFreeFloating    Kind = "free_floating"
)

// SelfDriven reports whether the traveler drives the vehicle, so the ride
// can be simulated as soon as the vehicle is handed over.
func (k Kind) SelfDriven() bool {
	switch k {
	case KindPersonal, KindStationSharing, KindFreeFloating:
		return true
	}
	return false
}

// Graph is the network surface services need.
type Graph interface {
	core.View
	LinkLabel(id core.LinkID) string
	Layer(id string) (core.LayerInfo, bool)
	LayerNodes(layer string) []core.NodeID
}

// TripRequest asks a service to carry User over Links, from Pickup to
// Dropoff, starting at At.
type TripRequest struct {
	User    *demand.User
	Links   []core.LinkID
	Pickup  core.NodeID
	Dropoff core.NodeID
	At      timectrl.Time
}

// NewTripRequest builds the request for the user's current segment.
func NewTripRequest(u *demand.User) TripRequest {
	return TripRequest{
		User:    u,
		Links:   u.SegmentLinks(),
		Pickup:  u.Node(),
		Dropoff: u.SegmentEnd(),
		At:      u.Clock(),
	}
}

// Service is implemented by every mobility service kind.
type Service interface {
	ID() string
	Kind() Kind
	Layer() string
	// RequestTrip claims a vehicle for the request. Failures such as an
	// empty pool are returned as errors and leave the pool untouched. A nil
	// vehicle with a nil error means the user has been queued (scheduled
	// transit).
	RequestTrip(ctx context.Context, req TripRequest) (*Vehicle, error)
	// AdvanceTo moves every vehicle of the service up to until.
	AdvanceTo(ctx context.Context, until timectrl.Time) error
	// Release returns a vehicle to the service, dropping its passengers at
	// its current node.
	Release(v *Vehicle) error
	CanPickup(node core.NodeID) bool
	CanDropoff(node core.NodeID) bool
	// Vehicles lists the live vehicles in creation order.
	Vehicles() []*Vehicle
	// Drain returns pending vehicle trace rows in vehicle creation order
	// and forgets retired vehicles.
	Drain() []model.VehicleRecord
}

// Option customises a service.
type Option func(*fleet)

// WithLogger sets the service logger.
func WithLogger(l logging.Logger) Option {
	return func(f *fleet) {
		if l != nil {
			f.log = l
		}
	}
}

// WithVehicleType overrides the vehicle type reported in traces and used
// for reservoir accumulation. It defaults to the layer's vehicle type.
func WithVehicleType(vt string) Option {
	return func(f *fleet) { f.vtype = vt }
}

// WithCapacity sets the passenger capacity of the service's vehicles.
func WithCapacity(n int) Option {
	return func(f *fleet) {
		if n > 0 {
			f.capacity = n
		}
	}
}

// fleet is the state shared by all service kinds.
type fleet struct {
	id       string
	kind     Kind
	layer    string
	vtype    string
	capacity int
	g        Graph
	log      logging.Logger

	vehicles []*Vehicle
	next     int
}

func newFleet(id string, kind Kind, g Graph, layer string, capacity int, opts []Option) (*fleet, error) {
	li, ok := g.Layer(layer)
	if !ok {
		return nil, fmt.Errorf("%w: %q (service %q)", core.ErrLayerNotFound, layer, id)
	}
	f := &fleet{
		id:       id,
		kind:     kind,
		layer:    layer,
		vtype:    li.VehicleType,
		capacity: capacity,
		g:        g,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With(logging.String("service", id))
	return f, nil
}

func (f *fleet) ID() string    { return f.id }
func (f *fleet) Kind() Kind    { return f.kind }
func (f *fleet) Layer() string { return f.layer }

func (f *fleet) Vehicles() []*Vehicle {
	out := make([]*Vehicle, 0, len(f.vehicles))
	for _, v := range f.vehicles {
		if !v.retired {
			out = append(out, v)
		}
	}
	return out
}

func (f *fleet) Drain() []model.VehicleRecord {
	var out []model.VehicleRecord
	kept := f.vehicles[:0]
	for _, v := range f.vehicles {
		out = append(out, v.drain()...)
		if !v.retired {
			kept = append(kept, v)
		}
	}
	for i := len(kept); i < len(f.vehicles); i++ {
		f.vehicles[i] = nil
	}
	f.vehicles = kept
	return out
}

// spawn creates a vehicle at node.
func (f *fleet) spawn(node core.NodeID, at timectrl.Time, state model.VehicleState) *Vehicle {
	v := &Vehicle{
		id:       fmt.Sprintf("%s_%d", f.id, f.next),
		service:  f.id,
		vtype:    f.vtype,
		capacity: f.capacity,
		g:        f.g,
		clock:    at,
		node:     node,
		state:    state,
	}
	f.next++
	f.vehicles = append(f.vehicles, v)
	v.record()
	return v
}

func (f *fleet) find(id string) (*Vehicle, error) {
	for _, v := range f.vehicles {
		if v.id == id && !v.retired {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrVehicleNotFound, id)
}

// resolveAttach maps an attachment point to a node of the service layer:
// either a layer node name or a road node id.
func (f *fleet) resolveAttach(point string) (core.NodeID, error) {
	for _, name := range []string{point, core.LayerNodeName(f.layer, point)} {
		if id, ok := f.g.NodeByName(name); ok && f.g.Node(id).Layer == f.layer {
			return id, nil
		}
	}
	return core.NoNode, fmt.Errorf("%w: %q on layer %q", ErrAttachPointNotFound, point, f.layer)
}

// validateRequest rejects requests a service can never serve.
func (f *fleet) validateRequest(req TripRequest) error {
	if req.User == nil {
		return fmt.Errorf("service %q: request without user", f.id)
	}
	if len(req.Links) == 0 {
		return fmt.Errorf("service %q: request for %q has no links", f.id, req.User.ID)
	}
	return nil
}

// release ends a ride: passengers alight, the vehicle becomes idle.
func (f *fleet) release(v *Vehicle) {
	for _, p := range v.passengers {
		p.Alight(v.clock)
	}
	v.passengers = nil
	v.plan = nil
	v.route = nil
	v.offset = 0
}
