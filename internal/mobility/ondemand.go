package mobility

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/demand"
	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/internal/routing"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// OnDemand dispatches the nearest waiting vehicle of its fleet to each
// request. Vehicles wait at the node of their last drop-off.
type OnDemand struct {
	*fleet
}

// NewOnDemand creates an on-demand service on layer.
func NewOnDemand(id string, g Graph, layer string, opts ...Option) (*OnDemand, error) {
	f, err := newFleet(id, KindOnDemand, g, layer, 1, opts)
	if err != nil {
		return nil, err
	}
	return &OnDemand{fleet: f}, nil
}

// CreateWaitingVehicle adds an idle vehicle at a layer node or road node.
func (s *OnDemand) CreateWaitingVehicle(attach string) (*Vehicle, error) {
	node, err := s.resolveAttach(attach)
	if err != nil {
		return nil, err
	}
	return s.spawn(node, 0, model.VehicleWaiting), nil
}

func (s *OnDemand) CanPickup(core.NodeID) bool  { return true }
func (s *OnDemand) CanDropoff(core.NodeID) bool { return true }

// RequestTrip picks the waiting vehicle with the cheapest route to the
// pickup node. Ties go to the vehicle created first; vehicles that cannot
// reach the pickup are skipped.
func (s *OnDemand) RequestTrip(ctx context.Context, req TripRequest) (*Vehicle, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	filter := routing.LayerFilter{Graph: s.g, Layer: s.layer, Service: s.id}

	var (
		best     *Vehicle
		bestPath routing.Path
	)
	for _, v := range s.vehicles {
		if v.retired || v.Busy() || v.state != model.VehicleWaiting {
			continue
		}
		p, ok := routing.ShortestPath(s.g, routing.Query{
			Origin:       v.node,
			Destinations: []core.NodeID{req.Pickup},
			Filter:       filter,
		})
		if !ok {
			continue
		}
		if best == nil || p.Cost < bestPath.Cost {
			best, bestPath = v, p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s for %q at %s", ErrNoVehicleAvailable, s.id, req.User.ID, req.At)
	}

	best.startAt(req.At)
	best.plan = append([]activity{{kind: actDrive, links: bestPath.Links}}, tripPlan(req.User, req.Links)...)
	req.User.WaitFor(s.id, req.At)
	s.log.Debug(ctx, "vehicle dispatched",
		logging.String("vehicle", best.id),
		logging.String("user", req.User.ID),
		logging.Float("pickup_cost", bestPath.Cost),
	)
	return best, nil
}

func (s *OnDemand) AdvanceTo(_ context.Context, until timectrl.Time) error {
	for _, v := range s.vehicles {
		if v.retired {
			continue
		}
		v.run(until, s.wait)
	}
	return nil
}

func (s *OnDemand) wait(v *Vehicle, _ *demand.User) error {
	v.setState(model.VehicleWaiting)
	return nil
}

func (s *OnDemand) Release(v *Vehicle) error {
	if _, err := s.find(v.id); err != nil {
		return err
	}
	s.release(v)
	v.idleSince = v.clock
	v.setState(model.VehicleWaiting)
	return nil
}
