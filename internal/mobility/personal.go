package mobility

import (
	"context"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/demand"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// Personal gives every requesting user their own vehicle. There is no
// contention: the vehicle appears at the pickup node and is parked and
// retired after the drop-off.
type Personal struct {
	*fleet
}

// NewPersonal creates a personal vehicle service on layer.
func NewPersonal(id string, g Graph, layer string, opts ...Option) (*Personal, error) {
	f, err := newFleet(id, KindPersonal, g, layer, 1, opts)
	if err != nil {
		return nil, err
	}
	return &Personal{fleet: f}, nil
}

func (s *Personal) CanPickup(core.NodeID) bool  { return true }
func (s *Personal) CanDropoff(core.NodeID) bool { return true }

func (s *Personal) RequestTrip(_ context.Context, req TripRequest) (*Vehicle, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	v := s.spawn(req.Pickup, req.At, model.VehicleWaiting)
	v.plan = tripPlan(req.User, req.Links)
	return v, nil
}

func (s *Personal) AdvanceTo(_ context.Context, until timectrl.Time) error {
	for _, v := range s.vehicles {
		if v.retired {
			continue
		}
		v.run(until, s.park)
	}
	return nil
}

func (s *Personal) park(v *Vehicle, _ *demand.User) error {
	v.setState(model.VehicleParked)
	v.retired = true
	return nil
}

func (s *Personal) Release(v *Vehicle) error {
	if _, err := s.find(v.id); err != nil {
		return err
	}
	s.release(v)
	v.setState(model.VehicleParked)
	v.retired = true
	return nil
}
