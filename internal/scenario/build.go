package scenario

import (
	"context"
	"time"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/flow"
	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/internal/mobility"
	"github.com/signalsfoundry/mobility-simulator/internal/sim"
	"github.com/signalsfoundry/mobility-simulator/internal/spacesharing"
	"github.com/signalsfoundry/mobility-simulator/roads"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// Simulation is a scenario ready to run.
type Simulation struct {
	Roads      *roads.Descriptor
	Graph      *core.Graph
	Motor      *flow.Motor
	Controller *spacesharing.Controller
	Supervisor *sim.Supervisor

	Start  timectrl.Time
	End    timectrl.Time
	Step   time.Duration
	Factor int
}

// Run runs the supervisor with the scenario's run parameters.
func (s *Simulation) Run(ctx context.Context) (sim.Report, error) {
	return s.Supervisor.Run(ctx, s.Start, s.End, s.Step, s.Factor)
}

// Build constructs the road descriptor, the graph, the services, the flow
// motor and the restriction controller, then queues the demand. extra is
// appended to the supervisor options derived from the scenario.
func (c *Config) Build(log logging.Logger, extra ...sim.Option) (*Simulation, error) {
	if log == nil {
		log = logging.Noop()
	}
	d, err := c.buildRoads()
	if err != nil {
		return nil, err
	}

	g := core.New(core.WithWalkSpeed(c.Network.WalkSpeed), core.WithMinSpeed(c.Network.MinSpeed))
	for _, l := range c.Layers {
		if err := buildLayer(g, d, l); err != nil {
			return nil, errors.Wrapf(err, "layer %s", l.ID)
		}
	}

	services := make([]mobility.Service, 0, len(c.Services))
	for _, sc := range c.Services {
		svc, err := buildService(g, d, sc, log)
		if err != nil {
			return nil, errors.Wrapf(err, "service %s", sc.ID)
		}
		services = append(services, svc)
	}

	if err := g.GenerateODLayer(d); err != nil {
		return nil, errors.Wrap(err, "od layer")
	}
	if _, err := g.ConnectODLayer(c.Network.ODRadius); err != nil {
		return nil, errors.Wrap(err, "connect od layer")
	}
	for _, t := range c.Transfers {
		if _, err := g.ConnectLayers(t.ID, t.Up, t.Down, t.Length); err != nil {
			return nil, errors.Wrapf(err, "transfer %s", t.ID)
		}
	}
	if c.Network.TransferDistance > 0 {
		if _, err := g.ConnectLayersWithin(c.Network.TransferDistance); err != nil {
			return nil, errors.Wrap(err, "connect layers")
		}
	}

	out := &Simulation{
		Roads:  d,
		Graph:  g,
		Start:  c.Run.Start,
		End:    c.Run.End,
		Step:   c.Run.Step,
		Factor: c.Run.AffectationFactor,
	}
	opts := []sim.Option{
		sim.WithLogger(log),
		sim.WithMaxRetries(c.Run.MaxRetries),
		sim.WithWorkers(c.Run.Workers),
		sim.WithDestinationRadius(c.Run.DestinationRadius),
	}
	if c.Run.RealtimeSpeedup > 0 {
		opts = append(opts, sim.WithRealTime(c.Run.RealtimeSpeedup))
	}
	if len(c.Reservoirs) > 0 {
		out.Motor, err = c.buildMotor(g, d, log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sim.WithFlowMotor(out.Motor))
	}
	if len(c.Policies) > 0 {
		out.Controller = spacesharing.NewController(g, spacesharing.WithLogger(log))
		opts = append(opts, sim.WithController(out.Controller))
	}
	out.Supervisor = sim.New(g, append(opts, extra...)...)

	for _, svc := range services {
		if err := out.Supervisor.AddService(svc); err != nil {
			return nil, errors.Wrapf(err, "register service %s", svc.ID())
		}
	}
	// Policies are validated against the services registered on each layer.
	for _, p := range c.Policies {
		policy := spacesharing.TimeSlotPolicy{
			Link:    p.Link,
			Service: p.Service,
			Slots:   p.Slots,
			Banned:  p.Banned,
			End:     p.End,
			Step:    c.Run.Step,
		}
		if err := out.Controller.Register(p.Name, policy, p.Cadence); err != nil {
			return nil, errors.Wrapf(err, "policy %s", p.Name)
		}
	}

	recs, err := c.DemandRecords()
	if err != nil {
		return nil, err
	}
	if err := out.Supervisor.AddDemand(recs...); err != nil {
		return nil, errors.Wrap(err, "demand")
	}

	log.Info(context.Background(), "scenario built",
		logging.Int("nodes", g.NumNodes()),
		logging.Int("links", g.NumLinks()),
		logging.Int("services", len(services)),
		logging.Int("reservoirs", len(c.Reservoirs)),
		logging.Int("policies", len(c.Policies)),
		logging.Int("users", len(recs)),
	)
	return out, nil
}

func (c *Config) buildRoads() (*roads.Descriptor, error) {
	var (
		d   *roads.Descriptor
		err error
	)
	n := c.Network
	switch {
	case n.RoadsFile != "":
		d, err = roads.LoadFile(c.resolve(n.RoadsFile))
	case n.Line != nil:
		d, err = roads.LineRoad(orb.Point(n.Line.Start), orb.Point(n.Line.End), n.Line.Nodes, n.Line.Zone, n.Line.BothWays)
	default:
		d, err = roads.Grid(n.Grid.Size, n.Grid.Length, n.Grid.Zone)
	}
	if err != nil {
		return nil, errors.Wrap(err, "roads")
	}
	for _, s := range n.Stops {
		if err := d.AddStop(s.ID, s.Section, s.RelativePosition); err != nil {
			return nil, errors.Wrapf(err, "stop %s", s.ID)
		}
	}
	for _, z := range n.Zones {
		if err := d.AddZone(z.ID, z.Sections); err != nil {
			return nil, errors.Wrapf(err, "zone %s", z.ID)
		}
	}
	return d, nil
}

func buildLayer(g *core.Graph, d *roads.Descriptor, l LayerConfig) error {
	if l.Kind == LayerTransit {
		return g.AddLayer(l.ID, l.VehicleType, l.Speed)
	}
	return g.BuildRoadLayer(d, core.LayerSpec{
		ID:             l.ID,
		VehicleType:    l.VehicleType,
		DefaultSpeed:   l.Speed,
		BannedNodes:    l.BannedNodes,
		BannedSections: l.BannedSections,
	})
}

func buildService(g *core.Graph, d *roads.Descriptor, sc ServiceConfig, log logging.Logger) (mobility.Service, error) {
	opts := []mobility.Option{mobility.WithLogger(log)}
	if sc.VehicleType != "" {
		opts = append(opts, mobility.WithVehicleType(sc.VehicleType))
	}
	if sc.Capacity > 0 {
		opts = append(opts, mobility.WithCapacity(sc.Capacity))
	}

	switch sc.Kind {
	case mobility.KindPersonal:
		return mobility.NewPersonal(sc.ID, g, sc.Layer, opts...)

	case mobility.KindOnDemand:
		svc, err := mobility.NewOnDemand(sc.ID, g, sc.Layer, opts...)
		if err != nil {
			return nil, err
		}
		for _, f := range sc.Vehicles {
			for i := 0; i < f.Count; i++ {
				if _, err := svc.CreateWaitingVehicle(f.At); err != nil {
					return nil, err
				}
			}
		}
		return svc, nil

	case mobility.KindFreeFloating:
		svc, err := mobility.NewFreeFloating(sc.ID, g, sc.Layer, opts...)
		if err != nil {
			return nil, err
		}
		for _, f := range sc.Vehicles {
			if err := svc.InitFreeFloatingVehicles(f.At, f.Count); err != nil {
				return nil, err
			}
		}
		return svc, nil

	case mobility.KindStationSharing:
		svc, err := mobility.NewStationSharing(sc.ID, g, sc.Layer, opts...)
		if err != nil {
			return nil, err
		}
		for _, st := range sc.Stations {
			if _, err := svc.CreateStation(st.ID, st.At, st.Capacity, st.Initial); err != nil {
				return nil, err
			}
		}
		return svc, nil

	case mobility.KindPublicTransport:
		svc, err := mobility.NewPublicTransport(sc.ID, g, sc.Layer, opts...)
		if err != nil {
			return nil, err
		}
		for _, lc := range sc.Lines {
			nodes, links, err := g.AddPublicTransportLine(sc.Layer, lc.ID, d, lc.Stops, lc.Sections)
			if err != nil {
				return nil, errors.Wrapf(err, "line %s", lc.ID)
			}
			line := mobility.Line{ID: lc.ID, Stops: nodes, Links: links, Timetable: lc.Timetable()}
			if err := svc.AddLine(line); err != nil {
				return nil, errors.Wrapf(err, "line %s", lc.ID)
			}
		}
		return svc, nil
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "unknown service kind %q", sc.Kind)
}

func (c *Config) buildMotor(g *core.Graph, d *roads.Descriptor, log logging.Logger) (*flow.Motor, error) {
	opts := []flow.Option{flow.WithLogger(log)}
	if c.Network.SpeedFloor > 0 {
		opts = append(opts, flow.WithSpeedFloor(c.Network.SpeedFloor))
	}
	m := flow.NewMotor(g, d, opts...)
	for _, r := range c.Reservoirs {
		fn := speedFunc(r.Speed, r.Modes)
		var err error
		if r.Zone != "" {
			err = m.AddZoneReservoir(r.Zone, r.Modes, fn)
		} else {
			err = m.AddReservoir(r.ID, r.Sections, r.Modes, fn)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reservoir %s", r.ID)
		}
	}
	return m, nil
}

func speedFunc(s SpeedConfig, modes []string) flow.SpeedFunc {
	switch s.Kind {
	case "linear":
		vt := s.VehicleType
		if vt == "" {
			vt = modes[0]
		}
		return flow.Linear(vt, s.Free, s.Slope)
	case "greenshields":
		return flow.Greenshields(s.Free, s.Jam, modes...)
	}
	return flow.Constant(s.Speeds)
}
