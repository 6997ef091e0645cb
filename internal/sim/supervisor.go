// Package sim drives a simulation: it owns the clock, the users admitted
// from the demand stream and the registered mobility services, and runs the
// phase-ordered step loop.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/decision"
	"github.com/signalsfoundry/mobility-simulator/internal/demand"
	"github.com/signalsfoundry/mobility-simulator/internal/flow"
	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/internal/mobility"
	"github.com/signalsfoundry/mobility-simulator/internal/observability"
	"github.com/signalsfoundry/mobility-simulator/internal/observer"
	"github.com/signalsfoundry/mobility-simulator/internal/routing"
	"github.com/signalsfoundry/mobility-simulator/internal/spacesharing"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

const tracerName = "github.com/signalsfoundry/mobility-simulator/internal/sim"

var (
	ErrAlreadyRun       = errors.New("simulation already run")
	ErrInvalidRunParams = errors.New("invalid run parameters")
	ErrDuplicateService = errors.New("service already registered")
)

// Phase is the lifecycle state of a Supervisor.
type Phase string

const (
	PhaseConfiguring Phase = "configuring"
	PhaseRunning     Phase = "running"
	PhaseFinished    Phase = "finished"
)

// Report summarises a finished run.
type Report struct {
	RunID    string
	Start    timectrl.Time
	End      timectrl.Time
	Steps    int
	Admitted int
	Arrived  int
	// Unserved lists, in demand order, the admitted users that did not
	// arrive, including those stopped for good by a full station.
	Unserved []string
}

// Supervisor runs the simulation loop. It is configured (services,
// demand, policies) before Run and may be observed through Snapshot and
// User from other goroutines while running.
type Supervisor struct {
	g       *core.Graph
	motor   *flow.Motor
	ctrl    *spacesharing.Controller
	obs     observer.Observer
	metrics *observability.SimCollector
	log     logging.Logger
	tracer  trace.Tracer

	maxRetries int
	workers    int
	radius     float64
	mode       timectrl.Mode
	speedup    float64

	services []mobility.Service
	byID     map[string]mobility.Service
	stream   *demand.Stream
	users    []*demand.User
	planner  *decision.Planner

	mu       sync.RWMutex
	phase    Phase
	snapshot Snapshot
	last     map[string]model.UserRecord
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithFlowMotor enables the flow phase.
func WithFlowMotor(m *flow.Motor) Option { return func(s *Supervisor) { s.motor = m } }

// WithController enables dynamic space-sharing policies.
func WithController(c *spacesharing.Controller) Option {
	return func(s *Supervisor) { s.ctrl = c }
}

// WithObserver sets the trace consumer.
func WithObserver(o observer.Observer) Option {
	return func(s *Supervisor) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithMetrics publishes run metrics to c.
func WithMetrics(c *observability.SimCollector) Option {
	return func(s *Supervisor) { s.metrics = c }
}

// WithLogger sets the supervisor logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Supervisor) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMaxRetries bounds how many times a stopped user is planned again.
// Zero retries until the end of the run.
func WithMaxRetries(n int) Option {
	return func(s *Supervisor) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithWorkers spreads route computations over n goroutines.
func WithWorkers(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithDestinationRadius sets how far destination nodes may lie from a
// user's destination point.
func WithDestinationRadius(r float64) Option {
	return func(s *Supervisor) { s.radius = r }
}

// WithRealTime paces steps against the wall clock, speedup simulated
// seconds per wall second.
func WithRealTime(speedup float64) Option {
	return func(s *Supervisor) {
		s.mode = timectrl.RealTime
		s.speedup = speedup
	}
}

// New creates a Supervisor over g.
func New(g *core.Graph, opts ...Option) *Supervisor {
	stream, _ := demand.NewStream()
	s := &Supervisor{
		g:       g,
		obs:     observer.Discard{},
		log:     logging.Noop(),
		tracer:  otel.Tracer(tracerName),
		workers: 1,
		radius:  decision.DefaultDestinationRadius,
		mode:    timectrl.Accelerated,
		byID:    make(map[string]mobility.Service),
		stream:  stream,
		phase:   PhaseConfiguring,
		last:    make(map[string]model.UserRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddService registers a mobility service and declares it on its layer.
func (s *Supervisor) AddService(svc mobility.Service) error {
	if err := s.configuring(); err != nil {
		return err
	}
	if _, exists := s.byID[svc.ID()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateService, svc.ID())
	}
	if err := s.g.RegisterService(svc.Layer(), svc.ID()); err != nil {
		return err
	}
	s.services = append(s.services, svc)
	s.byID[svc.ID()] = svc
	return nil
}

// Service returns a registered service.
func (s *Supervisor) Service(id string) (mobility.Service, bool) {
	svc, ok := s.byID[id]
	return svc, ok
}

// AddDemand queues demand records. Users are admitted in departure order,
// ties kept in the order they were added.
func (s *Supervisor) AddDemand(recs ...model.DemandRecord) error {
	if err := s.configuring(); err != nil {
		return err
	}
	return s.stream.Add(recs...)
}

func (s *Supervisor) configuring() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.phase != PhaseConfiguring {
		return ErrAlreadyRun
	}
	return nil
}

// Run simulates [start, end) in steps of dt. Users are admitted and
// routed every factor steps. A Supervisor runs once.
func (s *Supervisor) Run(ctx context.Context, start, end timectrl.Time, dt time.Duration, factor int) (Report, error) {
	if dt <= 0 || end <= start || factor < 1 {
		return Report{}, fmt.Errorf("%w: start=%s end=%s dt=%s factor=%d", ErrInvalidRunParams, start, end, dt, factor)
	}
	s.mu.Lock()
	if s.phase != PhaseConfiguring {
		s.mu.Unlock()
		return Report{}, ErrAlreadyRun
	}
	s.phase = PhaseRunning
	s.mu.Unlock()

	ctx, runID := logging.EnsureRunID(ctx)
	ctx, log := logging.WithRunLogger(ctx, s.log)
	ctx, span := s.tracer.Start(ctx, "sim.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("sim.start", start.String()),
		attribute.String("sim.end", end.String()),
		attribute.Float64("sim.dt_seconds", dt.Seconds()),
		attribute.Int("sim.affectation_factor", factor),
	))
	defer span.End()

	ropts := []routing.Option{routing.WithWorkers(s.workers)}
	if s.metrics != nil {
		ropts = append(ropts, routing.WithRecorder(s.metrics))
	}
	s.planner = decision.NewPlanner(s.g, routing.New(s.g, ropts...),
		decision.WithDestinationRadius(s.radius),
		decision.WithLogger(log),
	)

	log.Info(ctx, "simulation started",
		logging.Stringer("start", start),
		logging.Stringer("end", end),
		logging.String("dt", dt.String()),
		logging.Int("affectation_factor", factor),
		logging.Int("services", len(s.services)),
		logging.Int("demand", s.stream.Len()),
	)

	rep := Report{RunID: runID, Start: start, End: end}
	r := &run{s: s, log: log, start: start, end: end, dt: dt, factor: factor, report: &rep}

	tc := timectrl.NewTimeController(start, dt, s.mode)
	tc.Speedup = s.speedup
	err := tc.RunUntil(ctx, end, func(step int, t timectrl.Time) error {
		return r.step(ctx, step, t)
	})
	if err != nil {
		span.RecordError(err)
		log.Error(ctx, "simulation aborted", logging.Err(err))
	}
	r.flush(ctx)

	s.mu.Lock()
	s.phase = PhaseFinished
	s.snapshot.Phase = PhaseFinished
	s.mu.Unlock()

	log.Info(ctx, "simulation finished",
		logging.Int("steps", rep.Steps),
		logging.Int("admitted", rep.Admitted),
		logging.Int("arrived", rep.Arrived),
		logging.Int("unserved", len(rep.Unserved)),
	)
	return rep, err
}

// run holds the state of one Run call.
type run struct {
	s      *Supervisor
	log    logging.Logger
	start  timectrl.Time
	end    timectrl.Time
	dt     time.Duration
	factor int
	report *Report

	reservoirs []model.ReservoirRecord
	active     int
}

// step runs the phases of one step [t, t+dt).
func (r *run) step(parent context.Context, step int, t timectrl.Time) error {
	s := r.s
	until := t.Add(r.dt)
	if until > r.end {
		until = r.end
	}
	ctx, span := s.tracer.Start(parent, "sim.step", trace.WithAttributes(
		attribute.Int("sim.step", step),
		attribute.String("sim.time", t.String()),
	))
	defer span.End()

	if err := r.restrictions(ctx, step, t); err != nil {
		span.RecordError(err)
		return err
	}
	r.flow(ctx, t)
	if step%r.factor == 0 {
		r.assign(ctx, t)
	}
	r.advance(ctx, until)
	r.emit(ctx, step, until)
	r.report.Steps++
	return nil
}

func (r *run) phase(ctx context.Context, name string) (context.Context, trace.Span) {
	return r.s.tracer.Start(ctx, "sim.phase."+name)
}

// restrictions ticks the ban table and evaluates due policies.
func (r *run) restrictions(ctx context.Context, step int, t timectrl.Time) error {
	ctx, span := r.phase(ctx, "restrictions")
	defer span.End()

	s := r.s
	if s.ctrl == nil {
		s.g.TickRestrictions()
		r.active = len(s.g.ActiveRestrictions())
	} else {
		res, err := s.ctrl.Step(ctx, step, t)
		if err != nil {
			return err
		}
		r.active = res.Active
	}
	span.SetAttributes(attribute.Int("restrictions.active", r.active))
	s.metrics.SetActiveRestrictions(r.active)
	return nil
}

// flow recounts reservoir accumulations and rewrites link travel times.
func (r *run) flow(ctx context.Context, t timectrl.Time) {
	s := r.s
	if s.motor == nil {
		return
	}
	ctx, span := r.phase(ctx, "flow")
	defer span.End()

	var positions []flow.Position
	for _, svc := range s.services {
		for _, v := range svc.Vehicles() {
			if v.State() != model.VehicleEnRoute {
				continue
			}
			if l, off, ok := v.Link(); ok {
				positions = append(positions, flow.Position{Link: l, Offset: off, VehicleType: v.Type()})
			}
		}
	}
	r.reservoirs = s.motor.Step(ctx, t, positions)
	span.SetAttributes(attribute.Int("flow.vehicles", len(positions)))
	for _, rec := range r.reservoirs {
		s.metrics.SetReservoir(rec.Zone, rec.Accumulation, rec.Speed)
	}
}

// assign admits the users departing before the next assignment step and
// plans every admitted user that has no itinerary or stopped.
func (r *run) assign(ctx context.Context, t timectrl.Time) {
	ctx, span := r.phase(ctx, "assignment")
	defer span.End()

	s := r.s
	window := t.Add(time.Duration(r.factor) * r.dt)
	if window > r.end {
		window = r.end
	}
	admitted := s.stream.Due(window)
	s.users = append(s.users, admitted...)
	r.report.Admitted += len(admitted)
	s.metrics.AddAdmitted(len(admitted))

	var todo []*demand.User
	for _, u := range s.users {
		if r.needsPlan(u) {
			todo = append(todo, u)
		}
	}
	if len(todo) == 0 {
		return
	}
	services := make([]decision.Service, len(s.services))
	for i, svc := range s.services {
		services[i] = svc
	}
	noPath := 0
	for _, d := range s.planner.Plan(ctx, todo, services) {
		if !d.Found {
			noPath++
			d.User.Fail("no path", d.User.Clock())
			continue
		}
		d.User.Assign(d.Itinerary, t)
	}
	span.SetAttributes(
		attribute.Int("users.admitted", len(admitted)),
		attribute.Int("users.planned", len(todo)),
		attribute.Int("users.no_path", noPath),
	)
	r.log.Info(ctx, "assignment pass",
		logging.Stringer("time", t),
		logging.Int("admitted", len(admitted)),
		logging.Int("planned", len(todo)),
		logging.Int("no_path", noPath),
	)
}

func (r *run) needsPlan(u *demand.User) bool {
	switch {
	case u.Done():
		return false
	case u.State() == model.UserStop:
		return r.retryable(u)
	}
	return u.Itinerary() == nil
}

func (r *run) retryable(u *demand.User) bool {
	return r.s.maxRetries == 0 || u.Retries() <= r.s.maxRetries
}

// advance moves users and vehicles up to until: rides already under way,
// then users in demand order, then fleets, then users released by fleets.
func (r *run) advance(ctx context.Context, until timectrl.Time) {
	ctx, span := r.phase(ctx, "advance")
	defer span.End()

	s := r.s
	for _, svc := range s.services {
		if svc.Kind().SelfDriven() {
			r.advanceService(ctx, svc, until)
		}
	}
	r.usersPass(ctx, until)
	for _, kind := range []mobility.Kind{mobility.KindOnDemand, mobility.KindPublicTransport} {
		for _, svc := range s.services {
			if svc.Kind() == kind {
				r.advanceService(ctx, svc, until)
			}
		}
	}
	r.usersPass(ctx, until)
}

func (r *run) advanceService(ctx context.Context, svc mobility.Service, until timectrl.Time) {
	if err := svc.AdvanceTo(ctx, until); err != nil {
		r.log.Warn(ctx, "service advance failed", logging.String("service", svc.ID()), logging.Err(err))
	}
}

func (r *run) usersPass(ctx context.Context, until timectrl.Time) {
	for _, u := range r.s.users {
		if !u.Done() {
			r.advanceUser(ctx, u, until)
		}
	}
}

// advanceUser walks u and issues its trip requests. Self-driven rides are
// simulated as soon as the vehicle is handed over.
func (r *run) advanceUser(ctx context.Context, u *demand.User, until timectrl.Time) {
	s := r.s
	for {
		if u.Walk(s.g, until) != demand.AtService || u.Clock() >= until {
			return
		}
		seg, _ := u.Segment()
		svc, ok := s.byID[seg.Service]
		if !ok {
			u.Fail(fmt.Sprintf("unknown service %q", seg.Service), u.Clock())
			return
		}
		v, err := svc.RequestTrip(ctx, mobility.NewTripRequest(u))
		if err != nil {
			s.metrics.RequestFailed(svc.ID(), failureReason(err))
			r.log.Debug(ctx, "trip request failed",
				logging.String("user", u.ID),
				logging.String("service", svc.ID()),
				logging.Err(err),
			)
			u.Fail(err.Error(), u.Clock())
			return
		}
		if v == nil || !svc.Kind().SelfDriven() {
			return
		}
		r.advanceService(ctx, svc, until)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, mobility.ErrNoVehicleAvailable):
		return "no_vehicle"
	case errors.Is(err, mobility.ErrStationFull):
		return "station_full"
	case errors.Is(err, mobility.ErrNoStation):
		return "no_station"
	case errors.Is(err, mobility.ErrNotOnLine):
		return "not_on_line"
	}
	return "other"
}

// emit drains the traces of the step in a fixed order and refreshes the
// snapshot.
func (r *run) emit(ctx context.Context, step int, until timectrl.Time) {
	s := r.s
	arrived := 0
	last := make(map[string]model.UserRecord)
	for _, u := range s.users {
		for _, rec := range u.Drain() {
			s.obs.User(rec)
			last[rec.ID] = rec
			if rec.State == model.UserArrived {
				arrived++
			}
		}
	}
	for _, svc := range s.services {
		for _, rec := range svc.Drain() {
			s.obs.Vehicle(rec)
		}
	}
	for _, rec := range r.reservoirs {
		s.obs.Reservoir(rec)
	}
	r.report.Arrived += arrived
	s.metrics.AddArrived(arrived)
	s.metrics.StepDone(until)

	snap := r.buildSnapshot(step, until)
	s.mu.Lock()
	for id, rec := range last {
		s.last[id] = rec
	}
	s.snapshot = snap
	s.mu.Unlock()

	if arrived > 0 {
		r.log.Debug(ctx, "users arrived", logging.Int("count", arrived), logging.Stringer("time", until))
	}
}

// flush ends the run: every admitted user that has not arrived gets a
// final UNSERVED record at the end time.
func (r *run) flush(ctx context.Context) {
	s := r.s
	last := make(map[string]model.UserRecord)
	for _, u := range s.users {
		if u.State() == model.UserArrived {
			continue
		}
		u.Unserve(r.end)
		for _, rec := range u.Drain() {
			s.obs.User(rec)
			last[rec.ID] = rec
		}
		r.report.Unserved = append(r.report.Unserved, u.ID)
	}
	for _, svc := range s.services {
		for _, rec := range svc.Drain() {
			s.obs.Vehicle(rec)
		}
	}
	s.metrics.AddUnserved(len(r.report.Unserved))

	snap := r.buildSnapshot(r.report.Steps, r.end)
	s.mu.Lock()
	for id, rec := range last {
		s.last[id] = rec
	}
	s.snapshot = snap
	s.mu.Unlock()

	if len(r.report.Unserved) > 0 {
		r.log.Info(ctx, "users unserved", logging.Int("count", len(r.report.Unserved)))
	}
}

func (r *run) buildSnapshot(step int, now timectrl.Time) Snapshot {
	s := r.s
	snap := Snapshot{
		RunID:              r.report.RunID,
		Phase:              PhaseRunning,
		Time:               now,
		Step:               step,
		Users:              make(map[model.UserState]int),
		Vehicles:           make(map[string]int, len(s.services)),
		ActiveRestrictions: r.active,
		Admitted:           len(s.users),
		Pending:            s.stream.Len(),
	}
	for _, u := range s.users {
		snap.Users[u.State()]++
	}
	for _, svc := range s.services {
		snap.Vehicles[svc.ID()] = len(svc.Vehicles())
	}
	snap.Reservoirs = make([]ReservoirStatus, 0, len(r.reservoirs))
	for _, rec := range r.reservoirs {
		snap.Reservoirs = append(snap.Reservoirs, ReservoirStatus{Zone: rec.Zone, State: rec.State, Speed: rec.Speed, Accumulation: rec.Accumulation})
	}
	sort.Slice(snap.Reservoirs, func(i, j int) bool { return snap.Reservoirs[i].Zone < snap.Reservoirs[j].Zone })
	return snap
}
