// Package observer receives the traces a simulation run produces.
package observer

import (
	"context"
	"sync"

	"github.com/samber/lo"

	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/model"
)

// Observer consumes trace rows. Rows arrive in simulation order from a
// single goroutine; implementations must not retain the slices or maps of
// a row beyond the call unless they copy them.
type Observer interface {
	User(model.UserRecord)
	Vehicle(model.VehicleRecord)
	Reservoir(model.ReservoirRecord)
}

// Recorder keeps every row in memory. It is safe to read while a run is
// writing to it.
type Recorder struct {
	mu         sync.RWMutex
	users      []model.UserRecord
	vehicles   []model.VehicleRecord
	reservoirs []model.ReservoirRecord
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) User(rec model.UserRecord) {
	r.mu.Lock()
	r.users = append(r.users, rec)
	r.mu.Unlock()
}

func (r *Recorder) Vehicle(rec model.VehicleRecord) {
	rec.Passengers = append([]string(nil), rec.Passengers...)
	r.mu.Lock()
	r.vehicles = append(r.vehicles, rec)
	r.mu.Unlock()
}

func (r *Recorder) Reservoir(rec model.ReservoirRecord) {
	rec.Accumulation = lo.Assign(rec.Accumulation)
	rec.Speed = lo.Assign(rec.Speed)
	r.mu.Lock()
	r.reservoirs = append(r.reservoirs, rec)
	r.mu.Unlock()
}

// Users returns a copy of the user trace.
func (r *Recorder) Users() []model.UserRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.UserRecord(nil), r.users...)
}

// UserTrace returns the rows of one user.
func (r *Recorder) UserTrace(id string) []model.UserRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Filter(r.users, func(rec model.UserRecord, _ int) bool { return rec.ID == id })
}

// Vehicles returns a copy of the vehicle trace.
func (r *Recorder) Vehicles() []model.VehicleRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.VehicleRecord(nil), r.vehicles...)
}

// Reservoirs returns a copy of the reservoir trace.
func (r *Recorder) Reservoirs() []model.ReservoirRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.ReservoirRecord(nil), r.reservoirs...)
}

// LogSink writes rows as debug log lines.
type LogSink struct {
	log logging.Logger
}

// NewLogSink wraps l.
func NewLogSink(l logging.Logger) *LogSink {
	if l == nil {
		l = logging.Noop()
	}
	return &LogSink{log: l.With(logging.String("component", "trace"))}
}

func (s *LogSink) User(rec model.UserRecord) {
	s.log.Debug(context.Background(), "user",
		logging.String("id", rec.ID),
		logging.Stringer("time", rec.Time),
		logging.String("link", rec.Link),
		logging.String("state", string(rec.State)),
		logging.String("vehicle", rec.Vehicle),
		logging.String("service", rec.Service),
	)
}

func (s *LogSink) Vehicle(rec model.VehicleRecord) {
	s.log.Debug(context.Background(), "vehicle",
		logging.String("id", rec.ID),
		logging.String("service", rec.Service),
		logging.Stringer("time", rec.Time),
		logging.String("link", rec.Link),
		logging.Float("x", rec.X),
		logging.Float("y", rec.Y),
		logging.String("state", string(rec.State)),
		logging.Int("passengers", len(rec.Passengers)),
	)
}

func (s *LogSink) Reservoir(rec model.ReservoirRecord) {
	s.log.Debug(context.Background(), "reservoir",
		logging.String("zone", rec.Zone),
		logging.Stringer("time", rec.Time),
		logging.String("state", string(rec.State)),
		logging.Any("accumulation", rec.Accumulation),
		logging.Any("speed", rec.Speed),
	)
}

// Multi fans rows out to every observer in order.
type Multi []Observer

func (m Multi) User(rec model.UserRecord) {
	for _, o := range m {
		o.User(rec)
	}
}

func (m Multi) Vehicle(rec model.VehicleRecord) {
	for _, o := range m {
		o.Vehicle(rec)
	}
}

func (m Multi) Reservoir(rec model.ReservoirRecord) {
	for _, o := range m {
		o.Reservoir(rec)
	}
}

// Discard drops every row.
type Discard struct{}

func (Discard) User(model.UserRecord)           {}
func (Discard) Vehicle(model.VehicleRecord)     {}
func (Discard) Reservoir(model.ReservoirRecord) {}
