// Package flow updates link travel times from the congestion of the
// reservoirs (zones) they cross.
package flow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/roads"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

var (
	ErrReservoirExists = errors.New("reservoir already exists")
	ErrSectionOverlap  = errors.New("section already owned by a reservoir for this vehicle type")
	ErrUnknownSection  = errors.New("unknown section")
	ErrUnknownZone     = errors.New("unknown zone")
)

// DefaultSpeedFloor is the lowest speed (m/s) a speed function may impose.
const DefaultSpeedFloor = 0.1

// Position locates one en-route vehicle for accumulation bookkeeping.
type Position struct {
	Link        core.LinkID
	Offset      float64
	VehicleType string
}

// Graph is the part of the network the motor reads and writes.
type Graph interface {
	Link(id core.LinkID) core.Link
	Layers() []core.LayerInfo
	LayerLinks(layer string) []core.LinkID
	SetLinkTravelTime(id core.LinkID, travelTime float64)
}

// Reservoir is a set of road sections sharing one accumulation to speed
// relationship for the vehicle types it manages.
type Reservoir struct {
	ID       string
	Modes    []string
	Sections []string
	Speed    SpeedFunc

	acc   map[string]float64
	speed map[string]float64
	state model.ReservoirState
}

type ownerKey struct {
	section     string
	vehicleType string
}

// Motor runs the flow phase of every step.
type Motor struct {
	g     Graph
	roads *roads.Descriptor
	floor float64
	log   logging.Logger

	mu         sync.RWMutex
	reservoirs []*Reservoir
	byID       map[string]*Reservoir
	owner      map[ownerKey]*Reservoir
	last       []model.ReservoirRecord
}

// Option customises a Motor.
type Option func(*Motor)

// WithSpeedFloor sets the floor applied to every computed speed.
func WithSpeedFloor(v float64) Option {
	return func(m *Motor) {
		if v > 0 {
			m.floor = v
		}
	}
}

// WithLogger sets the motor logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Motor) {
		if l != nil {
			m.log = l
		}
	}
}

// NewMotor constructs a motor writing travel times into g. The roads
// descriptor resolves zone and section ids.
func NewMotor(g Graph, d *roads.Descriptor, opts ...Option) *Motor {
	m := &Motor{
		g:     g,
		roads: d,
		floor: DefaultSpeedFloor,
		log:   logging.Noop(),
		byID:  make(map[string]*Reservoir),
		owner: make(map[ownerKey]*Reservoir),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddZoneReservoir registers a reservoir covering the sections of a road
// zone.
func (m *Motor) AddZoneReservoir(zone string, modes []string, fn SpeedFunc) error {
	z, ok := m.roads.Zone(zone)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	return m.AddReservoir(zone, z.Sections, modes, fn)
}

// AddReservoir registers a reservoir. Two reservoirs may share a section
// only for different vehicle types.
func (m *Motor) AddReservoir(id string, sections, modes []string, fn SpeedFunc) error {
	if fn == nil {
		return fmt.Errorf("reservoir %q: nil speed function", id)
	}
	modes = lo.Uniq(modes)
	if len(modes) == 0 {
		return fmt.Errorf("reservoir %q: no vehicle types", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[id]; exists {
		return fmt.Errorf("%w: %q", ErrReservoirExists, id)
	}
	sections = lo.Uniq(sections)
	for _, s := range sections {
		if _, ok := m.roads.Section(s); !ok {
			return fmt.Errorf("%w: %q in reservoir %q", ErrUnknownSection, s, id)
		}
		for _, vt := range modes {
			if other, taken := m.owner[ownerKey{s, vt}]; taken {
				return fmt.Errorf("%w: %q/%s claimed by %q and %q", ErrSectionOverlap, s, vt, other.ID, id)
			}
		}
	}

	r := &Reservoir{
		ID:       id,
		Modes:    modes,
		Sections: sections,
		Speed:    fn,
		acc:      make(map[string]float64, len(modes)),
		speed:    make(map[string]float64, len(modes)),
		state:    model.ReservoirIdle,
	}
	for _, s := range sections {
		for _, vt := range modes {
			m.owner[ownerKey{s, vt}] = r
		}
	}
	m.reservoirs = append(m.reservoirs, r)
	m.byID[id] = r
	return nil
}

// Step runs one flow update at now: accumulations are recounted from the
// en-route vehicle positions, every reservoir's speed function is called
// and the travel time of every mode-layer link crossing an owned section is
// rewritten. It returns one record per reservoir in registration order.
func (m *Motor) Step(ctx context.Context, now timectrl.Time, positions []Position) []model.ReservoirRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.reservoirs {
		for _, vt := range r.Modes {
			r.acc[vt] = 0
		}
	}
	for _, p := range positions {
		section := m.g.Link(p.Link).SectionAt(p.Offset)
		if section == "" {
			continue
		}
		if r, ok := m.owner[ownerKey{section, p.VehicleType}]; ok {
			r.acc[p.VehicleType]++
		}
	}

	records := make([]model.ReservoirRecord, 0, len(m.reservoirs))
	for _, r := range m.reservoirs {
		speeds := r.Speed(lo.Assign(r.acc))
		for _, vt := range r.Modes {
			if v, ok := speeds[vt]; ok {
				r.speed[vt] = m.clamp(v)
			}
		}
		prev := r.state
		r.state = model.ReservoirIdle
		if lo.SomeBy(lo.Values(r.acc), func(n float64) bool { return n > 0 }) {
			r.state = model.ReservoirFlowing
		}
		if prev != r.state {
			m.log.Debug(ctx, "reservoir state changed",
				logging.String("reservoir", r.ID),
				logging.String("state", string(r.state)),
				logging.Stringer("time", now),
			)
		}
		records = append(records, model.ReservoirRecord{
			Zone:         r.ID,
			Time:         now,
			State:        r.state,
			Accumulation: lo.Assign(r.acc),
			Speed:        lo.Assign(r.speed),
		})
	}

	m.updateLinks()
	m.last = records
	return records
}

// updateLinks rewrites travel times of links whose sections are owned for
// their layer's vehicle type. Unowned pieces run at the layer default speed.
func (m *Motor) updateLinks() {
	for _, layer := range m.g.Layers() {
		for _, id := range m.g.LayerLinks(layer.ID) {
			l := m.g.Link(id)
			if len(l.Pieces) == 0 {
				continue
			}
			owned := false
			tt := 0.0
			for _, p := range l.Pieces {
				v := layer.DefaultSpeed
				if r, ok := m.owner[ownerKey{p.Section, layer.VehicleType}]; ok {
					if s, ok := r.speed[layer.VehicleType]; ok {
						v = s
						owned = true
					}
				}
				if p.Length > 0 {
					tt += p.Length / m.clamp(v)
				}
			}
			if owned {
				m.g.SetLinkTravelTime(id, tt)
			}
		}
	}
}

func (m *Motor) clamp(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < m.floor {
		return m.floor
	}
	return v
}

// Records returns the records of the latest step.
func (m *Motor) Records() []model.ReservoirRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ReservoirRecord(nil), m.last...)
}

// ReservoirIDs lists the registered reservoirs in sorted order.
func (m *Motor) ReservoirIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := lo.Keys(m.byID)
	sort.Strings(ids)
	return ids
}

// Owner returns the reservoir managing section for vehicleType.
func (m *Motor) Owner(section, vehicleType string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.owner[ownerKey{section, vehicleType}]
	if !ok {
		return "", false
	}
	return r.ID, true
}
