package sim

import (
	"github.com/samber/lo"

	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// ReservoirStatus is the state of a reservoir at the end of a step.
type ReservoirStatus struct {
	Zone         string
	State        model.ReservoirState
	Speed        map[string]float64
	Accumulation map[string]float64
}

// Snapshot is a copy of the simulation state taken at the end of a step.
type Snapshot struct {
	RunID              string
	Phase              Phase
	Time               timectrl.Time
	Step               int
	Admitted           int
	Pending            int
	Users              map[model.UserState]int
	Vehicles           map[string]int
	Reservoirs         []ReservoirStatus
	ActiveRestrictions int
}

// Snapshot returns the state published by the last completed step. It is
// safe to call while Run is in progress.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snapshot
	if out.Phase == "" {
		out.Phase = s.phase
	}
	out.Users = lo.Assign(s.snapshot.Users)
	out.Vehicles = lo.Assign(s.snapshot.Vehicles)
	out.Reservoirs = lo.Map(s.snapshot.Reservoirs, func(r ReservoirStatus, _ int) ReservoirStatus {
		r.Speed = lo.Assign(r.Speed)
		r.Accumulation = lo.Assign(r.Accumulation)
		return r
	})
	return out
}

// User returns the last trace row published for a user.
func (s *Supervisor) User(id string) (model.UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.last[id]
	return rec, ok
}
