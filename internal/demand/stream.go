package demand

import (
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

var (
	ErrDuplicateUser = errors.New("duplicate user id")
	ErrEmptyUserID   = errors.New("empty user id")
)

// Stream releases users in departure order. Users with equal departure
// keep insertion order, which is also the priority order used to resolve
// contention on shared vehicles.
type Stream struct {
	pending []*User
	ids     map[string]bool
	sorted  bool
}

// NewStream creates a stream from demand records.
func NewStream(recs ...model.DemandRecord) (*Stream, error) {
	s := &Stream{ids: make(map[string]bool)}
	if err := s.Add(recs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Add appends records to the stream.
func (s *Stream) Add(recs ...model.DemandRecord) error {
	for _, r := range recs {
		if r.ID == "" {
			return ErrEmptyUserID
		}
		if s.ids[r.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateUser, r.ID)
		}
		s.ids[r.ID] = true
		s.pending = append(s.pending, NewUser(r))
	}
	s.sorted = false
	return nil
}

// Len returns the number of users not yet released.
func (s *Stream) Len() int { return len(s.pending) }

// Due releases the users departing strictly before until.
func (s *Stream) Due(until timectrl.Time) []*User {
	if !s.sorted {
		sort.SliceStable(s.pending, func(i, j int) bool {
			return s.pending[i].Departure < s.pending[j].Departure
		})
		s.sorted = true
	}
	n := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].Departure >= until
	})
	out := s.pending[:n:n]
	s.pending = s.pending[n:]
	return out
}
