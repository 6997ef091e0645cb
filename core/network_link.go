package core

import (
	"math"
)

// LinkID is a stable index into the graph's link arena.
type LinkID int

// LinkKind distinguishes links driven on by a mode from walking transfers.
type LinkKind int

const (
	// LinkRoad belongs to a mode layer and is traversed by vehicles.
	LinkRoad LinkKind = iota
	// LinkTransit is a walking transfer: OD connections and mode-to-mode
	// transfer links.
	LinkTransit
)

func (k LinkKind) String() string {
	if k == LinkTransit {
		return "transit"
	}
	return "road"
}

// CostKey selects which cost a query reads.
type CostKey int

const (
	CostTravelTime CostKey = iota
	CostLength
)

// SectionPiece is the part of a road section a link runs over.
type SectionPiece struct {
	Section string
	Length  float64
}

// Link is a directed edge of the multi-layer graph. Values returned by
// Graph accessors are copies; mutate through Graph methods.
type Link struct {
	ID    LinkID
	Name  string
	Up    NodeID
	Down  NodeID
	Layer string // empty for transit links
	Kind  LinkKind

	Length float64
	Pieces []SectionPiece

	speed      float64
	travelTime float64
}

// Speed returns the current effective speed on the link.
func (l Link) Speed() float64 { return l.speed }

// TravelTime returns the current travel time in seconds.
func (l Link) TravelTime() float64 { return l.travelTime }

// Cost returns the link cost for key.
func (l Link) Cost(key CostKey) float64 {
	if key == CostLength {
		return l.Length
	}
	return l.travelTime
}

// Sections lists the road sections the link aggregates.
func (l Link) Sections() []string {
	out := make([]string, len(l.Pieces))
	for i, p := range l.Pieces {
		out[i] = p.Section
	}
	return out
}

// SectionAt returns the section under offset (distance from Up). It returns
// "" for links without sections.
func (l Link) SectionAt(offset float64) string {
	if len(l.Pieces) == 0 {
		return ""
	}
	acc := 0.0
	for _, p := range l.Pieces {
		acc += p.Length
		if offset < acc {
			return p.Section
		}
	}
	return l.Pieces[len(l.Pieces)-1].Section
}

// travelTimeFor converts a speed into a finite, non-negative travel time.
// NaN, infinite and below-floor speeds are replaced by floor.
func travelTimeFor(length, speed, floor float64) (float64, float64) {
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed < floor {
		speed = floor
	}
	if length <= 0 {
		return 0, speed
	}
	return length / speed, speed
}
