package model

import (
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// UserState is the lifecycle state of a traveler as reported in traces.
type UserState string

const (
	// UserWaiting: admitted with an itinerary, not yet departed.
	UserWaiting UserState = "WAITING"
	// UserWalk: on a transit (walking) link.
	UserWalk UserState = "WALK"
	// UserWaitingVehicle: at a pickup node waiting for a fleet vehicle.
	UserWaitingVehicle UserState = "WAITING_VEHICLE"
	// UserInVehicle: riding a vehicle.
	UserInVehicle UserState = "INSIDE_VEHICLE"
	// UserArrived: reached a destination node.
	UserArrived UserState = "ARRIVED"
	// UserStop: a request failed or no path exists; may be retried.
	UserStop UserState = "STOP"
	// UserUnserved: still not arrived when the run ended.
	UserUnserved UserState = "UNSERVED"
)

// EnRoute reports whether the state is one of the moving or waiting-for-
// service states between departure and arrival.
func (s UserState) EnRoute() bool {
	switch s {
	case UserWalk, UserWaitingVehicle, UserInVehicle:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s UserState) Terminal() bool {
	return s == UserArrived || s == UserUnserved
}

// VehicleState is the state of a vehicle owned by a mobility service.
type VehicleState string

const (
	VehicleWaiting VehicleState = "WAITING"
	VehicleEnRoute VehicleState = "EN_ROUTE"
	VehicleParked  VehicleState = "PARKED"
	VehicleStop    VehicleState = "STOP"
)

// ReservoirState is the flow state of a reservoir.
type ReservoirState string

const (
	ReservoirIdle    ReservoirState = "IDLE"
	ReservoirFlowing ReservoirState = "FLOWING"
)

// UserRecord is one row of the user trace.
type UserRecord struct {
	ID      string
	Time    timectrl.Time
	Link    string // "UP DOWN" node pair, empty before departure
	Node    string // last node reached
	State   UserState
	Vehicle string // vehicle id when riding
	Service string // mobility service of the current segment
	Reason  string // failure reason for STOP records
}

// VehicleRecord is one row of the vehicle trace.
type VehicleRecord struct {
	ID         string
	Service    string
	Type       string
	Time       timectrl.Time
	Link       string
	Offset     float64
	X, Y       float64
	State      VehicleState
	Passengers []string
}

// ReservoirRecord is one row of the reservoir trace.
type ReservoirRecord struct {
	Zone         string
	Time         timectrl.Time
	State        ReservoirState
	Accumulation map[string]float64
	Speed        map[string]float64
}
