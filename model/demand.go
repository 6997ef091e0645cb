package model

import (
	"github.com/paulmach/orb"

	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// DemandRecord is one entry of the demand stream.
type DemandRecord struct {
	ID          string
	Origin      orb.Point
	Destination orb.Point
	Departure   timectrl.Time
	// AllowedServices restricts the mobility services the traveler may use.
	// Empty means every service is allowed.
	AllowedServices []string
}
