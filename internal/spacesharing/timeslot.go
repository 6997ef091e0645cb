package spacesharing

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// endOfDay closes the last slot when End is unset.
const endOfDay = timectrl.Time(24 * time.Hour)

// TimeSlotPolicy bans Service from Link during the slots flagged in Banned.
// Slot i runs from Slots[i] to Slots[i+1] (or End for the last one).
// Each evaluation inside a banned slot arms the ban for the steps left in
// that slot, so a ban never outlives its slot by more than one step.
type TimeSlotPolicy struct {
	Link    string
	Service string
	Slots   []timectrl.Time
	Banned  []bool
	End     timectrl.Time
	// Step is the flow step length used to convert the rest of a slot into
	// steps. When zero the restriction lasts for the policy cadence.
	Step time.Duration
}

// Validate checks the slot table and the restriction target.
func (p TimeSlotPolicy) Validate(c Checker) error {
	if len(p.Slots) != len(p.Banned) {
		return fmt.Errorf("time slot policy on %q: %d slots but %d flags", p.Link, len(p.Slots), len(p.Banned))
	}
	for i := 1; i < len(p.Slots); i++ {
		if !p.Slots[i-1].Before(p.Slots[i]) {
			return fmt.Errorf("time slot policy on %q: slot %d starts at %s, not after %s", p.Link, i, p.Slots[i], p.Slots[i-1])
		}
	}
	return c.ValidateRestriction(p.Link, p.Service)
}

// Evaluate implements Policy.
func (p TimeSlotPolicy) Evaluate(_ core.View, now timectrl.Time) []core.Restriction {
	end := p.End
	if end == 0 {
		end = endOfDay
	}
	for i, start := range p.Slots {
		stop := end
		if i+1 < len(p.Slots) {
			stop = p.Slots[i+1]
		}
		if now < start || now >= stop {
			continue
		}
		if i >= len(p.Banned) || !p.Banned[i] {
			return nil
		}
		steps := 0
		if p.Step > 0 {
			left := stop.Sub(now)
			steps = int((left + p.Step - 1) / p.Step)
		}
		return []core.Restriction{{Link: p.Link, Service: p.Service, Steps: steps}}
	}
	return nil
}
