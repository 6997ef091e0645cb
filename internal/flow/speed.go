package flow

import (
	"github.com/samber/lo"
)

// SpeedFunc maps the per-vehicle-type accumulation of a reservoir to a
// per-vehicle-type speed in m/s. It must be pure. Vehicle types missing
// from the result keep their previous speed.
type SpeedFunc func(acc map[string]float64) map[string]float64

// Constant returns fixed speeds regardless of accumulation.
func Constant(speeds map[string]float64) SpeedFunc {
	fixed := lo.Assign(speeds)
	return func(map[string]float64) map[string]float64 {
		return lo.Assign(fixed)
	}
}

// Linear returns free - slope*acc for vehicleType, never below zero. The
// motor applies its own floor afterwards.
func Linear(vehicleType string, free, slope float64) SpeedFunc {
	return func(acc map[string]float64) map[string]float64 {
		v := free - slope*acc[vehicleType]
		return map[string]float64{vehicleType: lo.Max([]float64{v, 0})}
	}
}

// Greenshields is the classic linear speed-density fundamental diagram:
// free * (1 - n/jam), where n is the summed accumulation of all the given
// vehicle types, applied to every one of them.
func Greenshields(free, jam float64, vehicleTypes ...string) SpeedFunc {
	return func(acc map[string]float64) map[string]float64 {
		n := lo.Sum(lo.Map(vehicleTypes, func(vt string, _ int) float64 { return acc[vt] }))
		v := 0.0
		if jam > 0 {
			v = lo.Clamp(free*(1-n/jam), 0, free)
		}
		return lo.SliceToMap(vehicleTypes, func(vt string) (string, float64) { return vt, v })
	}
}
