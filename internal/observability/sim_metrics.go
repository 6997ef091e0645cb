package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// SimCollector exposes simulation metrics. Every method is safe on a nil
// receiver so components can hold an optional collector.
type SimCollector struct {
	gatherer prometheus.Gatherer

	SimTime               prometheus.Gauge
	Steps                 prometheus.Counter
	UsersAdmitted         prometheus.Counter
	UsersArrived          prometheus.Counter
	UsersUnserved         prometheus.Counter
	RequestFailures       *prometheus.CounterVec
	RouteDuration         *prometheus.HistogramVec
	ReservoirSpeed        *prometheus.GaugeVec
	ReservoirAccumulation *prometheus.GaugeVec
	RestrictionsActive    prometheus.Gauge
}

// NewSimCollector registers simulation metrics against the provided
// registerer, defaulting to the global registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	simTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mobility_sim_time_seconds",
		Help: "Simulated time of the last completed step, in seconds since midnight.",
	}), "mobility_sim_time_seconds")
	if err != nil {
		return nil, err
	}
	steps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mobility_sim_steps_total",
		Help: "Number of simulation steps completed.",
	}), "mobility_sim_steps_total")
	if err != nil {
		return nil, err
	}
	admitted, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mobility_users_admitted_total",
		Help: "Users admitted from the demand stream.",
	}), "mobility_users_admitted_total")
	if err != nil {
		return nil, err
	}
	arrived, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mobility_users_arrived_total",
		Help: "Users that reached a destination.",
	}), "mobility_users_arrived_total")
	if err != nil {
		return nil, err
	}
	unserved, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mobility_users_unserved_total",
		Help: "Users still not arrived when their run ended.",
	}), "mobility_users_unserved_total")
	if err != nil {
		return nil, err
	}
	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mobility_service_request_failures_total",
		Help: "Trip requests refused by a mobility service, labeled by reason.",
	}, []string{"service", "reason"}), "mobility_service_request_failures_total")
	if err != nil {
		return nil, err
	}
	route, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mobility_route_computation_seconds",
		Help:    "Duration of shortest path computations, labeled by outcome.",
		Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"found"}), "mobility_route_computation_seconds")
	if err != nil {
		return nil, err
	}
	speed, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mobility_reservoir_speed",
		Help: "Current reservoir speed in m/s, by vehicle type.",
	}, []string{"reservoir", "mode"}), "mobility_reservoir_speed")
	if err != nil {
		return nil, err
	}
	acc, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mobility_reservoir_accumulation",
		Help: "Vehicles en route in the reservoir, by vehicle type.",
	}, []string{"reservoir", "mode"}), "mobility_reservoir_accumulation")
	if err != nil {
		return nil, err
	}
	restrictions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mobility_restrictions_active",
		Help: "Link bans currently in force.",
	}), "mobility_restrictions_active")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:              gatherer,
		SimTime:               simTime,
		Steps:                 steps,
		UsersAdmitted:         admitted,
		UsersArrived:          arrived,
		UsersUnserved:         unserved,
		RequestFailures:       failures,
		RouteDuration:         route,
		ReservoirSpeed:        speed,
		ReservoirAccumulation: acc,
		RestrictionsActive:    restrictions,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// StepDone records a completed step ending at now.
func (c *SimCollector) StepDone(now timectrl.Time) {
	if c == nil {
		return
	}
	c.SimTime.Set(now.Seconds())
	c.Steps.Inc()
}

func (c *SimCollector) AddAdmitted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.UsersAdmitted.Add(float64(n))
}

func (c *SimCollector) AddArrived(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.UsersArrived.Add(float64(n))
}

func (c *SimCollector) AddUnserved(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.UsersUnserved.Add(float64(n))
}

// RequestFailed counts a refused trip request.
func (c *SimCollector) RequestFailed(service, reason string) {
	if c == nil {
		return
	}
	c.RequestFailures.WithLabelValues(service, reason).Inc()
}

// ObserveRoute records a path computation; it satisfies routing.Recorder.
func (c *SimCollector) ObserveRoute(d time.Duration, found bool) {
	if c == nil {
		return
	}
	label := "false"
	if found {
		label = "true"
	}
	c.RouteDuration.WithLabelValues(label).Observe(d.Seconds())
}

// SetReservoir publishes the state of one reservoir.
func (c *SimCollector) SetReservoir(zone string, accumulation, speed map[string]float64) {
	if c == nil {
		return
	}
	for mode, v := range accumulation {
		c.ReservoirAccumulation.WithLabelValues(zone, mode).Set(v)
	}
	for mode, v := range speed {
		c.ReservoirSpeed.WithLabelValues(zone, mode).Set(v)
	}
}

func (c *SimCollector) SetActiveRestrictions(n int) {
	if c == nil {
		return
	}
	c.RestrictionsActive.Set(float64(n))
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
