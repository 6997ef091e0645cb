// Package spacesharing arms temporary per-service bans on links from
// registered restriction policies.
package spacesharing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// ErrInvalidCadence is returned when a policy is registered with a
// negative re-evaluation interval.
var ErrInvalidCadence = errors.New("invalid policy cadence")

// Policy decides which restrictions should be (re-)armed at now. It must be
// deterministic given its inputs. A Restriction with Steps == 0 lasts for
// the policy's cadence.
type Policy interface {
	Evaluate(g core.View, now timectrl.Time) []core.Restriction
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(g core.View, now timectrl.Time) []core.Restriction

func (f PolicyFunc) Evaluate(g core.View, now timectrl.Time) []core.Restriction { return f(g, now) }

// Bind turns a function taking an explicit configuration value into a
// Policy. The configuration is captured once at registration.
func Bind[C any](fn func(g core.View, now timectrl.Time, cfg C) []core.Restriction, cfg C) Policy {
	return PolicyFunc(func(g core.View, now timectrl.Time) []core.Restriction {
		return fn(g, now, cfg)
	})
}

// Checker validates restriction targets. *core.Graph implements it.
type Checker interface {
	ValidateRestriction(link, service string) error
}

// Validator is implemented by policies that know their targets up front.
// Register calls it so bad targets fail before the run starts.
type Validator interface {
	Validate(c Checker) error
}

// Graph is the part of the network the controller mutates.
type Graph interface {
	core.View
	Checker
	ApplyRestriction(link, service string, steps int) error
	LiftRestriction(link, service string)
	TickRestrictions() []core.Restriction
	ActiveRestrictions() []core.Restriction
}

type target struct {
	link    string
	service string
}

type registration struct {
	name    string
	policy  Policy
	cadence int

	// armed holds the targets returned by the last evaluation.
	armed map[target]struct{}
}

// Controller owns the registered policies and drives the graph's
// restriction table once per flow step.
type Controller struct {
	g   Graph
	log logging.Logger

	mu       sync.Mutex
	policies []*registration
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// NewController constructs a controller over g.
func NewController(g Graph, opts ...Option) *Controller {
	c := &Controller{g: g, log: logging.Noop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a policy evaluated every cadence steps. A cadence of 0
// evaluates the policy every step.
func (c *Controller) Register(name string, p Policy, cadence int) error {
	if p == nil {
		return fmt.Errorf("policy %q is nil", name)
	}
	if cadence < 0 {
		return fmt.Errorf("%w: %d for policy %q", ErrInvalidCadence, cadence, name)
	}
	if cadence == 0 {
		cadence = 1
	}
	if v, ok := p.(Validator); ok {
		if err := v.Validate(c.g); err != nil {
			return fmt.Errorf("policy %q: %w", name, err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies = append(c.policies, &registration{name: name, policy: p, cadence: cadence})
	return nil
}

// StepResult reports what one controller step changed.
type StepResult struct {
	Lifted []core.Restriction
	Armed  []core.Restriction
	Active int
}

// Step runs the restriction phase for step (0-based) starting at now:
// remaining durations are decremented, expired bans lifted, then every due
// policy is evaluated and its restrictions armed. A target a policy returned
// on its previous evaluation but not on this one is lifted, unless another
// policy's latest evaluation still returns it. A restriction naming an
// unknown link or a service absent from the link's layer is a
// configuration error.
//
// Step is called from the simulation loop only; policies are not evaluated
// concurrently.
func (c *Controller) Step(ctx context.Context, step int, now timectrl.Time) (StepResult, error) {
	var res StepResult
	res.Lifted = c.g.TickRestrictions()

	c.mu.Lock()
	policies := append([]*registration(nil), c.policies...)
	c.mu.Unlock()

	var dropped []target
	for _, reg := range policies {
		if step%reg.cadence != 0 {
			continue
		}
		armed := make(map[target]struct{})
		for _, r := range reg.policy.Evaluate(c.g, now) {
			steps := r.Steps
			if steps == 0 {
				steps = reg.cadence
			}
			if err := c.g.ApplyRestriction(r.Link, r.Service, steps); err != nil {
				return res, fmt.Errorf("policy %q at %s: %w", reg.name, now, err)
			}
			r.Steps = steps
			res.Armed = append(res.Armed, r)
			armed[target{link: r.Link, service: r.Service}] = struct{}{}
		}
		for t := range reg.armed {
			if _, ok := armed[t]; !ok {
				dropped = append(dropped, t)
			}
		}
		reg.armed = armed
	}
	res.Lifted = append(res.Lifted, c.liftDropped(policies, dropped)...)
	res.Active = len(c.g.ActiveRestrictions())

	for _, r := range res.Lifted {
		c.log.Debug(ctx, "restriction lifted",
			logging.String("link", r.Link),
			logging.String("service", r.Service),
			logging.Stringer("time", now),
		)
	}
	if len(res.Armed) > 0 {
		c.log.Debug(ctx, "restrictions armed",
			logging.Int("count", len(res.Armed)),
			logging.Int("active", res.Active),
			logging.Stringer("time", now),
		)
	}
	return res, nil
}

// liftDropped lifts the still active targets that no registered policy
// returns any more, in the graph's restriction order.
func (c *Controller) liftDropped(policies []*registration, dropped []target) []core.Restriction {
	if len(dropped) == 0 {
		return nil
	}
	var lifted []core.Restriction
	for _, r := range c.g.ActiveRestrictions() {
		t := target{link: r.Link, service: r.Service}
		if !lo.Contains(dropped, t) {
			continue
		}
		if lo.SomeBy(policies, func(reg *registration) bool { _, ok := reg.armed[t]; return ok }) {
			continue
		}
		c.g.LiftRestriction(t.link, t.service)
		lifted = append(lifted, core.Restriction{Link: t.link, Service: t.service})
	}
	return lifted
}
