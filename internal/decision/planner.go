// Package decision turns users into itineraries over the current graph.
package decision

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/samber/lo"

	"github.com/signalsfoundry/mobility-simulator/core"
	"github.com/signalsfoundry/mobility-simulator/internal/demand"
	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/internal/routing"
)

// DefaultDestinationRadius is how far from a user's destination point a
// DESTINATION node may lie to be a candidate.
const DefaultDestinationRadius = 500.0

// Graph is the network surface the planner reads.
type Graph interface {
	core.View
	LinkLabel(id core.LinkID) string
	Origins() []core.NodeID
	Destinations() []core.NodeID
	NodesWithin(candidates []core.NodeID, p orb.Point, radius float64) []core.NodeID
	Nearest(candidates []core.NodeID, p orb.Point) core.NodeID
	MaxSpeed() float64
}

// Service is what the planner needs to know about a mobility service.
type Service interface {
	ID() string
	Layer() string
	routing.Access
}

// Decision is the outcome of planning one user. Found is false when no
// destination is reachable with the services the user allows.
type Decision struct {
	User      *demand.User
	Itinerary demand.Itinerary
	Found     bool
}

// Planner picks, for every user, the cheapest path from its position to
// the nearest reachable destination node. On each layer the user rides the
// first registered service it allows.
type Planner struct {
	g      Graph
	router *routing.Router
	radius float64
	log    logging.Logger
}

// Option customises a Planner.
type Option func(*Planner)

// WithDestinationRadius sets the destination candidate radius.
func WithDestinationRadius(r float64) Option {
	return func(p *Planner) {
		if r > 0 {
			p.radius = r
		}
	}
}

// WithLogger sets the planner logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPlanner builds a planner routing with router over g.
func NewPlanner(g Graph, router *routing.Router, opts ...Option) *Planner {
	p := &Planner{g: g, router: router, radius: DefaultDestinationRadius, log: logging.Noop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan computes decisions for users against services, in user order.
// Paths are searched concurrently when the router has workers; the result
// order never depends on it.
func (p *Planner) Plan(ctx context.Context, users []*demand.User, services []Service) []Decision {
	access := lo.SliceToMap(services, func(s Service) (string, routing.Access) { return s.ID(), s })
	maxSpeed := p.g.MaxSpeed()

	queries := make([]routing.Query, len(users))
	choices := make([]map[string]string, len(users))
	for i, u := range users {
		choices[i] = chooseServices(u, services)
		q := routing.Query{
			Origin:       p.origin(u),
			Destinations: p.destinations(u),
			Filter:       routing.ServiceFilter{Graph: p.g, Services: choices[i], Access: access},
		}
		if len(q.Destinations) == 1 {
			q.Heuristic = routing.EuclideanHeuristic(p.g, q.Destinations, maxSpeed)
		}
		queries[i] = q
	}

	results := p.router.RouteAll(ctx, queries)
	out := make([]Decision, len(users))
	for i, u := range users {
		out[i].User = u
		r := results[i]
		if queries[i].Origin == core.NoNode || !r.Found {
			p.log.Debug(ctx, "no path", logging.String("user", u.ID))
			continue
		}
		out[i].Itinerary = demand.BuildItinerary(p.g, r.Path.Nodes, r.Path.Links, r.Path.Cost, choices[i])
		out[i].Found = true
	}
	return out
}

// origin is the node the user stands on, or the ORIGIN node nearest to its
// origin point before the first plan.
func (p *Planner) origin(u *demand.User) core.NodeID {
	if n := u.Node(); n != core.NoNode {
		return n
	}
	return p.g.Nearest(p.g.Origins(), u.Origin)
}

func (p *Planner) destinations(u *demand.User) []core.NodeID {
	all := p.g.Destinations()
	if near := p.g.NodesWithin(all, u.Destination, p.radius); len(near) > 0 {
		return near
	}
	if n := p.g.Nearest(all, u.Destination); n != core.NoNode {
		return []core.NodeID{n}
	}
	return nil
}

// chooseServices maps each layer to the first service on it the user
// allows.
func chooseServices(u *demand.User, services []Service) map[string]string {
	out := make(map[string]string)
	for _, s := range services {
		if _, taken := out[s.Layer()]; taken || !u.Allows(s.ID()) {
			continue
		}
		out[s.Layer()] = s.ID()
	}
	return out
}
