package routing

import (
	"github.com/signalsfoundry/mobility-simulator/core"
)

// Access tells whether a mobility service lets travelers board or leave at
// a node.
type Access interface {
	CanPickup(node core.NodeID) bool
	CanDropoff(node core.NodeID) bool
}

// ServiceFilter routes a traveler who rides Services[layer] on each usable
// layer. Layers missing from Services are skipped; links banned for the
// chosen service are excluded; transit links are always walkable.
type ServiceFilter struct {
	Graph    core.View
	Services map[string]string
	Access   map[string]Access
}

func (f ServiceFilter) LinkAllowed(l core.Link) bool {
	if l.Kind == core.LinkTransit {
		return true
	}
	svc, ok := f.Services[l.Layer]
	if !ok {
		return false
	}
	return f.Graph.IsAvailable(l.ID, svc)
}

func (f ServiceFilter) CanEnter(node core.NodeID, layer string) bool {
	a, ok := f.Access[f.Services[layer]]
	return !ok || a.CanPickup(node)
}

func (f ServiceFilter) CanExit(node core.NodeID, layer string) bool {
	a, ok := f.Access[f.Services[layer]]
	return !ok || a.CanDropoff(node)
}

// LayerFilter keeps a search inside one layer, avoiding links banned for
// the service. Fleet vehicles use it to reach a pickup.
type LayerFilter struct {
	Graph   core.View
	Layer   string
	Service string
}

func (f LayerFilter) LinkAllowed(l core.Link) bool {
	return l.Kind == core.LinkRoad && l.Layer == f.Layer && f.Graph.IsAvailable(l.ID, f.Service)
}

func (LayerFilter) CanEnter(core.NodeID, string) bool { return true }
func (LayerFilter) CanExit(core.NodeID, string) bool  { return true }
