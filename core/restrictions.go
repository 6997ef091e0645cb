package core

import (
	"fmt"
	"sort"
)

// Restriction bans a mobility service from a link for a number of flow
// steps.
type Restriction struct {
	Link    string
	Service string
	Steps   int
}

type restrictionKey struct {
	link    LinkID
	service string
}

// ApplyRestriction arms (or re-arms) a ban of service on the named link for
// steps flow steps. At most one restriction exists per (link, service): an
// active one keeps the larger of its remaining and the requested duration.
func (g *Graph) ApplyRestriction(link, service string, steps int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := g.restrictableLocked(link, service)
	if err != nil {
		return err
	}
	if steps < 1 {
		return fmt.Errorf("%w: %d steps for %q/%q", ErrInvalidDuration, steps, link, service)
	}
	key := restrictionKey{link: id, service: service}
	if remaining, ok := g.restrictions[key]; !ok || remaining < steps {
		g.restrictions[key] = steps
	}
	return nil
}

// ValidateRestriction reports whether a restriction on (link, service) could
// be applied, without applying it.
func (g *Graph) ValidateRestriction(link, service string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := g.restrictableLocked(link, service)
	return err
}

func (g *Graph) restrictableLocked(link, service string) (LinkID, error) {
	id, ok := g.linkByName[link]
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrLinkNotFound, link)
	}
	l := g.links[id]
	layer, ok := g.layers[l.Layer]
	if !ok || !layer.HasService(service) {
		return -1, fmt.Errorf("%w: %q on link %q", ErrServiceNotOnLayer, service, link)
	}
	return id, nil
}

// LiftRestriction removes a restriction immediately.
func (g *Graph) LiftRestriction(link, service string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.linkByName[link]; ok {
		delete(g.restrictions, restrictionKey{link: id, service: service})
	}
}

// TickRestrictions decrements every active restriction by one step and
// removes the ones that reached zero. It returns the lifted restrictions in
// (link id, service) order.
func (g *Graph) TickRestrictions() []Restriction {
	g.mu.Lock()
	defer g.mu.Unlock()

	var lifted []Restriction
	for key, remaining := range g.restrictions {
		remaining--
		if remaining <= 0 {
			delete(g.restrictions, key)
			lifted = append(lifted, Restriction{Link: g.links[key.link].Name, Service: key.service})
			continue
		}
		g.restrictions[key] = remaining
	}
	sortRestrictions(g, lifted)
	return lifted
}

// IsAvailable reports whether service may use the link. Transit links are
// always available.
func (g *Graph) IsAvailable(id LinkID, service string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, banned := g.restrictions[restrictionKey{link: id, service: service}]
	return !banned
}

// Restricted returns the remaining steps of the restriction on (link,
// service), if one is active.
func (g *Graph) Restricted(id LinkID, service string) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	remaining, ok := g.restrictions[restrictionKey{link: id, service: service}]
	return remaining, ok
}

// ActiveRestrictions lists active restrictions ordered by link id then
// service.
func (g *Graph) ActiveRestrictions() []Restriction {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Restriction, 0, len(g.restrictions))
	for key, remaining := range g.restrictions {
		out = append(out, Restriction{Link: g.links[key.link].Name, Service: key.service, Steps: remaining})
	}
	sortRestrictions(g, out)
	return out
}

// sortRestrictions orders by link id, then service. Callers hold g.mu.
func sortRestrictions(g *Graph, rs []Restriction) {
	sort.Slice(rs, func(i, j int) bool {
		li, lj := g.linkByName[rs[i].Link], g.linkByName[rs[j].Link]
		if li != lj {
			return li < lj
		}
		return rs[i].Service < rs[j].Service
	})
}
