package core

// Layer is the sub-graph of one transport mode.
type Layer struct {
	ID string
	// VehicleType is the mode flow reservoirs key their speeds on, e.g. CAR,
	// BIKE or BUS.
	VehicleType  string
	DefaultSpeed float64
	Services     []string

	nodes []NodeID
	links []LinkID
}

// HasService reports whether service operates on the layer.
func (l *Layer) HasService(service string) bool {
	for _, s := range l.Services {
		if s == service {
			return true
		}
	}
	return false
}

// LayerInfo is a read-only copy of a layer's metadata.
type LayerInfo struct {
	ID           string
	VehicleType  string
	DefaultSpeed float64
	Services     []string
	Nodes        int
	Links        int
}

func (l *Layer) info() LayerInfo {
	return LayerInfo{
		ID:           l.ID,
		VehicleType:  l.VehicleType,
		DefaultSpeed: l.DefaultSpeed,
		Services:     append([]string(nil), l.Services...),
		Nodes:        len(l.nodes),
		Links:        len(l.links),
	}
}
