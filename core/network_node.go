package core

import "github.com/paulmach/orb"

// NodeID is a stable index into the graph's node arena.
type NodeID int

// NoNode is returned by lookups that find nothing.
const NoNode NodeID = -1

// Reserved layer names for origin and destination nodes.
const (
	OriginLayer      = "ORIGIN"
	DestinationLayer = "DESTINATION"
)

// Node is a vertex of the multi-layer graph.
type Node struct {
	ID    NodeID
	Name  string
	Pos   orb.Point
	Layer string
	// Ref is the road node (or stop, for public transport layers) the node
	// was generated from.
	Ref string
}

// IsOD reports whether the node belongs to the origin/destination layer.
func (n Node) IsOD() bool {
	return n.Layer == OriginLayer || n.Layer == DestinationLayer
}
