package roads

import (
	"encoding/json"
	"io"
	"os"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// internal JSON shapes, unexported so the file format can evolve.
// Arrays rather than objects keep insertion order stable.
type descriptorJSON struct {
	Nodes    []nodeJSON    `json:"nodes"`
	Sections []sectionJSON `json:"sections"`
	Stops    []stopJSON    `json:"stops"`
	Zones    []zoneJSON    `json:"zones"`
}

type nodeJSON struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

type sectionJSON struct {
	ID         string  `json:"id"`
	Upstream   string  `json:"upstream"`
	Downstream string  `json:"downstream"`
	Length     float64 `json:"length"` // optional; planar distance when 0
}

type stopJSON struct {
	ID               string  `json:"id"`
	Section          string  `json:"section"`
	RelativePosition float64 `json:"relative_position"`
}

type zoneJSON struct {
	ID       string   `json:"id"`
	Sections []string `json:"sections"`
}

// Load decodes a JSON road descriptor from r.
func Load(r io.Reader) (*Descriptor, error) {
	var payload descriptorJSON
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decode road descriptor")
	}

	d := New()
	for _, n := range payload.Nodes {
		if err := d.AddNode(n.ID, orb.Point{n.X, n.Y}); err != nil {
			return nil, errors.Wrap(err, "nodes")
		}
	}
	for _, s := range payload.Sections {
		if err := d.AddSection(s.ID, s.Upstream, s.Downstream, s.Length); err != nil {
			return nil, errors.Wrap(err, "sections")
		}
	}
	for _, s := range payload.Stops {
		if err := d.AddStop(s.ID, s.Section, s.RelativePosition); err != nil {
			return nil, errors.Wrap(err, "stops")
		}
	}
	for _, z := range payload.Zones {
		if err := d.AddZone(z.ID, z.Sections); err != nil {
			return nil, errors.Wrap(err, "zones")
		}
	}
	return d, nil
}

// LoadFile opens path and decodes it with Load.
func LoadFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open road descriptor")
	}
	defer f.Close()

	d, err := Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return d, nil
}
