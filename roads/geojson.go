package roads

import (
	geojson "github.com/paulmach/go.geojson"
	"github.com/pkg/errors"
)

// ExportGeoJSON renders the descriptor as a FeatureCollection: one Point per
// road node and stop, one LineString per section. Zone membership is written
// to each section's "zones" property.
func ExportGeoJSON(d *Descriptor) ([]byte, error) {
	fc := geojson.NewFeatureCollection()

	zonesBySection := make(map[string][]string)
	for _, z := range d.Zones() {
		for _, s := range z.Sections {
			zonesBySection[s] = append(zonesBySection[s], z.ID)
		}
	}

	for _, n := range d.Nodes() {
		f := geojson.NewPointFeature([]float64{n.Pos[0], n.Pos[1]})
		f.ID = n.ID
		f.SetProperty("kind", "node")
		fc.AddFeature(f)
	}
	for _, s := range d.Sections() {
		up, _ := d.Node(s.Up)
		down, _ := d.Node(s.Down)
		f := geojson.NewLineStringFeature([][]float64{
			{up.Pos[0], up.Pos[1]},
			{down.Pos[0], down.Pos[1]},
		})
		f.ID = s.ID
		f.SetProperty("kind", "section")
		f.SetProperty("length", s.Length)
		f.SetProperty("zones", zonesBySection[s.ID])
		fc.AddFeature(f)
	}
	for _, st := range d.Stops() {
		f := geojson.NewPointFeature([]float64{st.Pos[0], st.Pos[1]})
		f.ID = st.ID
		f.SetProperty("kind", "stop")
		f.SetProperty("section", st.Section)
		fc.AddFeature(f)
	}

	raw, err := fc.MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, "marshal geojson")
	}
	return raw, nil
}
