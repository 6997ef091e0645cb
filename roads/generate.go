package roads

import (
	"fmt"
	"strconv"

	"github.com/paulmach/orb"
)

// LineRoad builds n evenly spaced nodes "0".."n-1" between start and end,
// linked by sections named "<i>_<i+1>" (and "<i+1>_<i>" when bothWays). All
// sections are grouped into one zone named zone, unless zone is empty.
func LineRoad(start, end orb.Point, n int, zone string, bothWays bool) (*Descriptor, error) {
	if n < 2 {
		return nil, fmt.Errorf("line road needs at least 2 nodes, got %d", n)
	}
	d := New()
	for i := 0; i < n; i++ {
		r := float64(i) / float64(n-1)
		if err := d.AddNode(strconv.Itoa(i), lerp(start, end, r)); err != nil {
			return nil, err
		}
	}
	var sections []string
	for i := 0; i+1 < n; i++ {
		a, b := strconv.Itoa(i), strconv.Itoa(i+1)
		id := a + "_" + b
		if err := d.AddSection(id, a, b, 0); err != nil {
			return nil, err
		}
		sections = append(sections, id)
		if bothWays {
			rid := b + "_" + a
			if err := d.AddSection(rid, b, a, 0); err != nil {
				return nil, err
			}
			sections = append(sections, rid)
		}
	}
	if zone != "" {
		if err := d.AddZone(zone, sections); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Grid builds an n x n Manhattan grid with spacing length. Node "i" sits at
// column i/n, row i%n. Sections link orthogonal neighbours in both directions
// and are named "<a>_<b>".
func Grid(n int, length float64, zone string) (*Descriptor, error) {
	if n < 2 || length <= 0 {
		return nil, fmt.Errorf("grid needs n >= 2 and length > 0, got n=%d length=%v", n, length)
	}
	d := New()
	id := func(col, row int) string { return strconv.Itoa(col*n + row) }
	for col := 0; col < n; col++ {
		for row := 0; row < n; row++ {
			if err := d.AddNode(id(col, row), orb.Point{float64(col) * length, float64(row) * length}); err != nil {
				return nil, err
			}
		}
	}
	var sections []string
	link := func(a, b string) error {
		for _, pair := range [][2]string{{a, b}, {b, a}} {
			sid := pair[0] + "_" + pair[1]
			if err := d.AddSection(sid, pair[0], pair[1], length); err != nil {
				return err
			}
			sections = append(sections, sid)
		}
		return nil
	}
	for col := 0; col < n; col++ {
		for row := 0; row < n; row++ {
			if row+1 < n {
				if err := link(id(col, row), id(col, row+1)); err != nil {
					return nil, err
				}
			}
			if col+1 < n {
				if err := link(id(col, row), id(col+1, row)); err != nil {
					return nil, err
				}
			}
		}
	}
	if zone != "" {
		if err := d.AddZone(zone, sections); err != nil {
			return nil, err
		}
	}
	return d, nil
}
