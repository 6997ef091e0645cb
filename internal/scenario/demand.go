package scenario

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// ReadDemandCSV reads semicolon separated rows
//
//	ID;DEPARTURE;ORIGIN;DESTINATION[;SERVICES]
//
// where ORIGIN and DESTINATION are "x y" pairs and SERVICES is a space
// separated list. A first row starting with "ID" is a header.
func ReadDemandCSV(r io.Reader) ([]model.DemandRecord, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []model.DemandRecord
	for line := 1; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "demand line %d", line)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "id") {
			continue
		}
		if len(row) < 4 {
			return nil, errors.Errorf("demand line %d: want at least 4 fields, got %d", line, len(row))
		}
		dep, err := timectrl.ParseTime(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, errors.Wrapf(err, "demand line %d: departure", line)
		}
		from, err := parsePoint(row[2])
		if err != nil {
			return nil, errors.Wrapf(err, "demand line %d: origin", line)
		}
		to, err := parsePoint(row[3])
		if err != nil {
			return nil, errors.Wrapf(err, "demand line %d: destination", line)
		}
		rec := model.DemandRecord{ID: strings.TrimSpace(row[0]), Departure: dep, Origin: from, Destination: to}
		if len(row) > 4 {
			rec.AllowedServices = strings.Fields(row[4])
		}
		out = append(out, rec)
	}
	return out, nil
}

func parsePoint(s string) (orb.Point, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return orb.Point{}, errors.Errorf("point %q: want \"x y\"", s)
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return orb.Point{}, errors.Wrapf(err, "point %q", s)
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return orb.Point{}, errors.Wrapf(err, "point %q", s)
	}
	return orb.Point{x, y}, nil
}

// DemandRecords returns the inline users followed by the rows of the
// demand file.
func (c *Config) DemandRecords() ([]model.DemandRecord, error) {
	out := lo.Map(c.Demand.Users, func(u UserConfig, _ int) model.DemandRecord {
		return model.DemandRecord{
			ID:              u.ID,
			Origin:          orb.Point(u.Origin),
			Destination:     orb.Point(u.Destination),
			Departure:       u.Departure,
			AllowedServices: append([]string(nil), u.Services...),
		}
	})
	if c.Demand.File == "" {
		return out, nil
	}
	f, err := os.Open(c.resolve(c.Demand.File))
	if err != nil {
		return nil, errors.Wrap(err, "open demand file")
	}
	defer f.Close()
	rows, err := ReadDemandCSV(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", c.Demand.File)
	}
	return append(out, rows...), nil
}
