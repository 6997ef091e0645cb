// Package scenario loads YAML scenario files and turns them into a
// configured Supervisor.
package scenario

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/mobility-simulator/internal/decision"
	"github.com/signalsfoundry/mobility-simulator/internal/mobility"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid scenario")

// Layer kinds.
const (
	LayerRoad    = "road"
	LayerTransit = "transit"
)

// Config is the root of a scenario file.
type Config struct {
	Run        RunConfig         `yaml:"run"`
	Network    NetworkConfig     `yaml:"network"`
	Layers     []LayerConfig     `yaml:"layers"`
	Transfers  []TransferConfig  `yaml:"transfers"`
	Services   []ServiceConfig   `yaml:"services"`
	Reservoirs []ReservoirConfig `yaml:"reservoirs"`
	Policies   []PolicyConfig    `yaml:"policies"`
	Demand     DemandConfig      `yaml:"demand"`

	// dir resolves relative file references.
	dir string
}

// RunConfig holds the run parameters passed to Supervisor.Run.
type RunConfig struct {
	Start             timectrl.Time `yaml:"start"`
	End               timectrl.Time `yaml:"end"`
	Step              time.Duration `yaml:"step"`
	AffectationFactor int           `yaml:"affectation_factor"`
	MaxRetries        int           `yaml:"max_retries"`
	Workers           int           `yaml:"workers"`
	DestinationRadius float64       `yaml:"destination_radius"`
	// RealtimeSpeedup paces the run against the wall clock when positive.
	RealtimeSpeedup float64 `yaml:"realtime_speedup"`
}

// NetworkConfig describes the road descriptor and the graph-wide settings.
// Exactly one of RoadsFile, Line and Grid must be set.
type NetworkConfig struct {
	RoadsFile        string       `yaml:"roads_file"`
	Line             *LineConfig  `yaml:"line"`
	Grid             *GridConfig  `yaml:"grid"`
	Stops            []StopConfig `yaml:"stops"`
	Zones            []ZoneConfig `yaml:"zones"`
	WalkSpeed        float64      `yaml:"walk_speed"`
	MinSpeed         float64      `yaml:"min_speed"`
	SpeedFloor       float64      `yaml:"speed_floor"`
	ODRadius         float64      `yaml:"od_radius"`
	TransferDistance float64      `yaml:"transfer_distance"`
}

type LineConfig struct {
	Start    [2]float64 `yaml:"start"`
	End      [2]float64 `yaml:"end"`
	Nodes    int        `yaml:"nodes"`
	Zone     string     `yaml:"zone"`
	BothWays bool       `yaml:"both_ways"`
}

type GridConfig struct {
	Size   int     `yaml:"size"`
	Length float64 `yaml:"length"`
	Zone   string  `yaml:"zone"`
}

type StopConfig struct {
	ID               string  `yaml:"id"`
	Section          string  `yaml:"section"`
	RelativePosition float64 `yaml:"relative_position"`
}

type ZoneConfig struct {
	ID       string   `yaml:"id"`
	Sections []string `yaml:"sections"`
}

// LayerConfig declares a mode layer. Road layers mirror the road
// topology; transit layers start empty and receive public transport lines.
type LayerConfig struct {
	ID             string   `yaml:"id"`
	Kind           string   `yaml:"kind"`
	VehicleType    string   `yaml:"vehicle_type"`
	Speed          float64  `yaml:"speed"`
	BannedNodes    []string `yaml:"banned_nodes"`
	BannedSections []string `yaml:"banned_sections"`
}

type TransferConfig struct {
	ID     string  `yaml:"id"`
	Up     string  `yaml:"up"`
	Down   string  `yaml:"down"`
	Length float64 `yaml:"length"`
}

// ServiceConfig declares a mobility service. Vehicles applies to on-demand
// and free-floating services, Stations to station sharing, Lines to
// public transport.
type ServiceConfig struct {
	ID          string              `yaml:"id"`
	Kind        mobility.Kind       `yaml:"kind"`
	Layer       string              `yaml:"layer"`
	VehicleType string              `yaml:"vehicle_type"`
	Capacity    int                 `yaml:"capacity"`
	Vehicles    []FleetConfig       `yaml:"vehicles"`
	Stations    []StationConfig     `yaml:"stations"`
	Lines       []TransitLineConfig `yaml:"lines"`
}

type FleetConfig struct {
	At    string `yaml:"at"`
	Count int    `yaml:"count"`
}

type StationConfig struct {
	ID       string `yaml:"id"`
	At       string `yaml:"at"`
	Capacity int    `yaml:"capacity"`
	Initial  int    `yaml:"initial"`
}

// TransitLineConfig is one public transport line. Sections lists, for
// each consecutive stop pair, the road sections driven between them.
// Departures are explicit, or generated from First to Last every Every.
type TransitLineConfig struct {
	ID         string          `yaml:"id"`
	Stops      []string        `yaml:"stops"`
	Sections   [][]string      `yaml:"sections"`
	Departures []timectrl.Time `yaml:"departures"`
	First      timectrl.Time   `yaml:"first"`
	Last       timectrl.Time   `yaml:"last"`
	Every      time.Duration   `yaml:"every"`
}

// Timetable returns the departures of the line.
func (l TransitLineConfig) Timetable() []timectrl.Time {
	if len(l.Departures) > 0 {
		return append([]timectrl.Time(nil), l.Departures...)
	}
	return mobility.TimetableEvery(l.First, l.Last, l.Every)
}

// ReservoirConfig declares a reservoir over a zone or an explicit section
// list. A zone reservoir is named after its zone.
type ReservoirConfig struct {
	ID       string      `yaml:"id"`
	Zone     string      `yaml:"zone"`
	Sections []string    `yaml:"sections"`
	Modes    []string    `yaml:"modes"`
	Speed    SpeedConfig `yaml:"speed"`
}

// SpeedConfig selects a speed function: constant, linear or greenshields.
type SpeedConfig struct {
	Kind        string             `yaml:"kind"`
	Speeds      map[string]float64 `yaml:"speeds"`
	VehicleType string             `yaml:"vehicle_type"`
	Free        float64            `yaml:"free"`
	Slope       float64            `yaml:"slope"`
	Jam         float64            `yaml:"jam"`
}

// PolicyConfig declares a restriction policy. Only time_slot is built in.
type PolicyConfig struct {
	Name    string          `yaml:"name"`
	Kind    string          `yaml:"kind"`
	Cadence int             `yaml:"cadence"`
	Link    string          `yaml:"link"`
	Service string          `yaml:"service"`
	Slots   []timectrl.Time `yaml:"slots"`
	Banned  []bool          `yaml:"banned"`
	End     timectrl.Time   `yaml:"end"`
}

// DemandConfig lists users inline and/or in a CSV file.
type DemandConfig struct {
	File  string       `yaml:"file"`
	Users []UserConfig `yaml:"users"`
}

type UserConfig struct {
	ID          string        `yaml:"id"`
	Origin      [2]float64    `yaml:"origin"`
	Destination [2]float64    `yaml:"destination"`
	Departure   timectrl.Time `yaml:"departure"`
	Services    []string      `yaml:"services"`
}

// Load decodes and validates a scenario. Relative file references are
// resolved against the working directory.
func Load(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode scenario")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile opens path and decodes it with Load. Relative file references
// are resolved against the directory of path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open scenario")
	}
	defer f.Close()

	cfg, err := Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

func (c *Config) applyDefaults() {
	if c.Run.Step == 0 {
		c.Run.Step = time.Minute
	}
	if c.Run.AffectationFactor == 0 {
		c.Run.AffectationFactor = 1
	}
	if c.Run.Workers == 0 {
		c.Run.Workers = 1
	}
	if c.Run.DestinationRadius == 0 {
		c.Run.DestinationRadius = decision.DefaultDestinationRadius
	}
	if c.Network.ODRadius == 0 {
		c.Network.ODRadius = 1
	}
	for i := range c.Layers {
		l := &c.Layers[i]
		if l.Kind == "" {
			l.Kind = LayerRoad
		}
		if l.VehicleType == "" {
			l.VehicleType = l.ID
		}
	}
	for i := range c.Reservoirs {
		if c.Reservoirs[i].Speed.Kind == "" {
			c.Reservoirs[i].Speed.Kind = "constant"
		}
	}
	for i := range c.Policies {
		p := &c.Policies[i]
		if p.Kind == "" {
			p.Kind = "time_slot"
		}
		if p.Name == "" {
			p.Name = p.Kind + "_" + p.Link
		}
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// Validate checks references and ranges that can be checked before the
// network is built.
func (c *Config) Validate() error {
	if c.Run.End <= c.Run.Start {
		return invalid("run: end %s is not after start %s", c.Run.End, c.Run.Start)
	}
	if c.Run.Step <= 0 || c.Run.AffectationFactor < 1 || c.Run.Workers < 1 || c.Run.MaxRetries < 0 {
		return invalid("run: step, affectation_factor and workers must be positive, max_retries non-negative")
	}

	sources := lo.Count([]bool{c.Network.RoadsFile != "", c.Network.Line != nil, c.Network.Grid != nil}, true)
	if sources != 1 {
		return invalid("network: exactly one of roads_file, line, grid is required, got %d", sources)
	}

	layerIDs := lo.Map(c.Layers, func(l LayerConfig, _ int) string { return l.ID })
	if len(layerIDs) == 0 {
		return invalid("layers: at least one layer is required")
	}
	if dup := lo.FindDuplicates(layerIDs); len(dup) > 0 {
		return invalid("layers: duplicate ids %v", dup)
	}
	layers := lo.KeyBy(c.Layers, func(l LayerConfig) string { return l.ID })
	for i, l := range c.Layers {
		if l.ID == "" {
			return invalid("layers[%d]: id is required", i)
		}
		if l.Kind != LayerRoad && l.Kind != LayerTransit {
			return invalid("layers[%d]: unknown kind %q", i, l.Kind)
		}
		if l.Speed <= 0 {
			return invalid("layers[%d]: speed must be positive", i)
		}
	}

	serviceIDs := lo.Map(c.Services, func(s ServiceConfig, _ int) string { return s.ID })
	if dup := lo.FindDuplicates(serviceIDs); len(dup) > 0 {
		return invalid("services: duplicate ids %v", dup)
	}
	for i, s := range c.Services {
		if s.ID == "" {
			return invalid("services[%d]: id is required", i)
		}
		l, ok := layers[s.Layer]
		if !ok {
			return invalid("services[%d]: unknown layer %q", i, s.Layer)
		}
		switch s.Kind {
		case mobility.KindPersonal, mobility.KindOnDemand, mobility.KindStationSharing, mobility.KindFreeFloating:
			if l.Kind != LayerRoad {
				return invalid("services[%d]: %s needs a road layer", i, s.Kind)
			}
		case mobility.KindPublicTransport:
			if l.Kind != LayerTransit {
				return invalid("services[%d]: public_transport needs a transit layer", i)
			}
			for j, line := range s.Lines {
				if len(line.Departures) == 0 && line.Every <= 0 {
					return invalid("services[%d].lines[%d]: departures or every is required", i, j)
				}
			}
		default:
			return invalid("services[%d]: unknown kind %q", i, s.Kind)
		}
	}

	for i, r := range c.Reservoirs {
		if r.ID == "" || (r.Zone == "" && len(r.Sections) == 0) || len(r.Modes) == 0 {
			return invalid("reservoirs[%d]: id, modes and a zone or sections are required", i)
		}
		if !lo.Contains([]string{"constant", "linear", "greenshields"}, r.Speed.Kind) {
			return invalid("reservoirs[%d]: unknown speed kind %q", i, r.Speed.Kind)
		}
	}

	for i, p := range c.Policies {
		if p.Kind != "time_slot" {
			return invalid("policies[%d]: unknown kind %q", i, p.Kind)
		}
		if !lo.Contains(serviceIDs, p.Service) {
			return invalid("policies[%d]: unknown service %q", i, p.Service)
		}
		if p.Cadence < 0 {
			return invalid("policies[%d]: cadence must be non-negative", i)
		}
	}

	userIDs := lo.Map(c.Demand.Users, func(u UserConfig, _ int) string { return u.ID })
	if lo.Contains(userIDs, "") {
		return invalid("demand: every user needs an id")
	}
	if dup := lo.FindDuplicates(userIDs); len(dup) > 0 {
		return invalid("demand: duplicate user ids %v", dup)
	}
	return nil
}
