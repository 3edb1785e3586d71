package motion

import (
	"fmt"
	"io/ioutil"
	"sort"

	"github.com/caarlos0/env"
	"gopkg.in/yaml.v2"

	"stagectl/bus"
)

// Span is a [min, max] pair, written flow-style in YAML.
type Span struct {
	Min, Max float64
}

func (s *Span) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v []float64
	if err := unmarshal(&v); err != nil {
		return err
	}
	if len(v) != 2 {
		return fmt.Errorf("span needs [min, max], got %d values", len(v))
	}
	s.Min, s.Max = v[0], v[1]
	return nil
}

func (s Span) MarshalYAML() (interface{}, error) {
	return []float64{s.Min, s.Max}, nil
}

type BusConfig struct {
	// Type selects the driver: sim, serial or modbus.
	Type string `yaml:"type" env:"STAGE_BUS"`
	Port string `yaml:"port" env:"STAGE_PORT"`
	Baud int    `yaml:"baud" env:"STAGE_BAUD"`

	// Controllers maps controller names to their bus address (serial
	// selection code or modbus slave id).
	Controllers map[string]int `yaml:"controllers"`
}

type AxisConfig struct {
	Controller string  `yaml:"controller"`
	Channel    int     `yaml:"channel"`
	Unit       string  `yaml:"unit"`
	Range      Span    `yaml:"range,flow"`
	Speed      float64 `yaml:"speed"`
	SpeedRange Span    `yaml:"speed_range,flow"`
}

type StageConfig struct {
	Version int                   `yaml:"version"`
	Name    string                `yaml:"name"`
	Bus     BusConfig             `yaml:"bus"`
	Axes    map[string]AxisConfig `yaml:"axes"`
}

// LoadConfig reads a stage configuration file. Environment variables
// override the bus section, so the same file works across bench setups.
func LoadConfig(path string) (*StageConfig, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config %s: %v", path, err)
	}

	cfg := new(StageConfig)
	if err = yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse config %s: %v", path, err)
	}
	if err = env.Parse(&cfg.Bus); err != nil {
		return nil, err
	}
	return cfg, nil
}

// busBuilder constructs a concrete MotorBus from the config. Drivers
// register here so the motion package does not import them directly.
type busBuilder func(cfg *StageConfig) (bus.MotorBus, error)

var busBuilders = map[string]busBuilder{
	"":    newSimBus,
	"sim": newSimBus,
}

// RegisterBusType makes a driver available under the given config type.
// Called from driver package init functions.
func RegisterBusType(name string, build func(port string, baud int, addrs map[bus.ControllerID]int) (bus.MotorBus, error)) {
	busBuilders[name] = func(cfg *StageConfig) (bus.MotorBus, error) {
		if cfg.Bus.Port == "" {
			return nil, fmt.Errorf("bus type %s requires a port", name)
		}
		addrs := make(map[bus.ControllerID]int, len(cfg.Bus.Controllers))
		for ctrl, addr := range cfg.Bus.Controllers {
			addrs[bus.ControllerID(ctrl)] = addr
		}
		return build(cfg.Bus.Port, cfg.Bus.Baud, addrs)
	}
}

func newSimBus(cfg *StageConfig) (bus.MotorBus, error) {
	topology := make(map[bus.ControllerID][]int)
	speed := 0.0
	for _, ac := range cfg.Axes {
		id := bus.ControllerID(ac.Controller)
		topology[id] = append(topology[id], ac.Channel)
		if ac.Speed > speed {
			speed = ac.Speed
		}
	}
	return bus.NewSimulated(topology, speed), nil
}

// NewStage builds the configured bus and an actuator on top of it. The
// caller owns the returned bus and closes it after the actuator.
func NewStage(cfg *StageConfig) (*Actuator, bus.MotorBus, error) {
	switch cfg.Version {
	case 1:
	default:
		return nil, nil, fmt.Errorf("unable to work with config version %d", cfg.Version)
	}
	if len(cfg.Axes) == 0 {
		return nil, nil, fmt.Errorf("config declares no axes")
	}

	build, ok := busBuilders[cfg.Bus.Type]
	if !ok {
		return nil, nil, fmt.Errorf("unknown bus type %q", cfg.Bus.Type)
	}

	// Hardware buses need an address for every referenced controller.
	if cfg.Bus.Type != "" && cfg.Bus.Type != "sim" {
		for name, ac := range cfg.Axes {
			if _, ok := cfg.Bus.Controllers[ac.Controller]; !ok {
				return nil, nil, fmt.Errorf("axis %s: controller %s has no bus address", name, ac.Controller)
			}
		}
	}

	b, err := build(cfg)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(cfg.Axes))
	for name := range cfg.Axes {
		names = append(names, name)
	}
	sort.Strings(names)

	axes := make([]Axis, 0, len(names))
	bindings := make(map[string]Binding, len(names))
	for _, name := range names {
		ac := cfg.Axes[name]
		axes = append(axes, Axis{
			Name:     name,
			Unit:     ac.Unit,
			Min:      ac.Range.Min,
			Max:      ac.Range.Max,
			MinSpeed: ac.SpeedRange.Min,
			MaxSpeed: ac.SpeedRange.Max,
		})
		bindings[name] = Binding{Controller: bus.ControllerID(ac.Controller), Channel: ac.Channel}
	}

	name := cfg.Name
	if name == "" {
		name = "stage"
	}

	act, err := NewActuator(name, b, bus.NewGuard(), axes, bindings)
	if err != nil {
		b.Close()
		return nil, nil, err
	}

	// Config speed beats the axis default.
	for _, axName := range names {
		if sp := cfg.Axes[axName].Speed; sp > 0 {
			if err := act.SetSpeed(axName, sp); err != nil {
				act.Close()
				b.Close()
				return nil, nil, err
			}
		}
	}

	return act, b, nil
}
