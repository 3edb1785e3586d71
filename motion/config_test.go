package motion

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v2"
)

const testYaml = `
version: 1
name: bench
bus:
  type: sim
  controllers:
    ctrl1: 1
axes:
  x:
    controller: ctrl1
    channel: 0
    unit: m
    range: [-1.0e-3, 1.0e-3]
    speed: 1.0e-2
    speed_range: [1.0e-6, 1.0e-2]
  y:
    controller: ctrl1
    channel: 1
    unit: m
    range: [-2.0e-3, 2.0e-3]
    speed: 1.0e-2
`

func TestConfigParsing(t *testing.T) {
	Convey("parsing is successful", t, func() {
		var config StageConfig
		err := yaml.Unmarshal([]byte(testYaml), &config)
		So(err, ShouldBeNil)
		So(config.Version, ShouldEqual, 1)
		So(config.Bus.Type, ShouldEqual, "sim")

		Convey("flow-style ranges are decoded", func() {
			x := config.Axes["x"]
			So(x.Range, ShouldResemble, Span{Min: -1.0e-3, Max: 1.0e-3})
			So(x.SpeedRange, ShouldResemble, Span{Min: 1.0e-6, Max: 1.0e-2})
			So(x.Channel, ShouldEqual, 0)
		})

		Convey("a malformed range is rejected", func() {
			var bad AxisConfig
			err := yaml.Unmarshal([]byte("range: [1, 2, 3]"), &bad)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestNewStage(t *testing.T) {
	Convey("a simulated stage comes up from config alone", t, func() {
		var config StageConfig
		So(yaml.Unmarshal([]byte(testYaml), &config), ShouldBeNil)

		act, b, err := NewStage(&config)
		So(err, ShouldBeNil)
		defer b.Close()
		defer act.Close()

		So(act.Name(), ShouldEqual, "bench")
		So(act.AxisNames(), ShouldResemble, []string{"x", "y"})

		v, err := act.Speed("x")
		So(err, ShouldBeNil)
		So(v, ShouldAlmostEqual, 1.0e-2)

		Convey("and it moves", func() {
			f, err := act.MoveRel(map[string]float64{"x": 0.1e-3})
			So(err, ShouldBeNil)
			So(f.Result(5*time.Second), ShouldBeNil)
		})
	})

	Convey("unsupported config versions are refused", t, func() {
		var config StageConfig
		So(yaml.Unmarshal([]byte(testYaml), &config), ShouldBeNil)
		config.Version = 9

		_, _, err := NewStage(&config)
		So(err, ShouldNotBeNil)
	})

	Convey("unknown bus types are refused", t, func() {
		var config StageConfig
		So(yaml.Unmarshal([]byte(testYaml), &config), ShouldBeNil)
		config.Bus.Type = "pneumatic"

		_, _, err := NewStage(&config)
		So(err, ShouldNotBeNil)
	})
}
