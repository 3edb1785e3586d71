package bus

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSimulatedMotion(t *testing.T) {
	Convey("a channel travels at the configured speed", t, func() {
		sim := NewSimulated(map[ControllerID][]int{"ctrl1": {0}}, 1e-2)

		applied, err := sim.SendRelativeMove("ctrl1", 0, 0.5e-3) // 50ms of travel
		So(err, ShouldBeNil)
		So(applied, ShouldAlmostEqual, 0.5e-3)

		moving, err := sim.IsMoving("ctrl1", []int{0})
		So(err, ShouldBeNil)
		So(moving, ShouldBeTrue)

		So(sim.WaitEndMotion("ctrl1", time.Second), ShouldBeNil)

		pos, err := sim.Position("ctrl1", 0)
		So(err, ShouldBeNil)
		So(pos, ShouldAlmostEqual, 0.5e-3, 1e-12)
	})

	Convey("stop freezes motion part way", t, func() {
		sim := NewSimulated(map[ControllerID][]int{"ctrl1": {0}}, 1e-3)

		_, err := sim.SendRelativeMove("ctrl1", 0, 1e-3) // 1s of travel
		So(err, ShouldBeNil)
		time.Sleep(50 * time.Millisecond)
		So(sim.StopMotion("ctrl1"), ShouldBeNil)

		moving, _ := sim.IsMoving("ctrl1", nil)
		So(moving, ShouldBeFalse)

		pos, _ := sim.Position("ctrl1", 0)
		So(pos, ShouldBeGreaterThan, 0)
		So(pos, ShouldBeLessThan, 1e-3)
		So(sim.StopCalls("ctrl1"), ShouldEqual, 1)
	})

	Convey("unknown controllers and channels are reported", t, func() {
		sim := NewSimulated(map[ControllerID][]int{"ctrl1": {0}}, 1e-3)

		_, err := sim.SendRelativeMove("ctrl9", 0, 1e-3)
		So(err, ShouldNotBeNil)
		_, err = sim.SendRelativeMove("ctrl1", 7, 1e-3)
		So(err, ShouldNotBeNil)
	})
}
