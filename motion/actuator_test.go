package motion

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"stagectl/bus"
	deverrors "stagectl/errors"
)

const (
	fastSpeed = 1e-2 // m/s, sub-ms moves for the happy paths
	slowSpeed = 1e-4 // m/s, multi-second moves for cancellation tests
)

func newTestStage(t *testing.T, speed float64) (*Actuator, *bus.Simulated) {
	t.Helper()

	sim := bus.NewSimulated(map[bus.ControllerID][]int{"ctrl1": {0, 1}}, speed)
	axes := []Axis{
		{Name: "x", Unit: "m", Min: -1e-3, Max: 1e-3, MinSpeed: 1e-6, MaxSpeed: speed},
		{Name: "y", Unit: "m", Min: -1e-3, Max: 1e-3, MinSpeed: 1e-6, MaxSpeed: speed},
	}
	bindings := map[string]Binding{
		"x": {Controller: "ctrl1", Channel: 0},
		"y": {Controller: "ctrl1", Channel: 1},
	}

	act, err := NewActuator("test", sim, bus.NewGuard(), axes, bindings)
	if err != nil {
		t.Fatalf("unable to build actuator: %v", err)
	}
	t.Cleanup(act.Close)
	return act, sim
}

func TestMoveRel(t *testing.T) {
	Convey("a two-axis relative move", t, func() {
		act, sim := newTestStage(t, fastSpeed)

		f, err := act.MoveRel(map[string]float64{"x": 0.1e-3, "y": -0.05e-3})
		So(err, ShouldBeNil)
		So(f.Result(time.Second), ShouldBeNil)

		Convey("sends one command per axis in sorted axis order", func() {
			calls := sim.MoveCalls()
			So(calls, ShouldHaveLength, 2)
			So(calls[0], ShouldResemble, bus.SimMove{Controller: "ctrl1", Channel: 0, Distance: 0.1e-3})
			So(calls[1], ShouldResemble, bus.SimMove{Controller: "ctrl1", Channel: 1, Distance: -0.05e-3})
		})

		Convey("and the position cache reflects the applied shift", func() {
			pos := act.Position()
			So(pos["x"], ShouldAlmostEqual, 0.1e-3, 1e-9)
			So(pos["y"], ShouldAlmostEqual, -0.05e-3, 1e-9)
		})
	})

	Convey("an empty shift is a no-op fast path", t, func() {
		act, sim := newTestStage(t, fastSpeed)

		f, err := act.MoveRel(nil)
		So(err, ShouldBeNil)
		So(f.Done(), ShouldBeTrue)
		So(sim.MoveCalls(), ShouldBeEmpty)
	})
}

func TestMoveValidation(t *testing.T) {
	Convey("an unknown axis fails synchronously with zero bus traffic", t, func() {
		act, sim := newTestStage(t, fastSpeed)

		f, err := act.MoveRel(map[string]float64{"z": 1e-3})
		So(f, ShouldBeNil)
		So(err, ShouldHaveSameTypeAs, deverrors.UnknownAxisError{})
		So(sim.MoveCalls(), ShouldBeEmpty)
		So(act.sched.pending(), ShouldEqual, 0)
	})

	Convey("an out-of-range target fails synchronously with zero bus traffic", t, func() {
		act, sim := newTestStage(t, fastSpeed)

		_, err := act.MoveRel(map[string]float64{"x": 5e-3})
		So(err, ShouldHaveSameTypeAs, deverrors.OutOfRangeError{})
		So(sim.MoveCalls(), ShouldBeEmpty)

		Convey("even when only one of several axes is invalid", func() {
			_, err := act.MoveRel(map[string]float64{"y": 0.1e-3, "x": 5e-3})
			So(err, ShouldNotBeNil)
			So(sim.MoveCalls(), ShouldBeEmpty)
		})
	})
}

func TestMoveAbs(t *testing.T) {
	Convey("absolute moves are derived from the cached position", t, func() {
		act, sim := newTestStage(t, fastSpeed)

		f, err := act.MoveAbs(map[string]float64{"x": 0.2e-3})
		So(err, ShouldBeNil)
		So(f.Result(time.Second), ShouldBeNil)
		So(act.Position()["x"], ShouldAlmostEqual, 0.2e-3, 1e-9)

		Convey("a move to the current position completes without bus traffic", func() {
			before := len(sim.MoveCalls())
			f, err := act.MoveAbs(map[string]float64{"x": act.Position()["x"]})
			So(err, ShouldBeNil)
			So(f.Done(), ShouldBeTrue)
			So(sim.MoveCalls(), ShouldHaveLength, before)
		})

		Convey("a target outside the range fails synchronously", func() {
			_, err := act.MoveAbs(map[string]float64{"x": 2e-3})
			So(err, ShouldHaveSameTypeAs, deverrors.OutOfRangeError{})
		})
	})
}

func TestFIFOOrder(t *testing.T) {
	Convey("rapidly submitted moves execute in submission order", t, func() {
		act, sim := newTestStage(t, fastSpeed)

		shifts := []float64{0.05e-3, -0.02e-3, 0.03e-3, -0.04e-3, 0.01e-3}
		var futures []*Future
		for _, d := range shifts {
			f, err := act.MoveRel(map[string]float64{"x": d})
			So(err, ShouldBeNil)
			futures = append(futures, f)
		}
		for _, f := range futures {
			So(f.Result(2*time.Second), ShouldBeNil)
		}

		calls := sim.MoveCalls()
		So(calls, ShouldHaveLength, len(shifts))
		for i, d := range shifts {
			So(calls[i].Distance, ShouldAlmostEqual, d, 1e-12)
		}
	})
}

func TestCancel(t *testing.T) {
	Convey("cancelling a long move stops the hardware", t, func() {
		act, sim := newTestStage(t, slowSpeed)

		f, err := act.MoveRel(map[string]float64{"x": 0.9e-3}) // ~9s of travel
		So(err, ShouldBeNil)

		// Let it reach the controller, then pull the plug.
		for i := 0; i < 100 && !f.Running(); i++ {
			time.Sleep(time.Millisecond)
		}
		So(f.Cancel(), ShouldBeTrue)
		So(f.Cancelled(), ShouldBeTrue)
		So(sim.StopCalls("ctrl1"), ShouldBeGreaterThanOrEqualTo, 1)

		err = f.Result(time.Second)
		So(err, ShouldHaveSameTypeAs, deverrors.CancelledError{})

		moving, _ := sim.IsMoving("ctrl1", nil)
		So(moving, ShouldBeFalse)
	})

	Convey("a move cancelled while still queued never touches hardware", t, func() {
		act, sim := newTestStage(t, slowSpeed)

		first, err := act.MoveRel(map[string]float64{"x": 0.5e-3})
		So(err, ShouldBeNil)
		queued, err := act.MoveRel(map[string]float64{"y": 0.5e-3})
		So(err, ShouldBeNil)

		So(queued.Cancel(), ShouldBeTrue)
		first.Cancel()
		first.Result(time.Second)

		for _, call := range sim.MoveCalls() {
			So(call.Channel, ShouldEqual, 0) // nothing ever went to y
		}
		So(queued.Cancelled(), ShouldBeTrue)
	})
}

func TestStop(t *testing.T) {
	Convey("stop cancels everything and leaves the bus quiet", t, func() {
		act, sim := newTestStage(t, slowSpeed)

		var futures []*Future
		for i := 0; i < 3; i++ {
			f, err := act.MoveRel(map[string]float64{"x": 0.3e-3})
			So(err, ShouldBeNil)
			futures = append(futures, f)
		}

		done := make(chan struct{})
		go func() {
			act.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("stop never returned")
		}

		for _, f := range futures {
			So(f.Cancelled(), ShouldBeTrue)
		}
		So(act.sched.pending(), ShouldEqual, 0)

		moving, err := sim.IsMoving("ctrl1", nil)
		So(err, ShouldBeNil)
		So(moving, ShouldBeFalse)

		// At most the in-flight move ever reached the controller.
		So(len(sim.MoveCalls()), ShouldBeLessThanOrEqualTo, 1)

		Convey("and the actuator accepts new work afterwards", func() {
			f, err := act.MoveRel(map[string]float64{"x": 0.01e-3})
			So(err, ShouldBeNil)
			So(f.Result(5*time.Second), ShouldBeNil)
		})
	})
}

func TestActionTimeout(t *testing.T) {
	Convey("an action overrunning its expected duration is stopped", t, func() {
		// The axis claims 1e-2 m/s but the hardware only does 1e-4 m/s,
		// so the duration estimate undershoots the real travel time and
		// the in-flight deadline fires mid-move.
		sim := bus.NewSimulated(map[bus.ControllerID][]int{"ctrl1": {0}}, 1e-4)
		axes := []Axis{
			{Name: "x", Unit: "m", Min: -1e-3, Max: 1e-3, MinSpeed: 1e-6, MaxSpeed: 1e-2},
		}
		bindings := map[string]Binding{"x": {Controller: "ctrl1", Channel: 0}}

		act, err := NewActuator("overrun", sim, bus.NewGuard(), axes, bindings)
		So(err, ShouldBeNil)
		t.Cleanup(act.Close)

		f, err := act.MoveRel(map[string]float64{"x": 0.5e-3}) // ~5s of real travel
		So(err, ShouldBeNil)

		res := f.Result(10 * time.Second)
		So(res, ShouldHaveSameTypeAs, deverrors.TimeoutError{})
		So(f.Cancelled(), ShouldBeTrue)
		So(sim.StopCalls("ctrl1"), ShouldBeGreaterThanOrEqualTo, 1)

		moving, err := sim.IsMoving("ctrl1", nil)
		So(err, ShouldBeNil)
		So(moving, ShouldBeFalse)
	})
}

func TestWorkerSurvivesBusErrors(t *testing.T) {
	Convey("a failing move resolves its future and spares the worker", t, func() {
		act, sim := newTestStage(t, fastSpeed)

		boom := deverrors.CommunicationError{Controller: "ctrl1", Op: "move", Err: errors.New("line noise")}
		sim.FailMoves(boom)

		f, err := act.MoveRel(map[string]float64{"x": 0.1e-3})
		So(err, ShouldBeNil)

		res := f.Result(2 * time.Second)
		So(res, ShouldNotBeNil)
		So(res, ShouldHaveSameTypeAs, deverrors.CommunicationError{})
		So(f.Done(), ShouldBeTrue)

		Convey("the next action on a healthy bus succeeds", func() {
			sim.FailMoves(nil)
			f, err := act.MoveRel(map[string]float64{"x": 0.1e-3})
			So(err, ShouldBeNil)
			So(f.Result(2*time.Second), ShouldBeNil)
		})
	})
}

func TestReferenceAndSelfTest(t *testing.T) {
	Convey("reference homes every axis through the scheduler", t, func() {
		act, sim := newTestStage(t, fastSpeed)

		f, err := act.MoveRel(map[string]float64{"x": 0.1e-3})
		So(err, ShouldBeNil)
		So(f.Result(time.Second), ShouldBeNil)

		f, err = act.Reference()
		So(err, ShouldBeNil)
		So(f.Result(5*time.Second), ShouldBeNil)

		So(sim.ReferenceCalls("ctrl1"), ShouldEqual, 2)
		So(act.Position()["x"], ShouldAlmostEqual, 0, 1e-9)
	})

	Convey("self test completes against a live bus", t, func() {
		act, _ := newTestStage(t, fastSpeed)

		f, err := act.SelfTest()
		So(err, ShouldBeNil)
		So(f.Result(5*time.Second), ShouldBeNil)
	})
}

func TestSpeed(t *testing.T) {
	Convey("speed is a per-axis setting", t, func() {
		act, _ := newTestStage(t, fastSpeed)

		Convey("unknown axes are rejected", func() {
			_, err := act.Speed("warp")
			So(err, ShouldHaveSameTypeAs, deverrors.UnknownAxisError{})
			So(act.SetSpeed("warp", 1), ShouldHaveSameTypeAs, deverrors.UnknownAxisError{})
		})

		Convey("values clamp to the declared speed range", func() {
			So(act.SetSpeed("x", 1e3), ShouldBeNil)
			v, err := act.Speed("x")
			So(err, ShouldBeNil)
			So(v, ShouldAlmostEqual, fastSpeed) // axis MaxSpeed

			So(act.SetSpeed("x", 1e-12), ShouldBeNil)
			v, _ = act.Speed("x")
			So(v, ShouldAlmostEqual, 1e-6) // axis MinSpeed
		})
	})
}

func TestClose(t *testing.T) {
	Convey("a closed actuator rejects new work", t, func() {
		act, _ := newTestStage(t, fastSpeed)

		act.Close()
		_, err := act.MoveRel(map[string]float64{"x": 0.01e-3})
		So(err, ShouldNotBeNil)

		Convey("and closing again is harmless", func() {
			So(act.Close, ShouldNotPanic)
		})
	})
}
