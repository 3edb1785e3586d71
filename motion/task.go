package motion

import (
	"sort"

	"stagectl/bus"
)

// ActionKind selects what the scheduler does with a task.
type ActionKind int

const (
	KindMoveRel ActionKind = iota
	KindReference
	KindSelfTest
)

func (k ActionKind) String() string {
	switch k {
	case KindMoveRel:
		return "move_rel"
	case KindReference:
		return "reference"
	case KindSelfTest:
		return "self_test"
	}
	return "unknown"
}

// ChannelMove is one (channel, signed distance) command for a controller.
type ChannelMove struct {
	Channel  int
	Distance float64
}

// ActionTask is one queued unit of work: the per-controller commands for
// a single logical action. Immutable once built, consumed exactly once by
// the scheduler.
type ActionTask struct {
	Kind          ActionKind
	PerController map[bus.ControllerID][]ChannelMove
}

// Controllers returns the involved controller ids in a stable order.
func (t *ActionTask) Controllers() []bus.ControllerID {
	ids := make([]bus.ControllerID, 0, len(t.PerController))
	for id := range t.PerController {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
