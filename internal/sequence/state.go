package sequence

import (
	"time"

	"txrelay/internal/eventbus"
	"txrelay/internal/txn"
)

type stepState struct {
	tx     txn.Signed
	label  string
	role   txn.Role
	status txn.Status
	// rejected is set when the step's own send failed.
	rejected bool
}

// state lives for one Run call and is only touched by its goroutine.
type state struct {
	id         string
	steps      []stepState
	failed     int
	errLatched bool
}

func newState(id string, steps []Step) *state {
	st := &state{id: id, steps: make([]stepState, len(steps)), failed: -1}
	for i, s := range steps {
		st.steps[i] = stepState{
			tx:     s.Tx,
			label:  s.Label,
			role:   txn.RoleAt(i, len(steps)),
			status: txn.StatusPending,
		}
	}
	return st
}

func (st *state) ids() []string {
	out := make([]string, len(st.steps))
	for i, s := range st.steps {
		out[i] = s.tx.ID
	}
	return out
}

// processed counts steps in a terminal status.
func (st *state) processed() int {
	n := 0
	for _, s := range st.steps {
		if s.status.Terminal() {
			n++
		}
	}
	return n
}

func (st *state) snapshot(now time.Time) eventbus.SequenceEvent {
	ev := eventbus.SequenceEvent{
		SequenceID:     st.id,
		Label:          st.steps[len(st.steps)-1].label,
		Steps:          make([]eventbus.StepSnapshot, len(st.steps)),
		TotalSteps:     len(st.steps),
		ProcessedSteps: st.processed(),
		Failed:         st.failed >= 0,
		Time:           now,
	}
	for i, s := range st.steps {
		ev.Steps[i] = eventbus.StepSnapshot{Index: i, ID: s.tx.ID, Role: s.role, Label: s.label, Status: s.status, Rejected: s.rejected}
	}
	return ev
}
