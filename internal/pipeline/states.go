package pipeline

import (
	"fmt"
	"time"
)

// State is a pipeline stage.
type State string

const (
	StateGenerating State = "generating"
	StateScreening  State = "screening"
	StateRanking    State = "ranking"
	StateResolving  State = "resolving"
	StateDecided    State = "decided"
)

var stateOrder = []State{StateGenerating, StateScreening, StateRanking, StateResolving, StateDecided}

func stateIndex(s State) int {
	for i, st := range stateOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// StageEntry records when a run entered a state.
type StageEntry struct {
	State     State     `json:"state"`
	EnteredAt time.Time `json:"entered_at"`
}

// machine tracks one run's progress. Transitions are strictly forward: the
// next state, or a jump straight to decided.
type machine struct {
	trail []StageEntry
	now   func() time.Time
}

func newMachine(now func() time.Time) *machine {
	return &machine{now: now}
}

func (m *machine) current() State {
	if len(m.trail) == 0 {
		return ""
	}
	return m.trail[len(m.trail)-1].State
}

// canAdvance validates a transition without performing it.
func (m *machine) canAdvance(to State) error {
	next := stateIndex(to)
	if next < 0 {
		return fmt.Errorf("%w: unknown state %q", ErrInvariantViolation, to)
	}
	cur := m.current()
	if cur == "" {
		if to != StateGenerating {
			return fmt.Errorf("%w: run must start in %s, not %s", ErrInvariantViolation, StateGenerating, to)
		}
		return nil
	}
	idx := stateIndex(cur)
	if cur == StateDecided {
		return fmt.Errorf("%w: run already decided", ErrInvariantViolation)
	}
	if next == idx+1 || (to == StateDecided && next > idx) {
		return nil
	}
	return fmt.Errorf("%w: illegal transition %s -> %s", ErrInvariantViolation, cur, to)
}

func (m *machine) advance(to State) error {
	if err := m.canAdvance(to); err != nil {
		return err
	}
	at := m.now().UTC()
	// A wall clock stepped back between stages keeps the previous stamp so
	// the recorded trail stays ordered.
	if n := len(m.trail); n > 0 && at.Before(m.trail[n-1].EnteredAt) {
		at = m.trail[n-1].EnteredAt
	}
	m.trail = append(m.trail, StageEntry{State: to, EnteredAt: at})
	return nil
}

func (m *machine) snapshot() []StageEntry {
	return append([]StageEntry(nil), m.trail...)
}

// validTrail checks a recorded trail starts at generating, only moves
// forward and ends at decided.
func validTrail(trail []StageEntry) error {
	if len(trail) == 0 {
		return fmt.Errorf("%w: empty stage trail", ErrInvariantViolation)
	}
	replay := newMachine(time.Now)
	for i, e := range trail {
		if err := replay.canAdvance(e.State); err != nil {
			return err
		}
		if i > 0 && e.EnteredAt.Before(trail[i-1].EnteredAt) {
			return fmt.Errorf("%w: %s entered before %s", ErrInvariantViolation, e.State, trail[i-1].State)
		}
		replay.trail = append(replay.trail, e)
	}
	if replay.current() != StateDecided {
		return fmt.Errorf("%w: trail ends in %s", ErrInvariantViolation, replay.current())
	}
	return nil
}
