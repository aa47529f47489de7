package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestMachineMovesForwardOnly(t *testing.T) {
	m := newMachine(fixedClock)
	if err := m.advance(StateScreening); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("start outside generating: %v", err)
	}
	for _, s := range []State{StateGenerating, StateScreening, StateRanking} {
		if err := m.advance(s); err != nil {
			t.Fatalf("advance %s: %v", s, err)
		}
	}
	if err := m.advance(StateScreening); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("backward transition allowed: %v", err)
	}
	if err := m.advance(StateRanking); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("repeated state allowed: %v", err)
	}
	if err := m.advance(State("approved")); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("unknown state allowed: %v", err)
	}
	if err := m.advance(StateDecided); err != nil {
		t.Fatalf("jump to decided: %v", err)
	}
	if err := m.advance(StateDecided); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("advance after decided allowed: %v", err)
	}
	trail := m.snapshot()
	if got := trail[len(trail)-1]; got.State != StateDecided || !got.EnteredAt.Equal(fixedClock()) {
		t.Errorf("last entry = %+v", got)
	}
}

func TestMachineToleratesWallClockStepBack(t *testing.T) {
	t0 := fixedClock()
	ticks := []time.Time{t0, t0.Add(2 * time.Second), t0.Add(-time.Minute)}
	i := 0
	m := newMachine(func() time.Time {
		at := ticks[i]
		i++
		return at
	})
	for _, s := range []State{StateGenerating, StateScreening, StateDecided} {
		if err := m.advance(s); err != nil {
			t.Fatalf("advance %s: %v", s, err)
		}
	}
	trail := m.snapshot()
	if err := validTrail(trail); err != nil {
		t.Fatalf("trail rejected after clock step: %v", err)
	}
	if !trail[2].EnteredAt.Equal(trail[1].EnteredAt) {
		t.Errorf("decided at %v, want clamped to %v", trail[2].EnteredAt, trail[1].EnteredAt)
	}
}

func TestShortCircuitToDecided(t *testing.T) {
	m := newMachine(fixedClock)
	_ = m.advance(StateGenerating)
	if err := m.advance(StateResolving); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("skip to non-decided state allowed: %v", err)
	}
	if err := m.advance(StateDecided); err != nil {
		t.Fatal(err)
	}
	if err := validTrail(m.snapshot()); err != nil {
		t.Fatalf("short-circuit trail rejected: %v", err)
	}
}

func TestValidTrailRejectsClockGoingBackwards(t *testing.T) {
	t0 := fixedClock()
	trail := []StageEntry{{StateGenerating, t0}, {StateDecided, t0.Add(-time.Second)}}
	if err := validTrail(trail); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("err = %v", err)
	}
}
