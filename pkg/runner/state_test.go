package runner

import "testing"

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePrecheck, StatePins, true},
		{StatePrecheck, StateVerify, true},
		{StatePrecheck, StateEnd, true},
		{StatePrecheck, StateExec, false},
		{StatePins, StatePreflight, true},
		{StatePins, StateEnd, true},
		{StatePins, StateVerify, false},
		{StatePreflight, StateExec, true},
		{StatePreflight, StateVerify, true},
		{StatePreflight, StateEnd, false},
		{StateExec, StateVerify, true},
		{StateExec, StateEnd, false},
		{StateVerify, StateRollback, true},
		{StateVerify, StateEnd, true},
		{StateVerify, StateExec, false},
		{StateRollback, StateVerify, true},
		{StateRollback, StateEnd, false},
		{StateEnd, StatePrecheck, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMachine_SingleRollback(t *testing.T) {
	m := newMachine()
	for _, s := range []State{StatePins, StatePreflight, StateExec, StateVerify, StateRollback, StateVerify} {
		if err := m.advance(s); err != nil {
			t.Fatalf("advance(%s): %v", s, err)
		}
	}
	if err := m.advance(StateRollback); err == nil {
		t.Fatal("expected second rollback to be rejected")
	}
	if err := m.advance(StateEnd); err != nil {
		t.Fatalf("advance(END): %v", err)
	}
	if len(m.history) != 8 {
		t.Errorf("history = %v", m.history)
	}
}

func TestMachine_RejectsInvalidEdge(t *testing.T) {
	m := newMachine()
	if err := m.advance(StateExec); err == nil {
		t.Fatal("expected PRECHECK -> EXEC to be rejected")
	}
	if m.state != StatePrecheck {
		t.Errorf("state = %s, want PRECHECK", m.state)
	}
}
