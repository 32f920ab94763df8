package runner

import "fmt"

// State is a pipeline state of one task run.
type State string

const (
	StatePrecheck  State = "PRECHECK"
	StatePins      State = "PINS"
	StatePreflight State = "PREFLIGHT"
	StateExec      State = "EXEC"
	StateVerify    State = "VERIFY"
	StateRollback  State = "ROLLBACK"
	StateEnd       State = "END"
)

// validTransitions defines the legal state transitions. PRECHECK and PINS
// may end the run directly; input errors found in PRECHECK and NEED_INPUT
// from PREFLIGHT skip EXEC but are still verified. VERIFY -> ROLLBACK ->
// VERIFY is the only backward edge.
var validTransitions = map[State]map[State]bool{
	StatePrecheck:  {StatePins: true, StateVerify: true, StateEnd: true},
	StatePins:      {StatePreflight: true, StateEnd: true},
	StatePreflight: {StateExec: true, StateVerify: true},
	StateExec:      {StateVerify: true},
	StateVerify:    {StateRollback: true, StateEnd: true},
	StateRollback:  {StateVerify: true},
}

// IsValidTransition checks if a state transition is legal.
func IsValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// machine tracks the current state and the single permitted rollback.
type machine struct {
	state     State
	rollbacks int
	history   []State
}

func newMachine() *machine {
	return &machine{state: StatePrecheck, history: []State{StatePrecheck}}
}

// advance moves to the next state or reports why it cannot.
func (m *machine) advance(to State) error {
	if !IsValidTransition(m.state, to) {
		return fmt.Errorf("invalid state transition %s -> %s", m.state, to)
	}
	if to == StateRollback {
		if m.rollbacks > 0 {
			return fmt.Errorf("rollback already performed; a second verify failure is terminal")
		}
		m.rollbacks++
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}
