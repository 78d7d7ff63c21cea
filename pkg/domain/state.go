package domain

import "fmt"

// StageState is the runtime execution state of a stage
type StageState string

const (
	StageStatePending   StageState = "Pending"
	StageStateReady     StageState = "Ready"
	StageStateRunning   StageState = "Running"
	StageStateSucceeded StageState = "Succeeded"
	StageStateFailed    StageState = "Failed"
)

// IsTerminal reports whether no transition can leave s
func (s StageState) IsTerminal() bool {
	return s == StageStateSucceeded || s == StageStateFailed
}

// Transition validates a state change. Ready stages may fail without
// running when a dispatch-time check (missing input, index discovery)
// rejects them.
func Transition(from, to StageState) error {
	ok := false
	switch from {
	case StageStatePending:
		ok = to == StageStateReady
	case StageStateReady:
		ok = to == StageStateRunning || to == StageStateFailed
	case StageStateRunning:
		ok = to == StageStateSucceeded || to == StageStateFailed
	}
	if !ok {
		return fmt.Errorf("disallowed stage transition: %s -> %s", from, to)
	}
	return nil
}
