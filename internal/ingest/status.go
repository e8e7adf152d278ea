package ingest

import "fmt"

// transitions enumerates every legal status edge. Anything not listed here
// is an illegal transition and must be rejected by stores and callers alike.
var transitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusInProgress: {},
		TaskStatusDismissed:  {},
	},
	TaskStatusInProgress: {
		TaskStatusSuccess:   {},
		TaskStatusFailed:    {},
		TaskStatusDismissed: {},
	},
}

// Terminal reports whether no further transitions are allowed out of s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusDismissed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	allowed, ok := transitions[s]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}

// Transition validates the edge from -> to and returns the new status.
// It is the single place status changes are authorized; stores apply the
// change with a compare-and-set keyed on the expected prior status.
func Transition(from, to TaskStatus) (TaskStatus, error) {
	if !from.CanTransition(to) {
		return from, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return to, nil
}
