package engine

import "taskbazaar/internal/domain"

// allowedTransitions is the task lifecycle table. DELIVERED -> CLAIMED is
// the revision path; ACCEPTED and CANCELED are terminal.
var allowedTransitions = map[string][]string{
	domain.TaskOpen:      {domain.TaskClaimed, domain.TaskCanceled},
	domain.TaskClaimed:   {domain.TaskDelivered},
	domain.TaskDelivered: {domain.TaskAccepted, domain.TaskClaimed},
}

// TransitionAllowed reports whether a task may move from current to next.
// Self-transitions are always permitted as no-ops so that replayed requests
// are harmless at the state level.
func TransitionAllowed(current, next string) bool {
	if current == next {
		return true
	}
	for _, s := range allowedTransitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

func ensureTransition(current, next string) error {
	if TransitionAllowed(current, next) {
		return nil
	}
	return stateError(CodeInvalidStateTransition,
		"invalid task status transition "+current+" -> "+next, "")
}
