package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

var knownStatuses = map[Status]bool{
	StatusPending:    true,
	StatusScheduled:  true,
	StatusStarted:    true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusBlocked:    true,
	StatusCancelled:  true,
}

// completed and cancelled are the only terminal statuses; failed and
// blocked tasks can still be cancelled, and blocked tasks requeued.
var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusCancelled: true,
}

// Task status transitions:
// pending → scheduled → started → in_progress → {completed, failed, blocked}
// blocked → scheduled is the requeue path. cancelled is reachable from any
// non-terminal status and is handled in ValidateTransition, not here.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusScheduled: true,
	},
	StatusScheduled: {
		StatusStarted: true,
	},
	StatusStarted: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusBlocked:   true,
	},
	StatusBlocked: {
		StatusScheduled: true,
	},
	StatusFailed: {},
}

// InvalidTransitionError reports a status change rejected by the task
// state machine, carrying both sides for diagnostics.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for task %s: %q → %q", e.TaskID, e.From, e.To)
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func KnownStatus(s Status) bool {
	return knownStatuses[s]
}

// ValidateTransition checks a status change against the task state machine.
func ValidateTransition(taskID string, from, to Status) error {
	if !knownStatuses[from] {
		return fmt.Errorf("unknown status %q", from)
	}
	if !knownStatuses[to] {
		return fmt.Errorf("unknown status %q", to)
	}
	if IsTerminal(from) {
		return &InvalidTransitionError{TaskID: taskID, From: from, To: to}
	}
	if to == StatusCancelled {
		return nil
	}
	if !validTaskTransitions[from][to] {
		return &InvalidTransitionError{TaskID: taskID, From: from, To: to}
	}
	return nil
}
