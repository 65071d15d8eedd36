package model

import "time"

// Outcome is the terminal result of one execution attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeTimeout   Outcome = "timeout"
)

// ResultCategory is an advisory classification of a result payload,
// derived from structural inspection only. It never blocks recording.
type ResultCategory string

const (
	CategoryFileChanges   ResultCategory = "file-changes"
	CategoryProcessOutput ResultCategory = "process-output"
	CategoryErrorDetail   ResultCategory = "error-detail"
	CategoryUncategorized ResultCategory = "uncategorized"
)

// CategorizeResult classifies a result payload by the presence of known
// fields. Key sets follow the worker reporting conventions.
func CategorizeResult(payload map[string]any) ResultCategory {
	if payload == nil {
		return CategoryUncategorized
	}
	for _, k := range []string{"files_changed", "files_created", "files_deleted"} {
		if _, ok := payload[k]; ok {
			return CategoryFileChanges
		}
	}
	for _, k := range []string{"output", "stdout", "stderr", "exit_code"} {
		if _, ok := payload[k]; ok {
			return CategoryProcessOutput
		}
	}
	if _, ok := payload["error"]; ok {
		return CategoryErrorDetail
	}
	return CategoryUncategorized
}

// Execution is one attempt by a worker to complete a task. At most one
// execution per task is open (CompletedAt zero) at a time.
type Execution struct {
	ExecutionID     string
	RunID           string
	TaskID          string
	WorkerID        string
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	CompletedAt     time.Time
	Outcome         Outcome
	ResultPayload   map[string]any
	ResultCategory  ResultCategory
}

// Open reports whether the execution has not yet reached a terminal outcome.
func (e *Execution) Open() bool {
	return e.CompletedAt.IsZero()
}

// Duration is the wall-clock span from start to completion; for open
// executions it is the span from start to the last heartbeat.
func (e *Execution) Duration() time.Duration {
	if e.Open() {
		return e.LastHeartbeatAt.Sub(e.StartedAt)
	}
	return e.CompletedAt.Sub(e.StartedAt)
}
