// Package report is the contract a worker process uses to emit progress
// and status events for the execution tracker.
package report

import (
	"fmt"

	"github.com/ksuda/foreman/internal/events"
	"github.com/ksuda/foreman/internal/track"
)

// Reporter binds one worker to the audit stream and tracker for a single
// execution.
type Reporter struct {
	tracker     *track.Tracker
	audit       *events.AuditLogger
	workerID    string
	taskID      string
	executionID string
}

// NewReporter creates a reporter for one execution handle.
func NewReporter(tracker *track.Tracker, audit *events.AuditLogger, workerID, taskID, executionID string) *Reporter {
	return &Reporter{
		tracker:     tracker,
		audit:       audit,
		workerID:    workerID,
		taskID:      taskID,
		executionID: executionID,
	}
}

// Start reports that work on the task has begun.
func (r *Reporter) Start(description string) {
	r.audit.RecordEvent(events.TypeWorkerSelfReport, map[string]any{
		"task_id":      r.taskID,
		"worker_id":    r.workerID,
		"execution_id": r.executionID,
		"status":       "executing",
		"details": map[string]any{
			"event":       "task_start",
			"description": description,
		},
	})
}

// Progress reports fractional completion (clamped to [0,1]) with an
// optional message, and refreshes the execution heartbeat.
func (r *Reporter) Progress(fraction float64, message string) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if message == "" {
		message = fmt.Sprintf("progress: %d%%", int(fraction*100))
	}

	_ = r.tracker.Heartbeat(r.executionID)
	r.audit.RecordEvent(events.TypeExecutionProgress, map[string]any{
		"task_id":      r.taskID,
		"worker_id":    r.workerID,
		"execution_id": r.executionID,
		"status":       "executing",
		"details": map[string]any{
			"progress": fraction,
			"message":  message,
		},
	})
}

// Completion reports the terminal self-report and closes the execution.
func (r *Reporter) Completion(payload map[string]any, success bool) error {
	outcome := trackOutcome(success)
	r.audit.RecordEvent(events.TypeWorkerSelfReport, map[string]any{
		"task_id":      r.taskID,
		"worker_id":    r.workerID,
		"execution_id": r.executionID,
		"status":       string(outcome),
		"details": map[string]any{
			"event":   "task_completion",
			"success": success,
		},
	})
	return r.tracker.Close(r.executionID, outcome, payload)
}
