package report

import (
	"fmt"

	"github.com/ksuda/foreman/internal/model"
	"github.com/ksuda/foreman/internal/store"
)

// Scope is the tracked execution context handed to worker code. Worker
// logic accumulates its result on the scope; Run guarantees the terminal
// event regardless of how the worker function exits.
type Scope struct {
	reporter *Reporter
	store    *store.Store
	taskID   string

	// Result is the payload reported on successful exit.
	Result map[string]any
}

// SetResult merges key/value pairs into the scope's accumulated result.
func (s *Scope) SetResult(key string, value any) {
	if s.Result == nil {
		s.Result = make(map[string]any)
	}
	s.Result[key] = value
}

// Progress forwards to the underlying reporter.
func (s *Scope) Progress(fraction float64, message string) {
	s.reporter.Progress(fraction, message)
}

// Cancelled polls the task store for an advisory cancellation. Workers
// should check it at convenient points and return early; the scope then
// records the terminal event as usual.
func (s *Scope) Cancelled() bool {
	if s.store == nil {
		return false
	}
	task, err := s.store.Get(s.taskID)
	if err != nil {
		return false
	}
	return task.Status == model.StatusCancelled
}

// Run executes fn inside a tracked scope for an already-open execution.
// Exactly one terminal event is emitted: a panic is recovered and reported
// as a failure with the captured detail, an error return is reported as a
// failure, and a normal return is reported as a success carrying the
// scope's accumulated result. Worker-side failures therefore can never
// leave an execution record permanently open.
func Run(reporter *Reporter, st *store.Store, taskID, description string, fn func(*Scope) error) (err error) {
	scope := &Scope{reporter: reporter, store: st, taskID: taskID}
	reporter.Start(description)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			_ = reporter.Completion(map[string]any{"error": fmt.Sprintf("panic: %v", r)}, false)
			return
		}
		if err != nil {
			_ = reporter.Completion(map[string]any{"error": err.Error()}, false)
			return
		}
		if scope.Result == nil {
			scope.Result = map[string]any{"completed": true, "description": description}
		}
		err = reporter.Completion(scope.Result, true)
	}()

	return fn(scope)
}

func trackOutcome(success bool) model.Outcome {
	if success {
		return model.OutcomeSuccess
	}
	return model.OutcomeFailure
}
