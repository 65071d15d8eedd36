// Package track implements the execution tracker: it records lifecycle
// events for every (task, attempt) pair, detects abandoned executions, and
// derives performance metrics from the execution history.
package track

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ksuda/foreman/internal/events"
	"github.com/ksuda/foreman/internal/model"
)

// DefaultAbandonTimeout is how long an execution may go without a
// heartbeat before DetectAbandoned closes it.
const DefaultAbandonTimeout = time.Hour

var (
	// ErrAlreadyOpen marks a second Open for a task whose previous
	// execution has not reached a terminal outcome. Caller protocol
	// violation; never auto-corrected.
	ErrAlreadyOpen = errors.New("execution already open for task")
	// ErrNotOpen marks a Close or Heartbeat against an execution that is
	// unknown or already closed.
	ErrNotOpen = errors.New("no open execution")
)

// Tracker owns the execution records of one run. All durable output goes
// through the audit logger; the in-memory maps exist only to enforce the
// one-open-execution invariant and to serve Summarize without re-reading
// the log.
type Tracker struct {
	mu       sync.Mutex
	runID    string
	audit    *events.AuditLogger
	bus      *events.Bus
	seq      int
	open     map[string]*model.Execution // execution id → open execution
	openTask map[string]string           // task id → open execution id
	closed   []model.Execution
}

// New creates a tracker. The bus is optional; when set, lifecycle events
// are also published in-process.
func New(runID string, audit *events.AuditLogger, bus *events.Bus) *Tracker {
	return &Tracker{
		runID:    runID,
		audit:    audit,
		bus:      bus,
		open:     make(map[string]*model.Execution),
		openTask: make(map[string]string),
	}
}

// Load creates a tracker and rehydrates it from the audit log, so the
// process that detects abandonment or summarizes a run need not be the
// one that opened the executions. A started event without a matching
// terminal event leaves the execution open, with the event timestamp as
// its last known heartbeat; terminal events move it to the closed set.
// Entries from other runs are ignored.
func Load(runID string, audit *events.AuditLogger, bus *events.Bus) (*Tracker, error) {
	t := New(runID, audit, bus)
	entries, err := events.ReadEntries(audit.CurrentLogPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		return nil, fmt.Errorf("rehydrate tracker: %w", err)
	}
	for i := range entries {
		t.replay(&entries[i])
	}
	return t, nil
}

// replay applies one audit entry to the in-memory state. Only called
// during Load, before the tracker is shared.
func (t *Tracker) replay(entry *events.LogEntry) {
	if entry.RunID != t.runID || entry.ExecutionID == "" {
		return
	}
	switch entry.EventType {
	case events.TypeExecutionStarted:
		if _, ok := t.open[entry.ExecutionID]; ok {
			return
		}
		exec := &model.Execution{
			ExecutionID:     entry.ExecutionID,
			RunID:           t.runID,
			TaskID:          entry.TaskID,
			WorkerID:        entry.WorkerID,
			StartedAt:       entry.Timestamp,
			LastHeartbeatAt: entry.Timestamp,
		}
		t.open[exec.ExecutionID] = exec
		t.openTask[exec.TaskID] = exec.ExecutionID
		if seq := executionSeq(entry.ExecutionID); seq > t.seq {
			t.seq = seq
		}
	case events.TypeExecutionProgress, events.TypeWorkerSelfReport:
		if exec, ok := t.open[entry.ExecutionID]; ok && entry.Timestamp.After(exec.LastHeartbeatAt) {
			exec.LastHeartbeatAt = entry.Timestamp
		}
	case events.TypeExecutionCompleted, events.TypeExecutionAbandoned:
		exec, ok := t.open[entry.ExecutionID]
		if !ok {
			return
		}
		exec.CompletedAt = entry.Timestamp
		exec.Outcome = model.Outcome(entry.Status)
		if result, ok := entry.Details["result"].(map[string]any); ok {
			exec.ResultPayload = result
			exec.ResultCategory = model.CategorizeResult(result)
		}
		if cat, ok := entry.Details["result_category"].(string); ok {
			exec.ResultCategory = model.ResultCategory(cat)
		}
		delete(t.open, entry.ExecutionID)
		delete(t.openTask, exec.TaskID)
		t.closed = append(t.closed, *exec)
	}
}

// executionSeq extracts the attempt sequence from an execution id so a
// rehydrated tracker keeps allocating past it.
func executionSeq(executionID string) int {
	idx := strings.LastIndexByte(executionID, '-')
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(executionID[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

func (t *Tracker) RunID() string {
	return t.runID
}

// Open creates the execution record for a dispatched task. At most one
// execution per task may be open; a second Open fails until the previous
// attempt reaches a terminal outcome.
func (t *Tracker) Open(taskID, workerID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if openID, ok := t.openTask[taskID]; ok {
		return "", fmt.Errorf("task %s has open execution %s: %w", taskID, openID, ErrAlreadyOpen)
	}

	t.seq++
	now := time.Now().UTC()
	exec := &model.Execution{
		ExecutionID:     model.ExecutionID(t.runID, taskID, t.seq),
		RunID:           t.runID,
		TaskID:          taskID,
		WorkerID:        workerID,
		StartedAt:       now,
		LastHeartbeatAt: now,
	}
	t.open[exec.ExecutionID] = exec
	t.openTask[taskID] = exec.ExecutionID

	t.audit.RecordEvent(events.TypeExecutionStarted, map[string]any{
		"task_id":      taskID,
		"worker_id":    workerID,
		"execution_id": exec.ExecutionID,
		"status":       "executing",
	})
	t.publish(events.BusExecutionOpened, exec)
	return exec.ExecutionID, nil
}

// Heartbeat refreshes the liveness timestamp of an open execution.
func (t *Tracker) Heartbeat(executionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	exec, ok := t.open[executionID]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", executionID, ErrNotOpen)
	}
	exec.LastHeartbeatAt = time.Now().UTC()
	return nil
}

// Close records the terminal outcome of an open execution. Closing twice
// is an error, not a silent overwrite. The raw payload is always recorded;
// categorization is advisory and never blocks the write.
func (t *Tracker) Close(executionID string, outcome model.Outcome, payload map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(executionID, outcome, payload, nil)
}

func (t *Tracker) closeLocked(executionID string, outcome model.Outcome, payload map[string]any, details map[string]any) error {
	exec, ok := t.open[executionID]
	if !ok {
		return fmt.Errorf("close %s: %w", executionID, ErrNotOpen)
	}

	exec.CompletedAt = time.Now().UTC()
	exec.Outcome = outcome
	exec.ResultPayload = payload
	exec.ResultCategory = model.CategorizeResult(payload)

	delete(t.open, executionID)
	delete(t.openTask, exec.TaskID)
	t.closed = append(t.closed, *exec)

	eventType := events.TypeExecutionCompleted
	busType := events.BusExecutionClosed
	if outcome == model.OutcomeAbandoned || outcome == model.OutcomeTimeout {
		eventType = events.TypeExecutionAbandoned
		busType = events.BusExecutionAbandoned
	}
	data := map[string]any{
		"task_id":          exec.TaskID,
		"worker_id":        exec.WorkerID,
		"execution_id":     executionID,
		"status":           string(outcome),
		"result_category":  string(exec.ResultCategory),
		"duration_seconds": exec.Duration().Seconds(),
	}
	if payload != nil {
		data["result"] = payload
	}
	for k, v := range details {
		data[k] = v
	}
	t.audit.RecordEvent(eventType, data)
	t.publish(busType, exec)
	return nil
}

// OpenExecution returns a copy of the open execution for a task, if any.
func (t *Tracker) OpenExecution(taskID string) (*model.Execution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.openTask[taskID]
	if !ok {
		return nil, false
	}
	exec := *t.open[id]
	return &exec, true
}

// Abandoned identifies one execution closed by DetectAbandoned and the
// task it belonged to.
type Abandoned struct {
	ExecutionID string
	TaskID      string
}

// DetectAbandoned closes every open execution whose last heartbeat is
// older than timeout, synthesizing a terminal abandoned event for each.
// This is the mechanism that turns a hung or crashed worker into an
// explicit, visible outcome.
func (t *Tracker) DetectAbandoned(timeout time.Duration) []Abandoned {
	if timeout <= 0 {
		timeout = DefaultAbandonTimeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	var stale []Abandoned
	for id, exec := range t.open {
		if exec.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, Abandoned{ExecutionID: id, TaskID: exec.TaskID})
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ExecutionID < stale[j].ExecutionID })

	for _, ab := range stale {
		_ = t.closeLocked(ab.ExecutionID, model.OutcomeAbandoned, nil, map[string]any{
			"reason":  "heartbeat timeout",
			"timeout": timeout.String(),
		})
	}
	return stale
}

// Summarize derives metrics from executions completed at or after since.
// It is a pure function over the retained history: recomputable at any
// time, with no counters that can drift from the log.
func (t *Tracker) Summarize(since time.Time) model.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := model.Metrics{
		RunID:          t.runID,
		GeneratedAt:    time.Now().UTC(),
		WindowStart:    since,
		OpenExecutions: len(t.open),
		OutcomeCounts:  make(map[model.Outcome]int),
		Workers:        make(map[string]model.WorkerMetrics),
	}

	var durations []time.Duration
	workerDurations := make(map[string]time.Duration)
	abandoned := 0
	for _, exec := range t.closed {
		if exec.CompletedAt.Before(since) {
			continue
		}
		m.OutcomeCounts[exec.Outcome]++
		durations = append(durations, exec.Duration())

		wm := m.Workers[exec.WorkerID]
		wm.Total++
		switch exec.Outcome {
		case model.OutcomeSuccess:
			wm.Succeeded++
		case model.OutcomeAbandoned, model.OutcomeTimeout:
			wm.Abandoned++
			abandoned++
		default:
			wm.Failed++
		}
		workerDurations[exec.WorkerID] += exec.Duration()
		m.Workers[exec.WorkerID] = wm

		if exec.Outcome != model.OutcomeSuccess {
			m.RecentFailures = append(m.RecentFailures, exec.ExecutionID)
		}
	}

	total := len(durations)
	if total > 0 {
		var sum time.Duration
		for _, d := range durations {
			sum += d
		}
		m.MeanDuration = sum / time.Duration(total)

		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		m.P50Duration = percentile(durations, 50)
		m.P95Duration = percentile(durations, 95)
		m.AbandonmentRate = float64(abandoned) / float64(total)
	}
	for workerID, wm := range m.Workers {
		if wm.Total > 0 {
			wm.SuccessRate = float64(wm.Succeeded) / float64(wm.Total)
			wm.MeanDuration = workerDurations[workerID] / time.Duration(wm.Total)
			m.Workers[workerID] = wm
		}
	}
	if len(m.RecentFailures) > 10 {
		m.RecentFailures = m.RecentFailures[len(m.RecentFailures)-10:]
	}
	return m
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}

func (t *Tracker) publish(busType events.BusEventType, exec *model.Execution) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(busType, map[string]any{
		"task_id":      exec.TaskID,
		"worker_id":    exec.WorkerID,
		"execution_id": exec.ExecutionID,
	})
}
