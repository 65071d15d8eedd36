// Package coordinator wires dispatch, the task store, and the execution
// tracker into the assignment flow: match a task to a worker, claim the
// task atomically, open its execution, and hand it off to the external
// worker-invocation boundary.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ksuda/foreman/internal/dispatch"
	"github.com/ksuda/foreman/internal/events"
	"github.com/ksuda/foreman/internal/model"
	"github.com/ksuda/foreman/internal/store"
	"github.com/ksuda/foreman/internal/track"
)

// ErrNoEligibleWorker is returned when no dispatch rule matched or every
// matching worker was ineligible. A signaled condition, not a failure:
// the caller escalates to fallback or manual assignment.
var ErrNoEligibleWorker = errors.New("no eligible worker")

// Handoff is what the coordinator passes to the external worker-invocation
// mechanism. The coordinator never spawns worker processes itself.
type Handoff struct {
	TaskID      string
	Description string
	WorkerID    string
	ExecutionID string
	Fallbacks   []string
}

// Coordinator drives the assignment flow for one orchestration session.
type Coordinator struct {
	store   *store.Store
	tracker *track.Tracker
	engine  *dispatch.Engine
	audit   *events.AuditLogger
	logger  *log.Logger
	level   LogLevel
}

// New creates a coordinator. logger may be nil for silent operation.
func New(st *store.Store, tracker *track.Tracker, engine *dispatch.Engine, audit *events.AuditLogger, logger *log.Logger, level LogLevel) *Coordinator {
	if logger == nil {
		logger = log.New(discard{}, "", 0)
	}
	return &Coordinator{
		store:   st,
		tracker: tracker,
		engine:  engine,
		audit:   audit,
		logger:  logger,
		level:   level,
	}
}

// Assign matches, claims, and opens an execution for one task. The
// pending→scheduled transition is the serialization point for racing
// dispatchers: the first atomic transition wins and the loser's dispatch
// is discarded with an InvalidTransitionError.
func (c *Coordinator) Assign(ctx context.Context, taskID string) (*Handoff, error) {
	task, err := c.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.StatusPending {
		return nil, &model.InvalidTransitionError{TaskID: taskID, From: task.Status, To: model.StatusScheduled}
	}

	ranked := c.engine.Match(task.Description)
	if len(ranked) == 0 {
		c.log(LogLevelWarn, "assign task=%s: no eligible worker", taskID)
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNoEligibleWorker)
	}
	primary := ranked[0]

	claimed, err := c.store.Update(ctx, taskID, store.Assign(primary.WorkerID))
	if err != nil {
		// A racing dispatcher already claimed this task.
		var ite *model.InvalidTransitionError
		if errors.As(err, &ite) {
			c.log(LogLevelDebug, "assign task=%s: lost claim race (status=%s)", taskID, ite.From)
		}
		return nil, err
	}

	c.audit.RecordEvent(events.TypeTaskScheduled, map[string]any{
		"task_id":   taskID,
		"worker_id": primary.WorkerID,
		"status":    string(model.StatusScheduled),
		"details": map[string]any{
			"description": claimed.Description,
			"score":       primary.Score,
			"candidates":  len(ranked),
		},
	})

	execID, err := c.tracker.Open(taskID, primary.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("open execution for task %s: %w", taskID, err)
	}

	handoff := &Handoff{
		TaskID:      taskID,
		Description: claimed.Description,
		WorkerID:    primary.WorkerID,
		ExecutionID: execID,
	}
	for _, fallback := range ranked[1:] {
		handoff.Fallbacks = append(handoff.Fallbacks, fallback.WorkerID)
	}
	c.log(LogLevelInfo, "assign task=%s worker=%s execution=%s fallbacks=%d",
		taskID, primary.WorkerID, execID, len(handoff.Fallbacks))
	return handoff, nil
}

// AssignPending fans Assign out over every pending task. Tasks with no
// eligible worker or lost claim races are skipped, not failed.
func (c *Coordinator) AssignPending(ctx context.Context) ([]*Handoff, error) {
	tf, err := c.store.Snapshot()
	if err != nil {
		return nil, err
	}

	results := make([]*Handoff, len(tf.Tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i := range tf.Tasks {
		if tf.Tasks[i].Status != model.StatusPending {
			continue
		}
		i := i
		g.Go(func() error {
			h, err := c.Assign(gctx, tf.Tasks[i].ID)
			if err != nil {
				var ite *model.InvalidTransitionError
				if errors.Is(err, ErrNoEligibleWorker) || errors.As(err, &ite) {
					return nil
				}
				return err
			}
			results[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var handoffs []*Handoff
	for _, h := range results {
		if h != nil {
			handoffs = append(handoffs, h)
		}
	}
	return handoffs, nil
}

// Started marks a claimed task as picked up by its worker.
func (c *Coordinator) Started(ctx context.Context, taskID string) error {
	if _, err := c.store.Update(ctx, taskID, store.SetStatus(model.StatusStarted)); err != nil {
		return err
	}
	_, err := c.store.Update(ctx, taskID, store.SetStatus(model.StatusInProgress))
	if err == nil {
		c.audit.RecordEvent(events.TypeTaskStarted, map[string]any{
			"task_id": taskID,
			"status":  string(model.StatusInProgress),
		})
	}
	return err
}

// Complete records a worker's terminal status in the task store after the
// tracker has closed the execution.
func (c *Coordinator) Complete(ctx context.Context, taskID string, success bool) error {
	to := model.StatusCompleted
	eventType := events.TypeTaskCompleted
	if !success {
		to = model.StatusFailed
		eventType = events.TypeTaskFailed
	}
	if _, err := c.store.Update(ctx, taskID, store.SetStatus(to)); err != nil {
		return err
	}
	c.audit.RecordEvent(eventType, map[string]any{
		"task_id": taskID,
		"status":  string(to),
	})
	return nil
}

// Reap closes abandoned executions and walks each affected task back to
// scheduled so it can be dispatched again. Returns the abandoned
// execution ids.
func (c *Coordinator) Reap(ctx context.Context, timeout time.Duration) ([]string, error) {
	var closed []string
	for _, ab := range c.tracker.DetectAbandoned(timeout) {
		closed = append(closed, ab.ExecutionID)
		if ab.TaskID == "" {
			continue
		}
		if err := c.requeue(ctx, ab.TaskID); err != nil {
			c.log(LogLevelWarn, "reap task=%s: requeue failed: %v", ab.TaskID, err)
		}
	}
	return closed, nil
}

// requeueSteps leads any dispatched status back to scheduled one legal
// transition at a time. Abandonment can strike at scheduled, started, or
// in_progress depending on how far the worker got.
var requeueSteps = map[model.Status]model.Status{
	model.StatusStarted:    model.StatusInProgress,
	model.StatusInProgress: model.StatusBlocked,
	model.StatusBlocked:    model.StatusScheduled,
}

func (c *Coordinator) requeue(ctx context.Context, taskID string) error {
	task, err := c.store.Get(taskID)
	if err != nil {
		return err
	}
	status := task.Status
	for status != model.StatusScheduled {
		next, ok := requeueSteps[status]
		if !ok {
			return fmt.Errorf("task %s: cannot requeue from %s", taskID, status)
		}
		if _, err := c.store.Update(ctx, taskID, store.SetStatus(next)); err != nil {
			return err
		}
		status = next
	}
	return nil
}
