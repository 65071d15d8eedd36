package store

import (
	"context"
	"fmt"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ksuda/foreman/internal/lock"
	"github.com/ksuda/foreman/internal/model"
)

// Store is a handle to one task store file. Multiple stores can coexist in
// a process; all shared mutable state lives in the file, never in the
// handle.
type Store struct {
	path    string
	locker  lock.Locker
	localMu *lock.MutexMap
}

// New creates a store handle for the task file at path. The locker guards
// cross-process access; an in-process mutex map serializes goroutines that
// share this handle.
func New(path string, locker lock.Locker) *Store {
	return &Store{
		path:    path,
		locker:  locker,
		localMu: lock.NewMutexMap(),
	}
}

func (s *Store) Path() string {
	return s.path
}

// Init materializes a new task store file. All tasks start pending;
// ids must be unique.
func (s *Store) Init(ctx context.Context, runID string, tasks []model.Task) error {
	seen := make(map[string]bool, len(tasks))
	now := time.Now().UTC().Format(time.RFC3339)
	for i := range tasks {
		if tasks[i].ID == "" {
			return fmt.Errorf("task at index %d has empty id", i)
		}
		if seen[tasks[i].ID] {
			return fmt.Errorf("duplicate task id %q", tasks[i].ID)
		}
		seen[tasks[i].ID] = true
		tasks[i].Status = model.StatusPending
		tasks[i].CreatedAt = now
		tasks[i].UpdatedAt = now
	}

	s.localMu.Lock(s.path)
	defer s.localMu.Unlock(s.path)

	h, err := s.locker.Acquire(ctx, s.path)
	if err != nil {
		return err
	}
	defer s.locker.Release(h)

	tf := model.TaskFile{
		SchemaVersion: model.TaskFileSchemaVersion,
		FileType:      model.TaskFileType,
		RunID:         runID,
		Tasks:         tasks,
	}
	content, err := yamlv3.Marshal(&tf)
	if err != nil {
		return fmt.Errorf("marshal task file: %w", err)
	}
	if err := atomicWriteRaw(s.path, content); err != nil {
		return &WriteFailedError{Path: s.path, Err: err}
	}
	return nil
}

// Update runs one lock-protected read-modify-write cycle against a single
// task. transform mutates the located record; a status change is validated
// against the state machine before anything is written. On any failure
// after the backup is taken the store is restored to its pre-update bytes,
// so it is never left truncated or malformed.
func (s *Store) Update(ctx context.Context, taskID string, transform func(*model.Task) error) (*model.Task, error) {
	s.localMu.Lock(s.path)
	defer s.localMu.Unlock(s.path)

	h, err := s.locker.Acquire(ctx, s.path)
	if err != nil {
		return nil, err
	}
	defer s.locker.Release(h)

	bakPath := s.path + ".bak"
	if err := copyFile(s.path, bakPath); err != nil {
		return nil, &WriteFailedError{Path: s.path, Err: fmt.Errorf("create backup: %w", err)}
	}

	task, err := s.updateLocked(taskID, transform)
	if err != nil {
		// Restore the pre-update bytes before the lock is released. The
		// backup copy is byte-identical, so a failed restore is only
		// possible if the rename itself failed, in which case the
		// original file is still in place.
		_ = os.Rename(bakPath, s.path)
		return nil, err
	}

	_ = os.Remove(bakPath)
	return task, nil
}

func (s *Store) updateLocked(taskID string, transform func(*model.Task) error) (*model.Task, error) {
	tf, err := s.read()
	if err != nil {
		return nil, &WriteFailedError{Path: s.path, Err: err}
	}

	idx := -1
	for i := range tf.Tasks {
		if tf.Tasks[i].ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}

	prev := tf.Tasks[idx]
	task := &tf.Tasks[idx]
	if err := transform(task); err != nil {
		return nil, fmt.Errorf("transform task %q: %w", taskID, err)
	}

	if task.ID != prev.ID {
		return nil, fmt.Errorf("task id is immutable: %q → %q", prev.ID, task.ID)
	}
	if task.Status != prev.Status {
		if err := model.ValidateTransition(taskID, prev.Status, task.Status); err != nil {
			return nil, err
		}
	}
	task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	content, err := yamlv3.Marshal(tf)
	if err != nil {
		return nil, &WriteFailedError{Path: s.path, Err: fmt.Errorf("marshal task file: %w", err)}
	}
	if err := atomicWriteRaw(s.path, content); err != nil {
		return nil, &WriteFailedError{Path: s.path, Err: err}
	}

	updated := *task
	return &updated, nil
}

// Get returns a copy of one task record.
func (s *Store) Get(taskID string) (*model.Task, error) {
	tf, err := s.read()
	if err != nil {
		return nil, err
	}
	for i := range tf.Tasks {
		if tf.Tasks[i].ID == taskID {
			task := tf.Tasks[i]
			return &task, nil
		}
	}
	return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
}

// Snapshot returns a read-only copy of all task records. Readers always
// observe a complete file thanks to the rename-based writer, so no lock is
// taken here.
func (s *Store) Snapshot() (*model.TaskFile, error) {
	return s.read()
}

func (s *Store) read() (*model.TaskFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tf model.TaskFile
	if err := yamlv3.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("unmarshal task file: %w", err)
	}
	return &tf, nil
}

// SetStatus is the common transform: change status only.
func SetStatus(to model.Status) func(*model.Task) error {
	return func(t *model.Task) error {
		t.Status = to
		return nil
	}
}

// Assign is the dispatch transform: schedule a pending task on a worker.
// It checks pending inside the transform, against fresh state under the
// lock, so racing dispatchers serialize on this transition: the first
// claim wins and later claims fail with InvalidTransitionError.
func Assign(workerID string) func(*model.Task) error {
	return func(t *model.Task) error {
		if t.Status != model.StatusPending {
			return &model.InvalidTransitionError{TaskID: t.ID, From: t.Status, To: model.StatusScheduled}
		}
		t.Status = model.StatusScheduled
		w := workerID
		t.AssignedWorker = &w
		return nil
	}
}
