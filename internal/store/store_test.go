package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ksuda/foreman/internal/lock"
	"github.com/ksuda/foreman/internal/model"
)

func newTestStore(t *testing.T, tasks []model.Task) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	locker := lock.NewFileLock("test-owner",
		lock.WithRetryInterval(5*time.Millisecond),
		lock.WithMaxAttempts(200))
	s := New(path, locker)
	if err := s.Init(context.Background(), "r-20260101-0000-abcd", tasks); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func sampleTasks() []model.Task {
	parent := "1"
	return []model.Task{
		{ID: "1", Description: "parent task"},
		{ID: "1.1", Description: "fix SQL injection in login handler", ParentID: &parent},
		{ID: "1.2", Description: "add rate limiting", ParentID: &parent},
	}
}

func TestInit_AllPending(t *testing.T) {
	s := newTestStore(t, sampleTasks())

	tf, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(tf.Tasks) != 3 {
		t.Fatalf("task count: got %d, want 3", len(tf.Tasks))
	}
	for _, task := range tf.Tasks {
		if task.Status != model.StatusPending {
			t.Errorf("task %s: got status %s, want pending", task.ID, task.Status)
		}
	}
	if tf.FileType != model.TaskFileType {
		t.Errorf("file_type: got %q", tf.FileType)
	}
}

func TestInit_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "tasks.yaml"), lock.NewFileLock("test"))
	err := s.Init(context.Background(), "r-20260101-0000-abcd", []model.Task{
		{ID: "1.1"}, {ID: "1.1"},
	})
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestUpdate_ValidTransitionChain(t *testing.T) {
	s := newTestStore(t, sampleTasks())
	ctx := context.Background()

	for _, to := range []model.Status{
		model.StatusScheduled,
		model.StatusStarted,
		model.StatusInProgress,
		model.StatusCompleted,
	} {
		task, err := s.Update(ctx, "1.1", SetStatus(to))
		if err != nil {
			t.Fatalf("Update to %s failed: %v", to, err)
		}
		if task.Status != to {
			t.Errorf("status: got %s, want %s", task.Status, to)
		}
	}
}

func TestUpdate_InvalidTransition(t *testing.T) {
	s := newTestStore(t, sampleTasks())

	// pending → completed skips the whole chain and must be rejected.
	_, err := s.Update(context.Background(), "1.1", SetStatus(model.StatusCompleted))

	var ite *model.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != model.StatusPending || ite.To != model.StatusCompleted {
		t.Errorf("error detail: got %s → %s", ite.From, ite.To)
	}

	// Stored status must be unchanged after the failed write.
	task, err := s.Get("1.1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.Status != model.StatusPending {
		t.Errorf("status after failed update: got %s, want pending", task.Status)
	}
}

func TestUpdate_TransitionTable(t *testing.T) {
	cases := []struct {
		from, to model.Status
		ok       bool
	}{
		{model.StatusPending, model.StatusScheduled, true},
		{model.StatusPending, model.StatusCancelled, true},
		{model.StatusPending, model.StatusStarted, false},
		{model.StatusScheduled, model.StatusStarted, true},
		{model.StatusScheduled, model.StatusCompleted, false},
		{model.StatusStarted, model.StatusInProgress, true},
		{model.StatusInProgress, model.StatusCompleted, true},
		{model.StatusInProgress, model.StatusFailed, true},
		{model.StatusInProgress, model.StatusBlocked, true},
		{model.StatusInProgress, model.StatusPending, false},
		{model.StatusBlocked, model.StatusScheduled, true},
		{model.StatusBlocked, model.StatusCancelled, true},
		{model.StatusFailed, model.StatusCancelled, true},
		{model.StatusFailed, model.StatusScheduled, false},
		{model.StatusCompleted, model.StatusCancelled, false},
		{model.StatusCancelled, model.StatusScheduled, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_to_%s", tc.from, tc.to), func(t *testing.T) {
			err := model.ValidateTransition("t", tc.from, tc.to)
			if tc.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s := newTestStore(t, sampleTasks())

	_, err := s.Update(context.Background(), "9.9", SetStatus(model.StatusScheduled))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_IDImmutable(t *testing.T) {
	s := newTestStore(t, sampleTasks())

	_, err := s.Update(context.Background(), "1.1", func(task *model.Task) error {
		task.ID = "2.1"
		return nil
	})
	if err == nil {
		t.Fatal("expected error for id mutation")
	}

	if _, err := s.Get("1.1"); err != nil {
		t.Errorf("original id should survive failed update: %v", err)
	}
}

func TestUpdate_TransformErrorRestoresStore(t *testing.T) {
	s := newTestStore(t, sampleTasks())

	boom := errors.New("boom")
	_, err := s.Update(context.Background(), "1.1", func(*model.Task) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transform error, got %v", err)
	}

	// No backup left behind, store readable and unchanged.
	if _, err := os.Stat(s.Path() + ".bak"); !os.IsNotExist(err) {
		t.Error("backup file should not remain after restore")
	}
	tf, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(tf.Tasks) != 3 {
		t.Errorf("task count: got %d, want 3", len(tf.Tasks))
	}
}

func TestUpdate_CrashMidWriteLeavesConsistentStore(t *testing.T) {
	s := newTestStore(t, sampleTasks())
	ctx := context.Background()

	if _, err := s.Update(ctx, "1.1", SetStatus(model.StatusScheduled)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Simulate a crashed writer: an abandoned temp file next to the store.
	tmpPath := filepath.Join(filepath.Dir(s.Path()), ".foreman-tmp-crashed.yaml")
	if err := os.WriteFile(tmpPath, []byte("garbage: [truncated"), 0o600); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	// The store itself must still parse and hold either the pre- or
	// post-update record set, never a partial one.
	tf, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	got := map[string]model.Status{}
	for _, task := range tf.Tasks {
		got[task.ID] = task.Status
	}
	if got["1.1"] != model.StatusScheduled {
		t.Errorf("task 1.1: got %s, want scheduled", got["1.1"])
	}
	if got["1.2"] != model.StatusPending {
		t.Errorf("task 1.2: got %s, want pending", got["1.2"])
	}
}

func TestUpdate_ConcurrentDisjointTasksLoseNothing(t *testing.T) {
	var tasks []model.Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, model.Task{
			ID:          fmt.Sprintf("1.%d", i+1),
			Description: fmt.Sprintf("task %d", i+1),
		})
	}
	s := newTestStore(t, tasks)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("1.%d", i+1)
		g.Go(func() error {
			_, err := s.Update(ctx, id, SetStatus(model.StatusScheduled))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent updates failed: %v", err)
	}

	tf, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	for _, task := range tf.Tasks {
		if task.Status != model.StatusScheduled {
			t.Errorf("task %s: got %s, want scheduled (lost update)", task.ID, task.Status)
		}
	}
}

func TestAssign_SetsWorkerAndSchedules(t *testing.T) {
	s := newTestStore(t, sampleTasks())

	task, err := s.Update(context.Background(), "1.1", Assign("sec-1"))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if task.Status != model.StatusScheduled {
		t.Errorf("status: got %s, want scheduled", task.Status)
	}
	if task.AssignedWorker == nil || *task.AssignedWorker != "sec-1" {
		t.Error("assigned_worker not set")
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := newTestStore(t, sampleTasks())

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var tf model.TaskFile
	if err := yamlv3.Unmarshal(data, &tf); err != nil {
		t.Fatalf("store file must always parse: %v", err)
	}
	if tf.SchemaVersion != model.TaskFileSchemaVersion {
		t.Errorf("schema_version: got %d", tf.SchemaVersion)
	}
}
