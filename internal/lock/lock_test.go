package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) RecordEvent(eventType string, details map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
}

func (s *recordingSink) has(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "tasks.yaml")

	fl := NewFileLock("owner-a")
	h, err := fl.Acquire(context.Background(), resource)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if _, err := os.Stat(resource + ".lock"); err != nil {
		t.Fatalf("sentinel not created: %v", err)
	}

	if err := fl.Release(h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(resource + ".lock"); !os.IsNotExist(err) {
		t.Error("sentinel should be removed after release")
	}
}

func TestAcquire_ContendedTimesOut(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "tasks.yaml")

	holder := NewFileLock("holder")
	h, err := holder.Acquire(context.Background(), resource)
	if err != nil {
		t.Fatalf("holder Acquire failed: %v", err)
	}
	defer holder.Release(h)

	contender := NewFileLock("contender",
		WithRetryInterval(10*time.Millisecond),
		WithMaxAttempts(3))
	_, err = contender.Acquire(context.Background(), resource)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestAcquire_ReclaimsStaleSentinel(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "tasks.yaml")
	sentinelPath := resource + ".lock"

	// Sentinel aged well past the staleness threshold.
	body, _ := yamlv3.Marshal(sentinel{
		Owner:      "crashed-owner",
		AcquiredAt: time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339),
		PID:        99999,
	})
	if err := os.WriteFile(sentinelPath, body, 0o600); err != nil {
		t.Fatalf("write stale sentinel: %v", err)
	}

	sink := &recordingSink{}
	fl := NewFileLock("owner-b",
		WithRetryInterval(10*time.Millisecond),
		WithMaxAttempts(3),
		WithStaleAfter(5*time.Minute),
		WithEventSink(sink))

	start := time.Now()
	h, err := fl.Acquire(context.Background(), resource)
	if err != nil {
		t.Fatalf("Acquire should reclaim stale lock: %v", err)
	}
	defer fl.Release(h)

	// Reclaim must happen within one retry interval, not the full budget.
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("reclaim took %v, expected within one retry interval", elapsed)
	}
	if !sink.has("lock.stolen") {
		t.Error("expected lock.stolen event")
	}
}

func TestAcquire_FreshSentinelNotReclaimed(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "tasks.yaml")

	body, _ := yamlv3.Marshal(sentinel{
		Owner:      "live-owner",
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
		PID:        os.Getpid(),
	})
	if err := os.WriteFile(resource+".lock", body, 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	fl := NewFileLock("owner-c",
		WithRetryInterval(10*time.Millisecond),
		WithMaxAttempts(2))
	if _, err := fl.Acquire(context.Background(), resource); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("fresh sentinel must not be reclaimed, got %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "tasks.yaml")

	sink := &recordingSink{}
	fl := NewFileLock("owner-d", WithEventSink(sink))
	h, err := fl.Acquire(context.Background(), resource)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := fl.Release(h); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if err := fl.Release(h); err != nil {
		t.Fatalf("second Release must be a no-op, got %v", err)
	}
	if !sink.has("lock.release_noop") {
		t.Error("expected lock.release_noop event on double release")
	}
}

func TestRelease_ForeignOwnerIsNoop(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "tasks.yaml")

	a := NewFileLock("owner-a")
	ha, err := a.Acquire(context.Background(), resource)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Simulate the sentinel being stolen and re-acquired by another owner.
	if err := a.Release(ha); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	b := NewFileLock("owner-b")
	hb, err := b.Acquire(context.Background(), resource)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer b.Release(hb)

	staleHandle := &Handle{resource: resource, owner: "owner-a"}
	if err := a.Release(staleHandle); err != nil {
		t.Fatalf("foreign release must be a no-op, got %v", err)
	}
	if _, err := os.Stat(resource + ".lock"); err != nil {
		t.Error("foreign release must not remove the current owner's sentinel")
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "tasks.yaml")

	holder := NewFileLock("holder")
	h, err := holder.Acquire(context.Background(), resource)
	if err != nil {
		t.Fatalf("holder Acquire failed: %v", err)
	}
	defer holder.Release(h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	contender := NewFileLock("contender",
		WithRetryInterval(time.Hour),
		WithMaxAttempts(5))
	if _, err := contender.Acquire(ctx, resource); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMutexMap_SerializesPerKey(t *testing.T) {
	m := NewMutexMap()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("k")
			counter++
			m.Unlock("k")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter: got %d, want 50", counter)
	}
}
