// Package lock provides mutual exclusion over named resources across
// concurrent OS processes, with timeout-based stale-lock reclamation.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

const (
	DefaultRetryInterval = time.Second
	DefaultMaxAttempts   = 60
	DefaultStaleAfter    = 5 * time.Minute
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// retry budget. Callers should back off and retry the whole operation.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// EventSink receives lock lifecycle events for audit purposes.
type EventSink interface {
	RecordEvent(eventType string, details map[string]any)
}

// Handle represents one held lock.
type Handle struct {
	resource string
	owner    string
	released bool
}

func (h *Handle) Resource() string {
	return h.resource
}

// Locker is the mutual-exclusion contract. The default implementation is
// file based and single host; the interface exists so it can be swapped
// for a shared-store lock without touching callers.
type Locker interface {
	Acquire(ctx context.Context, resource string) (*Handle, error)
	Release(h *Handle) error
}

// sentinel is the on-disk body of a lock file.
type sentinel struct {
	Owner      string `yaml:"owner"`
	AcquiredAt string `yaml:"acquired_at"`
	PID        int    `yaml:"pid"`
}

type Option func(*FileLock)

func WithRetryInterval(d time.Duration) Option {
	return func(fl *FileLock) { fl.retryInterval = d }
}

func WithMaxAttempts(n int) Option {
	return func(fl *FileLock) { fl.maxAttempts = n }
}

func WithStaleAfter(d time.Duration) Option {
	return func(fl *FileLock) { fl.staleAfter = d }
}

func WithEventSink(sink EventSink) Option {
	return func(fl *FileLock) { fl.sink = sink }
}

// FileLock implements Locker with a sentinel file per resource. Stale
// reclamation is a best-effort liveness mechanism for crashed owners, not
// a correctness guarantee: a paused-but-alive owner past the staleness
// threshold can still lose its lock.
type FileLock struct {
	owner         string
	retryInterval time.Duration
	maxAttempts   int
	staleAfter    time.Duration
	sink          EventSink

	mu sync.Mutex
}

// NewFileLock creates a file-based Locker. The owner string identifies
// this process in sentinel files and audit events.
func NewFileLock(owner string, opts ...Option) *FileLock {
	fl := &FileLock{
		owner:         owner,
		retryInterval: DefaultRetryInterval,
		maxAttempts:   DefaultMaxAttempts,
		staleAfter:    DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(fl)
	}
	if fl.retryInterval <= 0 {
		fl.retryInterval = DefaultRetryInterval
	}
	if fl.maxAttempts <= 0 {
		fl.maxAttempts = DefaultMaxAttempts
	}
	if fl.staleAfter <= 0 {
		fl.staleAfter = DefaultStaleAfter
	}
	return fl
}

func lockPath(resource string) string {
	return resource + ".lock"
}

// Acquire obtains the lock for resource, retrying at a fixed interval up
// to the attempt budget. A sentinel older than the staleness threshold is
// forcibly reclaimed on the assumption the prior owner crashed.
func (fl *FileLock) Acquire(ctx context.Context, resource string) (*Handle, error) {
	path := lockPath(resource)

	for attempt := 0; attempt < fl.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(fl.retryInterval):
			}
		}

		if err := fl.tryCreate(path); err == nil {
			fl.emit("lock.acquired", resource, map[string]any{"attempt": attempt + 1})
			return &Handle{resource: resource, owner: fl.owner}, nil
		}

		if stolen, prior := fl.reclaimIfStale(path); stolen {
			fl.emit("lock.stolen", resource, map[string]any{
				"prior_owner": prior,
				"stale_after": fl.staleAfter.String(),
			})
			if err := fl.tryCreate(path); err == nil {
				fl.emit("lock.acquired", resource, map[string]any{"attempt": attempt + 1, "reclaimed": true})
				return &Handle{resource: resource, owner: fl.owner}, nil
			}
		}
	}

	fl.emit("lock.timeout", resource, map[string]any{
		"attempts": fl.maxAttempts,
		"interval": fl.retryInterval.String(),
	})
	return nil, fmt.Errorf("acquire %s after %d attempts: %w", resource, fl.maxAttempts, ErrLockTimeout)
}

// tryCreate writes the sentinel with O_EXCL so exactly one process wins.
func (fl *FileLock) tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	body, err := yamlv3.Marshal(sentinel{
		Owner:      fl.owner,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
		PID:        os.Getpid(),
	})
	if err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("marshal sentinel: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write sentinel: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync sentinel: %w", err)
	}
	return f.Close()
}

// reclaimIfStale deletes the sentinel if its acquisition timestamp is
// older than the staleness threshold. Returns the prior owner id when the
// sentinel was removed.
func (fl *FileLock) reclaimIfStale(path string) (bool, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Sentinel vanished between attempts; the next tryCreate decides.
		return false, ""
	}

	var s sentinel
	age := fl.staleAfter + time.Second
	if err := yamlv3.Unmarshal(data, &s); err == nil {
		if acquired, perr := time.Parse(time.RFC3339, s.AcquiredAt); perr == nil {
			age = time.Since(acquired)
		}
	}
	// An unreadable sentinel is treated as stale: it cannot belong to a
	// live process following the protocol.

	if age <= fl.staleAfter {
		return false, ""
	}
	if err := os.Remove(path); err != nil {
		return false, ""
	}
	return true, s.Owner
}

// Release removes the sentinel for a held lock. It is idempotent:
// releasing an already-released or foreign-owned lock logs a warning and
// returns nil so cleanup paths never abort.
func (fl *FileLock) Release(h *Handle) error {
	if h == nil || h.released {
		fl.emit("lock.release_noop", "", map[string]any{"reason": "already released"})
		return nil
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()

	path := lockPath(h.resource)
	data, err := os.ReadFile(path)
	if err != nil {
		h.released = true
		fl.emit("lock.release_noop", h.resource, map[string]any{"reason": "sentinel missing"})
		return nil
	}

	var s sentinel
	if err := yamlv3.Unmarshal(data, &s); err == nil && s.Owner != "" && s.Owner != h.owner {
		h.released = true
		fl.emit("lock.release_noop", h.resource, map[string]any{
			"reason":        "foreign owner",
			"current_owner": s.Owner,
		})
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sentinel %s: %w", path, err)
	}
	h.released = true
	fl.emit("lock.released", h.resource, nil)
	return nil
}

func (fl *FileLock) emit(eventType, resource string, details map[string]any) {
	if fl.sink == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["resource"] = resource
	details["owner"] = fl.owner
	fl.sink.RecordEvent(eventType, details)
}
