package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ksuda/foreman/internal/coordinator"
	"github.com/ksuda/foreman/internal/dispatch"
	"github.com/ksuda/foreman/internal/events"
	"github.com/ksuda/foreman/internal/lock"
	"github.com/ksuda/foreman/internal/model"
	"github.com/ksuda/foreman/internal/status"
	"github.com/ksuda/foreman/internal/store"
	"github.com/ksuda/foreman/internal/track"
	"github.com/ksuda/foreman/internal/watch"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "assign":
		runAssign(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "tasks":
		runTasks(os.Args[2:])
	case "reap":
		runReap(os.Args[2:])
	case "summary":
		runSummary(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "version":
		fmt.Printf("foreman %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: foreman <command> [flags]

commands:
  init     materialize a task store from a task list file
  assign   dispatch pending tasks to registered workers
  status   show per-status task counts
  tasks    list task records
  reap     close abandoned executions and requeue their tasks
  summary  print run metrics derived from the event log
  watch    re-render status whenever the task store changes on disk
  version  print version`)
}

// session holds the wired components for one invocation.
type session struct {
	store   *store.Store
	tracker *track.Tracker
	audit   *events.AuditLogger
	coord   *coordinator.Coordinator
}

func storePath(dir string) string {
	return filepath.Join(dir, "tasks.yaml")
}

// loadConfig reads an optional config.yaml from the foreman directory.
// Missing file or fields fall back to defaults.
func loadConfig(dir string) model.Config {
	var cfg model.Config
	_ = readYAML(filepath.Join(dir, "config.yaml"), &cfg)
	if cfg.Lock.RetryIntervalSec <= 0 {
		cfg.Lock.RetryIntervalSec = lock.DefaultRetryInterval.Seconds()
	}
	if cfg.Lock.MaxAttempts <= 0 {
		cfg.Lock.MaxAttempts = lock.DefaultMaxAttempts
	}
	if cfg.Lock.StaleAfterSec <= 0 {
		cfg.Lock.StaleAfterSec = int(lock.DefaultStaleAfter.Seconds())
	}
	if cfg.Track.MaxLogSizeBytes <= 0 {
		cfg.Track.MaxLogSizeBytes = events.DefaultMaxLogSize
	}
	if cfg.Watch.DebounceMs <= 0 {
		cfg.Watch.DebounceMs = int(watch.DefaultDebounce.Milliseconds())
	}
	return cfg
}

func openSession(dir, runID string, needRules bool) (*session, error) {
	cfg := loadConfig(dir)
	audit, err := events.NewAuditLogger(filepath.Join(dir, "logs", "events.ndjson"), runID, cfg.Track.MaxLogSizeBytes)
	if err != nil {
		return nil, err
	}

	owner, _ := os.Hostname()
	locker := lock.NewFileLock(fmt.Sprintf("%s-%d", owner, os.Getpid()),
		lock.WithRetryInterval(time.Duration(cfg.Lock.RetryIntervalSec*float64(time.Second))),
		lock.WithMaxAttempts(cfg.Lock.MaxAttempts),
		lock.WithStaleAfter(time.Duration(cfg.Lock.StaleAfterSec)*time.Second),
		lock.WithEventSink(audit))
	st := store.New(storePath(dir), locker)
	// Rehydrate from the audit log: each invocation is a fresh process,
	// so open executions from earlier processes must be replayed or reap
	// and summary would see an empty run.
	tracker, err := track.Load(runID, audit, nil)
	if err != nil {
		audit.Close()
		return nil, err
	}

	s := &session{store: st, tracker: tracker, audit: audit}
	if needRules {
		var rs model.RuleSet
		if err := readYAML(filepath.Join(dir, "rules.yaml"), &rs); err != nil {
			audit.Close()
			return nil, fmt.Errorf("load dispatch rules: %w", err)
		}
		engine, err := dispatch.NewEngine(rs.Rules, rs.Workers)
		if err != nil {
			audit.Close()
			return nil, err
		}
		logger := log.New(os.Stderr, "", 0)
		s.coord = coordinator.New(st, tracker, engine, audit, logger,
			coordinator.ParseLogLevel(cfg.Logging.Level))
	}
	return s, nil
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", ".foreman", "foreman directory")
	taskList := fs.String("tasks", "", "pre-parsed task list file (YAML)")
	fs.Parse(args)

	if *taskList == "" {
		fatal("init: -tasks is required")
	}

	var tf model.TaskFile
	if err := readYAML(*taskList, &tf); err != nil {
		fatal("init: read task list: %v", err)
	}

	runID, err := model.GenerateRunID()
	if err != nil {
		fatal("init: %v", err)
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		fatal("init: %v", err)
	}

	s, err := openSession(*dir, runID, false)
	if err != nil {
		fatal("init: %v", err)
	}
	defer s.audit.Close()

	if err := s.store.Init(context.Background(), runID, tf.Tasks); err != nil {
		fatal("init: %v", err)
	}
	s.audit.Record("task store initialized", map[string]any{
		"path":  storePath(*dir),
		"tasks": len(tf.Tasks),
	})
	fmt.Printf("initialized %s with %d tasks (run %s)\n", storePath(*dir), len(tf.Tasks), runID)
}

func runAssign(args []string) {
	fs := flag.NewFlagSet("assign", flag.ExitOnError)
	dir := fs.String("dir", ".foreman", "foreman directory")
	taskID := fs.String("task", "", "assign a single task id (default: all pending)")
	fs.Parse(args)

	s, _ := mustSession(*dir, true)
	defer s.audit.Close()

	ctx := context.Background()
	if *taskID != "" {
		h, err := s.coord.Assign(ctx, *taskID)
		if err != nil {
			fatal("assign: %v", err)
		}
		printHandoff(h)
		return
	}

	handoffs, err := s.coord.AssignPending(ctx)
	if err != nil {
		fatal("assign: %v", err)
	}
	for _, h := range handoffs {
		printHandoff(h)
	}
	fmt.Printf("assigned %d tasks\n", len(handoffs))
}

func printHandoff(h *coordinator.Handoff) {
	fmt.Printf("%s → %s (execution %s)\n", h.TaskID, h.WorkerID, h.ExecutionID)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dir := fs.String("dir", ".foreman", "foreman directory")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	s, _ := mustSession(*dir, false)
	defer s.audit.Close()

	snap, err := status.Collect(s.store, s.tracker)
	if err != nil {
		fatal("status: %v", err)
	}
	if err := status.Render(os.Stdout, snap, *jsonOut); err != nil {
		fatal("status: %v", err)
	}
}

func runTasks(args []string) {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	dir := fs.String("dir", ".foreman", "foreman directory")
	fs.Parse(args)

	s, _ := mustSession(*dir, false)
	defer s.audit.Close()

	snap, err := status.Collect(s.store, nil)
	if err != nil {
		fatal("tasks: %v", err)
	}
	status.RenderTasks(os.Stdout, snap)
}

func runReap(args []string) {
	fs := flag.NewFlagSet("reap", flag.ExitOnError)
	dir := fs.String("dir", ".foreman", "foreman directory")
	timeout := fs.Duration("timeout", track.DefaultAbandonTimeout, "heartbeat timeout")
	fs.Parse(args)

	s, _ := mustSession(*dir, true)
	defer s.audit.Close()

	closed, err := s.coord.Reap(context.Background(), *timeout)
	if err != nil {
		fatal("reap: %v", err)
	}
	for _, id := range closed {
		fmt.Printf("abandoned %s\n", id)
	}
	fmt.Printf("reaped %d executions\n", len(closed))
}

func runSummary(args []string) {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	dir := fs.String("dir", ".foreman", "foreman directory")
	window := fs.Duration("window", 24*time.Hour, "summary window")
	fs.Parse(args)

	s, _ := mustSession(*dir, false)
	defer s.audit.Close()

	m := s.tracker.Summarize(time.Now().UTC().Add(-*window))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&m); err != nil {
		fatal("summary: %v", err)
	}
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	dir := fs.String("dir", ".foreman", "foreman directory")
	fs.Parse(args)

	s, _ := mustSession(*dir, false)
	defer s.audit.Close()

	cfg := loadConfig(*dir)
	bus := events.NewBus(16)
	defer bus.Close()
	bus.Subscribe(events.BusStoreChanged, func(events.BusEvent) {
		snap, err := status.Collect(s.store, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			return
		}
		status.Render(os.Stdout, snap, false)
	})

	w, err := watch.New(storePath(*dir), bus, time.Duration(cfg.Watch.DebounceMs)*time.Millisecond)
	if err != nil {
		fatal("watch: %v", err)
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		fatal("watch: %v", err)
	}
}

// mustSession opens a session against an existing store, reusing its
// run id so events land in the same stream.
func mustSession(dir string, needRules bool) (*session, string) {
	data, err := os.ReadFile(storePath(dir))
	if err != nil {
		fatal("no task store at %s (run 'foreman init' first): %v", storePath(dir), err)
	}
	var tf model.TaskFile
	if err := yamlv3.Unmarshal(data, &tf); err != nil {
		fatal("parse task store: %v", err)
	}

	s, err := openSession(dir, tf.RunID, needRules)
	if err != nil {
		fatal("%v", err)
	}
	return s, tf.RunID
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yamlv3.Unmarshal(data, out)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
