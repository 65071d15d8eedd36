// Package status renders a read-only snapshot of one orchestration
// session: per-status task counts and open execution depth. It only
// reads; all rendering beyond this thin layer is external.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ksuda/foreman/internal/model"
	"github.com/ksuda/foreman/internal/store"
	"github.com/ksuda/foreman/internal/track"
)

// Snapshot is the queryable state of one run.
type Snapshot struct {
	RunID          string               `json:"run_id"`
	Counts         map[model.Status]int `json:"counts"`
	Total          int                  `json:"total"`
	OpenExecutions int                  `json:"open_executions"`
	Tasks          []model.Task         `json:"tasks"`
}

// Collect builds a snapshot from the store (and optionally the tracker's
// open-execution count).
func Collect(st *store.Store, tracker *track.Tracker) (*Snapshot, error) {
	tf, err := st.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("read task store: %w", err)
	}

	snap := &Snapshot{
		RunID:  tf.RunID,
		Counts: make(map[model.Status]int),
		Total:  len(tf.Tasks),
		Tasks:  tf.Tasks,
	}
	for _, task := range tf.Tasks {
		snap.Counts[task.Status]++
	}
	if tracker != nil {
		m := tracker.Summarize(time.Time{})
		snap.OpenExecutions = m.OpenExecutions
	}
	return snap, nil
}

// Render writes the snapshot as text or JSON.
func Render(w io.Writer, snap *Snapshot, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(w, "run: %s\n", snap.RunID)
	fmt.Fprintf(w, "tasks: %d total, %d open executions\n", snap.Total, snap.OpenExecutions)

	statuses := make([]string, 0, len(snap.Counts))
	for s := range snap.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-12s %d\n", s, snap.Counts[model.Status(s)])
	}
	return nil
}

// RenderTasks writes one line per task.
func RenderTasks(w io.Writer, snap *Snapshot) {
	for _, task := range snap.Tasks {
		worker := "-"
		if task.AssignedWorker != nil {
			worker = *task.AssignedWorker
		}
		fmt.Fprintf(w, "%-8s %-12s %-10s %s\n", task.ID, task.Status, worker, task.Description)
	}
}
