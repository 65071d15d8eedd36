package model

import "time"

// Metrics is a derived summary of one run's executions. It is recomputed
// from the execution history on every call, never incrementally maintained.
type Metrics struct {
	RunID           string                   `json:"run_id"`
	GeneratedAt     time.Time                `json:"generated_at"`
	WindowStart     time.Time                `json:"window_start"`
	OpenExecutions  int                      `json:"open_executions"`
	OutcomeCounts   map[Outcome]int          `json:"outcome_counts"`
	MeanDuration    time.Duration            `json:"mean_duration_ns"`
	P50Duration     time.Duration            `json:"p50_duration_ns"`
	P95Duration     time.Duration            `json:"p95_duration_ns"`
	AbandonmentRate float64                  `json:"abandonment_rate"`
	Workers         map[string]WorkerMetrics `json:"workers"`
	RecentFailures  []string                 `json:"recent_failures,omitempty"`
}

// WorkerMetrics aggregates per-worker execution outcomes.
type WorkerMetrics struct {
	Total        int           `json:"total"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Abandoned    int           `json:"abandoned"`
	SuccessRate  float64       `json:"success_rate"`
	MeanDuration time.Duration `json:"mean_duration_ns"`
}
