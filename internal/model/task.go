// Package model defines the data structures for Foreman's task store,
// dispatch rules, worker registry, and execution records.
package model

// TaskFile is the on-disk shape of the task store.
type TaskFile struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	RunID         string `yaml:"run_id,omitempty"`
	Tasks         []Task `yaml:"tasks"`
}

const (
	TaskFileSchemaVersion = 1
	TaskFileType          = "task_store"
)

// Task is one unit of work. IDs are hierarchical ("1.2") and never change
// after creation; records are never deleted, only marked cancelled.
type Task struct {
	ID             string  `yaml:"id"`
	Description    string  `yaml:"description"`
	Status         Status  `yaml:"status"`
	AssignedWorker *string `yaml:"assigned_worker"`
	ParentID       *string `yaml:"parent_id,omitempty"`
	LastError      *string `yaml:"last_error"`
	CreatedAt      string  `yaml:"created_at"`
	UpdatedAt      string  `yaml:"updated_at"`
}
