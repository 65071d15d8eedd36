// Package events provides the append-only audit log and the in-process
// event bus. The log is write-once: entries are never edited or reordered,
// so the stream can be replayed to reconstruct execution history
// independently of the task store.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// Default maximum log file size before rotation (100MB)
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".ndjson"
	ArchiveDir        = "archive"
)

// Event type names follow the dotted lifecycle convention.
const (
	TypeAuditRecorded      = "audit.recorded"
	TypeTaskScheduled      = "task.scheduled"
	TypeTaskStarted        = "task.started"
	TypeTaskCompleted      = "task.completed"
	TypeTaskFailed         = "task.failed"
	TypeExecutionStarted   = "task.execution.started"
	TypeExecutionProgress  = "task.execution.progress"
	TypeExecutionCompleted = "task.execution.completed"
	TypeExecutionAbandoned = "task.execution.abandoned"
	TypeWorkerSelfReport   = "worker.self_report"
	TypeLockAcquired       = "lock.acquired"
	TypeLockReleased       = "lock.released"
	TypeLockStolen         = "lock.stolen"
)

// LogEntry is one self-contained audit record. One entry per line.
type LogEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	RunID       string         `json:"run_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Checksum    string         `json:"checksum,omitempty"`
}

// AuditLogger appends NDJSON entries with size-based rotation. Each write
// is one complete record under the mutex, so concurrent writers never
// interleave partial records.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	runID           string
	enableChecksum  bool
	rotationCounter int
}

// NewAuditLogger opens (or creates) the log file at logPath. Entries are
// stamped with runID.
func NewAuditLogger(logPath, runID string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &AuditLogger{
		logPath: logPath,
		runID:   runID,
		maxSize: maxSize,
	}

	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	if err := logger.openLogFile(); err != nil {
		return nil, err
	}
	return logger, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

func (l *AuditLogger) RunID() string {
	return l.runID
}

// RecordEvent is the fire-and-forget sink interface: write failures are
// swallowed so audit logging never aborts the caller's operation.
func (l *AuditLogger) RecordEvent(eventType string, details map[string]any) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		RunID:     l.runID,
		Details:   details,
	}

	// Hoist well-known fields out of the details map.
	if taskID, ok := details["task_id"].(string); ok {
		entry.TaskID = taskID
	}
	if workerID, ok := details["worker_id"].(string); ok {
		entry.WorkerID = workerID
	}
	if executionID, ok := details["execution_id"].(string); ok {
		entry.ExecutionID = executionID
	}
	if status, ok := details["status"].(string); ok {
		entry.Status = status
	}

	_ = l.WriteEntry(&entry)
}

// Record writes a free-form audit note not tied to a lifecycle event.
// Like RecordEvent, failures are swallowed.
func (l *AuditLogger) Record(message string, details map[string]any) {
	data := map[string]any{"message": message}
	for k, v := range details {
		data[k] = v
	}
	l.RecordEvent(TypeAuditRecorded, data)
}

// WriteEntry appends a structured entry to the log.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.RunID == "" {
		entry.RunID = l.runID
	}
	if l.enableChecksum {
		entry.Checksum = calculateChecksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

// rotate archives the current log and starts a fresh one.
func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	l.rotationCounter++
	baseName := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(LogFileExtension)],
		timestamp,
		l.rotationCounter,
		LogFileExtension)
	archivePath := filepath.Join(archiveDir, archiveName)

	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}

	return l.openLogFile()
}

func calculateChecksum(entry *LogEntry) string {
	entryCopy := *entry
	entryCopy.Checksum = ""

	data, err := json.Marshal(entryCopy)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", djb2Hash(data))
}

func djb2Hash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// EnableChecksum turns on per-entry integrity checksums.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// ReadEntries parses all entries from a log file, skipping malformed
// lines. External analytics tooling reads the same stream.
func ReadEntries(logPath string) ([]LogEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	var entries []LogEntry
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// VerifyLogIntegrity checks entry checksums in a log file, returning
// (total, valid) entry counts. Entries without checksums count as valid.
func VerifyLogIntegrity(logPath string) (int, int, error) {
	entries, err := ReadEntries(logPath)
	if err != nil {
		return 0, 0, err
	}

	total := 0
	valid := 0
	for _, entry := range entries {
		total++
		if entry.Checksum == "" {
			valid++
			continue
		}
		expected := entry.Checksum
		entry.Checksum = ""
		if calculateChecksum(&entry) == expected {
			valid++
		}
	}
	return total, valid, nil
}

// Close flushes and closes the log file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

func (l *AuditLogger) CurrentLogPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logPath
}

func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
