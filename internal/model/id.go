package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

var (
	runIDRegex  = regexp.MustCompile(`^r-[0-9]{8}-[0-9]{4}-[0-9a-f]{4}$`)
	execIDRegex = regexp.MustCompile(`^exec-r-[0-9]{8}-[0-9]{4}-[0-9a-f]{4}-.+-[0-9]{4}$`)
)

// GenerateRunID creates a run identifier for one orchestration session.
// The timestamp prefix keeps lexical order aligned with creation order;
// the random suffix disambiguates sessions started in the same minute.
func GenerateRunID() (string, error) {
	now := time.Now().UTC()
	randomBytes := make([]byte, 2)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generate run id entropy: %w", err)
	}
	return fmt.Sprintf("r-%s-%s", now.Format("20060102-1504"), hex.EncodeToString(randomBytes)), nil
}

// ExecutionID builds the identifier for one (task, attempt) pair. It embeds
// the run id, the task id, and a per-run sequence number.
func ExecutionID(runID, taskID string, seq int) string {
	return fmt.Sprintf("exec-%s-%s-%04d", runID, taskID, seq)
}

func ValidRunID(id string) bool {
	return runIDRegex.MatchString(id)
}

func ValidExecutionID(id string) bool {
	return execIDRegex.MatchString(id)
}
