// Package idgen generates the identifiers the orchestrator hands out to
// callers. task_id is specified as a version-4 UUID, transported verbatim.
package idgen

import "github.com/google/uuid"

// NewTaskID returns a fresh version-4 UUID string.
func NewTaskID() string {
	return uuid.New().String()
}

// ShortPrefix returns the first 8 characters of a task id, used when
// building markdown export filenames (<prefix>_<task_id_first8>_<ts>.md).
func ShortPrefix(taskID string) string {
	if len(taskID) <= 8 {
		return taskID
	}
	return taskID[:8]
}
