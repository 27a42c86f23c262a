package research

import "context"

// Store is the durable persistence port for Task and Result records.
// Implementations must be concurrent-safe and must never downgrade a
// task's status (see Downgrades). See internal/store for the bbolt-backed
// adapter.
type Store interface {
	// SaveTask inserts or replaces a Task by TaskID, advancing UpdatedAt.
	// Implementations must reject a save that would downgrade Status.
	SaveTask(ctx context.Context, task Task) error

	// GetTask retrieves a Task by id. Returns (Task{}, false, nil) when
	// absent, never an error for a simple miss.
	GetTask(ctx context.Context, taskID string) (Task, bool, error)

	// UpdateTask atomically applies fields to an existing Task. Returns
	// errors.KindNotFound if absent. No-ops (except for error_message
	// bookkeeping) when the stored task is already terminal.
	UpdateTask(ctx context.Context, taskID string, apply func(*Task)) error

	// GetIncompleteTasks returns (task_id, provider_handle) pairs for every
	// task whose status is RUNNING_SYNC or RUNNING_ASYNC at call time. Used
	// only by startup recovery.
	GetIncompleteTasks(ctx context.Context) ([]IncompleteTask, error)

	// SaveResult inserts a Result. Fails with errors.KindNotFound if no
	// Task row exists for result.TaskID.
	SaveResult(ctx context.Context, result Result) error

	// GetResult retrieves a Result by task id.
	GetResult(ctx context.Context, taskID string) (Result, bool, error)

	// Close releases underlying resources (the database file handle).
	Close() error
}

// IncompleteTask is the minimal projection GetIncompleteTasks returns.
type IncompleteTask struct {
	TaskID         string
	ProviderHandle string
}
