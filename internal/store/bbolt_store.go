// Package store provides the durable StateStore backend: a single embedded
// go.etcd.io/bbolt file. bbolt is a single-writer/many-concurrent-reader
// mmap-backed B+tree — its copy-on-write transaction model gives exactly the
// "readers proceed while a writer holds the write lock" guarantee the spec
// asks for, without a separate WAL layer.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	researcherrors "github.com/cklxx/deepresearch/internal/errors"
	"github.com/cklxx/deepresearch/internal/domain/research"
	"github.com/cklxx/deepresearch/internal/logging"
	"github.com/cklxx/deepresearch/internal/metrics"
)

var (
	bucketTasks       = []byte("tasks")
	bucketResults     = []byte("results")
	bucketStatusIndex = []byte("status_index")
)

// RetrySchedule is the backoff schedule from spec §4.1: initial 100ms,
// factor 2, cap 2s, up to 3 attempts. MaxAttempts counts the retries after
// the first attempt, so 2 here gives 3 attempts in all.
var RetrySchedule = researcherrors.RetryConfig{
	MaxAttempts:  2,
	BaseDelay:    100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	JitterFactor: 0,
}

// Store is the bbolt-backed research.Store implementation.
type Store struct {
	db      *bolt.DB
	logger  logging.Logger
	metrics *metrics.Metrics
}

// Open opens (creating if absent) the database at path and ensures the
// schema's three buckets exist. m may be nil (no metrics recorded).
func Open(path string, logger logging.Logger, m *metrics.Metrics) (*Store, error) {
	logger = logging.OrNop(logger)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, researcherrors.Wrap(researcherrors.KindStorage, err, "failed to open state store")
	}
	s := &Store{db: db, logger: logger, metrics: m}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTasks, bucketResults, bucketStatusIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return researcherrors.Wrap(researcherrors.KindStorage, err, "failed to initialize schema")
	}
	return nil
}

// Close releases the database file handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return researcherrors.Wrap(researcherrors.KindStorage, err, "failed to close state store")
	}
	return nil
}

// withRetry runs fn, retrying transient lock/busy conditions per
// RetrySchedule. Structural errors (anything classified non-transient) are
// surfaced immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= RetrySchedule.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientBoltError(lastErr) {
			return classifyOrWrap(lastErr, fmt.Sprintf("%s failed", op))
		}
		if attempt == RetrySchedule.MaxAttempts {
			break
		}
		delay := backoffDelay(attempt)
		if s.metrics != nil {
			s.metrics.StoreRetries.Inc()
		}
		s.logger.Warn("store %s: transient contention (attempt %d/%d), retrying in %v", op, attempt+1, RetrySchedule.MaxAttempts+1, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return researcherrors.Wrap(researcherrors.KindStorage, ctx.Err(), fmt.Sprintf("%s cancelled during retry", op))
		}
	}
	return classifyOrWrap(lastErr, fmt.Sprintf("%s failed after retries", op))
}

// classifyOrWrap returns err unchanged if it is already a *Classified (e.g.
// a NotFound raised by fn's closure), preserving its Kind instead of
// flattening it into a generic Storage failure; otherwise it wraps err as
// KindStorage.
func classifyOrWrap(err error, message string) error {
	var c *researcherrors.Classified
	if errors.As(err, &c) {
		return c
	}
	return researcherrors.Wrap(researcherrors.KindStorage, err, message)
}

func backoffDelay(attempt int) time.Duration {
	delay := RetrySchedule.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	if delay > RetrySchedule.MaxDelay {
		delay = RetrySchedule.MaxDelay
	}
	return delay
}

// isTransientBoltError classifies bolt's lock-timeout and database-not-open
// conditions as transient; everything else (corruption, invalid bucket,
// etc.) is structural and propagates immediately.
func isTransientBoltError(err error) bool {
	return err == bolt.ErrTimeout || err == bolt.ErrDatabaseNotOpen
}

// SaveTask implements research.Store.
func (s *Store) SaveTask(ctx context.Context, task research.Task) error {
	return s.withRetry(ctx, "save_task", func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			tasks := tx.Bucket(bucketTasks)
			var existing research.Task
			if raw := tasks.Get([]byte(task.TaskID)); raw != nil {
				if err := json.Unmarshal(raw, &existing); err != nil {
					return err
				}
				if research.Downgrades(existing.Status, task.Status) {
					return fmt.Errorf("refusing to downgrade task %s from %s to %s", task.TaskID, existing.Status, task.Status)
				}
			}
			task.UpdatedAt = time.Now().UTC()
			raw, err := json.Marshal(task)
			if err != nil {
				return err
			}
			if err := tasks.Put([]byte(task.TaskID), raw); err != nil {
				return err
			}
			return reindexStatus(tx, task.TaskID, existing.Status, task.Status)
		})
	})
}

func reindexStatus(tx *bolt.Tx, taskID string, oldStatus, newStatus research.Status) error {
	idx := tx.Bucket(bucketStatusIndex)
	if oldStatus != "" && oldStatus != newStatus {
		if oldBucket := idx.Bucket([]byte(oldStatus)); oldBucket != nil {
			if err := oldBucket.Delete([]byte(taskID)); err != nil {
				return err
			}
		}
	}
	newBucket, err := idx.CreateBucketIfNotExists([]byte(newStatus))
	if err != nil {
		return err
	}
	return newBucket.Put([]byte(taskID), []byte{1})
}

// GetTask implements research.Store.
func (s *Store) GetTask(ctx context.Context, taskID string) (research.Task, bool, error) {
	var task research.Task
	found := false
	err := s.withRetry(ctx, "get_task", func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			raw := tx.Bucket(bucketTasks).Get([]byte(taskID))
			if raw == nil {
				return nil
			}
			found = true
			return json.Unmarshal(raw, &task)
		})
	})
	if err != nil {
		return research.Task{}, false, err
	}
	return task, found, nil
}

// UpdateTask implements research.Store.
func (s *Store) UpdateTask(ctx context.Context, taskID string, apply func(*research.Task)) error {
	return s.withRetry(ctx, "update_task", func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			tasks := tx.Bucket(bucketTasks)
			raw := tasks.Get([]byte(taskID))
			if raw == nil {
				return notFoundErr(taskID)
			}
			var task research.Task
			if err := json.Unmarshal(raw, &task); err != nil {
				return err
			}
			before := task
			if before.Status.IsTerminal() {
				// Terminal tasks are immutable except for error_message
				// bookkeeping (§3 invariant); apply to a scratch copy and
				// only keep the error_message change.
				scratch := task
				apply(&scratch)
				task.ErrorMessage = scratch.ErrorMessage
			} else {
				apply(&task)
				if research.Downgrades(before.Status, task.Status) {
					return fmt.Errorf("refusing to downgrade task %s from %s to %s", taskID, before.Status, task.Status)
				}
			}
			task.UpdatedAt = time.Now().UTC()
			updated, err := json.Marshal(task)
			if err != nil {
				return err
			}
			if err := tasks.Put([]byte(taskID), updated); err != nil {
				return err
			}
			return reindexStatus(tx, taskID, before.Status, task.Status)
		})
	})
}

func notFoundErr(taskID string) error {
	return researcherrors.New(researcherrors.KindNotFound, fmt.Sprintf("no task %s", taskID))
}

// GetIncompleteTasks implements research.Store.
func (s *Store) GetIncompleteTasks(ctx context.Context) ([]research.IncompleteTask, error) {
	var out []research.IncompleteTask
	err := s.withRetry(ctx, "get_incomplete_tasks", func() error {
		out = nil
		return s.db.View(func(tx *bolt.Tx) error {
			idx := tx.Bucket(bucketStatusIndex)
			tasks := tx.Bucket(bucketTasks)
			for _, status := range []research.Status{research.StatusRunningSync, research.StatusRunningAsync} {
				bucket := idx.Bucket([]byte(status))
				if bucket == nil {
					continue
				}
				if err := bucket.ForEach(func(k, _ []byte) error {
					raw := tasks.Get(k)
					if raw == nil {
						return nil
					}
					var task research.Task
					if err := json.Unmarshal(raw, &task); err != nil {
						return err
					}
					out = append(out, research.IncompleteTask{TaskID: task.TaskID, ProviderHandle: task.ProviderHandle})
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return out, err
}

// SaveResult implements research.Store.
func (s *Store) SaveResult(ctx context.Context, result research.Result) error {
	return s.withRetry(ctx, "save_result", func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			if tx.Bucket(bucketTasks).Get([]byte(result.TaskID)) == nil {
				return notFoundErr(result.TaskID)
			}
			raw, err := json.Marshal(result)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketResults).Put([]byte(result.TaskID), raw)
		})
	})
}

// GetResult implements research.Store.
func (s *Store) GetResult(ctx context.Context, taskID string) (research.Result, bool, error) {
	var result research.Result
	found := false
	err := s.withRetry(ctx, "get_result", func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			raw := tx.Bucket(bucketResults).Get([]byte(taskID))
			if raw == nil {
				return nil
			}
			found = true
			return json.Unmarshal(raw, &result)
		})
	})
	if err != nil {
		return research.Result{}, false, err
	}
	return result, found, nil
}

var _ research.Store = (*Store)(nil)
