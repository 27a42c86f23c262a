// Package engine implements ResearchEngine: the lifecycle state machine and
// sole writer of non-initial StateStore mutations. It coordinates
// StateStore, BackgroundExecutor, ProviderClient, and Notifier to provide
// the hybrid sync/async task lifecycle, startup recovery, progress
// tracking, and cancellation.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	researcherrors "github.com/cklxx/deepresearch/internal/errors"
	"github.com/cklxx/deepresearch/internal/domain/research"
	"github.com/cklxx/deepresearch/internal/estimator"
	"github.com/cklxx/deepresearch/internal/executor"
	"github.com/cklxx/deepresearch/internal/idgen"
	"github.com/cklxx/deepresearch/internal/logging"
	"github.com/cklxx/deepresearch/internal/metrics"
	"github.com/cklxx/deepresearch/internal/notification"
	"github.com/cklxx/deepresearch/internal/provider"
)

const (
	minQueryLen     = 3
	maxQueryLen     = 10_000
	minMaxWaitHours = 1
	maxMaxWaitHours = 24

	pollTickInterval = 250 * time.Millisecond

	errInterruptedBeforeSubmission = "interrupted before submission"
	errSessionExpired              = "the remote research session was discarded by the provider"
)

// Config configures Engine construction. Store, Provider, Executor, and
// Notifier are required collaborators; the rest have defaults.
type Config struct {
	Store        research.Store
	Provider     provider.Client
	Executor     *executor.Executor
	Notifier     *notification.Notifier
	Estimator    *estimator.Estimator
	Metrics      *metrics.Metrics
	Logger       logging.Logger
	SyncBudget   time.Duration
	PollInterval time.Duration
	DefaultModel string
}

// Engine is the orchestration core.
type Engine struct {
	store        research.Store
	provider     provider.Client
	executor     *executor.Executor
	notifier     *notification.Notifier
	estimator    *estimator.Estimator
	metrics      *metrics.Metrics
	logger       logging.Logger
	syncBudget   time.Duration
	pollInterval time.Duration
	defaultModel string

	mu           sync.Mutex
	savePartial  map[string]bool
	lastSources  map[string][]research.Source
}

// New builds an Engine from cfg, applying defaults for SyncBudget (30s),
// PollInterval (10s), and DefaultModel ("deep-research-default").
func New(cfg Config) *Engine {
	syncBudget := cfg.SyncBudget
	if syncBudget <= 0 {
		syncBudget = 30 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "deep-research-default"
	}
	est := cfg.Estimator
	if est == nil {
		est = estimator.New(syncBudget.Seconds())
	}

	return &Engine{
		store:        cfg.Store,
		provider:     cfg.Provider,
		executor:     cfg.Executor,
		notifier:     cfg.Notifier,
		estimator:    est,
		metrics:      cfg.Metrics,
		logger:       logging.OrNop(cfg.Logger),
		syncBudget:   syncBudget,
		pollInterval: pollInterval,
		defaultModel: defaultModel,
		savePartial:  make(map[string]bool),
		lastSources:  make(map[string][]research.Source),
	}
}

// StartParams are the validated inputs to Start.
type StartParams struct {
	Query        string
	NotifyOnDone bool
	MaxWaitHours int
	Model        string
}

// StartResult is returned by Start on both the sync and async paths.
type StartResult struct {
	Mode     string // "sync" | "async"
	Status   research.Status
	TaskID   string
	Report   string
	Sources  []research.Source
	Metadata map[string]any
}

// ValidateStartParams applies the bounds from the data model, returning a
// Classified InvalidInput error naming the offending field.
func ValidateStartParams(p StartParams) error {
	if n := len(p.Query); n < minQueryLen || n > maxQueryLen {
		return researcherrors.New(researcherrors.KindInvalidInput, fmt.Sprintf("query must be %d..%d characters, got %d", minQueryLen, maxQueryLen, n))
	}
	if p.MaxWaitHours < minMaxWaitHours || p.MaxWaitHours > maxMaxWaitHours {
		return researcherrors.New(researcherrors.KindInvalidInput, fmt.Sprintf("max_wait_hours must be %d..%d, got %d", minMaxWaitHours, maxMaxWaitHours, p.MaxWaitHours))
	}
	return nil
}

// Start creates a Task, submits it to the provider, and races a short
// synchronous wait against sync_budget. On a sync win it returns the
// finished result; on timeout it hands the caller a durable handle and
// leaves a background unit polling to completion.
func (e *Engine) Start(ctx context.Context, p StartParams) (StartResult, error) {
	if err := ValidateStartParams(p); err != nil {
		return StartResult{}, err
	}
	model := p.Model
	if model == "" {
		model = e.defaultModel
	}

	taskID := idgen.NewTaskID()
	now := time.Now().UTC()
	task := research.Task{
		TaskID:       taskID,
		Query:        p.Query,
		Model:        model,
		Status:       research.StatusPending,
		NotifyOnDone: p.NotifyOnDone,
		MaxWaitHours: p.MaxWaitHours,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		return StartResult{}, err
	}

	submitResult, err := e.provider.Submit(ctx, p.Query, model)
	if err != nil {
		_ = e.store.UpdateTask(ctx, taskID, func(tk *research.Task) {
			tk.Status = research.StatusFailed
			tk.ErrorMessage = err.Error()
			tk.CompletedAt = time.Now().UTC()
		})
		return StartResult{}, researcherrors.Wrap(researcherrors.KindProviderUnavailable, err, "failed to submit research request")
	}

	if err := e.store.UpdateTask(ctx, taskID, func(tk *research.Task) {
		tk.ProviderHandle = submitResult.Handle
		tk.Status = research.StatusRunningSync
	}); err != nil {
		return StartResult{}, err
	}

	if e.metrics != nil {
		e.metrics.TasksStarted.WithLabelValues("sync").Inc()
	}

	if err := e.executor.Start(context.Background(), taskID, e.backgroundUnit(taskID, submitResult.Handle, now, p.MaxWaitHours, p.NotifyOnDone)); err != nil {
		return StartResult{}, err
	}

	e.awaitSyncBudget(ctx, taskID)

	final, found, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return StartResult{}, err
	}
	if found && final.Status == research.StatusCompleted {
		result, _, err := e.store.GetResult(ctx, taskID)
		if err != nil {
			return StartResult{}, err
		}
		return StartResult{
			Mode:     "sync",
			Status:   research.StatusCompleted,
			TaskID:   taskID,
			Report:   result.Report,
			Sources:  result.Sources,
			Metadata: result.Metadata,
		}, nil
	}

	// Sync budget elapsed without completion: advance to RUNNING_ASYNC.
	// A no-op if the unit already moved the task past this point (terminal
	// immutability) or already advanced it here (lateral move, allowed).
	_ = e.store.UpdateTask(ctx, taskID, func(tk *research.Task) {
		tk.Status = research.StatusRunningAsync
	})
	if e.metrics != nil {
		e.metrics.TasksStarted.WithLabelValues("async").Inc()
	}
	return StartResult{Mode: "async", Status: research.StatusRunningAsync, TaskID: taskID}, nil
}

// awaitSyncBudget polls the store for terminal status until sync_budget
// elapses or ctx is cancelled, whichever comes first.
func (e *Engine) awaitSyncBudget(ctx context.Context, taskID string) {
	budgetCtx, cancel := context.WithTimeout(ctx, e.syncBudget)
	defer cancel()

	ticker := time.NewTicker(pollTickInterval)
	defer ticker.Stop()

	for {
		tk, found, err := e.store.GetTask(ctx, taskID)
		if err == nil && found && tk.Status.IsTerminal() {
			return
		}
		select {
		case <-budgetCtx.Done():
			return
		case <-ticker.C:
		}
	}
}
