package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	researcherrors "github.com/cklxx/deepresearch/internal/errors"
	"github.com/cklxx/deepresearch/internal/domain/research"
	"github.com/cklxx/deepresearch/internal/idgen"
	"github.com/cklxx/deepresearch/internal/render"
)

// StatusResult is returned by Status.
type StatusResult struct {
	TaskID                      string
	Status                      research.Status
	Progress                    int
	CurrentAction               string
	ElapsedMinutes              float64
	TokensIn                    int
	TokensOut                   int
	CostSoFar                   float64
	EstimatedCompletionMinutes  float64
	HasEstimatedCompletion      bool
}

// Status returns the current lifecycle snapshot of a task. Read-only;
// originates no provider calls.
func (e *Engine) Status(ctx context.Context, taskID string) (StatusResult, error) {
	tk, found, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return StatusResult{}, err
	}
	if !found {
		return StatusResult{}, researcherrors.New(researcherrors.KindNotFound, fmt.Sprintf("no task %s", taskID))
	}

	elapsed := time.Since(tk.CreatedAt).Minutes()
	result := StatusResult{
		TaskID:         taskID,
		Status:         tk.Status,
		Progress:       tk.Progress,
		CurrentAction:  tk.CurrentAction,
		ElapsedMinutes: elapsed,
		TokensIn:       tk.TokensIn,
		TokensOut:      tk.TokensOut,
		CostSoFar:      tk.CostUSD,
	}
	if !tk.Status.IsTerminal() && tk.Progress > 0 {
		remainingFraction := float64(100-tk.Progress) / float64(tk.Progress)
		result.EstimatedCompletionMinutes = elapsed * remainingFraction
		result.HasEstimatedCompletion = true
	}
	return result, nil
}

// GetResult is returned by Get.
type GetResult struct {
	TaskID   string
	Query    string
	Report   string
	Sources  []research.Source
	Metadata map[string]any
}

// Get returns the full report for a completed task. Fails with
// NotCompleted if the task has no Result available yet.
func (e *Engine) Get(ctx context.Context, taskID string, includeSources bool) (GetResult, error) {
	tk, found, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return GetResult{}, err
	}
	if !found {
		return GetResult{}, researcherrors.New(researcherrors.KindNotFound, fmt.Sprintf("no task %s", taskID))
	}

	result, found, err := e.store.GetResult(ctx, taskID)
	if err != nil {
		return GetResult{}, err
	}
	if !found {
		return GetResult{}, researcherrors.New(researcherrors.KindNotCompleted, fmt.Sprintf("task %s has no result yet (status=%s)", taskID, tk.Status))
	}

	out := GetResult{
		TaskID:   taskID,
		Query:    tk.Query,
		Report:   result.Report,
		Metadata: result.Metadata,
	}
	if includeSources {
		out.Sources = result.Sources
	}
	return out, nil
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	Status               research.Status
	PartialResultsSaved  bool
	ProgressAtCancellation int
	CostUSD              float64
}

// Cancel requests cooperative cancellation of the background unit for
// taskID. Fails with NotFound if no such task, AlreadyTerminal if the task
// is already in a terminal state.
func (e *Engine) Cancel(ctx context.Context, taskID string, savePartial bool) (CancelResult, error) {
	tk, found, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return CancelResult{}, err
	}
	if !found {
		return CancelResult{}, researcherrors.New(researcherrors.KindNotFound, fmt.Sprintf("no task %s", taskID))
	}
	if tk.Status.IsTerminal() {
		return CancelResult{}, researcherrors.New(researcherrors.KindAlreadyTerminal, fmt.Sprintf("task %s is already %s", taskID, tk.Status))
	}

	e.setSavePartial(taskID, savePartial)

	wasRunning := e.executor.Cancel(taskID)
	if !wasRunning {
		// No unit was ever started for this task (e.g. cancelled before
		// submission completed); perform the transition directly.
		e.handleCancellation(taskID)
	} else {
		// Give the cooperative unit a bounded window to observe
		// cancellation and persist the transition before we report back.
		e.awaitCancellation(taskID)
	}

	final, _, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return CancelResult{}, err
	}
	_, partialSaved, _ := e.store.GetResult(ctx, taskID)

	return CancelResult{
		Status:                 final.Status,
		PartialResultsSaved:    partialSaved,
		ProgressAtCancellation: final.Progress,
		CostUSD:                final.CostUSD,
	}, nil
}

func (e *Engine) awaitCancellation(taskID string) {
	deadline := time.Now().Add(e.pollInterval + 5*time.Second)
	for time.Now().Before(deadline) {
		tk, found, err := e.store.GetTask(context.Background(), taskID)
		if err == nil && found && tk.Status.IsTerminal() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Estimate proxies to CostEstimator; no state changes.
func (e *Engine) Estimate(query string) research.CostEstimate {
	return e.estimator.Estimate(query)
}

// SaveResult is returned by Save.
type SaveResult struct {
	FilePath         string
	Filename         string
	FileSizeKB       float64
	CreatedAt        time.Time
	SectionsIncluded []string
}

// Save renders a completed task's Result to markdown under outDir and
// writes it atomically (temp file + rename).
func (e *Engine) Save(ctx context.Context, taskID, outDir, prefix string, includeMetadata, includeSources bool) (SaveResult, error) {
	tk, found, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return SaveResult{}, err
	}
	if !found {
		return SaveResult{}, researcherrors.New(researcherrors.KindNotFound, fmt.Sprintf("no task %s", taskID))
	}

	result, found, err := e.store.GetResult(ctx, taskID)
	if err != nil {
		return SaveResult{}, err
	}
	if !found {
		return SaveResult{}, researcherrors.New(researcherrors.KindNotCompleted, fmt.Sprintf("task %s has no result available to save (status=%s)", taskID, tk.Status))
	}

	if prefix == "" {
		prefix = "research"
	}
	now := time.Now().UTC()
	dir := filepath.Join(outDir, now.Format("2006-01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SaveResult{}, researcherrors.Wrap(researcherrors.KindIO, err, "failed to create output directory")
	}

	if err := checkFreeSpace(dir, 10*1024*1024); err != nil {
		return SaveResult{}, err
	}

	filename := fmt.Sprintf("%s_%s_%s.md", prefix, idgen.ShortPrefix(taskID), now.Format("20060102_150405"))
	path := filepath.Join(dir, filename)

	renderer := render.New()
	markdown, err := renderer.Render(tk, result, render.Options{IncludeMetadata: includeMetadata, IncludeSources: includeSources})
	if err != nil {
		return SaveResult{}, researcherrors.Wrap(researcherrors.KindIO, err, "failed to render report")
	}

	if err := writeAtomic(path, []byte(markdown)); err != nil {
		return SaveResult{}, researcherrors.Wrap(researcherrors.KindIO, err, fmt.Sprintf("failed to write %s", path))
	}

	sections := []string{"report"}
	if includeSources {
		sections = append(sections, "sources")
	}
	if includeMetadata {
		sections = append(sections, "metadata")
	}

	return SaveResult{
		FilePath:         path,
		Filename:         filename,
		FileSizeKB:       float64(len(markdown)) / 1024,
		CreatedAt:        now,
		SectionsIncluded: sections,
	}, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func checkFreeSpace(dir string, minBytes uint64) error {
	available, err := freeBytes(dir)
	if err != nil {
		// Best-effort: if the platform doesn't support the check, proceed.
		return nil
	}
	if available < minBytes {
		return researcherrors.New(researcherrors.KindIO, fmt.Sprintf("insufficient free space under %s", dir))
	}
	return nil
}

// RecoverOnStartup re-attaches background units to every task left
// RUNNING_SYNC or RUNNING_ASYNC by a prior process. Tasks without a
// provider_handle crashed before submission and are marked FAILED.
func (e *Engine) RecoverOnStartup(ctx context.Context) error {
	incomplete, err := e.store.GetIncompleteTasks(ctx)
	if err != nil {
		return err
	}

	for _, it := range incomplete {
		if it.ProviderHandle == "" {
			e.finishFailed(it.TaskID, errInterruptedBeforeSubmission, false)
			continue
		}

		tk, found, err := e.store.GetTask(ctx, it.TaskID)
		if err != nil || !found {
			continue
		}
		if e.executor.IsRunning(it.TaskID) {
			continue
		}

		if err := e.executor.Start(context.Background(), it.TaskID, e.backgroundUnit(it.TaskID, it.ProviderHandle, tk.CreatedAt, tk.MaxWaitHours, tk.NotifyOnDone)); err != nil {
			e.logger.Error("failed to recover background unit for task %s: %v", it.TaskID, err)
		}
	}
	return nil
}
