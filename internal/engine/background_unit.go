package engine

import (
	"context"
	"time"

	"github.com/cklxx/deepresearch/internal/domain/research"
	"github.com/cklxx/deepresearch/internal/executor"
	"github.com/cklxx/deepresearch/internal/provider"
)

// backgroundUnit returns the per-task polling loop registered with the
// Executor. It is the sole driver of a task's progress and terminal
// transition once submitted.
func (e *Engine) backgroundUnit(taskID, providerHandle string, createdAt time.Time, maxWaitHours int, notifyOnDone bool) executor.Unit {
	return func(ctx context.Context) {
		if e.metrics != nil {
			e.metrics.BackgroundUnits.Inc()
			defer e.metrics.BackgroundUnits.Dec()
		}
		first := true
		for {
			if !first {
				select {
				case <-time.After(e.pollInterval):
				case <-ctx.Done():
					e.handleCancellation(taskID)
					return
				}
			}
			first = false

			select {
			case <-ctx.Done():
				e.handleCancellation(taskID)
				return
			default:
			}

			if time.Since(createdAt) > time.Duration(maxWaitHours)*time.Hour {
				e.finishFailed(taskID, "research task exceeded max_wait_hours", notifyOnDone)
				return
			}

			started := time.Now()
			result, err := e.provider.Poll(ctx, providerHandle)
			if e.metrics != nil {
				e.metrics.PollDuration.Observe(time.Since(started).Seconds())
			}
			if err != nil {
				e.logger.Warn("poll failed for task %s: %v, will retry", taskID, err)
				continue
			}

			switch result.State {
			case provider.StateRunning:
				e.applyProgress(taskID, result)
			case provider.StateCompleted:
				e.finishCompleted(taskID, createdAt, result, notifyOnDone)
				return
			case provider.StateFailed:
				msg := result.ErrorMessage
				if msg == "" {
					msg = "the research provider reported a failure"
				}
				e.finishFailed(taskID, msg, notifyOnDone)
				return
			case provider.StateExpired:
				e.finishFailed(taskID, errSessionExpired, notifyOnDone)
				return
			}
		}
	}
}

// applyProgress persists the monotonic progress/action/token/cost fields
// reported by a running poll. Status is never advanced here. Sources
// observed mid-run aren't part of the Task row, so they're cached
// in-memory for handleCancellation to fold into a partial Result if the
// task is cancelled before reaching a provider-reported terminal state.
func (e *Engine) applyProgress(taskID string, result provider.PollResult) {
	_ = e.store.UpdateTask(context.Background(), taskID, func(tk *research.Task) {
		if result.Progress > tk.Progress {
			tk.Progress = result.Progress
		}
		if result.CurrentAction != "" {
			tk.CurrentAction = result.CurrentAction
		}
		tk.TokensIn = result.TokensIn
		tk.TokensOut = result.TokensOut
		tk.CostUSD = estimateCostUSD(result.TokensIn, result.TokensOut)
	})
	if len(result.Sources) > 0 {
		e.setLastSources(taskID, convertSources(result.Sources))
	}
}

// convertSources maps provider-shaped sources onto the domain Source type.
func convertSources(sources []provider.Source) []research.Source {
	out := make([]research.Source, 0, len(sources))
	for _, s := range sources {
		out = append(out, research.Source{
			Title:          s.Title,
			URL:            s.URL,
			Snippet:        s.Snippet,
			RelevanceScore: s.RelevanceScore,
		})
	}
	return out
}

// estimateCostUSD applies a fixed per-million-token rate, matching the
// TokenUsage cost-derivation rule from the data model.
func estimateCostUSD(tokensIn, tokensOut int) float64 {
	const inputPerMillion = 3.00
	const outputPerMillion = 15.00
	return float64(tokensIn)/1_000_000*inputPerMillion + float64(tokensOut)/1_000_000*outputPerMillion
}

// finishCompleted persists the Result and advances the Task to COMPLETED.
func (e *Engine) finishCompleted(taskID string, createdAt time.Time, result provider.PollResult, notifyOnDone bool) {
	ctx := context.Background()
	now := time.Now().UTC()

	tk, _, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Error("failed to read task %s before completing: %v", taskID, err)
		return
	}

	sources := convertSources(result.Sources)

	mode := "sync"
	if tk.Status == research.StatusRunningAsync {
		mode = "async"
	}

	if err := e.store.SaveResult(ctx, research.Result{
		TaskID:  taskID,
		Report:  result.Report,
		Sources: sources,
		Metadata: map[string]any{
			"duration_minutes": now.Sub(createdAt).Minutes(),
			"cost_usd":         estimateCostUSD(result.TokensIn, result.TokensOut),
			"mode":             mode,
			"model":            tk.Model,
			"started_at":       createdAt.Format(time.RFC3339),
			"completed_at":     now.Format(time.RFC3339),
		},
		CreatedAt: now,
	}); err != nil {
		e.logger.Error("failed to save result for task %s: %v", taskID, err)
		return
	}

	_ = e.store.UpdateTask(ctx, taskID, func(t *research.Task) {
		t.Status = research.StatusCompleted
		t.Progress = 100
		t.TokensIn = result.TokensIn
		t.TokensOut = result.TokensOut
		t.CostUSD = estimateCostUSD(result.TokensIn, result.TokensOut)
		t.CompletedAt = now
	})
	e.clearLastSources(taskID)

	if e.metrics != nil {
		e.metrics.TasksCompleted.WithLabelValues(string(research.StatusCompleted)).Inc()
	}
	if notifyOnDone {
		e.notify("Research complete", "Your research task has finished.")
	}
}

// finishFailed advances the Task to FAILED with message.
func (e *Engine) finishFailed(taskID, message string, notifyOnDone bool) {
	ctx := context.Background()
	_ = e.store.UpdateTask(ctx, taskID, func(tk *research.Task) {
		tk.Status = research.StatusFailed
		tk.ErrorMessage = message
		tk.CompletedAt = time.Now().UTC()
	})
	e.clearLastSources(taskID)
	if e.metrics != nil {
		e.metrics.TasksCompleted.WithLabelValues(string(research.StatusFailed)).Inc()
	}
	if notifyOnDone {
		e.notify("Research failed", message)
	}
}

// handleCancellation performs the CANCELLED transition, optionally saving a
// partial Result, when the unit observes ctx cancellation.
func (e *Engine) handleCancellation(taskID string) {
	ctx := context.Background()
	savePartial := e.consumeSavePartial(taskID)
	sources := e.clearLastSources(taskID)

	tk, found, err := e.store.GetTask(ctx, taskID)
	if err != nil || !found {
		return
	}
	if tk.Status.IsTerminal() {
		return
	}

	partialSaved := false
	if savePartial {
		if err := e.store.SaveResult(ctx, research.Result{
			TaskID:  taskID,
			Report:  "",
			Sources: sources,
			Metadata: map[string]any{
				"mode":             "cancelled",
				"progress":         tk.Progress,
				"duration_minutes": time.Since(tk.CreatedAt).Minutes(),
				"cost_usd":         tk.CostUSD,
			},
			CreatedAt: time.Now().UTC(),
		}); err == nil {
			partialSaved = true
		} else {
			e.logger.Warn("failed to save partial result for task %s: %v", taskID, err)
		}
	}

	_ = e.store.UpdateTask(ctx, taskID, func(t *research.Task) {
		t.Status = research.StatusCancelled
		t.CompletedAt = time.Now().UTC()
		if partialSaved {
			t.CurrentAction = "cancelled (partial result saved)"
		} else {
			t.CurrentAction = "cancelled"
		}
	})
}

func (e *Engine) notify(title, body string) {
	if e.notifier == nil {
		return
	}
	ok := e.notifier.Notify(context.Background(), title, body)
	if e.metrics == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "delivered"
	}
	e.metrics.NotificationsSent.WithLabelValues(outcome).Inc()
}

func (e *Engine) setSavePartial(taskID string, savePartial bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.savePartial[taskID] = savePartial
}

func (e *Engine) consumeSavePartial(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.savePartial[taskID]
	delete(e.savePartial, taskID)
	return v
}

// setLastSources records the most recent source list a running poll
// reported, so a later cancellation can carry it into a partial Result.
func (e *Engine) setLastSources(taskID string, sources []research.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSources[taskID] = sources
}

// clearLastSources returns and forgets any cached source list for taskID.
// Called on every terminal transition so the map doesn't grow unbounded
// across a long-running process.
func (e *Engine) clearLastSources(taskID string) []research.Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.lastSources[taskID]
	delete(e.lastSources, taskID)
	return v
}
