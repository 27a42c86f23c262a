// Package toolsurface implements the six argument-map/result-map tool
// handlers fronting the ResearchEngine: start, status, get, cancel,
// estimate, save. It validates and shapes arguments, maps Engine errors
// onto the uniform {success, error, message, hint?} envelope, and never
// contains lifecycle logic of its own. The tool-calling transport and
// schema advertisement are left to whatever process embeds this package.
package toolsurface

import (
	"context"

	researcherrors "github.com/cklxx/deepresearch/internal/errors"
	"github.com/cklxx/deepresearch/internal/engine"
)

// Envelope is the uniform response shape for every handler.
type Envelope struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
	Hint    string         `json:"hint,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// ToMap flattens an Envelope into the map[string]any shape handlers return.
func (e Envelope) ToMap() map[string]any {
	out := map[string]any{"success": e.Success}
	if e.Error != "" {
		out["error"] = e.Error
	}
	if e.Message != "" {
		out["message"] = e.Message
	}
	if e.Hint != "" {
		out["hint"] = e.Hint
	}
	for k, v := range e.Result {
		out[k] = v
	}
	return out
}

func errorEnvelope(err error) map[string]any {
	kind := researcherrors.KindOf(err)
	message := err.Error()
	hint := ""
	if c, ok := err.(*researcherrors.Classified); ok {
		hint = c.Hint
	}
	return Envelope{Success: false, Error: string(kind), Message: message, Hint: hint}.ToMap()
}

func okEnvelope(result map[string]any) map[string]any {
	return Envelope{Success: true, Result: result}.ToMap()
}

// Surface wraps an Engine with the six tool handlers.
type Surface struct {
	engine *engine.Engine
}

// New builds a Surface over eng.
func New(eng *engine.Engine) *Surface {
	return &Surface{engine: eng}
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func boolArg(args map[string]any, key string, def bool) bool {
	v, ok := args[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// Start implements the `start` tool: submit a research query and either
// return a synchronously completed result or a durable task handle.
func (s *Surface) Start(ctx context.Context, args map[string]any, defaultMaxWaitHours int) map[string]any {
	query, ok := stringArg(args, "query")
	if !ok || query == "" {
		return errorEnvelope(researcherrors.New(researcherrors.KindInvalidInput, "query is required"))
	}

	params := engine.StartParams{
		Query:        query,
		NotifyOnDone: boolArg(args, "notify_on_done", true),
		MaxWaitHours: intArg(args, "max_wait_hours", defaultMaxWaitHours),
	}
	if model, ok := stringArg(args, "model"); ok {
		params.Model = model
	}

	result, err := s.engine.Start(ctx, params)
	if err != nil {
		return errorEnvelope(err)
	}

	out := map[string]any{
		"mode":    result.Mode,
		"status":  string(result.Status),
		"task_id": result.TaskID,
	}
	if result.Mode == "sync" {
		out["results"] = map[string]any{
			"report":   result.Report,
			"sources":  result.Sources,
			"metadata": result.Metadata,
		}
	}
	return okEnvelope(out)
}

// Status implements the `status` tool.
func (s *Surface) Status(ctx context.Context, args map[string]any) map[string]any {
	taskID, ok := stringArg(args, "task_id")
	if !ok || taskID == "" {
		return errorEnvelope(researcherrors.New(researcherrors.KindInvalidInput, "task_id is required"))
	}

	result, err := s.engine.Status(ctx, taskID)
	if err != nil {
		return errorEnvelope(err)
	}

	out := map[string]any{
		"task_id":         result.TaskID,
		"status":          string(result.Status),
		"progress":        result.Progress,
		"current_action":  result.CurrentAction,
		"elapsed_minutes": result.ElapsedMinutes,
		"tokens": map[string]any{
			"input":  result.TokensIn,
			"output": result.TokensOut,
		},
		"cost_so_far": result.CostSoFar,
	}
	if result.HasEstimatedCompletion {
		out["estimated_completion_minutes"] = result.EstimatedCompletionMinutes
	}
	return okEnvelope(out)
}

// Get implements the `get` tool.
func (s *Surface) Get(ctx context.Context, args map[string]any) map[string]any {
	taskID, ok := stringArg(args, "task_id")
	if !ok || taskID == "" {
		return errorEnvelope(researcherrors.New(researcherrors.KindInvalidInput, "task_id is required"))
	}
	includeSources := boolArg(args, "include_sources", true)

	result, err := s.engine.Get(ctx, taskID, includeSources)
	if err != nil {
		return errorEnvelope(err)
	}

	out := map[string]any{
		"task_id":  result.TaskID,
		"query":    result.Query,
		"report":   result.Report,
		"metadata": result.Metadata,
	}
	if includeSources {
		out["sources"] = result.Sources
	}
	return okEnvelope(out)
}

// Cancel implements the `cancel` tool.
func (s *Surface) Cancel(ctx context.Context, args map[string]any) map[string]any {
	taskID, ok := stringArg(args, "task_id")
	if !ok || taskID == "" {
		return errorEnvelope(researcherrors.New(researcherrors.KindInvalidInput, "task_id is required"))
	}
	savePartial := boolArg(args, "save_partial", true)

	result, err := s.engine.Cancel(ctx, taskID, savePartial)
	if err != nil {
		return errorEnvelope(err)
	}

	return okEnvelope(map[string]any{
		"status":                   string(result.Status),
		"partial_results_saved":    result.PartialResultsSaved,
		"progress_at_cancellation": result.ProgressAtCancellation,
		"cost_usd":                 result.CostUSD,
	})
}

// Estimate implements the `estimate` tool. Consumes no provider tokens.
func (s *Surface) Estimate(args map[string]any) map[string]any {
	query, ok := stringArg(args, "query")
	if !ok || query == "" {
		return errorEnvelope(researcherrors.New(researcherrors.KindInvalidInput, "query is required"))
	}

	est := s.engine.Estimate(query)
	return okEnvelope(map[string]any{
		"complexity": string(est.Complexity),
		"duration": map[string]any{
			"min":    est.MinMinutes,
			"max":    est.MaxMinutes,
			"likely": est.LikelyMinutes,
		},
		"cost": map[string]any{
			"min":    est.MinUSD,
			"max":    est.MaxUSD,
			"likely": est.LikelyUSD,
		},
		"will_likely_go_async": est.WillLikelyGoAsync,
		"recommendation":       est.Recommendation,
	})
}

// Save implements the `save` tool.
func (s *Surface) Save(ctx context.Context, args map[string]any, defaultOutputDir string) map[string]any {
	taskID, ok := stringArg(args, "task_id")
	if !ok || taskID == "" {
		return errorEnvelope(researcherrors.New(researcherrors.KindInvalidInput, "task_id is required"))
	}

	outDir := defaultOutputDir
	if v, ok := stringArg(args, "output_dir"); ok && v != "" {
		outDir = v
	}
	prefix := "research"
	if v, ok := stringArg(args, "filename_prefix"); ok && v != "" {
		prefix = v
	}
	includeMetadata := boolArg(args, "include_metadata", true)
	includeSources := boolArg(args, "include_sources", true)

	result, err := s.engine.Save(ctx, taskID, outDir, prefix, includeMetadata, includeSources)
	if err != nil {
		return errorEnvelope(err)
	}

	return okEnvelope(map[string]any{
		"file_path":         result.FilePath,
		"filename":          result.Filename,
		"file_size_kb":      result.FileSizeKB,
		"created_at":        result.CreatedAt,
		"sections_included": result.SectionsIncluded,
	})
}
