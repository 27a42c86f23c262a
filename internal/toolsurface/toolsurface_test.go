package toolsurface

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cklxx/deepresearch/internal/engine"
	"github.com/cklxx/deepresearch/internal/estimator"
	"github.com/cklxx/deepresearch/internal/executor"
	"github.com/cklxx/deepresearch/internal/logging"
	"github.com/cklxx/deepresearch/internal/notification"
	"github.com/cklxx/deepresearch/internal/provider"
	"github.com/cklxx/deepresearch/internal/provider/fake"
	"github.com/cklxx/deepresearch/internal/store"
)

func newTestSurface(t *testing.T) (*Surface, *fake.Client) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := store.Open(dbPath, logging.NewComponentLogger("test"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	prov := fake.New()
	eng := engine.New(engine.Config{
		Store:        s,
		Provider:     prov,
		Executor:     executor.New(executor.Config{Capacity: 3, Logger: logging.NewComponentLogger("test")}),
		Notifier:     notification.New(logging.NewComponentLogger("test")),
		Estimator:    estimator.New(30),
		Logger:       logging.NewComponentLogger("test"),
		SyncBudget:   300 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		DefaultModel: "test-model",
	})
	return New(eng), prov
}

func TestStartReturnsSuccessEnvelopeOnSyncCompletion(t *testing.T) {
	surface, prov := newTestSurface(t)
	query := "what year is it"
	prov.Program(query, fake.Script{{State: provider.StateCompleted, Progress: 100, Report: "2026"}})

	out := surface.Start(context.Background(), map[string]any{"query": query, "max_wait_hours": 1}, 8)
	if out["success"] != true {
		t.Fatalf("expected success envelope, got %+v", out)
	}
	if out["mode"] != "sync" {
		t.Fatalf("expected sync mode, got %+v", out)
	}
}

func TestStartRejectsMissingQuery(t *testing.T) {
	surface, _ := newTestSurface(t)
	out := surface.Start(context.Background(), map[string]any{}, 8)
	if out["success"] != false {
		t.Fatalf("expected failure envelope for missing query, got %+v", out)
	}
	if out["error"] != "InvalidInput" {
		t.Fatalf("expected InvalidInput, got %+v", out)
	}
}

func TestStatusRejectsMissingTaskID(t *testing.T) {
	surface, _ := newTestSurface(t)
	out := surface.Status(context.Background(), map[string]any{})
	if out["success"] != false || out["error"] != "InvalidInput" {
		t.Fatalf("expected InvalidInput envelope, got %+v", out)
	}
}

func TestStatusReturnsNotFoundForUnknownTask(t *testing.T) {
	surface, _ := newTestSurface(t)
	out := surface.Status(context.Background(), map[string]any{"task_id": "does-not-exist"})
	if out["success"] != false || out["error"] != "NotFound" {
		t.Fatalf("expected NotFound envelope, got %+v", out)
	}
}

func TestGetReturnsNotCompletedBeforeResult(t *testing.T) {
	surface, prov := newTestSurface(t)
	query := "a survey comparing consensus protocols across decades and trends of history"
	prov.Program(query, fake.Script{{State: provider.StateRunning, Progress: 5}})

	start := surface.Start(context.Background(), map[string]any{"query": query, "max_wait_hours": 1}, 8)
	taskID, _ := start["task_id"].(string)

	out := surface.Get(context.Background(), map[string]any{"task_id": taskID})
	if out["success"] != false || out["error"] != "NotCompleted" {
		t.Fatalf("expected NotCompleted envelope, got %+v", out)
	}
}

func TestEstimateReturnsSuccessEnvelope(t *testing.T) {
	surface, _ := newTestSurface(t)
	out := surface.Estimate(map[string]any{"query": "what is 2+2"})
	if out["success"] != true {
		t.Fatalf("expected success envelope, got %+v", out)
	}
	if _, ok := out["complexity"]; !ok {
		t.Fatalf("expected complexity field, got %+v", out)
	}
}

func TestEstimateRejectsMissingQuery(t *testing.T) {
	surface, _ := newTestSurface(t)
	out := surface.Estimate(map[string]any{})
	if out["success"] != false || out["error"] != "InvalidInput" {
		t.Fatalf("expected InvalidInput envelope, got %+v", out)
	}
}

func TestCancelReturnsAlreadyTerminalForCompletedTask(t *testing.T) {
	surface, prov := newTestSurface(t)
	query := "quick sync query for cancel test"
	prov.Program(query, fake.Script{{State: provider.StateCompleted, Progress: 100, Report: "done"}})

	start := surface.Start(context.Background(), map[string]any{"query": query, "max_wait_hours": 1}, 8)
	taskID, _ := start["task_id"].(string)

	out := surface.Cancel(context.Background(), map[string]any{"task_id": taskID})
	if out["success"] != false || out["error"] != "AlreadyTerminal" {
		t.Fatalf("expected AlreadyTerminal envelope, got %+v", out)
	}
}

func TestSaveReturnsFilePathOnCompletedTask(t *testing.T) {
	surface, prov := newTestSurface(t)
	query := "short completed query for save test"
	prov.Program(query, fake.Script{{State: provider.StateCompleted, Progress: 100, Report: "findings"}})

	start := surface.Start(context.Background(), map[string]any{"query": query, "max_wait_hours": 1}, 8)
	taskID, _ := start["task_id"].(string)

	out := surface.Save(context.Background(), map[string]any{"task_id": taskID}, t.TempDir())
	if out["success"] != true {
		t.Fatalf("expected success envelope, got %+v", out)
	}
	if _, ok := out["file_path"]; !ok {
		t.Fatalf("expected file_path field, got %+v", out)
	}
}
