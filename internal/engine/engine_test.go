package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	researcherrors "github.com/cklxx/deepresearch/internal/errors"
	"github.com/cklxx/deepresearch/internal/domain/research"
	"github.com/cklxx/deepresearch/internal/estimator"
	"github.com/cklxx/deepresearch/internal/executor"
	"github.com/cklxx/deepresearch/internal/logging"
	"github.com/cklxx/deepresearch/internal/notification"
	"github.com/cklxx/deepresearch/internal/provider"
	"github.com/cklxx/deepresearch/internal/provider/fake"
	"github.com/cklxx/deepresearch/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *fake.Client) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := store.Open(dbPath, logging.NewComponentLogger("test"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	prov := fake.New()
	exec := executor.New(executor.Config{Capacity: 3, Logger: logging.NewComponentLogger("test")})
	notifier := notification.New(logging.NewComponentLogger("test"))

	eng := New(Config{
		Store:        s,
		Provider:     prov,
		Executor:     exec,
		Notifier:     notifier,
		Estimator:    estimator.New(30),
		Logger:       logging.NewComponentLogger("test"),
		SyncBudget:   300 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		DefaultModel: "test-model",
	})
	return eng, prov
}

func TestStartCompletesSynchronously(t *testing.T) {
	eng, prov := newTestEngine(t)
	query := "what is the capital of France"
	prov.Program(query, fake.Script{
		{State: provider.StateCompleted, Progress: 100, Report: "Paris is the capital.", TokensIn: 100, TokensOut: 50},
	})

	result, err := eng.Start(context.Background(), StartParams{Query: query, MaxWaitHours: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Mode != "sync" {
		t.Fatalf("expected sync completion, got mode=%s status=%s", result.Mode, result.Status)
	}
	if result.Report != "Paris is the capital." {
		t.Fatalf("unexpected report: %q", result.Report)
	}
}

func TestStartHandsOffToAsyncWhenSlow(t *testing.T) {
	eng, prov := newTestEngine(t)
	query := "a survey of the history of distributed databases across decades"
	script := make(fake.Script, 0, 21)
	for i := 0; i < 20; i++ {
		script = append(script, provider.PollResult{State: provider.StateRunning, Progress: i * 5, CurrentAction: "researching"})
	}
	script = append(script, provider.PollResult{State: provider.StateCompleted, Progress: 100, Report: "a long report", TokensIn: 4000, TokensOut: 1200})
	prov.Program(query, script)

	result, err := eng.Start(context.Background(), StartParams{Query: query, MaxWaitHours: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Mode != "async" {
		t.Fatalf("expected async hand-off, got mode=%s", result.Mode)
	}
	if result.TaskID == "" {
		t.Fatal("expected a task id on async hand-off")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err := eng.Status(context.Background(), result.TaskID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.Status == research.StatusCompleted {
			get, err := eng.Get(context.Background(), result.TaskID, true)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if get.Report != "a long report" {
				t.Fatalf("unexpected report: %q", get.Report)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task did not reach COMPLETED in time")
}

func TestStartRejectsInvalidQuery(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Start(context.Background(), StartParams{Query: "ab", MaxWaitHours: 1})
	if researcherrors.KindOf(err) != researcherrors.KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestStartRejectsMaxWaitHoursOutOfRange(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Start(context.Background(), StartParams{Query: "a valid enough query", MaxWaitHours: 25})
	if researcherrors.KindOf(err) != researcherrors.KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
	_, err = eng.Start(context.Background(), StartParams{Query: "a valid enough query", MaxWaitHours: 0})
	if researcherrors.KindOf(err) != researcherrors.KindInvalidInput {
		t.Fatalf("expected InvalidInput for zero max_wait_hours, got %v", err)
	}
}

func TestCancelFailsWithAlreadyTerminal(t *testing.T) {
	eng, prov := newTestEngine(t)
	query := "quick sync query"
	prov.Program(query, fake.Script{{State: provider.StateCompleted, Progress: 100, Report: "done"}})

	result, err := eng.Start(context.Background(), StartParams{Query: query, MaxWaitHours: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = eng.Cancel(context.Background(), result.TaskID, false)
	if researcherrors.KindOf(err) != researcherrors.KindAlreadyTerminal {
		t.Fatalf("expected AlreadyTerminal, got %v", err)
	}
}

func TestCancelOnUnknownTaskFailsNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Cancel(context.Background(), "does-not-exist", false)
	if researcherrors.KindOf(err) != researcherrors.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCancelRunningAsyncTaskSavesPartialWhenRequested(t *testing.T) {
	eng, prov := newTestEngine(t)
	query := "a survey comparing distributed consensus protocols across decades and trends"
	runningSources := []provider.Source{
		{Title: "a", URL: "http://example.com/a", RelevanceScore: 0.9},
		{Title: "b", URL: "http://example.com/b", RelevanceScore: 0.7},
		{Title: "c", URL: "http://example.com/c", RelevanceScore: 0.5},
	}
	prov.Program(query, fake.Script{
		{State: provider.StateRunning, Progress: 20, CurrentAction: "searching"},
		{State: provider.StateRunning, Progress: 30, CurrentAction: "still searching"},
		{State: provider.StateRunning, Progress: 40, CurrentAction: "still searching", Sources: runningSources},
		{State: provider.StateRunning, Progress: 50, CurrentAction: "still searching"},
	})

	result, err := eng.Start(context.Background(), StartParams{Query: query, MaxWaitHours: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Mode != "async" {
		t.Fatalf("expected async hand-off, got mode=%s", result.Mode)
	}

	// Give the background unit a moment to observe the poll that carries
	// sources before cancelling, so there is something to carry forward.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := eng.Status(context.Background(), result.TaskID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.Progress >= 40 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancelResult, err := eng.Cancel(context.Background(), result.TaskID, true)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelResult.Status != research.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelResult.Status)
	}
	if !cancelResult.PartialResultsSaved {
		t.Fatal("expected partial results to be saved")
	}

	get, err := eng.Get(context.Background(), result.TaskID, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(get.Sources) != 3 {
		t.Fatalf("expected 3 carried-forward sources, got %d", len(get.Sources))
	}
}

func TestGetFailsWithNotCompletedBeforeResult(t *testing.T) {
	eng, prov := newTestEngine(t)
	query := "a survey comparing consensus protocols across regions and trends history"
	prov.Program(query, fake.Script{
		{State: provider.StateRunning, Progress: 5, CurrentAction: "searching"},
	})

	result, err := eng.Start(context.Background(), StartParams{Query: query, MaxWaitHours: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = eng.Get(context.Background(), result.TaskID, true)
	if researcherrors.KindOf(err) != researcherrors.KindNotCompleted {
		t.Fatalf("expected NotCompleted, got %v", err)
	}
}

func TestEstimateIsPureAndStateless(t *testing.T) {
	eng, _ := newTestEngine(t)
	a := eng.Estimate("what is 2+2")
	b := eng.Estimate("what is 2+2")
	if a != b {
		t.Fatalf("expected deterministic estimate, got %+v vs %+v", a, b)
	}
}

func TestSaveWritesMarkdownFileForCompletedTask(t *testing.T) {
	eng, prov := newTestEngine(t)
	query := "short completed query"
	prov.Program(query, fake.Script{
		{State: provider.StateCompleted, Progress: 100, Report: "the findings", TokensIn: 10, TokensOut: 5,
			Sources: []provider.Source{{Title: "src", URL: "http://example.com", RelevanceScore: 0.8}}},
	})

	result, err := eng.Start(context.Background(), StartParams{Query: query, MaxWaitHours: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Mode != "sync" {
		t.Fatalf("expected sync completion, got %s", result.Mode)
	}

	outDir := t.TempDir()
	saveResult, err := eng.Save(context.Background(), result.TaskID, outDir, "report", true, true)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saveResult.FilePath == "" {
		t.Fatal("expected non-empty file path")
	}
}

func TestSaveFailsWithNotCompletedWhenNoResult(t *testing.T) {
	eng, prov := newTestEngine(t)
	query := "a survey comparing consensus protocols across decades of history and trends"
	prov.Program(query, fake.Script{
		{State: provider.StateRunning, Progress: 5, CurrentAction: "searching"},
	})

	result, err := eng.Start(context.Background(), StartParams{Query: query, MaxWaitHours: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = eng.Save(context.Background(), result.TaskID, t.TempDir(), "report", true, true)
	if researcherrors.KindOf(err) != researcherrors.KindNotCompleted {
		t.Fatalf("expected NotCompleted, got %v", err)
	}
}

func TestRecoverOnStartupMarksHandlelessTasksFailed(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := eng.store

	task := research.Task{
		TaskID:    "orphan-1",
		Query:     "orphaned before submission",
		Status:    research.StatusRunningSync,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	if err := eng.RecoverOnStartup(context.Background()); err != nil {
		t.Fatalf("RecoverOnStartup: %v", err)
	}

	got, found, err := s.GetTask(context.Background(), "orphan-1")
	if err != nil || !found {
		t.Fatalf("expected orphaned task to still exist, err=%v found=%v", err, found)
	}
	if got.Status != research.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ErrorMessage != errInterruptedBeforeSubmission {
		t.Fatalf("unexpected error message: %q", got.ErrorMessage)
	}
}

func TestRecoverOnStartupReattachesHandledTasks(t *testing.T) {
	eng, prov := newTestEngine(t)
	s := eng.store

	prov.Program("resumed query", fake.Script{
		{State: provider.StateCompleted, Progress: 100, Report: "resumed report"},
	})
	handle, err := prov.Submit(context.Background(), "resumed query", "test-model")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	task := research.Task{
		TaskID:         "resumed-1",
		Query:          "resumed query",
		Status:         research.StatusRunningAsync,
		ProviderHandle: handle.Handle,
		MaxWaitHours:   1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	if err := eng.RecoverOnStartup(context.Background()); err != nil {
		t.Fatalf("RecoverOnStartup: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _, _ := s.GetTask(context.Background(), "resumed-1")
		if got.Status.IsTerminal() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("resumed task never reached a terminal state")
}
