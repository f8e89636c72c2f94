package engine_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"mcpplane/internal/config"
	"mcpplane/internal/db"
	"mcpplane/internal/domain"
	"mcpplane/internal/engine"
	"mcpplane/internal/events"
	"mcpplane/internal/migrate"
	"mcpplane/internal/repo"
	"mcpplane/internal/validate"
)

type recordingPublisher struct {
	mu   sync.Mutex
	recs []events.Record
}

func (p *recordingPublisher) Publish(_ context.Context, rec events.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, r := range p.recs {
		out = append(out, r.Type)
	}
	return out
}

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Published *recordingPublisher
	Inst      domain.Installation
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC) }
	pub := &recordingPublisher{}
	eng.Publisher = pub
	inst, err := eng.Install(ctx, engine.InstallOptions{
		EngagementID: "eng-1",
		ModuleID:     "invoice-extractor",
		CustomerID:   "acme",
		ExpertID:     "expert-7",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Published: pub, Inst: inst}
}

func (env testEnv) newTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		InstallationID: env.Inst.ID,
		Title:          title,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func intPtr(v int) *int { return &v }

func TestCreateTaskCopiesInstallationScope(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "Extract invoices")
	if task.Status != domain.TaskTodo {
		t.Fatalf("status = %s, want todo", task.Status)
	}
	if task.EngagementID != "eng-1" || task.ModuleID != "invoice-extractor" || task.CustomerID != "acme" {
		t.Fatalf("scope not copied: %+v", task)
	}
	if task.Priority != domain.PriorityMedium {
		t.Fatalf("priority = %s, want medium", task.Priority)
	}
	if !task.RequiresHumanReview {
		t.Fatalf("new task without confidence should require review")
	}
}

func TestCreateTaskRejectsUninstalledInstallation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Uninstall(env.Ctx, env.Inst.ID, "churned", "tester"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{InstallationID: env.Inst.ID, Title: "late"})
	var gone *domain.AlreadyUninstalledError
	if !errors.As(err, &gone) {
		t.Fatalf("expected AlreadyUninstalledError, got %v", err)
	}
}

func TestFromTodoOnlyStartAndCancelAreAllowed(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "todo only")

	_, err := env.Engine.CompleteTask(env.Ctx, task.ID, engine.CompleteOptions{AIConfidence: intPtr(99), AIHandled: domain.AIHandledFull})
	var it *domain.InvalidTransitionError
	if !errors.As(err, &it) || it.Current != "todo" || it.Action != engine.ActionComplete {
		t.Fatalf("complete from todo: %v", err)
	}
	if _, err := env.Engine.ReviewTask(env.Ctx, task.ID, engine.ReviewOptions{Approve: true}); !errors.As(err, &it) {
		t.Fatalf("review from todo: %v", err)
	}
	if _, err := env.Engine.FailTask(env.Ctx, task.ID, "boom", 0, "tester"); !errors.As(err, &it) {
		t.Fatalf("fail from todo: %v", err)
	}
	started, err := env.Engine.StartTask(env.Ctx, task.ID, "tester")
	if err != nil || started.Status != domain.TaskInProgress || started.StartedAt == nil {
		t.Fatalf("start: %v %+v", err, started)
	}
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); !errors.As(err, &it) || it.Current != "in_progress" {
		t.Fatalf("double start: %v", err)
	}
}

func TestCompleteHighConfidenceFullAIAndCountsSuccess(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "confident")
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "agent"); err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.CompleteTask(env.Ctx, task.ID, engine.CompleteOptions{
		AIConfidence: intPtr(95),
		AIHandled:    domain.AIHandledFull,
		Output:       map[string]any{"rows": 12},
		CostCents:    40,
		ActorID:      "agent",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.TaskCompleted || done.RequiresHumanReview || done.CompletedAt == nil {
		t.Fatalf("unexpected task: %+v", done)
	}
	inst, err := env.Engine.GetInstallation(env.Ctx, env.Inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.SuccessfulRequests != 1 || inst.TotalRequests != 1 || inst.AutomationRate != 1 {
		t.Fatalf("counters not bumped: %+v", inst)
	}
	if inst.MonthlyCostCents != 40 || inst.CostMonth != "2024-01" {
		t.Fatalf("cost accrual: %+v", inst)
	}
}

func TestCompleteBelowThresholdOrPartialForcesReview(t *testing.T) {
	cases := []struct {
		name       string
		confidence *int
		handled    domain.AIHandled
	}{
		{"low confidence", intPtr(79), domain.AIHandledFull},
		{"partial handling", intPtr(99), domain.AIHandledPartial},
		{"no handling", intPtr(100), domain.AIHandledNo},
		{"missing confidence", nil, domain.AIHandledFull},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			task := env.newTask(t, tc.name)
			if _, err := env.Engine.StartTask(env.Ctx, task.ID, "agent"); err != nil {
				t.Fatal(err)
			}
			got, err := env.Engine.CompleteTask(env.Ctx, task.ID, engine.CompleteOptions{AIConfidence: tc.confidence, AIHandled: tc.handled})
			if err != nil {
				t.Fatalf("complete: %v", err)
			}
			if got.Status != domain.TaskNeedsReview || !got.RequiresHumanReview {
				t.Fatalf("status = %s review=%v, want needs_review", got.Status, got.RequiresHumanReview)
			}
			inst, _ := env.Engine.GetInstallation(env.Ctx, env.Inst.ID)
			if inst.TotalRequests != 0 {
				t.Fatalf("review should not count a request yet: %+v", inst)
			}
		})
	}
}

func TestThresholdIsConfigurable(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ReviewThreshold = 60
	task := env.newTask(t, "lenient")
	_, _ = env.Engine.StartTask(env.Ctx, task.ID, "agent")
	got, err := env.Engine.CompleteTask(env.Ctx, task.ID, engine.CompleteOptions{AIConfidence: intPtr(65), AIHandled: domain.AIHandledFull})
	if err != nil || got.Status != domain.TaskCompleted {
		t.Fatalf("expected completion at threshold 60: %v %s", err, got.Status)
	}
}

func TestReviewRejectAndApprove(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "needs eyes")
	_, _ = env.Engine.StartTask(env.Ctx, task.ID, "agent")
	_, err := env.Engine.CompleteTask(env.Ctx, task.ID, engine.CompleteOptions{AIConfidence: intPtr(40), AIHandled: domain.AIHandledFull})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReviewTask(env.Ctx, task.ID, engine.ReviewOptions{Approve: false}); err == nil {
		t.Fatalf("reject without notes should fail")
	}
	rejected, err := env.Engine.ReviewTask(env.Ctx, task.ID, engine.ReviewOptions{Approve: false, Notes: "totals are off", ActorID: "reviewer"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.TaskInProgress {
		t.Fatalf("status = %s, want in_progress", rejected.Status)
	}
	if want := "[2024-01-15T09:00:00Z reviewer] totals are off"; rejected.ReviewNotes != want {
		t.Fatalf("notes = %q, want %q", rejected.ReviewNotes, want)
	}
	_, err = env.Engine.CompleteTask(env.Ctx, task.ID, engine.CompleteOptions{AIConfidence: intPtr(70)})
	if err != nil {
		t.Fatal(err)
	}
	approved, err := env.Engine.ReviewTask(env.Ctx, task.ID, engine.ReviewOptions{Approve: true, Notes: "fixed", ActorID: "reviewer"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.TaskCompleted || approved.RequiresHumanReview || approved.ReviewedAt == nil {
		t.Fatalf("approved task: %+v", approved)
	}
	if approved.Version != 6 {
		t.Fatalf("version = %d, want 6", approved.Version)
	}
	inst, _ := env.Engine.GetInstallation(env.Ctx, env.Inst.ID)
	if inst.SuccessfulRequests != 1 {
		t.Fatalf("approval should count a success: %+v", inst)
	}
}

func TestCompleteFromNeedsReviewActsAsApproval(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "approve via complete")
	_, _ = env.Engine.StartTask(env.Ctx, task.ID, "agent")
	_, _ = env.Engine.CompleteTask(env.Ctx, task.ID, engine.CompleteOptions{AIConfidence: intPtr(10)})
	got, err := env.Engine.CompleteTask(env.Ctx, task.ID, engine.CompleteOptions{ActorID: "reviewer"})
	if err != nil || got.Status != domain.TaskCompleted {
		t.Fatalf("complete from needs_review: %v %s", err, got.Status)
	}
}

func TestCancelIsIdempotentAndTerminalIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "cancel me")
	first, err := env.Engine.CancelTask(env.Ctx, task.ID, "no longer needed", "tester")
	if err != nil || first.Status != domain.TaskCancelled {
		t.Fatalf("cancel: %v", err)
	}
	again, err := env.Engine.CancelTask(env.Ctx, task.ID, "", "tester")
	if err != nil || again.Version != first.Version {
		t.Fatalf("second cancel should be a no-op: %v %+v", err, again)
	}
	var it *domain.InvalidTransitionError
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); !errors.As(err, &it) {
		t.Fatalf("start after cancel: %v", err)
	}

	done := env.newTask(t, "finished")
	_, _ = env.Engine.StartTask(env.Ctx, done.ID, "agent")
	_, _ = env.Engine.CompleteTask(env.Ctx, done.ID, engine.CompleteOptions{AIConfidence: intPtr(90), AIHandled: domain.AIHandledFull})
	if _, err := env.Engine.CancelTask(env.Ctx, done.ID, "", "tester"); !errors.As(err, &it) || it.Current != "completed" {
		t.Fatalf("cancel completed: %v", err)
	}
}

func TestFailCountsFailureAndNeverRaisesHealth(t *testing.T) {
	env := newTestEnv(t)
	var lastHealth = 100
	for i := 0; i < 3; i++ {
		task := env.newTask(t, "will fail")
		_, _ = env.Engine.StartTask(env.Ctx, task.ID, "agent")
		failed, err := env.Engine.FailTask(env.Ctx, task.ID, "model timeout", 5, "agent")
		if err != nil || failed.Status != domain.TaskFailed || failed.ErrorMessage != "model timeout" {
			t.Fatalf("fail: %v %+v", err, failed)
		}
		inst, _ := env.Engine.GetInstallation(env.Ctx, env.Inst.ID)
		if inst.HealthScore > lastHealth {
			t.Fatalf("health rose after failure: %d > %d", inst.HealthScore, lastHealth)
		}
		lastHealth = inst.HealthScore
	}
	inst, _ := env.Engine.GetInstallation(env.Ctx, env.Inst.ID)
	if inst.FailedRequests != 3 || inst.AutomationRate != 0 {
		t.Fatalf("counters: %+v", inst)
	}
	// 1 - 0.8^3 = 0.488 -> health 51
	if inst.HealthScore != 51 {
		t.Fatalf("health = %d, want 51", inst.HealthScore)
	}
}

func TestRecordRequestKeepsAutomationRateConsistent(t *testing.T) {
	env := newTestEnv(t)
	outcomes := []bool{true, false, true, true, false, true}
	var succ int64
	for i, ok := range outcomes {
		inst, err := env.Engine.RecordRequest(env.Ctx, env.Inst.ID, ok, 3, "tester")
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if ok {
			succ++
		}
		want := float64(succ) / float64(i+1)
		if math.Abs(inst.AutomationRate-want) > 1e-9 || inst.TotalRequests != int64(i+1) || inst.SuccessfulRequests != succ {
			t.Fatalf("after %d: rate=%v want %v (%+v)", i, inst.AutomationRate, want, inst)
		}
		if inst.SuccessfulRequests+inst.FailedRequests != inst.TotalRequests {
			t.Fatalf("counters disagree: %+v", inst)
		}
	}
}

func TestMonthlyCostResetsOnNewMonth(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RecordRequest(env.Ctx, env.Inst.ID, true, 100, "tester"); err != nil {
		t.Fatal(err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }
	inst, err := env.Engine.RecordRequest(env.Ctx, env.Inst.ID, true, 7, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if inst.MonthlyCostCents != 7 || inst.CostMonth != "2024-02" {
		t.Fatalf("cost not reset: %+v", inst)
	}
}

func TestInstallationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.Inst.ID
	if _, err := env.Engine.MarkInstalling(env.Ctx, id, "tester"); err != nil {
		t.Fatal(err)
	}
	active, err := env.Engine.MarkActivated(env.Ctx, id, "tester")
	if err != nil || active.Status != domain.InstallationActive || active.ActivatedAt == nil {
		t.Fatalf("activate: %v %+v", err, active)
	}
	var it *domain.InvalidTransitionError
	if _, err := env.Engine.MarkActivated(env.Ctx, id, "tester"); !errors.As(err, &it) {
		t.Fatalf("double activate: %v", err)
	}
	if _, err := env.Engine.Pause(env.Ctx, id, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Resume(env.Ctx, id, "tester"); err != nil {
		t.Fatal(err)
	}
	_, _ = env.Engine.RecordRequest(env.Ctx, id, true, 0, "tester")
	gone, err := env.Engine.Uninstall(env.Ctx, id, "contract ended", "tester")
	if err != nil || gone.Status != domain.InstallationUninstalled || gone.UninstallReason != "contract ended" {
		t.Fatalf("uninstall: %v %+v", err, gone)
	}

	var already *domain.AlreadyUninstalledError
	if _, err := env.Engine.Uninstall(env.Ctx, id, "", "tester"); !errors.As(err, &already) {
		t.Fatalf("second uninstall: %v", err)
	}
	if _, err := env.Engine.RecordRequest(env.Ctx, id, true, 0, "tester"); !errors.As(err, &already) {
		t.Fatalf("record after uninstall: %v", err)
	}
	if _, err := env.Engine.Touch(env.Ctx, id, "model.loaded", "tester"); !errors.As(err, &already) {
		t.Fatalf("touch after uninstall: %v", err)
	}
	frozen, _ := env.Engine.GetInstallation(env.Ctx, id)
	if frozen.TotalRequests != 1 {
		t.Fatalf("counters not frozen: %+v", frozen)
	}
}

func TestTaskFinishingAfterUninstallLeavesCountersFrozen(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "orphan")
	_, _ = env.Engine.StartTask(env.Ctx, task.ID, "agent")
	if _, err := env.Engine.Uninstall(env.Ctx, env.Inst.ID, "", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, engine.CompleteOptions{AIConfidence: intPtr(99), AIHandled: domain.AIHandledFull}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	inst, _ := env.Engine.GetInstallation(env.Ctx, env.Inst.ID)
	if inst.TotalRequests != 0 {
		t.Fatalf("uninstalled counters changed: %+v", inst)
	}
}

func TestEventsArePublishedAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "audited")
	_, _ = env.Engine.StartTask(env.Ctx, task.ID, "agent")
	_, _ = env.Engine.CompleteTask(env.Ctx, task.ID, engine.CompleteOptions{AIConfidence: intPtr(90), AIHandled: domain.AIHandledFull})
	if err := env.Engine.AnnotateTask(env.Ctx, task.ID, "customer confirmed", "ops"); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	want := []string{
		engine.EventInstallationCreated,
		engine.EventTaskCreated,
		engine.EventTaskStarted,
		engine.EventTaskCompleted,
		engine.EventInstallationRequest,
		engine.EventTaskAnnotated,
	}
	got := env.Published.types()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published %v, want %v", got, want)
		}
	}
	evts, err := env.Engine.TaskEvents(env.Ctx, task.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 4 || evts[0].Type != engine.EventTaskAnnotated {
		t.Fatalf("task events: %+v", evts)
	}
}

func TestFailedMutationPublishesNothing(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "nope")
	before := len(env.Published.types())
	if _, err := env.Engine.ReviewTask(env.Ctx, task.ID, engine.ReviewOptions{Approve: true}); err == nil {
		t.Fatal("expected error")
	}
	if len(env.Published.types()) != before {
		t.Fatalf("rolled back mutation published events")
	}
}

func TestConcurrentStartsOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "race")
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Engine.StartTask(env.Ctx, task.ID, "agent"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestListTasksFilters(t *testing.T) {
	env := newTestEnv(t)
	overdue, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		InstallationID: env.Inst.ID, Title: "late", Priority: domain.PriorityUrgent, DueAt: "2024-01-10T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		InstallationID: env.Inst.ID, Title: "later", DueAt: "2024-01-18T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	env.newTask(t, "whenever")

	got, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{Due: repo.DueOverdue})
	if err != nil || len(got) != 1 || got[0].ID != overdue.ID {
		t.Fatalf("overdue: %v %+v", err, got)
	}
	got, _ = env.Engine.ListTasks(env.Ctx, repo.TaskFilters{Due: repo.DueWeek})
	if len(got) != 1 || got[0].Title != "later" {
		t.Fatalf("week: %+v", got)
	}
	got, _ = env.Engine.ListTasks(env.Ctx, repo.TaskFilters{Due: repo.DueNone})
	if len(got) != 1 || got[0].Title != "whenever" {
		t.Fatalf("none: %+v", got)
	}
	got, _ = env.Engine.ListTasks(env.Ctx, repo.TaskFilters{Priority: "urgent"})
	if len(got) != 1 {
		t.Fatalf("priority: %+v", got)
	}
	if _, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{Status: "bogus"}); err == nil {
		t.Fatalf("expected bad status error")
	}
}

func TestApplyActionDispatch(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "via action")
	if _, err := env.Engine.ApplyAction(env.Ctx, task.ID, engine.TaskAction{Action: "start"}); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.ApplyAction(env.Ctx, task.ID, engine.TaskAction{Action: "complete", AIConfidence: intPtr(50)})
	if err != nil || got.Status != domain.TaskNeedsReview {
		t.Fatalf("complete: %v %s", err, got.Status)
	}
	if _, err := env.Engine.ApplyAction(env.Ctx, task.ID, engine.TaskAction{Action: "review"}); err == nil {
		t.Fatalf("review without approve should fail")
	}
	approve := true
	got, err = env.Engine.ApplyAction(env.Ctx, task.ID, engine.TaskAction{Action: "review", Approve: &approve})
	if err != nil || got.Status != domain.TaskCompleted {
		t.Fatalf("review: %v %s", err, got.Status)
	}
	var bad *domain.BadInputError
	if _, err := env.Engine.ApplyAction(env.Ctx, task.ID, engine.TaskAction{Action: "explode"}); !errors.As(err, &bad) {
		t.Fatalf("unknown action: %v", err)
	}
}

func TestRecordValidationKeepsLatestReport(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.LatestValidation(env.Ctx, "acme"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found before any report, got %v", err)
	}

	report := validate.Report{
		Dir:     "/builds/acme",
		Verdict: validate.VerdictFail,
		Summary: validate.Summary{Passed: 7, Failed: 1},
		Checks: []validate.CheckResult{
			{Name: validate.CheckSupervisorConfig, Status: validate.StatusFail, Message: "supervisord.conf not found"},
		},
	}
	rec, err := env.Engine.RecordValidation(env.Ctx, "acme", report, "ci")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Verdict != "fail" || rec.Failed != 1 || rec.CreatedBy != "ci" {
		t.Fatalf("unexpected record %+v", rec)
	}

	latest, err := env.Engine.LatestValidation(env.Ctx, "acme")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != rec.ID || latest.BuildDir != "/builds/acme" {
		t.Fatalf("latest = %+v, want %+v", latest, rec)
	}
	types := env.Published.types()
	if got := types[len(types)-1]; got != engine.EventDeploymentValidated {
		t.Fatalf("last published event = %s", got)
	}

	if _, err := env.Engine.RecordValidation(env.Ctx, "", report, "ci"); err == nil {
		t.Fatalf("expected customer_id to be required")
	}
}

func TestAPIKeysStoreOnlyTheHash(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, "bot-1", "ci", "agent")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if plain == "" || key.KeyHash == plain {
		t.Fatalf("plaintext key leaked into storage: %+v", key)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	if err != nil || stored.ActorID != "bot-1" || stored.Role != "agent" {
		t.Fatalf("lookup by hash: %+v, %v", stored, err)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "bot-1", "", "superuser"); err == nil {
		t.Fatalf("unknown role accepted")
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second revoke: %v", err)
	}
}
