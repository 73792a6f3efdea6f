package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/backoff"
	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/engine"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/job"
	"github.com/xraph/conductor/resolution"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/workflow"
)

// ──────────────────────────────────────────────────
// Step failure policies
// ──────────────────────────────────────────────────

func TestFailurePolicy_PauseWorkflow(t *testing.T) {
	a := singleStep("a")
	a.FailurePolicy = definition.PauseWorkflow
	h := newHarness(t, linearDef("order", a, singleStep("b")))
	wf := h.start("order")

	h.failStep("a", "warehouse offline")

	paused := h.wantState(wf.ID, workflow.StatePaused)
	if want := `Step "a" failed: 1 of 1 jobs failed`; paused.PauseReason != want {
		t.Errorf("pause reason = %q, want %q", paused.PauseReason, want)
	}
	if paused.CurrentStepKey != "a" {
		t.Errorf("current step = %q", paused.CurrentStepKey)
	}

	resumed, err := h.eng.ResumeWorkflow(h.ctx, wf.ID)
	if err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	if resumed.State != workflow.StateRunning || resumed.PauseReason != "" {
		t.Errorf("resumed = %s reason %q", resumed.State, resumed.PauseReason)
	}
	if spec := h.spec("a", job.KindStep); spec.Attempt != 2 {
		t.Errorf("attempt after resume = %d, want 2", spec.Attempt)
	}

	h.succeedStep("a", nil)
	if cur := h.workflow(wf.ID).CurrentStepKey; cur != "b" {
		t.Errorf("current step = %q, want b", cur)
	}
}

func TestFailurePolicy_RetryStep(t *testing.T) {
	a := singleStep("a")
	a.FailurePolicy = definition.RetryStep
	a.Retry.MaxAttempts = 3
	h := newHarness(t, linearDef("order", a))
	wf := h.start("order")

	for attempt := 1; attempt <= 3; attempt++ {
		spec := h.spec("a", job.KindStep)
		if spec.Attempt != attempt {
			t.Fatalf("dispatched attempt %d, want %d", spec.Attempt, attempt)
		}
		h.fail(spec, "timeout talking to warehouse")
	}

	got := h.wantState(wf.ID, workflow.StateFailed)
	if got.FailureCode != engine.CodeJobsFailed {
		t.Errorf("failure code = %q", got.FailureCode)
	}
	if n := len(h.runs(wf.ID, "a")); n != 3 {
		t.Errorf("runs of a = %d, want 3", n)
	}
	if n := h.events.count(event.StepRetrying); n != 2 {
		t.Errorf("step.retrying events = %d, want 2", n)
	}
}

func TestFailurePolicy_RetryStepRecovers(t *testing.T) {
	a := singleStep("a")
	a.FailurePolicy = definition.RetryStep
	a.Retry.MaxAttempts = 3
	h := newHarness(t, linearDef("order", a))
	wf := h.start("order")

	h.failStep("a", "flaky")
	res := h.succeedStep("a", map[string]any{"ok": true})

	if res.Workflow.State != workflow.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", res.Workflow.State)
	}
	runs := h.runs(wf.ID, "a")
	if len(runs) != 2 || runs[0].Status != step.StatusFailed || runs[1].Status != step.StatusSucceeded {
		t.Errorf("runs = %+v", runs)
	}
}

func TestFailurePolicy_SkipAndContinue(t *testing.T) {
	tests := []struct {
		policy      definition.FailurePolicy
		keepOutputs bool
	}{
		{definition.SkipStep, false},
		{definition.ContinueWithPartial, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			send := fanOut("send", "all", "alice", "bob")
			send.FailurePolicy = tt.policy
			h := newHarness(t, linearDef("notify", send, singleStep("audit")))
			wf := h.start("notify")

			specs := h.disp.forStep("send", job.KindStep)
			h.succeed(specs[0], map[string]any{"delivered": 1})
			h.fail(specs[1], "mailbox full")

			got := h.wantState(wf.ID, workflow.StateRunning)
			if got.CurrentStepKey != "audit" {
				t.Errorf("current step = %q, want audit", got.CurrentStepKey)
			}
			run := h.latest(wf.ID, "send")
			if run.Status != step.StatusSkipped || run.FailureCode != engine.CodeJobsFailed {
				t.Errorf("run = %s code %q", run.Status, run.FailureCode)
			}
			if run.SucceededJobs != 1 || run.FailedJobs != 1 {
				t.Errorf("run counts = %d/%d", run.SucceededJobs, run.FailedJobs)
			}

			_, kept := h.outputs(wf.ID).Get("send", "delivered")
			if kept != tt.keepOutputs {
				t.Errorf("outputs kept = %v, want %v", kept, tt.keepOutputs)
			}
			if n := h.events.count(event.StepSkipped); n != 1 {
				t.Errorf("step.skipped events = %d", n)
			}
		})
	}
}

func TestFailurePolicy_FailAwaitsDecision(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("a"), singleStep("b")))
	wf := h.start("order")
	h.failStep("a", "card declined")

	got := h.wantState(wf.ID, workflow.StateFailed)
	if got.CurrentStepKey != "a" || got.FailureMessage != "1 of 1 jobs failed" {
		t.Errorf("failed = @%q msg %q", got.CurrentStepKey, got.FailureMessage)
	}
	if n := h.events.count(event.WorkflowAwaitingResolution); n != 1 {
		t.Errorf("awaiting resolution events = %d", n)
	}
	if n := len(h.disp.forStep("b", job.KindStep)); n != 0 {
		t.Errorf("b dispatched after failure")
	}
}

// ──────────────────────────────────────────────────
// Automatic resolution
// ──────────────────────────────────────────────────

func autoRetryDef(fallback bool) *definition.Definition {
	def := linearDef("order", singleStep("a"))
	def.Resolution = definition.ResolutionConfig{
		Strategy:        definition.AutoRetry,
		MaxAutoRetries:  2,
		Backoff:         backoff.Config{Kind: backoff.KindConstant, Initial: time.Minute},
		FallbackToAwait: fallback,
	}
	return def
}

func TestAutoRetry_SchedulesWithBackoff(t *testing.T) {
	h := newHarness(t, autoRetryDef(false))
	wf := h.start("order")
	h.failStep("a", "down")

	got := h.wantState(wf.ID, workflow.StateFailed)
	if got.AutoRetryCount != 1 || got.NextAutoRetryAt == nil || !got.NextAutoRetryAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("auto retry = %d at %v", got.AutoRetryCount, got.NextAutoRetryAt)
	}

	h.clock.Advance(30 * time.Second)
	n, err := h.eng.ProcessAutoRetries(h.ctx, h.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("early ProcessAutoRetries = %d, %v", n, err)
	}

	h.clock.Advance(30 * time.Second)
	n, err = h.eng.ProcessAutoRetries(h.ctx, h.clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("ProcessAutoRetries = %d, %v", n, err)
	}
	h.wantState(wf.ID, workflow.StateRunning)
	if spec := h.spec("a", job.KindStep); spec.Attempt != 2 {
		t.Errorf("retried attempt = %d, want 2", spec.Attempt)
	}

	h.succeedStep("a", nil)
	h.wantState(wf.ID, workflow.StateSucceeded)
}

func TestAutoRetry_Exhausted(t *testing.T) {
	tests := []struct {
		name     string
		fallback bool
		awaiting int
	}{
		{"no fallback", false, 0},
		{"fallback to await", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, autoRetryDef(tt.fallback))
			wf := h.start("order")

			for i := 0; i < 2; i++ {
				h.failStep("a", "down")
				h.clock.Advance(time.Minute)
				if n, err := h.eng.ProcessAutoRetries(h.ctx, h.clock.Now()); err != nil || n != 1 {
					t.Fatalf("retry %d: ProcessAutoRetries = %d, %v", i+1, n, err)
				}
			}
			h.failStep("a", "still down")

			got := h.wantState(wf.ID, workflow.StateFailed)
			if got.AutoRetryCount != 2 || got.NextAutoRetryAt != nil {
				t.Errorf("auto retry = %d at %v", got.AutoRetryCount, got.NextAutoRetryAt)
			}
			if n := h.events.count(event.WorkflowAutoRetryExhausted); n != 1 {
				t.Errorf("exhausted events = %d", n)
			}
			if n := h.events.count(event.WorkflowAwaitingResolution); n != tt.awaiting {
				t.Errorf("awaiting resolution events = %d, want %d", n, tt.awaiting)
			}

			h.clock.Advance(time.Hour)
			if n, _ := h.eng.ProcessAutoRetries(h.ctx, h.clock.Now()); n != 0 {
				t.Errorf("exhausted workflow retried again")
			}
		})
	}
}

func TestAutoRetry_ManualRetryResetsCounter(t *testing.T) {
	h := newHarness(t, autoRetryDef(false))
	wf := h.start("order")
	h.failStep("a", "down")

	got, err := h.eng.RetryWorkflow(h.ctx, wf.ID)
	if err != nil {
		t.Fatalf("RetryWorkflow: %v", err)
	}
	if got.AutoRetryCount != 0 || got.NextAutoRetryAt != nil {
		t.Errorf("auto retry after manual retry = %d at %v", got.AutoRetryCount, got.NextAutoRetryAt)
	}
}

func TestAutoCompensate(t *testing.T) {
	def := linearDef("order",
		compensated(singleStep("a")), compensated(singleStep("b")), singleStep("c"))
	def.Resolution.Strategy = definition.AutoCompensate
	h := newHarness(t, def)
	wf := h.start("order")

	h.succeedStep("a", map[string]any{"hold": "h1"})
	h.succeedStep("b", map[string]any{"charge": "ch_1"})
	h.failStep("c", "label printer jammed")

	h.wantState(wf.ID, workflow.StateCompensating)
	if n := len(h.disp.forStep("a", job.KindCompensation)); n != 0 {
		t.Fatalf("undo_a dispatched before undo_b finished")
	}
	undoB := h.spec("b", job.KindCompensation)
	if undoB.Class != "undo_b" {
		t.Errorf("class = %q", undoB.Class)
	}
	out, _ := undoB.Args["outputs"].(map[string]any)
	if out["charge"] != "ch_1" {
		t.Errorf("undo_b args = %v", undoB.Args)
	}

	h.succeed(undoB, nil)
	undoA := h.spec("a", job.KindCompensation)
	res := h.succeed(undoA, nil)

	if res.Workflow.State != workflow.StateCompensated {
		t.Fatalf("state = %s, want compensated", res.Workflow.State)
	}
	if n := h.events.count(event.CompensationCompleted); n != 1 {
		t.Errorf("compensation.completed events = %d", n)
	}
	runs, _ := h.store.ListCompensationRuns(h.ctx, wf.ID, 1)
	for _, r := range runs {
		if r.InitiatedBy != "auto_compensate" || r.Status != compensation.StatusSucceeded {
			t.Errorf("run %s = %s by %q", r.StepKey, r.Status, r.InitiatedBy)
		}
	}
}

// ──────────────────────────────────────────────────
// Manual decisions
// ──────────────────────────────────────────────────

func TestApplyDecision_Rejects(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("a")))
	wf := h.start("order")

	_, err := h.eng.ApplyDecision(h.ctx, wf.ID, engine.DecisionRequest{Decision: resolution.DecisionRetry})
	if !errors.Is(err, conductor.ErrWorkflowNotFailed) {
		t.Errorf("decision on running workflow error = %v", err)
	}

	_, err = h.eng.ApplyDecision(h.ctx, wf.ID, engine.DecisionRequest{Decision: "explode"})
	if !errors.Is(err, conductor.ErrInvalidDecision) {
		t.Errorf("invalid decision error = %v", err)
	}

	decisions, _ := h.store.ListDecisions(h.ctx, wf.ID)
	if len(decisions) != 0 {
		t.Errorf("rejected decisions were recorded: %d", len(decisions))
	}
}

func TestApplyDecision(t *testing.T) {
	tests := []struct {
		name  string
		req   engine.DecisionRequest
		check func(t *testing.T, h *harness, res *engine.DecisionResult)
	}{
		{
			name: "retry",
			req:  engine.DecisionRequest{Decision: resolution.DecisionRetry},
			check: func(t *testing.T, h *harness, res *engine.DecisionResult) {
				if res.Workflow.State != workflow.StateRunning {
					t.Errorf("state = %s", res.Workflow.State)
				}
				if spec := h.spec("b", job.KindStep); spec.Attempt != 2 {
					t.Errorf("b attempt = %d, want 2", spec.Attempt)
				}
			},
		},
		{
			name: "retry from step",
			req:  engine.DecisionRequest{Decision: resolution.DecisionRetryFromStep, RetryFromStepKey: "a"},
			check: func(t *testing.T, h *harness, res *engine.DecisionResult) {
				if res.Rewind == nil || res.Rewind.SupersededRuns != 2 {
					t.Fatalf("rewind = %+v", res.Rewind)
				}
				if res.Workflow.CurrentStepKey != "a" || res.Record.RetryMode != resolution.RetryOnly {
					t.Errorf("workflow @%q mode %q", res.Workflow.CurrentStepKey, res.Record.RetryMode)
				}
				if spec := h.spec("a", job.KindStep); spec.Attempt != 2 {
					t.Errorf("a attempt = %d, want 2", spec.Attempt)
				}
			},
		},
		{
			name: "cancel",
			req:  engine.DecisionRequest{Decision: resolution.DecisionCancel, Reason: "customer gave up"},
			check: func(t *testing.T, h *harness, res *engine.DecisionResult) {
				if res.Workflow.State != workflow.StateCancelled || res.Workflow.FailureMessage != "customer gave up" {
					t.Errorf("workflow = %s %q", res.Workflow.State, res.Workflow.FailureMessage)
				}
			},
		},
		{
			name: "mark resolved",
			req:  engine.DecisionRequest{Decision: resolution.DecisionMarkResolved},
			check: func(t *testing.T, h *harness, res *engine.DecisionResult) {
				if res.Workflow.State != workflow.StateFailed {
					t.Errorf("state = %s, want failed", res.Workflow.State)
				}
			},
		},
		{
			name: "compensate partial",
			req:  engine.DecisionRequest{Decision: resolution.DecisionCompensate, StepKeys: []string{"a"}},
			check: func(t *testing.T, h *harness, res *engine.DecisionResult) {
				if res.Record.CompensationScope != compensation.ScopePartial {
					t.Errorf("scope = %q", res.Record.CompensationScope)
				}
				if res.Compensation == nil || len(res.Compensation.Runs) != 1 || res.Compensation.Runs[0].StepKey != "a" {
					t.Fatalf("compensation = %+v", res.Compensation)
				}
				if res.Workflow.State != workflow.StateCompensating {
					t.Errorf("state = %s", res.Workflow.State)
				}
				if spec := h.spec("a", job.KindCompensation); spec.Class != "undo_a" {
					t.Errorf("undo class = %q", spec.Class)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, linearDef("order", compensated(singleStep("a")), singleStep("b")))
			wf := h.start("order")
			h.succeedStep("a", map[string]any{"hold": "h1"})
			h.failStep("b", "boom")

			req := tt.req
			req.DecidedBy = "ops@example.com"
			res, err := h.eng.ApplyDecision(h.ctx, wf.ID, req)
			if err != nil {
				t.Fatalf("ApplyDecision: %v", err)
			}
			if res.Record == nil || res.Record.PreviousState != string(workflow.StateFailed) ||
				res.Record.FailureCode != engine.CodeJobsFailed {
				t.Errorf("record = %+v", res.Record)
			}
			stored, _ := h.store.ListDecisions(h.ctx, wf.ID)
			if len(stored) != 1 || stored[0].Decision != tt.req.Decision {
				t.Errorf("stored decisions = %+v", stored)
			}
			if n := h.events.count(event.WorkflowResolutionDecided); n != 1 {
				t.Errorf("resolution_decided events = %d", n)
			}
			tt.check(t, h, res)
		})
	}
}
