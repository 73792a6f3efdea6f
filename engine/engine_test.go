package engine_test

import (
	"cmp"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/engine"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/job"
	mw "github.com/xraph/conductor/middleware"
	"github.com/xraph/conductor/queue"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/store/memory"
	"github.com/xraph/conductor/stream"
	"github.com/xraph/conductor/workflow"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// ──────────────────────────────────────────────────
// Test harness
// ──────────────────────────────────────────────────

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingDispatcher accepts every job and remembers it, unless fail
// rejects it.
type recordingDispatcher struct {
	mu    sync.Mutex
	specs []*job.Spec
	fail  func(spec *job.Spec) error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, spec *job.Spec, _ job.QueueConfig) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		if err := d.fail(spec); err != nil {
			return "", err
		}
	}
	cp := *spec
	d.specs = append(d.specs, &cp)
	return "q-" + spec.ID.String(), nil
}

func (d *recordingDispatcher) setFail(fn func(spec *job.Spec) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fn
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.specs)
}

func (d *recordingDispatcher) forStep(key string, kind job.Kind) []*job.Spec {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*job.Spec
	for _, s := range d.specs {
		if s.StepKey == key && s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// eventRecorder is an extension that keeps every domain event.
type eventRecorder struct {
	mu       sync.Mutex
	events   []*event.Event
	shutdown bool
}

func (r *eventRecorder) Name() string { return "event-recorder" }

func (r *eventRecorder) OnEvent(_ context.Context, evt *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *eventRecorder) OnShutdown(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	return nil
}

func (r *eventRecorder) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(t event.Type) *event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i]
		}
	}
	return nil
}

func (r *eventRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	eng    *engine.Engine
	store  *memory.Store
	disp   *recordingDispatcher
	events *eventRecorder
	clock  *testClock
}

func newHarness(t *testing.T, defs ...*definition.Definition) *harness {
	t.Helper()
	return newHarnessWith(t, nil, defs...)
}

func newHarnessWith(t *testing.T, opts []engine.Option, defs ...*definition.Definition) *harness {
	t.Helper()
	reg := definition.NewRegistry()
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Key, err)
		}
	}

	clock := &testClock{now: t0}
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  memory.New(memory.WithClock(clock.Now)),
		disp:   &recordingDispatcher{},
		events: &eventRecorder{},
		clock:  clock,
	}
	all := append([]engine.Option{
		engine.WithStore(h.store),
		engine.WithRegistry(reg),
		engine.WithJobDispatcher(h.disp),
		engine.WithClock(clock.Now),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithExtension(h.events),
	}, opts...)

	eng, err := engine.New(all...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	h.eng = eng
	return h
}

func (h *harness) start(key string) *workflow.Instance {
	h.t.Helper()
	wf, err := h.eng.StartWorkflow(h.ctx, key, 0, map[string]any{"order_id": "o-1"})
	if err != nil {
		h.t.Fatalf("StartWorkflow(%s): %v", key, err)
	}
	return wf
}

func (h *harness) workflow(workflowID id.WorkflowID) *workflow.Instance {
	h.t.Helper()
	wf, err := h.store.GetWorkflow(h.ctx, workflowID)
	if err != nil {
		h.t.Fatalf("GetWorkflow: %v", err)
	}
	return wf
}

// spec returns the most recent job dispatched for a step.
func (h *harness) spec(key string, kind job.Kind) *job.Spec {
	h.t.Helper()
	specs := h.disp.forStep(key, kind)
	if len(specs) == 0 {
		h.t.Fatalf("no %s job dispatched for step %q", kind, key)
	}
	return specs[len(specs)-1]
}

func (h *harness) succeed(spec *job.Spec, outputs map[string]any) *engine.EvaluateResult {
	h.t.Helper()
	res, err := h.eng.HandleJobSucceeded(h.ctx, spec.ID, engine.JobResult{Outputs: outputs})
	if err != nil {
		h.t.Fatalf("HandleJobSucceeded(%s): %v", spec.StepKey, err)
	}
	return res
}

func (h *harness) fail(spec *job.Spec, message string) *engine.EvaluateResult {
	h.t.Helper()
	res, err := h.eng.HandleJobFailed(h.ctx, spec.ID, engine.JobFailure{Class: "boom", Message: message})
	if err != nil {
		h.t.Fatalf("HandleJobFailed(%s): %v", spec.StepKey, err)
	}
	return res
}

// succeedStep completes the latest job of a single-job step.
func (h *harness) succeedStep(key string, outputs map[string]any) *engine.EvaluateResult {
	h.t.Helper()
	return h.succeed(h.spec(key, job.KindStep), outputs)
}

func (h *harness) failStep(key, message string) *engine.EvaluateResult {
	h.t.Helper()
	return h.fail(h.spec(key, job.KindStep), message)
}

func (h *harness) runs(workflowID id.WorkflowID, key string) []*step.Run {
	h.t.Helper()
	all, err := h.store.ListStepRuns(h.ctx, workflowID)
	if err != nil {
		h.t.Fatalf("ListStepRuns: %v", err)
	}
	var out []*step.Run
	for _, r := range all {
		if r.StepKey == key {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) latest(workflowID id.WorkflowID, key string) *step.Run {
	h.t.Helper()
	r, err := h.store.LatestStepRun(h.ctx, workflowID, key)
	if err != nil {
		h.t.Fatalf("LatestStepRun: %v", err)
	}
	if r == nil {
		h.t.Fatalf("no run of step %q", key)
	}
	return r
}

func (h *harness) outputs(workflowID id.WorkflowID) definition.Outputs {
	h.t.Helper()
	out, err := h.store.GetOutputs(h.ctx, workflowID)
	if err != nil {
		h.t.Fatalf("GetOutputs: %v", err)
	}
	return out
}

func (h *harness) wantState(workflowID id.WorkflowID, want workflow.State) *workflow.Instance {
	h.t.Helper()
	wf := h.workflow(workflowID)
	if wf.State != want {
		h.t.Fatalf("workflow state = %s (code=%q msg=%q), want %s",
			wf.State, wf.FailureCode, wf.FailureMessage, want)
	}
	return wf
}

// ──────────────────────────────────────────────────
// Definition helpers
// ──────────────────────────────────────────────────

func singleStep(key string) definition.Step {
	return definition.Step{Key: key, Job: definition.JobSpec{Class: key + "_job"}}
}

func compensated(s definition.Step) definition.Step {
	s.Compensation = &definition.CompensationConfig{Class: "undo_" + s.Key}
	return s
}

func fanOut(key, criteria string, items ...any) definition.Step {
	return definition.Step{
		Key:      key,
		Kind:     definition.KindFanOut,
		Job:      definition.JobSpec{Class: key + "_job", Args: map[string]any{"channel": "email"}},
		Criteria: criteria,
		Iterator: func(context.Context, definition.IteratorInput) ([]any, error) {
			return items, nil
		},
	}
}

func linearDef(key string, steps ...definition.Step) *definition.Definition {
	return &definition.Definition{Key: key, Version: 1, Steps: steps}
}

// ──────────────────────────────────────────────────
// Construction and lifecycle
// ──────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	s := memory.New()
	reg := definition.NewRegistry()
	disp := &recordingDispatcher{}

	tests := []struct {
		name string
		opts []engine.Option
		want error
	}{
		{"no store", []engine.Option{engine.WithRegistry(reg), engine.WithJobDispatcher(disp)}, conductor.ErrNoStore},
		{"no registry", []engine.Option{engine.WithStore(s), engine.WithJobDispatcher(disp)}, conductor.ErrNoRegistry},
		{"no dispatcher", []engine.Option{engine.WithStore(s), engine.WithRegistry(reg)}, conductor.ErrNoDispatcher},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.New(tt.opts...); !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := conductor.DefaultConfig()
	cfg.DefaultCompensationAttempts = 0
	_, err := engine.New(
		engine.WithStore(memory.New()),
		engine.WithRegistry(definition.NewRegistry()),
		engine.WithJobDispatcher(&recordingDispatcher{}),
		engine.WithConfig(cfg),
	)
	if err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestEngine_TimestampsAtStoredPrecision(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve")))
	h.clock.Advance(1500 * time.Nanosecond)
	wf := h.start("order")

	want := t0.Add(time.Microsecond)
	if wf.StartedAt == nil || !wf.StartedAt.Equal(want) {
		t.Errorf("started at = %v, want %v", wf.StartedAt, want)
	}
	if run := h.latest(wf.ID, "reserve"); run.StartedAt == nil || run.StartedAt.Nanosecond()%1000 != 0 {
		t.Errorf("run started at = %v", run.StartedAt)
	}
	if evt := h.events.last(event.WorkflowStarted); evt == nil || !evt.OccurredAt.Equal(want) {
		t.Errorf("workflow.started = %+v", evt)
	}
}

func TestEngine_SchedulerTasks(t *testing.T) {
	h := newHarness(t)
	got := strings.Join(h.eng.Scheduler().Tasks(), ",")
	for _, task := range []string{"auto_retries", "due_polls", "pause_timeouts", "step_timeouts"} {
		if !strings.Contains(got, task) {
			t.Errorf("scheduler tasks %q missing %q", got, task)
		}
	}
}

func TestEngine_StartResumesRunningWorkflows(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve")))

	// A workflow left running by a previous process with no run yet.
	wf := workflow.New("order", 1, nil)
	if err := wf.Start(t0, "reserve"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.store.CreateWorkflow(h.ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if err := h.eng.Start(h.ctx); err != nil {
		t.Fatalf("engine Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()
	defer func() {
		if err := h.eng.Stop(ctx); err != nil {
			t.Errorf("engine Stop: %v", err)
		}
		if !h.events.shutdown {
			t.Error("expected OnShutdown to fire on Stop")
		}
	}()

	if n := len(h.disp.forStep("reserve", job.KindStep)); n != 1 {
		t.Fatalf("dispatched %d reserve jobs on Start, want 1", n)
	}
}

// ──────────────────────────────────────────────────
// Dispatch and advancement
// ──────────────────────────────────────────────────

func TestStartWorkflow_DispatchesFirstStep(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve"), singleStep("charge")))
	wf := h.start("order")

	if wf.State != workflow.StateRunning || wf.CurrentStepKey != "reserve" {
		t.Fatalf("workflow = %s@%s, want running@reserve", wf.State, wf.CurrentStepKey)
	}

	spec := h.spec("reserve", job.KindStep)
	if spec.Class != "reserve_job" || spec.Queue != "default" || spec.Attempt != 1 {
		t.Errorf("spec = %s/%s attempt %d", spec.Class, spec.Queue, spec.Attempt)
	}
	if spec.WorkflowID.String() != wf.ID.String() {
		t.Errorf("spec workflow = %s, want %s", spec.WorkflowID, wf.ID)
	}

	run := h.latest(wf.ID, "reserve")
	if run.Status != step.StatusRunning || run.Attempt != 1 || run.TotalJobs != 1 {
		t.Errorf("run = %s attempt %d total %d", run.Status, run.Attempt, run.TotalJobs)
	}

	rec, err := h.store.GetJobRecord(h.ctx, spec.ID)
	if err != nil {
		t.Fatalf("GetJobRecord: %v", err)
	}
	if rec.State != job.StateDispatched || rec.ExternalID != "q-"+spec.ID.String() {
		t.Errorf("record = %s ext %q", rec.State, rec.ExternalID)
	}
	if rec.StepRunID.String() != run.ID.String() {
		t.Errorf("record run = %s, want %s", rec.StepRunID, run.ID)
	}
}

func TestStartWorkflow_UnknownDefinition(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.StartWorkflow(h.ctx, "missing", 0, nil)
	if !errors.Is(err, conductor.ErrDefinitionNotFound) {
		t.Errorf("StartWorkflow(missing) error = %v", err)
	}
}

func TestStartWorkflow_NoStepsSucceedsImmediately(t *testing.T) {
	h := newHarness(t, linearDef("noop"))
	wf := h.start("noop")
	if wf.State != workflow.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", wf.State)
	}
	if h.events.count(event.WorkflowSucceeded) != 1 {
		t.Error("expected one workflow.succeeded event")
	}
}

func TestLinearWorkflow_RunsToCompletion(t *testing.T) {
	h := newHarness(t, linearDef("order",
		singleStep("reserve"), singleStep("charge"), singleStep("ship")))
	wf := h.start("order")

	for _, key := range []string{"reserve", "charge"} {
		res := h.succeedStep(key, map[string]any{key + "_ref": key + "-1"})
		if res.Workflow.State != workflow.StateRunning {
			t.Fatalf("after %s: state = %s", key, res.Workflow.State)
		}
	}
	res := h.succeedStep("ship", map[string]any{"tracking": "TRK1"})

	if res.Workflow.State != workflow.StateSucceeded || res.Workflow.CurrentStepKey != "" {
		t.Fatalf("final = %s@%q, want succeeded with no current step", res.Workflow.State, res.Workflow.CurrentStepKey)
	}
	out := h.outputs(wf.ID)
	if v, _ := out.Get("charge", "charge_ref"); v != "charge-1" {
		t.Errorf("charge.charge_ref = %v", v)
	}
	if v, _ := out.Get("ship", "tracking"); v != "TRK1" {
		t.Errorf("ship.tracking = %v", v)
	}

	if got := h.events.count(event.StepSucceeded); got != 3 {
		t.Errorf("step.succeeded events = %d, want 3", got)
	}
	if got := h.events.count(event.WorkflowSucceeded); got != 1 {
		t.Errorf("workflow.succeeded events = %d, want 1", got)
	}
	stored, _ := h.store.ListEvents(h.ctx, wf.ID)
	if len(stored) != h.events.len() {
		t.Errorf("stored %d events, extension saw %d", len(stored), h.events.len())
	}
}

func TestEvaluate_IsIdempotent(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve"), singleStep("charge")))
	wf := h.start("order")
	before := h.events.len()

	for i := 0; i < 3; i++ {
		res, err := h.eng.Evaluate(h.ctx, wf.ID)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if res.Contended {
			t.Fatal("unexpected contention")
		}
	}

	if n := h.disp.count(); n != 1 {
		t.Errorf("dispatched %d jobs, want 1", n)
	}
	if n := len(h.runs(wf.ID, "reserve")); n != 1 {
		t.Errorf("reserve runs = %d, want 1", n)
	}
	if after := h.events.len(); after != before {
		t.Errorf("events grew from %d to %d", before, after)
	}
}

func TestEvaluate_UnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.Evaluate(h.ctx, id.NewWorkflowID()); !errors.Is(err, conductor.ErrWorkflowNotFound) {
		t.Errorf("Evaluate(unknown) error = %v", err)
	}
}

func TestEvaluate_LockContention(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve"), singleStep("charge")))
	wf := h.start("order")

	if ok, err := h.store.AcquireLock(h.ctx, wf.ID, "operator", t0, time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLock = %v, %v", ok, err)
	}

	res, err := h.eng.Evaluate(h.ctx, wf.ID)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Contended || res.Workflow == nil {
		t.Fatalf("Evaluate under foreign lock = %+v, want contended", res)
	}
	if _, err := h.eng.PauseWorkflow(h.ctx, wf.ID, engine.PauseOptions{Reason: "ops"}); !errors.Is(err, conductor.ErrWorkflowLocked) {
		t.Errorf("PauseWorkflow under foreign lock error = %v", err)
	}

	// A job outcome that lands while the lock is held is picked up by the
	// next evaluation.
	res = h.succeedStep("reserve", nil)
	if !res.Contended {
		t.Error("expected the job callback evaluation to be contended")
	}
	if h.latest(wf.ID, "reserve").Status != step.StatusRunning {
		t.Error("run finalized while the lock was held")
	}

	if err := h.store.ReleaseLock(h.ctx, wf.ID, "operator"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	res, err = h.eng.Evaluate(h.ctx, wf.ID)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Workflow.CurrentStepKey != "charge" {
		t.Errorf("current step = %q, want charge", res.Workflow.CurrentStepKey)
	}

	locked := h.workflow(wf.ID)
	if locked.LockedBy != "" {
		t.Errorf("lock left held by %q", locked.LockedBy)
	}
}

func TestWithLockToken_CallerHeldLock(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve"), singleStep("charge")))
	wf := h.start("order")

	if ok, err := h.store.AcquireLock(h.ctx, wf.ID, "ops-7", t0, time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLock = %v, %v", ok, err)
	}
	if _, err := h.eng.PauseWorkflow(h.ctx, wf.ID, engine.PauseOptions{Reason: "ops"}); !errors.Is(err, conductor.ErrWorkflowLocked) {
		t.Fatalf("PauseWorkflow without the token error = %v", err)
	}

	ctx := engine.WithLockToken(h.ctx, "ops-7")
	if _, err := h.eng.PauseWorkflow(ctx, wf.ID, engine.PauseOptions{Reason: "ops"}); err != nil {
		t.Fatalf("PauseWorkflow with the holder's token: %v", err)
	}
	got := h.wantState(wf.ID, workflow.StatePaused)
	if got.LockedBy != "" {
		t.Errorf("lock left held by %q", got.LockedBy)
	}
}

func TestHandlePollResult_LockContention(t *testing.T) {
	h := newHarness(t, pollingDef(definition.PollConfig{Interval: time.Minute, MaxAttempts: 5}))
	wf := h.start("settle")
	spec := h.spec("await_settlement", job.KindPoll)

	if ok, err := h.store.AcquireLock(h.ctx, wf.ID, "operator", t0, time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLock = %v, %v", ok, err)
	}

	res := h.poll(true, map[string]any{"settled_at": "2026-03-01"})
	if !res.Contended {
		t.Error("expected the poll callback evaluation to be contended")
	}
	rec, err := h.store.GetJobRecord(h.ctx, spec.ID)
	if err != nil {
		t.Fatalf("GetJobRecord: %v", err)
	}
	if rec.State != job.StateSucceeded {
		t.Errorf("poll job = %s, want succeeded", rec.State)
	}
	if v, _ := h.outputs(wf.ID).Get("await_settlement", "settled_at"); v != "2026-03-01" {
		t.Errorf("outputs = %v", v)
	}
	if run := h.latest(wf.ID, "await_settlement"); run.Status != step.StatusPolling {
		t.Errorf("run finalized while the lock was held: %s", run.Status)
	}

	if err := h.store.ReleaseLock(h.ctx, wf.ID, "operator"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	after, err := h.eng.Evaluate(h.ctx, wf.ID)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if after.Workflow.CurrentStepKey != "notify" {
		t.Errorf("current step = %q, want notify", after.Workflow.CurrentStepKey)
	}
	if run := h.latest(wf.ID, "await_settlement"); run.Status != step.StatusSucceeded {
		t.Errorf("run = %s, want succeeded", run.Status)
	}
}

func TestCompensationCallbacks_LockContention(t *testing.T) {
	h, wfID := sagaHarness(t)
	if _, err := h.eng.Compensate(h.ctx, wfID, engine.CompensateRequest{InitiatedBy: "ops"}); err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	hold := func() {
		t.Helper()
		if ok, err := h.store.AcquireLock(h.ctx, wfID, "operator", t0, time.Minute); err != nil || !ok {
			t.Fatalf("AcquireLock = %v, %v", ok, err)
		}
	}
	release := func() {
		t.Helper()
		if err := h.store.ReleaseLock(h.ctx, wfID, "operator"); err != nil {
			t.Fatalf("ReleaseLock: %v", err)
		}
		if _, err := h.eng.Evaluate(h.ctx, wfID); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
	}

	// The success of undo_c is kept while the lock is held; undo_b waits.
	hold()
	undoC := h.spec("c", job.KindCompensation)
	h.succeed(undoC, nil)
	if status := compensationStatus(t, h, wfID, 1); status["c"] != compensation.StatusSucceeded || status["b"] != compensation.StatusPending {
		t.Fatalf("statuses under lock = %v", status)
	}
	recs, err := h.store.ListJobRecords(h.ctx, undoC.ID)
	if err != nil {
		t.Fatalf("ListJobRecords: %v", err)
	}
	if len(recs) != 1 || recs[0].State != job.StateSucceeded {
		t.Errorf("undo_c ledger = %+v", recs)
	}
	if n := len(h.disp.forStep("b", job.KindCompensation)); n != 0 {
		t.Fatalf("undo_b dispatched under a foreign lock")
	}

	release()
	if status := compensationStatus(t, h, wfID, 1); status["b"] != compensation.StatusRunning {
		t.Fatalf("statuses after release = %v", status)
	}

	// A failed attempt is kept too and retried once the lock frees up.
	hold()
	h.fail(h.spec("b", job.KindCompensation), "refund API 503")
	if status := compensationStatus(t, h, wfID, 1); status["b"] != compensation.StatusFailed {
		t.Fatalf("statuses under lock = %v", status)
	}
	h.wantState(wfID, workflow.StateCompensating)

	release()
	if n := len(h.disp.forStep("b", job.KindCompensation)); n != 2 {
		t.Fatalf("undo_b attempts = %d, want 2", n)
	}

	hold()
	h.fail(h.spec("b", job.KindCompensation), "refund API 503")
	h.wantState(wfID, workflow.StateCompensating)
	release()
	h.wantState(wfID, workflow.StateCompensationFailed)
}

func TestHandleJobStarted(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve")))
	h.start("order")
	spec := h.spec("reserve", job.KindStep)

	rec, err := h.eng.HandleJobStarted(h.ctx, spec.ID, "worker-7")
	if err != nil {
		t.Fatalf("HandleJobStarted: %v", err)
	}
	if rec.State != job.StateRunning || rec.WorkerID != "worker-7" || rec.StartedAt == nil {
		t.Errorf("record = %s worker %q", rec.State, rec.WorkerID)
	}

	again, err := h.eng.HandleJobStarted(h.ctx, spec.ID, "worker-8")
	if err != nil {
		t.Fatalf("second HandleJobStarted: %v", err)
	}
	if again.WorkerID != "worker-7" {
		t.Errorf("duplicate start overwrote worker: %q", again.WorkerID)
	}
}

func TestHandleJobSucceeded_Duplicate(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve"), singleStep("charge")))
	wf := h.start("order")
	spec := h.spec("reserve", job.KindStep)

	h.succeed(spec, map[string]any{"hold": "h1"})
	h.succeed(spec, map[string]any{"hold": "h2"})

	if n := len(h.disp.forStep("charge", job.KindStep)); n != 1 {
		t.Errorf("charge dispatched %d times, want 1", n)
	}
	if v, _ := h.outputs(wf.ID).Get("reserve", "hold"); v != "h1" {
		t.Errorf("duplicate report overwrote outputs: %v", v)
	}
}

func TestDispatchFailure_FailsStep(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve")))
	h.disp.setFail(func(spec *job.Spec) error {
		if spec.Class == "reserve_job" {
			return errors.New("queue unavailable")
		}
		return nil
	})

	wf := h.start("order")
	if wf.State != workflow.StateFailed || wf.FailureCode != engine.CodeJobsFailed {
		t.Fatalf("workflow = %s code %q, want failed jobs_failed", wf.State, wf.FailureCode)
	}

	run := h.latest(wf.ID, "reserve")
	recs, _ := h.store.ListJobRecords(h.ctx, run.ID)
	if len(recs) != 1 || recs[0].FailureClass != engine.FailureClassDispatch {
		t.Fatalf("records = %+v, want one dispatch failure", recs)
	}
	if started := h.events.last(event.StepStarted); started == nil || started.Data["dispatch_failures"] != 1 {
		t.Errorf("step.started = %+v, want one dispatch failure", started)
	}
}

func TestMiddleware_WrapsDispatch(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	record := func(ctx context.Context, spec *job.Spec, next mw.Handler) error {
		mu.Lock()
		seen = append(seen, spec.Class)
		mu.Unlock()
		return next(ctx)
	}

	h := newHarnessWith(t, []engine.Option{engine.WithMiddleware(record)},
		linearDef("order", singleStep("reserve"), singleStep("charge")))
	h.start("order")
	h.succeedStep("reserve", nil)

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != "reserve_job,charge_job" {
		t.Errorf("middleware saw %v", seen)
	}
}

func TestQueueLimits_BoundFanOutSubmissions(t *testing.T) {
	var mu sync.Mutex
	var current, peak int
	track := func(ctx context.Context, _ *job.Spec, next mw.Handler) error {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return next(ctx)
	}

	limits := queue.NewManager(queue.Config{Name: "default", MaxInFlight: 1})
	h := newHarnessWith(t, []engine.Option{engine.WithQueueLimits(limits), engine.WithMiddleware(track)},
		linearDef("notify", fanOut("send", "all", "a", "b", "c", "d", "e", "f")))
	h.start("notify")

	if n := len(h.disp.forStep("send", job.KindStep)); n != 6 {
		t.Fatalf("dispatched %d fan-out jobs, want 6", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrent submissions = %d, want 1", peak)
	}
	if n := limits.InFlight("default"); n != 0 {
		t.Errorf("in flight after dispatch = %d", n)
	}
}

func TestStreamBroker_FollowsWorkflow(t *testing.T) {
	broker := stream.NewBroker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	watcher, err := broker.Subscribe("dashboard", stream.TopicWorkflows)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarnessWith(t, []engine.Option{engine.WithExtension(broker)},
		linearDef("order", singleStep("reserve")))
	wf := h.start("order")

	steps, err := broker.Subscribe("steps", stream.StepTopic(wf.ID.String(), "reserve"))
	if err != nil {
		t.Fatal(err)
	}
	h.succeedStep("reserve", nil)

	var seen []string
	for len(watcher.C()) > 0 {
		seen = append(seen, string((<-watcher.C()).Type))
	}
	if strings.Join(seen, ",") != "workflow.started,workflow.succeeded" {
		t.Errorf("workflow feed = %v", seen)
	}
	if evt := <-steps.C(); evt.Type != event.StepSucceeded || evt.WorkflowID.String() != wf.ID.String() {
		t.Errorf("step feed = %s", evt.Type)
	}

	if err := h.eng.Stop(h.ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-watcher.C(); ok {
		t.Error("watcher channel open after Stop")
	}
}

// ──────────────────────────────────────────────────
// Fan-out
// ──────────────────────────────────────────────────

// fanOutSpecs returns the step's dispatched jobs in item order. Jobs are
// submitted in parallel, so dispatch order is arbitrary.
func (h *harness) fanOutSpecs(key string) []*job.Spec {
	h.t.Helper()
	specs := h.disp.forStep(key, job.KindStep)
	slices.SortFunc(specs, func(a, b *job.Spec) int {
		ai, _ := a.Args["index"].(int)
		bi, _ := b.Args["index"].(int)
		return cmp.Compare(ai, bi)
	})
	return specs
}

func TestFanOut_SuccessCriteria(t *testing.T) {
	tests := []struct {
		criteria string
		failures int
		want     workflow.State
	}{
		{"all", 0, workflow.StateSucceeded},
		{"all", 1, workflow.StateFailed},
		{"majority", 1, workflow.StateSucceeded},
		{"majority", 2, workflow.StateFailed},
		{"best_effort", 2, workflow.StateSucceeded},
		{"n_of_m:3", 1, workflow.StateFailed},
		{"n_of_m:2", 1, workflow.StateSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.criteria, func(t *testing.T) {
			h := newHarness(t, linearDef("notify", fanOut("send", tt.criteria, "a", "b", "c")))
			wf := h.start("notify")

			specs := h.fanOutSpecs("send")
			if len(specs) != 3 {
				t.Fatalf("dispatched %d jobs, want 3", len(specs))
			}
			for i, s := range specs {
				if s.Args["index"] != i || s.Args["channel"] != "email" {
					t.Errorf("job %d args = %v", i, s.Args)
				}
			}

			for i, s := range specs {
				if i < tt.failures {
					h.fail(s, "smtp refused")
				} else {
					h.succeed(s, nil)
				}
			}

			got := h.wantState(wf.ID, tt.want)
			run := h.latest(wf.ID, "send")
			if run.SucceededJobs != 3-tt.failures || run.FailedJobs != tt.failures {
				t.Errorf("run counts = %d/%d", run.SucceededJobs, run.FailedJobs)
			}
			if tt.want == workflow.StateFailed && got.FailureCode != engine.CodeJobsFailed {
				t.Errorf("failure code = %q", got.FailureCode)
			}
		})
	}
}

func TestFanOut_WaitsForEveryJob(t *testing.T) {
	h := newHarness(t, linearDef("notify", fanOut("send", "", 1, 2, 3), singleStep("audit")))
	wf := h.start("notify")
	specs := h.disp.forStep("send", job.KindStep)

	h.succeed(specs[0], nil)
	h.succeed(specs[1], nil)
	if run := h.latest(wf.ID, "send"); run.Status != step.StatusRunning {
		t.Fatalf("run finalized early: %s", run.Status)
	}
	if h.workflow(wf.ID).CurrentStepKey != "send" {
		t.Fatal("workflow advanced before every job reported")
	}

	res := h.succeed(specs[2], nil)
	if res.Workflow.CurrentStepKey != "audit" {
		t.Errorf("current step = %q, want audit", res.Workflow.CurrentStepKey)
	}
}

func TestFanOut_NoItemsSucceedsImmediately(t *testing.T) {
	h := newHarness(t, linearDef("notify", fanOut("send", "")))
	wf := h.start("notify")

	if wf.State != workflow.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", wf.State)
	}
	if n := h.disp.count(); n != 0 {
		t.Errorf("dispatched %d jobs, want 0", n)
	}
	if run := h.latest(wf.ID, "send"); run.TotalJobs != 0 || run.Status != step.StatusSucceeded {
		t.Errorf("run = %s total %d", run.Status, run.TotalJobs)
	}
}

func TestFanOut_ItemsFromOutputs(t *testing.T) {
	each := definition.Step{
		Key:       "each",
		Kind:      definition.KindFanOut,
		Job:       definition.JobSpec{Class: "each_job"},
		ItemsFrom: &definition.Dependency{Step: "list", Output: "ids"},
	}
	h := newHarness(t, linearDef("batch", singleStep("list"), each))
	h.start("batch")
	h.succeedStep("list", map[string]any{"ids": []any{"x", "y"}})

	specs := h.fanOutSpecs("each")
	if len(specs) != 2 {
		t.Fatalf("dispatched %d jobs, want 2", len(specs))
	}
	if specs[0].Args["item"] != "x" || specs[1].Args["item"] != "y" {
		t.Errorf("items = %v, %v", specs[0].Args["item"], specs[1].Args["item"])
	}
}

func TestFanOut_IteratorErrorFailsWorkflow(t *testing.T) {
	broken := fanOut("send", "")
	broken.Iterator = func(context.Context, definition.IteratorInput) ([]any, error) {
		return nil, errors.New("recipient lookup failed")
	}
	h := newHarness(t, linearDef("notify", broken))
	wf := h.start("notify")

	if wf.State != workflow.StateFailed || wf.FailureCode != engine.CodeIteratorFailed {
		t.Errorf("workflow = %s code %q", wf.State, wf.FailureCode)
	}
}

func TestFanOut_ConcurrentCompletions(t *testing.T) {
	items := make([]any, 25)
	for i := range items {
		items[i] = i
	}
	h := newHarness(t, linearDef("notify", fanOut("send", "", items...), singleStep("audit")))
	wf := h.start("notify")
	specs := h.disp.forStep("send", job.KindStep)

	var wg sync.WaitGroup
	errs := make(chan error, len(specs))
	for _, s := range specs {
		wg.Add(1)
		go func(s *job.Spec) {
			defer wg.Done()
			if _, err := h.eng.HandleJobSucceeded(h.ctx, s.ID, engine.JobResult{}); err != nil {
				errs <- err
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("HandleJobSucceeded: %v", err)
	}

	if _, err := h.eng.Evaluate(h.ctx, wf.ID); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got := h.events.count(event.StepSucceeded); got != 1 {
		t.Errorf("step.succeeded events = %d, want exactly 1", got)
	}
	if n := len(h.runs(wf.ID, "send")); n != 1 {
		t.Errorf("send runs = %d, want 1", n)
	}
	if n := len(h.disp.forStep("audit", job.KindStep)); n != 1 {
		t.Errorf("audit dispatched %d times, want 1", n)
	}
}

// ──────────────────────────────────────────────────
// Finalization and dependencies
// ──────────────────────────────────────────────────

func TestTryFinalize_SecondCallerLoses(t *testing.T) {
	def := linearDef("order", singleStep("reserve"))
	h := newHarness(t, def)
	wf := h.start("order")

	// Keep the engine from finalizing on the job callback.
	if ok, _ := h.store.AcquireLock(h.ctx, wf.ID, "operator", t0, time.Minute); !ok {
		t.Fatal("AcquireLock failed")
	}
	h.succeedStep("reserve", nil)

	stale := h.latest(wf.ID, "reserve")
	s, _ := def.Step("reserve")

	first, err := h.eng.TryFinalize(h.ctx, stale, s)
	if err != nil {
		t.Fatalf("TryFinalize: %v", err)
	}
	if first.Outcome != engine.Finalized || !first.Succeeded() {
		t.Fatalf("first = %s succeeded=%v", first.Outcome, first.Succeeded())
	}

	second, err := h.eng.TryFinalize(h.ctx, stale, s)
	if err != nil {
		t.Fatalf("second TryFinalize: %v", err)
	}
	if second.Outcome != engine.AlreadyFinalized {
		t.Errorf("second = %s, want already_finalized", second.Outcome)
	}
	if got := h.events.count(event.StepSucceeded); got != 1 {
		t.Errorf("step.succeeded events = %d, want 1", got)
	}
}

func TestTryFinalize_NotReady(t *testing.T) {
	def := linearDef("notify", fanOut("send", "", 1, 2))
	h := newHarness(t, def)
	wf := h.start("notify")
	h.succeed(h.disp.forStep("send", job.KindStep)[0], nil)

	s, _ := def.Step("send")
	res, err := h.eng.TryFinalize(h.ctx, h.latest(wf.ID, "send"), s)
	if err != nil {
		t.Fatalf("TryFinalize: %v", err)
	}
	if res.Outcome != engine.NotReady || res.Stats.Succeeded != 1 || res.Stats.Dispatched != 1 {
		t.Errorf("result = %s %+v", res.Outcome, res.Stats)
	}
}

func TestDependencyUnmet_FailsWorkflow(t *testing.T) {
	charge := singleStep("charge")
	charge.Requires = []definition.Dependency{{Step: "reserve", Output: "hold_id"}}
	h := newHarness(t, linearDef("order", singleStep("reserve"), charge))
	wf := h.start("order")

	h.succeedStep("reserve", map[string]any{"other": true})

	got := h.wantState(wf.ID, workflow.StateFailed)
	if got.FailureCode != engine.CodeDependencyUnmet {
		t.Errorf("failure code = %q", got.FailureCode)
	}
	if !strings.Contains(got.FailureMessage, "reserve.hold_id") {
		t.Errorf("failure message %q does not name the missing output", got.FailureMessage)
	}
	if n := len(h.disp.forStep("charge", job.KindStep)); n != 0 {
		t.Errorf("charge dispatched %d times", n)
	}
}

func TestDispatchStep_RequiresOutputs(t *testing.T) {
	charge := singleStep("charge")
	charge.Requires = []definition.Dependency{{Step: "reserve", Output: "hold_id"}}
	h := newHarness(t, linearDef("order", singleStep("reserve"), charge))
	wf := h.start("order")

	_, err := h.eng.DispatchStep(h.ctx, wf.ID, "charge")
	if !errors.Is(err, conductor.ErrDependencyUnmet) {
		t.Fatalf("DispatchStep error = %v, want dependency unmet", err)
	}
	var depErr *conductor.DependencyError
	if !errors.As(err, &depErr) || depErr.Missing[0] != "reserve.hold_id" {
		t.Errorf("dependency error = %v", err)
	}

	if _, err := h.eng.DispatchStep(h.ctx, wf.ID, "nope"); !errors.Is(err, conductor.ErrStepNotFound) {
		t.Errorf("DispatchStep(unknown) error = %v", err)
	}
}

// ──────────────────────────────────────────────────
// Management operations
// ──────────────────────────────────────────────────

func TestCancelWorkflow(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve"), singleStep("charge")))
	wf := h.start("order")

	got, err := h.eng.CancelWorkflow(h.ctx, wf.ID, "customer request")
	if err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}
	if got.State != workflow.StateCancelled || got.CurrentStepKey != "" {
		t.Errorf("cancelled = %s@%q", got.State, got.CurrentStepKey)
	}

	if _, err := h.eng.CancelWorkflow(h.ctx, wf.ID, ""); !errors.Is(err, conductor.ErrAlreadyCancelled) {
		t.Errorf("second cancel error = %v", err)
	}

	// A late job outcome is recorded but moves nothing.
	h.succeedStep("reserve", nil)
	h.wantState(wf.ID, workflow.StateCancelled)
	if n := len(h.disp.forStep("charge", job.KindStep)); n != 0 {
		t.Errorf("charge dispatched after cancel")
	}
}

func TestRetryWorkflow(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve")))
	wf := h.start("order")

	if _, err := h.eng.RetryWorkflow(h.ctx, wf.ID); !errors.Is(err, conductor.ErrInvalidTransition) {
		t.Errorf("RetryWorkflow(running) error = %v", err)
	}

	h.failStep("reserve", "inventory offline")
	h.wantState(wf.ID, workflow.StateFailed)

	got, err := h.eng.RetryWorkflow(h.ctx, wf.ID)
	if err != nil {
		t.Fatalf("RetryWorkflow: %v", err)
	}
	if got.State != workflow.StateRunning || got.FailureCode != "" {
		t.Errorf("retried = %s code %q", got.State, got.FailureCode)
	}
	if spec := h.spec("reserve", job.KindStep); spec.Attempt != 2 {
		t.Errorf("retry attempt = %d, want 2", spec.Attempt)
	}
	if got := h.events.count(event.WorkflowRetried); got != 1 {
		t.Errorf("workflow.retried events = %d", got)
	}
}

func TestListWorkflows(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve")))
	a := h.start("order")
	h.start("order")
	h.failStep("reserve", "boom") // fails the most recent one

	running, err := h.eng.ListWorkflows(h.ctx, workflow.ListOpts{State: workflow.StateRunning})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(running) != 1 || running[0].ID.String() != a.ID.String() {
		t.Errorf("running = %v", running)
	}
	all, _ := h.eng.ListWorkflows(h.ctx, workflow.ListOpts{DefinitionKey: "order"})
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}

	got, err := h.eng.GetWorkflow(h.ctx, a.ID)
	if err != nil || got.ID.String() != a.ID.String() {
		t.Errorf("GetWorkflow = %v, %v", got, err)
	}
}

func TestTimeline(t *testing.T) {
	h := newHarness(t, linearDef("order", singleStep("reserve"), compensated(singleStep("charge"))))
	wf := h.start("order")
	h.succeedStep("reserve", nil)
	h.failStep("charge", "card declined")
	if _, err := h.eng.ApplyDecision(h.ctx, wf.ID, engine.DecisionRequest{
		Decision:  "retry",
		DecidedBy: "ops@example.com",
	}); err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}

	tl, err := h.eng.Timeline(h.ctx, wf.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(tl.Steps) != 3 {
		t.Fatalf("timeline runs = %d, want 3", len(tl.Steps))
	}
	for _, st := range tl.Steps {
		if len(st.Jobs) != 1 {
			t.Errorf("run %s/%d has %d jobs", st.Run.StepKey, st.Run.Attempt, len(st.Jobs))
		}
	}
	if len(tl.Decisions) != 1 || tl.Decisions[0].DecidedBy != "ops@example.com" {
		t.Errorf("decisions = %+v", tl.Decisions)
	}
	stored, _ := h.store.ListEvents(h.ctx, wf.ID)
	if len(tl.Events) != len(stored) || len(stored) == 0 {
		t.Errorf("timeline events = %d, stored %d", len(tl.Events), len(stored))
	}
}
