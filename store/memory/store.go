// Package memory implements store.Store in process memory. It is safe for
// concurrent use and intended for unit testing and development.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/job"
	"github.com/xraph/conductor/output"
	"github.com/xraph/conductor/resolution"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ workflow.Store     = (*Store)(nil)
	_ step.Store         = (*Store)(nil)
	_ job.Store          = (*Store)(nil)
	_ compensation.Store = (*Store)(nil)
	_ resolution.Store   = (*Store)(nil)
	_ output.Store       = (*Store)(nil)
	_ event.Store        = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	workflows map[string]*workflow.Instance
	wfOrder   []string

	stepRuns  map[string]*step.Run
	runsByWF  map[string][]string // workflow ID -> step run IDs in creation order
	jobs      map[string]*job.Record
	jobsByRun map[string][]string

	comps     map[string]*compensation.Run
	compsByWF map[string][]string

	decisions  map[string]*resolution.Record
	decsByWF   map[string][]string
	outputs    map[string]definition.Outputs
	events     map[string][]*event.Event
	eventIndex map[string]struct{}

	now func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithClock sets the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = func() time.Time { return conductor.Timestamp(now()) } }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		workflows:  make(map[string]*workflow.Instance),
		stepRuns:   make(map[string]*step.Run),
		runsByWF:   make(map[string][]string),
		jobs:       make(map[string]*job.Record),
		jobsByRun:  make(map[string][]string),
		comps:      make(map[string]*compensation.Run),
		compsByWF:  make(map[string][]string),
		decisions:  make(map[string]*resolution.Record),
		decsByWF:   make(map[string][]string),
		outputs:    make(map[string]definition.Outputs),
		events:     make(map[string][]*event.Event),
		eventIndex: make(map[string]struct{}),
		now:        conductor.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Workflow Store
// ──────────────────────────────────────────────────

func copyInstance(w *workflow.Instance) *workflow.Instance {
	cp := *w
	cp.Input = maps.Clone(w.Input)
	return &cp
}

// CreateWorkflow persists a new instance.
func (m *Store) CreateWorkflow(_ context.Context, w *workflow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := w.ID.String()
	if _, exists := m.workflows[key]; exists {
		return conductor.ErrAlreadyExists
	}
	m.workflows[key] = copyInstance(w)
	m.wfOrder = append(m.wfOrder, key)
	return nil
}

// GetWorkflow returns an instance by ID.
func (m *Store) GetWorkflow(_ context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workflows[workflowID.String()]
	if !ok {
		return nil, conductor.ErrWorkflowNotFound
	}
	return copyInstance(w), nil
}

// UpdateWorkflow persists every field except the evaluation lock.
func (m *Store) UpdateWorkflow(_ context.Context, w *workflow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := w.ID.String()
	stored, ok := m.workflows[key]
	if !ok {
		return conductor.ErrWorkflowNotFound
	}
	cp := copyInstance(w)
	cp.LockedBy = stored.LockedBy
	cp.LockedAt = stored.LockedAt
	cp.Touch(m.now())
	m.workflows[key] = cp
	w.UpdatedAt = cp.UpdatedAt
	return nil
}

// ListWorkflows returns instances in creation order.
func (m *Store) ListWorkflows(_ context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Instance
	for _, key := range m.wfOrder {
		w := m.workflows[key]
		if opts.State != "" && w.State != opts.State {
			continue
		}
		if opts.DefinitionKey != "" && w.DefinitionKey != opts.DefinitionKey {
			continue
		}
		result = append(result, copyInstance(w))
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

// ListDueAutoRetries returns failed instances whose auto-retry is due.
func (m *Store) ListDueAutoRetries(_ context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Instance
	for _, key := range m.wfOrder {
		w := m.workflows[key]
		if w.State == workflow.StateFailed && due(w.NextAutoRetryAt, now) {
			result = append(result, copyInstance(w))
		}
	}
	return paginate(result, 0, limit), nil
}

// ListDuePaused returns paused instances whose trigger timeout or
// scheduled resume is due.
func (m *Store) ListDuePaused(_ context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Instance
	for _, key := range m.wfOrder {
		w := m.workflows[key]
		if w.State != workflow.StatePaused {
			continue
		}
		if due(w.PauseTimeoutAt, now) || due(w.ScheduledResumeAt, now) {
			result = append(result, copyInstance(w))
		}
	}
	return paginate(result, 0, limit), nil
}

// AcquireLock takes the evaluation lock when it is free, already held by
// token, or older than ttl.
func (m *Store) AcquireLock(_ context.Context, workflowID id.WorkflowID, token string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workflows[workflowID.String()]
	if !ok {
		return false, conductor.ErrWorkflowNotFound
	}
	free := w.LockedBy == "" || w.LockedBy == token ||
		w.LockedAt == nil || !w.LockedAt.Add(ttl).After(now)
	if !free {
		return false, nil
	}
	at := now
	w.LockedBy = token
	w.LockedAt = &at
	return true, nil
}

// ReleaseLock clears the lock if token holds it.
func (m *Store) ReleaseLock(_ context.Context, workflowID id.WorkflowID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workflows[workflowID.String()]
	if !ok {
		return conductor.ErrWorkflowNotFound
	}
	if w.LockedBy == token {
		w.LockedBy = ""
		w.LockedAt = nil
	}
	return nil
}

// ──────────────────────────────────────────────────
// Step Store
// ──────────────────────────────────────────────────

func copyRun(r *step.Run) *step.Run {
	cp := *r
	return &cp
}

// CreateStepRun persists a new run, rejecting a duplicate attempt.
func (m *Store) CreateStepRun(_ context.Context, r *step.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.stepRuns[key]; exists {
		return conductor.ErrAlreadyExists
	}
	wfKey := r.WorkflowID.String()
	for _, rid := range m.runsByWF[wfKey] {
		other := m.stepRuns[rid]
		if other.StepKey == r.StepKey && other.Attempt == r.Attempt {
			return conductor.ErrAlreadyExists
		}
	}
	m.stepRuns[key] = copyRun(r)
	m.runsByWF[wfKey] = append(m.runsByWF[wfKey], key)
	return nil
}

// GetStepRun returns a run by ID.
func (m *Store) GetStepRun(_ context.Context, runID id.StepRunID) (*step.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.stepRuns[runID.String()]
	if !ok {
		return nil, conductor.ErrStepRunNotFound
	}
	return copyRun(r), nil
}

// UpdateStepRun persists changes to an existing run.
func (m *Store) UpdateStepRun(_ context.Context, r *step.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, ok := m.stepRuns[key]; !ok {
		return conductor.ErrStepRunNotFound
	}
	r.Touch(m.now())
	m.stepRuns[key] = copyRun(r)
	return nil
}

// TransitionStepRun persists r only if the stored status equals from.
func (m *Store) TransitionStepRun(_ context.Context, r *step.Run, from step.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	stored, ok := m.stepRuns[key]
	if !ok {
		return false, conductor.ErrStepRunNotFound
	}
	if stored.Status != from {
		return false, nil
	}
	r.Touch(m.now())
	m.stepRuns[key] = copyRun(r)
	return true, nil
}

// LatestStepRun returns the highest-attempt run of a step, or nil.
func (m *Store) LatestStepRun(_ context.Context, workflowID id.WorkflowID, stepKey string) (*step.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *step.Run
	for _, rid := range m.runsByWF[workflowID.String()] {
		r := m.stepRuns[rid]
		if r.StepKey != stepKey {
			continue
		}
		if latest == nil || r.Attempt > latest.Attempt {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyRun(latest), nil
}

// ListStepRuns returns every run of a workflow in creation order.
func (m *Store) ListStepRuns(_ context.Context, workflowID id.WorkflowID) ([]*step.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.runsByWF[workflowID.String()]
	result := make([]*step.Run, 0, len(ids))
	for _, rid := range ids {
		result = append(result, copyRun(m.stepRuns[rid]))
	}
	return result, nil
}

// ListDuePolls returns polling runs whose next poll is due.
func (m *Store) ListDuePolls(_ context.Context, now time.Time, limit int) ([]*step.Run, error) {
	return m.scanRuns(limit, func(r *step.Run) bool {
		return r.Status == step.StatusPolling && due(r.NextPollAt, now)
	}), nil
}

// ListTimedOut returns active runs whose timeout has passed.
func (m *Store) ListTimedOut(_ context.Context, now time.Time, limit int) ([]*step.Run, error) {
	return m.scanRuns(limit, func(r *step.Run) bool {
		return r.Status.Active() && due(r.TimeoutAt, now)
	}), nil
}

func (m *Store) scanRuns(limit int, match func(*step.Run) bool) []*step.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*step.Run
	for _, wfKey := range m.wfOrder {
		for _, rid := range m.runsByWF[wfKey] {
			r := m.stepRuns[rid]
			if match(r) {
				result = append(result, copyRun(r))
			}
		}
	}
	return paginate(result, 0, limit)
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

func copyRecord(r *job.Record) *job.Record {
	cp := *r
	return &cp
}

// CreateJobRecords persists new records.
func (m *Store) CreateJobRecords(_ context.Context, records []*job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if _, exists := m.jobs[r.ID.String()]; exists {
			return conductor.ErrAlreadyExists
		}
	}
	for _, r := range records {
		key := r.ID.String()
		m.jobs[key] = copyRecord(r)
		runKey := r.StepRunID.String()
		m.jobsByRun[runKey] = append(m.jobsByRun[runKey], key)
	}
	return nil
}

// GetJobRecord returns a record by ID.
func (m *Store) GetJobRecord(_ context.Context, jobID id.JobID) (*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conductor.ErrJobNotFound
	}
	return copyRecord(r), nil
}

// UpdateJobRecord persists changes to an existing record.
func (m *Store) UpdateJobRecord(_ context.Context, r *job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return conductor.ErrJobNotFound
	}
	r.Touch(m.now())
	m.jobs[key] = copyRecord(r)
	return nil
}

// SetExternalID records the queue's identifier for a job.
func (m *Store) SetExternalID(_ context.Context, jobID id.JobID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.jobs[jobID.String()]
	if !ok {
		return conductor.ErrJobNotFound
	}
	r.ExternalID = externalID
	r.Touch(m.now())
	return nil
}

// ListJobRecords returns a step run's records ordered by index then
// dispatch time.
func (m *Store) ListJobRecords(_ context.Context, stepRunID id.StepRunID) ([]*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.jobsByRun[stepRunID.String()]
	result := make([]*job.Record, 0, len(ids))
	for _, jid := range ids {
		result = append(result, copyRecord(m.jobs[jid]))
	}
	sort.SliceStable(result, func(i, k int) bool {
		if result[i].Index != result[k].Index {
			return result[i].Index < result[k].Index
		}
		return result[i].DispatchedAt.Before(result[k].DispatchedAt)
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Compensation Store
// ──────────────────────────────────────────────────

func copyComp(r *compensation.Run) *compensation.Run {
	cp := *r
	cp.Args = maps.Clone(r.Args)
	return &cp
}

// CreateCompensationRuns persists the runs of a new episode.
func (m *Store) CreateCompensationRuns(_ context.Context, runs []*compensation.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range runs {
		if _, exists := m.comps[r.ID.String()]; exists {
			return conductor.ErrAlreadyExists
		}
	}
	for _, r := range runs {
		key := r.ID.String()
		m.comps[key] = copyComp(r)
		wfKey := r.WorkflowID.String()
		m.compsByWF[wfKey] = append(m.compsByWF[wfKey], key)
	}
	return nil
}

// GetCompensationRun returns a run by ID.
func (m *Store) GetCompensationRun(_ context.Context, runID id.CompensationID) (*compensation.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.comps[runID.String()]
	if !ok {
		return nil, conductor.ErrCompensationRunNotFound
	}
	return copyComp(r), nil
}

// UpdateCompensationRun persists changes to an existing run.
func (m *Store) UpdateCompensationRun(_ context.Context, r *compensation.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, ok := m.comps[key]; !ok {
		return conductor.ErrCompensationRunNotFound
	}
	r.Touch(m.now())
	m.comps[key] = copyComp(r)
	return nil
}

// ListCompensationRuns returns an episode's runs in execution order.
func (m *Store) ListCompensationRuns(_ context.Context, workflowID id.WorkflowID, episode int) ([]*compensation.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*compensation.Run
	for _, key := range m.compsByWF[workflowID.String()] {
		r := m.comps[key]
		if r.Episode == episode {
			result = append(result, copyComp(r))
		}
	}
	compensation.SortByOrder(result)
	return result, nil
}

// LatestCompensationEpisode returns the highest episode number, or 0.
func (m *Store) LatestCompensationEpisode(_ context.Context, workflowID id.WorkflowID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := 0
	for _, key := range m.compsByWF[workflowID.String()] {
		if ep := m.comps[key].Episode; ep > latest {
			latest = ep
		}
	}
	return latest, nil
}

// ──────────────────────────────────────────────────
// Resolution Store
// ──────────────────────────────────────────────────

func copyDecision(r *resolution.Record) *resolution.Record {
	cp := *r
	cp.CompensateStepKeys = append([]string(nil), r.CompensateStepKeys...)
	return &cp
}

// CreateDecision persists an immutable decision record.
func (m *Store) CreateDecision(_ context.Context, r *resolution.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.decisions[key]; exists {
		return conductor.ErrAlreadyExists
	}
	m.decisions[key] = copyDecision(r)
	wfKey := r.WorkflowID.String()
	m.decsByWF[wfKey] = append(m.decsByWF[wfKey], key)
	return nil
}

// GetDecision returns a decision by ID.
func (m *Store) GetDecision(_ context.Context, decisionID id.DecisionID) (*resolution.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.decisions[decisionID.String()]
	if !ok {
		return nil, conductor.ErrDecisionNotFound
	}
	return copyDecision(r), nil
}

// ListDecisions returns a workflow's decisions in creation order.
func (m *Store) ListDecisions(_ context.Context, workflowID id.WorkflowID) ([]*resolution.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.decsByWF[workflowID.String()]
	result := make([]*resolution.Record, 0, len(ids))
	for _, key := range ids {
		result = append(result, copyDecision(m.decisions[key]))
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Output Store
// ──────────────────────────────────────────────────

// PutOutputs merges values into a step's outputs.
func (m *Store) PutOutputs(_ context.Context, workflowID id.WorkflowID, stepKey string, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wfKey := workflowID.String()
	outs, ok := m.outputs[wfKey]
	if !ok {
		outs = make(definition.Outputs)
		m.outputs[wfKey] = outs
	}
	stepOuts, ok := outs[stepKey]
	if !ok {
		stepOuts = make(map[string]any, len(values))
		outs[stepKey] = stepOuts
	}
	for k, v := range values {
		stepOuts[k] = v
	}
	return nil
}

// GetOutputs returns a copy of every output of the workflow.
func (m *Store) GetOutputs(_ context.Context, workflowID id.WorkflowID) (definition.Outputs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	outs := m.outputs[workflowID.String()]
	result := make(definition.Outputs, len(outs))
	for stepKey, values := range outs {
		result[stepKey] = maps.Clone(values)
	}
	return result, nil
}

// ClearOutputs deletes the outputs of the given steps.
func (m *Store) ClearOutputs(_ context.Context, workflowID id.WorkflowID, stepKeys []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outs := m.outputs[workflowID.String()]
	removed := 0
	for _, k := range stepKeys {
		removed += len(outs[k])
		delete(outs, k)
	}
	return removed, nil
}

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// AppendEvent persists an event; re-appending the same ID is a no-op.
func (m *Store) AppendEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := evt.ID.String()
	if _, seen := m.eventIndex[key]; seen {
		return nil
	}
	m.eventIndex[key] = struct{}{}
	cp := *evt
	cp.Data = maps.Clone(evt.Data)
	wfKey := evt.WorkflowID.String()
	m.events[wfKey] = append(m.events[wfKey], &cp)
	return nil
}

// ListEvents returns a workflow's events in emission order.
func (m *Store) ListEvents(_ context.Context, workflowID id.WorkflowID) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evts := m.events[workflowID.String()]
	result := make([]*event.Event, len(evts))
	for i, e := range evts {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func due(at *time.Time, now time.Time) bool {
	return at != nil && !at.After(now)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
