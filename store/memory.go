package store

import (
	"context"
	"sort"
	"sync"

	"github.com/flowforge/dagcore"
)

// MemoryStore implements dagcore.Store using in-memory maps guarded by a
// single mutex. It is the conformance baseline every other backend is
// measured against: the same conditional-write semantics, just without a
// database underneath.
type MemoryStore struct {
	mu          sync.Mutex
	executions  map[string]*dagcore.WorkflowExecution
	stepResults map[string]map[string]*dagcore.StepResult // executionID -> stepID -> result
	events      map[string][]*dagcore.WorkflowEvent        // executionID -> events
	clock       dagcore.Clock
}

// NewMemoryStore constructs an empty MemoryStore. If clock is nil,
// dagcore.SystemClock{} is used for UpdatedAtEpochMs bookkeeping.
func NewMemoryStore(clock dagcore.Clock) *MemoryStore {
	if clock == nil {
		clock = dagcore.SystemClock{}
	}
	return &MemoryStore{
		executions:  make(map[string]*dagcore.WorkflowExecution),
		stepResults: make(map[string]map[string]*dagcore.StepResult),
		events:      make(map[string][]*dagcore.WorkflowEvent),
		clock:       clock,
	}
}

var _ dagcore.Store = (*MemoryStore)(nil)

func (s *MemoryStore) now() int64 { return dagcore.NowMs(s.clock) }

func (s *MemoryStore) CreateExecution(ctx context.Context, exec dagcore.WorkflowExecution) (*dagcore.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return nil, dagcore.NewValidationError("execution %s already exists", exec.ID)
	}

	now := s.now()
	if exec.Status == "" {
		exec.Status = dagcore.ExecutionEnqueued
	}
	exec.CreatedAtEpochMs = now
	exec.UpdatedAtEpochMs = now

	stored := exec
	s.executions[exec.ID] = &stored
	s.stepResults[exec.ID] = make(map[string]*dagcore.StepResult)

	out := stored
	return &out, nil
}

// ClaimExecution is the conditional UPDATE from spec.md §4.1/§4.6: succeeds
// only while status = enqueued.
func (s *MemoryStore) ClaimExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok || exec.Status != dagcore.ExecutionEnqueued {
		return nil, nil
	}
	exec.Status = dagcore.ExecutionRunning
	exec.UpdatedAtEpochMs = s.now()

	out := *exec
	return &out, nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, &dagcore.ExecutionNotFoundError{ExecutionID: id}
	}
	out := *exec
	return &out, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter dagcore.ExecutionFilter, page dagcore.Page) (dagcore.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []dagcore.WorkflowExecution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		matched = append(matched, *exec)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAtEpochMs < matched[j].CreatedAtEpochMs })

	total := len(matched)
	limit, offset := page.Limit, page.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return dagcore.ListResult{Executions: matched[offset:end], TotalCount: total}, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, id string, patch dagcore.ExecutionPatch) (*dagcore.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, &dagcore.ExecutionNotFoundError{ExecutionID: id}
	}
	if patch.Status != nil {
		exec.Status = *patch.Status
	}
	if patch.Output != nil {
		exec.Output = patch.Output
	}
	if patch.Error != nil {
		exec.Error = patch.Error
	}
	if patch.CompletedAtEpochMs != nil {
		exec.CompletedAtEpochMs = patch.CompletedAtEpochMs
	}
	if patch.DeadlineAtEpochMs != nil {
		exec.DeadlineAtEpochMs = patch.DeadlineAtEpochMs
	}
	exec.UpdatedAtEpochMs = s.now()

	out := *exec
	return &out, nil
}

// CancelExecution is conditional on status in (enqueued, running).
func (s *MemoryStore) CancelExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, &dagcore.ExecutionNotFoundError{ExecutionID: id}
	}
	if exec.Status != dagcore.ExecutionEnqueued && exec.Status != dagcore.ExecutionRunning {
		return nil, nil
	}
	exec.Status = dagcore.ExecutionCancelled
	exec.CompletedAtEpochMs = dagcore.ToPtr(s.now())
	exec.UpdatedAtEpochMs = s.now()

	out := *exec
	return &out, nil
}

// ResumeExecution is conditional on status = cancelled.
func (s *MemoryStore) ResumeExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, &dagcore.ExecutionNotFoundError{ExecutionID: id}
	}
	if exec.Status != dagcore.ExecutionCancelled {
		return nil, nil
	}
	exec.Status = dagcore.ExecutionEnqueued
	exec.CompletedAtEpochMs = nil
	exec.UpdatedAtEpochMs = s.now()

	out := *exec
	return &out, nil
}

func (s *MemoryStore) GetStepResults(ctx context.Context, executionID string) ([]dagcore.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStep, ok := s.stepResults[executionID]
	if !ok {
		return nil, nil
	}
	out := make([]dagcore.StepResult, 0, len(byStep))
	for _, r := range byStep {
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemoryStore) GetStepResult(ctx context.Context, executionID, stepID string) (*dagcore.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStep, ok := s.stepResults[executionID]
	if !ok {
		return nil, nil
	}
	r, ok := byStep[stepID]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

// ClaimStep is the idempotent stale-claim upsert from spec.md §4.1: a new
// row is created unconditionally; an existing row is reclaimed only if it
// is still incomplete and its claim has gone stale.
func (s *MemoryStore) ClaimStep(ctx context.Context, executionID, stepID string, timeoutMs int64) (*dagcore.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStep, ok := s.stepResults[executionID]
	if !ok {
		byStep = make(map[string]*dagcore.StepResult)
		s.stepResults[executionID] = byStep
	}

	now := s.now()
	existing, exists := byStep[stepID]
	if !exists {
		created := &dagcore.StepResult{ExecutionID: executionID, StepID: stepID, StartedAtEpochMs: now}
		byStep[stepID] = created
		out := *created
		return &out, nil
	}
	if existing.Completed() {
		return nil, nil
	}
	if now-existing.StartedAtEpochMs <= timeoutMs {
		return nil, nil // still within another worker's claim window
	}
	existing.StartedAtEpochMs = now
	out := *existing
	return &out, nil
}

// UpdateStep is the write-once conditional UPDATE from spec.md §4.1: it
// never overwrites a row whose CompletedAtEpochMs is already set.
func (s *MemoryStore) UpdateStep(ctx context.Context, executionID, stepID string, patch dagcore.StepResultPatch) (*dagcore.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStep, ok := s.stepResults[executionID]
	if !ok {
		return nil, &dagcore.ExecutionNotFoundError{ExecutionID: executionID}
	}
	existing, ok := byStep[stepID]
	if !ok {
		return nil, nil
	}
	if existing.Completed() {
		out := *existing
		return &out, nil
	}
	existing.Output = patch.Output
	existing.Error = patch.Error
	existing.CompletedAtEpochMs = patch.CompletedAtEpochMs

	out := *existing
	return &out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event dagcore.WorkflowEvent) (*dagcore.WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.CreatedAtEpochMs == 0 {
		event.CreatedAtEpochMs = s.now()
	}
	stored := event
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &stored)

	out := stored
	return &out, nil
}

// ConsumeEvent is the conditional UPDATE from spec.md §4.5: it only
// succeeds the first time, so two concurrent pollers never both win.
func (s *MemoryStore) ConsumeEvent(ctx context.Context, eventID string, nowMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, byExec := range s.events {
		for _, e := range byExec {
			if e.ID != eventID {
				continue
			}
			if e.Consumed() {
				return false, nil
			}
			e.ConsumedAtEpochMs = dagcore.ToPtr(nowMs)
			return true, nil
		}
	}
	return false, nil
}

// PollEvent returns the oldest unconsumed, currently-visible event matching
// (executionID, type, name).
func (s *MemoryStore) PollEvent(ctx context.Context, executionID string, eventType dagcore.EventType, name string, nowMs int64) (*dagcore.WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *dagcore.WorkflowEvent
	for _, e := range s.events[executionID] {
		if e.Type != eventType || e.Name != name || e.Consumed() || !e.Visible(nowMs) {
			continue
		}
		if best == nil || e.CreatedAtEpochMs < best.CreatedAtEpochMs {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}
