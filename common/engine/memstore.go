package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/repository"
	"github.com/lyzr/gridflow/common/sdk"
)

// MemoryStore is an in-process Store for tests and ephemeral
// executions. It enforces the same idempotency and at-most-once
// semantics as the SQL schema: the terminal-event unique key and the
// batch result composite key.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*models.Run
	events  map[uuid.UUID][]models.RunEvent
	nextID  int64
	sched   []*models.ScheduledEvent
	schedID int64
	tokens  map[string]*models.SuspensionToken
	batches map[uuid.UUID]*models.BatchOperation
	results map[uuid.UUID]map[int]*models.BatchResult
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[uuid.UUID]*models.Run),
		events:  make(map[uuid.UUID][]models.RunEvent),
		tokens:  make(map[string]*models.SuspensionToken),
		batches: make(map[uuid.UUID]*models.BatchOperation),
		results: make(map[uuid.UUID]map[int]*models.BatchResult),
	}
}

// PutRun seeds or replaces a run row
func (m *MemoryStore) PutRun(run *models.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
}

// GetRun fetches a run by id
func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// MarkRunRunning flips pending -> running
func (m *MemoryStore) MarkRunRunning(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if run.Status == sdk.RunPending {
		run.Status = sdk.RunRunning
	}
	return nil
}

// FinishRun records a terminal status; false when already terminal
func (m *MemoryStore) FinishRun(_ context.Context, id uuid.UUID, status sdk.RunStatus, output json.RawMessage, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if run.Status.Terminal() {
		return false, nil
	}
	run.Status = status
	run.OutputData = output
	run.Error = errMsg
	now := time.Now()
	run.CompletedAt = &now
	return true, nil
}

// AppendEvent appends to the log, enforcing the terminal idempotency key
func (m *MemoryStore) AppendEvent(_ context.Context, ev *models.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sdk.TerminalNodeEvent(ev.EventType) {
		for _, existing := range m.events[ev.RunID] {
			if existing.NodeID == ev.NodeID &&
				existing.RetryCount == ev.RetryCount &&
				existing.EventType == ev.EventType {
				return repository.ErrDuplicateTerminal
			}
		}
	}

	m.nextID++
	cp := *ev
	cp.ID = m.nextID
	cp.CreatedAt = time.Now()
	m.events[ev.RunID] = append(m.events[ev.RunID], cp)
	return nil
}

// ListEvents returns a run's log in id order
func (m *MemoryStore) ListEvents(_ context.Context, runID uuid.UUID) ([]models.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RunEvent, len(m.events[runID]))
	copy(out, m.events[runID])
	return out, nil
}

// CreateScheduledEvent inserts a timer
func (m *MemoryStore) CreateScheduledEvent(_ context.Context, ev *models.ScheduledEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedID++
	cp := *ev
	cp.ID = m.schedID
	m.sched = append(m.sched, &cp)
	return nil
}

// DeleteScheduledEventsForRun drops a run's timers
func (m *MemoryStore) DeleteScheduledEventsForRun(_ context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*models.ScheduledEvent
	for _, ev := range m.sched {
		if ev.TargetRunID == nil || *ev.TargetRunID != runID {
			kept = append(kept, ev)
		}
	}
	m.sched = kept
	return nil
}

// ScheduledEvents returns all pending timers
func (m *MemoryStore) ScheduledEvents() []*models.ScheduledEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ScheduledEvent, len(m.sched))
	copy(out, m.sched)
	return out
}

// CreateSuspensionToken inserts a token
func (m *MemoryStore) CreateSuspensionToken(_ context.Context, tok *models.SuspensionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[tok.Token] = &cp
	return nil
}

// ConsumeSuspensionToken marks a token used, single-use semantics
func (m *MemoryStore) ConsumeSuspensionToken(_ context.Context, token string) (*models.SuspensionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok || tok.Consumed {
		return nil, repository.ErrNotFound
	}
	tok.Consumed = true
	if time.Now().After(tok.ExpiresAt) {
		return nil, repository.ErrTokenExpired
	}
	cp := *tok
	return &cp, nil
}

// ExpireTokensForRun consumes a run's outstanding tokens
func (m *MemoryStore) ExpireTokensForRun(_ context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.RunID == runID {
			tok.Consumed = true
		}
	}
	return nil
}

// ListChildRuns returns non-terminal children of a run
func (m *MemoryStore) ListChildRuns(_ context.Context, parentID uuid.UUID) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Run
	for _, run := range m.runs {
		if run.ParentRunID != nil && *run.ParentRunID == parentID && !run.Status.Terminal() {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CreateBatch inserts a batch operation
func (m *MemoryStore) CreateBatch(_ context.Context, b *models.BatchOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	cp.CreatedAt = time.Now()
	m.batches[b.ID] = &cp
	m.results[b.ID] = make(map[int]*models.BatchResult)
	return nil
}

// GetBatch fetches a batch by id
func (m *MemoryStore) GetBatch(_ context.Context, id uuid.UUID) (*models.BatchOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// MutateBatch applies fn under the store lock, mirroring the SQL FOR
// UPDATE row lock
func (m *MemoryStore) MutateBatch(_ context.Context, id uuid.UUID, fn func(b *models.BatchOperation) error) (*models.BatchOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if err := fn(b); err != nil {
		return nil, err
	}
	if b.Status.Terminal() && b.CompletedAt == nil {
		now := time.Now()
		b.CompletedAt = &now
	}
	cp := *b
	return &cp, nil
}

// InsertBatchResult records one item terminal at most once
func (m *MemoryStore) InsertBatchResult(_ context.Context, r *models.BatchResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results, ok := m.results[r.BatchID]
	if !ok {
		return false, fmt.Errorf("unknown batch %s", r.BatchID)
	}
	if _, dup := results[r.ItemIndex]; dup {
		return false, nil
	}
	cp := *r
	cp.CreatedAt = time.Now()
	results[r.ItemIndex] = &cp
	return true, nil
}

// ListBatchResults returns results ordered by item_index
func (m *MemoryStore) ListBatchResults(_ context.Context, batchID uuid.UUID) ([]*models.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := m.results[batchID]
	indexes := make([]int, 0, len(results))
	for i := range results {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]*models.BatchResult, 0, len(indexes))
	for _, i := range indexes {
		cp := *results[i]
		out = append(out, &cp)
	}
	return out, nil
}

// ListBatchesForRun returns a run's batch operations
func (m *MemoryStore) ListBatchesForRun(_ context.Context, runID uuid.UUID) ([]*models.BatchOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BatchOperation
	for _, b := range m.batches {
		if b.RunID == runID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}
