package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/sdk"
)

// Store is the durable-state surface the engine needs. The production
// implementation is repository.Store; tests use the in-memory store.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	MarkRunRunning(ctx context.Context, id uuid.UUID) error
	// FinishRun reports false when the run was already terminal
	FinishRun(ctx context.Context, id uuid.UUID, status sdk.RunStatus, output json.RawMessage, errMsg string) (bool, error)

	// AppendEvent returns repository.ErrDuplicateTerminal when a
	// terminal node event hits the idempotency key
	AppendEvent(ctx context.Context, ev *models.RunEvent) error
	ListEvents(ctx context.Context, runID uuid.UUID) ([]models.RunEvent, error)

	CreateScheduledEvent(ctx context.Context, ev *models.ScheduledEvent) error
	DeleteScheduledEventsForRun(ctx context.Context, runID uuid.UUID) error

	CreateSuspensionToken(ctx context.Context, tok *models.SuspensionToken) error
	ExpireTokensForRun(ctx context.Context, runID uuid.UUID) error

	ListChildRuns(ctx context.Context, parentID uuid.UUID) ([]*models.Run, error)
	ListBatchesForRun(ctx context.Context, runID uuid.UUID) ([]*models.BatchOperation, error)
}

// BatchHandler is how the engine hands a map child's terminal to the
// batch engine. Wired after construction to break the mutual dependency
// between run completion and batch progression.
type BatchHandler interface {
	OnChildTerminal(ctx context.Context, batchID uuid.UUID, itemIndex int, childRunID uuid.UUID, failed bool, output map[string]any, errMsg string) error
	CancelBatch(ctx context.Context, batchID uuid.UUID, status models.BatchStatus) error
}

// CancelNotifier broadcasts run cancellation to in-flight executors.
// Production wires Redis pub/sub on cancel:<run_id>.
type CancelNotifier interface {
	NotifyCancel(ctx context.Context, runID uuid.UUID)
}

// NoopCancelNotifier ignores cancellation broadcasts
type NoopCancelNotifier struct{}

// NotifyCancel does nothing
func (NoopCancelNotifier) NotifyCancel(context.Context, uuid.UUID) {}
