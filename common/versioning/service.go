// Package versioning owns publishing and the draft/version split: the
// editor draft stays mutable while published versions are frozen
// snapshots that runs pin at creation.
package versioning

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/graphcheck"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/models"
)

// Store is the persistence surface versioning needs
type Store interface {
	GetWorkflow(ctx context.Context, id int) (*models.Workflow, error)
	CreateWorkflow(ctx context.Context, name string, graph json.RawMessage) (*models.Workflow, error)
	UpdateDraftGraph(ctx context.Context, id int, graph json.RawMessage) error
	CreateVersion(ctx context.Context, workflowID int, graph, inputSchema, outputSchema json.RawMessage, summary, createdBy string) (*models.WorkflowVersion, error)
	GetVersion(ctx context.Context, id uuid.UUID) (*models.WorkflowVersion, error)
	ListVersions(ctx context.Context, workflowID int) ([]*models.WorkflowVersion, error)
	GetActiveVersion(ctx context.Context, workflowID int) (*models.WorkflowVersion, error)
}

// Service publishes, exports and imports workflows
type Service struct {
	store Store
	log   *logger.Logger
	// invalidate drops cached active versions after a publish
	invalidate func(workflowID int)
}

// NewService creates a versioning service. invalidate may be nil.
func NewService(store Store, log *logger.Logger, invalidate func(workflowID int)) *Service {
	if invalidate == nil {
		invalidate = func(int) {}
	}
	return &Service{
		store:      store,
		log:        log,
		invalidate: invalidate,
	}
}

// PublishParams describes one publish
type PublishParams struct {
	WorkflowID    int
	InputSchema   json.RawMessage
	OutputSchema  json.RawMessage
	ChangeSummary string
	CreatedBy     string
}

// Publish freezes the current draft into the next version and points
// the workflow at it. In-flight runs are untouched: they pinned their
// version and copied their snapshot at creation.
func (s *Service) Publish(ctx context.Context, p PublishParams) (*models.WorkflowVersion, error) {
	wf, err := s.store.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return nil, err
	}

	if _, err := graphcheck.ValidateJSON(wf.Graph); err != nil {
		return nil, fmt.Errorf("draft graph invalid: %w", err)
	}

	version, err := s.store.CreateVersion(ctx, p.WorkflowID, wf.Graph, p.InputSchema, p.OutputSchema, p.ChangeSummary, p.CreatedBy)
	if err != nil {
		return nil, err
	}

	s.invalidate(p.WorkflowID)
	s.log.Info("workflow published",
		"workflow_id", p.WorkflowID,
		"version_id", version.ID,
		"version_number", version.VersionNumber,
	)
	return version, nil
}

// ExportBundle is the portable form of a workflow
type ExportBundle struct {
	Name         string          `json:"name"`
	Graph        json.RawMessage `json:"graph"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Export bundles the draft graph with the active version's schemas
func (s *Service) Export(ctx context.Context, workflowID int) (*ExportBundle, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	bundle := &ExportBundle{
		Name:  wf.Name,
		Graph: wf.Graph,
	}
	if wf.ActiveVersionID != nil {
		if v, err := s.store.GetVersion(ctx, *wf.ActiveVersionID); err == nil {
			bundle.InputSchema = v.InputSchema
			bundle.OutputSchema = v.OutputSchema
		}
	}
	return bundle, nil
}

// Import creates a fresh workflow from a bundle. The new workflow gets
// its own id; publishing it yields a version whose graph equals the
// exported graph.
func (s *Service) Import(ctx context.Context, bundle *ExportBundle) (*models.Workflow, error) {
	if bundle.Name == "" {
		return nil, fmt.Errorf("bundle has no name")
	}
	if _, err := graphcheck.ValidateJSON(bundle.Graph); err != nil {
		return nil, fmt.Errorf("bundle graph invalid: %w", err)
	}

	wf, err := s.store.CreateWorkflow(ctx, bundle.Name, bundle.Graph)
	if err != nil {
		return nil, err
	}

	s.log.Info("workflow imported", "workflow_id", wf.ID, "name", wf.Name)
	return wf, nil
}

// PatchDraft applies an RFC 6902 patch to the draft graph. The patched
// graph must still validate; a bad patch leaves the draft untouched.
func (s *Service) PatchDraft(ctx context.Context, workflowID int, patchDoc []byte) (json.RawMessage, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	patched, err := patch.Apply(wf.Graph)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}

	if _, err := graphcheck.ValidateJSON(patched); err != nil {
		return nil, fmt.Errorf("patched graph invalid: %w", err)
	}

	if err := s.store.UpdateDraftGraph(ctx, workflowID, patched); err != nil {
		return nil, err
	}
	return patched, nil
}

// ListVersions returns a workflow's versions, newest first
func (s *Service) ListVersions(ctx context.Context, workflowID int) ([]*models.WorkflowVersion, error) {
	return s.store.ListVersions(ctx, workflowID)
}
