package versioning

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/repository"
)

var draftGraph = json.RawMessage(`{"nodes":[{"id":"a","type":"HTTP"}],"edges":[]}`)

type fakeStore struct {
	workflows map[int]*models.Workflow
	versions  map[uuid.UUID]*models.WorkflowVersion
	nextWf    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows: make(map[int]*models.Workflow),
		versions:  make(map[uuid.UUID]*models.WorkflowVersion),
	}
}

func (f *fakeStore) GetWorkflow(_ context.Context, id int) (*models.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (f *fakeStore) CreateWorkflow(_ context.Context, name string, graph json.RawMessage) (*models.Workflow, error) {
	f.nextWf++
	wf := &models.Workflow{ID: f.nextWf, Name: name, Graph: graph}
	f.workflows[wf.ID] = wf
	return wf, nil
}

func (f *fakeStore) UpdateDraftGraph(_ context.Context, id int, graph json.RawMessage) error {
	wf, ok := f.workflows[id]
	if !ok {
		return repository.ErrNotFound
	}
	wf.Graph = graph
	return nil
}

func (f *fakeStore) CreateVersion(_ context.Context, workflowID int, graph, inputSchema, outputSchema json.RawMessage, summary, createdBy string) (*models.WorkflowVersion, error) {
	number := 0
	for _, v := range f.versions {
		if v.WorkflowID == workflowID && v.VersionNumber > number {
			number = v.VersionNumber
		}
	}
	v := &models.WorkflowVersion{
		ID:            uuid.New(),
		WorkflowID:    workflowID,
		VersionNumber: number + 1,
		Graph:         graph,
		InputSchema:   inputSchema,
		OutputSchema:  outputSchema,
		ChangeSummary: summary,
		CreatedBy:     createdBy,
	}
	f.versions[v.ID] = v
	return v, nil
}

func (f *fakeStore) GetVersion(_ context.Context, id uuid.UUID) (*models.WorkflowVersion, error) {
	v, ok := f.versions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) ListVersions(_ context.Context, workflowID int) ([]*models.WorkflowVersion, error) {
	var out []*models.WorkflowVersion
	for _, v := range f.versions {
		if v.WorkflowID == workflowID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) GetActiveVersion(_ context.Context, workflowID int) (*models.WorkflowVersion, error) {
	wf, ok := f.workflows[workflowID]
	if !ok || wf.ActiveVersionID == nil {
		return nil, repository.ErrNoActiveVersion
	}
	return f.versions[*wf.ActiveVersionID], nil
}

func testService(t *testing.T) (*Service, *fakeStore, *[]int) {
	t.Helper()
	store := newFakeStore()
	var invalidated []int
	svc := NewService(store, logger.New("error", "json"), func(id int) {
		invalidated = append(invalidated, id)
	})
	return svc, store, &invalidated
}

func TestPublishFreezesDraft(t *testing.T) {
	svc, store, invalidated := testService(t)
	ctx := context.Background()

	wf, err := store.CreateWorkflow(ctx, "orders", draftGraph)
	require.NoError(t, err)

	v1, err := svc.Publish(ctx, PublishParams{WorkflowID: wf.ID, ChangeSummary: "initial", CreatedBy: "dev"})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.VersionNumber)
	assert.JSONEq(t, string(draftGraph), string(v1.Graph))
	assert.Equal(t, []int{wf.ID}, *invalidated)

	// Editing the draft does not touch the published version
	edited := json.RawMessage(`{"nodes":[{"id":"a","type":"HTTP"},{"id":"b","type":"CODE"}],"edges":[{"source":"a","target":"b"}]}`)
	require.NoError(t, store.UpdateDraftGraph(ctx, wf.ID, edited))

	got, err := store.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(draftGraph), string(got.Graph))

	v2, err := svc.Publish(ctx, PublishParams{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.JSONEq(t, string(edited), string(v2.Graph))
}

func TestPublishRejectsInvalidDraft(t *testing.T) {
	svc, store, _ := testService(t)
	ctx := context.Background()

	wf, err := store.CreateWorkflow(ctx, "broken", json.RawMessage(`{"nodes":[],"edges":[]}`))
	require.NoError(t, err)

	_, err = svc.Publish(ctx, PublishParams{WorkflowID: wf.ID})
	assert.Error(t, err)
}

func TestPatchDraft(t *testing.T) {
	svc, store, _ := testService(t)
	ctx := context.Background()

	wf, err := store.CreateWorkflow(ctx, "orders", draftGraph)
	require.NoError(t, err)

	patch := []byte(`[
		{"op": "add", "path": "/nodes/-", "value": {"id": "b", "type": "CODE"}},
		{"op": "add", "path": "/edges/-", "value": {"source": "a", "target": "b"}}
	]`)
	patched, err := svc.PatchDraft(ctx, wf.ID, patch)
	require.NoError(t, err)

	var g map[string]any
	require.NoError(t, json.Unmarshal(patched, &g))
	assert.Len(t, g["nodes"], 2)

	stored, _ := store.GetWorkflow(ctx, wf.ID)
	assert.JSONEq(t, string(patched), string(stored.Graph))
}

func TestPatchDraftRejectsInvalidResult(t *testing.T) {
	svc, store, _ := testService(t)
	ctx := context.Background()

	wf, err := store.CreateWorkflow(ctx, "orders", draftGraph)
	require.NoError(t, err)

	// Removing the only node leaves an empty graph, which must not stick
	patch := []byte(`[{"op": "remove", "path": "/nodes/0"}]`)
	_, err = svc.PatchDraft(ctx, wf.ID, patch)
	require.Error(t, err)

	stored, _ := store.GetWorkflow(ctx, wf.ID)
	assert.JSONEq(t, string(draftGraph), string(stored.Graph))
}

func TestPatchDraftRejectsMalformedPatch(t *testing.T) {
	svc, store, _ := testService(t)
	ctx := context.Background()

	wf, err := store.CreateWorkflow(ctx, "orders", draftGraph)
	require.NoError(t, err)

	_, err = svc.PatchDraft(ctx, wf.ID, []byte(`{"not": "a patch"}`))
	assert.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	svc, store, _ := testService(t)
	ctx := context.Background()

	wf, err := store.CreateWorkflow(ctx, "orders", draftGraph)
	require.NoError(t, err)

	v, err := svc.Publish(ctx, PublishParams{
		WorkflowID:  wf.ID,
		InputSchema: json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)
	store.workflows[wf.ID].ActiveVersionID = &v.ID

	bundle, err := svc.Export(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders", bundle.Name)
	assert.JSONEq(t, string(draftGraph), string(bundle.Graph))
	assert.JSONEq(t, `{"type":"object"}`, string(bundle.InputSchema))

	imported, err := svc.Import(ctx, bundle)
	require.NoError(t, err)
	assert.NotEqual(t, wf.ID, imported.ID)
	assert.Equal(t, "orders", imported.Name)
	assert.JSONEq(t, string(draftGraph), string(imported.Graph))
}

func TestImportRejectsBadBundle(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	_, err := svc.Import(ctx, &ExportBundle{Graph: draftGraph})
	assert.Error(t, err)

	_, err = svc.Import(ctx, &ExportBundle{Name: "x", Graph: json.RawMessage(`{"nodes":[],"edges":[]}`)})
	assert.Error(t, err)
}
