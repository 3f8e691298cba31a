package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/sdk"
	"github.com/lyzr/gridflow/common/stream"
)

func httpTask(config map[string]any) (*Task, *stream.MemoryPublisher) {
	sink := stream.NewMemoryPublisher()
	return &Task{
		Run:      &models.Run{ID: uuid.New()},
		Node:     &sdk.Node{ID: "call", Type: sdk.NodeHTTP, Config: config},
		Config:   config,
		Deadline: time.Now().Add(time.Minute),
		Sink:     sink,
	}, sink
}

func TestHTTPGetJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": [1, 2]}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(true, testLog)
	task, sink := httpTask(map[string]any{
		"url":     srv.URL,
		"query":   map[string]any{"page": "1"},
		"headers": map[string]any{"Authorization": "Bearer tok"},
	})

	out, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeCompleted, out.Kind)
	assert.Equal(t, http.StatusOK, out.Output["status"])

	body, ok := out.Output["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{float64(1), float64(2)}, body["items"])

	chunks := sink.Chunks(task.Run.ID)
	require.NotEmpty(t, chunks)
	assert.Equal(t, stream.ChunkProgress, chunks[0].Type)
}

func TestHTTPPostMarshalsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "o-42", body["order_id"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e := NewHTTPExecutor(true, testLog)
	task, _ := httpTask(map[string]any{
		"method": "post",
		"url":    srv.URL,
		"body":   map[string]any{"order_id": "o-42"},
	})

	out, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeCompleted, out.Kind)
	assert.Equal(t, http.StatusCreated, out.Output["status"])
}

func TestHTTPRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewHTTPExecutor(true, testLog)
	task, _ := httpTask(map[string]any{"url": srv.URL})

	out, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeFailed, out.Kind)
	assert.Equal(t, sdk.ErrTransport, out.ErrorKind)
	assert.True(t, out.Retryable)
}

func TestHTTPPermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewHTTPExecutor(true, testLog)
	task, _ := httpTask(map[string]any{"url": srv.URL})

	out, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeFailed, out.Kind)
	assert.Equal(t, sdk.ErrPermanent, out.ErrorKind)
	assert.False(t, out.Retryable)
}

func TestHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPExecutor(true, testLog)
	task, _ := httpTask(map[string]any{"url": srv.URL, "timeout_ms": float64(20)})

	out, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeFailed, out.Kind)
	assert.Equal(t, sdk.ErrTimeout, out.ErrorKind)
	assert.True(t, out.Retryable)
}

func TestHTTPBlocksPrivateTargets(t *testing.T) {
	e := NewHTTPExecutor(false, testLog)
	task, _ := httpTask(map[string]any{"url": "http://127.0.0.1:9/metadata"})

	out, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeFailed, out.Kind)
	assert.Equal(t, sdk.ErrPermanent, out.ErrorKind)
	assert.Contains(t, out.Message, "private")
}

func TestHTTPRejectsBadScheme(t *testing.T) {
	e := NewHTTPExecutor(true, testLog)
	task, _ := httpTask(map[string]any{"url": "file:///etc/passwd"})

	out, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeFailed, out.Kind)
	assert.Contains(t, out.Message, "scheme")
}

func TestHTTPMissingURLFails(t *testing.T) {
	e := NewHTTPExecutor(true, testLog)
	task, _ := httpTask(map[string]any{})

	out, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, sdk.OutcomeFailed, out.Kind)
}
