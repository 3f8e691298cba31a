package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/redis"
	"github.com/lyzr/gridflow/common/repository"
	"github.com/lyzr/gridflow/common/stream"
)

// SSEHandler streams a run's chunks to the browser: persisted history
// first, then the live pub/sub feed. Subscribing before the replay
// means a chunk published during replay can arrive twice; clients key
// on (node_id, index).
type SSEHandler struct {
	repo  *repository.Store
	redis *redis.Client
	log   *logger.Logger
}

// NewSSEHandler creates the SSE handler
func NewSSEHandler(repo *repository.Store, r *redis.Client, log *logger.Logger) *SSEHandler {
	return &SSEHandler{repo: repo, redis: r, log: log}
}

// Stream handles GET /events/:run_id
func (h *SSEHandler) Stream(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	ctx := c.Request().Context()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	// Live feed first so nothing falls into the gap between replay and
	// subscribe
	sub := h.redis.Subscribe(ctx, stream.ChannelFor(runID))
	defer sub.Close()
	live := sub.Channel()

	chunks, err := h.repo.ListChunks(ctx, runID)
	if err != nil {
		h.log.Error("failed listing chunks", "run_id", runID, "error", err)
		return nil
	}
	for _, chunk := range chunks {
		if err := writeEvent(res, flusher, chunk.Payload); err != nil {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-live:
			if !ok {
				return nil
			}
			if err := writeEvent(res, flusher, json.RawMessage(msg.Payload)); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(res *echo.Response, flusher http.Flusher, payload json.RawMessage) error {
	if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
