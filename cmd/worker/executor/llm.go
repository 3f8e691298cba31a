package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/sdk"
	"github.com/lyzr/gridflow/common/stream"
)

const defaultLLMTimeout = 2 * time.Minute

// LLMExecutor calls an OpenAI-compatible chat completions endpoint.
// With streaming enabled it forwards each delta as a token chunk while
// accumulating the full text for the node output.
type LLMExecutor struct {
	client *http.Client
	log    *logger.Logger
}

// NewLLMExecutor creates the LLM executor
func NewLLMExecutor(log *logger.Logger) *LLMExecutor {
	return &LLMExecutor{
		client: &http.Client{Timeout: 0},
		log:    log,
	}
}

// Kind returns the node type tag
func (e *LLMExecutor) Kind() sdk.NodeKind {
	return sdk.NodeLLM
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmConfig struct {
	BaseURL     string       `json:"base_url"`
	APIKeyEnv   string       `json:"api_key_env"`
	Model       string       `json:"model"`
	System      string       `json:"system"`
	Prompt      string       `json:"prompt"`
	Messages    []llmMessage `json:"messages"`
	Temperature *float64     `json:"temperature"`
	MaxTokens   int          `json:"max_tokens"`
	Stream      bool         `json:"stream"`
	Timeout     float64      `json:"timeout_ms"`
}

type llmUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Execute performs the completion call
func (e *LLMExecutor) Execute(ctx context.Context, t *Task) (*sdk.Outcome, error) {
	var cfg llmConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
	}
	if cfg.Model == "" {
		return sdk.Failed(sdk.ErrPermanent, "llm node has no model", false), nil
	}

	messages := cfg.Messages
	if len(messages) == 0 {
		if cfg.Prompt == "" {
			return sdk.Failed(sdk.ErrPermanent, "llm node has neither prompt nor messages", false), nil
		}
		if cfg.System != "" {
			messages = append(messages, llmMessage{Role: "system", Content: cfg.System})
		}
		messages = append(messages, llmMessage{Role: "user", Content: cfg.Prompt})
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/chat/completions"

	apiKeyEnv := cfg.APIKeyEnv
	if apiKeyEnv == "" {
		apiKeyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(apiKeyEnv)

	reqBody := map[string]any{
		"model":    cfg.Model,
		"messages": messages,
		"stream":   cfg.Stream,
	}
	if cfg.Temperature != nil {
		reqBody["temperature"] = *cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		reqBody["max_tokens"] = cfg.MaxTokens
	}
	if cfg.Stream {
		reqBody["stream_options"] = map[string]any{"include_usage": true}
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("marshal request: %v", err), false), nil
	}

	timeout := defaultLLMTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("build request: %v", err), false), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return sdk.Failed(sdk.ErrTimeout, "completion deadline exceeded", true), nil
		}
		if ctx.Err() == context.Canceled {
			return sdk.Failed(sdk.ErrCancelled, "completion cancelled", false), nil
		}
		return sdk.Failed(sdk.ErrTransport, err.Error(), true), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := fmt.Sprintf("completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if sdk.RetryableStatus(resp.StatusCode) {
			return sdk.Failed(sdk.ErrTransport, msg, true), nil
		}
		return sdk.Failed(sdk.ErrPermanent, msg, false), nil
	}

	if cfg.Stream {
		return e.consumeStream(ctx, t, cfg.Model, resp.Body)
	}
	return e.consumeResponse(cfg.Model, resp.Body)
}

func (e *LLMExecutor) consumeResponse(model string, body io.Reader) (*sdk.Outcome, error) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage llmUsage `json:"usage"`
	}
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return sdk.Failed(sdk.ErrTransport, fmt.Sprintf("decode response: %v", err), true), nil
	}
	if len(parsed.Choices) == 0 {
		return sdk.Failed(sdk.ErrPermanent, "completion returned no choices", false), nil
	}
	return sdk.Completed(map[string]any{
		"text":          parsed.Choices[0].Message.Content,
		"model":         model,
		"finish_reason": parsed.Choices[0].FinishReason,
		"usage":         usageMap(parsed.Usage),
	}), nil
}

// consumeStream parses the SSE frames, forwarding each content delta to
// the run's chunk stream
func (e *LLMExecutor) consumeStream(ctx context.Context, t *Task, model string, body io.Reader) (*sdk.Outcome, error) {
	var text strings.Builder
	var usage llmUsage
	finishReason := ""
	index := 0

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *llmUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			e.log.Warn("skipping malformed stream frame", "error", err)
			continue
		}
		if frame.Usage != nil {
			usage = *frame.Usage
		}
		for _, c := range frame.Choices {
			if c.Delta.Content != "" {
				text.WriteString(c.Delta.Content)
				t.Sink.Publish(ctx, t.Run.ID, stream.Token(t.Node.ID, index, c.Delta.Content))
				index++
			}
			if c.FinishReason != "" {
				finishReason = c.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return sdk.Failed(sdk.ErrTimeout, "stream deadline exceeded", true), nil
		}
		if ctx.Err() == context.Canceled {
			return sdk.Failed(sdk.ErrCancelled, "stream cancelled", false), nil
		}
		return sdk.Failed(sdk.ErrTransport, fmt.Sprintf("read stream: %v", err), true), nil
	}

	return sdk.Completed(map[string]any{
		"text":          text.String(),
		"model":         model,
		"finish_reason": finishReason,
		"usage":         usageMap(usage),
	}), nil
}

func usageMap(u llmUsage) map[string]any {
	return map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	}
}
