package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/sdk"
	"github.com/lyzr/gridflow/common/stream"
)

// HTTPExecutor issues bounded-time HTTP requests. Transport errors and
// retryable statuses come back as retryable failures; permanent 4xx do
// not.
type HTTPExecutor struct {
	client       *http.Client
	allowPrivate bool
	log          *logger.Logger
}

// NewHTTPExecutor creates the HTTP executor. allowPrivate permits
// requests to private/loopback targets (off in production).
func NewHTTPExecutor(allowPrivate bool, log *logger.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{
			// Per-request deadlines come from the task context
			Timeout: 0,
		},
		allowPrivate: allowPrivate,
		log:          log,
	}
}

// Kind returns the node type tag
func (e *HTTPExecutor) Kind() sdk.NodeKind {
	return sdk.NodeHTTP
}

type httpConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
	Body    any               `json:"body"`
	Timeout float64           `json:"timeout_ms"`
}

// Execute performs the request
func (e *HTTPExecutor) Execute(ctx context.Context, t *Task) (*sdk.Outcome, error) {
	var cfg httpConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
	}
	if cfg.URL == "" {
		return sdk.Failed(sdk.ErrPermanent, "http node has no url", false), nil
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(cfg.URL)
	if err != nil {
		return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("invalid url: %v", err), false), nil
	}
	if err := e.checkTarget(target); err != nil {
		return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
	}

	if len(cfg.Query) > 0 {
		q := target.Query()
		for k, v := range cfg.Query {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	if cfg.Body != nil {
		if s, ok := cfg.Body.(string); ok {
			body = strings.NewReader(s)
		} else {
			data, err := json.Marshal(cfg.Body)
			if err != nil {
				return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("marshal body: %v", err), false), nil
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("build request: %v", err), false), nil
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	t.Sink.Publish(ctx, t.Run.ID, stream.Progress(t.Node.ID, fmt.Sprintf("%s %s", method, target.Host)))

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return sdk.Failed(sdk.ErrTimeout, "request deadline exceeded", true), nil
		}
		if ctx.Err() == context.Canceled {
			return sdk.Failed(sdk.ErrCancelled, "request cancelled", false), nil
		}
		return sdk.Failed(sdk.ErrTransport, err.Error(), true), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return sdk.Failed(sdk.ErrTransport, fmt.Sprintf("read body: %v", err), true), nil
	}

	if sdk.RetryableStatus(resp.StatusCode) {
		return sdk.Failed(sdk.ErrTransport,
			fmt.Sprintf("status %d from %s", resp.StatusCode, target.Host), true), nil
	}
	if resp.StatusCode >= 400 {
		return sdk.Failed(sdk.ErrPermanent,
			fmt.Sprintf("status %d from %s", resp.StatusCode, target.Host), false), nil
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var parsedBody any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			parsedBody = decoded
		}
	}

	return sdk.Completed(map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    parsedBody,
	}), nil
}

// checkTarget blocks requests to private networks unless allowed
func (e *HTTPExecutor) checkTarget(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if e.allowPrivate {
		return nil
	}

	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("target %s resolves to a private address", host)
		}
	}
	return nil
}
