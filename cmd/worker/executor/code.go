package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/sdk"
)

const defaultCodeBudget = 5 * time.Second

// CodeExecutor runs user JavaScript in an isolated goja VM with a fixed
// time budget. The resolved input is exposed as INPUT; the return value
// must be JSON-serializable. Throws and budget overruns are permanent
// failures.
type CodeExecutor struct {
	log *logger.Logger
}

// NewCodeExecutor creates the code executor
func NewCodeExecutor(log *logger.Logger) *CodeExecutor {
	return &CodeExecutor{log: log}
}

// Kind returns the node type tag
func (e *CodeExecutor) Kind() sdk.NodeKind {
	return sdk.NodeCode
}

type codeConfig struct {
	Code    string  `json:"code"`
	Input   any     `json:"input"`
	Timeout float64 `json:"timeout_ms"`
}

// Execute runs the script
func (e *CodeExecutor) Execute(ctx context.Context, t *Task) (*sdk.Outcome, error) {
	var cfg codeConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
	}
	if cfg.Code == "" {
		return sdk.Failed(sdk.ErrPermanent, "code node has no code", false), nil
	}

	budget := defaultCodeBudget
	if cfg.Timeout > 0 {
		budget = time.Duration(cfg.Timeout) * time.Millisecond
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	if err := vm.Set("INPUT", cfg.Input); err != nil {
		return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("bind input: %v", err), false), nil
	}

	timer := time.AfterFunc(budget, func() {
		vm.Interrupt("time budget exceeded")
	})
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("cancelled")
		case <-done:
		}
	}()
	defer close(done)

	value, err := vm.RunString(fmt.Sprintf("(function() {\n%s\n})()", cfg.Code))
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			if ctx.Err() != nil {
				return sdk.Failed(sdk.ErrCancelled, "script cancelled", false), nil
			}
			return sdk.Failed(sdk.ErrTimeout, "script exceeded time budget", false), nil
		}
		return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("script threw: %v", err), false), nil
	}

	exported := value.Export()

	// Force JSON-serializability and strip VM-internal types
	data, err := json.Marshal(exported)
	if err != nil {
		return sdk.Failed(sdk.ErrPermanent,
			fmt.Sprintf("return value not serializable: %v", err), false), nil
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("decode result: %v", err), false), nil
	}

	if m, ok := out.(map[string]any); ok {
		return sdk.Completed(m), nil
	}
	return sdk.Completed(map[string]any{"result": out}), nil
}
