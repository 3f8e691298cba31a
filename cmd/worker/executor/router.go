package executor

import (
	"context"
	"fmt"

	"github.com/lyzr/gridflow/common/condition"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/sdk"
)

// RouterExecutor evaluates CEL predicates against the routed value and
// reports which output handles matched. The orchestrator follows only
// edges whose source handle is in matched_outputs; zero matches is a
// valid result, not a failure.
type RouterExecutor struct {
	eval *condition.Evaluator
	log  *logger.Logger
}

// NewRouterExecutor creates the router executor
func NewRouterExecutor(eval *condition.Evaluator, log *logger.Logger) *RouterExecutor {
	return &RouterExecutor{eval: eval, log: log}
}

// Kind returns the node type tag
func (e *RouterExecutor) Kind() sdk.NodeKind {
	return sdk.NodeRouter
}

type routerCondition struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
}

type routerConfig struct {
	RouteBy       any               `json:"route_by"`
	Conditions    []routerCondition `json:"conditions"`
	Mode          string            `json:"mode"`
	DefaultOutput string            `json:"default_output"`
}

// Execute evaluates conditions in declared order. first_match (the
// default) stops at the first true predicate; broadcast collects every
// true one. A broken expression fails the node permanently.
func (e *RouterExecutor) Execute(ctx context.Context, t *Task) (*sdk.Outcome, error) {
	var cfg routerConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
	}

	mode := cfg.Mode
	if mode == "" {
		mode = "first_match"
	}
	if mode != "first_match" && mode != "broadcast" {
		return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("unknown router mode %q", mode), false), nil
	}

	var matched []string
	for _, c := range cfg.Conditions {
		if c.ID == "" {
			return sdk.Failed(sdk.ErrPermanent, "router condition without id", false), nil
		}
		ok, err := e.eval.Evaluate(c.Expression, cfg.RouteBy)
		if err != nil {
			return sdk.Failed(sdk.ErrPermanent,
				fmt.Sprintf("condition %q: %v", c.ID, err), false), nil
		}
		if ok {
			matched = append(matched, c.ID)
			if mode == "first_match" {
				break
			}
		}
	}

	if len(matched) == 0 && cfg.DefaultOutput != "" {
		matched = append(matched, cfg.DefaultOutput)
	}

	outputs := make([]any, len(matched))
	for i, id := range matched {
		outputs[i] = id
	}
	return sdk.Completed(map[string]any{
		"matched_outputs": outputs,
		"value":           cfg.RouteBy,
	}), nil
}
