package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/finaceverse/orchestrator/pkg/expreval"
)

func evalContext(inputs Inputs, env *Env) *expreval.Context {
	vars := make(map[string]interface{}, len(env.Variables)+len(inputs))
	for k, v := range env.Variables {
		vars[k] = v
	}
	for k, v := range inputs {
		vars[k] = v
	}
	return &expreval.Context{Variables: vars}
}

func registerControlHandlers(r *Registry) {
	r.Register(Handler{
		Type: "condition", Name: "Condition", Category: CategoryControl,
		Description: "Evaluates a boolean expression against resolved inputs and variables.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			expr, _ := config["expression"].(string)
			if expr == "" {
				return nil, &HandlerError{Message: "condition requires config.expression", Recoverable: false}
			}
			node, err := expreval.Parse(expr)
			if err != nil {
				return nil, &HandlerError{Message: "condition expression is malformed", Recoverable: false, Err: err}
			}
			v, err := expreval.Eval(node, evalContext(inputs, env), expreval.DefaultBudget)
			if err != nil {
				return nil, &HandlerError{Message: "condition expression failed", Recoverable: false, Err: err}
			}
			return map[string]interface{}{"result": truthyValue(v)}, nil
		},
	})

	r.Register(Handler{
		Type: "loop", Name: "Loop", Category: CategoryControl,
		Description: "Maps config.expression over an array input, binding each element as $item.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			items, ok := inputs["items"].([]interface{})
			if !ok {
				return nil, &HandlerError{Message: "loop requires an 'items' array input", Recoverable: false}
			}
			expr, _ := config["expression"].(string)
			if expr == "" {
				return nil, &HandlerError{Message: "loop requires config.expression", Recoverable: false}
			}
			node, err := expreval.Parse(expr)
			if err != nil {
				return nil, &HandlerError{Message: "loop expression is malformed", Recoverable: false, Err: err}
			}
			results := make([]interface{}, 0, len(items))
			for _, item := range items {
				select {
				case <-ctx.Done():
					return nil, &HandlerError{Message: "loop cancelled", Recoverable: false, Err: ctx.Err()}
				default:
				}
				evCtx := evalContext(inputs, env)
				evCtx.Variables["item"] = item
				v, err := expreval.Eval(node, evCtx, expreval.DefaultBudget)
				if err != nil {
					return nil, &HandlerError{Message: "loop expression failed", Recoverable: false, Err: err}
				}
				results = append(results, v)
			}
			return map[string]interface{}{"results": results}, nil
		},
	})

	r.Register(Handler{
		Type: "merge", Name: "Merge", Category: CategoryControl,
		Description: "Combines every declared input into a single object keyed by input name.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			out := make(map[string]interface{}, len(inputs))
			for k, v := range inputs {
				out[k] = v
			}
			return out, nil
		},
	})

	r.Register(Handler{
		Type: "delay", Name: "Delay", Category: CategoryControl,
		Description: "Pauses for config.durationMs, honoring cancellation.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			ms, _ := config["durationMs"].(float64)
			if ms <= 0 {
				return map[string]interface{}{"waited_ms": 0}, nil
			}
			t := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer t.Stop()
			select {
			case <-t.C:
				return map[string]interface{}{"waited_ms": ms}, nil
			case <-ctx.Done():
				return nil, &HandlerError{Message: "delay cancelled", Recoverable: false, Err: ctx.Err()}
			}
		},
	})

	r.Register(Handler{
		Type: "human_approval", Name: "Human Approval", Category: CategoryControl,
		Description: "Suspends the owning execution pending one or more human approvals.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			approvers := toStringSlice(config["approvers"])
			if len(approvers) == 0 {
				return nil, &HandlerError{Message: "human_approval requires config.approvers", Recoverable: false}
			}
			data := make(map[string]interface{}, len(inputs))
			for k, v := range inputs {
				data[k] = v
			}
			message, _ := config["message"].(string)
			return &ApprovalRequest{
				ApprovalID: uuid.NewString(),
				Approvers:  approvers,
				Data:       data,
				Message:    message,
			}, nil
		},
	})
}

func truthyValue(v interface{}) bool {
	b, ok := v.(bool)
	if ok {
		return b
	}
	return v != nil
}

func toStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
