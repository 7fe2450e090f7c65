package registry

import (
	"context"
	"sort"

	"github.com/finaceverse/orchestrator/pkg/expreval"
)

func registerDataHandlers(r *Registry) {
	r.Register(Handler{
		Type: "transform", Name: "Transform", Category: CategoryData,
		Description: "Evaluates config.fields, a map of output field name to expression, against resolved inputs.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			fields, ok := config["fields"].(map[string]interface{})
			if !ok {
				return nil, &HandlerError{Message: "transform requires config.fields", Recoverable: false}
			}
			evCtx := evalContext(inputs, env)
			out := make(map[string]interface{}, len(fields))
			for name, raw := range fields {
				expr, ok := raw.(string)
				if !ok {
					return nil, &HandlerError{Message: "transform field " + name + " must be a string expression", Recoverable: false}
				}
				node, err := expreval.Parse(expr)
				if err != nil {
					return nil, &HandlerError{Message: "transform field " + name + " is malformed", Recoverable: false, Err: err}
				}
				v, err := expreval.Eval(node, evCtx, expreval.DefaultBudget)
				if err != nil {
					return nil, &HandlerError{Message: "transform field " + name + " failed", Recoverable: false, Err: err}
				}
				out[name] = v
			}
			return out, nil
		},
	})

	r.Register(Handler{
		Type: "filter", Name: "Filter", Category: CategoryData,
		Description: "Keeps elements of the 'items' input array for which config.predicate evaluates truthy, binding each as $item.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			items, ok := inputs["items"].([]interface{})
			if !ok {
				return nil, &HandlerError{Message: "filter requires an 'items' array input", Recoverable: false}
			}
			expr, _ := config["predicate"].(string)
			if expr == "" {
				return nil, &HandlerError{Message: "filter requires config.predicate", Recoverable: false}
			}
			node, err := expreval.Parse(expr)
			if err != nil {
				return nil, &HandlerError{Message: "filter predicate is malformed", Recoverable: false, Err: err}
			}
			kept := make([]interface{}, 0, len(items))
			for _, item := range items {
				evCtx := evalContext(inputs, env)
				evCtx.Variables["item"] = item
				v, err := expreval.Eval(node, evCtx, expreval.DefaultBudget)
				if err != nil {
					return nil, &HandlerError{Message: "filter predicate failed", Recoverable: false, Err: err}
				}
				if truthyValue(v) {
					kept = append(kept, item)
				}
			}
			return map[string]interface{}{"items": kept}, nil
		},
	})

	r.Register(Handler{
		Type: "aggregate", Name: "Aggregate", Category: CategoryData,
		Description: "Reduces the 'items' array input over config.field using config.operation (sum, avg, count, min, max).",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			items, ok := inputs["items"].([]interface{})
			if !ok {
				return nil, &HandlerError{Message: "aggregate requires an 'items' array input", Recoverable: false}
			}
			op, _ := config["operation"].(string)
			field, _ := config["field"].(string)
			if op == "count" {
				return map[string]interface{}{"result": float64(len(items))}, nil
			}
			values := make([]float64, 0, len(items))
			for _, item := range items {
				v := item
				if field != "" {
					if m, ok := item.(map[string]interface{}); ok {
						v = m[field]
					}
				}
				f, ok := v.(float64)
				if !ok {
					continue
				}
				values = append(values, f)
			}
			if len(values) == 0 {
				return map[string]interface{}{"result": nil}, nil
			}
			switch op {
			case "sum":
				return map[string]interface{}{"result": sum(values)}, nil
			case "avg":
				return map[string]interface{}{"result": sum(values) / float64(len(values))}, nil
			case "min":
				sort.Float64s(values)
				return map[string]interface{}{"result": values[0]}, nil
			case "max":
				sort.Float64s(values)
				return map[string]interface{}{"result": values[len(values)-1]}, nil
			default:
				return nil, &HandlerError{Message: "aggregate requires config.operation in {sum,avg,count,min,max}", Recoverable: false}
			}
		},
	})

	r.Register(Handler{
		Type: "set_variable", Name: "Set Variable", Category: CategoryData,
		Description: "Publishes its resolved input as a named execution variable. The engine, not this handler, performs the actual mutation of ctx.variables.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			name, _ := config["name"].(string)
			if name == "" {
				return nil, &HandlerError{Message: "set_variable requires config.name", Recoverable: false}
			}
			value, ok := inputs["value"]
			if !ok {
				return nil, &HandlerError{Message: "set_variable requires a 'value' input", Recoverable: false}
			}
			return map[string]interface{}{"name": name, "value": value}, nil
		},
	})
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}
