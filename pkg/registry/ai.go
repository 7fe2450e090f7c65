package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// registerAIHandlers installs the AI-category node types (distinct from the
// post-execution AI Verifier: these are handlers a workflow author wires
// in directly as a step, producing their result as the node's own output).
func registerAIHandlers(r *Registry, deps BuiltinDeps) {
	r.Register(Handler{
		Type: "ai_vamn_verify", Name: "VAMN Verify", Category: CategoryAI,
		Description: "Calls the configured VAMN endpoint to verify the 'data' input against config.rules.",
		Execute: aiPostHandler(deps, func() string { return deps.VAMNURL }, "vamn_verify"),
	})
	r.Register(Handler{
		Type: "ai_luca_analyze", Name: "Luca Analyze", Category: CategoryAI,
		Description: "Calls the configured Luca endpoint to analyze the 'data' input against config.expectedFormat/financialRules.",
		Execute: aiPostHandler(deps, func() string { return deps.LucaURL }, "luca_analyze"),
	})
	r.Register(Handler{
		Type: "ai_anomaly_detect", Name: "Anomaly Detection", Category: CategoryAI,
		Description: "Local statistical anomaly scan of the 'data' input against config.expectedRanges.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			data, _ := inputs["data"].(map[string]interface{})
			anomalies := scanAnomalies(data, config)
			return map[string]interface{}{"anomalies": anomalies, "count": len(anomalies)}, nil
		},
	})
	r.Register(Handler{
		Type: "ai_classify", Name: "AI Classify", Category: CategoryAI,
		Description: "Calls the configured Luca endpoint with type=classification to label the 'data' input.",
		Execute: aiPostHandlerTyped(deps, func() string { return deps.LucaURL }, "classification"),
	})
	r.Register(Handler{
		Type: "ai_extract", Name: "AI Extract", Category: CategoryAI,
		Description: "Calls the configured Luca endpoint with type=extraction to pull structured fields from the 'data' input.",
		Execute: aiPostHandlerTyped(deps, func() string { return deps.LucaURL }, "extraction"),
	})
	r.Register(Handler{
		Type: "ai_predict", Name: "AI Predict", Category: CategoryAI,
		Description: "Calls the configured VAMN endpoint with type=prediction over the 'data' input.",
		Execute: aiPostHandlerTyped(deps, func() string { return deps.VAMNURL }, "prediction"),
	})
	r.Register(Handler{
		Type: "ai_query", Name: "AI Query", Category: CategoryAI,
		Description: "Calls the configured VAMN endpoint with a free-form 'prompt' input and returns its response.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			prompt, _ := inputs["prompt"].(string)
			if prompt == "" {
				return nil, &HandlerError{Message: "ai_query requires a 'prompt' input", Recoverable: false}
			}
			return callAIEndpoint(ctx, deps, deps.VAMNURL, map[string]interface{}{
				"type":   "query",
				"prompt": prompt,
			}, env)
		},
	})
}

func aiPostHandler(deps BuiltinDeps, endpoint func() string, mode string) Execute {
	return func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
		data, ok := inputs["data"]
		if !ok {
			return nil, &HandlerError{Message: mode + " requires a 'data' input", Recoverable: false}
		}
		payload := map[string]interface{}{
			"type": mode,
			"data": data,
		}
		for k, v := range config {
			payload[k] = v
		}
		return callAIEndpoint(ctx, deps, endpoint(), payload, env)
	}
}

func aiPostHandlerTyped(deps BuiltinDeps, endpoint func() string, typ string) Execute {
	return func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
		data, ok := inputs["data"]
		if !ok {
			return nil, &HandlerError{Message: typ + " requires a 'data' input", Recoverable: false}
		}
		payload := map[string]interface{}{
			"type": typ,
			"data": data,
		}
		for k, v := range config {
			payload[k] = v
		}
		return callAIEndpoint(ctx, deps, endpoint(), payload, env)
	}
}

func callAIEndpoint(ctx context.Context, deps BuiltinDeps, url string, payload map[string]interface{}, env *Env) (Output, error) {
	if deps.HTTPClient == nil || url == "" {
		return nil, &HandlerError{Message: "AI handler has no endpoint configured", Recoverable: false}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &HandlerError{Message: "AI request payload is not JSON-serializable", Recoverable: false, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, &HandlerError{Message: "AI request failed to build", Recoverable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", env.TenantID)
	req.Header.Set("X-Request-ID", env.ExecutionID)

	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		return nil, &HandlerError{Message: "AI endpoint call failed", Recoverable: true, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &HandlerError{Message: "AI endpoint response unreadable", Recoverable: true, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &HandlerError{Message: fmt.Sprintf("AI endpoint returned status %d", resp.StatusCode), Recoverable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, &HandlerError{Message: fmt.Sprintf("AI endpoint returned status %d", resp.StatusCode), Recoverable: false}
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &HandlerError{Message: "AI endpoint returned non-JSON response", Recoverable: false, Err: err}
	}
	return decoded, nil
}

func scanAnomalies(data map[string]interface{}, config map[string]interface{}) []map[string]interface{} {
	var anomalies []map[string]interface{}
	ranges, _ := config["expectedRanges"].(map[string]interface{})
	for field, bound := range ranges {
		bm, ok := bound.(map[string]interface{})
		if !ok {
			continue
		}
		v, ok := data[field].(float64)
		if !ok {
			continue
		}
		if min, ok := bm["min"].(float64); ok && v < min {
			anomalies = append(anomalies, map[string]interface{}{"field": field, "severity": "high", "detail": "below expected minimum"})
		}
		if max, ok := bm["max"].(float64); ok && v > max {
			anomalies = append(anomalies, map[string]interface{}{"field": field, "severity": "high", "detail": "above expected maximum"})
		}
	}
	return anomalies
}
