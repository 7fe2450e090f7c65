package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPDoer is the minimal client shape the http_request handler and the AI
// handlers need; *http.Client satisfies it directly.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func registerIntegrationHandlers(r *Registry, deps BuiltinDeps) {
	r.Register(Handler{
		Type: "http_request", Name: "HTTP Request", Category: CategoryIntegration,
		Description: "Issues an outbound HTTP call described by config {url, method, headers, body}, carrying X-Tenant-ID and X-Request-ID per the node handler side-channel contract.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			if deps.HTTPClient == nil {
				return nil, &HandlerError{Message: "http_request handler has no HTTP client configured", Recoverable: false}
			}
			url, _ := config["url"].(string)
			if url == "" {
				return nil, &HandlerError{Message: "http_request requires config.url", Recoverable: false}
			}
			method, _ := config["method"].(string)
			if method == "" {
				method = http.MethodGet
			}

			var bodyReader io.Reader
			if body, ok := inputs["body"]; ok {
				raw, err := json.Marshal(body)
				if err != nil {
					return nil, &HandlerError{Message: "http_request body is not JSON-serializable", Recoverable: false, Err: err}
				}
				bodyReader = bytes.NewReader(raw)
			}

			req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
			if err != nil {
				return nil, &HandlerError{Message: "http_request failed to build request", Recoverable: false, Err: err}
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Tenant-ID", env.TenantID)
			req.Header.Set("X-Request-ID", env.ExecutionID)
			if headers, ok := config["headers"].(map[string]interface{}); ok {
				for k, v := range headers {
					if s, ok := v.(string); ok {
						req.Header.Set(k, s)
					}
				}
			}

			resp, err := deps.HTTPClient.Do(req)
			if err != nil {
				return nil, &HandlerError{Message: "http_request call failed", Recoverable: true, Err: err}
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, &HandlerError{Message: "http_request failed reading response body", Recoverable: true, Err: err}
			}

			var decoded interface{}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &decoded); err != nil {
					decoded = string(raw)
				}
			}

			if resp.StatusCode >= 500 {
				return nil, &HandlerError{Message: fmt.Sprintf("http_request received status %d", resp.StatusCode), Recoverable: true}
			}
			if resp.StatusCode >= 400 {
				return nil, &HandlerError{Message: fmt.Sprintf("http_request received status %d", resp.StatusCode), Recoverable: false}
			}

			return map[string]interface{}{
				"status": resp.StatusCode,
				"body":   decoded,
			}, nil
		},
	})

	r.Register(Handler{
		Type: "notify", Name: "Notify", Category: CategoryIntegration,
		Description: "Sends a notification payload to a configured webhook URL, best-effort.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			if deps.HTTPClient == nil {
				env.Logger.Info("notify skipped: no HTTP client configured", map[string]interface{}{"execution_id": env.ExecutionID})
				return map[string]interface{}{"sent": false}, nil
			}
			url, _ := config["webhookUrl"].(string)
			if url == "" {
				return nil, &HandlerError{Message: "notify requires config.webhookUrl", Recoverable: false}
			}
			payload := map[string]interface{}{"message": config["message"], "data": inputs}
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, &HandlerError{Message: "notify payload is not JSON-serializable", Recoverable: false, Err: err}
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
			if err != nil {
				return nil, &HandlerError{Message: "notify failed to build request", Recoverable: false, Err: err}
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Tenant-ID", env.TenantID)
			req.Header.Set("X-Request-ID", env.ExecutionID)
			resp, err := deps.HTTPClient.Do(req)
			if err != nil {
				return nil, &HandlerError{Message: "notify delivery failed", Recoverable: true, Err: err}
			}
			defer resp.Body.Close()
			return map[string]interface{}{"sent": true, "status": resp.StatusCode}, nil
		},
	})

	r.Register(Handler{
		Type: "database_query", Name: "Database Query", Category: CategoryIntegration,
		Description: "Runs a parameterized read query against the configured DB handle and returns rows as an array of objects.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			queryable, ok := env.Variables["__db"].(Queryable)
			if !ok {
				return nil, &HandlerError{Message: "database_query has no database handle bound into this execution", Recoverable: false}
			}
			query, _ := config["query"].(string)
			if query == "" {
				return nil, &HandlerError{Message: "database_query requires config.query", Recoverable: false}
			}
			rows, err := queryable.QueryContext(ctx, query, toArgSlice(inputs["params"]))
			if err != nil {
				return nil, &HandlerError{Message: "database_query failed", Recoverable: true, Err: err}
			}
			return map[string]interface{}{"rows": rows}, nil
		},
	})
}

// Queryable is the narrow read surface a database_query node needs. The
// repository package's sqlx handle satisfies this via a small adapter,
// keeping this package free of a direct sqlx/lib-pq dependency.
type Queryable interface {
	QueryContext(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error)
}

func toArgSlice(v interface{}) []interface{} {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	return arr
}
