// Package verifier implements the post-node-execution AI verification
// step: five verification modes layered over a shared HTTP-call pattern
// to the VAMN and Luca services, wrapped in a circuit breaker so a
// degraded dependency degrades gracefully rather than stalling every node.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/finaceverse/orchestrator/pkg/circuitbreaker"
	"github.com/finaceverse/orchestrator/pkg/logging"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

// Verifier runs the five verification modes.
type Verifier struct {
	httpClient *http.Client
	vamnURL    string
	lucaURL    string
	breaker    circuitbreaker.CircuitBreaker
	logger     logging.Logger
}

func New(httpClient *http.Client, vamnURL, lucaURL string, breaker circuitbreaker.CircuitBreaker, logger logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Verifier{httpClient: httpClient, vamnURL: vamnURL, lucaURL: lucaURL, breaker: breaker, logger: logger}
}

// Verify runs the mode named in cfg.Mode and returns its result. When the
// underlying call errors and cfg.StrictMode is false, the error is
// swallowed into a non-fatal "skipped" result — the caller (the engine)
// decides what to do with Passed=false under strict mode.
func (v *Verifier) Verify(ctx context.Context, nodeType string, inputs, output map[string]interface{}, cfg workflowtypes.AIVerificationConfig, tenantID, executionID string) workflowtypes.AIVerificationResult {
	result, err := v.run(ctx, nodeType, inputs, output, cfg, tenantID, executionID)
	if err != nil {
		v.logger.Warn("AI verification call failed", map[string]interface{}{
			"mode":  cfg.Mode,
			"error": err.Error(),
		})
		if cfg.StrictMode {
			return workflowtypes.AIVerificationResult{
				Passed:     false,
				Confidence: 0,
				Reason:     fmt.Sprintf("verification error: %v", err),
			}
		}
		return workflowtypes.AIVerificationResult{
			Passed:     true,
			Confidence: 0,
			Reason:     "Verification skipped due to error",
		}
	}
	return result
}

func (v *Verifier) run(ctx context.Context, nodeType string, inputs, output map[string]interface{}, cfg workflowtypes.AIVerificationConfig, tenantID, executionID string) (workflowtypes.AIVerificationResult, error) {
	switch cfg.Mode {
	case workflowtypes.VerifyVAMN:
		return v.callVAMN(ctx, nodeType, inputs, output, cfg, tenantID, executionID)
	case workflowtypes.VerifyLuca:
		return v.callLuca(ctx, nodeType, output, cfg, tenantID, executionID)
	case workflowtypes.VerifyAnomalyDetect:
		return anomalyDetect(output, cfg), nil
	case workflowtypes.VerifyFormatValidate:
		return formatValidate(output, cfg), nil
	case workflowtypes.VerifyThresholdCheck:
		return thresholdCheck(output, cfg), nil
	default:
		return workflowtypes.AIVerificationResult{}, fmt.Errorf("unknown AI verification mode %q", cfg.Mode)
	}
}

type vamnRequest struct {
	NodeType string                 `json:"nodeType"`
	Inputs   map[string]interface{} `json:"inputs"`
	Output   map[string]interface{} `json:"output"`
	Rules    map[string]interface{} `json:"rules,omitempty"`
	Context  map[string]interface{} `json:"context"`
}

type vamnResponse struct {
	Verified    bool                       `json:"verified"`
	Confidence  float64                    `json:"confidence"`
	Reason      string                     `json:"reason"`
	Suggestions []string                   `json:"suggestions"`
	Anomalies   []workflowtypes.Anomaly    `json:"anomalies"`
}

func (v *Verifier) callVAMN(ctx context.Context, nodeType string, inputs, output map[string]interface{}, cfg workflowtypes.AIVerificationConfig, tenantID, executionID string) (workflowtypes.AIVerificationResult, error) {
	req := vamnRequest{
		NodeType: nodeType,
		Inputs:   inputs,
		Output:   output,
		Rules:    cfg.Rules,
		Context:  map[string]interface{}{"tenantId": tenantID, "executionId": executionID},
	}
	var resp vamnResponse
	if err := v.post(ctx, v.vamnURL, req, &resp, tenantID, executionID); err != nil {
		return workflowtypes.AIVerificationResult{}, err
	}
	return workflowtypes.AIVerificationResult{
		Passed:      resp.Verified,
		Confidence:  resp.Confidence,
		Reason:      resp.Reason,
		Suggestions: resp.Suggestions,
		Anomalies:   resp.Anomalies,
		Model:       "vamn",
	}, nil
}

type lucaRequest struct {
	Type           string                 `json:"type"`
	NodeType       string                 `json:"nodeType"`
	Data           map[string]interface{} `json:"data"`
	ExpectedFormat map[string]interface{} `json:"expectedFormat,omitempty"`
	FinancialRules map[string]interface{} `json:"financialRules,omitempty"`
}

type lucaResponse struct {
	Valid           bool     `json:"valid"`
	Confidence      float64  `json:"confidence"`
	Analysis        string   `json:"analysis"`
	Recommendations []string `json:"recommendations"`
	Issues          []string `json:"issues"`
}

func (v *Verifier) callLuca(ctx context.Context, nodeType string, output map[string]interface{}, cfg workflowtypes.AIVerificationConfig, tenantID, executionID string) (workflowtypes.AIVerificationResult, error) {
	req := lucaRequest{
		Type:           "verification",
		NodeType:       nodeType,
		Data:           output,
		ExpectedFormat: cfg.ExpectedFormat,
		FinancialRules: cfg.FinancialRules,
	}
	var resp lucaResponse
	if err := v.post(ctx, v.lucaURL, req, &resp, tenantID, executionID); err != nil {
		return workflowtypes.AIVerificationResult{}, err
	}
	suggestions := resp.Recommendations
	reason := resp.Analysis
	if len(resp.Issues) > 0 && reason == "" {
		reason = fmt.Sprintf("%d issue(s) found", len(resp.Issues))
	}
	return workflowtypes.AIVerificationResult{
		Passed:      resp.Valid,
		Confidence:  resp.Confidence,
		Reason:      reason,
		Suggestions: suggestions,
		Model:       "luca",
	}, nil
}

func (v *Verifier) post(ctx context.Context, url string, payload interface{}, out interface{}, tenantID, executionID string) error {
	if url == "" {
		return fmt.Errorf("no endpoint configured for this verification mode")
	}

	var rawBody []byte
	call := func() error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", tenantID)
		req.Header.Set("X-Request-ID", executionID)

		resp, err := v.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("verification endpoint returned status %d", resp.StatusCode)
		}
		rawBody = body
		return nil
	}

	var err error
	if v.breaker != nil {
		err = v.breaker.Execute(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(rawBody, out)
}

// anomalyDetect is the local statistical check: required fields present,
// nonNegativeFields >= 0, numeric fields within expectedRanges; pass iff
// no criticals and high-count <= maxHighAnomalies.
func anomalyDetect(output map[string]interface{}, cfg workflowtypes.AIVerificationConfig) workflowtypes.AIVerificationResult {
	var anomalies []workflowtypes.Anomaly

	for _, field := range cfg.RequiredFields {
		if _, ok := output[field]; !ok {
			anomalies = append(anomalies, workflowtypes.Anomaly{Field: field, Severity: "critical", Detail: "required field missing"})
		}
	}
	for _, field := range cfg.NonNegativeFields {
		if v, ok := output[field].(float64); ok && v < 0 {
			anomalies = append(anomalies, workflowtypes.Anomaly{Field: field, Severity: "critical", Detail: "value is negative"})
		}
	}
	fieldNames := make([]string, 0, len(cfg.ExpectedRanges))
	for field := range cfg.ExpectedRanges {
		fieldNames = append(fieldNames, field)
	}
	sort.Strings(fieldNames)
	for _, field := range fieldNames {
		bound := cfg.ExpectedRanges[field]
		v, ok := output[field].(float64)
		if !ok {
			continue
		}
		if bound.Min != nil && v < *bound.Min {
			anomalies = append(anomalies, workflowtypes.Anomaly{Field: field, Severity: "high", Detail: "below expected range"})
		}
		if bound.Max != nil && v > *bound.Max {
			anomalies = append(anomalies, workflowtypes.Anomaly{Field: field, Severity: "high", Detail: "above expected range"})
		}
	}

	var criticals, highs int
	for _, a := range anomalies {
		switch a.Severity {
		case "critical":
			criticals++
		case "high":
			highs++
		}
	}
	maxHigh := cfg.MaxHighAnomalies
	if maxHigh == 0 {
		maxHigh = 3
	}
	passed := criticals == 0 && highs <= maxHigh

	confidence := 1.0 - 0.1*float64(len(anomalies))
	if confidence < 0 {
		confidence = 0
	}

	reason := ""
	if !passed {
		reason = fmt.Sprintf("%d anomalies detected (%d critical, %d high)", len(anomalies), criticals, highs)
	}

	return workflowtypes.AIVerificationResult{
		Passed:     passed,
		Confidence: confidence,
		Reason:     reason,
		Anomalies:  anomalies,
		Model:      "local-anomaly-detect",
	}
}

// formatValidate is a shallow JSON-Schema-like check against the
// configured expected format: type plus required fields.
func formatValidate(output map[string]interface{}, cfg workflowtypes.AIVerificationConfig) workflowtypes.AIVerificationResult {
	schema := cfg.ExpectedFormat
	if schema == nil {
		return workflowtypes.AIVerificationResult{Passed: true, Confidence: 1, Model: "local-format-validate"}
	}
	var missing []string
	if required, ok := schema["required"].([]interface{}); ok {
		for _, r := range required {
			field, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := output[field]; !present {
				missing = append(missing, field)
			}
		}
	}
	if wantType, ok := schema["type"].(string); ok && wantType == "object" {
		if output == nil {
			missing = append(missing, "<root: expected object>")
		}
	}
	if len(missing) > 0 {
		return workflowtypes.AIVerificationResult{
			Passed:     false,
			Confidence: 0,
			Reason:     fmt.Sprintf("missing required fields: %v", missing),
			Model:      "local-format-validate",
		}
	}
	return workflowtypes.AIVerificationResult{Passed: true, Confidence: 1, Model: "local-format-validate"}
}

// thresholdCheck verifies each configured numeric field lies within its
// {min?, max?} bound.
func thresholdCheck(output map[string]interface{}, cfg workflowtypes.AIVerificationConfig) workflowtypes.AIVerificationResult {
	fieldNames := make([]string, 0, len(cfg.Thresholds))
	for field := range cfg.Thresholds {
		fieldNames = append(fieldNames, field)
	}
	sort.Strings(fieldNames)

	var violations []string
	for _, field := range fieldNames {
		bound := cfg.Thresholds[field]
		v, ok := output[field].(float64)
		if !ok {
			continue
		}
		if bound.Min != nil && v < *bound.Min {
			violations = append(violations, fmt.Sprintf("%s below minimum %v", field, *bound.Min))
		}
		if bound.Max != nil && v > *bound.Max {
			violations = append(violations, fmt.Sprintf("%s above maximum %v", field, *bound.Max))
		}
	}
	if len(violations) > 0 {
		return workflowtypes.AIVerificationResult{
			Passed:     false,
			Confidence: 0,
			Reason:     fmt.Sprintf("threshold violations: %v", violations),
			Model:      "local-threshold-check",
		}
	}
	return workflowtypes.AIVerificationResult{Passed: true, Confidence: 1, Model: "local-threshold-check"}
}
