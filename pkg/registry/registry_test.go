package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finaceverse/orchestrator/pkg/logging"
)

func newTestRegistry() *Registry {
	r := New(logging.NoOpLogger{})
	RegisterBuiltins(r, BuiltinDeps{})
	return r
}

func testEnv() *Env {
	return &Env{ExecutionID: "exec-1", TenantID: "tenant-1", Variables: map[string]interface{}{}, Logger: logging.NoOpLogger{}}
}

func TestRegisterOverwritesExistingType(t *testing.T) {
	r := New(logging.NoOpLogger{})
	r.Register(Handler{Type: "condition", Name: "first"})
	r.Register(Handler{Type: "condition", Name: "second"})
	h, ok := r.Get("condition")
	require.True(t, ok)
	assert.Equal(t, "second", h.Name)
}

func TestAllBuiltinTypesAreRegistered(t *testing.T) {
	r := newTestRegistry()
	required := []string{
		"condition", "loop", "merge", "delay", "human_approval",
		"transform", "filter", "aggregate", "set_variable",
		"http_request", "notify", "database_query",
		"invoice_ocr", "bank_reconcile", "journal_entry", "tax_calculate", "gst_return", "financial_ratio",
		"ai_vamn_verify", "ai_luca_analyze", "ai_anomaly_detect", "ai_classify", "ai_extract", "ai_predict", "ai_query",
	}
	for _, typ := range required {
		_, ok := r.Get(typ)
		assert.True(t, ok, "expected builtin type %q to be registered", typ)
	}
}

func TestConditionHandlerEvaluatesExpression(t *testing.T) {
	r := newTestRegistry()
	h, _ := r.Get("condition")
	out, err := h.Execute(context.Background(), Inputs{"amount": 150.0}, map[string]interface{}{
		"expression": "amount > 100",
	}, testEnv())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"result": true}, out)
}

func TestJournalEntryRejectsUnbalancedEntries(t *testing.T) {
	r := newTestRegistry()
	h, _ := r.Get("journal_entry")
	_, err := h.Execute(context.Background(), Inputs{
		"entries": []interface{}{
			map[string]interface{}{"account": "cash", "debit": 100.0},
			map[string]interface{}{"account": "revenue", "credit": 90.0},
		},
	}, map[string]interface{}{}, testEnv())
	require.Error(t, err)
	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.False(t, handlerErr.Recoverable)
}

func TestJournalEntryAcceptsBalancedEntries(t *testing.T) {
	r := newTestRegistry()
	h, _ := r.Get("journal_entry")
	out, err := h.Execute(context.Background(), Inputs{
		"entries": []interface{}{
			map[string]interface{}{"account": "cash", "debit": 100.0},
			map[string]interface{}{"account": "revenue", "credit": 100.0},
		},
	}, map[string]interface{}{}, testEnv())
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]interface{})["balanced"])
}

func TestHumanApprovalReturnsApprovalRequestSentinel(t *testing.T) {
	r := newTestRegistry()
	h, _ := r.Get("human_approval")
	out, err := h.Execute(context.Background(), Inputs{"invoiceId": "inv-1"}, map[string]interface{}{
		"approvers": []interface{}{"alice", "bob"},
	}, testEnv())
	require.NoError(t, err)
	req, ok := out.(*ApprovalRequest)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"alice", "bob"}, req.Approvers)
	assert.NotEmpty(t, req.ApprovalID)
}

func TestAggregateSum(t *testing.T) {
	r := newTestRegistry()
	h, _ := r.Get("aggregate")
	out, err := h.Execute(context.Background(), Inputs{
		"items": []interface{}{
			map[string]interface{}{"amount": 10.0},
			map[string]interface{}{"amount": 25.0},
		},
	}, map[string]interface{}{"operation": "sum", "field": "amount"}, testEnv())
	require.NoError(t, err)
	assert.Equal(t, 35.0, out.(map[string]interface{})["result"])
}
