package expreval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	return &Context{
		Variables: map[string]interface{}{
			"amount": 125.5,
			"data": map[string]interface{}{
				"x": 10.0,
				"y": "hello",
			},
		},
		Nodes: map[string]map[string]interface{}{
			"fetch_invoice": {
				"total":  200.0,
				"status": "ok",
			},
		},
		Env: map[string]string{
			"REGION": "ap-south-1",
		},
	}
}

func TestEvaluateArithmetic(t *testing.T) {
	v, err := Evaluate("$amount * 2", testContext())
	require.NoError(t, err)
	assert.Equal(t, 251.0, v)
}

func TestEvaluateVariableSugar(t *testing.T) {
	v, err := Evaluate("$data.x * 2", testContext())
	require.NoError(t, err)
	assert.Equal(t, 20.0, v)
}

func TestEvaluateNodesReference(t *testing.T) {
	v, err := Evaluate("$nodes.fetch_invoice.total", testContext())
	require.NoError(t, err)
	assert.Equal(t, 200.0, v)
}

func TestEvaluateEnvReference(t *testing.T) {
	v, err := Evaluate("$env.REGION", testContext())
	require.NoError(t, err)
	assert.Equal(t, "ap-south-1", v)
}

func TestEvaluateComparisonAndLogic(t *testing.T) {
	v, err := Evaluate("$amount > 100 && $nodes.fetch_invoice.status == 'ok'", testContext())
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluateStringConcatenation(t *testing.T) {
	v, err := Evaluate("$data.y + ' world'", testContext())
	require.NoError(t, err)
	assert.Equal(t, "hello world", v)
}

func TestEvaluateArrayAndObjectLiterals(t *testing.T) {
	v, err := Evaluate("[1, 2, $amount][2]", testContext())
	require.NoError(t, err)
	assert.Equal(t, 125.5, v)

	v, err = Evaluate("{total: $amount}.total", testContext())
	require.NoError(t, err)
	assert.Equal(t, 125.5, v)
}

func TestEvaluateDivisionByZero(t *testing.T) {
	_, err := Evaluate("$amount / 0", testContext())
	assert.Error(t, err)
}

func TestEvaluateUnknownReferenceResolvesNil(t *testing.T) {
	v, err := Evaluate("$does_not_exist", testContext())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestValidateRejectsMalformedExpression(t *testing.T) {
	ok, err := Validate("$amount +")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestValidateAcceptsWellFormedExpression(t *testing.T) {
	ok, err := Validate("$amount * ($nodes.fetch_invoice.total - 1)")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParseTemplateSubstitutesAndPassesThroughLiteralText(t *testing.T) {
	out, err := ParseTemplate("Invoice total: {{ $nodes.fetch_invoice.total }} ({{ $env.REGION }})", testContext())
	require.NoError(t, err)
	assert.Equal(t, "Invoice total: 200 (ap-south-1)", out)
}

func TestParseTemplateReportsUnterminatedSpan(t *testing.T) {
	_, err := ParseTemplate("broken {{ $amount ", testContext())
	assert.Error(t, err)
}

func TestParseTemplateLeavesUnresolvableSpanVerbatimAndContinues(t *testing.T) {
	out, err := ParseTemplate("before {{ $amount + }} middle {{ $nodes.fetch_invoice.total }} after", testContext())
	require.NoError(t, err)
	assert.Equal(t, "before {{ $amount + }} middle 200 after", out)
}

func TestEvaluateLongChainStaysUnderOperationLimit(t *testing.T) {
	expr := "1"
	for i := 0; i < 200; i++ {
		expr += " + 1"
	}
	node, err := parse(expr)
	require.NoError(t, err)
	_, err = Eval(node, testContext(), 0)
	assert.NoError(t, err) // well under maxOps; this just exercises the deep tree.
}
