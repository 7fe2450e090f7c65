package vault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finaceverse/orchestrator/pkg/circuitbreaker"
	"github.com/finaceverse/orchestrator/pkg/logging"
)

func TestEnvResolverReadsPrefixedUppercaseKey(t *testing.T) {
	t.Setenv("ORCH_PAYMENT_API_KEY", "s3cr3t")
	r := EnvResolver{Prefix: "orch"}

	v, err := r.GetSecret(context.Background(), "payment-api-key")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)
}

func TestEnvResolverMissingSecretErrors(t *testing.T) {
	r := EnvResolver{Prefix: "orch"}
	_, err := r.GetSecret(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestLoadCredentialsFailsFastOnFirstMissing(t *testing.T) {
	t.Setenv("A", "1")
	r := EnvResolver{}
	_, err := LoadCredentials(context.Background(), r, []string{"a", "b"})
	assert.Error(t, err)
}

func TestBreakerResolverOpensAfterRepeatedFailures(t *testing.T) {
	b := circuitbreaker.New("vault-test", circuitbreaker.Config{Threshold: 1, Timeout: time.Hour, HalfOpenRequests: 1}, logging.NoOpLogger{})
	failing := EnvResolver{}
	r := NewBreakerResolver(failing, b)

	_, err := r.GetSecret(context.Background(), "nope")
	require.Error(t, err)

	_, err = r.GetSecret(context.Background(), "nope")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestBreakerResolverPassesThroughWhenNoBreaker(t *testing.T) {
	t.Setenv("OK", "yes")
	r := NewBreakerResolver(EnvResolver{}, nil)
	v, err := r.GetSecret(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
}
