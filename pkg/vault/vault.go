// Package vault resolves named credentials for workflow execution. The
// engine consumes only the Resolver interface, per the design note that
// credential loading is an external contract the engine never implements
// itself — it just calls GetSecret for every name listed in a workflow's
// credentials and places the result into the execution context.
package vault

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/finaceverse/orchestrator/pkg/circuitbreaker"
)

// Resolver resolves a named credential to its current value.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// EnvResolver resolves secrets against environment variables, uppercased
// and prefixed, for local development and tests. A production deployment
// supplies a different Resolver (e.g. backed by a managed secrets API);
// this package only needs to satisfy the interface.
type EnvResolver struct {
	Prefix string
}

func (r EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	key := r.envKey(name)
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("vault: secret %q not found (env %s)", name, key)
	}
	return v, nil
}

func (r EnvResolver) envKey(name string) string {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if r.Prefix == "" {
		return key
	}
	return strings.ToUpper(r.Prefix) + "_" + key
}

// BreakerResolver wraps a Resolver in a circuit breaker so a degraded
// vault dependency cannot cascade into every execution that needs
// credentials.
type BreakerResolver struct {
	inner   Resolver
	breaker circuitbreaker.CircuitBreaker
}

func NewBreakerResolver(inner Resolver, breaker circuitbreaker.CircuitBreaker) *BreakerResolver {
	return &BreakerResolver{inner: inner, breaker: breaker}
}

func (r *BreakerResolver) GetSecret(ctx context.Context, name string) (string, error) {
	if r.breaker == nil {
		return r.inner.GetSecret(ctx, name)
	}
	var value string
	err := r.breaker.Execute(ctx, func() error {
		v, err := r.inner.GetSecret(ctx, name)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// LoadCredentials resolves every name in names against r, returning a map
// suitable for an execution context's credentials field. It fails fast on
// the first unresolved name.
func LoadCredentials(ctx context.Context, r Resolver, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, err := r.GetSecret(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("vault: load credential %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
