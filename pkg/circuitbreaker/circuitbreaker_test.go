package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finaceverse/orchestrator/pkg/logging"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New("vamn", Config{Threshold: 3, Timeout: 50 * time.Millisecond, HalfOpenRequests: 1}, logging.NoOpLogger{})
	failing := func() error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), failing)
		assert.Error(t, err)
	}
	assert.Equal(t, "open", b.GetState())

	err := b.Execute(context.Background(), failing)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpensAfterTimeoutAndCloses(t *testing.T) {
	b := New("luca", Config{Threshold: 1, Timeout: 10 * time.Millisecond, HalfOpenRequests: 1}, logging.NoOpLogger{})
	require.Error(t, b.Execute(context.Background(), func() error { return errors.New("boom") }))
	assert.Equal(t, "open", b.GetState())

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, "closed", b.GetState())
}

func TestBreakerResetClearsState(t *testing.T) {
	b := New("vault", DefaultConfig(), logging.NoOpLogger{})
	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), func() error { return errors.New("boom") })
	}
	assert.Equal(t, "open", b.GetState())
	b.Reset()
	assert.Equal(t, "closed", b.GetState())
	assert.True(t, b.CanExecute())
}
