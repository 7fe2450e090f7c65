package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finaceverse/orchestrator/pkg/logging"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

type memStore struct {
	mu      sync.Mutex
	entries []workflowtypes.AuditEntry
	failN   int
}

func (m *memStore) InsertBatch(ctx context.Context, entries []workflowtypes.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return errors.New("simulated store failure")
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memStore) Query(ctx context.Context, filter QueryFilter) ([]workflowtypes.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]workflowtypes.AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestLogSanitizesSensitiveKeys(t *testing.T) {
	store := &memStore{}
	l := New(store, logging.NoOpLogger{}, Config{})
	l.Log(context.Background(), workflowtypes.AuditEntry{
		ExecutionID: "exec-1",
		Event:       "node_started",
		SanitizedData: map[string]interface{}{
			"password": "hunter2",
			"amount":   125.5,
			"nested":   map[string]interface{}{"apiKey": "abc"},
		},
	})
	l.flush(context.Background())

	require.Equal(t, 1, store.count())
	entry := store.entries[0]
	assert.Equal(t, "***REDACTED***", entry.SanitizedData["password"])
	assert.Equal(t, 125.5, entry.SanitizedData["amount"])
	nested := entry.SanitizedData["nested"].(map[string]interface{})
	assert.Equal(t, "***REDACTED***", nested["apiKey"])
}

func TestLogForcesImmediateFlushOnFailureEvent(t *testing.T) {
	store := &memStore{}
	l := New(store, logging.NoOpLogger{}, Config{})
	l.Log(context.Background(), workflowtypes.AuditEntry{ExecutionID: "exec-1", Event: "node_failed"})
	assert.Equal(t, 1, store.count())
}

func TestChainHashLinksConsecutiveEntries(t *testing.T) {
	store := &memStore{}
	l := New(store, logging.NoOpLogger{}, Config{})
	l.Log(context.Background(), workflowtypes.AuditEntry{ExecutionID: "exec-1", Event: "execution_started"})
	l.Log(context.Background(), workflowtypes.AuditEntry{ExecutionID: "exec-1", Event: "node_started"})
	l.flush(context.Background())

	require.Len(t, store.entries, 2)
	assert.Empty(t, store.entries[0].PreviousHash)
	assert.Equal(t, store.entries[0].Hash, store.entries[1].PreviousHash)
	assert.NotEqual(t, store.entries[0].Hash, store.entries[1].Hash)
}

func TestFlushFailureRequeuesEntriesWithoutLoss(t *testing.T) {
	store := &memStore{failN: 1}
	l := New(store, logging.NoOpLogger{}, Config{})
	l.Log(context.Background(), workflowtypes.AuditEntry{ExecutionID: "exec-1", Event: "node_started"})
	l.flush(context.Background()) // fails, re-queues
	assert.Equal(t, 0, store.count())

	l.flush(context.Background()) // succeeds this time
	assert.Equal(t, 1, store.count())
}

func TestFlushesOnBatchSizeThreshold(t *testing.T) {
	store := &memStore{}
	l := New(store, logging.NoOpLogger{}, Config{BatchSize: 3})
	for i := 0; i < 3; i++ {
		l.Log(context.Background(), workflowtypes.AuditEntry{ExecutionID: "exec-1", Event: "node_started"})
	}
	assert.Equal(t, 3, store.count())
}

func TestStartAndCloseDrainBufferOnShutdown(t *testing.T) {
	store := &memStore{}
	l := New(store, logging.NoOpLogger{}, Config{FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	l.Log(context.Background(), workflowtypes.AuditEntry{ExecutionID: "exec-1", Event: "execution_started"})
	l.Close(context.Background())
	assert.Equal(t, 1, store.count())
}
