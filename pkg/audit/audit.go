// Package audit implements the forensic, chain-hashed audit trail: an
// append-only event stream, buffered in memory and flushed to the Store
// on a timer or when the buffer fills, with recursive sanitization of
// sensitive fields before anything reaches durable storage.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finaceverse/orchestrator/pkg/logging"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

// Store is the durable backing for the audit trail. InsertBatch must be a
// single transactional write: a periodic flush writes all buffered
// entries in one transactional batch.
type Store interface {
	InsertBatch(ctx context.Context, entries []workflowtypes.AuditEntry) error
	Query(ctx context.Context, filter QueryFilter) ([]workflowtypes.AuditEntry, error)
}

// QueryFilter is the paginated, newest-first audit query surface.
type QueryFilter struct {
	ExecutionID string
	WorkflowID  string
	TenantID    string
	StartDate   *time.Time
	EndDate     *time.Time
	Event       string
	Limit       int
	Offset      int
}

var sensitiveKeyFragments = []string{
	"password", "secret", "token", "apikey", "authorization",
	"credit_card", "ssn", "pan", "cvv", "pin",
}

const (
	flushInterval   = 5 * time.Second
	flushBatchSize  = 100
	backpressureAfter = 5
)

// Config tunes the logger; the zero value uses the package defaults.
type Config struct {
	FlushInterval time.Duration
	BatchSize     int
}

// Logger is the buffered, chain-hashed audit logger. One Logger instance
// maintains an independent hash chain per execution ID.
type Logger struct {
	store  Store
	logger logging.Logger
	cfg    Config

	mu         sync.Mutex
	buffer     []workflowtypes.AuditEntry
	lastHash   map[string]string // executionID -> tail hash of its chain
	failCount  int

	stopCh chan struct{}
	doneCh chan struct{}

	backpressure chan workflowtypes.AuditEntry
}

func New(store Store, logger logging.Logger, cfg Config) *Logger {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = flushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = flushBatchSize
	}
	return &Logger{
		store:        store,
		logger:       logger,
		cfg:          cfg,
		lastHash:     make(map[string]string),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		backpressure: make(chan workflowtypes.AuditEntry, 64),
	}
}

// Start launches the periodic flush timer. Call once at service startup.
func (l *Logger) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Logger) run(ctx context.Context) {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.flush(ctx)
		case <-l.stopCh:
			l.flush(ctx)
			return
		case <-ctx.Done():
			l.flush(context.Background())
			return
		}
	}
}

// Close stops the flush timer and drains the buffer.
func (l *Logger) Close(ctx context.Context) {
	close(l.stopCh)
	<-l.doneCh
}

// Log appends entry to the buffer, stamping timestamp/previousHash/hash.
// Entries whose Event contains "failed" or "error" force an immediate
// flush.
func (l *Logger) Log(ctx context.Context, entry workflowtypes.AuditEntry) {
	l.mu.Lock()
	entry.ID = uuid.NewString()
	entry.Timestamp = time.Now()
	entry.PreviousHash = l.lastHash[entry.ExecutionID]
	entry.SanitizedData = sanitize(entry.SanitizedData)
	entry.Hash = chainHash(entry)
	l.lastHash[entry.ExecutionID] = entry.Hash
	l.buffer = append(l.buffer, entry)
	forceFlush := strings.Contains(entry.Event, "failed") || strings.Contains(entry.Event, "error")
	shouldFlush := forceFlush || len(l.buffer) >= l.cfg.BatchSize
	l.mu.Unlock()

	if shouldFlush {
		l.flush(ctx)
	}
}

// flush writes the buffered entries in one transactional batch. On
// failure, the entries are re-prepended to the buffer for retry on the
// next tick, and persistent failure raises an out-of-band backpressure
// signal without ever dropping entries.
func (l *Logger) flush(ctx context.Context) {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if err := l.store.InsertBatch(ctx, batch); err != nil {
		l.logger.Warn("audit flush failed, re-queuing batch", map[string]interface{}{
			"count": len(batch),
			"error": err.Error(),
		})
		l.mu.Lock()
		l.buffer = append(batch, l.buffer...)
		l.failCount++
		count := l.failCount
		l.mu.Unlock()

		if count >= backpressureAfter {
			l.emitBackpressure(batch)
		}
		return
	}

	l.mu.Lock()
	l.failCount = 0
	l.mu.Unlock()
}

func (l *Logger) emitBackpressure(batch []workflowtypes.AuditEntry) {
	event := workflowtypes.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Event:     "audit_backpressure",
		SanitizedData: map[string]interface{}{
			"pending_entries": len(batch),
		},
	}
	select {
	case l.backpressure <- event:
	default:
	}
	l.logger.Error("audit store persistently failing; entries are retained, not dropped", map[string]interface{}{
		"pending_entries": len(batch),
	})
}

// Backpressure exposes the out-of-band channel flush failures signal on.
func (l *Logger) Backpressure() <-chan workflowtypes.AuditEntry { return l.backpressure }

// Query delegates to the store.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]workflowtypes.AuditEntry, error) {
	return l.store.Query(ctx, filter)
}

func chainHash(e workflowtypes.AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(e.PreviousHash))
	h.Write([]byte(e.ExecutionID))
	h.Write([]byte(e.Event))
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	if raw, err := json.Marshal(e.SanitizedData); err == nil {
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// sanitize recursively walks data and redacts any key whose lowercase
// form contains a sensitive fragment.
func sanitize(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if isSensitiveKey(k) {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return sanitize(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
