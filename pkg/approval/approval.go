// Package approval wraps the repository's pending-approval table with the
// human-in-the-loop voting semantics of the human_approval node type:
// creating a gate, recording votes, and expiring gates nobody acted on in
// time.
package approval

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/finaceverse/orchestrator/pkg/logging"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

// Store is the persistence surface this package depends on — satisfied by
// *repository.Repository.
type Store interface {
	CreatePendingApproval(ctx context.Context, p workflowtypes.PendingApproval) error
	GetPendingApproval(ctx context.Context, id string) (workflowtypes.PendingApproval, error)
	AddApproval(ctx context.Context, approvalID string, vote workflowtypes.Approval) (workflowtypes.PendingApproval, error)
	RejectApproval(ctx context.Context, approvalID string, vote workflowtypes.Approval) (workflowtypes.PendingApproval, error)
	ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]workflowtypes.PendingApproval, error)
}

// Manager is the approval-gate surface the engine calls into when it
// suspends an execution at a human_approval node, and that the expiry
// sweep calls into to resume timed-out gates.
type Manager struct {
	store        Store
	logger       logging.Logger
	sweepEvery   time.Duration
	onExpired    func(p workflowtypes.PendingApproval)
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// Config tunes the background expiry sweep.
type Config struct {
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{SweepInterval: 30 * time.Second}
}

// New constructs a Manager. onExpired is invoked once per approval the
// sweep flips to expired, so the engine can resume the execution it
// suspended with a rejection outcome; it may be nil.
func New(store Store, logger logging.Logger, cfg Config, onExpired func(p workflowtypes.PendingApproval)) *Manager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Manager{
		store:      store,
		logger:     logger,
		sweepEvery: cfg.SweepInterval,
		onExpired:  onExpired,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// RequestApproval creates a pending approval gate for a suspended
// human_approval node.
func (m *Manager) RequestApproval(ctx context.Context, executionID, nodeID string, approvers []string, requiredCount int, data map[string]interface{}, ttl time.Duration) (workflowtypes.PendingApproval, error) {
	p := workflowtypes.PendingApproval{
		ID:            uuid.NewString(),
		ExecutionID:   executionID,
		NodeID:        nodeID,
		Approvers:     approvers,
		RequiredCount: requiredCount,
		Status:        workflowtypes.ApprovalPending,
		Data:          data,
		CreatedAt:     time.Now(),
	}
	if ttl > 0 {
		expiresAt := p.CreatedAt.Add(ttl)
		p.ExpiresAt = &expiresAt
	}
	if err := m.store.CreatePendingApproval(ctx, p); err != nil {
		return workflowtypes.PendingApproval{}, err
	}
	return p, nil
}

func (m *Manager) Get(ctx context.Context, id string) (workflowtypes.PendingApproval, error) {
	return m.store.GetPendingApproval(ctx, id)
}

// Approve records approver's vote in favor; the returned approval's
// Status flips to approved once RequiredCount distinct approvers agree.
func (m *Manager) Approve(ctx context.Context, approvalID, approver, comments string) (workflowtypes.PendingApproval, error) {
	return m.store.AddApproval(ctx, approvalID, workflowtypes.Approval{
		Approver:   approver,
		Comments:   comments,
		ApprovedAt: time.Now(),
	})
}

// Reject records a single dissenting vote and finalizes the gate as
// rejected — unlike approval, one rejection is enough.
func (m *Manager) Reject(ctx context.Context, approvalID, approver, comments string) (workflowtypes.PendingApproval, error) {
	return m.store.RejectApproval(ctx, approvalID, workflowtypes.Approval{
		Approver:   approver,
		Comments:   comments,
		ApprovedAt: time.Now(),
	})
}

// Start launches the background expiry sweep.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.expire(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) expire(ctx context.Context) {
	expired, err := m.store.ExpireOverdueApprovals(ctx, time.Now())
	if err != nil {
		m.logger.Error("approval: expiry sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, p := range expired {
		m.logger.Info("approval: expired", map[string]interface{}{"approvalId": p.ID, "executionId": p.ExecutionID})
		if m.onExpired != nil {
			m.onExpired(p)
		}
	}
}

// Stop ends the expiry sweep and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}
