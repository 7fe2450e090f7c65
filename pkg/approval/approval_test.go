package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finaceverse/orchestrator/pkg/engineerrors"
	"github.com/finaceverse/orchestrator/pkg/logging"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string]workflowtypes.PendingApproval
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]workflowtypes.PendingApproval{}}
}

func (s *fakeStore) CreatePendingApproval(ctx context.Context, p workflowtypes.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[p.ID] = p
	return nil
}

func (s *fakeStore) GetPendingApproval(ctx context.Context, id string) (workflowtypes.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[id]
	if !ok {
		return workflowtypes.PendingApproval{}, engineerrors.ErrApprovalNotFound
	}
	return p, nil
}

func (s *fakeStore) AddApproval(ctx context.Context, approvalID string, vote workflowtypes.Approval) (workflowtypes.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[approvalID]
	if !ok {
		return workflowtypes.PendingApproval{}, engineerrors.ErrApprovalNotFound
	}
	if p.HasApprover(vote.Approver) {
		return workflowtypes.PendingApproval{}, engineerrors.ErrApprovalAlreadyVoted
	}
	p.CurrentApprovals = append(p.CurrentApprovals, vote)
	if len(p.CurrentApprovals) >= p.RequiredCount {
		p.Status = workflowtypes.ApprovalApproved
	}
	s.data[approvalID] = p
	return p, nil
}

func (s *fakeStore) RejectApproval(ctx context.Context, approvalID string, vote workflowtypes.Approval) (workflowtypes.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[approvalID]
	if !ok {
		return workflowtypes.PendingApproval{}, engineerrors.ErrApprovalNotFound
	}
	p.CurrentApprovals = append(p.CurrentApprovals, vote)
	p.Status = workflowtypes.ApprovalRejected
	s.data[approvalID] = p
	return p, nil
}

func (s *fakeStore) ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]workflowtypes.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []workflowtypes.PendingApproval
	for id, p := range s.data {
		if p.Status == workflowtypes.ApprovalPending && p.ExpiresAt != nil && p.ExpiresAt.Before(now) {
			p.Status = workflowtypes.ApprovalExpired
			s.data[id] = p
			out = append(out, p)
		}
	}
	return out, nil
}

func TestRequestApprovalCreatesPendingGate(t *testing.T) {
	store := newFakeStore()
	m := New(store, logging.NoOpLogger{}, DefaultConfig(), nil)

	p, err := m.RequestApproval(context.Background(), "exec-1", "node-1", []string{"alice", "bob"}, 2, map[string]interface{}{"amount": 5000}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, workflowtypes.ApprovalPending, p.Status)
	assert.NotNil(t, p.ExpiresAt)
}

func TestApproveFlipsStatusAtRequiredCount(t *testing.T) {
	store := newFakeStore()
	m := New(store, logging.NoOpLogger{}, DefaultConfig(), nil)

	p, err := m.RequestApproval(context.Background(), "exec-1", "node-1", []string{"alice", "bob"}, 2, nil, 0)
	require.NoError(t, err)

	p, err = m.Approve(context.Background(), p.ID, "alice", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, workflowtypes.ApprovalPending, p.Status)

	p, err = m.Approve(context.Background(), p.ID, "bob", "agreed")
	require.NoError(t, err)
	assert.Equal(t, workflowtypes.ApprovalApproved, p.Status)
}

func TestApproveRejectsDuplicateVoter(t *testing.T) {
	store := newFakeStore()
	m := New(store, logging.NoOpLogger{}, DefaultConfig(), nil)

	p, err := m.RequestApproval(context.Background(), "exec-1", "node-1", []string{"alice"}, 2, nil, 0)
	require.NoError(t, err)

	_, err = m.Approve(context.Background(), p.ID, "alice", "")
	require.NoError(t, err)

	_, err = m.Approve(context.Background(), p.ID, "alice", "")
	assert.ErrorIs(t, err, engineerrors.ErrApprovalAlreadyVoted)
}

func TestRejectFinalizesWithSingleVote(t *testing.T) {
	store := newFakeStore()
	m := New(store, logging.NoOpLogger{}, DefaultConfig(), nil)

	p, err := m.RequestApproval(context.Background(), "exec-1", "node-1", []string{"alice", "bob"}, 2, nil, 0)
	require.NoError(t, err)

	p, err = m.Reject(context.Background(), p.ID, "bob", "amount too large")
	require.NoError(t, err)
	assert.Equal(t, workflowtypes.ApprovalRejected, p.Status)
}

func TestExpirySweepResumesOverdueApprovals(t *testing.T) {
	store := newFakeStore()
	var expiredIDs []string
	var mu sync.Mutex
	m := New(store, logging.NoOpLogger{}, Config{SweepInterval: 20 * time.Millisecond}, func(p workflowtypes.PendingApproval) {
		mu.Lock()
		defer mu.Unlock()
		expiredIDs = append(expiredIDs, p.ID)
	})

	p, err := m.RequestApproval(context.Background(), "exec-1", "node-1", []string{"alice"}, 1, nil, time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expiredIDs) == 1 && expiredIDs[0] == p.ID
	}, time.Second, 10*time.Millisecond)

	got, err := m.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, workflowtypes.ApprovalExpired, got.Status)
}
