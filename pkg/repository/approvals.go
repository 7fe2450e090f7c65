package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/finaceverse/orchestrator/pkg/engineerrors"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

type approvalRow struct {
	ID                   string         `db:"id"`
	ExecutionID          string         `db:"execution_id"`
	NodeID               string         `db:"node_id"`
	Approvers            pq.StringArray `db:"approvers"`
	RequiredCount        int            `db:"required_count"`
	CurrentApprovalsJSON []byte         `db:"current_approvals_json"`
	Status               string         `db:"status"`
	ExpiresAt            sql.NullTime   `db:"expires_at"`
	DataJSON             []byte         `db:"data_json"`
	CreatedAt            time.Time      `db:"created_at"`
}

func (row approvalRow) toApproval() (workflowtypes.PendingApproval, error) {
	p := workflowtypes.PendingApproval{
		ID:            row.ID,
		ExecutionID:   row.ExecutionID,
		NodeID:        row.NodeID,
		Approvers:     []string(row.Approvers),
		RequiredCount: row.RequiredCount,
		Status:        workflowtypes.ApprovalStatus(row.Status),
		CreatedAt:     row.CreatedAt,
	}
	if row.ExpiresAt.Valid {
		p.ExpiresAt = &row.ExpiresAt.Time
	}
	if len(row.CurrentApprovalsJSON) > 0 {
		if err := json.Unmarshal(row.CurrentApprovalsJSON, &p.CurrentApprovals); err != nil {
			return p, fmt.Errorf("decode current_approvals_json: %w", err)
		}
	}
	if len(row.DataJSON) > 0 {
		if err := json.Unmarshal(row.DataJSON, &p.Data); err != nil {
			return p, fmt.Errorf("decode data_json: %w", err)
		}
	}
	return p, nil
}

// CreatePendingApproval inserts a new human-approval gate, awaiting votes.
func (r *Repository) CreatePendingApproval(ctx context.Context, p workflowtypes.PendingApproval) error {
	currentApprovalsJSON, err := json.Marshal(p.CurrentApprovals)
	if err != nil {
		return fmt.Errorf("repository: encode current approvals: %w", err)
	}
	dataJSON, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("repository: encode approval data: %w", err)
	}
	var expiresAt sql.NullTime
	if p.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *p.ExpiresAt, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pending_approvals (id, execution_id, node_id, approvers, required_count,
			current_approvals_json, status, expires_at, data_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.ExecutionID, p.NodeID, pq.StringArray(p.Approvers), p.RequiredCount,
		currentApprovalsJSON, string(p.Status), expiresAt, dataJSON, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: create pending approval: %v", engineerrors.ErrRepository, err)
	}
	return nil
}

func (r *Repository) GetPendingApproval(ctx context.Context, id string) (workflowtypes.PendingApproval, error) {
	var row approvalRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM pending_approvals WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return workflowtypes.PendingApproval{}, engineerrors.ErrApprovalNotFound
	}
	if err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: get pending approval: %v", engineerrors.ErrRepository, err)
	}
	return row.toApproval()
}

// AddApproval records one approver's vote under a row lock, rejecting a
// repeat vote from the same approver, and flips status to approved once
// requiredCount distinct approvers have voted.
func (r *Repository) AddApproval(ctx context.Context, approvalID string, vote workflowtypes.Approval) (workflowtypes.PendingApproval, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: begin tx: %v", engineerrors.ErrRepository, err)
	}
	defer tx.Rollback()

	var row approvalRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM pending_approvals WHERE id = $1 FOR UPDATE`, approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflowtypes.PendingApproval{}, engineerrors.ErrApprovalNotFound
	}
	if err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: lock pending approval: %v", engineerrors.ErrRepository, err)
	}
	p, err := row.toApproval()
	if err != nil {
		return workflowtypes.PendingApproval{}, err
	}
	if p.Status != workflowtypes.ApprovalPending {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: approval %s is no longer pending", engineerrors.ErrRepository, approvalID)
	}
	if p.HasApprover(vote.Approver) {
		return workflowtypes.PendingApproval{}, engineerrors.ErrApprovalAlreadyVoted
	}

	p.CurrentApprovals = append(p.CurrentApprovals, vote)
	if len(p.CurrentApprovals) >= p.RequiredCount {
		p.Status = workflowtypes.ApprovalApproved
	}

	currentApprovalsJSON, err := json.Marshal(p.CurrentApprovals)
	if err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("repository: encode current approvals: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE pending_approvals SET current_approvals_json = $1, status = $2 WHERE id = $3`,
		currentApprovalsJSON, string(p.Status), approvalID)
	if err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: record vote: %v", engineerrors.ErrRepository, err)
	}
	if err := tx.Commit(); err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: commit vote: %v", engineerrors.ErrRepository, err)
	}
	return p, nil
}

// RejectApproval marks a pending approval rejected (a single "no" is final,
// unlike approval which requires RequiredCount votes).
func (r *Repository) RejectApproval(ctx context.Context, approvalID string, vote workflowtypes.Approval) (workflowtypes.PendingApproval, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: begin tx: %v", engineerrors.ErrRepository, err)
	}
	defer tx.Rollback()

	var row approvalRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM pending_approvals WHERE id = $1 FOR UPDATE`, approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflowtypes.PendingApproval{}, engineerrors.ErrApprovalNotFound
	}
	if err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: lock pending approval: %v", engineerrors.ErrRepository, err)
	}
	p, err := row.toApproval()
	if err != nil {
		return workflowtypes.PendingApproval{}, err
	}
	if p.Status != workflowtypes.ApprovalPending {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: approval %s is no longer pending", engineerrors.ErrRepository, approvalID)
	}
	p.CurrentApprovals = append(p.CurrentApprovals, vote)
	p.Status = workflowtypes.ApprovalRejected

	currentApprovalsJSON, err := json.Marshal(p.CurrentApprovals)
	if err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("repository: encode current approvals: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE pending_approvals SET current_approvals_json = $1, status = $2 WHERE id = $3`,
		currentApprovalsJSON, string(p.Status), approvalID)
	if err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: record rejection: %v", engineerrors.ErrRepository, err)
	}
	if err := tx.Commit(); err != nil {
		return workflowtypes.PendingApproval{}, fmt.Errorf("%w: commit rejection: %v", engineerrors.ErrRepository, err)
	}
	return p, nil
}

// ExpireOverdueApprovals flips every still-pending approval whose expiry
// has passed to expired, and returns them so the caller can resume their
// suspended executions with a rejection outcome.
func (r *Repository) ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]workflowtypes.PendingApproval, error) {
	var rows []approvalRow
	err := r.db.SelectContext(ctx, &rows, `
		UPDATE pending_approvals SET status = $1
		WHERE status = $2 AND expires_at IS NOT NULL AND expires_at < $3
		RETURNING *`, string(workflowtypes.ApprovalExpired), string(workflowtypes.ApprovalPending), now)
	if err != nil {
		return nil, fmt.Errorf("%w: expire pending approvals: %v", engineerrors.ErrRepository, err)
	}
	out := make([]workflowtypes.PendingApproval, 0, len(rows))
	for _, row := range rows {
		p, err := row.toApproval()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ListPendingApprovalsByExecution returns every approval gate (of any
// status) raised during one execution, oldest first.
func (r *Repository) ListPendingApprovalsByExecution(ctx context.Context, executionID string) ([]workflowtypes.PendingApproval, error) {
	var rows []approvalRow
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM pending_approvals WHERE execution_id = $1 ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending approvals: %v", engineerrors.ErrRepository, err)
	}
	out := make([]workflowtypes.PendingApproval, 0, len(rows))
	for _, row := range rows {
		p, err := row.toApproval()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
