package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/finaceverse/orchestrator/pkg/audit"
	"github.com/finaceverse/orchestrator/pkg/engineerrors"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

// AuditStore adapts Repository to audit.Store, so the audit logger's
// periodic flush writes batches straight to the audit_log table.
type AuditStore struct {
	repo *Repository
}

// NewAuditStore wraps repo as an audit.Store.
func NewAuditStore(repo *Repository) *AuditStore {
	return &AuditStore{repo: repo}
}

var _ audit.Store = (*AuditStore)(nil)

func (s *AuditStore) InsertBatch(ctx context.Context, entries []workflowtypes.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin audit batch: %v", engineerrors.ErrRepository, err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		sanitizedJSON, err := json.Marshal(e.SanitizedData)
		if err != nil {
			return fmt.Errorf("repository: encode sanitized data: %w", err)
		}
		var durationMs sql.NullInt64
		if e.DurationMs != nil {
			durationMs = sql.NullInt64{Int64: *e.DurationMs, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log (id, "timestamp", execution_id, workflow_id, tenant_id, event,
				node_id, node_name, node_type, duration_ms, sanitized_data_json, actor_id,
				ip_address, previous_hash, "hash")
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			e.ID, e.Timestamp, e.ExecutionID, e.WorkflowID, e.TenantID, e.Event,
			e.NodeID, e.NodeName, e.NodeType, durationMs, sanitizedJSON, e.ActorID,
			e.IPAddress, e.PreviousHash, e.Hash)
		if err != nil {
			return fmt.Errorf("%w: insert audit entry: %v", engineerrors.ErrRepository, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit audit batch: %v", engineerrors.ErrRepository, err)
	}
	return nil
}

type auditRow struct {
	ID                string         `db:"id"`
	Timestamp         time.Time      `db:"timestamp"`
	ExecutionID       string         `db:"execution_id"`
	WorkflowID        sql.NullString `db:"workflow_id"`
	TenantID          sql.NullString `db:"tenant_id"`
	Event             string         `db:"event"`
	NodeID            sql.NullString `db:"node_id"`
	NodeName          sql.NullString `db:"node_name"`
	NodeType          sql.NullString `db:"node_type"`
	DurationMs        sql.NullInt64  `db:"duration_ms"`
	SanitizedDataJSON []byte         `db:"sanitized_data_json"`
	ActorID           sql.NullString `db:"actor_id"`
	IPAddress         sql.NullString `db:"ip_address"`
	PreviousHash      string         `db:"previous_hash"`
	Hash              string         `db:"hash"`
}

func (row auditRow) toEntry() (workflowtypes.AuditEntry, error) {
	e := workflowtypes.AuditEntry{
		ID:           row.ID,
		Timestamp:    row.Timestamp,
		ExecutionID:  row.ExecutionID,
		WorkflowID:   row.WorkflowID.String,
		TenantID:     row.TenantID.String,
		Event:        row.Event,
		NodeID:       row.NodeID.String,
		NodeName:     row.NodeName.String,
		NodeType:     row.NodeType.String,
		ActorID:      row.ActorID.String,
		IPAddress:    row.IPAddress.String,
		PreviousHash: row.PreviousHash,
		Hash:         row.Hash,
	}
	if row.DurationMs.Valid {
		e.DurationMs = &row.DurationMs.Int64
	}
	if len(row.SanitizedDataJSON) > 0 {
		if err := json.Unmarshal(row.SanitizedDataJSON, &e.SanitizedData); err != nil {
			return e, fmt.Errorf("decode sanitized_data_json: %w", err)
		}
	}
	return e, nil
}

func (s *AuditStore) Query(ctx context.Context, filter audit.QueryFilter) ([]workflowtypes.AuditEntry, error) {
	where := `WHERE 1=1`
	args := map[string]interface{}{}
	if filter.ExecutionID != "" {
		where += ` AND execution_id = :execution_id`
		args["execution_id"] = filter.ExecutionID
	}
	if filter.WorkflowID != "" {
		where += ` AND workflow_id = :workflow_id`
		args["workflow_id"] = filter.WorkflowID
	}
	if filter.TenantID != "" {
		where += ` AND tenant_id = :tenant_id`
		args["tenant_id"] = filter.TenantID
	}
	if filter.Event != "" {
		where += ` AND event = :event`
		args["event"] = filter.Event
	}
	if filter.StartDate != nil {
		where += ` AND "timestamp" >= :start_date`
		args["start_date"] = *filter.StartDate
	}
	if filter.EndDate != nil {
		where += ` AND "timestamp" <= :end_date`
		args["end_date"] = *filter.EndDate
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args["limit"] = limit
	args["offset"] = filter.Offset

	query, queryArgs, err := namedQuery(`SELECT * FROM audit_log `+where+` ORDER BY "timestamp" DESC LIMIT :limit OFFSET :offset`, args)
	if err != nil {
		return nil, err
	}
	var rows []auditRow
	if err := s.repo.db.SelectContext(ctx, &rows, query, queryArgs...); err != nil {
		return nil, fmt.Errorf("%w: query audit log: %v", engineerrors.ErrRepository, err)
	}
	out := make([]workflowtypes.AuditEntry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
