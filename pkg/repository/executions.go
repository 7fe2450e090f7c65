package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finaceverse/orchestrator/pkg/engineerrors"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

type executionRow struct {
	ID                 string         `db:"id"`
	WorkflowID         string         `db:"workflow_id"`
	WorkflowVersion    int            `db:"workflow_version"`
	TenantID           string         `db:"tenant_id"`
	Status             string         `db:"status"`
	StartedAt          time.Time      `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
	DurationMs         sql.NullInt64  `db:"duration_ms"`
	TriggeredBy        sql.NullString `db:"triggered_by"`
	TriggerDataJSON    []byte         `db:"trigger_data_json"`
	NodeExecutionsJSON []byte         `db:"node_executions_json"`
	VariablesJSON      []byte         `db:"variables_json"`
	OutputJSON         []byte         `db:"output_json"`
	ErrorJSON          []byte         `db:"error_json"`
	CheckpointsJSON    []byte         `db:"checkpoints_json"`
	AuditTrailID       sql.NullString `db:"audit_trail_id"`
}

func (row executionRow) toExecution() (workflowtypes.Execution, error) {
	e := workflowtypes.Execution{
		ID:              row.ID,
		WorkflowID:      row.WorkflowID,
		WorkflowVersion: row.WorkflowVersion,
		TenantID:        row.TenantID,
		Status:          workflowtypes.ExecutionStatus(row.Status),
		StartedAt:       row.StartedAt,
		TriggeredBy:     row.TriggeredBy.String,
		AuditTrailID:    row.AuditTrailID.String,
	}
	if row.CompletedAt.Valid {
		e.CompletedAt = &row.CompletedAt.Time
	}
	if row.DurationMs.Valid {
		e.DurationMs = row.DurationMs.Int64
	}
	if len(row.TriggerDataJSON) > 0 {
		if err := json.Unmarshal(row.TriggerDataJSON, &e.TriggerData); err != nil {
			return e, fmt.Errorf("decode trigger_data_json: %w", err)
		}
	}
	if err := json.Unmarshal(row.NodeExecutionsJSON, &e.NodeExecutions); err != nil {
		return e, fmt.Errorf("decode node_executions_json: %w", err)
	}
	if len(row.VariablesJSON) > 0 {
		if err := json.Unmarshal(row.VariablesJSON, &e.Variables); err != nil {
			return e, fmt.Errorf("decode variables_json: %w", err)
		}
	}
	if len(row.OutputJSON) > 0 {
		if err := json.Unmarshal(row.OutputJSON, &e.Output); err != nil {
			return e, fmt.Errorf("decode output_json: %w", err)
		}
	}
	if len(row.ErrorJSON) > 0 {
		if err := json.Unmarshal(row.ErrorJSON, &e.Error); err != nil {
			return e, fmt.Errorf("decode error_json: %w", err)
		}
	}
	if err := json.Unmarshal(row.CheckpointsJSON, &e.Checkpoints); err != nil {
		return e, fmt.Errorf("decode checkpoints_json: %w", err)
	}
	return e, nil
}

func executionToRow(e workflowtypes.Execution) (executionRow, error) {
	triggerDataJSON, err := json.Marshal(e.TriggerData)
	if err != nil {
		return executionRow{}, err
	}
	nodeExecJSON, err := json.Marshal(e.NodeExecutions)
	if err != nil {
		return executionRow{}, err
	}
	variablesJSON, err := json.Marshal(e.Variables)
	if err != nil {
		return executionRow{}, err
	}
	outputJSON, err := json.Marshal(e.Output)
	if err != nil {
		return executionRow{}, err
	}
	errorJSON, err := json.Marshal(e.Error)
	if err != nil {
		return executionRow{}, err
	}
	checkpointsJSON, err := json.Marshal(e.Checkpoints)
	if err != nil {
		return executionRow{}, err
	}
	row := executionRow{
		ID:                 e.ID,
		WorkflowID:         e.WorkflowID,
		WorkflowVersion:    e.WorkflowVersion,
		TenantID:           e.TenantID,
		Status:             string(e.Status),
		StartedAt:          e.StartedAt,
		TriggeredBy:        sql.NullString{String: e.TriggeredBy, Valid: e.TriggeredBy != ""},
		TriggerDataJSON:    triggerDataJSON,
		NodeExecutionsJSON: nodeExecJSON,
		VariablesJSON:      variablesJSON,
		OutputJSON:         outputJSON,
		ErrorJSON:          errorJSON,
		CheckpointsJSON:    checkpointsJSON,
		AuditTrailID:       sql.NullString{String: e.AuditTrailID, Valid: e.AuditTrailID != ""},
	}
	if e.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *e.CompletedAt, Valid: true}
	}
	if e.DurationMs != 0 {
		row.DurationMs = sql.NullInt64{Int64: e.DurationMs, Valid: true}
	}
	return row, nil
}

// SaveExecution inserts a new execution, or on conflict updates only the
// fields that change after creation: status, completedAt, duration,
// nodeExecutions, output, error, checkpoints.
func (r *Repository) SaveExecution(ctx context.Context, e workflowtypes.Execution) error {
	row, err := executionToRow(e)
	if err != nil {
		return fmt.Errorf("repository: encode execution: %w", err)
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, workflow_version, tenant_id, status, started_at,
			completed_at, duration_ms, triggered_by, trigger_data_json, node_executions_json,
			variables_json, output_json, error_json, checkpoints_json, audit_trail_id)
		VALUES (:id, :workflow_id, :workflow_version, :tenant_id, :status, :started_at,
			:completed_at, :duration_ms, :triggered_by, :trigger_data_json, :node_executions_json,
			:variables_json, :output_json, :error_json, :checkpoints_json, :audit_trail_id)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms,
			node_executions_json = EXCLUDED.node_executions_json,
			output_json = EXCLUDED.output_json,
			error_json = EXCLUDED.error_json,
			checkpoints_json = EXCLUDED.checkpoints_json`, row)
	if err != nil {
		return fmt.Errorf("%w: save execution: %v", engineerrors.ErrRepository, err)
	}
	return nil
}

func (r *Repository) GetExecution(ctx context.Context, tenantID, id string) (workflowtypes.Execution, error) {
	var row executionRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflowtypes.Execution{}, engineerrors.ErrExecutionNotFound
	}
	if err != nil {
		return workflowtypes.Execution{}, fmt.Errorf("%w: get execution: %v", engineerrors.ErrRepository, err)
	}
	return row.toExecution()
}

// ExecutionListFilter is the filter+pagination surface for ListExecutions.
type ExecutionListFilter struct {
	WorkflowID string
	TenantID   string
	Status     string
	StartDate  *time.Time
	EndDate    *time.Time
	Page       int
	Limit      int
}

type PaginatedExecutions struct {
	Items []workflowtypes.Execution
	Total int
}

func (r *Repository) ListExecutions(ctx context.Context, f ExecutionListFilter) (PaginatedExecutions, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	where := `WHERE tenant_id = :tenant_id`
	args := map[string]interface{}{
		"tenant_id": f.TenantID,
		"limit":     f.Limit,
		"offset":    (f.Page - 1) * f.Limit,
	}
	if f.WorkflowID != "" {
		where += ` AND workflow_id = :workflow_id`
		args["workflow_id"] = f.WorkflowID
	}
	if f.Status != "" {
		where += ` AND status = :status`
		args["status"] = f.Status
	}
	if f.StartDate != nil {
		where += ` AND started_at >= :start_date`
		args["start_date"] = *f.StartDate
	}
	if f.EndDate != nil {
		where += ` AND started_at <= :end_date`
		args["end_date"] = *f.EndDate
	}

	countQuery, countArgs, err := namedQuery(`SELECT count(*) FROM executions `+where, args)
	if err != nil {
		return PaginatedExecutions{}, err
	}
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return PaginatedExecutions{}, fmt.Errorf("%w: count executions: %v", engineerrors.ErrRepository, err)
	}

	listQuery, listArgs, err := namedQuery(`SELECT * FROM executions `+where+` ORDER BY started_at DESC LIMIT :limit OFFSET :offset`, args)
	if err != nil {
		return PaginatedExecutions{}, err
	}
	var rows []executionRow
	if err := r.db.SelectContext(ctx, &rows, listQuery, listArgs...); err != nil {
		return PaginatedExecutions{}, fmt.Errorf("%w: list executions: %v", engineerrors.ErrRepository, err)
	}
	items := make([]workflowtypes.Execution, 0, len(rows))
	for _, row := range rows {
		e, err := row.toExecution()
		if err != nil {
			return PaginatedExecutions{}, err
		}
		items = append(items, e)
	}
	return PaginatedExecutions{Items: items, Total: total}, nil
}
