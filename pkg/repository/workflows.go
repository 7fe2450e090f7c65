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

type workflowRow struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	Name            string         `db:"name"`
	Description     sql.NullString `db:"description"`
	Version         int            `db:"version"`
	Status          string         `db:"status"`
	NodesJSON       []byte         `db:"nodes_json"`
	EdgesJSON       []byte         `db:"edges_json"`
	TriggersJSON    []byte         `db:"triggers_json"`
	VariablesJSON   []byte         `db:"variables_json"`
	Credentials     pq.StringArray `db:"credentials"`
	SettingsJSON    []byte         `db:"settings_json"`
	Category        sql.NullString `db:"category"`
	Tags            pq.StringArray `db:"tags"`
	ComplianceFlags pq.StringArray `db:"compliance_flags"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	CreatedBy       sql.NullString `db:"created_by"`
}

func (row workflowRow) toWorkflow() (workflowtypes.Workflow, error) {
	w := workflowtypes.Workflow{
		ID:          row.ID,
		TenantID:    row.TenantID,
		Name:        row.Name,
		Version:     row.Version,
		Status:      workflowtypes.WorkflowStatus(row.Status),
		Credentials: []string(row.Credentials),
		Category:    row.Category.String,
		Tags:        []string(row.Tags),
		Compliance:  []string(row.ComplianceFlags),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		CreatedBy:   row.CreatedBy.String,
	}
	if err := json.Unmarshal(row.NodesJSON, &w.Nodes); err != nil {
		return w, fmt.Errorf("decode nodes_json: %w", err)
	}
	if err := json.Unmarshal(row.EdgesJSON, &w.Edges); err != nil {
		return w, fmt.Errorf("decode edges_json: %w", err)
	}
	if len(row.TriggersJSON) > 0 {
		if err := json.Unmarshal(row.TriggersJSON, &w.Triggers); err != nil {
			return w, fmt.Errorf("decode triggers_json: %w", err)
		}
	}
	if len(row.VariablesJSON) > 0 {
		if err := json.Unmarshal(row.VariablesJSON, &w.Variables); err != nil {
			return w, fmt.Errorf("decode variables_json: %w", err)
		}
	}
	if len(row.SettingsJSON) > 0 {
		if err := json.Unmarshal(row.SettingsJSON, &w.Settings); err != nil {
			return w, fmt.Errorf("decode settings_json: %w", err)
		}
	}
	return w, nil
}

func workflowToRow(w workflowtypes.Workflow) (workflowRow, error) {
	nodesJSON, err := json.Marshal(w.Nodes)
	if err != nil {
		return workflowRow{}, err
	}
	edgesJSON, err := json.Marshal(w.Edges)
	if err != nil {
		return workflowRow{}, err
	}
	triggersJSON, err := json.Marshal(w.Triggers)
	if err != nil {
		return workflowRow{}, err
	}
	variablesJSON, err := json.Marshal(w.Variables)
	if err != nil {
		return workflowRow{}, err
	}
	settingsJSON, err := json.Marshal(w.Settings)
	if err != nil {
		return workflowRow{}, err
	}
	return workflowRow{
		ID:              w.ID,
		TenantID:        w.TenantID,
		Name:            w.Name,
		Version:         w.Version,
		Status:          string(w.Status),
		NodesJSON:       nodesJSON,
		EdgesJSON:       edgesJSON,
		TriggersJSON:    triggersJSON,
		VariablesJSON:   variablesJSON,
		Credentials:     pq.StringArray(w.Credentials),
		SettingsJSON:    settingsJSON,
		Category:        sql.NullString{String: w.Category, Valid: w.Category != ""},
		Tags:            pq.StringArray(w.Tags),
		ComplianceFlags: pq.StringArray(w.Compliance),
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
		CreatedBy:       sql.NullString{String: w.CreatedBy, Valid: w.CreatedBy != ""},
	}, nil
}

// CreateWorkflow inserts a new workflow at version 1.
func (r *Repository) CreateWorkflow(ctx context.Context, w workflowtypes.Workflow) error {
	w.Version = 1
	row, err := workflowToRow(w)
	if err != nil {
		return fmt.Errorf("repository: encode workflow: %w", err)
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO workflows (id, tenant_id, name, version, status, nodes_json, edges_json,
			triggers_json, variables_json, credentials, settings_json, category, tags,
			compliance_flags, created_at, updated_at, created_by)
		VALUES (:id, :tenant_id, :name, :version, :status, :nodes_json, :edges_json,
			:triggers_json, :variables_json, :credentials, :settings_json, :category, :tags,
			:compliance_flags, :created_at, :updated_at, :created_by)`, row)
	if err != nil {
		return fmt.Errorf("%w: create workflow: %v", engineerrors.ErrRepository, err)
	}
	return nil
}

// GetWorkflow returns the current version of a workflow, scoped by tenant.
func (r *Repository) GetWorkflow(ctx context.Context, tenantID, id string) (workflowtypes.Workflow, error) {
	var row workflowRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM workflows WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflowtypes.Workflow{}, engineerrors.ErrWorkflowNotFound
	}
	if err != nil {
		return workflowtypes.Workflow{}, fmt.Errorf("%w: get workflow: %v", engineerrors.ErrRepository, err)
	}
	return row.toWorkflow()
}

// UpdateWorkflow snapshots the current row into workflow_versions (at the
// prior version) and writes the new row at version+1, in one transaction:
// the version snapshot is written atomically with the new current row.
func (r *Repository) UpdateWorkflow(ctx context.Context, w workflowtypes.Workflow, changeDescription string) (workflowtypes.Workflow, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return workflowtypes.Workflow{}, fmt.Errorf("%w: begin tx: %v", engineerrors.ErrRepository, err)
	}
	defer tx.Rollback()

	var current workflowRow
	err = tx.GetContext(ctx, &current, `SELECT * FROM workflows WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, w.ID, w.TenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflowtypes.Workflow{}, engineerrors.ErrWorkflowNotFound
	}
	if err != nil {
		return workflowtypes.Workflow{}, fmt.Errorf("%w: lock workflow: %v", engineerrors.ErrRepository, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_versions (workflow_id, version, snapshot_json, created_at, created_by, change_description)
		VALUES ($1, $2, $3, now(), $4, $5)`,
		current.ID, current.Version, mustJSON(current), w.CreatedBy, changeDescription)
	if err != nil {
		return workflowtypes.Workflow{}, fmt.Errorf("%w: snapshot prior version: %v", engineerrors.ErrRepository, err)
	}

	w.Version = current.Version + 1
	w.UpdatedAt = time.Now()
	row, err := workflowToRow(w)
	if err != nil {
		return workflowtypes.Workflow{}, fmt.Errorf("repository: encode workflow: %w", err)
	}
	_, err = tx.NamedExecContext(ctx, `
		UPDATE workflows SET name=:name, version=:version, status=:status, nodes_json=:nodes_json,
			edges_json=:edges_json, triggers_json=:triggers_json, variables_json=:variables_json,
			credentials=:credentials, settings_json=:settings_json, category=:category, tags=:tags,
			compliance_flags=:compliance_flags, updated_at=:updated_at
		WHERE id=:id AND tenant_id=:tenant_id`, row)
	if err != nil {
		return workflowtypes.Workflow{}, fmt.Errorf("%w: update workflow: %v", engineerrors.ErrRepository, err)
	}

	if err := tx.Commit(); err != nil {
		return workflowtypes.Workflow{}, fmt.Errorf("%w: commit: %v", engineerrors.ErrRepository, err)
	}
	return w, nil
}

// DeleteWorkflow removes a workflow row; its workflow_versions rows are
// removed with it by the ON DELETE CASCADE declared on that table.
func (r *Repository) DeleteWorkflow(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("%w: delete workflow: %v", engineerrors.ErrRepository, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return engineerrors.ErrWorkflowNotFound
	}
	return nil
}

// WorkflowListFilter is the filter+pagination surface for ListWorkflows.
type WorkflowListFilter struct {
	TenantID string
	Status   string
	Search   string
	Page     int
	Limit    int
}

// PaginatedWorkflows is one page of ListWorkflows results.
type PaginatedWorkflows struct {
	Items []workflowtypes.Workflow
	Total int
}

func (r *Repository) ListWorkflows(ctx context.Context, f WorkflowListFilter) (PaginatedWorkflows, error) {
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
	if f.Status != "" {
		where += ` AND status = :status`
		args["status"] = f.Status
	}
	if f.Search != "" {
		where += ` AND name ILIKE :search`
		args["search"] = "%" + f.Search + "%"
	}

	countQuery, countArgs, err := namedQuery(`SELECT count(*) FROM workflows `+where, args)
	if err != nil {
		return PaginatedWorkflows{}, err
	}
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return PaginatedWorkflows{}, fmt.Errorf("%w: count workflows: %v", engineerrors.ErrRepository, err)
	}

	listQuery, listArgs, err := namedQuery(`SELECT * FROM workflows `+where+` ORDER BY updated_at DESC LIMIT :limit OFFSET :offset`, args)
	if err != nil {
		return PaginatedWorkflows{}, err
	}
	var rows []workflowRow
	if err := r.db.SelectContext(ctx, &rows, listQuery, listArgs...); err != nil {
		return PaginatedWorkflows{}, fmt.Errorf("%w: list workflows: %v", engineerrors.ErrRepository, err)
	}

	items := make([]workflowtypes.Workflow, 0, len(rows))
	for _, row := range rows {
		w, err := row.toWorkflow()
		if err != nil {
			return PaginatedWorkflows{}, err
		}
		items = append(items, w)
	}
	return PaginatedWorkflows{Items: items, Total: total}, nil
}

func (r *Repository) GetWorkflowVersions(ctx context.Context, workflowID string) ([]workflowtypes.WorkflowVersionSnapshot, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT workflow_id, version, snapshot_json, created_at, created_by, change_description
		FROM workflow_versions WHERE workflow_id = $1 ORDER BY version DESC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("%w: get workflow versions: %v", engineerrors.ErrRepository, err)
	}
	defer rows.Close()

	var out []workflowtypes.WorkflowVersionSnapshot
	for rows.Next() {
		var (
			id, createdBy, changeDesc sql.NullString
			version                   int
			snapshotJSON              []byte
			createdAt                 time.Time
		)
		if err := rows.Scan(&id, &version, &snapshotJSON, &createdAt, &createdBy, &changeDesc); err != nil {
			return nil, fmt.Errorf("%w: scan workflow version: %v", engineerrors.ErrRepository, err)
		}
		var snapshotRow workflowRow
		if err := json.Unmarshal(snapshotJSON, &snapshotRow); err != nil {
			return nil, fmt.Errorf("decode version snapshot: %w", err)
		}
		snapshot, err := snapshotRow.toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, workflowtypes.WorkflowVersionSnapshot{
			WorkflowID:        id.String,
			Version:           version,
			Snapshot:          snapshot,
			CreatedAt:         createdAt,
			CreatedBy:         createdBy.String,
			ChangeDescription: changeDesc.String,
		})
	}
	return out, rows.Err()
}

// RestoreWorkflowVersion loads a prior snapshot and writes it back as the
// new current version.
func (r *Repository) RestoreWorkflowVersion(ctx context.Context, tenantID, workflowID string, version int) (workflowtypes.Workflow, error) {
	var snapshotJSON []byte
	err := r.db.GetContext(ctx, &snapshotJSON, `
		SELECT snapshot_json FROM workflow_versions WHERE workflow_id = $1 AND version = $2`, workflowID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return workflowtypes.Workflow{}, engineerrors.ErrInvalidVersion
	}
	if err != nil {
		return workflowtypes.Workflow{}, fmt.Errorf("%w: load version snapshot: %v", engineerrors.ErrRepository, err)
	}
	var snapshotRow workflowRow
	if err := json.Unmarshal(snapshotJSON, &snapshotRow); err != nil {
		return workflowtypes.Workflow{}, fmt.Errorf("decode version snapshot: %w", err)
	}
	restored, err := snapshotRow.toWorkflow()
	if err != nil {
		return workflowtypes.Workflow{}, err
	}
	restored.TenantID = tenantID
	return r.UpdateWorkflow(ctx, restored, fmt.Sprintf("restored from version %d", version))
}

func mustJSON(v interface{}) []byte {
	raw, _ := json.Marshal(v)
	return raw
}
