package repository

import (
	"context"
	"fmt"

	"github.com/finaceverse/orchestrator/pkg/registry"
)

// QueryableDB adapts Repository to registry.Queryable, so the
// database_query builtin handler can run read queries against the same
// Postgres connection the rest of the engine persists to, without the
// registry package importing sqlx or lib/pq directly.
type QueryableDB struct {
	repo *Repository
}

// NewQueryableDB wraps repo as a registry.Queryable.
func NewQueryableDB(repo *Repository) *QueryableDB {
	return &QueryableDB{repo: repo}
}

var _ registry.Queryable = (*QueryableDB)(nil)

func (q *QueryableDB) QueryContext(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error) {
	rows, err := q.repo.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: database_query: %w", err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("repository: database_query scan: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: database_query iterate: %w", err)
	}
	return out, nil
}
