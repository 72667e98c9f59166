package database

import (
	"context"
	"fmt"

	"github.com/sqlgate-io/sqlgate/pkg/retry"
	"github.com/sqlgate-io/sqlgate/pkg/rowpolicy"
)

// RowPolicyLoader reads governed-table definitions from the control plane.
// It satisfies rowpolicy.Loader.
type RowPolicyLoader struct {
	db *DB
}

// NewRowPolicyLoader wraps a control-plane connection.
func NewRowPolicyLoader(db *DB) *RowPolicyLoader {
	return &RowPolicyLoader{db: db}
}

// LoadPolicies fetches the full policy set. Transient failures are retried;
// the caller's cache ladder handles anything that survives the retries.
func (l *RowPolicyLoader) LoadPolicies(ctx context.Context) (map[string]rowpolicy.Definition, error) {
	return retry.DoWithResult(ctx, retry.DefaultConfig(), func() (map[string]rowpolicy.Definition, error) {
		rows, err := l.db.Query(ctx,
			`SELECT table_name, tenant_column, predicate_template
			 FROM engine_row_policies
			 WHERE enabled`)
		if err != nil {
			return nil, fmt.Errorf("query row policies: %w", err)
		}
		defer rows.Close()

		policies := make(map[string]rowpolicy.Definition)
		for rows.Next() {
			var def rowpolicy.Definition
			if err := rows.Scan(&def.TableName, &def.TenantColumn, &def.PredicateTemplate); err != nil {
				return nil, fmt.Errorf("scan row policy: %w", err)
			}
			policies[def.TableName] = def
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate row policies: %w", err)
		}
		return policies, nil
	})
}

var _ rowpolicy.Loader = (*RowPolicyLoader)(nil)
