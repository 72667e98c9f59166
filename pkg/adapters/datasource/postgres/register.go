//go:build postgres || all_adapters

package postgres

import (
	"context"

	"github.com/sqlgate-io/sqlgate/pkg/adapters/datasource"
	"github.com/sqlgate-io/sqlgate/pkg/guard"
)

func init() {
	datasource.Register(datasource.Registration{
		Capability: datasource.Capability{
			Type:                      "postgres",
			DisplayName:               "PostgreSQL",
			DialectID:                 guard.DialectPostgres,
			SupportsTenantRewrite:     true,
			SupportsRestrictedSession: true,
		},
		Factory: func(ctx context.Context, connString string, g *guard.ReadOnlyGuard) (datasource.QueryExecutor, error) {
			return NewQueryExecutor(ctx, connString, g)
		},
	})
}
