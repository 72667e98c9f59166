//go:build sqlserver || all_adapters

package mssql

import (
	"context"

	"github.com/sqlgate-io/sqlgate/pkg/adapters/datasource"
	"github.com/sqlgate-io/sqlgate/pkg/guard"
)

func init() {
	datasource.Register(datasource.Registration{
		Capability: datasource.Capability{
			Type:                      "sqlserver",
			DisplayName:               "Microsoft SQL Server",
			DialectID:                 guard.DialectSQLServer,
			SupportsTenantRewrite:     false,
			SupportsRestrictedSession: true,
		},
		Factory: func(ctx context.Context, connString string, g *guard.ReadOnlyGuard) (datasource.QueryExecutor, error) {
			return NewQueryExecutor(ctx, connString, g)
		},
	})
}
