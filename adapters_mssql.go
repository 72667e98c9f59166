//go:build sqlserver || all_adapters

package main

// Compiles the SQL Server adapter into the binary; its init() registers
// the capability record and executor factory.
import _ "github.com/sqlgate-io/sqlgate/pkg/adapters/datasource/mssql"
