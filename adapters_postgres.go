//go:build postgres || all_adapters

package main

// Compiles the PostgreSQL adapter into the binary; its init() registers
// the capability record and executor factory.
import _ "github.com/sqlgate-io/sqlgate/pkg/adapters/datasource/postgres"
