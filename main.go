package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/sqlgate-io/sqlgate/pkg/adapters/datasource"
	"github.com/sqlgate-io/sqlgate/pkg/audit"
	"github.com/sqlgate-io/sqlgate/pkg/config"
	"github.com/sqlgate-io/sqlgate/pkg/database"
	"github.com/sqlgate-io/sqlgate/pkg/enforcement"
	"github.com/sqlgate-io/sqlgate/pkg/guard"
	"github.com/sqlgate-io/sqlgate/pkg/logging"
	"github.com/sqlgate-io/sqlgate/pkg/mcp"
	"github.com/sqlgate-io/sqlgate/pkg/mcp/tools"
	"github.com/sqlgate-io/sqlgate/pkg/policy"
	"github.com/sqlgate-io/sqlgate/pkg/rowpolicy"
	"github.com/sqlgate-io/sqlgate/pkg/validation"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("enforcement_mode", cfg.Enforcement.Mode),
		zap.Bool("simulate", cfg.Enforcement.Simulate))

	ctx := context.Background()

	// Control plane: row policies and migrations. Optional; with it
	// disabled the store serves the embedded defaults.
	var policyLoader rowpolicy.Loader
	if cfg.Database.Enabled {
		sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
		if err != nil {
			logger.Fatal("Failed to open control-plane connection", zap.Error(err))
		}
		if err := database.RunMigrations(ctx, sqlDB, cfg.Database.MigrationsPath, logger); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		sqlDB.Close()

		db, err := database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.ConnectionString(),
			MaxConnections: cfg.Database.MaxConnections,
		})
		if err != nil {
			logger.Fatal("Failed to connect to control plane", zap.Error(err))
		}
		defer db.Close()
		policyLoader = database.NewRowPolicyLoader(db)
	}

	store := rowpolicy.NewStore(policyLoader,
		time.Duration(cfg.Enforcement.PolicyCacheTTLSec)*time.Second,
		cfg.Database.Enabled, logger)
	auditor := audit.NewSecurityAuditor(logger)
	readOnlyGuard := guard.New(logger)

	validator := validation.NewValidator(validation.Config{
		DeniedCommands:   cfg.Validation.DeniedCommands,
		SensitiveColumns: cfg.Validation.SensitiveColumns,
		AllowedSchemas:   cfg.Validation.AllowedSchemas,
	})

	// One guarded datasource per configured entry; the MCP tools currently
	// front the first registered one.
	mcpServer := mcp.NewServer("sqlgate", cfg.Version, logger)
	registered := 0
	for name, ds := range cfg.Datasources {
		capability, ok := datasource.Lookup(ds.Type)
		if !ok {
			logger.Fatal("Datasource type not compiled into this binary",
				zap.String("datasource", name), zap.String("type", ds.Type))
		}
		factory := datasource.GetFactory(ds.Type)
		executor, err := factory(ctx, ds.ConnectionString, readOnlyGuard)
		if err != nil {
			logger.Fatal("Failed to connect datasource",
				zap.String("datasource", name), zap.Error(err))
		}
		defer executor.Close()

		enforcer := policy.NewEnforcer(
			datasource.NewExecutorSchemaSource(executor),
			time.Duration(cfg.Validation.AllowlistTTLSec)*time.Second,
			cfg.Validation.BlockedFunctions, logger)

		policyEngine, err := enforcement.NewTenantEnforcementPolicy(enforcement.Config{
			Mode:     enforcement.Mode(cfg.Enforcement.Mode),
			Simulate: cfg.Enforcement.Simulate,
			Limits: enforcement.Limits{
				MaxTargets:    cfg.Enforcement.MaxTargets,
				MaxParams:     cfg.Enforcement.MaxParams,
				MaxASTNodes:   cfg.Enforcement.MaxASTNodes,
				HardTimeout:   time.Duration(cfg.Enforcement.HardTimeoutMs) * time.Millisecond,
				WarnThreshold: time.Duration(cfg.Enforcement.WarnThresholdMs) * time.Millisecond,
			},
		}, capability, store, logger, auditor)
		if err != nil {
			logger.Fatal("Invalid enforcement configuration",
				zap.String("datasource", name), zap.Error(err))
		}

		tools.RegisterQueryTools(mcpServer.MCP(), &tools.QueryToolDeps{
			Validator:    validator,
			Enforcer:     enforcer,
			Enforcement:  policyEngine,
			Executor:     executor,
			Provider:     capability,
			Auditor:      auditor,
			Logger:       logger,
			ScreenParams: cfg.Validation.ScreenParamInjection,
		})
		registered++
		logger.Info("Datasource registered",
			zap.String("datasource", name),
			zap.String("type", ds.Type))
		break
	}
	if registered == 0 {
		logger.Fatal("No datasources configured")
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpServer.NewStreamableHTTPServer())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, cfg.Version)
	})

	addr := cfg.BindAddr + ":" + cfg.Port
	logger.Info("Starting sqlgate", zap.String("addr", addr), zap.String("version", cfg.Version))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}
