package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicops/admissions/internal/config"
	"github.com/clinicops/admissions/internal/domain/scheduling"
	"github.com/clinicops/admissions/internal/platform/cache"
	"github.com/clinicops/admissions/internal/platform/db"
	"github.com/clinicops/admissions/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Clinic admissions and appointment lifecycle API",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(rulesCmd())
	return root
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	}
}

// migrationSource prefers MIGRATIONS_DIR so operators can ship extra files;
// otherwise the embedded set is used.
func migrationSource(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, os.Stdout)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.IsDev() && cfg.AuthSigningKey != "" {
				logger.Warn().Msg("AUTH_SIGNING_KEY is set: tokens are verified with a shared secret")
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(clinic)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := db.NewMigratorFS(pool, migrationSource(cfg)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("clinic", "default", "Clinic whose schema is migrated")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(clinic)
			statuses, err := db.NewMigratorFS(pool, migrationSource(cfg)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("clinic", "default", "Clinic whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating clinic schema: %s\n", db.SchemaFor(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrationSource(cfg)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Clinic created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage appointment transition rules",
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Replace the transition rule table with RULES_FILE or the built-in defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.RulesFile
			}
			rules, err := seedRules(file)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := scheduling.NewRuleRepoPG(pool).ReplaceRules(ctx, rules); err != nil {
				return err
			}
			if err := dropSharedRules(ctx, cfg.RedisURL); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d transition rule(s).\n", len(rules))
			return nil
		},
	}
	seedCmd.Flags().String("file", "", "YAML rule file (defaults to RULES_FILE, then built-in rules)")
	cmd.AddCommand(seedCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print the transition rule table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			rules, err := scheduling.NewRuleRepoPG(pool).ListRules(ctx)
			if err != nil {
				return err
			}
			table, err := scheduling.NewRuleTable(rules)
			if err != nil {
				return err
			}
			printRules(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	return cmd
}

// seedRules reads path when given, otherwise the embedded defaults. The result
// is validated as a table before anything touches the database.
func seedRules(path string) ([]scheduling.TransitionRule, error) {
	rules := scheduling.DefaultRules()
	if path != "" {
		var err error
		if rules, err = scheduling.LoadRulesFile(path); err != nil {
			return nil, err
		}
	}
	if _, err := scheduling.NewRuleTable(rules); err != nil {
		return nil, fmt.Errorf("invalid rule set: %w", err)
	}
	return rules, nil
}

func dropSharedRules(ctx context.Context, redisURL string) error {
	if redisURL == "" {
		return nil
	}
	client, err := cache.NewClient(ctx, redisURL)
	if err != nil {
		return err
	}
	defer client.Close()
	return cache.NewJSONStore(client, "scheduling").Delete(ctx, scheduling.RulesCacheKey)
}

func printRules(w io.Writer, table *scheduling.RuleTable) {
	fmt.Fprintf(w, "%-12s %-12s %-7s %-10s %s\n", "FROM", "TO", "REASON", "ROLE", "DESCRIPTION")
	for _, r := range table.Rules() {
		from := "*"
		if r.FromState != nil {
			from = string(*r.FromState)
		}
		reason := "no"
		if r.RequiresReason {
			reason = "yes"
		}
		role := "-"
		if r.RoleRequired != nil {
			role = *r.RoleRequired
		}
		desc := ""
		if r.Description != nil {
			desc = *r.Description
		}
		fmt.Fprintf(w, "%-12s %-12s %-7s %-10s %s\n", from, r.ToState, reason, role, desc)
	}
}
