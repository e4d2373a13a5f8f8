package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careorbit/careorbit/internal/config"
	"github.com/careorbit/careorbit/internal/domain/attachment"
	"github.com/careorbit/careorbit/internal/domain/integrity"
	"github.com/careorbit/careorbit/internal/domain/projection"
	"github.com/careorbit/careorbit/internal/domain/records"
	"github.com/careorbit/careorbit/internal/domain/registration"
	"github.com/careorbit/careorbit/internal/platform/db"
	"github.com/careorbit/careorbit/internal/platform/logging"
	"github.com/careorbit/careorbit/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "careorbit",
		Short:        "Clinical record core: projections, integrity audit and attachments",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(rebuildCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(sweepCmd())
	return root
}

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	pool      *pgxpool.Pool
	store     *records.Store
	records   *records.Service
	guard     *registration.Guard
	projector *projection.Projector
	auditor   *integrity.Auditor
	files     *attachment.FileStore
	signer    *attachment.LinkSigner
}

// loadConfig reads and validates the configuration and builds the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Env:        cfg.Env,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   true,
	})
	return cfg, log, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "careorbit",
	})
}

// open connects to the database and wires the components.
func open(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := newApp(cfg, log, records.NewPGStore(pool))
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.pool = pool
	return a, nil
}

// newApp wires the components over store. It does not touch the database.
func newApp(cfg *config.Config, log zerolog.Logger, store *records.Store) (*app, error) {
	files, err := attachment.NewFileStore(attachment.Config{
		Root:     cfg.AttachmentRoot,
		MaxBytes: cfg.AttachmentMaxBytes,
	}, store, log)
	if err != nil {
		return nil, err
	}

	var signer *attachment.LinkSigner
	if cfg.AttachmentSigningKey != "" {
		signer, err = attachment.NewLinkSigner([]byte(cfg.AttachmentSigningKey), cfg.AttachmentLinkTTL)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn().Msg("ATTACHMENT_SIGNING_KEY not set, signed download links are disabled")
	}

	projector := projection.NewProjector(store, log)
	svc := records.NewService(store, log)
	svc.SetProjectionRefresher(projector)

	return &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		records:   svc,
		guard:     registration.NewGuard(store.Patients, log),
		projector: projector,
		auditor:   integrity.NewAuditor(store, log),
		files:     files,
		signer:    signer,
	}, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ops server and the orphan sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return runServer(cmd.Context(), a)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	migrator := func(ctx context.Context, dir string) (*db.Migrator, *pgxpool.Pool, error) {
		cfg, _, err := loadConfig()
		if err != nil {
			return nil, nil, err
		}
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		if dir != "" {
			return db.NewMigrator(pool, dir), pool, nil
		}
		return db.NewMigratorFS(pool, migrations.Files), pool, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			m, pool, err := migrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)

			// Picks up patients imported since the last run.
			last, err := records.NewPGStore(pool).Patients.SyncPatientNumber(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Patient numbers continue after %s.\n", registration.FormatPatientID(last))
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			m, pool, err := migrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrations(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func rebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild derived projections",
	}

	add := func(use, short string, run func(*projection.Projector, context.Context, *uuid.UUID) (int, error)) {
		sub := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				scope, err := patientFlag(cmd)
				if err != nil {
					return err
				}
				a, err := open(cmd.Context())
				if err != nil {
					return err
				}
				defer a.Close()

				n, err := run(a.projector, cmd.Context(), scope)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %d row(s).\n", n)
				return nil
			},
		}
		sub.Flags().String("patient", "", "Limit the rebuild to one patient (uuid)")
		cmd.AddCommand(sub)
	}
	add("summaries", "Rebuild visit summaries", (*projection.Projector).RebuildVisitSummary)
	add("history", "Rebuild patient history", (*projection.Projector).RebuildPatientHistory)
	return cmd
}

func patientFlag(cmd *cobra.Command) (*uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString("patient")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --patient %q: %w", raw, err)
	}
	return &id, nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Report referential and identity integrity issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			issues, err := a.auditor.AuditReferences(cmd.Context())
			if err != nil {
				return err
			}
			return printIssues(cmd.OutOrStdout(), issues, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "Print issues as JSON")
	return cmd
}

func printIssues(w io.Writer, issues []integrity.Issue, asJSON bool) error {
	if asJSON {
		if issues == nil {
			issues = []integrity.Issue{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(issues)
	}
	if len(issues) == 0 {
		fmt.Fprintln(w, "No integrity issues found.")
		return nil
	}
	fmt.Fprintf(w, "%-22s %-38s %s\n", "KIND", "ENTITY", "DETAIL")
	for _, i := range issues {
		fmt.Fprintf(w, "%-22s %-38s %s\n", i.Kind, i.EntityID, i.Detail)
	}
	fmt.Fprintf(w, "%d issue(s).\n", len(issues))
	return nil
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove unreferenced attachments older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			days, _ := cmd.Flags().GetInt("retention-days")
			if days == 0 {
				days = a.cfg.AttachmentRetentionDays
			}
			n, err := a.files.SweepOrphans(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphaned file(s).\n", n)
			return nil
		},
	}
	cmd.Flags().Int("retention-days", 0, "Override ATTACHMENT_RETENTION_DAYS")
	return cmd
}
