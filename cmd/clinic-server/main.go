package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	// Timezone validation must work in images without a zoneinfo database.
	_ "time/tzdata"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/billing"
	"github.com/clinic/clinic/internal/domain/clinic"
	"github.com/clinic/clinic/internal/platform/audit"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Multi-tenant clinic API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(invoicesCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// connect loads the configuration and opens the pool shared by every command.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// auditOnly delivers CLI events to the audit log; it must be closed before
// the pool so queued entries are written.
func auditOnly(cfg *config.Config, pool *pgxpool.Pool, log zerolog.Logger) *events.Dispatcher {
	return events.NewDispatcher(events.Config{QueueSize: cfg.EventQueueSize, Workers: 1, Timeout: 5 * time.Second},
		audit.NewPGSink(pool), nil, nil, log)
}

// cliIdentity is the platform operator behind command-line provisioning.
var cliIdentity = auth.Identity{Email: "cli@platform", PlatformAdmin: true}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Provision and remove clinics",
	}

	var in clinic.OnboardInput
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic with its roles and first owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			log := newLogger(cfg)
			pub := auditOnly(cfg, pool, log)
			defer pub.Close()

			svc := clinic.NewService(clinic.NewTenantStorePG(pool), clinic.NewMemberRepoPG(pool), db.NewTransactor(pool), pub, nil)
			out, err := svc.Onboard(ctx, cliIdentity, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created clinic %s (%s), owner %s\n", out.Tenant.Slug, out.Tenant.ID, out.Owner.Email)
			return nil
		},
	}
	createCmd.Flags().StringVar(&in.Slug, "slug", "", "URL-safe clinic identifier")
	createCmd.Flags().StringVar(&in.Name, "name", "", "Display name")
	createCmd.Flags().StringVar(&in.Timezone, "timezone", "UTC", "IANA timezone")
	createCmd.Flags().StringVar(&in.OwnerEmail, "owner-email", "", "Email of the first owner")
	createCmd.Flags().StringVar(&in.OwnerName, "owner-name", "", "Display name of the first owner")
	_ = createCmd.MarkFlagRequired("slug")
	_ = createCmd.MarkFlagRequired("name")
	_ = createCmd.MarkFlagRequired("owner-email")
	cmd.AddCommand(createCmd)

	var slug string
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a clinic and all of its data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			log := newLogger(cfg)
			pub := auditOnly(cfg, pool, log)
			defer pub.Close()

			// Memberships cascade with the tenant, so resolution fails for its
			// members even while cached role permissions are still live.
			svc := clinic.NewService(clinic.NewTenantStorePG(pool), clinic.NewMemberRepoPG(pool), db.NewTransactor(pool), pub, nil)
			if err := svc.DeleteTenant(ctx, cliIdentity, slug); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted clinic %s\n", slug)
			return nil
		},
	}
	deleteCmd.Flags().StringVar(&slug, "slug", "", "Clinic identifier")
	_ = deleteCmd.MarkFlagRequired("slug")
	cmd.AddCommand(deleteCmd)
	return cmd
}

func invoicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoices",
		Short: "Invoice maintenance",
	}

	var asOf string
	overdueCmd := &cobra.Command{
		Use:   "mark-overdue",
		Short: "Move unpaid invoices past their due date to OVERDUE",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAsOf(asOf, time.Now())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			log := newLogger(cfg)
			pub := auditOnly(cfg, pool, log)
			defer pub.Close()

			svc := billing.NewService(billing.NewInvoiceRepoPG(pool), db.NewTransactor(pool), pub)
			n, err := svc.MarkOverdue(ctx, billing.NewOverdueFinderPG(pool), at)
			if err != nil {
				return err
			}
			log.Info().Int("invoices", n).Time("as_of", at).Msg("overdue sweep finished")
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d invoice(s) overdue.\n", n)
			return nil
		},
	}
	overdueCmd.Flags().StringVar(&asOf, "as-of", "", "Cut-off date (YYYY-MM-DD); defaults to now")
	cmd.AddCommand(overdueCmd)
	return cmd
}

// parseAsOf reads an optional YYYY-MM-DD cut-off. A date means the start of
// that day in UTC.
func parseAsOf(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--as-of must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Identity tokens for development and automation",
	}

	var (
		subject, email, tenant string
		platformAdmin          bool
		ttl                    time.Duration
	)
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign an identity token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			id := auth.Identity{Email: email, PlatformAdmin: platformAdmin, Tenant: tenant}
			if subject == "" {
				id.ID = uuid.New()
			} else if id.ID, err = uuid.Parse(subject); err != nil {
				return fmt.Errorf("--sub must be a uuid: %w", err)
			}
			token, err := auth.IssueToken(jwtConfig(cfg), id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().StringVar(&subject, "sub", "", "Identity id (generated when empty)")
	issueCmd.Flags().StringVar(&email, "email", "", "Identity email")
	issueCmd.Flags().StringVar(&tenant, "tenant", "", "Clinic id or slug to act in")
	issueCmd.Flags().BoolVar(&platformAdmin, "platform-admin", false, "Grant platform administration")
	issueCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.AddCommand(issueCmd)
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: cfg.SigningKey(),
		Skipper:    auth.AuthSkipper,
	}
}
