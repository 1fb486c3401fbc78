package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clinic/scheduler/internal/config"
	"github.com/clinic/scheduler/internal/domain/availability"
	"github.com/clinic/scheduler/internal/platform/auth"
	"github.com/clinic/scheduler/internal/platform/db"
	"github.com/clinic/scheduler/internal/platform/jobs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "scheduler",
		Short:        "Clinic appointment availability and booking service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(typesCmd())
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(bookCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(digestCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e := newServer(a)

	runner := jobs.New(a.loc, cfg.StoreTimeout*4, logger)
	if cfg.DigestCron != "" {
		if err := runner.Add("digest", cfg.DigestCron, a.digest.Run); err != nil {
			return err
		}
	}
	runner.Start()
	for _, job := range runner.Entries() {
		logger.Info().Str("job", job.Name).Str("spec", job.Spec).Time("next", job.Next).Msg("job scheduled")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("jobs did not stop in time")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// withApp wires the engine from the environment for one CLI command.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, stderrLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func typesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List appointment types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(_ context.Context, a *app) error {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-26s %-26s %s\n", "ID", "NAME", "MINUTES")
				for _, t := range a.catalog.List() {
					fmt.Fprintf(w, "%-26s %-26s %d\n", t.ID, t.DisplayName, t.DurationMinutes)
				}
				return nil
			})
		},
	}
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List free slots on a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			typeID, _ := cmd.Flags().GetString("type")
			dateFlag, _ := cmd.Flags().GetString("date")
			return withApp(func(ctx context.Context, a *app) error {
				date, err := parseDate(dateFlag, a.loc, time.Now())
				if err != nil {
					return err
				}
				slots, err := a.query.SlotsOnDate(ctx, date, typeID)
				if err != nil {
					return err
				}
				printSlots(cmd.OutOrStdout(), date, slots)
				return nil
			})
		},
	}
	cmd.Flags().String("type", "", "Appointment type id")
	cmd.Flags().String("date", "", "Date in YYYY-MM-DD format (default today)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func printSlots(w io.Writer, date time.Time, slots []availability.Slot) {
	if len(slots) == 0 {
		fmt.Fprintf(w, "No free slots on %s.\n", date.Format(time.DateOnly))
		return
	}
	fmt.Fprintf(w, "%d free slot(s) on %s:\n", len(slots), date.Format(time.DateOnly))
	for _, s := range slots {
		fmt.Fprintf(w, "  %s - %s\n", availability.ClockOf(s.Start), availability.ClockOf(s.End))
	}
}

func nextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Find the next free slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			typeID, _ := cmd.Flags().GetString("type")
			fromFlag, _ := cmd.Flags().GetString("from")
			lookahead, _ := cmd.Flags().GetInt("lookahead")
			return withApp(func(ctx context.Context, a *app) error {
				from := time.Now().In(a.loc)
				if fromFlag != "" {
					d, err := parseDate(fromFlag, a.loc, from)
					if err != nil {
						return err
					}
					from = d
				}
				slot, err := a.query.NextAvailableSlot(ctx, typeID, from, lookahead)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s - %s\n",
					slot.Start.Format(time.DateOnly), availability.ClockOf(slot.Start), availability.ClockOf(slot.End))
				return nil
			})
		},
	}
	cmd.Flags().String("type", "", "Appointment type id")
	cmd.Flags().String("from", "", "First date to search in YYYY-MM-DD format (default now)")
	cmd.Flags().Int("lookahead", 0, "Days to search (default MAX_LOOKAHEAD_DAYS)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func bookCmd() *cobra.Command {
	var req availability.BookingRequest
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book a slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				conf, err := a.coord.Book(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), conf)
			})
		},
	}
	cmd.Flags().StringVar(&req.AppointmentTypeID, "type", "", "Appointment type id")
	cmd.Flags().StringVar(&req.Date, "date", "", "Date in YYYY-MM-DD format")
	cmd.Flags().StringVar(&req.StartTime, "time", "", "Start time in HH:MM format")
	cmd.Flags().StringVar(&req.PatientName, "name", "", "Patient name")
	cmd.Flags().StringVar(&req.PatientEmail, "email", "", "Patient email")
	cmd.Flags().StringVar(&req.PatientPhone, "phone", "", "Patient phone")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "Notes for the clinic")
	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <booking-id>",
		Short: "Cancel a booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid booking id %q", args[0])
			}
			reason, _ := cmd.Flags().GetString("reason")
			return withApp(func(ctx context.Context, a *app) error {
				b, err := a.coord.Cancel(ctx, id, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), b)
			})
		},
	}
	cmd.Flags().String("reason", "", "Cancellation reason")
	return cmd
}

func digestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the daily schedule digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			dateFlag, _ := cmd.Flags().GetString("date")
			return withApp(func(ctx context.Context, a *app) error {
				at := time.Now().In(a.loc)
				if dateFlag != "" {
					d, err := parseDate(dateFlag, a.loc, at)
					if err != nil {
						return err
					}
					at = d
				}
				report, err := a.digest.Build(ctx, at)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().String("date", "", "Date in YYYY-MM-DD format (default today)")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed staff token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Staff member id")
	cmd.Flags().StringSlice("roles", []string{"staff"}, "Roles to grant")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// parseDate reads a YYYY-MM-DD date in loc. An empty value means the day
// containing now.
func parseDate(s string, loc *time.Location, now time.Time) (time.Time, error) {
	if s == "" {
		n := now.In(loc)
		return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc), nil
	}
	d, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
