// examctl is the operator CLI: migrations, staff accounts, end-of-session
// cleanup. It shares the server's configuration environment.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/examstack/exambridge/internal/artifact"
	"github.com/examstack/exambridge/internal/auth"
	"github.com/examstack/exambridge/internal/db"
)

// Exit codes.
const (
	exitOK = iota
	exitConfig
	exitDatabase
	exitOperation
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func configErr(err error) error    { return &exitError{exitConfig, err} }
func databaseErr(err error) error  { return &exitError{exitDatabase, err} }
func operationErr(err error) error { return &exitError{exitOperation, err} }

// openDB connects and migrates using DATABASE_URL.
func openDB(ctx context.Context) (*sql.DB, db.Driver, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, "", configErr(errors.New("DATABASE_URL is required"))
	}
	dbh, driver, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, "", databaseErr(err)
	}
	return dbh, driver, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			dbh, driver, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer dbh.Close()
			if err := db.Migrate(ctx, dbh, driver); err != nil {
				return databaseErr(err)
			}
			fmt.Println("migrations up to date")
			return nil
		},
	}
}

func newStaffAddCmd() *cobra.Command {
	var (
		password string
		fullName string
		email    string
		role     string
	)
	cmd := &cobra.Command{
		Use:   "staff-add <username>",
		Short: "Create a staff or admin account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return configErr(errors.New("--password is required"))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			dbh, _, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer dbh.Close()

			// StaffService only needs the DB for account management.
			svc := auth.NewStaffService(dbh, "unused", 0)
			id, err := svc.CreateStaff(ctx, args[0], password, fullName, email, role)
			if err != nil {
				return operationErr(err)
			}
			fmt.Printf("created %s account %q (id %d)\n", role, args[0], id)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&fullName, "full-name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().StringVar(&role, "role", auth.RoleStaff, "staff or admin")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Hard-delete every artifact (end-of-session cleanup)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return configErr(errors.New("refusing to purge without --confirm"))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			dbh, driver, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer dbh.Close()

			repo := artifact.NewRepo(dbh, string(driver))
			n, err := repo.PurgeAll(ctx)
			if err != nil {
				return operationErr(err)
			}
			fmt.Printf("purged %d artifacts\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "really delete everything")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the artifact status histogram",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			dbh, driver, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer dbh.Close()

			repo := artifact.NewRepo(dbh, string(driver))
			stats, err := repo.Stats(ctx)
			if err != nil {
				return operationErr(err)
			}
			for _, s := range []string{"PENDING", "SUBMITTING", "SUBMITTED_TO_LMS", "FAILED", "SUPERSEDED"} {
				fmt.Printf("%-18s %d\n", s, stats[s])
			}
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "examctl",
		Short:         "exambridge administration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd(), newStaffAddCmd(), newPurgeCmd(), newStatsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "examctl:", err)
		var xe *exitError
		if errors.As(err, &xe) {
			os.Exit(xe.code)
		}
		os.Exit(exitOperation)
	}
	os.Exit(exitOK)
}
