// Command aidflowctl is the operator CLI: schema migrations, manual job runs and
// development credentials.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aidflow/aidflow/db/migrations"
	"github.com/aidflow/aidflow/internal/app"
	"github.com/aidflow/aidflow/internal/auth"
	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/internal/shared"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aidflowctl",
		Short:         "Operate an aidflow deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), jobsCmd(), tokenCmd(), hashPasswordCmd())
	return root
}

func migrateCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				names, err := migrations.Files()
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			}
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			pool, err := db.New(cmd.Context(), cfg.PGDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := migrations.Apply(cmd.Context(), pool)
			for _, n := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", n)
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list embedded migrations without connecting")
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}

	var args TriggerArgs
	var year, month int
	trigger := &cobra.Command{
		Use:   "trigger <name>",
		Short: "Enqueue cola:recompute or idempotency:cleanup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if year != 0 || month != 0 {
				p, err := shared.NewPeriod(year, month)
				if err != nil {
					return err
				}
				args.Period = p
			}
			if args.Retention == 0 {
				args.Retention = cfg.IdempotencyRetention
			}
			cli := NewJobsCLI(cfg.Redis())
			defer cli.Close()
			info, err := cli.Trigger(cmd.Context(), argv[0], args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	trigger.Flags().Int64Var(&args.BeneficiaryID, "beneficiary", 0, "beneficiary id for cola:recompute")
	trigger.Flags().IntVar(&year, "year", 0, "period year for cola:recompute")
	trigger.Flags().IntVar(&month, "month", 0, "period month for cola:recompute")
	trigger.Flags().DurationVar(&args.Retention, "retention", 0, "retention for idempotency:cleanup")

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show queue depth",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			cli := NewJobsCLI(cfg.Redis())
			defer cli.Close()
			stats, err := cli.InspectQueues()
			if err != nil {
				return err
			}
			for _, s := range stats {
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
					s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
			}
			return nil
		},
	}

	cmd.AddCommand(trigger, inspect)
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor shared.Actor
	var role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed development bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("refusing to mint tokens with APP_ENV=%s", cfg.AppEnv)
			}
			actor.Role = shared.Role(role)
			raw, expires, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, ttl).Issue(actor)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Int64Var(&actor.ID, "user", 0, "user id")
	cmd.Flags().StringVar(&role, "role", "", "beneficiary, caseworker, finance or director")
	cmd.Flags().Int64Var(&actor.FacilityID, "facility", 0, "facility id for staff roles")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash to store in users.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
