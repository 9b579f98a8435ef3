package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billing/pkg/config"
	"github.com/dmitrymomot/billing/pkg/httpserver"
	"github.com/dmitrymomot/billing/pkg/pg"
	"github.com/dmitrymomot/billing/pkg/subscription"
)

// environment is filled by the root command before any subcommand runs.
type environment struct {
	cfg appConfig
	log *slog.Logger
}

func (e *environment) load() error {
	if err := config.Load(&e.cfg); err != nil {
		return err
	}
	e.log = newLogger(e.cfg)
	return nil
}

func serveCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the periodic sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := connect(ctx, env.cfg, env.log, true)
			if err != nil {
				return err
			}
			defer a.close()

			var srvCfg httpserver.Config
			if err := config.Load(&srvCfg); err != nil {
				return err
			}
			srv := httpserver.New(srvCfg,
				httpserver.WithLogger(env.log),
				httpserver.WithWorker("sweep", httpserver.Every(env.cfg.SweepInterval, env.log, a.sweep)),
			)
			return srv.Run(ctx, a.handler())
		},
	}
}

func migrateCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := connect(ctx, env.cfg, env.log, false)
			if err != nil {
				return err
			}
			defer a.close()
			return pg.Migrate(ctx, a.pool, a.pgCfg, env.log)
		},
	}
}

func sweepCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel or expire due subscriptions once and exit",
		Long: `Run a single lifecycle sweep. Subscriptions past their period end are
canceled when they were set to cancel at period end and expired otherwise.
Use it from an external scheduler when serve runs with a long interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := connect(ctx, env.cfg, env.log, true)
			if err != nil {
				return err
			}
			defer a.close()

			rep, err := a.subs.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled=%d expired=%d renewed=%d errors=%d\n",
				rep.Canceled, rep.Expired, rep.Renewed, rep.Errors)
			return nil
		},
	}
}

func seedPlansCmd(env *environment) *cobra.Command {
	var (
		file   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "seed-plans",
		Short: "Create missing plans and refresh display metadata of existing ones",
		Long: `Load a YAML plan catalog and apply it. New plans are created; existing
plans (matched by slug) only get their name, description and features
refreshed. Prices of existing plans are never changed.

Examples:
  billingd seed-plans
  billingd seed-plans --file plans.example.yaml --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				file = env.cfg.PlansFile
			}
			plans, err := subscription.LoadPlansFile(file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				for _, p := range plans {
					fmt.Fprintf(out, "%s\t%d %s\t%s\n", p.Name, p.Price, p.Currency, p.Interval)
				}
				return nil
			}

			ctx := cmd.Context()
			a, err := connect(ctx, env.cfg, env.log, true)
			if err != nil {
				return err
			}
			defer a.close()

			rep, err := subscription.Seed(ctx, a.catalog, plans)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "created: %s\nupdated: %s\n",
				strings.Join(rep.Created, ", "), strings.Join(rep.Updated, ", "))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan catalog (default $BILLING_PLANS_FILE)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and print the catalog without touching the database")
	return cmd
}
