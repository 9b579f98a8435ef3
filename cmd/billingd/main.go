// Command billingd runs the subscription and billing engine.
//
//	billingd serve        HTTP API, webhooks and the background sweep
//	billingd migrate      apply database migrations
//	billingd sweep        run one lifecycle sweep and exit
//	billingd seed-plans   create or refresh plans from a YAML catalog
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	env := &environment{}
	root := &cobra.Command{
		Use:           "billingd",
		Short:         "Subscription and billing engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return env.load()
		},
	}

	root.AddCommand(
		serveCmd(env),
		migrateCmd(env),
		sweepCmd(env),
		seedPlansCmd(env),
	)
	return root
}
