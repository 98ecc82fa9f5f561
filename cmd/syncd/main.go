// @title           Pet Health Sync API
// @version         1.0
// @description     Local offline-first API: optimistic pets and health records, chat history and the sync queue.
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pet-health-sync/internal/app"
	"pet-health-sync/internal/platform/config"
	"pet-health-sync/internal/platform/logger"
)

var (
	envFile  string
	jsonFlag bool
	rootCmd  = &cobra.Command{
		Use:           "syncd",
		Short:         "Offline-first sync daemon for pet health records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading PETSYNC_* variables")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the local API, connectivity prober and sync coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List the actions waiting in the pending-sync log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(cmd.Context())
		},
	}
	pendingCmd.Flags().BoolVar(&jsonFlag, "json", false, "print actions as JSON")
	rootCmd.AddCommand(pendingCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Probe the backend and replay the pending-sync log once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd.Context())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func build(ctx context.Context, opts ...app.Option) (*app.App, logger.Logger, error) {
	_ = godotenv.Load(envFile)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logger.NewFromEnv()

	a, err := app.New(ctx, cfg, log, opts...)
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

func runServe(ctx context.Context) error {
	a, log, err := build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close_failed", map[string]any{"error": err})
		}
	}()
	return a.Run(ctx)
}

// pending y drain comparten el store con un serve en curso; nunca sobre memoria.
func runPending(ctx context.Context) error {
	a, _, err := build(ctx, app.WithStrictStore())
	if err != nil {
		return err
	}
	defer a.Close()

	actions, err := a.Pending(ctx)
	if err != nil {
		return err
	}
	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(actions)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tMETHOD\tENDPOINT\tSTATUS\tRETRIES\tENQUEUED")
	for _, act := range actions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			act.ID, act.Type, act.Method, act.Endpoint, act.Status, act.RetryCount, act.EnqueuedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runDrain(ctx context.Context) error {
	a, _, err := build(ctx, app.WithStrictStore())
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.DrainOnce(ctx)
	fmt.Fprintf(os.Stdout, "reason=%s succeeded=%d failed=%d terminal=%d skipped=%d\n",
		res.Reason, res.Succeeded, res.Failed, res.Terminal, res.Skipped)
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stdout, "  action %d (%s): %s %s\n", e.ActionID, e.Type, e.Kind, e.Message)
	}
	if res.Err != nil {
		return res.Err
	}
	return nil
}
