package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carelink-ng/referral/internal/registry"
	"github.com/carelink-ng/referral/internal/shared/auth"
	"github.com/carelink-ng/referral/internal/shared/config"
	"github.com/carelink-ng/referral/internal/shared/logging"
	"github.com/carelink-ng/referral/internal/shared/types"
)

const (
	serviceName = "referral-coordinator"
	version     = "0.3.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "referral",
		Short:         "Case referral coordination engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newRebuildCmd(),
		newReconcileCmd(),
		newSyncRegistryCmd(),
		newTokenCmd(),
	)
	return root
}

// withApp loads config, builds the application and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, app *App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(serviceName, cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return fn(ctx, app)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, escalation scheduler and dispatch workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(serve)
		},
	}
}

func newRebuildCmd() *cobra.Command {
	var caseID string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Replay the event log into the case view",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				rebuilder := app.rebuilder()
				if caseID != "" {
					id, err := types.ParseID(caseID)
					if err != nil {
						return fmt.Errorf("invalid case id %q: %w", caseID, err)
					}
					if err := rebuilder.RebuildCase(ctx, id); err != nil {
						return err
					}
					return printJSON(cmd, map[string]string{"rebuilt": id.String()})
				}
				result, err := rebuilder.Rebuild(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "Rebuild a single case")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Handle deadlines that passed while the service was down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				if err := app.restoreView(ctx); err != nil {
					return err
				}
				if err := app.Dispatcher.Start(context.Background()); err != nil {
					return err
				}
				result, err := app.Scheduler.Reconcile(ctx, app.View)
				if stopErr := app.Dispatcher.Stop(); err == nil {
					err = stopErr
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
}

func newSyncRegistryCmd() *cobra.Command {
	var seedOnly bool
	cmd := &cobra.Command{
		Use:   "sync-registry",
		Short: "Load providers from the seed file and the external directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				if err := app.seedRegistry(ctx); err != nil {
					return err
				}
				if seedOnly || app.Config.Directory.DSN == "" {
					return printJSON(cmd, map[string]string{"directory": "skipped"})
				}

				dir, err := registry.OpenDirectory(ctx, app.Config.Directory, app.Logger)
				if err != nil {
					return err
				}
				defer dir.Close()

				result, err := dir.Sync(ctx, app.Registry)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	cmd.Flags().BoolVar(&seedOnly, "seed-only", false, "Skip the external directory")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		providerID string
		roles      []string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			token, err := auth.IssueToken(cfg.Auth, types.ProviderID(providerID), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "Provider id the token acts for")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleProvider}, "Roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
