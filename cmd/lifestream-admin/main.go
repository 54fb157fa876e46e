// Package main implements the lifestream operational CLI. Every tool is an
// event emitter or an infrastructure reset; none writes projections directly.
//
// Exit codes: 0 success, 1 usage error, 2 infrastructure error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/lifestream/admin"
	"github.com/c360/lifestream/config"
	lserrors "github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/natsclient"
	"github.com/c360/lifestream/store"
)

// infraError wraps failures that should exit 2 instead of 1.
type infraError struct{ err error }

func (e infraError) Error() string { return e.err.Error() }
func (e infraError) Unwrap() error { return e.err }

func main() {
	root := newRootCmd()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var infra infraError
		if errors.As(err, &infra) && !lserrors.IsInvalid(infra.err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lifestream-admin",
		Short:         "Operational tools for the lifestream pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newSetVisibilityCmd())
	root.AddCommand(newRetryFailedCmd())
	root.AddCommand(newRecoverStuckCmd())
	root.AddCommand(newResetBusCmd())
	return root
}

// openStore connects the database, wrapping failures as infrastructure errors.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.New(ctx, store.Config{DSN: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
	if err != nil {
		return nil, infraError{fmt.Errorf("connect database: %w", err)}
	}
	return db, nil
}

// openBus connects NATS, wrapping failures as infrastructure errors.
func openBus(ctx context.Context, cfg *config.Config) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{natsclient.WithName("lifestream-admin")}
	if cfg.NATSUsername != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATSUsername, cfg.NATSPassword))
	}

	bus, err := natsclient.NewClient(cfg.NATSURLs, opts...)
	if err != nil {
		return nil, infraError{fmt.Errorf("create bus client: %w", err)}
	}
	if err := bus.Connect(ctx); err != nil {
		return nil, infraError{fmt.Errorf("connect bus: %w", err)}
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := bus.WaitForConnection(connCtx); err != nil {
		return nil, infraError{fmt.Errorf("bus connection timeout: %w", err)}
	}
	return bus, nil
}

func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

func newSetVisibilityCmd() *cobra.Command {
	var opts admin.SetVisibilityOptions

	cmd := &cobra.Command{
		Use:   "set-visibility",
		Short: "Change link visibility by emitting link.visibility_changed events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.SubjectID == "" && !opts.All {
				return errors.New("either --subject-id or --all is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := admin.SetVisibility(ctx, db.Queries(), opts, cmd.OutOrStdout())
			if err != nil {
				return infraError{err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d event(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.SubjectID, "subject-id", "", "single subject to change")
	cmd.Flags().BoolVar(&opts.All, "all", false, "change every link")
	cmd.Flags().StringVar(&opts.Status, "status", "", "with --all, restrict to links in this status")
	cmd.Flags().StringVar(&opts.Visibility, "visibility", "", "public or private")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "cap the number of links changed")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print what would change without emitting")
	_ = cmd.MarkFlagRequired("visibility")
	return cmd
}

func newRetryFailedCmd() *cobra.Command {
	var opts admin.RetryFailedOptions

	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Clear derived rows for errored links and re-emit link.added",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := admin.RetryFailed(ctx, db.Queries(), db, opts, cmd.OutOrStdout())
			if err != nil {
				return infraError{err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d subject(s) retried\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.SubjectID, "subject-id", "", "single subject to retry")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "cap the number of subjects retried")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "skip links already retried more than this many times")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print what would be retried without emitting")
	return cmd
}

func newRecoverStuckCmd() *cobra.Command {
	var opts admin.RecoverStuckOptions

	cmd := &cobra.Command{
		Use:   "recover-stuck",
		Short: "Re-emit synthetic enrichment.completed for enriched-but-unpublished links",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.SubjectID == "" && !opts.All {
				return errors.New("either --subject-id or --all is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := admin.RecoverStuck(ctx, db.Queries(), opts, cmd.OutOrStdout())
			if err != nil {
				return infraError{err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d subject(s) recovered\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.SubjectID, "subject-id", "", "single subject to recover")
	cmd.Flags().BoolVar(&opts.All, "all", false, "recover every stuck subject")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "cap the number of subjects recovered")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print what would be recovered without emitting")
	return cmd
}

func newResetBusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-bus",
		Short: "Delete and recreate bus topology, clearing all bookkeeping for a full replay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			bus, err := openBus(ctx, cfg)
			if err != nil {
				return err
			}
			defer bus.Close(ctx)

			if err := admin.ResetBus(ctx, bus, db.Queries(), cfg.Partitions, cmd.OutOrStdout()); err != nil {
				return infraError{err}
			}
			return nil
		},
	}
	return cmd
}
