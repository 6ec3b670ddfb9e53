package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mailgateway/internal/config"
	"mailgateway/internal/store"
)

// NewAPICommand is the gateway's root command. Without a subcommand it
// serves HTTP.
func NewAPICommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "mailgateway",
		Short:        "Mail gateway",
		Long:         "Sends mail over SMTP, reconciles an IMAP mailbox into MongoDB and serves both streams over HTTP",
		SilenceUsage: true,
		RunE:         runServe,
	}
	addConfigFlag(root)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE:  runServe,
	})
	root.AddCommand(newIngestCommand())
	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Create MongoDB indexes",
		Long:  "Connects to MongoDB and creates the indexes paging relies on. Safe to run repeatedly.",
		RunE:  runSetup,
	})
	return root
}

// NewIngestorCommand runs reconciliation passes on a timer, independently
// of API traffic.
func NewIngestorCommand() *cobra.Command {
	cmd := newIngestCommand()
	cmd.Use = "ingestor"
	addConfigFlag(cmd)
	return cmd
}

func newIngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ingest",
		Short:        "Poll the mailbox into the received stream",
		SilenceUsage: true,
		RunE:         runIngest,
	}
	cmd.Flags().Bool("once", false, "run a single pass, print its summary and exit")
	return cmd
}

func addConfigFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "path to a YAML config file (default ./config.yaml when present)")
}

// Execute runs cmd and exits non-zero on failure.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, validate bool) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(NewLogger(cfg.Log.Level))

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	slog.Info("configuration loaded", "config", cfg)
	return cfg, nil
}

// notifyShutdown cancels the returned context on SIGINT or SIGTERM.
func notifyShutdown(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(quit)
		select {
		case sig := <-quit:
			slog.Info("shutdown requested", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}

	ctx, cancel := notifyShutdown(cmd.Context())
	defer cancel()

	a, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer done()
		a.Close(closeCtx)
	}()

	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server")
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("server exiting")
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}

	ctx, cancel := notifyShutdown(cmd.Context())
	defer cancel()

	a, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if once, _ := cmd.Flags().GetBool("once"); once {
		res, err := a.Reconciler.Pass(ctx)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
		return err
	}

	if cfg.Ingest.PollInterval <= 0 {
		return fmt.Errorf("ingest.poll_interval must be positive, got %s", cfg.Ingest.PollInterval)
	}
	a.Reconciler.Poll(ctx, cfg.Ingest.PollInterval)
	return nil
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client, err := store.Connect(ctx, StoreOptions(cfg.MongoDB))
	if err != nil {
		return err
	}
	defer client.Close(context.Background())

	if err := client.CreateIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexes ready on %s.{%s,%s}\n",
		cfg.MongoDB.Database, cfg.MongoDB.SentCollection, cfg.MongoDB.ReceivedCollection)
	return nil
}
