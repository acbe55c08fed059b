package main

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
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/value-engine/api"
	"github.com/warp/value-engine/config"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/factory"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
	"github.com/warp/value-engine/store/sqlite"
	"github.com/warp/value-engine/valuation"
)

type options struct {
	configPath string
	port       int
	dbPath     string
	equationID string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "server",
		Short:         "Value rollup and income distribution engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	serveCmd.Flags().IntVar(&opts.port, "port", 0, "HTTP server port (overrides config)")

	rollupCmd := &cobra.Command{
		Use:   "rollup [resource-id]",
		Short: "Roll up one resource and print its value per unit and path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollup(cmd, opts, rea.ResourceID(args[0]))
		},
	}
	rollupCmd.Flags().StringVar(&opts.equationID, "equation", "", "Value equation ID")

	checkCmd := &cobra.Command{
		Use:   "check-equation [expression]",
		Short: "Compile a claim creation equation and print the variables it reads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckEquation(cmd, args[0])
		},
	}

	rootCmd.AddCommand(serveCmd, rollupCmd, checkCmd)
	return rootCmd
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.dbPath != "" {
		cfg.Database.Path = opts.dbPath
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = opts.port
	}
	return cfg, cfg.Validate()
}

func limits(cfg config.Config) valuation.Limits {
	return valuation.Limits{MaxDepth: cfg.Traversal.MaxDepth, MaxNodes: cfg.Traversal.MaxNodes}
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(logger)

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Initialize handler
	handler := api.NewHandler(store, limits(cfg), cfg.Distribution.AccountOwnerRole, logger)

	// Load existing value equations into cache
	if err := handler.LoadEquations(cmd.Context()); err != nil {
		logger.Warn("failed to load value equations", "error", err)
	}

	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// =============================================================================
// ROLLUP
// =============================================================================

func runRollup(cmd *cobra.Command, opts *options, id rea.ResourceID) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	var ve *equation.ValueEquation
	if opts.equationID != "" {
		rec, err := store.ValueEquation(ctx, opts.equationID)
		if err != nil {
			return err
		}
		if ve, err = factory.NewEquationFactory().FromRecord(rec); err != nil {
			return err
		}
	}

	var result valuation.Result
	err = store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		result, err = valuation.NewRollup(tx, tx, limits(cfg)).RollUpResource(ctx, id, ve)
		return err
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// =============================================================================
// CHECK-EQUATION
// =============================================================================

func runCheckEquation(cmd *cobra.Command, src string) error {
	expr, err := equation.Compile(src)
	if err != nil {
		return err
	}
	sample, err := expr.Eval(equation.UnitBindings())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ok: %s\n", expr.Source())
	fmt.Fprintf(out, "variables: %v\n", expr.Variables())
	fmt.Fprintf(out, "value with all variables = 1: %s\n", sample)
	return nil
}
