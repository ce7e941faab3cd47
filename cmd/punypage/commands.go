package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/app"
	"github.com/punypage/punypage/internal/db"
	"github.com/punypage/punypage/internal/mcpserver"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, chat transports and background ingestion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signalContext()
			defer stop()

			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			defer a.Close()

			if err := a.Serve(ctx); err != nil {
				logger.Error("server stopped", zap.Error(err))
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			database, err := db.Open(cfg)
			if err != nil {
				return fmt.Errorf("db open: %w", err)
			}
			defer database.Close()
			if err := db.Migrate(database, logger); err != nil {
				return fmt.Errorf("db migrate: %w", err)
			}
			version, err := db.Version(database)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", version, cfg.DBDriver)
			return nil
		},
	}
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run one embedding pass over documents changed since their last ingestion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signalContext()
			defer stop()

			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Pipeline == nil {
				return errors.New("ingestion requires OPENAI_API_KEY")
			}

			stats, err := a.Pipeline.Run(ctx)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func newMCPCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the document tools over MCP on stdin/stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if userID == "" {
				userID = os.Getenv("PUNYPAGE_USER_ID")
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			s := mcpserver.New(a.Tools, userID, logger.Named("mcp"))
			logger.Info("mcp server on stdio", zap.String("user_id", userID))
			return mcpserver.ServeStdio(s)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user the tools act as (default $PUNYPAGE_USER_ID)")
	return cmd
}
