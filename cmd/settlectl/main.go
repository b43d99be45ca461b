// Command settlectl runs settlement maintenance tasks against the service database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/app"
	"github.com/coursemarket/settlement-service/internal/bootstrap"
	"github.com/coursemarket/settlement-service/internal/config"
	"github.com/coursemarket/settlement-service/internal/logging"
	"github.com/coursemarket/settlement-service/internal/store"
	"github.com/coursemarket/settlement-service/pkg/catalogclient"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Settlement service maintenance tool",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(payoutsCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(revenueShareCmd())
	return rootCmd
}

// environment is the configuration and logger shared by every subcommand.
type environment struct {
	cfg    config.Config
	logger *zap.Logger
}

func loadEnvironment() (*environment, error) {
	_ = godotenv.Load()
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	return &environment{
		cfg:    cfg,
		logger: logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}),
	}, nil
}

// service wires a settlement service without the HTTP server, scheduler or consumers.
// The returned func releases its connections.
func (e *environment) service(ctx context.Context) (*app.Service, func(), error) {
	pool, err := bootstrap.OpenPool(ctx, e.cfg.DatabaseURL, 5)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := bootstrap.NewPublisher(e.cfg, e.logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	svc := app.NewService(
		store.NewPostgresRepository(pool),
		bootstrap.Gateways(e.cfg),
		catalogclient.NewClient(e.cfg.CatalogServiceURL, e.cfg.CatalogServiceAPIKey),
		publisher,
		bootstrap.ServiceSettings(e.cfg),
		e.logger,
	)
	cleanup := func() {
		publisher.Close()
		pool.Close()
		_ = e.logger.Sync()
	}
	return svc, cleanup, nil
}

// withService loads the environment and runs fn against a wired service.
func withService(cmd *cobra.Command, fn func(ctx context.Context, env *environment, svc *app.Service) error) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, cleanup, err := env.service(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, env, svc)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
