package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fmtd/fmtd/engine/adapter"
	"github.com/fmtd/fmtd/engine/cache"
	"github.com/fmtd/fmtd/engine/dispatch"
	"github.com/fmtd/fmtd/engine/executor"
	"github.com/fmtd/fmtd/engine/format"
	"github.com/fmtd/fmtd/engine/infra/server"
	"github.com/fmtd/fmtd/engine/profile"
	"github.com/fmtd/fmtd/pkg/config"
	"github.com/fmtd/fmtd/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the formatting service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			file, err := configFile(cmd)
			if err != nil {
				return err
			}
			return runServe(ctx, file)
		},
	}
	return cmd
}

func runServe(ctx context.Context, file string) error {
	log := logger.FromContext(ctx)
	ctx = logger.ContextWithLogger(ctx, log)

	cfg, err := config.NewService().Load(ctx, file)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	registry, err := profile.NewRegistry(cfg.Formatters)
	if err != nil {
		return fmt.Errorf("failed to build formatter registry: %w", err)
	}
	if err := registry.Validate(ctx); err != nil {
		return fmt.Errorf("formatter validation failed: %w", err)
	}

	store, err := cache.New(ctx, cfg.Cache, cfg.Data.Root)
	if err != nil {
		return fmt.Errorf("failed to open result cache: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		store.Close(closeCtx)
	}()

	adp := adapter.New(cfg.Exec)
	exec, err := executor.New(adp, registry, cfg.Data.Root)
	if err != nil {
		return fmt.Errorf("failed to build executor: %w", err)
	}

	dispatcher := dispatch.New(cfg.Dispatch, exec, store)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if err := dispatcher.Stop(stopCtx); err != nil {
			log.Error("dispatcher did not stop cleanly", "err", err)
		}
	}()

	svc := format.NewService(registry, dispatcher)
	srv := server.NewServer(cfg, svc, log)
	return srv.Run(ctx)
}
