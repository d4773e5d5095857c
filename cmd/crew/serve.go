package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aamat-dev/crew-ia/internal/control"
	"github.com/aamat-dev/crew-ia/internal/scheduler"
	"github.com/aamat-dev/crew-ia/internal/telegram"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the NATS control surface",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("starting crew", "version", version)

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.nc != nil {
		srv := control.NewServer(a.svc)
		if err := srv.Listen(a.nc); err != nil {
			return fmt.Errorf("control surface: %w", err)
		}
		defer srv.Close()
	} else {
		slog.Warn("nats disabled, control surface unavailable")
	}

	sched := scheduler.New(a.db, a.svc, a.nc, cfg.Scheduler)
	go sched.Start(ctx)

	if cfg.Telegram.Token != "" {
		n, err := telegram.NewNotifier(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		a.svc.OnFinish(n.RunFinished)
		slog.Info("telegram notifications enabled", "chat", cfg.Telegram.ChatID)
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	a.svc.Shutdown(shutdownCtx)
	return nil
}
