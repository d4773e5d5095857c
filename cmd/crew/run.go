package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/aamat-dev/crew-ia/internal/plan"
	"github.com/aamat-dev/crew-ia/internal/runsvc"
	"github.com/spf13/cobra"
)

var runFlags struct {
	dryRun   bool
	runID    string
	skip     []string
	override []string
}

var runCmd = &cobra.Command{
	Use:   "run <plan-id|plan-file>",
	Short: "Execute a plan in the foreground and print its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd.Context(), args[0])
	},
}

func init() {
	f := runCmd.Flags()
	f.BoolVar(&runFlags.dryRun, "dry-run", false, "record what would run without calling workers")
	f.StringVar(&runFlags.runID, "run-id", "", "resume or create the run with this id")
	f.StringSliceVar(&runFlags.skip, "skip", nil, "node ids to skip")
	f.StringSliceVar(&runFlags.override, "override", nil, "node ids to execute even when cached")
}

// loadGraph reads a plan file when ref names one, and otherwise looks ref
// up in the plans directory.
func loadGraph(plans *plan.Registry, ref string) (*plan.Graph, map[string]string, error) {
	if ext := filepath.Ext(ref); ext != "" {
		if data, err := os.ReadFile(ref); err == nil {
			doc, err := plan.Parse(data)
			if err != nil {
				return nil, nil, fmt.Errorf("plan %s: %w", ref, err)
			}
			g, err := plan.Build(doc)
			if err != nil {
				return nil, nil, err
			}
			return g, map[string]string{"plan_file": ref}, nil
		}
	}
	g, err := plans.Load(ref)
	if err != nil {
		return nil, nil, err
	}
	return g, map[string]string{"plan_id": ref}, nil
}

func runPlan(ctx context.Context, ref string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	g, meta, err := loadGraph(plan.NewRegistry(cfg.Plans.Dir), ref)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID, err := a.svc.StartGraph(ctx, g, runsvc.StartOptions{
		RunID:    runFlags.runID,
		DryRun:   runFlags.dryRun,
		Meta:     meta,
		Skip:     runFlags.skip,
		Override: runFlags.override,
	})
	if err != nil {
		return err
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sigCtx.Done():
			slog.Info("interrupt received, canceling run", "run", runID)
			_ = a.svc.Cancel(context.Background(), runID)
		case <-finished:
		}
	}()

	res, err := a.svc.Wait(context.Background(), runID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res.Summary()); err != nil {
		return err
	}
	if res.Status != persist.RunCompleted {
		return fmt.Errorf("run %s finished %s", runID, res.Status)
	}
	return nil
}
