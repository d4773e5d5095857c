package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aamat-dev/crew-ia/internal/config"
	"github.com/aamat-dev/crew-ia/internal/scheduler"
	"github.com/aamat-dev/crew-ia/internal/store"
	"github.com/spf13/cobra"
)

var scheduleFlags struct {
	name   string
	dryRun bool
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled plan runs",
}

func init() {
	add := &cobra.Command{
		Use:   "add <plan-id> <schedule>",
		Short: "Run a plan on a cron expression or schedule JSON",
		Example: `  crew schedule add report "0 2 * * *"
  crew schedule add report '{"kind":"interval","interval_ms":3600000}'`,
		Args: cobra.ExactArgs(2),
		RunE: withStore(func(cfg *config.Config, db *store.Store, args []string) error {
			name := scheduleFlags.name
			if name == "" {
				name = args[0]
			}
			sp, err := scheduler.New(db, nil, nil, cfg.Scheduler).Add(args[0], name, args[1], scheduleFlags.dryRun)
			if err != nil {
				return err
			}
			fmt.Printf("Schedule %s added, next run %s\n", sp.ID, sp.NextRunAt.Format("2006-01-02 15:04 MST"))
			return nil
		}),
	}
	add.Flags().StringVar(&scheduleFlags.name, "name", "", "schedule name (defaults to the plan id)")
	add.Flags().BoolVar(&scheduleFlags.dryRun, "dry-run", false, "start dry runs")

	scheduleCmd.AddCommand(add,
		&cobra.Command{
			Use:   "list",
			Short: "List schedules",
			Args:  cobra.NoArgs,
			RunE: withStore(func(_ *config.Config, db *store.Store, args []string) error {
				list, err := db.ListSchedules()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tPLAN\tSCHEDULE\tSTATUS\tNEXT RUN\tLAST RUN")
				for _, sp := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", sp.ID, sp.Name, sp.PlanID,
						scheduler.FormatSchedule(sp.Schedule), sp.Status, formatTime(sp.NextRunAt), sp.LastRunID)
				}
				return w.Flush()
			}),
		},
		statusOp("pause <id>", "Stop a schedule from firing", "paused"),
		statusOp("resume <id>", "Let a paused schedule fire again", "active"),
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a schedule",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(_ *config.Config, db *store.Store, args []string) error {
				return db.DeleteSchedule(args[0])
			}),
		},
	)
}

func statusOp(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(_ *config.Config, db *store.Store, args []string) error {
			sp, err := db.GetSchedule(args[0])
			if err != nil {
				return err
			}
			if sp == nil {
				return fmt.Errorf("schedule %q not found", args[0])
			}
			return db.UpdateScheduleStatus(sp.ID, status)
		}),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func withStore(fn func(*config.Config, *store.Store, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := store.New(cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
		return fn(cfg, db, args)
	}
}
