package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aamat-dev/crew-ia/internal/control"
	"github.com/aamat-dev/crew-ia/internal/natsbus"
	"github.com/spf13/cobra"
)

var ctlFlags struct {
	url     string
	timeout time.Duration
	dryRun  bool
	patch   string
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control runs of a serving crew process over NATS",
}

func init() {
	pf := ctlCmd.PersistentFlags()
	pf.StringVar(&ctlFlags.url, "nats", "nats://127.0.0.1:4222", "NATS server URL")
	pf.DurationVar(&ctlFlags.timeout, "timeout", 10*time.Second, "request timeout")

	start := &cobra.Command{
		Use:   "start <plan-id>",
		Short: "Start a run of a named plan",
		Args:  cobra.ExactArgs(1),
		RunE: withCtl(func(c *control.Client, args []string) error {
			runID, err := c.Start(args[0], ctlFlags.dryRun)
			if err != nil {
				return err
			}
			fmt.Println(runID)
			return nil
		}),
	}
	start.Flags().BoolVar(&ctlFlags.dryRun, "dry-run", false, "record what would run without calling workers")

	override := &cobra.Command{
		Use:   "override <run-id> <node-id>",
		Short: "Force a node to execute, optionally patching its worker config",
		Args:  cobra.ExactArgs(2),
		RunE: withCtl(func(c *control.Client, args []string) error {
			var patch map[string]any
			if ctlFlags.patch != "" {
				if err := json.Unmarshal([]byte(ctlFlags.patch), &patch); err != nil {
					return fmt.Errorf("parse --patch: %w", err)
				}
			}
			return c.Override(args[0], args[1], patch)
		}),
	}
	override.Flags().StringVar(&ctlFlags.patch, "patch", "", `worker config patch as JSON, e.g. {"model":"x"}`)

	ctlCmd.AddCommand(
		start,
		override,
		runOp("resubmit <run-id> <plan-id>", "Execute an existing run again", 2, func(c *control.Client, args []string) error {
			return c.Resubmit(args[0], args[1])
		}),
		runOp("pause <run-id>", "Stop admitting nodes", 1, func(c *control.Client, args []string) error {
			return c.Pause(args[0])
		}),
		runOp("resume <run-id>", "Admit nodes again", 1, func(c *control.Client, args []string) error {
			return c.Resume(args[0])
		}),
		runOp("skip <run-id> <node-id>", "Skip a node when it is admitted", 2, func(c *control.Client, args []string) error {
			return c.Skip(args[0], args[1])
		}),
		runOp("cancel <run-id>", "Cancel a run", 1, func(c *control.Client, args []string) error {
			return c.Cancel(args[0])
		}),
		runOp("status <run-id>", "Show a run and its nodes", 1, func(c *control.Client, args []string) error {
			st, err := c.Status(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Run %s (%s): %s\n\n", st.Run.ID, st.Run.Title, st.Run.Status)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tSTATUS\tATTEMPTS\tERROR")
			for _, n := range st.Nodes {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", n.NodeID, n.Status, n.Attempts, n.Error)
			}
			return w.Flush()
		}),
		runOp("active", "List runs still executing", 0, func(c *control.Client, args []string) error {
			ids, err := c.Active()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		}),
	)
}

func runOp(use, short string, nargs int, fn func(*control.Client, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE:  withCtl(fn),
	}
}

func withCtl(fn func(*control.Client, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		nc, err := natsbus.NewClientFromURL(ctlFlags.url)
		if err != nil {
			return err
		}
		defer nc.Close()
		c := control.NewClient(nc)
		c.Timeout = ctlFlags.timeout
		return fn(c, args)
	}
}
