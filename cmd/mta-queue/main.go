// Command mta-queue inspects and manipulates the on-disk queue directly,
// the operational counterpart to maddyctl for a core built around a flat
// queue.Manager instead of a module registry: no config blocks to resolve,
// just the five fixed queue directories under server.queues.dirpath.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vmta/coremta/internal/config"
	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/queue"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mta-queue",
	Short: "Inspect and manipulate the mail queue",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "/etc/coremta/coremta.toml", "path to the configuration file")
	rootCmd.AddCommand(showCmd, msgCmd)
}

func openQueue() (*queue.Manager, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfgPath, err)
	}
	return queue.Open(cfg.Server.Queues.Dirpath)
}

// parseQueueNames validates the queue-name arguments against queue.All,
// defaulting to every queue when none are given.
func parseQueueNames(args []string) ([]queue.Name, error) {
	if len(args) == 0 {
		return queue.All, nil
	}
	names := make([]queue.Name, 0, len(args))
	for _, a := range args {
		found := false
		for _, q := range queue.All {
			if string(q) == a {
				names = append(names, q)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown queue %q (want one of working, deliver, deferred, dead, delegated)", a)
		}
	}
	return names, nil
}

var showCmd = &cobra.Command{
	Use:   "show [queues...]",
	Short: "List the UUIDs present in one or more queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := parseQueueNames(args)
		if err != nil {
			return err
		}
		mgr, err := openQueue()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "QUEUE\tUUID\tSTAGE\tFROM\tRCPTS")
		for _, q := range names {
			uuids, err := mgr.List(q)
			if err != nil {
				return fmt.Errorf("listing %s: %w", q, err)
			}
			for _, uuid := range uuids {
				ctx, err := mgr.GetCtx(q, uuid)
				if err != nil {
					fmt.Fprintf(w, "%s\t%s\t<unreadable: %v>\t\t\n", q, uuid, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", q, uuid, ctx.Stage, ctx.From, rcptCount(ctx))
			}
		}
		return nil
	},
}

func rcptCount(ctx *mailctx.Ctx) int {
	n := 0
	for _, g := range ctx.Groups {
		n += len(g.Rcpts)
	}
	return n
}

var msgCmd = &cobra.Command{
	Use:   "msg <uuid>",
	Short: "Operate on a single queued message by UUID",
}

func init() {
	msgCmd.AddCommand(msgShowCmd, msgMoveCmd, msgRemoveCmd, msgRerunCmd)
}

// locate finds which queue currently holds uuid, since the CLI is only
// given the UUID, not the queue it happens to be sitting in.
func locate(mgr *queue.Manager, uuid string) (queue.Name, *mailctx.Ctx, error) {
	for _, q := range queue.All {
		ctx, err := mgr.GetCtx(q, uuid)
		if err == nil {
			return q, ctx, nil
		}
	}
	return "", nil, fmt.Errorf("no such message: %s", uuid)
}

var msgShowCmd = &cobra.Command{
	Use:   "show <uuid>",
	Short: "Print the full queue context for a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openQueue()
		if err != nil {
			return err
		}
		q, ctx, err := locate(mgr, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("queue: %s\n", q)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ctx)
	},
}

var msgMoveCmd = &cobra.Command{
	Use:   "move <uuid> <queue>",
	Short: "Move a message into a different queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openQueue()
		if err != nil {
			return err
		}
		src, _, err := locate(mgr, args[0])
		if err != nil {
			return err
		}
		dsts, err := parseQueueNames([]string{args[1]})
		if err != nil {
			return err
		}
		if err := mgr.MoveTo(src, dsts[0], args[0]); err != nil {
			return fmt.Errorf("moving %s: %w", args[0], err)
		}
		fmt.Printf("moved %s: %s -> %s\n", args[0], src, dsts[0])
		return nil
	},
}

var msgRemoveCmd = &cobra.Command{
	Use:   "remove <uuid>",
	Short: "Permanently delete a message and its queue context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openQueue()
		if err != nil {
			return err
		}
		q, _, err := locate(mgr, args[0])
		if err != nil {
			return err
		}
		if err := mgr.RemoveBoth(q, args[0]); err != nil {
			return fmt.Errorf("removing %s: %w", args[0], err)
		}
		fmt.Printf("removed %s from %s\n", args[0], q)
		return nil
	},
}

// msgRerunCmd forces an immediate redelivery attempt by moving a message
// out of deferred (or dead) straight into deliver, ahead of its next
// scheduled retry tick.
var msgRerunCmd = &cobra.Command{
	Use:   "re-run <uuid>",
	Short: "Move a deferred or dead message back into the delivery queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openQueue()
		if err != nil {
			return err
		}
		src, _, err := locate(mgr, args[0])
		if err != nil {
			return err
		}
		if src != queue.Deferred && src != queue.Dead {
			return fmt.Errorf("%s is in %s, not deferred or dead", args[0], src)
		}
		if err := mgr.MoveTo(src, queue.Deliver, args[0]); err != nil {
			return fmt.Errorf("re-running %s: %w", args[0], err)
		}
		fmt.Printf("re-queued %s: %s -> deliver\n", args[0], src)
		return nil
	},
}
