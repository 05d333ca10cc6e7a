package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-pipeline/registry"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var pollInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a service's endpoints and print every change",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		reg, err := openRegistry(logger)
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w := registry.NewWatcher(reg, registry.WatcherOptions{PollInterval: pollInterval, Logger: logger})
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "watching %s, Ctrl+C to stop\n", service)

		var prev *registry.Snapshot
		for snap := range w.Watch(ctx, service) {
			if prev == nil {
				printSnapshot(out, snap)
			} else {
				printChanges(out, prev, snap)
			}
			prev = snap
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().DurationVar(&pollInterval, "poll", 2*time.Second, "poll interval for registries without blocking queries")
}

// printChanges lists endpoints that appeared, vanished, or changed health.
func printChanges(w io.Writer, prev, cur *registry.Snapshot) {
	added := color.New(color.FgGreen).FprintfFunc()
	removed := color.New(color.FgRed).FprintfFunc()

	fmt.Fprintf(w, "%s version %d:\n", time.Now().Format(time.TimeOnly), cur.Version)
	for _, ep := range cur.Endpoints {
		old, ok := prev.Lookup(ep.Addr())
		switch {
		case !ok:
			added(w, "  + ")
			printEndpoint(w, "", ep)
		case old.Health != ep.Health:
			fmt.Fprintf(w, "  ~ %-21s ", ep.Addr())
			healthColor(old.Health).Fprint(w, old.Health)
			fmt.Fprint(w, " -> ")
			healthColor(ep.Health).Fprint(w, ep.Health)
			fmt.Fprintln(w)
		}
	}
	for _, ep := range prev.Endpoints {
		if _, ok := cur.Lookup(ep.Addr()); !ok {
			removed(w, "  - %-21s %s\n", ep.Addr(), ep.ID)
		}
	}
}
