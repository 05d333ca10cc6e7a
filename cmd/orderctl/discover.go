package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"order-pipeline/registry"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Show the registered endpoints of a service and their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		reg, err := openRegistry(logger)
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		snap, err := reg.Query(ctx, service, registry.QueryOptions{})
		if err != nil {
			return fmt.Errorf("query %s: %w", service, err)
		}
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

// healthColor paints a health state the way operators scan for it.
func healthColor(h registry.Health) *color.Color {
	switch h {
	case registry.HealthPassing:
		return color.New(color.FgGreen)
	case registry.HealthWarning:
		return color.New(color.FgYellow)
	case registry.HealthCritical:
		return color.New(color.FgRed)
	}
	return color.New(color.FgHiBlack)
}

func printSnapshot(w io.Writer, snap *registry.Snapshot) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "%s", snap.Service)
	fmt.Fprintf(w, "  version %d, %d of %d passing\n", snap.Version, len(snap.Passing()), len(snap.Endpoints))
	if len(snap.Endpoints) == 0 {
		fmt.Fprintln(w, "  (no instances registered)")
		return
	}
	for _, ep := range snap.Endpoints {
		printEndpoint(w, "  ", ep)
	}
}

func printEndpoint(w io.Writer, indent string, ep registry.Endpoint) {
	fmt.Fprintf(w, "%s%-21s ", indent, ep.Addr())
	healthColor(ep.Health).Fprintf(w, "%-8s", ep.Health)
	fmt.Fprintf(w, " %s", ep.ID)
	if !ep.LastSeen.IsZero() {
		fmt.Fprintf(w, "  seen %s ago", time.Since(ep.LastSeen).Round(time.Second))
	}
	if meta := formatMeta(ep.Meta); meta != "" {
		fmt.Fprintf(w, "  [%s]", meta)
	}
	fmt.Fprintln(w)
}

func formatMeta(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+meta[k])
	}
	return strings.Join(parts, " ")
}
