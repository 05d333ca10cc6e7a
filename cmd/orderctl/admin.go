package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"order-pipeline/codec"
	"order-pipeline/orderservice"
	"order-pipeline/registry"
	"order-pipeline/transport"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	adminAddr     string
	adminInstance string
	listFilter    string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Call the admin methods of one Order Service instance",
	Long: `admin talks to a single instance, chosen by --addr or by registration id
with --instance. Without either, the first passing instance is used.`,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show instance identity, mode, status and RPC methods",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var info orderservice.Info
		if err := adminCall(cmd.Context(), orderservice.ServiceInfoMethod, &orderservice.ServiceInfoArgs{}, &info); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		bold := color.New(color.Bold)
		bold.Fprintf(out, "%s", info.ID)
		fmt.Fprintf(out, " (%s %s, %s mode) ", info.Name, info.Version, info.Mode)
		if info.Status == "SERVING" {
			color.New(color.FgGreen).Fprintln(out, info.Status)
		} else {
			color.New(color.FgRed).Fprintln(out, info.Status)
		}
		fmt.Fprintf(out, "  orders held: %d\n", info.OrderCount)
		if info.RejectAll {
			color.New(color.FgYellow).Fprintln(out, "  reject-all is ON")
		}
		fmt.Fprintln(out, "  methods:")
		for _, m := range info.Methods {
			fmt.Fprintf(out, "    %s\n", m)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <order-id>",
	Short: "Show one order held by the instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var order orderservice.Order
		if err := adminCall(cmd.Context(), orderservice.GetOrderMethod, &orderservice.GetOrderArgs{ID: args[0]}, &order); err != nil {
			return err
		}
		return printJSON(cmd, &order)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders held by the instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var reply orderservice.ListOrdersReply
		err := adminCall(cmd.Context(), orderservice.ListOrdersMethod,
			&orderservice.ListOrdersArgs{Filter: orderservice.ListFilter(listFilter)}, &reply)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, o := range reply.Orders {
			fmt.Fprintf(out, "%-36s %-10s %-12s %d items  %s\n",
				o.ID, o.Status, o.Customer, len(o.Items), o.UpdatedAt.Format("15:04:05.000"))
		}
		fmt.Fprintf(out, "%d orders\n", len(reply.Orders))
		return nil
	},
}

var rejectAllCmd = &cobra.Command{
	Use:       "reject-all on|off",
	Short:     "Make the instance reject every order, or stop doing so",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var reply orderservice.SetRejectAllReply
		err := adminCall(cmd.Context(), orderservice.SetRejectAllMethod,
			&orderservice.SetRejectAllArgs{Enabled: args[0] == "on"}, &reply)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reject-all %s (was %s)\n", onOff(reply.Enabled), onOff(reply.Previous))
		return nil
	},
}

func init() {
	pf := adminCmd.PersistentFlags()
	pf.StringVar(&adminAddr, "addr", "", "instance RPC address host:port")
	pf.StringVar(&adminInstance, "instance", "", "instance registration id")
	adminCmd.MarkFlagsMutuallyExclusive("addr", "instance")
	listCmd.Flags().StringVar(&listFilter, "filter", string(orderservice.ListAll), "all, open or rejected")

	adminCmd.AddCommand(infoCmd, getCmd, listCmd, rejectAllCmd)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// targetAddr resolves --addr or --instance against the registry.
func targetAddr(ctx context.Context) (string, error) {
	if adminAddr != "" {
		return adminAddr, nil
	}
	reg, err := openRegistry(newLogger())
	if err != nil {
		return "", err
	}
	defer reg.Close()
	snap, err := reg.Query(ctx, service, registry.QueryOptions{})
	if err != nil {
		return "", fmt.Errorf("query %s: %w", service, err)
	}
	for _, ep := range snap.Endpoints {
		if adminInstance == "" && ep.Health == registry.HealthPassing {
			return ep.Addr(), nil
		}
		if adminInstance != "" && ep.ID == adminInstance {
			return ep.Addr(), nil
		}
	}
	if adminInstance != "" {
		return "", fmt.Errorf("instance %q is not registered under %s", adminInstance, service)
	}
	return "", fmt.Errorf("%s has no passing instances", service)
}

// adminCall makes one call on a dedicated connection. Admin calls go to a
// chosen instance, so they bypass the balancer and the failover client.
func adminCall(ctx context.Context, method string, args, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr, err := targetAddr(ctx)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	t := transport.NewClientTransport(conn, codec.CodecTypeJSON, 0)
	defer t.Close()

	resp, err := t.Call(ctx, method, args, nil)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", method, addr, err)
	}
	if resp.Failed() {
		return fmt.Errorf("%s on %s: %w", method, addr, resp.Status().Err())
	}
	if reply != nil && len(resp.Payload) > 0 {
		return json.Unmarshal(resp.Payload, reply)
	}
	return nil
}
