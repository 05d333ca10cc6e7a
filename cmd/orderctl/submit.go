package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"order-pipeline/client"
	"order-pipeline/loadbalance"
	"order-pipeline/orderservice"
	"order-pipeline/receiver"
	"order-pipeline/registry"
	"order-pipeline/resolver"
	"order-pipeline/transport"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	orderID  string
	customer string
	items    []string
	lb       string
	attempts int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one order through discovery, the way the receiver does",
	Example: `  orderctl submit --customer alice --item book:2:1250 --item pen:1:199
  orderctl submit --id o-42 --item book:1:1250 --lb consistent_hash`,
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := buildOrder()
		if err != nil {
			return err
		}
		logger := newLogger()
		reg, err := openRegistry(logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		balancer, err := loadbalance.New(lb)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res := resolver.New(registry.NewWatcher(reg, registry.WatcherOptions{Logger: logger}), balancer, logger)
		res.Follow(ctx, service)
		if err := res.Ready(ctx, service); err != nil {
			return err
		}
		pool := transport.NewPool(transport.PoolOptions{Logger: logger})
		defer pool.Close()
		d := receiver.NewDispatcher(client.NewClient(service, res, pool, client.Options{
			Attempts: attempts,
			Logger:   logger,
		}), logger)

		out := cmd.OutOrStdout()
		result, err := d.SubmitOrder(ctx, order)
		if err != nil {
			var derr *receiver.DispatchError
			if errors.As(err, &derr) {
				color.New(color.FgRed, color.Bold).Fprintf(out, "%s", derr.Outcome)
				fmt.Fprintf(out, " (%s layer) %v\n", derr.Layer, derr.Err)
				return nil
			}
			return err
		}

		outcome := receiver.OutcomeOf(result.Status)
		c := color.New(color.FgGreen, color.Bold)
		if outcome == receiver.OutcomeRejected || outcome == receiver.OutcomeFailed {
			c = color.New(color.FgYellow, color.Bold)
		}
		c.Fprintf(out, "%s", outcome)
		fmt.Fprintf(out, " order %s", result.OrderID)
		if result.ReasonCode != "" {
			fmt.Fprintf(out, " %s: %s", result.ReasonCode, result.Message)
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&orderID, "id", "", "order id, generated when empty")
	f.StringVar(&customer, "customer", "", "customer name")
	f.StringArrayVar(&items, "item", nil, "line item sku:quantity:priceCents, repeatable")
	f.StringVar(&lb, "lb", "round_robin", "round_robin, weighted_random or consistent_hash")
	f.IntVar(&attempts, "attempts", 3, "dispatch attempts across endpoints")
}

func buildOrder() (*orderservice.Order, error) {
	order := &orderservice.Order{ID: orderID, Customer: customer}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	for _, raw := range items {
		item, err := parseItem(raw)
		if err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	return order, nil
}

// parseItem reads "sku:quantity:priceCents". Values are passed through
// unvalidated so invalid orders can be submitted on purpose.
func parseItem(raw string) (orderservice.LineItem, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return orderservice.LineItem{}, fmt.Errorf("item %q: want sku:quantity:priceCents", raw)
	}
	qty, err := strconv.Atoi(parts[1])
	if err != nil {
		return orderservice.LineItem{}, fmt.Errorf("item %q quantity: %w", raw, err)
	}
	price, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return orderservice.LineItem{}, fmt.Errorf("item %q price: %w", raw, err)
	}
	return orderservice.LineItem{SKU: parts[0], Quantity: qty, PriceCents: price}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
