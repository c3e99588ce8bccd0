package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/httpapi"
)

func newOrdersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Create and inspect orders",
	}
	cmd.AddCommand(newOrdersCreateCmd(opts), newOrdersGetCmd(opts), newOrdersListCmd(opts))
	return cmd
}

func newOrdersCreateCmd(opts *rootOptions) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "create [id]",
		Short: "Register a new order in pending status",
		Long: `Register a new order. Without an id the server assigns one.

Examples:
  workflowctl orders create --payload '{"table":4}'
  workflowctl orders create order-42`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			var raw json.RawMessage
			if payload = strings.TrimSpace(payload); payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.New("--payload must be valid JSON")
				}
				raw = json.RawMessage(payload)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			order, err := opts.client().CreateOrder(ctx, id, raw)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s status=%s version=%d\n", order.ID, order.Status, order.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "opaque order payload as JSON")
	return cmd
}

func newOrdersGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an order and its allowed next statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			view, err := opts.client().GetOrder(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "id:       %s\n", view.ID)
			_, _ = fmt.Fprintf(out, "status:   %s\n", view.Status)
			_, _ = fmt.Fprintf(out, "version:  %d\n", view.Version)
			_, _ = fmt.Fprintf(out, "entered:  %s\n", view.EnteredStatusAt.UTC().Format(time.RFC3339))
			_, _ = fmt.Fprintf(out, "next:     %s\n", strings.Join(view.NextPossible, ", "))
			if len(view.Payload) > 0 {
				_, _ = fmt.Fprintf(out, "payload:  %s\n", string(view.Payload))
			}
			return nil
		},
	}
}

func newOrdersListCmd(opts *rootOptions) *cobra.Command {
	var (
		statuses []string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.OrderFilter{Limit: limit}
			for _, raw := range statuses {
				status, err := domain.ParseOrderStatus(raw)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			orders, err := opts.client().ListOrders(ctx, filter)
			if err != nil {
				return err
			}
			writeOrders(cmd.OutOrStdout(), orders)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter, repeatable or comma-separated")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of orders")
	return cmd
}

func writeOrders(out io.Writer, orders []domain.Order) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tVERSION\tENTERED")
	for _, order := range orders {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", order.ID, order.Status, order.Version, order.EnteredStatusAt.UTC().Format(time.RFC3339))
	}
	_ = w.Flush()
}

// describeError дополняет конфликт текущим состоянием заказа с сервера.
func describeError(err error) error {
	var apiErr *httpapi.APIError
	if !errors.As(err, &apiErr) || apiErr.Detail.Current == nil {
		return err
	}
	current := apiErr.Detail.Current
	return fmt.Errorf("%w (current: status=%s version=%d)", err, current.Status, current.Version)
}
