package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/workflow"
)

type transitionFlags struct {
	to             string
	expectStatus   string
	expectVersion  int64
	actor          string
	reason         string
	idempotencyKey string
}

func newTransitionCmd(opts *rootOptions) *cobra.Command {
	flags := &transitionFlags{}
	cmd := &cobra.Command{
		Use:   "transition <order-id>",
		Short: "Request a status transition",
		Long: `Request a status transition with optimistic concurrency.

Without --expect-status and --expect-version the current state is read first.
The actor defaults to the token subject when a token is configured.

Examples:
  workflowctl transition order-42 --to confirmed --actor kitchen
  workflowctl transition order-42 --to ready --expect-status preparing --expect-version 2 --idempotency-key k-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := domain.ParseOrderStatus(flags.to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			if flags.actor == "" && opts.token == "" {
				return errors.New("--actor is required without a token")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			client := opts.client()

			req := workflow.TransitionRequest{
				OrderID:         args[0],
				ExpectedVersion: flags.expectVersion,
				TargetStatus:    target,
				Actor:           flags.actor,
				Reason:          flags.reason,
			}
			if flags.expectStatus != "" {
				if req.ExpectedStatus, err = domain.ParseOrderStatus(flags.expectStatus); err != nil {
					return fmt.Errorf("--expect-status: %w", err)
				}
			}
			if req.ExpectedStatus == "" || req.ExpectedVersion < 0 {
				view, err := client.GetOrder(ctx, req.OrderID)
				if err != nil {
					return err
				}
				if req.ExpectedStatus == "" {
					req.ExpectedStatus = domain.OrderStatus(view.Status)
				}
				if req.ExpectedVersion < 0 {
					req.ExpectedVersion = view.Version
				}
			}

			order, err := client.TransitionWithKey(ctx, req, flags.idempotencyKey)
			if err != nil {
				return describeError(err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s version=%d entered=%s\n",
				req.OrderID, req.ExpectedStatus, order.Status, order.Version, order.EnteredStatusAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.to, "to", "", "target status")
	cmd.Flags().StringVar(&flags.expectStatus, "expect-status", "", "status the order must currently be in")
	cmd.Flags().Int64Var(&flags.expectVersion, "expect-version", -1, "version the order must currently have")
	cmd.Flags().StringVar(&flags.actor, "actor", "", "acting staff identity")
	cmd.Flags().StringVar(&flags.reason, "reason", "", "free-form reason")
	cmd.Flags().StringVar(&flags.idempotencyKey, "idempotency-key", "", "Idempotency-Key header for safe retries")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <order-id>",
		Short: "Show the status history of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			records, err := opts.client().History(ctx, args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "POS\tSEQ\tFROM\tTO\tOUTCOME\tACTOR\tVERSION\tAT\tHASH")
			for _, rec := range records {
				_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%d->%d\t%s\t%s\n",
					rec.Position, rec.SequenceNo, rec.From, rec.To, rec.Outcome, rec.Actor,
					rec.ExpectedVersion, rec.ResultVersion, rec.Timestamp.UTC().Format(time.RFC3339), shortHash(rec.Hash))
			}
			return w.Flush()
		},
	}
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <order-id>",
		Short: "Verify the hash chain of an order history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			report, err := opts.client().Verify(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !report.Valid {
				_, _ = fmt.Fprintf(out, "%s: chain broken at position %d: %s\n", report.OrderID, report.BrokenAt, report.Problem)
				return fmt.Errorf("history of %s failed verification", report.OrderID)
			}
			_, _ = fmt.Fprintf(out, "%s: ok entries=%d applied=%d\n", report.OrderID, report.Entries, report.Applied)
			return nil
		},
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
