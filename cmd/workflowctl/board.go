package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/orderflow/internal/board"
	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

func newBoardCmd(opts *rootOptions) *cobra.Command {
	var (
		watch          bool
		interval       time.Duration
		terminalWindow time.Duration
	)
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Render the operations board",
		Long: `Render the operations board: orders grouped by status with urgency tiers.

With --watch the board is polled every --interval and redrawn until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := opts.client()
			logger := log.WithField("component", "workflowctl")
			coordinator := board.NewCoordinator(
				board.NewPollingSource(client, terminalWindow),
				client,
				board.Config{
					PollInterval:   interval,
					MaxBackoff:     8 * interval,
					RequestTimeout: opts.timeout,
				},
				board.WithLogger(logger),
			)

			out := cmd.OutOrStdout()
			if !watch {
				if err := coordinator.Refresh(cmd.Context()); err != nil {
					return err
				}
				renderBoard(out, coordinator.Board())
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchBoard(ctx, out, coordinator, interval)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep polling and redraw the board")
	cmd.Flags().DurationVar(&interval, "interval", board.DefaultPollInterval, "poll and redraw interval")
	cmd.Flags().DurationVar(&terminalWindow, "terminal-window", time.Hour, "how long delivered or cancelled orders stay visible")
	return cmd
}

func watchBoard(ctx context.Context, out io.Writer, coordinator *board.Coordinator, interval time.Duration) error {
	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	defer coordinator.Stop()

	renderBoard(out, coordinator.Board())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			renderBoard(out, coordinator.Board())
		}
	}
}

func renderBoard(out io.Writer, b board.Board) {
	_, _ = fmt.Fprintf(out, "board at %s", b.GeneratedAt.UTC().Format(time.RFC3339))
	if b.Stale {
		_, _ = fmt.Fprintf(out, "  STALE: %d failed polls, last success %s", b.ConsecutiveFailures, formatTime(b.LastSuccess))
	}
	_, _ = fmt.Fprintln(out)

	for _, bucket := range b.Buckets {
		_, _ = fmt.Fprintf(out, "\n%s (%d)\n", strings.ToUpper(string(bucket.Status)), len(bucket.Cards))
		if len(bucket.Cards) == 0 {
			continue
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, card := range bucket.Cards {
			marker := ""
			if card.Pending {
				marker = "pending"
			}
			_, _ = fmt.Fprintf(w, "  %s\tv%d\t%s\t%s\t%s\t%s\t%s\n",
				card.Order.ID, card.Order.Version, card.Tier,
				card.Elapsed.Truncate(time.Second), formatRemaining(card),
				joinStatuses(card.NextPossible), marker)
		}
		_ = w.Flush()
	}
}

func formatRemaining(card board.Card) string {
	switch {
	case card.Tier == board.TierOverdue:
		return "overdue"
	case domain.IsTerminal(card.Order.Status):
		return "-"
	default:
		return "left " + card.Remaining.Truncate(time.Second).String()
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func joinStatuses(statuses []domain.OrderStatus) string {
	if len(statuses) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, string(status))
	}
	return "-> " + strings.Join(parts, "|")
}
