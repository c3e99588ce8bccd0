// Package main — workflowctl, CLI персонала для сервиса переходов заказов.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/orderflow/internal/httpapi"
	"github.com/vladislavdragonenkov/orderflow/internal/version"
)

const (
	envServer = "WORKFLOW_SERVER"
	envToken  = "WORKFLOW_TOKEN"

	defaultServer  = "http://localhost:8080"
	defaultTimeout = 10 * time.Second
)

// rootOptions — общие флаги всех команд.
type rootOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func (o *rootOptions) client() *httpapi.Client {
	var opts []httpapi.ClientOption
	if o.token != "" {
		opts = append(opts, httpapi.WithToken(o.token))
	}
	return httpapi.NewClient(o.server, opts...)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "workflowctl",
		Short: "CLI for the order workflow service",
		Long: `workflowctl talks to the workflow service REST API: it creates orders,
requests status transitions, inspects the tamper-evident history and renders
the operations board.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.server, "server", envOr(envServer, defaultServer), "workflow service URL (env "+envServer+")")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(envToken), "bearer token (env "+envToken+")")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "request timeout")

	root.AddCommand(
		newOrdersCmd(opts),
		newTransitionCmd(opts),
		newHistoryCmd(opts),
		newVerifyCmd(opts),
		newBoardCmd(opts),
		newTokenCmd(),
		newDLQCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
