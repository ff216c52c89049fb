package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/airheartdev/versync"
	"github.com/airheartdev/versync/client"
	"github.com/spf13/cobra"
)

// PullOptions holds flags for the pull command.
type PullOptions struct {
	*RootOptions
	Cursor uint64
	Limit  int
	Follow bool
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Read the change log from a server",
		Long: `Read changes committed after a cursor.

With --follow the command stays connected and prints every frame the
server sends until interrupted.

Examples:
  versync pull
  versync pull --cursor 42 --limit 10
  versync pull --follow`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd, opts)
		},
	}

	cmd.Flags().Uint64Var(&opts.Cursor, "cursor", 0, "return changes after this cursor")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of changes (server default when 0)")
	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "subscribe and print frames as they arrive")

	return cmd
}

func runPull(cmd *cobra.Command, opts *PullOptions) error {
	c := client.New(opts.Server, client.WithToken(opts.Token))
	out := cmd.OutOrStdout()

	if opts.Follow {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return c.Subscribe(ctx, opts.Cursor, func(f versync.Frame) error {
			return printJSON(out, f)
		})
	}

	resp, err := c.Pull(cmd.Context(), opts.Cursor, opts.Limit)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	return printJSON(out, resp)
}
