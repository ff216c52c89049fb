package main

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Server     string
	Token      string
}

// NewRootCommand creates the root command for the versync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "versync",
		Short: "versync - versioned writes and a change feed for local-first clients",
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://127.0.0.1:1234", "server base URL for client commands")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "Authorization header value for client commands")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))

	return cmd
}
