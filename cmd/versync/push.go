package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/airheartdev/versync"
	"github.com/airheartdev/versync/client"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	File string
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push write items to a server",
		Long: `Push a list of write items read from a YAML or JSON file.

Items without an idempotencyKey get a generated one.

Example items.yaml:
  - resource: todos
    op: create
    id: t1
    data: {title: "buy milk"}
  - resource: todos
    op: update
    id: t1
    baseVersion: 1
    data: {done: true}

Examples:
  versync push -f items.yaml
  cat items.json | versync push -f -`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "items file, or - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runPush(cmd *cobra.Command, opts *PushOptions) error {
	items, err := readItems(cmd.InOrStdin(), opts.File)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("no items in %s", opts.File)
	}

	c := client.New(opts.Server, client.WithToken(opts.Token))
	resp, err := c.Push(cmd.Context(), items)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

// readItems decodes a YAML sequence of push items. JSON input parses too.
func readItems(stdin io.Reader, path string) ([]versync.PushItem, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}

	// Going through JSON keeps numbers in data as json.Number, the same as
	// the server decodes them.
	var doc []map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	var items []versync.PushItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return items, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
