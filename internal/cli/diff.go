package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/retrace/internal/store"
	"github.com/roach88/retrace/internal/value"
)

// DiffOptions holds flags for the diff command.
type DiffOptions struct {
	*RootOptions
	Database string
	Content  bool
}

// DiffEntryInfo is one diff entry in command output.
type DiffEntryInfo struct {
	Key    string `json:"key"`
	Kind   string `json:"kind"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// DiffResult holds the structural diff between two stored values.
type DiffResult struct {
	A       string          `json:"a"`
	B       string          `json:"b"`
	Equal   bool            `json:"equal"`
	Entries []DiffEntryInfo `json:"entries,omitempty"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diff <a> <b>",
		Short: "Compare two stored versions or content objects",
		Long: `Compare two stored values structurally.

Arguments are version IDs by default (see the history command), or
content-object IDs with --content. Keyed values diff over the union of
their keys; sequences diff positionally.

Exit codes:
  0 - values are equal
  1 - values differ
  2 - command error (database not found, unknown IDs, etc.)

Examples:
  retrace diff 4 7 --db ./trace.db
  retrace diff --content sha256:ab... sha256:cd... --db ./trace.db`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(opts, cmd, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.Content, "content", false, "treat arguments as content-object IDs")

	return cmd
}

func runDiff(opts *DiffOptions, cmd *cobra.Command, argA, argB string) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var d value.Diff
	if opts.Content {
		d, err = st.CompareContent(ctx, argA, argB)
	} else {
		var verA, verB int64
		verA, err = strconv.ParseInt(argA, 10, 64)
		if err != nil {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid version ID %q", argA))
		}
		verB, err = strconv.ParseInt(argB, 10, 64)
		if err != nil {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid version ID %q", argB))
		}
		d, err = st.CompareVersions(ctx, verA, verB)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return WrapExitError(ExitCommandError, "value not found", err)
		}
		return WrapExitError(ExitCommandError, "failed to compare", err)
	}

	result := DiffResult{A: argA, B: argB, Equal: d.Empty()}
	for _, e := range d.Entries {
		info := DiffEntryInfo{Key: e.Key, Kind: string(e.Kind)}
		if e.Before != nil {
			info.Before = value.Display(e.Before)
		}
		if e.After != nil {
			info.After = value.Display(e.After)
		}
		result.Entries = append(result.Entries, info)
	}

	if opts.Format == "json" {
		if err := outputJSON(cmd, result); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		if result.Equal {
			fmt.Fprintln(w, "Values are equal.")
		} else {
			for _, e := range result.Entries {
				switch e.Kind {
				case string(value.DiffAdded):
					fmt.Fprintf(w, "  + %s = %s\n", e.Key, e.After)
				case string(value.DiffRemoved):
					fmt.Fprintf(w, "  - %s = %s\n", e.Key, e.Before)
				default:
					fmt.Fprintf(w, "  ~ %s: %s -> %s\n", e.Key, e.Before, e.After)
				}
			}
		}
	}

	if !result.Equal {
		return NewExitError(ExitFailure, "values differ")
	}
	return nil
}
