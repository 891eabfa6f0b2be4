package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/retrace/internal/store"
	"github.com/roach88/retrace/internal/tracediff"
)

// GraphOptions holds flags for the graph command.
type GraphOptions struct {
	*RootOptions
	Database string
	Against  int64
	Out      string
}

// NewGraphCommand creates the graph command.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GraphOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "graph <call-id>",
		Short: "Export a call's execution graph as DOT",
		Long: `Export a recorded call's line-execution graph in Graphviz DOT format.

The graph has one node per executed source line (repeat visits collapse
into the node's generations) and one edge per observed transition, each
labelled with the variable changes across it.

With --against, exports an edit graph instead: both calls' graphs are
aligned line by line and every node and edge is coloured by whether it
appears only in the first call, only in the second, in both, or in both
with differing variable states.

Examples:
  retrace graph 12 --db ./trace.db
  retrace graph 12 --against 47 --db ./trace.db --out diff.dot`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid call ID %q", args[0]))
			}
			return runGraph(opts, cmd, id)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().Int64Var(&opts.Against, "against", 0, "second call ID: export an edit graph of the two calls")
	cmd.Flags().StringVar(&opts.Out, "out", "", "write DOT to file instead of stdout")

	return cmd
}

func runGraph(opts *GraphOptions, cmd *cobra.Command, callID int64) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	g1, err := graphForCall(ctx, st, callID)
	if err != nil {
		return err
	}

	var dot string
	if opts.Against != 0 {
		g2, err := graphForCall(ctx, st, opts.Against)
		if err != nil {
			return err
		}
		dot = tracediff.EditGraphOf(g1, g2, tracediff.LineMapping{}).DOT()
	} else {
		dot = g1.DOT()
	}

	if opts.Out != "" {
		if err := os.WriteFile(opts.Out, []byte(dot), 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output file", err)
		}
		if opts.Verbose {
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", opts.Out)
		}
		return nil
	}

	fmt.Fprint(cmd.OutOrStdout(), dot)
	return nil
}

func graphForCall(ctx context.Context, st *store.Store, callID int64) (*tracediff.Graph, error) {
	if _, err := st.GetCall(ctx, callID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("call %d not found", callID))
		}
		return nil, WrapExitError(ExitCommandError, "failed to load call", err)
	}
	steps, err := tracediff.StepsForCall(ctx, st, callID)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load call snapshots", err)
	}
	if len(steps) == 0 {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("call %d has no snapshots", callID))
	}
	return tracediff.BuildGraph(steps), nil
}
