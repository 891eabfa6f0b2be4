package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/retrace/internal/store"
	"github.com/roach88/retrace/internal/value"
)

// CallsOptions holds flags for the calls command.
type CallsOptions struct {
	*RootOptions
	Database string
	Function string
	File     string
	Session  int64
	Errored  bool
	Limit    int
	Delete   bool
}

// CallSummary is one call row in list output.
type CallSummary struct {
	ID        int64      `json:"id"`
	Function  string     `json:"function"`
	File      string     `json:"file,omitempty"`
	Line      int        `json:"line,omitempty"`
	SessionID *int64     `json:"session_id,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// CallDetail is the full view of a single call.
type CallDetail struct {
	CallSummary
	ParentCallID   *int64            `json:"parent_call_id,omitempty"`
	OrderInSession *int              `json:"order_in_session,omitempty"`
	OrderInParent  *int              `json:"order_in_parent,omitempty"`
	Locals         map[string]string `json:"locals,omitempty"`
	Globals        map[string]string `json:"globals,omitempty"`
	Return         string            `json:"return,omitempty"`
	Children       []int64           `json:"children,omitempty"`
	Snapshots      int               `json:"snapshots"`
}

// NewCallsCommand creates the calls command.
func NewCallsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "calls [call-id]",
		Short: "List or show recorded calls",
		Long: `List recorded calls, or show one call in full.

Without arguments, lists calls newest first, optionally filtered by
function name, file, session, or error state. With a call ID argument,
shows the call's captured locals, globals, return value, children, and
snapshot count; --delete removes the call, its children, and their
snapshots instead (stored values are shared and stay).

Examples:
  retrace calls --db ./trace.db --function process_order
  retrace calls --db ./trace.db --session 2 --errored
  retrace calls 42 --db ./trace.db
  retrace calls 42 --db ./trace.db --delete`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid call ID %q", args[0]))
				}
				if opts.Delete {
					return runCallDelete(opts, cmd, id)
				}
				return runCallShow(opts, cmd, id)
			}
			if opts.Delete {
				return NewExitError(ExitCommandError, "--delete requires a call ID")
			}
			return runCallList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Function, "function", "", "filter by function name")
	cmd.Flags().StringVar(&opts.File, "file", "", "filter by source file")
	cmd.Flags().Int64Var(&opts.Session, "session", 0, "filter by session ID")
	cmd.Flags().BoolVar(&opts.Errored, "errored", false, "only calls that ended in an error")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of calls to list")
	cmd.Flags().BoolVar(&opts.Delete, "delete", false, "delete the call and its descendants")

	return cmd
}

func runCallList(opts *CallsOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	filter := store.CallFilter{
		Function: opts.Function,
		File:     opts.File,
		Errored:  opts.Errored,
		Limit:    opts.Limit,
	}
	if opts.Session != 0 {
		filter.SessionID = &opts.Session
	}

	calls, err := st.SearchCalls(ctx, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to search calls", err)
	}

	summaries := make([]CallSummary, 0, len(calls))
	for _, c := range calls {
		summaries = append(summaries, summarize(c))
	}

	if opts.Format == "json" {
		return outputJSON(cmd, summaries)
	}

	w := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No calls found.")
		return nil
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "[%d] %s", s.ID, s.Function)
		if s.File != "" {
			fmt.Fprintf(w, " (%s:%d)", s.File, s.Line)
		}
		if s.SessionID != nil {
			fmt.Fprintf(w, " session=%d", *s.SessionID)
		}
		if s.Error != "" {
			fmt.Fprintf(w, " ERROR: %s", s.Error)
		}
		fmt.Fprintln(w)
	}

	return nil
}

func runCallShow(opts *CallsOptions, cmd *cobra.Command, id int64) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	call, err := st.GetCall(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewExitError(ExitCommandError, fmt.Sprintf("call %d not found", id))
		}
		return WrapExitError(ExitCommandError, "failed to load call", err)
	}

	detail := CallDetail{
		CallSummary:    summarize(call),
		ParentCallID:   call.ParentCallID,
		OrderInSession: call.OrderInSession,
		OrderInParent:  call.OrderInParent,
	}

	detail.Locals, err = displayRefs(ctx, st, call.LocalsRefs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load locals", err)
	}
	detail.Globals, err = displayRefs(ctx, st, call.GlobalsRefs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load globals", err)
	}
	if call.ReturnRef != nil {
		v, err := st.GetValue(ctx, *call.ReturnRef)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load return value", err)
		}
		detail.Return = value.Display(v)
	}

	children, err := st.ChildCalls(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load children", err)
	}
	for _, c := range children {
		detail.Children = append(detail.Children, c.ID)
	}

	snaps, err := st.SnapshotsForCall(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load snapshots", err)
	}
	detail.Snapshots = len(snaps)

	if opts.Format == "json" {
		return outputJSON(cmd, detail)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Call %d: %s\n", detail.ID, detail.Function)
	if detail.File != "" {
		fmt.Fprintf(w, "  at %s:%d\n", detail.File, detail.Line)
	}
	if detail.SessionID != nil {
		fmt.Fprintf(w, "  session: %d", *detail.SessionID)
		if detail.OrderInSession != nil {
			fmt.Fprintf(w, " (order %d)", *detail.OrderInSession)
		}
		fmt.Fprintln(w)
	}
	if detail.ParentCallID != nil {
		fmt.Fprintf(w, "  parent: call %d\n", *detail.ParentCallID)
	}
	printSlots(cmd, "locals", detail.Locals)
	printSlots(cmd, "globals", detail.Globals)
	if detail.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", detail.Error)
	} else if detail.Return != "" {
		fmt.Fprintf(w, "  return: %s\n", detail.Return)
	}
	if len(detail.Children) > 0 {
		fmt.Fprintf(w, "  children: %v\n", detail.Children)
	}
	fmt.Fprintf(w, "  snapshots: %d\n", detail.Snapshots)

	return nil
}

func runCallDelete(opts *CallsOptions, cmd *cobra.Command, id int64) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if _, err := st.GetCall(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewExitError(ExitCommandError, fmt.Sprintf("call %d not found", id))
		}
		return WrapExitError(ExitCommandError, "failed to load call", err)
	}
	if err := st.DeleteCall(ctx, id); err != nil {
		return WrapExitError(ExitCommandError, "failed to delete call", err)
	}

	if opts.Format == "json" {
		return outputJSON(cmd, map[string]int64{"deleted_call_id": id})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted call %d\n", id)
	return nil
}

func summarize(c store.CallRecord) CallSummary {
	s := CallSummary{
		ID:        c.ID,
		Function:  c.Function,
		File:      c.File,
		Line:      c.Line,
		SessionID: c.SessionID,
		StartTime: c.StartTime,
		EndTime:   c.EndTime,
	}
	if c.ErrorText != nil {
		s.Error = *c.ErrorText
	}
	return s
}

// displayRefs resolves a ref map to human-readable value renderings.
func displayRefs(ctx context.Context, st *store.Store, refs store.RefMap) (map[string]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(refs))
	for name, ref := range refs {
		v, err := st.GetValue(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		out[name] = value.Display(v)
	}
	return out, nil
}

func printSlots(cmd *cobra.Command, label string, slots map[string]string) {
	if len(slots) == 0 {
		return
	}
	w := cmd.OutOrStdout()
	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "  %s:\n", label)
	for _, k := range keys {
		fmt.Fprintf(w, "    %s = %s\n", k, slots[k])
	}
}
