package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/retrace/internal/store"
)

// SessionsOptions holds flags for the sessions command.
type SessionsOptions struct {
	*RootOptions
	Database string
	Branches bool
}

// SessionInfo is one session row in the command output.
type SessionInfo struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     *time.Time   `json:"end_time,omitempty"`
	EntryPoint  *int64       `json:"entry_point_call_id,omitempty"`
	Calls       int          `json:"calls"`
	Branches    []BranchInfo `json:"branches,omitempty"`
}

// BranchInfo describes a replay branch forked from a session.
type BranchInfo struct {
	BranchSession int64 `json:"branch_session"`
	RootCallID    int64 `json:"root_call_id"`
	ParentCallID  int64 `json:"parent_call_id"`
	AttachedAt    int   `json:"attached_at"`
}

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		Long: `List recorded sessions in creation order.

Each session is an ordered group of top-level call records. Replay runs
with recording enabled appear as separate sessions; pass --branches to
show where each branch forked from its parent session.

Examples:
  retrace sessions --db ./trace.db
  retrace sessions --db ./trace.db --branches
  retrace sessions --db ./trace.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.Branches, "branches", false, "show replay branches forked from each session")

	return cmd
}

func runSessions(opts *SessionsOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		count, err := st.CountSessionCalls(ctx, s.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to count session calls", err)
		}
		info := SessionInfo{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			StartTime:   s.StartTime,
			EndTime:     s.EndTime,
			EntryPoint:  s.EntryPointCallID,
			Calls:       count,
		}
		if opts.Branches {
			branches, err := st.BranchesOf(ctx, s.ID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to resolve branches", err)
			}
			for _, b := range branches {
				info.Branches = append(info.Branches, BranchInfo{
					BranchSession: b.BranchSession,
					RootCallID:    b.RootCallID,
					ParentCallID:  b.ParentCallID,
					AttachedAt:    b.AttachedAt,
				})
			}
		}
		infos = append(infos, info)
	}

	if opts.Format == "json" {
		return outputJSON(cmd, infos)
	}

	w := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return nil
	}
	for _, info := range infos {
		fmt.Fprintf(w, "[%d] %s (%d calls)\n", info.ID, info.Name, info.Calls)
		if info.Description != "" {
			fmt.Fprintf(w, "    %s\n", info.Description)
		}
		fmt.Fprintf(w, "    started: %s", info.StartTime.Format(time.RFC3339))
		if info.EndTime != nil {
			fmt.Fprintf(w, "  ended: %s", info.EndTime.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
		if opts.Verbose && info.EntryPoint != nil {
			fmt.Fprintf(w, "    entry point: call %d\n", *info.EntryPoint)
		}
		for _, b := range info.Branches {
			fmt.Fprintf(w, "    branch -> session %d (call %d forked from call %d at order %d)\n",
				b.BranchSession, b.RootCallID, b.ParentCallID, b.AttachedAt)
		}
	}

	return nil
}
