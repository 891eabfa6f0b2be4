package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/retrace/internal/store"
	"github.com/roach88/retrace/internal/value"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Values   bool
}

// VersionInfo is one version row in history output.
type VersionInfo struct {
	VersionID     int64     `json:"version_id"`
	VersionNumber int       `json:"version_number"`
	ContentID     string    `json:"content_id"`
	Timestamp     time.Time `json:"timestamp"`
	Value         string    `json:"value,omitempty"`
}

// HistoryResult holds the version history of one identity.
type HistoryResult struct {
	IdentityID int64         `json:"identity_id"`
	Name       string        `json:"name"`
	Versions   []VersionInfo `json:"versions"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <identity-id>",
		Short: "Show the version history of an identity",
		Long: `Show the version history of a tracked identity.

An identity is a logical slot (a variable) whose value changed over a
recorded run. Versions are numbered from 1 with no gaps; consecutive
stores of an unchanged value share one version.

Examples:
  retrace history 3 --db ./trace.db
  retrace history 3 --db ./trace.db --values
  retrace history 3 --db ./trace.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid identity ID %q", args[0]))
			}
			return runHistory(opts, cmd, id)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.Values, "values", false, "resolve and render each version's value")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command, identityID int64) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	identity, err := st.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewExitError(ExitCommandError, fmt.Sprintf("identity %d not found", identityID))
		}
		return WrapExitError(ExitCommandError, "failed to load identity", err)
	}

	versions, err := st.History(ctx, identityID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load history", err)
	}

	result := HistoryResult{
		IdentityID: identity.ID,
		Name:       identity.Name,
		Versions:   make([]VersionInfo, 0, len(versions)),
	}
	for _, ver := range versions {
		info := VersionInfo{
			VersionID:     ver.ID,
			VersionNumber: ver.VersionNumber,
			ContentID:     ver.ContentID,
			Timestamp:     ver.Timestamp,
		}
		if opts.Values {
			v, err := st.GetValue(ctx, ver.ContentID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to resolve version value", err)
			}
			info.Value = value.Display(v)
		}
		result.Versions = append(result.Versions, info)
	}

	if opts.Format == "json" {
		return outputJSON(cmd, result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Identity %d: %s\n", result.IdentityID, result.Name)
	if len(result.Versions) == 0 {
		fmt.Fprintln(w, "  (no versions)")
		return nil
	}
	for _, info := range result.Versions {
		fmt.Fprintf(w, "  v%d  %s", info.VersionNumber, truncateID(info.ContentID))
		if info.Value != "" {
			fmt.Fprintf(w, "  %s", info.Value)
		}
		if opts.Verbose {
			fmt.Fprintf(w, "  (%s)", info.Timestamp.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}

	return nil
}
