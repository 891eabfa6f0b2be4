package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/retrace/internal/record"
	"github.com/roach88/retrace/internal/replay"
	"github.com/roach88/retrace/internal/store"
)

// defaultLoader resolves functions for the replay command. Binaries that
// embed the CLI register their instrumented functions here before Execute;
// the bare CLI can only replay with every callee mocked.
var defaultLoader = replay.NewMapLoader()

// RegisterFunction makes a function available to the replay command under
// the recorded name.
func RegisterFunction(name string, params []string, fn replay.Func) {
	defaultLoader.Register(name, params, fn)
}

// ReplayLoader exposes the loader used by the replay command.
func ReplayLoader() *replay.MapLoader {
	return defaultLoader
}

// OnReplayRecorder, when set, receives the recorder created for a recording
// replay before the engine runs. Embedders use it to point their
// instrumented functions at the active recorder.
var OnReplayRecorder func(*record.Recorder)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	PlanPath string
}

// ReplayRunResult holds the replay outcome for command output.
type ReplayRunResult struct {
	StartCallID int64  `json:"start_call_id"`
	Steps       int    `json:"steps"`
	BranchRoot  *int64 `json:"branch_root_call_id,omitempty"`
	StepError   string `json:"step_error,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded call sequence from a plan file",
		Long: `Replay a recorded call sequence, re-executing each call with its
captured state.

The plan file is YAML:

  start_call_id: 12
  session_name: retry with fix
  ignore_globals: [config]
  mock_functions: [fetch_rates]
  record: true

With record enabled, the replayed calls are committed as a new session
branching from the original; a failed step keeps the steps before it.

Exit codes:
  0 - replay completed
  1 - replay aborted or stopped on a failed step
  2 - command error (bad plan, database not found, etc.)

Examples:
  retrace replay --db ./trace.db --plan ./plan.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplayPlan(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.PlanPath, "plan", "", "path to YAML replay plan (required)")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func runReplayPlan(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	plan, err := replay.LoadPlan(opts.PlanPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load replay plan", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var rec *record.Recorder
	if plan.Record {
		rec = record.NewRecorder(st)
		if OnReplayRecorder != nil {
			OnReplayRecorder(rec)
		}
	}
	engine := replay.NewEngine(st, defaultLoader, rec)

	res, err := engine.ReplaySequence(ctx, plan.StartCallID, plan.Options())
	if err != nil {
		return WrapExitError(ExitFailure, "replay aborted", err)
	}

	result := ReplayRunResult{
		StartCallID: plan.StartCallID,
		Steps:       res.Steps,
		BranchRoot:  res.BranchRootID,
	}
	if res.StepErr != nil {
		result.StepError = res.StepErr.Error()
	}

	if opts.Format == "json" {
		if err := outputJSON(cmd, result); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Replayed %d step(s) from call %d\n", result.Steps, result.StartCallID)
		if result.BranchRoot != nil {
			fmt.Fprintf(w, "Branch root: call %d\n", *result.BranchRoot)
		}
		if result.StepError != "" {
			fmt.Fprintf(w, "Stopped early: %s\n", result.StepError)
		}
	}

	if res.StepErr != nil {
		return NewExitError(ExitFailure, "replay stopped on a failed step")
	}
	return nil
}
