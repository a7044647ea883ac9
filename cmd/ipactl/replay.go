package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aivorynet/ipa-go/pkg/replay"
	"github.com/aivorynet/ipa-go/pkg/trace"
)

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay FILE...",
		Short: "Replay scenario files against a fresh session",
		Long: `Replay scripted trace events and commands and print the resulting hits.

Exit codes:
  0 - Every event produced the expected stop decision
  1 - At least one expectation failed
  2 - A scenario could not be loaded`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, cmd, args)
		},
	}
}

func runReplay(opts *RootOptions, cmd *cobra.Command, files []string) error {
	logger := opts.logger(cmd.ErrOrStderr())

	results := make([]*replay.Result, 0, len(files))
	failures := 0
	for _, file := range files {
		s, err := replay.Load(file)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to load %s", file), err)
		}
		result, err := replay.Run(s, replay.WithLogger(logger))
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", file), err)
		}
		results = append(results, result)
		failures += len(result.Failures)
	}

	if opts.Format == "json" {
		var out interface{} = results
		if len(results) == 1 {
			out = results[0]
		}
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		for _, result := range results {
			writeReplayText(cmd.OutOrStdout(), result, opts.Verbose)
		}
	}

	if failures > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d expectation(s) failed", failures))
	}
	return nil
}

func writeReplayText(w io.Writer, result *replay.Result, verbose bool) {
	fmt.Fprintf(w, "%s: %d hit(s), %d breakpoint(s)\n", result.Name, result.Hits, len(result.Breakpoints))
	for _, e := range result.Trace {
		switch {
		case e.Hit != nil:
			fmt.Fprintf(w, "  step %d: %s\n", e.Step, describeHit(e.Hit))
		case e.Slot != nil:
			fmt.Fprintf(w, "  step %d: inserted slot %d\n", e.Step, *e.Slot)
		default:
			fmt.Fprintf(w, "  step %d: error: %s\n", e.Step, e.Error)
		}
	}
	if verbose {
		for _, bp := range result.Breakpoints {
			fmt.Fprintf(w, "  slot %d: breakpoint %d at %s:%d %s, %d hit(s)\n",
				bp.Slot, bp.ID, bp.File, bp.Line, bp.State, bp.HitCount)
		}
	}
	for _, f := range result.Failures {
		fmt.Fprintf(w, "  FAIL %s\n", f)
	}
}

func describeHit(h *trace.Hit) string {
	where := fmt.Sprintf("thread %d at %s:%d in %s", h.Thread, h.File, h.Line, h.Function)
	switch h.Reason {
	case trace.ReasonBreakpoint:
		return fmt.Sprintf("breakpoint %d (slot %d) %s", h.BreakpointID, h.Slot, where)
	case trace.ReasonCatchException:
		return fmt.Sprintf("%s %s %s", h.Reason, h.Exception, where)
	default:
		return fmt.Sprintf("%s %s", h.Reason, where)
	}
}
