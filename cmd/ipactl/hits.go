package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aivorynet/ipa-go/pkg/journal"
)

// HitsOptions holds flags for the hits command.
type HitsOptions struct {
	*RootOptions
	Database    string
	SessionID   string
	Reason      string
	Fingerprint string
	Limit       int
	ID          string
}

// NewHitsCommand creates the hits command.
func NewHitsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HitsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "hits",
		Short: "List hits recorded in a journal",
		Long: `List hits recorded in an agent's hit journal, oldest first.

With --id the full capture of one hit is printed as JSON.

Examples:
  ipactl hits --db ipa-hits.db
  ipactl hits --db ipa-hits.db --reason breakpoint --limit 10
  ipactl hits --db ipa-hits.db --id 5f0c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHits(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "only hits of this session")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "only hits with this reason")
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "only hits with this fingerprint")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of hits (0 for all)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "print the capture of one hit")

	return cmd
}

func runHits(ctx context.Context, opts *HitsOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := journal.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	if opts.ID != "" {
		c, err := st.Get(ctx, opts.ID)
		if errors.Is(err, journal.ErrNotFound) {
			return WrapExitError(ExitFailure, "no such hit", err)
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read hit", err)
		}
		return writeJSON(cmd.OutOrStdout(), c)
	}

	entries, err := st.List(ctx, journal.Filter{
		SessionID:   opts.SessionID,
		Reason:      opts.Reason,
		Fingerprint: opts.Fingerprint,
		Limit:       opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list hits", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No hits found in journal.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tREASON\tBREAKPOINT\tTHREAD\tLOCATION\tFUNCTION\tCAPTURED")
	for _, e := range entries {
		bp := "-"
		if e.BreakpointID != 0 {
			bp = fmt.Sprintf("%d", e.BreakpointID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s:%d\t%s\t%s\n",
			e.Seq, e.Reason, bp, e.Thread, e.File, e.Line, e.Function, e.CapturedAt)
		if opts.Verbose {
			fmt.Fprintf(tw, "\t%s\t\t\t%s\t\t\n", e.ID, e.Fingerprint)
		}
	}
	return tw.Flush()
}
