package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aivorynet/ipa-go/pkg/pattern"
)

// MatchResult is the JSON output of the match command.
type MatchResult struct {
	Name     string `json:"name"`
	Patterns string `json:"patterns"`
	Match    bool   `json:"match"`
}

// NewMatchCommand creates the match command.
func NewMatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "match NAME PATTERNS",
		Short: "Check a function or exception name against a watch-list",
		Long: `Check NAME against a space separated watch-list. '?' matches one
character and the first '*' matches any run of characters.

Exits 1 when nothing matches.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result := MatchResult{
				Name:     args[0],
				Patterns: args[1],
				Match:    pattern.Match(args[0], args[1]),
			}

			if rootOpts.Format == "json" {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else if result.Match {
				fmt.Fprintf(cmd.OutOrStdout(), "%s matches %q\n", result.Name, result.Patterns)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s does not match %q\n", result.Name, result.Patterns)
			}

			if !result.Match {
				return NewExitError(ExitFailure, "no match")
			}
			return nil
		},
	}
}
