package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"list", "ls"},
	Short:   "List saved conversations by recency",
	Long: `List saved conversations grouped into Today, Yesterday, This Week and
Older, newest first.

Examples:
  dave history
  dave history --limit 10
  dave history --json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "max conversations per group (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print groups as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if err := store.RefreshList(ctx); err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	groups := store.Snapshot().ConversationGroups
	out := cmd.OutOrStdout()

	if historyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	}

	if len(groups) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}

	heading := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.FgHiBlack)
	for i, g := range groups {
		if i > 0 {
			fmt.Fprintln(out)
		}
		heading.Fprintf(out, "%s (%d)\n", g.Name, len(g.Conversations))
		for j, c := range g.Conversations {
			if historyLimit > 0 && j == historyLimit {
				dim.Fprintf(out, "  ... %d more\n", len(g.Conversations)-historyLimit)
				break
			}
			fmt.Fprintf(out, "  %s %s", dim.Sprintf("%-8s", c.ID), c.Title)
			if verbose {
				fmt.Fprint(out, dim.Sprintf("  %s", c.UpdatedAt.Local().Format(time.DateTime)))
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}
