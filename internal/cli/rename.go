package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var renameCmd = &cobra.Command{
	Use:   "rename <conversation-id> <title>",
	Short: "Rename a saved conversation",
	Long: `Set the title of a saved conversation.

Examples:
  dave rename 42 "Release planning"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRename,
}

func runRename(cmd *cobra.Command, args []string) error {
	id, title := args[0], strings.Join(args[1:], " ")

	if err := store.RenameConversation(context.Background(), id, title); err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", id, strings.TrimSpace(title))
	return nil
}
