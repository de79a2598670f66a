package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	deleteForce bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a saved conversation",
	Long: `Delete a saved conversation from the backend.

Requires confirmation unless --force is used. Without a terminal to ask on,
--force is required.

Examples:
  dave delete 42
  dave delete 42 --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := context.Background()

	// Confirm deletion
	if !deleteForce {
		if !isTerminal(os.Stdin) {
			return fmt.Errorf("refusing to delete %s without --force: stdin is not a terminal", id)
		}

		conv, err := apiClient.GetConversation(ctx, id)
		if err != nil {
			return fmt.Errorf("get conversation: %w", err)
		}
		fmt.Printf("About to delete: %s (%s, %d messages)\n", conv.DisplayTitle(), conv.ID, len(conv.Messages))
		fmt.Print("\nContinue? [y/N]: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	fmt.Printf("Deleted: %s\n", id)
	return nil
}
