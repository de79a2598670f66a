package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/davechat/internal/models"
)

var showCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a saved conversation",
	Long: `Print the full transcript of a saved conversation.

Examples:
  dave show 42`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	conv, err := apiClient.GetConversation(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}

	out := cmd.OutOrStdout()
	dim := color.New(color.FgHiBlack)
	color.New(color.Bold).Fprintln(out, conv.DisplayTitle())
	dim.Fprintf(out, "%s · updated %s\n\n", conv.ID, conv.UpdatedAt.Local().Format(time.DateTime))

	user := color.New(color.FgCyan, color.Bold)
	assistant := color.New(color.FgGreen, color.Bold)
	for _, m := range conv.Messages {
		if m.Role == models.RoleUser {
			user.Fprint(out, "You: ")
		} else {
			assistant.Fprint(out, "Dave: ")
		}
		fmt.Fprintln(out, m.Content)
		if len(m.Sources) > 0 {
			dim.Fprintln(out, "sources: "+sourceTitles(m.Sources))
		}
		fmt.Fprintln(out)
	}
	return nil
}
