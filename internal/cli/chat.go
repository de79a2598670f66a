package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/davechat/internal/models"
	"github.com/raphaelgruber/davechat/internal/session"
	"github.com/raphaelgruber/davechat/internal/tui"
)

// maxListedSources limits the source titles printed under an answer.
const maxListedSources = 5

var (
	chatConversation string
	chatPlain        bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with Dave",
	Long: `Start a chat with Dave.

With a message argument, sends it, prints the streamed answer and exits.
Without one, opens the interactive chat on a terminal, or reads one message
per line from stdin otherwise.

Ctrl+C cancels the answer in progress; pressed again while idle, it exits.

Examples:
  dave chat
  dave chat "what did we decide about the release?"
  dave chat --conversation 42 "and the follow-up?"
  echo "summarize my week" | dave chat`,
	RunE: runChat,
}

func init() {
	addChatFlags(chatCmd)
}

func addChatFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "resume a saved conversation by id")
	cmd.Flags().BoolVar(&chatPlain, "plain", false, "line mode even on a terminal")
}

// interactive reports whether cmd will take over the terminal.
func interactive(cmd *cobra.Command) bool {
	if cmd.HasParent() && cmd.Name() != "chat" {
		return false
	}
	if chatPlain || cmd.Flags().NArg() > 0 {
		return false
	}
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if chatConversation != "" {
		if err := store.LoadConversation(ctx, chatConversation); err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
	}

	if interactive(cmd) {
		return tui.Run(ctx, store)
	}

	stopSignals := cancelOnInterrupt(ctx, cancel)
	defer stopSignals()

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		return sendAndPrint(ctx, store, out, strings.Join(args, " "))
	}
	return chatLines(ctx, store, cmd.InOrStdin(), out)
}

// cancelOnInterrupt makes SIGINT cancel the exchange in progress, or stop the
// command when nothing is running.
func cancelOnInterrupt(ctx context.Context, cancel context.CancelFunc) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				if store.Snapshot().Status.Active() {
					store.Cancel()
					continue
				}
				cancel()
				return
			}
		}
	}()
	return func() { signal.Stop(sigs) }
}

// chatLines sends each non-empty input line and prints the answers. Exchange
// failures are reported and the loop continues.
func chatLines(ctx context.Context, s *session.Store, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := sendAndPrint(ctx, s, out, line); err != nil {
				printError(err)
			}
		}
	}
}

// sendAndPrint runs one exchange, streaming the answer to out as it arrives.
func sendAndPrint(ctx context.Context, s *session.Store, out io.Writer, text string) error {
	subCtx, unsubscribe := context.WithCancel(ctx)
	states, _ := s.Subscribe(subCtx)

	p := &answerPrinter{out: out, index: len(s.Snapshot().Messages) + 1}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for st := range states {
			p.update(st)
		}
	}()

	err := s.SendMessage(ctx, text)
	unsubscribe()
	<-done

	if errors.Is(err, session.ErrBusy) || errors.Is(err, session.ErrEmptyMessage) {
		return err
	}
	p.finish(s.Snapshot())
	return err
}

// answerPrinter writes the growing assistant message as deltas.
type answerPrinter struct {
	out     io.Writer
	index   int // position of the assistant message in the transcript
	printed int
	tool    string
	started bool
}

func (p *answerPrinter) update(st session.State) {
	if st.Status == models.StatusToolExecuting && st.CurrentTool != p.tool {
		p.tool = st.CurrentTool
		p.newline()
		fmt.Fprintln(p.out, color.New(color.FgYellow).Sprintf("⚙ using %s", p.tool))
	}
	if p.index >= len(st.Messages) {
		return
	}
	msg := st.Messages[p.index]
	if msg.Role != models.RoleAssistant || len(msg.Content) <= p.printed {
		return
	}
	if !p.started {
		color.New(color.FgGreen, color.Bold).Fprint(p.out, "Dave: ")
		p.started = true
	}
	fmt.Fprint(p.out, msg.Content[p.printed:])
	p.printed = len(msg.Content)
}

// finish prints whatever the last snapshot added and the sources.
func (p *answerPrinter) finish(st session.State) {
	p.update(st)
	p.newline()

	if p.index >= len(st.Messages) {
		return
	}
	if sources := st.Messages[p.index].Sources; len(sources) > 0 {
		fmt.Fprintln(p.out, color.New(color.FgHiBlack).Sprint("sources: "+sourceTitles(sources)))
	}
}

func (p *answerPrinter) newline() {
	if p.started && p.printed > 0 {
		fmt.Fprintln(p.out)
		p.started = false
	}
}

func sourceTitles(sources []models.Source) string {
	titles := make([]string, 0, maxListedSources+1)
	for i, src := range sources {
		if i == maxListedSources {
			titles = append(titles, fmt.Sprintf("+%d more", len(sources)-maxListedSources))
			break
		}
		titles = append(titles, src.Title)
	}
	return strings.Join(titles, ", ")
}

func printError(err error) {
	fmt.Fprintln(os.Stderr, color.New(color.FgRed, color.Bold).Sprintf("✗ %v", err))
}
