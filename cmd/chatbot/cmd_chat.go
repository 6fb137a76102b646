package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/chatbot/internal/chat"
	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/types"
)

var (
	chatNew   string
	chatTitle string
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatNew, "new", "", "start a new conversation with this first message")
	chatCmd.Flags().StringVar(&chatTitle, "title", "", "title for a new conversation")
}

var chatCmd = &cobra.Command{
	Use:   "chat [conversation-id]",
	Short: "Chat interactively",
	Long: `Chat interactively. Lines are sent as messages; lines starting with "/"
are commands (/help lists them). Replies of conversations you switch away
from keep streaming and are announced when they finish.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(true)
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := a.svc.Refresh(ctx); err != nil {
			return err
		}
		if a.cfg.Prefetch > 0 {
			go func() {
				if err := a.svc.Prefetch(ctx, a.cfg.Prefetch); err != nil {
					a.hub.Notify(ctx, types.Notification{Level: types.LevelWarn, Title: "Prefetch failed", Detail: err.Error()})
				}
			}()
		}

		r := newRepl(a, os.Stdout)
		switch {
		case chatNew != "":
			first := types.Message{Content: types.Text(chatNew)}
			conv, err := a.svc.NewConversation(ctx, chatTitle, &first)
			if err != nil {
				return err
			}
			r.follow(conv.ID)
			r.echo(first.Content.String())
		case len(args) == 1:
			if err := r.open(ctx, types.ConvID(args[0])); err != nil {
				return err
			}
		default:
			r.printList()
		}
		return r.run(ctx, os.Stdin)
	},
}

// repl prints the conversation on screen as it changes and turns input lines
// into messages and commands.
type repl struct {
	app     *app
	out     io.Writer
	printed map[types.MessageID]string
}

func newRepl(a *app, out io.Writer) *repl {
	return &repl{app: a, out: out, printed: make(map[types.MessageID]string)}
}

var (
	promptColor    = color.New(color.FgBlue, color.Bold)
	assistantColor = color.New(color.FgGreen, color.Bold)
	dimColor       = color.New(color.Faint)
)

func (r *repl) run(ctx context.Context, in io.Reader) error {
	changes := r.app.svc.Messages().Subscribe(ctx)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c.ConvID == r.app.svc.Messages().Active() {
				r.catchUp()
			}
		case line, ok := <-lines:
			if !ok {
				r.app.svc.Wait()
				r.catchUp()
				return nil
			}
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintln(r.out, color.RedString("error:"), err)
			}
			if quit {
				return nil
			}
			r.prompt()
		}
	}
}

func (r *repl) prompt() {
	active := r.app.svc.Messages().Active()
	label := "no conversation"
	if active != "" {
		label = string(active)
		if c, ok := r.app.svc.Convs().Get(active); ok && c.Title != "" {
			label = c.Title
		}
	}
	promptColor.Fprintf(r.out, "%s> ", label)
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	active := r.app.svc.Messages().Active()
	if !strings.HasPrefix(line, "/") {
		if active == "" {
			return false, errors.New("no conversation open; use /new or /open")
		}
		_, err := r.app.svc.Send(ctx, active, types.Message{Content: types.Text(line)})
		if errors.Is(err, chat.ErrThrottled) {
			return false, errors.New("slow down: message dropped")
		}
		return false, err
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "exit", "q":
		return true, nil
	case "help":
		fmt.Fprintln(r.out, `/list              list conversations
/more              load the next page of the list
/open <id>         switch to a conversation
/new [title]       start a conversation
/stop              interrupt the current answer
/upload <path>...  attach files
/rename <title>    rename the current conversation
/pin, /unpin       pin or unpin the current conversation
/streams           show open streams
/quit              leave`)
	case "list":
		r.printList()
	case "more":
		more, err := r.app.svc.LoadMore(ctx)
		if err != nil {
			return false, err
		}
		r.printList()
		if !more {
			dimColor.Fprintln(r.out, "(end of list)")
		}
	case "open":
		return false, r.open(ctx, types.ConvID(arg))
	case "new":
		conv, err := r.app.svc.NewConversation(ctx, arg, nil)
		if err != nil {
			return false, err
		}
		r.follow(conv.ID)
	case "stop":
		return false, r.app.svc.Interrupt(ctx, active)
	case "upload":
		var files []chat.File
		for _, p := range strings.Fields(arg) {
			f, err := chat.FileFromPath(p)
			if err != nil {
				return false, err
			}
			files = append(files, f)
		}
		return false, r.app.svc.Upload(ctx, active, files)
	case "rename":
		return false, r.app.svc.Rename(ctx, active, arg)
	case "pin", "unpin":
		return false, r.app.svc.Pin(ctx, active, cmd == "pin")
	case "streams":
		for _, s := range r.app.svc.Streams().Snapshot() {
			fmt.Fprintf(r.out, "%s open=%t connected=%t answering=%t unread=%t\n", s.ConvID, s.Open, s.Connected, s.Answering, s.Unread)
		}
	default:
		return false, fmt.Errorf("unknown command /%s", cmd)
	}
	return false, nil
}

// open shows a conversation: its history is printed once, after which only
// new text is.
func (r *repl) open(ctx context.Context, id types.ConvID) error {
	if id == "" {
		return errors.New("conversation id required")
	}
	if err := r.app.svc.Open(ctx, id); err != nil {
		return err
	}
	conv, ok := r.app.svc.Convs().Get(id)
	if !ok {
		conv = types.Conversation{ID: id}
	}
	groups := r.app.svc.Messages().Groups(id)
	fmt.Fprint(r.out, r.app.renderer.Render(conv, groups))
	r.mark(groups)
	return nil
}

// follow switches to a conversation without printing its history.
func (r *repl) follow(id types.ConvID) {
	r.app.svc.View(id)
	r.mark(r.app.svc.Messages().Groups(id))
}

func (r *repl) mark(groups []types.Group) {
	for _, m := range state.Flatten(groups) {
		r.printed[m.ID] = m.Content.String()
	}
}

func (r *repl) echo(text string) {
	promptColor.Fprint(r.out, "you> ")
	fmt.Fprintln(r.out, text)
}

// catchUp prints what arrived on the active conversation since last time.
// Text that was replaced rather than extended is printed again in full.
func (r *repl) catchUp() {
	active := r.app.svc.Messages().Active()
	for _, m := range state.Flatten(r.app.svc.Messages().Groups(active)) {
		if m.Type == types.MessageHuman {
			r.printed[m.ID] = m.Content.String()
			continue
		}
		text := m.Content.String()
		prev, seen := r.printed[m.ID]
		if seen && prev == text {
			continue
		}
		switch {
		case !seen:
			fmt.Fprintln(r.out)
			assistantColor.Fprint(r.out, "assistant> ")
			fmt.Fprint(r.out, text)
		case strings.HasPrefix(text, prev):
			fmt.Fprint(r.out, text[len(prev):])
		default:
			fmt.Fprintln(r.out)
			assistantColor.Fprint(r.out, "assistant> ")
			fmt.Fprint(r.out, text)
		}
		r.printed[m.ID] = text
	}
}

func (r *repl) printList() {
	convs := r.app.svc.Convs().Convs()
	if len(convs) == 0 {
		fmt.Fprintln(r.out, "No conversations. Use /new to start one.")
		return
	}
	printConvs(r.out, convs, r.app.svc.Streams())
}
