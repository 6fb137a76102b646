package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/stream"
	"github.com/user/chatbot/internal/transcript"
	"github.com/user/chatbot/internal/types"
)

var (
	convListAll   bool
	convExportOut string
)

func init() {
	rootCmd.AddCommand(convCmd)
	convCmd.AddCommand(convListCmd, convShowCmd, convRenameCmd, convPinCmd, convUnpinCmd,
		convDeleteCmd, convExportCmd, convReplayCmd)
	convListCmd.Flags().BoolVar(&convListAll, "all", false, "load every page")
	convExportCmd.Flags().StringVarP(&convExportOut, "output", "o", "", "write to file instead of stdout")
}

var convCmd = &cobra.Command{
	Use:     "conv",
	Aliases: []string{"conversation"},
	Short:   "Manage conversations",
}

var convListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		ctx := cmd.Context()

		if err := a.svc.Refresh(ctx); err != nil {
			return err
		}
		for convListAll {
			more, err := a.svc.LoadMore(ctx)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}

		convs := a.svc.Convs().Convs()
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		printConvs(os.Stdout, convs, a.svc.Streams())
		if p := a.svc.Convs().Pagination(); p.NextPage != "" {
			fmt.Printf("\n%d of %d shown; use --all for the rest.\n", len(convs), p.Total)
		}
		return nil
	},
}

func printConvs(out io.Writer, convs []types.Conversation, streams *stream.Registry) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tUPDATED\tFLAGS")
	for _, c := range convs {
		var flags string
		if c.Pinned {
			flags += "pinned "
		}
		if streams != nil && streams.IsAnswering(c.ID) {
			flags += "answering "
		}
		if streams != nil && streams.HasUnreadCompletion(c.ID) {
			flags += "new-reply "
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			c.ID,
			transcript.EllipsisInMiddle(c.Title, transcript.TitleWidth),
			relTime(c.LastMessageAt),
			flags,
		)
	}
	w.Flush()
}

func relTime(t types.Timestamp) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t.Time)
}

var convShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation as markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		text, err := renderConv(cmd.Context(), a, types.ConvID(args[0]))
		if err != nil {
			return err
		}
		fmt.Print(text)
		return nil
	},
}

var convExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a conversation to markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		text, err := renderConv(cmd.Context(), a, types.ConvID(args[0]))
		if err != nil {
			return err
		}
		if convExportOut == "" {
			fmt.Print(text)
			return nil
		}
		if err := os.WriteFile(convExportOut, []byte(text), 0644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Printf("Exported %s to %s (%s).\n", args[0], convExportOut, humanize.Bytes(uint64(len(text))))
		return nil
	},
}

func renderConv(ctx context.Context, a *app, id types.ConvID) (string, error) {
	conv, err := a.client.GetConversation(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get conversation: %w", err)
	}
	return a.renderer.Render(*conv, state.GroupMessages(conv.Messages)), nil
}

var convRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		if err := withConv(cmd.Context(), a, args[0]); err != nil {
			return err
		}
		if err := a.svc.Rename(cmd.Context(), types.ConvID(args[0]), args[1]); err != nil {
			return err
		}
		fmt.Printf("Renamed %s to %q.\n", args[0], args[1])
		return nil
	},
}

var convPinCmd = &cobra.Command{
	Use:   "pin <id>",
	Short: "Pin a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPinned(cmd.Context(), args[0], true) },
}

var convUnpinCmd = &cobra.Command{
	Use:   "unpin <id>",
	Short: "Unpin a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPinned(cmd.Context(), args[0], false) },
}

func setPinned(ctx context.Context, id string, pinned bool) error {
	a := mustApp(false)
	defer a.Close()
	if err := withConv(ctx, a, id); err != nil {
		return err
	}
	if err := a.svc.Pin(ctx, types.ConvID(id), pinned); err != nil {
		return err
	}
	verb := "Pinned"
	if !pinned {
		verb = "Unpinned"
	}
	fmt.Printf("%s %s.\n", verb, id)
	return nil
}

// withConv makes sure the list store knows id, so updates carry its current
// title and pin state.
func withConv(ctx context.Context, a *app, id string) error {
	if _, ok := a.svc.Convs().Get(types.ConvID(id)); ok {
		return nil
	}
	conv, err := a.client.GetConversation(ctx, types.ConvID(id))
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	a.svc.Convs().AddConv(*conv)
	return nil
}

var convDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		if err := a.svc.Delete(cmd.Context(), types.ConvID(args[0])); err != nil {
			return err
		}
		fmt.Printf("Conversation %s deleted.\n", args[0])
		return nil
	},
}

var convReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Rebuild a conversation from the local stream journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		if a.journal == nil {
			return errors.New("journal is disabled; enable it with: chatbot config set journal.enabled true")
		}
		id := types.ConvID(args[0])
		entries, err := a.journal.Tail(cmd.Context(), id, 0)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("no journal entries for %s", id)
		}

		conv, ok := a.svc.Convs().Get(id)
		if !ok {
			conv = types.Conversation{ID: id}
		}
		fmt.Print(a.renderer.Render(conv, state.Replay(entries)))

		first, last := entries[0].At, entries[len(entries)-1].At
		fmt.Printf("\n%d journal entries over %s.\n", len(entries), last.Sub(first).Round(time.Second))
		return nil
	},
}
