package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/chatbot/internal/chat"
	"github.com/user/chatbot/internal/types"
)

func init() {
	rootCmd.AddCommand(sendCmd, uploadCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message...>",
	Short: "Send one message and print the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		ctx, cancel := signalContext()
		defer cancel()

		id := types.ConvID(args[0])
		if err := a.svc.Open(ctx, id); err != nil {
			return err
		}
		r := newRepl(a, os.Stdout)
		r.mark(a.svc.Messages().Groups(id))

		text := strings.Join(args[1:], " ")
		if _, err := a.svc.Send(ctx, id, types.Message{Content: types.Text(text)}); err != nil {
			return err
		}
		return waitReply(ctx, a, r, id)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <conversation-id> <file...>",
	Short: "Attach files to a conversation and print the replies",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var files []chat.File
		for _, p := range args[1:] {
			f, err := chat.FileFromPath(p)
			if err != nil {
				return err
			}
			files = append(files, f)
		}

		a := mustApp(true)
		defer a.Close()
		ctx, cancel := signalContext()
		defer cancel()

		id := types.ConvID(args[0])
		if err := a.svc.Open(ctx, id); err != nil {
			return err
		}
		r := newRepl(a, os.Stdout)
		r.mark(a.svc.Messages().Groups(id))

		if err := a.svc.Upload(ctx, id, files); err != nil {
			return err
		}
		return waitReply(ctx, a, r, id)
	},
}

// waitReply prints id's new text until every upload and stream is done. A
// signal interrupts the answer instead of abandoning it.
func waitReply(ctx context.Context, a *app, r *repl, id types.ConvID) error {
	changes := a.svc.Messages().Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		a.svc.Wait()
		close(done)
	}()

	for {
		select {
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			r.catchUp()
		case <-done:
			r.catchUp()
			fmt.Println()
			return nil
		case <-ctx.Done():
			if err := a.svc.Interrupt(context.Background(), id); err != nil {
				return err
			}
			<-done
			fmt.Println()
			return nil
		}
	}
}
