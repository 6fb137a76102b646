package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatbot/internal/chat"
	"github.com/user/chatbot/internal/scheduler"
	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/transcript"
	"github.com/user/chatbot/internal/types"
)

var promptDisabled bool

func init() {
	rootCmd.AddCommand(promptCmd)
	promptCmd.AddCommand(promptAddCmd, promptListCmd, promptRemoveCmd, promptEnableCmd, promptDisableCmd, promptRunCmd)
	promptAddCmd.Flags().BoolVar(&promptDisabled, "disabled", false, "add the prompt without scheduling it")
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Manage scheduled prompts",
	Long: `Scheduled prompts are messages that "chatbot serve" sends to a
conversation on a cron schedule. Replies are announced like any other
background reply. Changes are picked up when serve starts or restarts.`,
}

func promptStore() *state.PromptStore {
	return state.NewPromptStore(loadConfig().PromptsPath())
}

var promptAddCmd = &cobra.Command{
	Use:   "add <name> <conversation-id> <schedule> <prompt...>",
	Short: "Add a scheduled prompt",
	Example: `  chatbot prompt add morning c42 "0 8 * * 1-5" "Summarize my unread mail"
  chatbot prompt add hourly c42 "@every 1h" "Anything new?"`,
	Args: cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := scheduler.Validate(args[2]); err != nil {
			return err
		}
		p := state.ScheduledPrompt{
			Name:     args[0],
			ConvID:   types.ConvID(args[1]),
			Schedule: args[2],
			Prompt:   strings.Join(args[3:], " "),
			Enabled:  !promptDisabled,
		}
		if err := promptStore().Add(p); err != nil {
			return err
		}
		fmt.Printf("Added scheduled prompt %s (%s).\n", p.Name, p.Schedule)
		return nil
	},
}

var promptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled prompts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompts, err := promptStore().List()
		if err != nil {
			return err
		}
		if len(prompts) == 0 {
			fmt.Println("No scheduled prompts.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCONVERSATION\tSCHEDULE\tENABLED\tLAST RUN\tPROMPT")
		for _, p := range prompts {
			last := "-"
			if !p.LastRun.IsZero() {
				last = relTime(types.Timestamp{Time: p.LastRun})
				if p.LastErr != "" {
					last += " (failed)"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", p.Name, p.ConvID, p.Schedule, p.Enabled, last,
				transcript.EllipsisInMiddle(p.Prompt, 40))
		}
		w.Flush()
		return nil
	},
}

var promptRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a scheduled prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := promptStore().Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s.\n", args[0])
		return nil
	},
}

var promptEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a scheduled prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return promptStore().SetEnabled(args[0], true)
	},
}

var promptDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a scheduled prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return promptStore().SetEnabled(args[0], false)
	},
}

var promptRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Send a scheduled prompt now and print the reply",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		ctx, cancel := signalContext()
		defer cancel()

		store := state.NewPromptStore(a.cfg.PromptsPath())
		p, err := store.Get(args[0])
		if err != nil {
			return err
		}
		if err := a.svc.Open(ctx, p.ConvID); err != nil {
			return err
		}
		r := newRepl(a, os.Stdout)
		r.mark(a.svc.Messages().Groups(p.ConvID))

		err = sendPrompt(ctx, a.svc, store, p)
		if err != nil {
			return err
		}
		return waitReply(ctx, a, r, p.ConvID)
	},
}

// sendPrompt sends p's text to its conversation and records the run.
func sendPrompt(ctx context.Context, svc *chat.Service, store *state.PromptStore, p state.ScheduledPrompt) error {
	_, err := svc.Send(ctx, p.ConvID, types.Message{Content: types.Text(p.Prompt)})
	if rerr := store.RecordRun(p.Name, time.Now(), err); rerr != nil {
		slog.Warn("record prompt run failed", "prompt", p.Name, "error", rerr)
	}
	if err != nil {
		return fmt.Errorf("send prompt %s: %w", p.Name, err)
	}
	return nil
}

// schedulePrompts registers a job for every enabled prompt and returns how
// many were added.
func schedulePrompts(sched *scheduler.Scheduler, svc *chat.Service, store *state.PromptStore) (int, error) {
	prompts, err := store.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range prompts {
		if !p.Enabled {
			continue
		}
		err := sched.Add(scheduler.Job{
			Name:     "prompt:" + p.Name,
			Schedule: p.Schedule,
			Run: func(ctx context.Context) error {
				return sendPrompt(ctx, svc, store, p)
			},
		})
		if err != nil {
			slog.Warn("skipping scheduled prompt", "prompt", p.Name, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
