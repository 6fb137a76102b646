package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/chatbot/internal/types"
)

var (
	feedbackUp      bool
	feedbackDown    bool
	feedbackComment string
)

func init() {
	rootCmd.AddCommand(feedbackCmd, whoamiCmd)
	feedbackCmd.Flags().BoolVar(&feedbackUp, "up", false, "rate the reply thumbs up")
	feedbackCmd.Flags().BoolVar(&feedbackDown, "down", false, "rate the reply thumbs down")
	feedbackCmd.Flags().StringVar(&feedbackComment, "comment", "", "free-form comment")
	feedbackCmd.MarkFlagsMutuallyExclusive("up", "down")
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <conversation-id> <run-id>",
	Short: "Rate an assistant reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fb types.Feedback
		switch {
		case feedbackUp:
			fb.Rating = types.ThumbsUp
		case feedbackDown:
			fb.Rating = types.ThumbsDown
		}
		fb.Comment = feedbackComment
		if fb.Rating == "" && fb.Comment == "" {
			return errors.New("nothing to send: pass --up, --down or --comment")
		}

		a := mustApp(false)
		defer a.Close()
		if err := a.client.Feedback(cmd.Context(), types.ConvID(args[0]), types.RunID(args[1]), fb); err != nil {
			return fmt.Errorf("send feedback: %w", err)
		}
		fmt.Println("Feedback sent.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	Aliases: []string{"me"},
	Short:   "Show the signed-in user",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		me, err := a.client.Me(cmd.Context())
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		fmt.Printf("%s (%s)\n", me.Username, me.UserID)
		if me.Email != "" {
			fmt.Println(me.Email)
		}
		return nil
	},
}
