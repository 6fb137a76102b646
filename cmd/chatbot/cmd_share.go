package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/types"
)

var (
	shareTitle string
	sharePage  int
	shareSize  int
)

func init() {
	rootCmd.AddCommand(shareCmd)
	shareCmd.AddCommand(shareCreateCmd, shareListCmd, shareShowCmd, shareDeleteCmd)
	shareCreateCmd.Flags().StringVar(&shareTitle, "title", "", "share title (defaults to the conversation title)")
	shareListCmd.Flags().IntVar(&sharePage, "page", 1, "page number")
	shareListCmd.Flags().IntVar(&shareSize, "size", 20, "page size")
}

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Manage shared conversation snapshots",
}

var shareCreateCmd = &cobra.Command{
	Use:   "create <conversation-id>",
	Short: "Publish a read-only snapshot of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		ctx := cmd.Context()

		title := shareTitle
		if title == "" {
			conv, err := a.client.GetConversation(ctx, types.ConvID(args[0]))
			if err != nil {
				return fmt.Errorf("get conversation: %w", err)
			}
			title = conv.Title
		}
		share, err := a.client.CreateShare(ctx, types.ConvID(args[0]), title)
		if err != nil {
			return fmt.Errorf("create share: %w", err)
		}
		fmt.Printf("Share %s created: %s\n", share.ID, share.URL)
		return nil
	},
}

var shareListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shares",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()

		page, err := a.client.ListShares(cmd.Context(), sharePage, shareSize)
		if err != nil {
			return fmt.Errorf("list shares: %w", err)
		}
		if len(page.Items) == 0 {
			fmt.Println("No shares found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tCREATED\tURL")
		for _, s := range page.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Title, relTime(s.CreatedAt), s.URL)
		}
		w.Flush()
		if page.Pages > 1 {
			fmt.Printf("\nPage %d of %d (%d shares).\n", page.Page, page.Pages, page.Total)
		}
		return nil
	},
}

var shareShowCmd = &cobra.Command{
	Use:     "show <share-id>",
	Aliases: []string{"get"},
	Short:   "Print a shared snapshot as markdown",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()

		share, err := a.client.GetShare(cmd.Context(), types.ShareID(args[0]))
		if err != nil {
			return fmt.Errorf("get share: %w", err)
		}
		conv := types.Conversation{Title: share.Title, LastMessageAt: share.CreatedAt}
		fmt.Print(a.renderer.Render(conv, state.GroupMessages(share.Messages)))
		if share.URL != "" {
			fmt.Printf("\n%s\n", share.URL)
		}
		return nil
	},
}

var shareDeleteCmd = &cobra.Command{
	Use:   "delete <share-id>",
	Short: "Delete a share",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(false)
		defer a.Close()
		if err := a.client.DeleteShare(cmd.Context(), types.ShareID(args[0])); err != nil {
			return fmt.Errorf("delete share: %w", err)
		}
		fmt.Printf("Share %s deleted.\n", args[0])
		return nil
	},
}
