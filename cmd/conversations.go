package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/killallgit/thrive/pkg/headless"
	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		controller, cleanup, err := openController()
		if err != nil {
			return err
		}
		defer cleanup()

		conversations, err := controller.ListConversations(cmd.Context(), limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED")
		for _, c := range conversations {
			fmt.Fprintf(w, "%s\t%s\n", c.ID, c.CreatedAt)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [conversation-id]",
	Short: "Print a conversation",
	Long:  `Print a conversation from the backend, or the local transcript when no id is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		controller, cleanup, err := openController()
		if err != nil {
			return err
		}
		defer cleanup()

		if len(args) == 1 {
			err = controller.GetConversationHistory(cmd.Context(), args[0])
		} else {
			err = controller.Initialize(cmd.Context())
		}
		if err != nil {
			return err
		}

		headless.NewRunner(controller, cmd.OutOrStdout(), settings.ShowThinking).PrintHistory(controller.CurrentMessages())
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Finish a reply that was interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		controller, cleanup, err := openController()
		if err != nil {
			return err
		}
		defer cleanup()

		// Initialize resumes on its own; this only reports what happened
		if err := controller.Initialize(cmd.Context()); err != nil {
			return err
		}
		msgs := controller.CurrentMessages()
		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to resume")
			return nil
		}
		headless.NewRunner(controller, cmd.OutOrStdout(), settings.ShowThinking).PrintHistory(msgs[len(msgs)-1:])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		controller, cleanup, err := openController()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := controller.Initialize(cmd.Context()); err != nil {
			return err
		}
		if err := controller.DeleteConversation(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the local transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		controller, cleanup, err := openController()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := controller.ClearHistory(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "local history cleared")
		return nil
	},
}

func init() {
	conversationsCmd.Flags().Int("limit", 20, "number of conversations to list")
	conversationsCmd.Flags().Int("offset", 0, "number of conversations to skip")

	rootCmd.AddCommand(conversationsCmd, historyCmd, resumeCmd, deleteCmd, clearCmd)
}
