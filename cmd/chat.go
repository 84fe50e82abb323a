package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant",
	Long: `Start an interactive chat in the latest conversation. With --prompt a
single message is sent and the command exits when the reply is complete.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunApplication(cmd.Context(), &AppConfig{
			Config:         settings,
			DirectPrompt:   viper.GetString("prompt"),
			ConversationID: viper.GetString("conversation"),
			Transport:      transportOverride,
			In:             cmd.InOrStdin(),
			Out:            cmd.OutOrStdout(),
		})
	},
}

func init() {
	chatCmd.Flags().StringP("prompt", "p", "", "send one prompt and exit")
	viper.BindPFlag("prompt", chatCmd.Flags().Lookup("prompt"))

	chatCmd.Flags().String("conversation", "", "continue the given conversation instead of the latest one")
	viper.BindPFlag("conversation", chatCmd.Flags().Lookup("conversation"))

	rootCmd.AddCommand(chatCmd)
}
