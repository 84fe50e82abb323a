package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/killallgit/thrive/pkg/config"
	"github.com/killallgit/thrive/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	settings *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "thrive",
	Short: "Chat with the thrive assistant from the terminal",
	Long: `thrive streams replies from the conversation backend, keeps a local
copy of the transcript and picks up interrupted replies where they stopped.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := logger.Init(cfg.Logging); err != nil {
			return err
		}
		if noStore, _ := cmd.Flags().GetBool("no-store"); noStore {
			cfg.Storage.Enabled = false
		}
		settings = cfg
		logger.Debug("Using config file: %s", config.GetConfigFileUsed())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatCmd.RunE(cmd, args)
	},
}

// Execute runs the root command. Ctrl-C cancels the turn in flight.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .thrive/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("base-url", "", "conversation backend base URL")
	viper.BindPFlag("api.base_url", rootCmd.PersistentFlags().Lookup("base-url"))

	rootCmd.PersistentFlags().Bool("show-thinking", true, "print the assistant's thinking")
	viper.BindPFlag("show_thinking", rootCmd.PersistentFlags().Lookup("show-thinking"))

	rootCmd.PersistentFlags().Bool("no-store", false, "do not keep a local copy of the transcript")
}
