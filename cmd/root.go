package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/killallgit/agentstream/pkg/config"
	"github.com/killallgit/agentstream/pkg/headless"
	"github.com/killallgit/agentstream/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentstream",
	Short: "Send messages to an agent and follow its runs",
	Long: `agentstream talks to an agent backend: it posts messages to a thread,
starts agent runs and streams their output to the terminal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .agentstream/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("log-file", "", "log file path")
	viper.BindPFlag("logging.log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	rootCmd.PersistentFlags().String("api-url", "", "agent backend API root")
	viper.BindPFlag("api.url", rootCmd.PersistentFlags().Lookup("api-url"))

	rootCmd.PersistentFlags().String("token", "", "bearer token for the API and the stream")
	viper.BindPFlag("auth.token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().String("transport", "", "stream transport: sse or websocket")
	viper.BindPFlag("stream.transport", rootCmd.PersistentFlags().Lookup("transport"))

	rootCmd.AddCommand(sendCmd, attachCmd, resumeCmd, stopCmd)
}

func initConfig() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	if _, err := config.Load(cfgFile); err != nil {
		return err
	}
	if err := logger.Init(); err != nil {
		return err
	}
	logger.Debug("Using config file: %s", config.GetConfigFileUsed())
	return nil
}

func newRunner(cmd *cobra.Command) (*headless.Runner, error) {
	return headless.NewRunner(config.Get(), headless.NewOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()))
}

// signalContext is cancelled on Ctrl-C so a followed run gets stopped
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func requireArg(value, name string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	return nil
}
