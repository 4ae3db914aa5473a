package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var sendCmd = &cobra.Command{
	Use:   "send <thread-id> <message>...",
	Short: "Post a message to a thread and follow the run it starts",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID := args[0]
		if err := requireArg(threadID, "thread id"); err != nil {
			return err
		}

		runner, err := newRunner(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return runner.Send(ctx, threadID, strings.Join(args[1:], " "))
	},
}

func init() {
	sendCmd.Flags().String("model", "", "model to run the agent with")
	viper.BindPFlag("run.model_name", sendCmd.Flags().Lookup("model"))

	sendCmd.Flags().Bool("thinking", false, "enable extended thinking")
	viper.BindPFlag("run.enable_thinking", sendCmd.Flags().Lookup("thinking"))

	sendCmd.Flags().String("reasoning-effort", "", "reasoning effort: low, medium or high")
	viper.BindPFlag("run.reasoning_effort", sendCmd.Flags().Lookup("reasoning-effort"))

	sendCmd.Flags().String("account", "", "account id shown with billing alerts")
	viper.BindPFlag("run.account_id", sendCmd.Flags().Lookup("account"))
}
