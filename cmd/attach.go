package cmd

import (
	"github.com/spf13/cobra"
)

var attachCmd = &cobra.Command{
	Use:   "attach <thread-id> <run-id>",
	Short: "Follow a run that is already in progress",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireArg(args[1], "run id"); err != nil {
			return err
		}
		runner, err := newRunner(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return runner.Attach(ctx, args[0], args[1])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <thread-id>",
	Short: "Print a thread and pick up its pending or live run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runner, err := newRunner(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return runner.Resume(ctx, args[0])
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Ask the server to stop a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runner, err := newRunner(cmd)
		if err != nil {
			return err
		}
		return runner.Stop(cmd.Context(), args[0])
	},
}
