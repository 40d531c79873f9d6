package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
)

func newReprocessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <asset-id> <stage>",
		Short: "Reset a failed stage and run it again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Reprocess(args[0], args[1])
				if err != nil {
					return fmt.Errorf("reprocess stage %s: %w", args[1], err)
				}
				stdout := cmd.OutOrStdout()
				if resp.Accepted {
					fmt.Fprintf(stdout, "Stage %s reset for asset %s; pipeline resumed\n", args[1], args[0])
				} else {
					fmt.Fprintln(stdout, "Reprocess request was not accepted")
				}
				return nil
			})
		},
	}
}
