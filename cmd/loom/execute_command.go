package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
)

func newExecuteCommand(ctx *commandContext) *cobra.Command {
	var paramFlags []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "execute <capability> <asset-id>",
		Short: "Invoke one capability against an ingested asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramFlags)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Execute(ipc.ExecuteRequest{
					Capability: args[0],
					AssetID:    args[1],
					Params:     params,
				})
				if err != nil {
					return fmt.Errorf("execute %s: %w", args[0], err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				fmt.Fprintf(stdout, "Capability %s produced %s (cached: %s)\n", resp.Capability, resp.Kind, yesNo(resp.FromCache))
				if resp.Result != nil {
					fmt.Fprintf(stdout, "Record %s at timestamp %s\n", resp.Result.ID, formatSeconds(resp.Result.TimestampSecs))
				}
				if payload := truncatePayload(resp.Payload, 200); payload != "" {
					fmt.Fprintf(stdout, "Payload: %s\n", payload)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&paramFlags, "param", nil, "Capability parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the invocation result as JSON")
	return cmd
}
