package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var duration float64
	var size int64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ingest <source>",
		Short: "Register an asset and run the processing pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Ingest(ipc.IngestRequest{
					Source:       args[0],
					DurationSecs: duration,
					SizeBytes:    size,
				})
				if err != nil {
					return fmt.Errorf("ingest asset: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				fmt.Fprintf(stdout, "Asset %s ingested (status: %s)\n", resp.Asset.ID, resp.Asset.Status)
				fmt.Fprintf(stdout, "Track progress with `loom asset status %s`\n", resp.Asset.ID)
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&duration, "duration", 0, "Asset duration in seconds")
	cmd.Flags().Int64Var(&size, "size", 0, "Asset size in bytes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the created asset as JSON")
	return cmd
}
