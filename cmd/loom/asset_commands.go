package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
)

func newAssetCommand(ctx *commandContext) *cobra.Command {
	assetCmd := &cobra.Command{
		Use:   "asset",
		Short: "Inspect ingested assets",
	}

	assetCmd.AddCommand(newAssetStatusCommand(ctx))
	assetCmd.AddCommand(newAssetResultsCommand(ctx))

	return assetCmd
}

func newAssetStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <asset-id>",
		Short: "Show asset lifecycle and per-stage progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.AssetStatus(args[0])
				if err != nil {
					return fmt.Errorf("asset status: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				renderAssetStatus(cmd, resp)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit asset status as JSON")
	return cmd
}

func newAssetResultsCommand(ctx *commandContext) *cobra.Command {
	var kind string
	var from, to float64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "results <asset-id>",
		Short: "List persisted results for an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.ResultsRequest{AssetID: args[0], Kind: strings.TrimSpace(kind)}
			if cmd.Flags().Changed("from") {
				req.From = &from
			}
			if cmd.Flags().Changed("to") {
				req.To = &to
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Results(req)
				if err != nil {
					return fmt.Errorf("asset results: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				renderResults(cmd, resp.Results)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only results of this kind")
	cmd.Flags().Float64Var(&from, "from", 0, "Only results at or after this timestamp (seconds)")
	cmd.Flags().Float64Var(&to, "to", 0, "Only results at or before this timestamp (seconds)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit results as JSON")
	return cmd
}

func renderAssetStatus(cmd *cobra.Command, resp *ipc.AssetStatusResponse) {
	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)

	for _, line := range renderSectionHeader("Asset", colorize) {
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintln(stdout, renderStatusLine("ID", statusInfo, resp.Asset.ID, colorize))
	fmt.Fprintln(stdout, renderStatusLine("Source", statusInfo, resp.Asset.Source, colorize))
	fmt.Fprintln(stdout, renderStatusLine("Status", assetStatusKind(resp.Asset.Status), resp.Asset.Status, colorize))
	if resp.Partial {
		fmt.Fprintln(stdout, renderStatusLine("Partial", statusWarn, "some stages completed", colorize))
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Stages", colorize) {
		fmt.Fprintln(stdout, line)
	}
	rows := make([][]string, 0, len(resp.Stages))
	for _, stage := range resp.Stages {
		rows = append(rows, []string{stage.Stage, stage.Status, stage.StartedAt, stage.FinishedAt})
	}
	fmt.Fprintln(stdout, renderTable(
		[]string{"Stage", "Status", "Started", "Finished"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
	))
}

func renderResults(cmd *cobra.Command, results []ipc.Result) {
	stdout := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(stdout, "No results recorded")
		return
	}
	rows := make([][]string, 0, len(results))
	for _, result := range results {
		rows = append(rows, []string{
			result.Kind,
			formatSeconds(result.TimestampSecs),
			result.Capability + "@" + result.CapabilityVersion,
			truncatePayload(string(result.Payload), 60),
		})
	}
	fmt.Fprintln(stdout, renderTable(
		[]string{"Kind", "Timestamp", "Capability", "Payload"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
	))
}

func assetStatusKind(status string) statusKind {
	switch status {
	case "complete":
		return statusOK
	case "error":
		return statusError
	case "processing":
		return statusInfo
	default:
		return statusInfo
	}
}
