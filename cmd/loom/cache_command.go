package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/api"
	"loom/internal/ipc"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the tiered result cache",
	}

	cacheCmd.AddCommand(newCacheStatsCommand(ctx))

	return cacheCmd
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show hit and miss counters per cache tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CacheStats()
				if err != nil {
					return fmt.Errorf("cache stats: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderCacheTable(resp.Stats))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit cache counters as JSON")
	return cmd
}

func renderCacheTable(stats api.CacheStatsResponse) string {
	rows := [][]string{
		cacheTierRow("local", stats.Local),
		cacheTierRow("shared", stats.Shared),
	}
	return renderTable(
		[]string{"Tier", "Hits", "Misses", "Hit Rate", "Entries", "Size"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func cacheTierRow(name string, tier api.TierStats) []string {
	return []string{
		name,
		strconv.FormatInt(tier.Hits, 10),
		strconv.FormatInt(tier.Misses, 10),
		fmt.Sprintf("%.2f", tier.HitRate),
		strconv.Itoa(tier.Entries),
		strconv.FormatInt(tier.SizeBytes, 10),
	}
}
