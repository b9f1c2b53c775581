package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Re-run clustering and refresh community reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, eng, closeFn, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := eng.Cluster(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Clustering completed")
		return nil
	},
}

var (
	communityLevel int
	outputFormat   string
)

var communitiesCmd = &cobra.Command{
	Use:   "communities",
	Short: "List community reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, eng, closeFn, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		reports, err := eng.Communities(ctx)
		if err != nil {
			return err
		}

		filtered := reports[:0]
		for _, r := range reports {
			if communityLevel < 0 || r.Level == communityLevel {
				filtered = append(filtered, r)
			}
		}

		out := cmd.OutOrStdout()
		if outputFormat == "json" || outputFormat == "yaml" {
			return printStructured(out, outputFormat, filtered)
		}
		for _, r := range filtered {
			fmt.Fprintf(out, "[%s] level %d, occurrence %.3f: %s\n", r.Title, r.Level, r.Occurrence, r.Data.Title)
		}
		return nil
	},
}

func init() {
	communitiesCmd.Flags().IntVar(&communityLevel, "level", -1, "only list this level")
	communitiesCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")
}
