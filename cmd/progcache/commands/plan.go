package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/progcache"
)

var (
	planPreset string
	planCount  int
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the node expansion of a retrieval plan",
	Long: `Expands the configured stages (or --preset) over --count assets and prints
every node in submission order: stage, asset index, class, priority and the
neighbor indices it may fill.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planPreset, "preset", "", "stage preset (single, sequential, interleaved); overrides the config")
	planCmd.Flags().IntVar(&planCount, "count", 16, "number of assets")
}

func runPlan(cmd *cobra.Command, _ []string) error {
	var (
		stages []progcache.Stage
		err    error
	)
	if planPreset != "" {
		stages, err = progcache.Preset(planPreset)
	} else {
		cfg, lerr := loadConfig()
		if lerr != nil {
			return lerr
		}
		stages, err = cfg.Stages()
	}
	if err != nil {
		return err
	}
	if planCount <= 0 {
		return fmt.Errorf("--count must be positive")
	}

	nodes, err := progcache.Plan(syntheticIDs(planCount), stages)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		nb := make([]string, len(n.Neighbors))
		for i, x := range n.Neighbors {
			nb[i] = strconv.Itoa(x)
		}
		rows = append(rows, []string{
			n.Stage,
			strconv.Itoa(n.Index),
			n.AssetID,
			n.Class.String(),
			strconv.Itoa(n.Priority),
			strings.Join(nb, ","),
		})
	}
	printTable(cmd.OutOrStdout(), []string{"Stage", "Index", "Asset", "Class", "Priority", "Fills"}, rows)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d nodes over %d assets\n", len(nodes), planCount)
	return nil
}

func syntheticIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("asset-%04d", i)
	}
	return ids
}
