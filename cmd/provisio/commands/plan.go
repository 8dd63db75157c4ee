package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the expanded instances and their execution order",
		Long: `Plan expands every declaration into instances and prints the dependency
graph grouped by execution level. Instances within a level have no
dependencies on each other and run concurrently during apply.`,
		Example: `  provisio plan
  provisio plan --var env=prod --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, scope, err := loadConfiguration()
			if err != nil {
				return err
			}
			graph, err := buildGraph(cfg, scope)
			if err != nil {
				return err
			}

			if jsonOutput {
				type planInstance struct {
					ID        string   `json:"id"`
					Type      string   `json:"type"`
					Level     int      `json:"level"`
					DependsOn []string `json:"depends_on,omitempty"`
				}
				plan := make([]planInstance, 0, len(graph.Nodes))
				for _, inst := range graph.Instances() {
					node := graph.Nodes[inst.ID]
					deps := make([]string, 0, len(node.DependsOn))
					for dep := range node.DependsOn {
						deps = append(deps, dep)
					}
					sort.Strings(deps)
					plan = append(plan, planInstance{inst.ID, inst.Type, node.Level, deps})
				}
				out, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("Plan: %d instance(s) in %d level(s)\n\n", len(graph.Nodes), len(graph.Levels))
			for level, ids := range graph.Levels {
				fmt.Printf("Level %d:\n", level)
				for _, id := range ids {
					node := graph.Nodes[id]
					deps := make([]string, 0, len(node.DependsOn))
					for dep := range node.DependsOn {
						deps = append(deps, dep)
					}
					sort.Strings(deps)
					if len(deps) > 0 {
						fmt.Printf("  %s (%s) <- %v\n", id, node.Instance.Type, deps)
					} else {
						fmt.Printf("  %s (%s)\n", id, node.Instance.Type)
					}
				}
			}
			return nil
		},
	}
}
